package solver

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
)

func TestConstantValueRecognizesLiteral(t *testing.T) {
	s := New()
	defer s.Close()

	v, ok := s.ConstantValue(constant.NewInt(types.I64, 0x401000))
	if !ok {
		t.Fatal("expected a constant.Int to be recognized")
	}
	if v != 0x401000 {
		t.Errorf("ConstantValue = %#x, want 0x401000", v)
	}
}

func TestConstantValueRejectsNonConstant(t *testing.T) {
	s := New()
	defer s.Close()

	p := ir.NewParam("pc", types.I64)
	if _, ok := s.ConstantValue(p); ok {
		t.Fatal("expected a non-constant value to be rejected")
	}
}

func TestEnumerateTargetsConstantShortCircuits(t *testing.T) {
	s := New()
	defer s.Close()

	targets, err := s.EnumerateTargets(constant.NewInt(types.I64, 0x402000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 1 || targets[0] != 0x402000 {
		t.Errorf("EnumerateTargets = %v, want [0x402000]", targets)
	}
}

func TestEnumerateTargetsAddOfTwoConstantsFoldsToOneTarget(t *testing.T) {
	s := New()
	defer s.Close()

	add := &ir.InstAdd{X: constant.NewInt(types.I64, 0x400000), Y: constant.NewInt(types.I64, 0x20)}
	targets, err := s.EnumerateTargets(add)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 1 || targets[0] != 0x400020 {
		t.Errorf("EnumerateTargets(add) = %v, want [0x400020]", targets)
	}
}

func TestRewriteOrToAddAppliesWhenDisjoint(t *testing.T) {
	s := New()
	defer s.Close()

	or := &ir.InstOr{X: constant.NewInt(types.I64, 0x0F), Y: constant.NewInt(types.I64, 0xF0)}
	rewritten := s.rewriteOrToAdd(or)
	add, ok := rewritten.(*ir.InstAdd)
	if !ok {
		t.Fatalf("expected rewriteOrToAdd to produce an InstAdd, got %T", rewritten)
	}
	if add.X != or.X || add.Y != or.Y {
		t.Error("rewritten add should carry over the same operands")
	}
}

func TestRewriteOrToAddSkipsWhenNotProvablyDisjoint(t *testing.T) {
	s := New()
	defer s.Close()

	p := ir.NewParam("x", types.I64)
	or := &ir.InstOr{X: p, Y: constant.NewInt(types.I64, 0xF0)}
	rewritten := s.rewriteOrToAdd(or)
	if rewritten != or {
		t.Error("expected rewriteOrToAdd to decline the rewrite for a non-constant operand")
	}
}

func TestDisjointOperands(t *testing.T) {
	tests := []struct {
		name string
		x, y int64
		want bool
	}{
		{"disjoint nibbles", 0x0F, 0xF0, true},
		{"overlapping bit", 0x0F, 0x01, false},
		{"both zero", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := constant.NewInt(types.I64, tt.x)
			y := constant.NewInt(types.I64, tt.y)
			if got := disjointOperands(x, y); got != tt.want {
				t.Errorf("disjointOperands(%#x, %#x) = %v, want %v", tt.x, tt.y, got, tt.want)
			}
		})
	}
}
