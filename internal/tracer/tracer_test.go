package tracer

import (
	"testing"

	"github.com/arkenfold/vmdevirt/internal/symbolic"
	"github.com/arkenfold/vmdevirt/internal/vinsn"
)

func vsp(bits uint) *symbolic.Expr { return symbolic.NewSymAlias("vsp_reg", "vsp", bits) }

func TestClassifyArithmeticAdd(t *testing.T) {
	val := symbolic.Add(symbolic.NewSym("x", 16), vsp(16))
	vi, ok := classifyArithmetic(val)
	if !ok {
		t.Fatalf("expected add to classify")
	}
	if _, isAdd := vi.(vinsn.Add); !isAdd {
		t.Fatalf("expected Add VInsn, got %T", vi)
	}
}

func TestClassifyArithmeticNand(t *testing.T) {
	a := symbolic.Not(symbolic.NewSym("x", 16))
	b := symbolic.Not(vsp(16))
	val := symbolic.Or(a, b)
	vi, ok := classifyArithmetic(val)
	if !ok {
		t.Fatalf("expected nand to classify")
	}
	if _, isNand := vi.(vinsn.Nand); !isNand {
		t.Fatalf("expected Nand VInsn, got %T", vi)
	}
}

func TestClassifyArithmeticNor(t *testing.T) {
	a := symbolic.Not(symbolic.NewSym("x", 16))
	b := symbolic.Not(vsp(16))
	val := symbolic.And(a, b)
	vi, ok := classifyArithmetic(val)
	if !ok {
		t.Fatalf("expected nor to classify")
	}
	if _, isNor := vi.(vinsn.Nor); !isNor {
		t.Fatalf("expected Nor VInsn, got %T", vi)
	}
}

func TestClassifyArithmeticShrFoldsTo8Bit(t *testing.T) {
	// extract(7,0, lshr(vsp16, 3)) is the 8-bit slice of a 16-bit shift
	// result: the bare shift classifies as a 16-bit Shr, the slice as an
	// 8-bit Shr (spec.md §4.2 "Size for Shr/Shl 8-bit variants folds down").
	shift := symbolic.Lshr(vsp(16), symbolic.NewConst(3, 16))
	wrapped := symbolic.Extract(shift, 7, 0)
	vi, ok := classifyArithmetic(shift)
	if !ok {
		t.Fatalf("expected shr to classify")
	}
	shr, isShr := vi.(vinsn.Shr)
	if !isShr {
		t.Fatalf("expected Shr VInsn, got %T", vi)
	}
	if shr.Bits != vinsn.Size16 {
		t.Fatalf("expected 16-bit shr without wrapper, got %d", shr.Bits)
	}

	vi, ok = classifyArithmetic(wrapped)
	if !ok {
		t.Fatalf("expected extracted shr to classify")
	}
	shr, isShr = vi.(vinsn.Shr)
	if !isShr {
		t.Fatalf("expected Shr VInsn for extracted shift, got %T", vi)
	}
	if shr.Bits != vinsn.Size8 {
		t.Fatalf("expected 8-bit shr for the extract(7,0) slice, got %d", shr.Bits)
	}
}

func TestIsDoubleNot(t *testing.T) {
	a := symbolic.Not(symbolic.NewSym("x", 16))
	b := symbolic.Not(vsp(16))
	e := symbolic.And(a, b)
	if !isDoubleNot(e) {
		t.Fatalf("expected double-not shape to be recognized")
	}
}

func TestVmenterRecognitionRequiresBothRegisters(t *testing.T) {
	eng := symbolic.NewEngine(&nullMem{}, 64, 0x1000, 0x2000)
	tr := New(eng)
	_, err := tr.stepVmenter()
	if err == nil {
		t.Fatalf("expected an error when vip/vsp are never recognized")
	}
}

type nullMem struct{}

func (nullMem) ReadAt(va uint64, length int) ([]byte, error) {
	// 0xc3 == ret; the prelude loop runs out its step budget without
	// recognizing vip/vsp, exercising the "not recognized" error path.
	out := make([]byte, length)
	for i := range out {
		out[i] = 0xc3
	}
	return out, nil
}
