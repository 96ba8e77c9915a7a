package lifter

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"

	"github.com/arkenfold/vmdevirt/internal/intrinsics"
	"github.com/arkenfold/vmdevirt/internal/vinsn"
)

// stubParamNames covers every GPR/vip/vsp name this package's findParam
// calls look up across all VInsn kinds exercised below.
var stubParamNames = []string{"vip", "vsp", "rax", "rcx", "rdi", "rsi"}

func ptrParams(names []string) []*ir.Param {
	params := make([]*ir.Param, len(names))
	for i, n := range names {
		params[i] = ir.NewParam(n, types.NewPointer(types.I64))
	}
	return params
}

func newTestIntrinsics(t *testing.T, semantics []string) *intrinsics.Module {
	t.Helper()
	mod := ir.NewModule()

	ramTy := types.NewArray(16, types.I8)
	mod.NewGlobalDef("RAM", constant.NewZeroInitializer(ramTy))
	mod.NewGlobalDef("GS", constant.NewInt(types.I64, 0))
	mod.NewGlobalDef("FS", constant.NewInt(types.I64, 0))
	mod.NewGlobalDef("__undef", constant.NewInt(types.I64, 0))

	mod.NewFunc("VirtualFunction", types.I64, ptrParams(stubParamNames)...)
	mod.NewFunc("VirtualStub", types.I64, ptrParams(stubParamNames)...)
	mod.NewFunc("VirtualStubEmpty", types.I64, ptrParams(stubParamNames)...)
	mod.NewFunc("KeepReturn", types.Void, ir.NewParam("pc", types.I64), ir.NewParam("ret", types.I64))
	mod.NewFunc("SlicePC", types.I64, ptrParams(stubParamNames)...)

	for _, name := range semantics {
		fn := mod.NewFunc("__sem_"+name, types.Void)
		mod.NewGlobalDef("SEM_"+name, fn)
	}

	m, err := intrinsics.FromModule(mod)
	if err != nil {
		t.Fatalf("building test intrinsics module: %v", err)
	}
	return m
}

func TestCloneSignaturePreservesParams(t *testing.T) {
	intr := newTestIntrinsics(t, nil)
	l := New(intr)

	stub, err := intr.Func("VirtualStubEmpty")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fn := l.cloneSignature("block.0x1000", stub)

	if len(fn.Params) != len(stub.Params) {
		t.Fatalf("cloned function has %d params, want %d", len(fn.Params), len(stub.Params))
	}
	for i, p := range stub.Params {
		if fn.Params[i].Name() != p.Name() {
			t.Errorf("param[%d] = %q, want %q", i, fn.Params[i].Name(), p.Name())
		}
	}
}

func TestLiftBlockEmitsOneCallPerVInsn(t *testing.T) {
	intr := newTestIntrinsics(t, []string{"ADD_32", "JMP"})
	l := New(intr)

	block := &vinsn.BasicBlock{Vip: 0x1000}
	block.Append(vinsn.NewAdd(vinsn.Size32))
	block.Append(vinsn.Jmp{})

	fn, err := l.LiftBlock(block)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var calls int
	for _, bb := range fn.Blocks {
		for _, inst := range bb.Insts {
			if _, ok := inst.(*ir.InstCall); ok {
				calls++
			}
		}
	}
	if calls != 2 {
		t.Errorf("expected 2 calls (ADD_32 + JMP), got %d", calls)
	}
}

func TestLiftBlockUnresolvedSemanticFails(t *testing.T) {
	intr := newTestIntrinsics(t, nil) // ADD_32 deliberately not registered
	l := New(intr)

	block := &vinsn.BasicBlock{Vip: 0x1000}
	block.Append(vinsn.NewAdd(vinsn.Size32))
	block.Append(vinsn.Ret{})

	if _, err := l.LiftBlock(block); err == nil {
		t.Fatal("expected an error linking against a missing ADD_32 semantic")
	}
}

func TestGetReturnArgsFindsUniqueKeepReturn(t *testing.T) {
	intr := newTestIntrinsics(t, nil)
	l := New(intr)

	stub, err := intr.Func("SlicePC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fn := l.cloneSignature("slice.test", stub)
	bb := fn.NewBlock("entry")
	keepReturn, err := intr.Func("KeepReturn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bb.NewCall(keepReturn, constant.NewInt(types.I64, 0x401000), constant.NewInt(types.I64, 0x401010))
	bb.NewRet(constant.NewInt(types.I64, 0))

	pc, ret, err := GetReturnArgs(fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pcConst, ok := pc.(*constant.Int)
	if !ok || pcConst.X.Int64() != 0x401000 {
		t.Errorf("pc = %v, want constant 0x401000", pc)
	}
	retConst, ok := ret.(*constant.Int)
	if !ok || retConst.X.Int64() != 0x401010 {
		t.Errorf("ret = %v, want constant 0x401010", ret)
	}
}

func TestGetReturnArgsNoKeepReturn(t *testing.T) {
	intr := newTestIntrinsics(t, nil)
	l := New(intr)
	stub, _ := intr.Func("SlicePC")
	fn := l.cloneSignature("slice.empty", stub)
	bb := fn.NewBlock("entry")
	bb.NewRet(constant.NewInt(types.I64, 0))

	if _, _, err := GetReturnArgs(fn); err == nil {
		t.Fatal("expected an error when no KeepReturn call is present")
	}
}

func TestFindOrDeclareExternalIsIdempotent(t *testing.T) {
	intr := newTestIntrinsics(t, nil)
	l := New(intr)

	first := l.findOrDeclareExternal("External.0x402000")
	second := l.findOrDeclareExternal("External.0x402000")
	if first != second {
		t.Error("expected findOrDeclareExternal to return the same function on repeated calls")
	}
	if len(l.Module.Funcs) == 0 {
		t.Error("expected the external declaration to be added to the module")
	}
}

func TestCalleeNameNamedVsUnnamed(t *testing.T) {
	intr := newTestIntrinsics(t, nil)
	fn, err := intr.Func("KeepReturn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := calleeName(fn); got != "KeepReturn" {
		t.Errorf("calleeName(KeepReturn) = %q, want %q", got, "KeepReturn")
	}
	if got := calleeName(constant.NewInt(types.I64, 5)); got != "" {
		t.Errorf("calleeName(non-named value) = %q, want empty string", got)
	}
}
