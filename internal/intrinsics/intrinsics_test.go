package intrinsics

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
)

// newTestModule builds a minimal module satisfying the intrinsics contract:
// the four required globals, the five required stub functions, and one
// SEM_ADD_64 semantic pointing at a real function.
func newTestModule(t *testing.T) *ir.Module {
	t.Helper()
	mod := ir.NewModule()

	ramTy := types.NewArray(16, types.I8)
	mod.NewGlobalDef("RAM", constant.NewZeroInitializer(ramTy))
	mod.NewGlobalDef("GS", constant.NewInt(types.I64, 0))
	mod.NewGlobalDef("FS", constant.NewInt(types.I64, 0))
	mod.NewGlobalDef("__undef", constant.NewInt(types.I64, 0))

	mod.NewFunc("VirtualFunction", types.Void)
	mod.NewFunc("VirtualStub", types.Void)
	mod.NewFunc("VirtualStubEmpty", types.I64, ir.NewParam("vip", types.NewPointer(types.I64)))
	mod.NewFunc("KeepReturn", types.Void, ir.NewParam("pc", types.I64), ir.NewParam("ret", types.I64))
	mod.NewFunc("SlicePC", types.I64)

	addFn := mod.NewFunc("__sem_add_64_impl", types.Void)
	mod.NewGlobalDef("SEM_ADD_64", addFn)

	return mod
}

func TestFromModuleValidContract(t *testing.T) {
	mod := newTestModule(t)
	m, err := FromModule(mod)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Global("RAM"); err != nil {
		t.Errorf("expected RAM global to resolve: %v", err)
	}
	if _, err := m.Func("KeepReturn"); err != nil {
		t.Errorf("expected KeepReturn func to resolve: %v", err)
	}
	if _, err := m.Semantic("ADD_64"); err != nil {
		t.Errorf("expected ADD_64 semantic to resolve: %v", err)
	}
}

func TestFromModuleMissingGlobal(t *testing.T) {
	mod := ir.NewModule()
	mod.NewGlobalDef("GS", constant.NewInt(types.I64, 0))
	mod.NewGlobalDef("FS", constant.NewInt(types.I64, 0))
	mod.NewGlobalDef("__undef", constant.NewInt(types.I64, 0))
	mod.NewFunc("VirtualFunction", types.Void)
	mod.NewFunc("VirtualStub", types.Void)
	mod.NewFunc("VirtualStubEmpty", types.Void)
	mod.NewFunc("KeepReturn", types.Void)
	mod.NewFunc("SlicePC", types.I64)

	if _, err := FromModule(mod); err == nil {
		t.Fatal("expected an error for a module missing the RAM global")
	}
}

func TestFromModuleMissingFunc(t *testing.T) {
	mod := ir.NewModule()
	mod.NewGlobalDef("RAM", constant.NewInt(types.I64, 0))
	mod.NewGlobalDef("GS", constant.NewInt(types.I64, 0))
	mod.NewGlobalDef("FS", constant.NewInt(types.I64, 0))
	mod.NewGlobalDef("__undef", constant.NewInt(types.I64, 0))
	mod.NewFunc("VirtualFunction", types.Void)
	mod.NewFunc("VirtualStub", types.Void)
	mod.NewFunc("VirtualStubEmpty", types.Void)
	mod.NewFunc("KeepReturn", types.Void)
	// SlicePC deliberately omitted.

	if _, err := FromModule(mod); err == nil {
		t.Fatal("expected an error for a module missing SlicePC")
	}
}

func TestSemanticPopVReg8UnsupportedSubOffset(t *testing.T) {
	mod := newTestModule(t)
	m, err := FromModule(mod)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Semantic("POP_VREG_8_3"); err == nil {
		t.Fatal("expected an error for an unsupported 8-bit Pop(VirtualRegister) sub-offset")
	}
}

func TestSemanticUnknownName(t *testing.T) {
	mod := newTestModule(t)
	m, err := FromModule(mod)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Semantic("NOR_128"); err == nil {
		t.Fatal("expected an error resolving a semantic with no SEM_ global")
	}
}
