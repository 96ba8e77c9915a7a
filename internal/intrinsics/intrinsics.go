// Package intrinsics loads and validates the pre-authored intrinsics IR
// module spec.md §6 specifies: the hand-written handler-semantics stubs the
// Lifter links against by name. This module itself is out of scope for this
// repository (spec.md §1); this package only loads and validates one.
package intrinsics

import (
	"fmt"
	"strings"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"

	verrors "github.com/arkenfold/vmdevirt/internal/errors"
	"github.com/arkenfold/vmdevirt/internal/vlog"
)

var log = vlog.For("intrinsics")

// requiredGlobals and requiredFuncs are the intrinsics module contract of
// spec.md §6.
var requiredGlobals = []string{"RAM", "GS", "FS", "__undef"}
var requiredFuncs = []string{"VirtualFunction", "VirtualStub", "VirtualStubEmpty", "KeepReturn", "SlicePC"}

// semPrefix is stripped from a SEM_<name> global to recover the semantic
// name the Lifter resolves by (spec.md §6).
const semPrefix = "SEM_"

// Module wraps a loaded, validated intrinsics IR module and the resolved
// SEM_<name> -> *ir.Func table.
type Module struct {
	IR *ir.Module

	globals map[string]*ir.Global
	funcs   map[string]*ir.Func
	semantics map[string]*ir.Func
}

// Load parses path with asm.ParseFile and validates the contract of
// spec.md §6, returning a lifter-link error naming the first missing symbol
// if validation fails.
func Load(path string) (*Module, error) {
	mod, err := asm.ParseFile(path)
	if err != nil {
		return nil, verrors.Wrap(verrors.LifterLink, 0, fmt.Sprintf("parsing intrinsics module %q", path), err)
	}
	return FromModule(mod)
}

// FromModule validates an already-parsed module, used directly by tests
// that build a synthetic intrinsics module in memory.
func FromModule(mod *ir.Module) (*Module, error) {
	m := &Module{
		IR:        mod,
		globals:   make(map[string]*ir.Global),
		funcs:     make(map[string]*ir.Func),
		semantics: make(map[string]*ir.Func),
	}
	for _, g := range mod.Globals {
		m.globals[g.Name()] = g
	}
	for _, f := range mod.Funcs {
		m.funcs[f.Name()] = f
	}

	for _, name := range requiredGlobals {
		if _, ok := m.globals[name]; !ok {
			return nil, verrors.New(verrors.LifterLink, fmt.Sprintf("intrinsics module missing required global %q", name))
		}
	}
	for _, name := range requiredFuncs {
		if _, ok := m.funcs[name]; !ok {
			return nil, verrors.New(verrors.LifterLink, fmt.Sprintf("intrinsics module missing required function %q", name))
		}
	}

	for name, g := range m.globals {
		if !strings.HasPrefix(name, semPrefix) {
			continue
		}
		semName := strings.TrimPrefix(name, semPrefix)
		fn, err := resolveFuncPointer(g)
		if err != nil {
			return nil, verrors.New(verrors.LifterLink, fmt.Sprintf("SEM_%s: %v", semName, err))
		}
		m.semantics[semName] = fn
	}
	log.Debug("loaded intrinsics module", "semantics", len(m.semantics))
	return m, nil
}

// resolveFuncPointer follows a SEM_<name> global's initializer down to the
// *ir.Func it ultimately references, unwrapping bitcast constant expressions
// if present.
func resolveFuncPointer(g *ir.Global) (*ir.Func, error) {
	init := g.Init
	for {
		switch v := init.(type) {
		case *ir.Func:
			return v, nil
		case *constant.ExprBitCast:
			init = v.From
		case *constant.ExprPtrToInt:
			init = v.From
		default:
			return nil, fmt.Errorf("initializer is not (or does not resolve to) a function pointer: %T", init)
		}
	}
}

// Func looks up one of the required stub functions by name
// (VirtualFunction, VirtualStub, VirtualStubEmpty, KeepReturn, SlicePC).
func (m *Module) Func(name string) (*ir.Func, error) {
	f, ok := m.funcs[name]
	if !ok {
		return nil, verrors.New(verrors.LifterLink, fmt.Sprintf("intrinsics: function %q not found", name))
	}
	return f, nil
}

// Global looks up one of the required globals by name (RAM, GS, FS, __undef).
func (m *Module) Global(name string) (*ir.Global, error) {
	g, ok := m.globals[name]
	if !ok {
		return nil, verrors.New(verrors.LifterLink, fmt.Sprintf("intrinsics: global %q not found", name))
	}
	return g, nil
}

// Semantic resolves a per-handler semantic function by its stripped name
// (e.g. "ADD_32", "PUSH_IMM_64", "POP_VREG_8_1"). Per the Open Question
// resolution in SPEC_FULL.md §9, only sub-offsets {0,1} of an 8-bit
// Pop(VirtualRegister) are supported; a larger offset yields a lifter-link
// error naming it rather than silently misbehaving.
func (m *Module) Semantic(name string) (*ir.Func, error) {
	if fn, ok := m.semantics[name]; ok {
		return fn, nil
	}
	if strings.HasPrefix(name, "POP_VREG_8_") {
		sub := strings.TrimPrefix(name, "POP_VREG_8_")
		return nil, verrors.New(verrors.LifterLink,
			fmt.Sprintf("8-bit Pop(VirtualRegister) sub-offset %s is not covered by the intrinsics module (only {0,1} are defined)", sub))
	}
	return nil, verrors.New(verrors.LifterLink, fmt.Sprintf("intrinsics: no SEM_%s semantic function", name))
}
