// Package lifter implements C3: translating a vinsn.VInsn stream into IR by
// stitching together pre-authored per-handler semantic stubs (spec.md §4.3),
// and assembling per-block IR functions into slice/final CFG wrappers.
//
// Every VInsn's native GPR operands are threaded through as pointer
// parameters (the semantic stubs mutate CPU-context state by reference, the
// same shape VirtualStub/VirtualFunction declare in the intrinsics module),
// so the lifter itself never needs scalar-evolution-style SSA rewriting —
// it only has to resolve names and wire calls in order.
package lifter

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/arkenfold/vmdevirt/internal/aliasing"
	verrors "github.com/arkenfold/vmdevirt/internal/errors"
	"github.com/arkenfold/vmdevirt/internal/intrinsics"
	"github.com/arkenfold/vmdevirt/internal/vinsn"
	"github.com/arkenfold/vmdevirt/internal/vlog"
)

var log = vlog.For("lifter")

// InvalidVip is the spec.md §4.3 sentinel meaning "build the final
// function" rather than a slice rooted at a particular target block.
const InvalidVip = ^uint64(0)

// Lifter owns the IR module it builds (spec.md §3 "Ownership": "Lifter owns
// the module it builds; block-level IR functions are owned by that module").
type Lifter struct {
	Intrinsics *intrinsics.Module
	Module     *ir.Module

	// AllowIndirectExternalCalls is not read by the Lifter; the
	// Exit-then-indirect-call synthesis path is gated by
	// explorer.Config.AllowIndirectExternalCalls (SPEC_FULL.md §9).
	AllowIndirectExternalCalls bool

	blockCounter int
}

// New constructs a Lifter that emits into a fresh module alongside the
// (already-loaded) intrinsics module it links against.
func New(intr *intrinsics.Module) *Lifter {
	return &Lifter{Intrinsics: intr, Module: ir.NewModule()}
}

// LiftBlock implements spec.md §4.3 "Block lifting": clone the empty-block
// stub, emit a call per VInsn to its resolved semantic function, and
// terminate with `return load(vip)`. The resulting function is cached on
// block.LiftedFn.
func (l *Lifter) LiftBlock(block *vinsn.BasicBlock) (*ir.Func, error) {
	stub, err := l.Intrinsics.Func("VirtualStubEmpty")
	if err != nil {
		return nil, err
	}
	fn := l.cloneSignature(fmt.Sprintf("block.0x%x", block.Vip), stub)
	bb := fn.NewBlock("entry")

	for _, vi := range block.Insns {
		if err := l.emitVInsn(fn, bb, vi); err != nil {
			return nil, verrors.Wrap(verrors.LifterLink, block.Vip, "emitting VInsn", err)
		}
	}

	vipParam, err := findParam(fn, "vip")
	if err != nil {
		return nil, err
	}
	bb.NewRet(bb.NewLoad(types.I64, vipParam))

	block.LiftedFn = blockFuncHandle{fn}
	return fn, nil
}

// blockFuncHandle adapts *ir.Func to vinsn.LiftedFunc (an opaque marker
// interface; vinsn stays decoupled from the IR framework per spec.md §4.1).
type blockFuncHandle struct{ fn *ir.Func }

// emitVInsn resolves and calls the semantic function for one VInsn, per the
// naming scheme of spec.md §4.3. An Enter emits a call per contained Push;
// an Exit emits a call per contained Pop followed by RET.
func (l *Lifter) emitVInsn(fn *ir.Func, bb *ir.Block, vi vinsn.VInsn) error {
	switch v := vi.(type) {
	case vinsn.Enter:
		for _, p := range v.Push {
			if err := l.emitVInsn(fn, bb, p); err != nil {
				return err
			}
		}
		return nil
	case vinsn.Exit:
		for _, p := range v.Restore {
			if err := l.emitVInsn(fn, bb, p); err != nil {
				return err
			}
		}
	}
	name, args, err := l.semanticCall(fn, bb, vi)
	if err != nil {
		return err
	}
	if name == "" {
		return nil
	}
	semFn, err := l.Intrinsics.Semantic(name)
	if err != nil {
		return err
	}
	bb.NewCall(semFn, args...)
	return nil
}

// semanticCall computes the semantic function name and call arguments for
// one VInsn, per spec.md §4.3's naming table.
func (l *Lifter) semanticCall(fn *ir.Func, bb *ir.Block, vi vinsn.VInsn) (string, []value.Value, error) {
	switch v := vi.(type) {
	case vinsn.Add:
		return fmt.Sprintf("ADD_%d", v.Bits), []value.Value{}, nil
	case vinsn.Nor:
		return fmt.Sprintf("NOR_%d", v.Bits), []value.Value{}, nil
	case vinsn.Nand:
		return fmt.Sprintf("NAND_%d", v.Bits), []value.Value{}, nil
	case vinsn.Shl:
		return fmt.Sprintf("SHL_%d", v.Bits), []value.Value{}, nil
	case vinsn.Shr:
		return fmt.Sprintf("SHR_%d", v.Bits), []value.Value{}, nil
	case vinsn.Shrd:
		return fmt.Sprintf("SHRD_%d", v.Bits), []value.Value{}, nil
	case vinsn.Shld:
		return fmt.Sprintf("SHLD_%d", v.Bits), []value.Value{}, nil
	case vinsn.Ldr:
		return fmt.Sprintf("LOAD_%d", v.Bits), []value.Value{}, nil
	case vinsn.Str:
		return fmt.Sprintf("STORE_%d", v.Bits), []value.Value{}, nil
	case vinsn.Jmp:
		return "JMP", nil, nil
	case vinsn.Ret:
		return "RET", nil, nil
	case vinsn.Jcc:
		if v.Direction == vinsn.Up {
			return "JCC_INC", nil, nil
		}
		return "JCC_DEC", nil, nil

	case vinsn.Push:
		return l.pushCall(fn, v)
	case vinsn.Pop:
		return l.popCall(fn, v)

	case vinsn.Enter:
		for _, p := range v.Push {
			if _, _, err := l.pushCall(fn, p); err != nil {
				return "", nil, err
			}
		}
		return "", nil, nil
	case vinsn.Exit:
		for _, p := range v.Restore {
			if _, _, err := l.popCall(fn, p); err != nil {
				return "", nil, err
			}
		}
		return "RET", nil, nil
	default:
		return "", nil, fmt.Errorf("lifter: unrecognized VInsn type %T", vi)
	}
}

func (l *Lifter) pushCall(fn *ir.Func, v vinsn.Push) (string, []value.Value, error) {
	switch op := v.Operand.(type) {
	case vinsn.Immediate:
		return fmt.Sprintf("PUSH_IMM_%d", v.Bits), []value.Value{constant.NewInt(types.I64, int64(op.Value))}, nil
	case vinsn.PhysicalRegister:
		p, err := findParam(fn, op.Name)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("PUSH_REG_%d", v.Bits), []value.Value{p}, nil
	case vinsn.VirtualRegister:
		return fmt.Sprintf("PUSH_VREG_%d_%d", v.Bits, op.SubOffset), nil, nil
	case vinsn.VirtualStackPointer:
		return fmt.Sprintf("PUSH_VSP_%d", v.Bits), nil, nil
	default:
		return "", nil, fmt.Errorf("lifter: unrecognized push operand %T", op)
	}
}

func (l *Lifter) popCall(fn *ir.Func, v vinsn.Pop) (string, []value.Value, error) {
	switch op := v.Operand.(type) {
	case vinsn.PhysicalRegister:
		p, err := findParam(fn, op.Name)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("POP_REG_%d", v.Bits), []value.Value{p}, nil
	case vinsn.VirtualRegister:
		return fmt.Sprintf("POP_VREG_%d_%d", v.Bits, op.SubOffset), nil, nil
	case vinsn.VirtualStackPointer:
		return fmt.Sprintf("POP_VSP_%d", v.Bits), nil, nil
	default:
		return "", nil, fmt.Errorf("lifter: unrecognized pop operand %T", op)
	}
}

// cloneSignature creates a new function in l.Module reusing stub's
// parameter names/types and return type, the practical Go substitute for
// "clone the stub function" when the IR library has no generic deep-clone
// primitive: structurally, only the signature needs to survive the clone,
// since the block's own body is rebuilt from scratch (spec.md §4.3).
func (l *Lifter) cloneSignature(name string, stub *ir.Func) *ir.Func {
	params := make([]*ir.Param, len(stub.Params))
	for i, p := range stub.Params {
		params[i] = ir.NewParam(p.Name(), p.Type())
	}
	fn := l.Module.NewFunc(name, stub.Sig.RetType, params...)
	return fn
}

func findParam(fn *ir.Func, name string) (*ir.Param, error) {
	for _, p := range fn.Params {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, verrors.New(verrors.LifterLink, fmt.Sprintf("function %s has no parameter named %q", fn.Name(), name))
}

// BuildCFG implements spec.md §4.3 "CFG assembly": clone the slice or final
// helper stub, create one block per VIP, call each block's lifted function,
// and branch according to its successor count. target is the VIP to treat
// as the slice root (InvalidVip means "build final").
func (l *Lifter) BuildCFG(routine *vinsn.Routine, target uint64) (*ir.Func, error) {
	stubName := "SlicePC"
	if target == InvalidVip {
		stubName = "VirtualFunction"
	}
	stub, err := l.Intrinsics.Func(stubName)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("cfg.%d", l.nextBlockID())
	fn := l.cloneSignature(name, stub)

	irBlocks := make(map[uint64]*ir.Block)
	for vip := range routine.Blocks {
		irBlocks[vip] = fn.NewBlock(fmt.Sprintf("bb.0x%x", vip))
	}
	entry := irBlocks[routine.Entry]
	if entry == nil {
		return nil, verrors.At(verrors.InternalInvariant, routine.Entry, "routine entry block missing from CFG assembly")
	}

	dummyRet := fn.NewBlock("dummy.ret")
	dummyRet.NewRet(constant.NewInt(types.I64, 0))

	for vip, block := range routine.Blocks {
		bb := irBlocks[vip]
		liftedCall, err := l.callLiftedBlock(fn, bb, block)
		if err != nil {
			return nil, err
		}
		switch len(block.Successors) {
		case 0:
			bb.NewRet(liftedCall)
		case 1:
			succ := irBlocks[block.Successors[0]]
			if vip == target {
				keepReturn, err := l.Intrinsics.Func("KeepReturn")
				if err != nil {
					return nil, err
				}
				vspParam, _ := findParam(fn, "vsp")
				var vspVal value.Value = constant.NewInt(types.I64, 0)
				if vspParam != nil {
					vspVal = vspParam
				}
				bb.NewCall(keepReturn, liftedCall, vspVal)
				cmp := bb.NewICmp(enum.IPredEQ, liftedCall, constant.NewInt(types.I64, int64(block.Successors[0])))
				bb.NewCondBr(cmp, succ, dummyRet)
			} else {
				bb.NewBr(succ)
			}
		case 2:
			succ0 := irBlocks[block.Successors[0]]
			succ1 := irBlocks[block.Successors[1]]
			cmp := bb.NewICmp(enum.IPredEQ, liftedCall, constant.NewInt(types.I64, int64(block.Successors[0])))
			bb.NewCondBr(cmp, succ0, succ1)
		default:
			return nil, verrors.At(verrors.InternalInvariant, vip, "CFG block has more than two successors during assembly")
		}
	}
	return fn, nil
}

// Optimize implements spec.md §4.4/§2's "heavy optimization pipeline": run
// C4's store-coalescing pass over every block of fn, against the intrinsics
// module's RAM global and fn's vsp parameter (the only stack-pointer-shaped
// parameter the CFG stubs declare). Returns the total number of store pairs
// coalesced across fn.
func (l *Lifter) Optimize(fn *ir.Func) (int, error) {
	ram, err := l.Intrinsics.Global("RAM")
	if err != nil {
		return 0, err
	}
	spParams := make(map[string]*ir.Param)
	if vsp, err := findParam(fn, "vsp"); err == nil {
		spParams["vsp"] = vsp
	}

	total := 0
	for _, bb := range fn.Blocks {
		n := aliasing.CoalesceBlock(bb, ram, spParams)
		total += n
	}
	if total > 0 {
		log.Info("store coalescing pass complete", "pairs", total, "blocks", len(fn.Blocks))
	}
	return total, nil
}

func (l *Lifter) nextBlockID() int {
	l.blockCounter++
	return l.blockCounter
}

// callLiftedBlock emits a call to block's already-lifted function, passing
// for each of its parameters this CFG function's parameter of the same name
// (both were cloned from the same family of stub signatures).
func (l *Lifter) callLiftedBlock(fn *ir.Func, bb *ir.Block, block *vinsn.BasicBlock) (value.Value, error) {
	handle, ok := block.LiftedFn.(blockFuncHandle)
	if !ok || handle.fn == nil {
		return nil, verrors.At(verrors.InternalInvariant, block.Vip, "block has no lifted function at CFG assembly time")
	}
	args := make([]value.Value, 0, len(handle.fn.Params))
	for _, p := range handle.fn.Params {
		outer, err := findParam(fn, p.Name())
		if err != nil {
			return nil, err
		}
		args = append(args, outer)
	}
	call := bb.NewCall(handle.fn, args...)
	return call, nil
}

// GetReturnArgs implements spec.md §4.3 "Return-arg extraction": locate the
// unique KeepReturn call in fn and return its program-counter and
// return-address candidate arguments.
func GetReturnArgs(fn *ir.Func) (pc, ret value.Value, err error) {
	var found *ir.InstCall
	for _, bb := range fn.Blocks {
		for _, inst := range bb.Insts {
			call, ok := inst.(*ir.InstCall)
			if !ok {
				continue
			}
			if calleeName(call.Callee) == "KeepReturn" {
				if found != nil {
					return nil, nil, verrors.New(verrors.LifterLink, "more than one KeepReturn call found")
				}
				found = call
			}
		}
	}
	if found == nil {
		return nil, nil, verrors.New(verrors.LifterLink, "no KeepReturn call found")
	}
	if len(found.Args) < 2 {
		return nil, nil, verrors.New(verrors.LifterLink, "KeepReturn call has fewer than two arguments")
	}
	return found.Args[0], found.Args[1], nil
}

func calleeName(v value.Value) string {
	if n, ok := v.(value.Named); ok {
		return n.Name()
	}
	return ""
}

// SynthesizeExternalCall implements spec.md §4.3 "External calls": when Exit
// resolves to a constant return address, splice a call to a synthesized
// External.0x<addr> declaration, passing rcx and storing the result into
// rax, just before fn's final return.
func (l *Lifter) SynthesizeExternalCall(fn *ir.Func, addr uint64) error {
	name := fmt.Sprintf("External.0x%x", addr)
	ext := l.findOrDeclareExternal(name)

	rcx, err := findParam(fn, "rcx")
	if err != nil {
		return err
	}
	rax, err := findParam(fn, "rax")
	if err != nil {
		return err
	}
	if len(fn.Blocks) == 0 {
		return verrors.At(verrors.InternalInvariant, addr, "function has no blocks to splice an external call into")
	}
	last := fn.Blocks[len(fn.Blocks)-1]
	rcxVal := last.NewLoad(types.I64, rcx)
	result := last.NewCall(ext, rcxVal)
	last.NewStore(result, rax)
	return nil
}

func (l *Lifter) findOrDeclareExternal(name string) *ir.Func {
	for _, f := range l.Module.Funcs {
		if f.Name() == name {
			return f
		}
	}
	fn := l.Module.NewFunc(name, types.I64, ir.NewParam("rcx_val", types.I64))
	fn.Sig.RetType = types.I64
	return fn
}
