package symbolic

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ConcreteMemory is the binary loader's callback contract (spec.md §3):
// read len bytes of section data at virtual address va. It is the one
// place the symbolic engine touches the out-of-scope binary loader.
type ConcreteMemory interface {
	ReadAt(va uint64, length int) ([]byte, error)
}

// NativeInsn is the decoded host instruction cached by variable name, so
// the tracer can recover the *original* producer of a symbolic variable —
// critical for 8-bit Ldr/Push sizing (spec.md §4.2 "Caching").
type NativeInsn struct {
	VA     uint64
	Inst   x86asm.Inst
	DestOp string // register name or "[mem]" — informational
	Bits   uint   // bit-width of the instruction's destination operand
}

func (n *NativeInsn) String() string {
	if n == nil {
		return "<none>"
	}
	return fmt.Sprintf("0x%x: %s", n.VA, n.Inst.String())
}

// StepResult is everything the tracer needs out of one native instruction
// step: which register or memory location changed, and its new AST.
type StepResult struct {
	RegWritten  string // canonical 64-bit register name, or "" if none
	RegAST      *Expr
	MemWrite    bool
	MemAddrAST  *Expr // LEA-style address expression
	MemValueAST *Expr
	MemBits     uint
	IsRet       bool
	IsPopReg    bool
	PoppedReg   string
}

// Engine is the concrete/symbolic CPU emulator the tracer drives: it wraps
// a register file of symbolic ASTs, a concrete shadow (used only to fetch
// concrete index/displacement values the classifier needs, e.g. the
// concrete "off" used by Pop(VReg) classification) and decodes native
// instructions one at a time via x86asm.
//
// This is the out-of-scope "symbolic execution engine" collaborator
// (spec.md §1): a real but narrow implementation, scoped to exactly the
// instruction shapes spec.md §4.2 enumerates rather than a general x86
// emulator. A production system would back this with a full concrete CPU
// (e.g. Unicorn) plus an SMT-backed AST layer; this package keeps the same
// two-layer shape (concrete registers + symbolic ASTs) without requiring a
// running hypervisor to exercise the tracer's classification logic in
// tests.
type Engine struct {
	Mem ConcreteMemory

	Regs *RegisterFile
	// concreteRIP is the program counter, advanced past each instruction by
	// StepNative. concreteRSP is the initial stack pointer given to
	// NewEngine; stepping does not update it, and AttachUnicorn uses it to
	// seed the Unicorn CPU's rsp.
	concreteRIP uint64
	concreteRSP uint64

	Bits int // 32 or 64

	// cache maps a symbolic variable's Id to the NativeInsn that produced
	// it (spec.md §3 "Tracer state").
	cache map[uint64]*NativeInsn

	PhysRegCount int

	// VipReg / VspReg are the native registers recognized as VIP/VSP
	// during the vmenter prelude (spec.md §4.2); empty before recognition.
	VipReg string
	VspReg string

	stepIndex int

	// cpu is an optional real Unicorn CPU context (unicorn.go), attached
	// via AttachUnicorn, used only as a ground-truth fallback for
	// ConfirmConcrete. nil means pure shadow-concrete + symbolic mode.
	cpu *UnicornCPU
}

// NewEngine constructs an engine for a 32- or 64-bit target, starting at
// entry with the given initial (concrete) stack pointer.
func NewEngine(mem ConcreteMemory, bits int, entry, rsp uint64) *Engine {
	physCount := 16
	if bits == 32 {
		physCount = 8
	}
	e := &Engine{
		Mem:          mem,
		Regs:         NewRegisterFile(),
		concreteRIP:  entry,
		concreteRSP:  rsp,
		Bits:         bits,
		cache:        make(map[uint64]*NativeInsn),
		PhysRegCount: physCount,
	}
	e.Regs.SetConcrete("rsp", rsp, 64)
	e.Regs.SetConcrete("rip", entry, 64)
	return e
}

// Fork produces an independent deep copy of CPU state and classification
// context (spec.md §4.2 "fork() -> Tracer"). A fork never inherits an
// attached Unicorn CPU (spinning up a second real CPU context per fork is
// unnecessary for classification correctness); re-attach explicitly via
// AttachUnicorn if the caller needs ground-truth confirmation again after
// forking.
func (e *Engine) Fork() *Engine {
	f := &Engine{
		Mem:          e.Mem,
		Regs:         e.Regs.Clone(),
		concreteRIP:  e.concreteRIP,
		concreteRSP:  e.concreteRSP,
		Bits:         e.Bits,
		cache:        make(map[uint64]*NativeInsn, len(e.cache)),
		PhysRegCount: e.PhysRegCount,
		VipReg:       e.VipReg,
		VspReg:       e.VspReg,
		stepIndex:    e.stepIndex,
	}
	for k, v := range e.cache {
		f.cache[k] = v
	}
	return f
}

// RIP returns the engine's concrete program counter.
func (e *Engine) RIP() uint64 { return e.concreteRIP }

// SetRIP forces the concrete program counter, used when the explorer seeds
// a fresh tracer at a resolved branch/continuation target.
func (e *Engine) SetRIP(va uint64) {
	e.concreteRIP = va
	e.Regs.SetConcrete("rip", va, 64)
}

// ClearCache drops the variable->producer cache (spec.md §4.2 step (ii),
// done once per handler before stepping its native instructions).
func (e *Engine) ClearCache() {
	e.cache = make(map[uint64]*NativeInsn)
}

// CacheProducer records that ast was produced by insn, keyed by ast's
// hash-consing id.
func (e *Engine) CacheProducer(ast *Expr, insn *NativeInsn) {
	if ast == nil {
		return
	}
	e.cache[ast.Id()] = insn
}

// Producer recovers the native instruction that produced ast, if cached.
func (e *Engine) Producer(ast *Expr) *NativeInsn {
	if ast == nil {
		return nil
	}
	return e.cache[ast.Id()]
}

// decodeOne fetches and decodes the instruction at the engine's current
// concrete RIP.
func (e *Engine) decodeOne() (x86asm.Inst, []byte, error) {
	raw, err := e.Mem.ReadAt(e.concreteRIP, 16)
	if err != nil {
		return x86asm.Inst{}, nil, err
	}
	inst, err := x86asm.Decode(raw, e.Bits)
	if err != nil {
		return x86asm.Inst{}, nil, err
	}
	return inst, raw[:inst.Len], nil
}

// StepNative decodes and symbolically/concretely executes exactly one
// native instruction, advancing concreteRIP by its length. Control-flow
// instructions are not followed: a jump's target is reported in the
// StepResult (RegWritten "rip", RegAST the target), while concreteRIP and
// the rip register move on to the next instruction. This implements the "single-steps native instructions, executing each"
// loop body of spec.md §4.2.
func (e *Engine) StepNative() (*StepResult, *NativeInsn, error) {
	inst, raw, err := e.decodeOne()
	if err != nil {
		return nil, nil, fmt.Errorf("symbolic: decode at 0x%x: %w", e.concreteRIP, err)
	}
	va := e.concreteRIP
	res, destBits, destName := e.interpret(inst)
	e.concreteRIP += uint64(inst.Len)
	e.Regs.SetConcrete("rip", e.concreteRIP, 64)
	e.stepIndex++

	ni := &NativeInsn{VA: va, Inst: inst, DestOp: destName, Bits: destBits}
	_ = raw
	if res != nil && res.RegAST != nil {
		e.CacheProducer(res.RegAST, ni)
		if res.RegWritten != "" && res.RegWritten != "rip" {
			// The register may hold a widened copy of RegAST (e.g. a
			// 32-bit write zero-extended to 64 bits); cache that too.
			e.CacheProducer(e.Regs.AST(res.RegWritten), ni)
		}
	}
	if res != nil && res.MemValueAST != nil {
		e.CacheProducer(res.MemValueAST, ni)
	}
	return res, ni, nil
}

// StepIndex returns the number of native instructions executed so far by
// this engine (diagnostics only, never a control decision — SPEC_FULL.md §3).
func (e *Engine) StepIndex() int { return e.stepIndex }
