// Package tracer implements C2: single-handler symbolic stepping and
// classification of VM handlers into vinsn.VInsn values, per spec.md §4.2.
//
// The tracer drives an internal/symbolic.Engine one native instruction at a
// time, inspects the resulting symbolic ASTs against the handler-shape
// pattern table, and returns a classified VInsn. It never owns CFG
// structure — that is the Explorer's job (internal/explorer).
package tracer

import (
	"fmt"

	verrors "github.com/arkenfold/vmdevirt/internal/errors"
	"github.com/arkenfold/vmdevirt/internal/symbolic"
	"github.com/arkenfold/vmdevirt/internal/vinsn"
	"github.com/arkenfold/vmdevirt/internal/vlog"
)

var log = vlog.For("tracer")

// StepMode selects whether step() commits a recognized branch's native
// effect (spec.md §4.2 "Contract").
type StepMode int

const (
	// StopBeforeBranch halts before committing the native instructions
	// that alter VIP, so the caller (Explorer) can fork state first.
	StopBeforeBranch StepMode = iota
	// ExecuteBranch commits the branch's native effect.
	ExecuteBranch
)

// aliasVip, aliasVsp, etc. are the symbolic alias tags spec.md §4.2 names.
const (
	aliasVsp     = "[vsp]"
	aliasVip     = "vip"
	aliasVipMem  = "[vip]"
	aliasVregs   = "vregs"
	aliasMemory  = "[memory]"
	aliasRsp     = "rsp"
	aliasVspPlain = "vsp"
)

// Tracer classifies one VM handler per call to Step.
type Tracer struct {
	Eng *symbolic.Engine

	// VipReg / VspReg mirror the engine's own recognition state once the
	// vmenter prelude has run (spec.md §3 "Tracer state").
	VipReg string
	VspReg string

	// poppedDuringHandler tracks, within the current handler, every
	// `pop reg`/popfq destination not yet seen — used to detect the Exit
	// shape (spec.md §4.2 "additionally records... pop reg and popfq").
	poppedDuringHandler map[string]bool

	entered bool
}

// New constructs a Tracer around an already-seeded symbolic engine.
func New(eng *symbolic.Engine) *Tracer {
	return &Tracer{Eng: eng, poppedDuringHandler: make(map[string]bool)}
}

// Fork produces an independent deep copy of tracer and engine state
// (spec.md §4.2 "fork() -> Tracer").
func (t *Tracer) Fork() *Tracer {
	f := &Tracer{
		Eng:                 t.Eng.Fork(),
		VipReg:              t.VipReg,
		VspReg:              t.VspReg,
		poppedDuringHandler: make(map[string]bool, len(t.poppedDuringHandler)),
		entered:             t.entered,
	}
	for k, v := range t.poppedDuringHandler {
		f.poppedDuringHandler[k] = v
	}
	return f
}

// Step executes exactly one VM handler and returns its classified VInsn
// (spec.md §4.2 "Contract"). The first call recognizes the vmenter prelude
// and returns an Enter VInsn instead of running the generic per-handler loop.
func (t *Tracer) Step(mode StepMode) (vinsn.VInsn, error) {
	if !t.entered {
		t.entered = true
		return t.stepVmenter()
	}
	return t.stepHandler(mode)
}

// stepVmenter implements spec.md §4.2 "Initial recognition (vmenter)".
func (t *Tracer) stepVmenter() (vinsn.VInsn, error) {
	regs := t.Eng.Regs
	physCount := t.Eng.PhysRegCount
	for _, name := range canonicalRegNames(physCount) {
		regs.Symbolize(name, "", 64)
	}

	const maxPreludeSteps = 256
	for i := 0; i < maxPreludeSteps; i++ {
		if rip := regs.AST("rip"); rip != nil && rip.Kind == symbolic.KSym {
			break
		}
		res, ni, err := t.Eng.StepNative()
		if err != nil {
			return nil, verrors.Wrap(verrors.TracerClassify, t.Eng.RIP(), "vmenter prelude: native step failed", err)
		}
		if res == nil {
			continue
		}
		if t.VspReg == "" && res.RegWritten != "" && isRspCopy(res) {
			t.VspReg = res.RegWritten
			regs.Symbolize(res.RegWritten, aliasVspPlain, 64)
		}
		if t.VipReg == "" && res.RegWritten != "" && isVipLoad(res, t.VspReg) {
			t.VipReg = res.RegWritten
			regs.Symbolize(res.RegWritten, aliasVip, 64)
		}
		if res.RegWritten != "" && res.RegWritten != t.VspReg && res.RegWritten != t.VipReg {
			regs.Symbolize(res.RegWritten, "", 64)
		}
		_ = ni
	}
	if t.VipReg == "" || t.VspReg == "" {
		return nil, verrors.At(verrors.TracerClassify, t.Eng.RIP(), "vmenter prelude did not recognize vip/vsp registers")
	}
	t.Eng.VipReg = t.VipReg
	t.Eng.VspReg = t.VspReg

	n := physCount + 3
	pushes := make([]vinsn.Push, 0, n)
	for i := 0; i < n; i++ {
		pushes = append(pushes, vinsn.NewPush(vinsn.NewImmediate(0), vinsn.Size64))
	}
	return vinsn.NewEnter(pushes), nil
}

// canonicalRegNames returns the canonical GPR names for a 64- or 32-bit
// target, used to seed fresh symbolic variables at vmenter.
func canonicalRegNames(physCount int) []string {
	all64 := []string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
	if physCount >= len(all64) {
		return all64
	}
	return all64[:physCount]
}

// isRspCopy reports whether res looks like `mov r1, rsp` with |r1|==|rsp|
// (spec.md §4.2 (a)).
func isRspCopy(res *symbolic.StepResult) bool {
	if res.RegAST == nil {
		return false
	}
	inner, _ := symbolic.StripWrappers(res.RegAST)
	return inner.Kind == symbolic.KSym && inner.Name == "rsp"
}

// isVipLoad reports whether res looks like `mov r1, [r2]` with r2 != rsp
// (spec.md §4.2 (b)): the written register's AST is itself a memory address
// expression whose base is not the recognized vsp register.
func isVipLoad(res *symbolic.StepResult, vspReg string) bool {
	if res.MemAddrAST == nil || res.MemAddrAST.Uses(aliasVspPlain) {
		return false
	}
	base := res.MemAddrAST.FindAlias("")
	if base == nil {
		return true
	}
	return base.Name != vspReg && base.Name != "rsp"
}

// stepHandler implements spec.md §4.2 "Per-handler loop".
func (t *Tracer) stepHandler(mode StepMode) (vinsn.VInsn, error) {
	regs := t.Eng.Regs
	regs.Symbolize(t.VipReg, aliasVip, 64)
	regs.Symbolize(t.VspReg, aliasVspPlain, 64)
	regs.Symbolize("rsp", aliasRsp, 64)
	t.Eng.ClearCache()
	t.poppedDuringHandler = make(map[string]bool)

	var collected vinsn.VInsn
	const maxHandlerSteps = 512
	for i := 0; i < maxHandlerSteps; i++ {
		ripAST := regs.AST("rip")
		if t.handlerShouldStop(ripAST) {
			return t.finalizeBranch(ripAST, mode)
		}

		res, ni, err := t.Eng.StepNative()
		if err != nil {
			return nil, verrors.Wrap(verrors.TracerClassify, t.Eng.RIP(), "handler: native step failed", err)
		}

		if res.IsRet {
			if len(t.poppedDuringHandler) == t.Eng.PhysRegCount {
				return t.finishExit()
			}
			continue
		}
		if res.IsPopReg {
			t.poppedDuringHandler[res.PoppedReg] = true
			continue
		}

		vi, ok := t.classifyStep(res, ni)
		if ok {
			if collected != nil {
				return nil, verrors.At(verrors.TracerClassify, t.Eng.RIP(),
					"handler produced more than one VInsn candidate").WithAST(stringer(vi.String() + " vs " + collected.String()))
			}
			collected = vi
		}
	}
	if collected != nil {
		return collected, nil
	}
	return nil, verrors.At(verrors.TracerClassify, t.Eng.RIP(), "handler exceeded step budget without a terminator or classification")
}

type stringer string

func (s stringer) String() string { return string(s) }

// handlerShouldStop reports whether rip's current AST indicates the handler
// loop should exit to finalize a branch (spec.md §4.2 "on exit from the
// stepping loop").
func (t *Tracer) handlerShouldStop(ripAST *symbolic.Expr) bool {
	if ripAST == nil {
		return false
	}
	return ripAST.Uses(aliasVipMem) || ripAST.Uses(aliasMemory, aliasVspPlain)
}

// finishExit implements the Exit-detection branch of spec.md §4.2: the
// sequence reached ret with exactly physical_registers_count distinct pops.
func (t *Tracer) finishExit() (vinsn.VInsn, error) {
	restore := make([]vinsn.Pop, 0, len(t.poppedDuringHandler))
	for reg := range t.poppedDuringHandler {
		restore = append(restore, vinsn.NewPop(vinsn.NewPhysicalRegister(reg), vinsn.Size64))
	}
	return vinsn.NewExit(restore), nil
}

// finalizeBranch implements the Jcc/Jmp finalization rules of spec.md §4.2.
func (t *Tracer) finalizeBranch(ripAST *symbolic.Expr, mode StepMode) (vinsn.VInsn, error) {
	if ripAST.Uses(aliasMemory, aliasVspPlain) {
		dir := vinsn.Down
		if ripAST.Kind == symbolic.KAdd {
			dir = vinsn.Up
		} else {
			for _, c := range ripAST.Children {
				if c.Kind == symbolic.KAdd {
					dir = vinsn.Up
					break
				}
			}
		}
		newVsp := t.recoverNewVspRegister()
		if mode == ExecuteBranch {
			t.VspReg = newVsp
		}
		return vinsn.NewJcc(dir, t.VipReg, newVsp), nil
	}
	if ripAST.Uses(aliasVipMem) {
		return vinsn.Jmp{}, nil
	}
	return nil, verrors.At(verrors.TracerClassify, t.Eng.RIP(), "rip depends on an unrecognized alias set").WithAST(ripAST)
}

// recoverNewVspRegister implements spec.md §4.2's speculative-fork recovery
// of the post-Jcc vsp register: fork, single-step up to 10 instructions, and
// take the base register of the first `mov reg, [mem]` encountered.
func (t *Tracer) recoverNewVspRegister() string {
	fork := t.Eng.Fork()
	for i := 0; i < 10; i++ {
		res, _, err := fork.StepNative()
		if err != nil {
			break
		}
		if res.MemAddrAST != nil && res.RegWritten != "" {
			base := res.MemAddrAST.FindAlias("")
			if base != nil {
				return base.Name
			}
			if res.MemAddrAST.Kind == symbolic.KSym {
				return res.MemAddrAST.Name
			}
		}
	}
	return t.VspReg
}

// classifyStep pattern-matches one native store/load pair against the
// handler-shape table of spec.md §4.2, returning the classified VInsn (if
// any) for this instruction step.
func (t *Tracer) classifyStep(res *symbolic.StepResult, ni *symbolic.NativeInsn) (vinsn.VInsn, bool) {
	if res.MemWrite {
		return t.classifyStore(res, ni)
	}
	if res.RegAST != nil && res.MemAddrAST == nil {
		return nil, false
	}
	if res.RegWritten != "" && res.MemAddrAST != nil {
		return t.classifyLoad(res, ni)
	}
	return nil, false
}

// classifyStore implements the "memory write" bullet list of spec.md §4.2.
func (t *Tracer) classifyStore(res *symbolic.StepResult, ni *symbolic.NativeInsn) (vinsn.VInsn, bool) {
	mem := res.MemAddrAST
	val := res.MemValueAST
	if mem == nil || val == nil {
		return nil, false
	}

	switch {
	case mem.Uses(aliasRsp, aliasVipMem) && val.Uses(aliasVspPlain):
		off, ok := t.Eng.Regs.Concrete(indexRegOf(mem))
		if !ok {
			off, ok = t.Eng.ConfirmConcrete(indexRegOf(mem))
		}
		if !ok {
			return nil, false
		}
		const word = 2
		idx := int(off / word)
		sub := int(off % word)
		producer := t.Eng.Producer(val)
		bits := vinsn.Size64
		if producer != nil {
			bits = sizeFromBits(producer.Bits)
		}
		return vinsn.NewPop(vinsn.NewVirtualRegister(idx, sub), bits), true

	case mem.Uses(aliasVspPlain) && val.Uses(aliasVipMem):
		concrete, _ := t.Eng.Regs.Concrete(regNameOf(val))
		return vinsn.NewPush(vinsn.NewImmediate(concrete), vinsn.Size64), true

	case mem.Uses(aliasVspPlain) && val.Uses(aliasVregs):
		idxNode := val.FindAlias(aliasVregs)
		idx := 0
		if idxNode != nil {
			fmt.Sscanf(idxNode.Comment, "%d", &idx)
		}
		const word = 2
		producer := t.Eng.Producer(val)
		bits := vinsn.Size64
		if producer != nil {
			bits = sizeFromBits(producer.Bits)
		}
		return vinsn.NewPush(vinsn.NewVirtualRegister(idx/word, idx%word), bits), true

	case mem.Uses(aliasVspPlain) && val.UsesOnly(aliasVspPlain):
		return vinsn.NewPush(vinsn.NewVirtualStackPointer(), vinsn.Size64), true

	case mem.Uses(aliasVsp) && val.Uses(aliasVsp):
		return vinsn.NewStr(bitsOf(mem)), true

	case mem.Uses(aliasVspPlain) && val.Uses(aliasMemory):
		producer := t.Eng.Producer(val)
		bits := vinsn.Size64
		if producer != nil {
			bits = sizeFromBits(producer.Bits)
		}
		return vinsn.NewLdr(bits), true

	case mem.Uses(aliasVspPlain):
		if vi, ok := classifyArithmetic(val); ok {
			return vi, true
		}
	}
	return nil, false
}

// classifyLoad implements the "memory read" bullet of spec.md §4.2.
func (t *Tracer) classifyLoad(res *symbolic.StepResult, ni *symbolic.NativeInsn) (vinsn.VInsn, bool) {
	addr := res.MemAddrAST
	var alias, comment string
	switch {
	case addr.UsesOnly(aliasVip):
		alias = aliasVipMem
	case addr.UsesOnly(aliasVspPlain):
		alias = aliasVsp
	case addr.Uses(aliasRsp, aliasVipMem):
		alias = aliasVregs
		off, ok := t.Eng.Regs.Concrete(indexRegOf(addr))
		if !ok {
			off, ok = t.Eng.ConfirmConcrete(indexRegOf(addr))
		}
		if ok {
			comment = fmt.Sprintf("%d", off)
		}
	case addr.Uses(aliasVsp):
		alias = aliasMemory
		comment = baseRegNameOf(addr)
	default:
		return nil, false
	}
	e := symbolic.NewSymAlias(res.RegWritten, alias, 64).WithComment(comment)
	t.Eng.Regs.SetSymbolic(res.RegWritten, e)
	if res.RegWritten == t.VspReg {
		return vinsn.NewPop(vinsn.NewVirtualStackPointer(), vinsn.Size64), true
	}
	return nil, false
}

// classifyArithmetic implements the arithmetic pattern table of spec.md
// §4.2, matching after stripping the extract/zext/sext wrappers introduced
// by 8/16-bit slicing (concat nodes are not stripped).
func classifyArithmetic(val *symbolic.Expr) (vinsn.VInsn, bool) {
	inner, wrappers := symbolic.StripWrappers(val)
	size := sizeFromBits(val.Bits)
	if len(wrappers) > 0 && !wrappers[0].Uses(aliasVspPlain) {
		size = foldSize(size)
	}

	switch inner.Kind {
	case symbolic.KAdd:
		if anyChildUses(inner, aliasVspPlain) {
			return vinsn.NewAdd(size), true
		}
	case symbolic.KOr:
		if isDoubleNot(inner) {
			return vinsn.NewNand(size), true
		}
	case symbolic.KAnd:
		if isDoubleNot(inner) {
			return vinsn.NewNor(size), true
		}
	case symbolic.KLshr:
		if len(inner.Children) == 2 && inner.Children[0].Uses(aliasVspPlain) {
			return vinsn.NewShr(size), true
		}
	case symbolic.KShl:
		if len(inner.Children) == 2 && inner.Children[0].Uses(aliasVspPlain) {
			return vinsn.NewShl(size), true
		}
	case symbolic.KExtract:
		if len(inner.Children) == 1 && inner.Children[0].Kind == symbolic.KRor {
			return vinsn.NewShrd(size), true
		}
		if len(inner.Children) == 1 && inner.Children[0].Kind == symbolic.KRol {
			return vinsn.NewShld(size), true
		}
	}
	return nil, false
}

// isDoubleNot reports whether e is bvor/bvand(bvnot(_), bvnot([vsp])),
// spec.md §4.2's Nand/Nor shape.
func isDoubleNot(e *symbolic.Expr) bool {
	if len(e.Children) != 2 {
		return false
	}
	a, b := e.Children[0], e.Children[1]
	return a.Kind == symbolic.KNot && b.Kind == symbolic.KNot && b.Uses(aliasVspPlain)
}

func anyChildUses(e *symbolic.Expr, alias string) bool {
	for _, c := range e.Children {
		if c.Uses(alias) {
			return true
		}
	}
	return false
}

func sizeFromBits(bits uint) vinsn.Size {
	switch bits {
	case 8:
		return vinsn.Size8
	case 16:
		return vinsn.Size16
	case 32:
		return vinsn.Size32
	default:
		return vinsn.Size64
	}
}

func foldSize(s vinsn.Size) vinsn.Size {
	if s == vinsn.Size16 {
		return vinsn.Size8
	}
	return s
}

func bitsOf(e *symbolic.Expr) vinsn.Size { return sizeFromBits(e.Bits) }

// indexRegOf recovers the register name used as the index in a mem AST of
// the shape base+index*scale, falling back to the base's own name.
func indexRegOf(mem *symbolic.Expr) string {
	for _, c := range mem.Children {
		if c.Kind == symbolic.KMul {
			for _, cc := range c.Children {
				if cc.Kind == symbolic.KSym {
					return cc.Name
				}
			}
		}
	}
	if mem.Kind == symbolic.KSym {
		return mem.Name
	}
	return ""
}

func regNameOf(e *symbolic.Expr) string {
	inner, _ := symbolic.StripWrappers(e)
	return inner.Name
}

func baseRegNameOf(e *symbolic.Expr) string {
	if e.Kind == symbolic.KSym {
		return e.Name
	}
	for _, c := range e.Children {
		if n := baseRegNameOf(c); n != "" {
			return n
		}
	}
	return ""
}
