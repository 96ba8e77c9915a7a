package vinsn

import (
	"fmt"
	"strings"
)

// Flow classifies how a BasicBlock terminates (spec.md §3).
type Flow int

const (
	FlowUnknown Flow = iota
	FlowExit
	FlowConditional
	FlowUnconditional
)

func (f Flow) String() string {
	switch f {
	case FlowExit:
		return "exit"
	case FlowConditional:
		return "conditional"
	case FlowUnconditional:
		return "unconditional"
	default:
		return "unknown"
	}
}

// LiftedFunc is an opaque handle to the IR function the Lifter produced for
// a block. internal/vinsn never inspects it; it exists so BasicBlock can
// cache it without vinsn importing the IR framework.
type LiftedFunc interface{}

// BasicBlock is a single virtual basic block: an entry vip, its ordered
// VInsn sequence, and the vips of its successors (spec.md §3). Successors
// are stored as vip references rather than pointers — per spec.md §9's
// "Graph ownership" design note, the Routine is the only owner of block
// lifetime; the graph relation between blocks is non-owning.
type BasicBlock struct {
	Vip        uint64
	Insns      []VInsn
	Successors []uint64
	Routine    *Routine
	LiftedFn   LiftedFunc
	closed     bool
}

// Append adds a VInsn to the block. It panics if the block is already
// closed (a terminator has already been appended) — callers (the tracer
// loop) must check IsClosed first.
func (b *BasicBlock) Append(v VInsn) {
	if b.closed {
		panic(fmt.Sprintf("vinsn: append to closed block at vip=0x%x", b.Vip))
	}
	b.Insns = append(b.Insns, v)
	if v.IsTerminator() {
		b.closed = true
	}
}

// IsClosed reports whether a terminator has already been appended.
func (b *BasicBlock) IsClosed() bool { return b.closed }

// Terminator returns the block's terminator VInsn, or nil if the block is
// not yet closed.
func (b *BasicBlock) Terminator() VInsn {
	if !b.closed || len(b.Insns) == 0 {
		return nil
	}
	return b.Insns[len(b.Insns)-1]
}

// Flow derives the block's control-flow shape from its terminator
// (spec.md §3): Exit -> exit, Jcc -> conditional, Jmp -> unconditional,
// otherwise -> unknown (spec.md §8 invariant 1 is stated literally in terms
// of Exit, not Ret: the trailing native ret that closes an Exit sequence is
// folded into the Exit VInsn itself rather than appended as its own list
// entry, so Exit is always the terminator that closes an exit block).
func (b *BasicBlock) Flow() Flow {
	switch b.Terminator().(type) {
	case Exit:
		return FlowExit
	case Jcc:
		return FlowConditional
	case Jmp:
		return FlowUnconditional
	default:
		return FlowUnknown
	}
}

// AddSuccessor records succVip as a successor of b, enforcing the ≤2
// successors invariant (spec.md §8 invariant 2).
func (b *BasicBlock) AddSuccessor(succVip uint64) error {
	for _, s := range b.Successors {
		if s == succVip {
			return nil
		}
	}
	if len(b.Successors) >= 2 {
		return fmt.Errorf("vinsn: block at vip=0x%x already has 2 successors", b.Vip)
	}
	b.Successors = append(b.Successors, succVip)
	return nil
}

// String renders the block's VInsn stream, one per line, for .dot labels
// and debug dumps.
func (b *BasicBlock) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "block 0x%x:\n", b.Vip)
	for _, v := range b.Insns {
		fmt.Fprintf(&sb, "  %s\n", v)
	}
	return sb.String()
}
