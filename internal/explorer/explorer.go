// Package explorer implements C5: multi-path CFG discovery. It drives a
// LIFO worklist of VIPs, keeps a per-VIP tracer snapshot, asks the Lifter
// to build slice functions at branch points, asks the Solver to enumerate
// concrete targets, and forks tracer state per target (spec.md §4.5).
package explorer

import (
	"github.com/llir/llvm/ir"

	verrors "github.com/arkenfold/vmdevirt/internal/errors"
	"github.com/arkenfold/vmdevirt/internal/lifter"
	"github.com/arkenfold/vmdevirt/internal/solver"
	"github.com/arkenfold/vmdevirt/internal/tracer"
	"github.com/arkenfold/vmdevirt/internal/vinsn"
	"github.com/arkenfold/vmdevirt/internal/vlog"
)

// getReturnArgs is a package-local alias for lifter.GetReturnArgs, kept
// short at call sites below.
var getReturnArgs = lifter.GetReturnArgs

var log = vlog.For("explorer")

// Config carries the Explorer's tunables, including SPEC_FULL.md's two
// supplemented flags and the Open Question resolution gating indirect
// external-call synthesis.
type Config struct {
	// MaxExploreDepth caps total worklist iterations, a safety valve
	// against a malformed or self-referential VInsn stream looping the
	// explorer forever (SPEC_FULL.md §6, sourced from
	// original_source/src/main.cpp).
	MaxExploreDepth int
	// AllowIndirectExternalCalls gates the Exit-then-indirect-call
	// synthesis path (SPEC_FULL.md §9).
	AllowIndirectExternalCalls bool
	// InitialRSP is the concrete stack pointer value used to seed the
	// tracer (spec.md §4.5 step 1: "rsp := 0x10000").
	InitialRSP uint64
}

// DefaultConfig matches the values spec.md and SPEC_FULL.md call out.
func DefaultConfig() Config {
	return Config{MaxExploreDepth: 4096, AllowIndirectExternalCalls: false, InitialRSP: 0x10000}
}

// workItem is one worklist entry: a VIP paired with the tracer snapshot to
// resume exploration from (spec.md §3 "Explorer state").
type workItem struct {
	vip  uint64
	snap *tracer.Tracer
}

// Explorer owns the worklist, the explored set, and the snapshot map
// (spec.md §3 "Explorer state").
type Explorer struct {
	Cfg     Config
	Lifter  *lifter.Lifter
	Solver  *solver.Solver
	Routine *vinsn.Routine

	worklist  []workItem
	explored  map[uint64]bool
	snapshots map[uint64]*tracer.Tracer
	// conditionalBlocks tracks every VIP whose block terminates in Jcc,
	// used by the reprove-frontier computation (spec.md §4.5).
	conditionalBlocks map[uint64]bool

	steps int
}

// New constructs an Explorer ready to run Explore from a freshly-seeded
// tracer at entry.
func New(cfg Config, l *lifter.Lifter, s *solver.Solver) *Explorer {
	return &Explorer{
		Cfg:               cfg,
		Lifter:            l,
		Solver:            s,
		explored:          make(map[uint64]bool),
		snapshots:         make(map[uint64]*tracer.Tracer),
		conditionalBlocks: make(map[uint64]bool),
	}
}

// Explore implements spec.md §4.5's algorithm end to end, returning the
// assembled Routine.
func (e *Explorer) Explore(seed *tracer.Tracer, entry uint64) (*vinsn.Routine, error) {
	e.Routine = vinsn.NewRoutine(entry)

	enterVi, err := seed.Step(tracer.StopBeforeBranch)
	if err != nil {
		return nil, err
	}
	entryBlock, err := e.Routine.NewBlock(entry)
	if err != nil {
		return nil, err
	}
	entryBlock.Append(enterVi)

	e.worklist = append(e.worklist, workItem{vip: entry, snap: seed})
	e.snapshots[entry] = seed

	for len(e.worklist) > 0 {
		e.steps++
		if e.steps > e.Cfg.MaxExploreDepth {
			return nil, verrors.New(verrors.InternalInvariant, "exploration exceeded max-explore-depth")
		}
		item := e.worklist[len(e.worklist)-1]
		e.worklist = e.worklist[:len(e.worklist)-1]

		if e.explored[item.vip] {
			continue
		}
		block, _ := e.Routine.Block(item.vip)
		if block != nil && block.LiftedFn != nil {
			if err := e.reprove(block, item.snap); err != nil {
				return nil, err
			}
			continue
		}
		if err := e.exploreBlock(item); err != nil {
			return nil, err
		}
		e.explored[item.vip] = true
	}
	return e.Routine, nil
}

// exploreBlock implements the body of spec.md §4.5 step 3: step handlers
// into the current block until a terminator is produced, then dispatch to
// the matching terminator-handling rule.
func (e *Explorer) exploreBlock(item workItem) error {
	block, _ := e.Routine.Block(item.vip)
	if block == nil {
		var err error
		block, err = e.Routine.NewBlock(item.vip)
		if err != nil {
			return err
		}
	}
	tr := item.snap

	for {
		vi, err := tr.Step(tracer.StopBeforeBranch)
		if err != nil {
			return err
		}
		block.Append(vi)
		if !block.IsClosed() {
			continue
		}
		var termErr error
		switch vi.(type) {
		case vinsn.Jmp:
			termErr = e.handleJmp(block, tr)
		case vinsn.Jcc:
			termErr = e.handleJcc(block, tr)
		case vinsn.Exit:
			termErr = e.handleExit(block, tr)
		default:
			return nil
		}
		if termErr != nil {
			return termErr
		}
		e.ReproveFrontier(block.Vip)
		return nil
	}
}

// handleJmp implements spec.md §4.5's Jmp terminator rule.
func (e *Explorer) handleJmp(block *vinsn.BasicBlock, tr *tracer.Tracer) error {
	if _, err := e.Lifter.LiftBlock(block); err != nil {
		return err
	}
	if _, err := tr.Step(tracer.ExecuteBranch); err != nil {
		return err
	}
	target := tr.Eng.RIP()
	if err := block.AddSuccessor(target); err != nil {
		return verrors.Wrap(verrors.InternalInvariant, block.Vip, "adding Jmp successor", err)
	}
	e.enqueue(target, tr.Fork())
	return nil
}

// handleJcc implements spec.md §4.5's Jcc terminator rule: build a slice,
// enumerate targets via the solver, fork per target.
func (e *Explorer) handleJcc(block *vinsn.BasicBlock, tr *tracer.Tracer) error {
	e.conditionalBlocks[block.Vip] = true
	if _, err := e.Lifter.LiftBlock(block); err != nil {
		return err
	}
	sliceFn, err := e.Lifter.BuildCFG(e.Routine, block.Vip)
	if err != nil {
		return err
	}
	pc, _, err := getReturnArgs(sliceFn)
	if err != nil {
		return err
	}
	targets, err := e.Solver.EnumerateTargets(pc)
	if err != nil {
		return err
	}
	defer e.eraseSlice(sliceFn)

	jcc := block.Terminator().(vinsn.Jcc)
	for _, target := range targets {
		fork := tr.Fork()
		delta := int64(-4)
		if jcc.Direction == vinsn.Down {
			delta = 4
		}
		overwriteVspAsTarget(fork, target, delta)
		if _, err := fork.Step(tracer.ExecuteBranch); err != nil {
			return err
		}
		if err := block.AddSuccessor(target); err != nil {
			return verrors.Wrap(verrors.InternalInvariant, block.Vip, "adding Jcc successor", err)
		}
		e.enqueue(target, fork)
	}
	return nil
}

// handleExit implements spec.md §4.5's Exit terminator rule.
func (e *Explorer) handleExit(block *vinsn.BasicBlock, tr *tracer.Tracer) error {
	if _, err := e.Lifter.LiftBlock(block); err != nil {
		return err
	}
	sliceFn, err := e.Lifter.BuildCFG(e.Routine, block.Vip)
	if err != nil {
		return err
	}
	defer e.eraseSlice(sliceFn)

	pc, retAddr, err := getReturnArgs(sliceFn)
	if err != nil {
		return err
	}
	extAddr, haveExt := e.Solver.ConstantValue(pc)
	if !haveExt && e.Cfg.AllowIndirectExternalCalls {
		// Indirect call: pc is a load through a GEP with a constant index.
		if ld, ok := pc.(*ir.InstLoad); ok {
			if gep, ok := ld.Src.(*ir.InstGetElementPtr); ok && len(gep.Indices) >= 2 {
				extAddr, haveExt = e.Solver.ConstantValue(gep.Indices[1])
			}
		}
	}
	if haveExt {
		if err := e.Lifter.SynthesizeExternalCall(sliceFn, extAddr); err != nil {
			return err
		}
	}
	if constRet, ok := e.Solver.ConstantValue(retAddr); ok {
		continuation := tr.Fork()
		continuation.Eng.SetRIP(constRet)
		e.enqueue(constRet, continuation)
	}
	return nil
}

// reprove implements spec.md §4.5's "Re-prove": re-build a slice rooted at
// an already-lifted block, re-enumerate targets, and enqueue any new ones.
func (e *Explorer) reprove(block *vinsn.BasicBlock, tr *tracer.Tracer) error {
	if block.Flow() != vinsn.FlowConditional {
		return nil
	}
	sliceFn, err := e.Lifter.BuildCFG(e.Routine, block.Vip)
	if err != nil {
		return err
	}
	defer e.eraseSlice(sliceFn)

	pc, _, err := getReturnArgs(sliceFn)
	if err != nil {
		return err
	}
	targets, err := e.Solver.EnumerateTargets(pc)
	if err != nil {
		return err
	}
	known := make(map[uint64]bool)
	for _, s := range block.Successors {
		known[s] = true
	}
	for _, t := range targets {
		if known[t] {
			continue
		}
		if err := block.AddSuccessor(t); err != nil {
			return verrors.Wrap(verrors.InternalInvariant, block.Vip, "reprove: adding successor", err)
		}
		delete(e.explored, block.Vip)
		e.enqueue(t, tr.Fork())
	}
	return nil
}

// ReproveFrontier implements spec.md §4.5's "Reprove-frontier": after
// completing a block, compute the transitive set of its conditional
// descendants with fewer than two successors and enqueue them for
// re-proving, removing them from the explored set first.
func (e *Explorer) ReproveFrontier(from uint64) {
	visited := make(map[uint64]bool)
	var walk func(vip uint64)
	walk = func(vip uint64) {
		if visited[vip] {
			return
		}
		visited[vip] = true
		block, ok := e.Routine.Block(vip)
		if !ok {
			return
		}
		if e.conditionalBlocks[vip] && len(block.Successors) < 2 {
			delete(e.explored, vip)
			if snap, ok := e.snapshots[vip]; ok {
				e.worklist = append(e.worklist, workItem{vip: vip, snap: snap})
			}
		}
		for _, s := range block.Successors {
			walk(s)
		}
	}
	walk(from)
}

func (e *Explorer) enqueue(vip uint64, tr *tracer.Tracer) {
	e.snapshots[vip] = tr
	e.worklist = append(e.worklist, workItem{vip: vip, snap: tr})
}

// eraseSlice drops a slice function from the module, matching spec.md §5's
// "slice functions are ephemeral and must be erased from the module after
// the Solver has consumed them."
func (e *Explorer) eraseSlice(fn *ir.Func) {
	mod := e.Lifter.Module
	kept := make([]*ir.Func, 0, len(mod.Funcs))
	for _, f := range mod.Funcs {
		if f == fn {
			continue
		}
		kept = append(kept, f)
	}
	mod.Funcs = kept
}

// overwriteVspAsTarget sets the concrete value of the VSP register itself
// to target+delta, so the handler's own increment/decrement yields target
// (spec.md §4.5's Jcc rule). The engine keeps no concrete memory, so the
// stack slot at [vsp] is not written.
func overwriteVspAsTarget(tr *tracer.Tracer, target uint64, delta int64) {
	val := int64(target) + delta
	tr.Eng.Regs.SetConcrete(tr.VspReg, uint64(val), 64)
}
