package explorer

import (
	"testing"

	"github.com/arkenfold/vmdevirt/internal/loader"
	"github.com/arkenfold/vmdevirt/internal/symbolic"
	"github.com/arkenfold/vmdevirt/internal/tracer"
	"github.com/arkenfold/vmdevirt/internal/vinsn"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxExploreDepth != 4096 {
		t.Errorf("MaxExploreDepth = %d, want 4096", cfg.MaxExploreDepth)
	}
	if cfg.AllowIndirectExternalCalls {
		t.Error("AllowIndirectExternalCalls should default to false")
	}
	if cfg.InitialRSP != 0x10000 {
		t.Errorf("InitialRSP = %#x, want 0x10000", cfg.InitialRSP)
	}
}

func newTestTracer(t *testing.T) *tracer.Tracer {
	t.Helper()
	mem := &loader.FixedMemory{Base: 0x1000, Data: make([]byte, 0x100)}
	eng := symbolic.NewEngine(mem, 64, 0x1000, 0x10000)
	return tracer.New(eng)
}

func TestOverwriteVspAsTarget(t *testing.T) {
	tr := newTestTracer(t)
	tr.VspReg = "rdi"

	overwriteVspAsTarget(tr, 0x402000, 4)

	got, ok := tr.Eng.Regs.Concrete("rdi")
	if !ok {
		t.Fatal("expected rdi to carry a concrete value after overwrite")
	}
	if got != 0x402004 {
		t.Errorf("rdi = %#x, want 0x402004", got)
	}
}

func TestOverwriteVspAsTargetNegativeDelta(t *testing.T) {
	tr := newTestTracer(t)
	tr.VspReg = "rsi"

	overwriteVspAsTarget(tr, 0x402000, -4)

	got, ok := tr.Eng.Regs.Concrete("rsi")
	if !ok {
		t.Fatal("expected rsi to carry a concrete value after overwrite")
	}
	if got != 0x401ffc {
		t.Errorf("rsi = %#x, want 0x401ffc", got)
	}
}

func TestEnqueueTracksSnapshotAndWorklist(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	tr := newTestTracer(t)

	e.enqueue(0x2000, tr)

	if len(e.worklist) != 1 {
		t.Fatalf("expected one worklist entry, got %d", len(e.worklist))
	}
	if e.worklist[0].vip != 0x2000 {
		t.Errorf("worklist[0].vip = %#x, want 0x2000", e.worklist[0].vip)
	}
	if e.snapshots[0x2000] != tr {
		t.Error("expected the snapshot map to record the same tracer pointer")
	}
}

func TestReproveFrontierRequeuesUnderSaturatedConditionalBlocks(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	e.Routine = vinsn.NewRoutine(0x1000)

	root, err := e.Routine.NewBlock(0x1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cond, err := e.Routine.NewBlock(0x1010)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := root.AddSuccessor(0x1010); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.conditionalBlocks[0x1010] = true
	e.explored[0x1010] = true
	tr := newTestTracer(t)
	e.snapshots[0x1010] = tr

	e.ReproveFrontier(0x1000)

	if e.explored[0x1010] {
		t.Error("expected an under-saturated conditional block to be removed from explored")
	}
	found := false
	for _, item := range e.worklist {
		if item.vip == 0x1010 {
			found = true
		}
	}
	if !found {
		t.Error("expected the under-saturated conditional block to be re-enqueued")
	}
	_ = cond
}

func TestReproveFrontierSkipsFullySaturatedConditionalBlocks(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	e.Routine = vinsn.NewRoutine(0x1000)

	root, err := e.Routine.NewBlock(0x1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Routine.NewBlock(0x1010); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Routine.NewBlock(0x1020); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := root.AddSuccessor(0x1010); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := root.AddSuccessor(0x1020); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.conditionalBlocks[0x1000] = true
	e.explored[0x1000] = true

	e.ReproveFrontier(0x1000)

	if !e.explored[0x1000] {
		t.Error("a conditional block with two successors is fully saturated and should stay explored")
	}
	if len(e.worklist) != 0 {
		t.Error("a fully saturated conditional block should not be re-enqueued")
	}
}
