package symbolic

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// unicornRegIDs maps the canonical 64-bit register names this package keys
// on to Unicorn's x86 register constants, covering the GPRs a 64-bit VM
// target can name as vip/vsp (spec.md §4.2).
var unicornRegIDs = map[string]int{
	"rax": uc.X86_REG_RAX, "rbx": uc.X86_REG_RBX, "rcx": uc.X86_REG_RCX,
	"rdx": uc.X86_REG_RDX, "rsi": uc.X86_REG_RSI, "rdi": uc.X86_REG_RDI,
	"rbp": uc.X86_REG_RBP, "rsp": uc.X86_REG_RSP, "rip": uc.X86_REG_RIP,
	"r8": uc.X86_REG_R8, "r9": uc.X86_REG_R9, "r10": uc.X86_REG_R10,
	"r11": uc.X86_REG_R11, "r12": uc.X86_REG_R12, "r13": uc.X86_REG_R13,
	"r14": uc.X86_REG_R14, "r15": uc.X86_REG_R15,
}

// unicornMapGranularity is the page size Unicorn requires all mmap regions
// to be aligned and sized to.
const unicornMapGranularity = 0x1000

// UnicornCPU backs the engine's concrete shadow with a real Unicorn x86/x86-64
// CPU context instead of the hand-simulated register/flag bookkeeping used
// elsewhere in this package. It exists to resolve the cases where the
// tracer's pattern matching needs a *ground-truth* concrete value — e.g. the
// concrete vreg byte-offset used by the Pop(VReg) classification (spec.md
// §4.2) — after a memory load has intervened and the engine's own concrete
// shadow (RegisterFile.concrete) has already been dropped.
//
// Grounded on the same concrete-CPU-backing shape used by
// jam-duna-jamduna/pvm/recompiler_sandbox.go's sandboxed execution harness,
// adapted here to a read-mostly confirmation role rather than full JIT
// execution.
type UnicornCPU struct {
	uc     uc.Unicorn
	mapped map[uint64]bool
}

// NewUnicornCPU opens a fresh Unicorn context for the given architecture
// width (32 or 64).
func NewUnicornCPU(bits int) (*UnicornCPU, error) {
	mode := uc.MODE_64
	if bits == 32 {
		mode = uc.MODE_32
	}
	u, err := uc.NewUnicorn(uc.ARCH_X86, mode)
	if err != nil {
		return nil, fmt.Errorf("symbolic: opening unicorn context: %w", err)
	}
	return &UnicornCPU{uc: u, mapped: make(map[uint64]bool)}, nil
}

// ensureMapped maps the page(s) covering [va, va+size) as RWX, idempotently.
func (c *UnicornCPU) ensureMapped(va uint64, size uint64) error {
	start := va &^ (unicornMapGranularity - 1)
	end := (va + size + unicornMapGranularity - 1) &^ (unicornMapGranularity - 1)
	for p := start; p < end; p += unicornMapGranularity {
		if c.mapped[p] {
			continue
		}
		if err := c.uc.MemMap(p, unicornMapGranularity); err != nil {
			return fmt.Errorf("symbolic: unicorn mmap 0x%x: %w", p, err)
		}
		c.mapped[p] = true
	}
	return nil
}

// LoadBytes writes raw image bytes into the Unicorn address space at va,
// mapping pages as needed. Used to mirror the loader's lazily-read sections
// into the real CPU before confirming a concrete value against it.
func (c *UnicornCPU) LoadBytes(va uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := c.ensureMapped(va, uint64(len(data))); err != nil {
		return err
	}
	if err := c.uc.MemWrite(va, data); err != nil {
		return fmt.Errorf("symbolic: unicorn memwrite 0x%x: %w", va, err)
	}
	return nil
}

// SetReg writes a 64-bit GPR by canonical name ("rax", "rsp", ...).
func (c *UnicornCPU) SetReg(name string, val uint64) error {
	id, ok := unicornRegIDs[name]
	if !ok {
		return fmt.Errorf("symbolic: unicorn: unknown register %q", name)
	}
	return c.uc.RegWrite(id, val)
}

// Reg reads a 64-bit GPR by canonical name.
func (c *UnicornCPU) Reg(name string) (uint64, error) {
	id, ok := unicornRegIDs[name]
	if !ok {
		return 0, fmt.Errorf("symbolic: unicorn: unknown register %q", name)
	}
	return c.uc.RegRead(id)
}

// RunOne executes exactly one native instruction starting at rip, returning
// once control returns to Unicorn after that single instruction — used to
// confirm the concrete effect of a handler instruction the shadow-concrete
// tracker can no longer account for (e.g. after a table lookup).
func (c *UnicornCPU) RunOne(rip uint64) error {
	if err := c.SetReg("rip", rip); err != nil {
		return err
	}
	// Count=1 relies on Unicorn's instruction-count stop condition rather
	// than an address range, so it works regardless of instruction length.
	return c.uc.StartWithOptions(rip, 0, &uc.UcOptions{Count: 1})
}

// Close releases the underlying Unicorn context.
func (c *UnicornCPU) Close() error {
	return c.uc.Close()
}

// AttachUnicorn equips the engine with a real Unicorn CPU seeded from mem,
// used by ConfirmConcrete below. Attaching is optional: an Engine with no
// attached CPU behaves exactly as before (pure shadow-concrete + symbolic).
func (e *Engine) AttachUnicorn(mem ConcreteMemory) error {
	cpu, err := NewUnicornCPU(e.Bits)
	if err != nil {
		return err
	}
	raw, err := mem.ReadAt(e.concreteRIP, 4096)
	if err == nil {
		_ = cpu.LoadBytes(e.concreteRIP, raw)
	}
	if err := cpu.SetReg("rsp", e.concreteRSP); err != nil {
		return err
	}
	e.cpu = cpu
	return nil
}

// DetachUnicorn releases any attached Unicorn context.
func (e *Engine) DetachUnicorn() {
	if e.cpu != nil {
		_ = e.cpu.Close()
		e.cpu = nil
	}
}

// ConfirmConcrete returns the ground-truth value of reg from the attached
// Unicorn CPU, falling back to the engine's own shadow-concrete tracking
// when no CPU is attached. This is the ground-truth path the Pop(VReg)
// classification (spec.md §4.2) uses to recover a concrete byte offset once
// the engine's lighter-weight shadow has already dropped it (e.g. the value
// flowed through a memory load).
func (e *Engine) ConfirmConcrete(reg string) (uint64, bool) {
	if e.cpu != nil {
		if v, err := e.cpu.Reg(reg); err == nil {
			return v, true
		}
	}
	return e.Regs.Concrete(reg)
}
