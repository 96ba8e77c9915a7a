package symbolic

import (
	"testing"
)

// memFixture is a minimal ConcreteMemory backed by a flat byte slice,
// mirroring loader.FixedMemory without importing the loader package (which
// would create an import cycle with symbolic's own test fixtures).
type memFixture struct {
	base uint64
	data []byte
}

func (m *memFixture) ReadAt(va uint64, length int) ([]byte, error) {
	off := va - m.base
	end := off + uint64(length)
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}
	out := make([]byte, length)
	copy(out, m.data[off:end])
	return out, nil
}

func TestStepNativeMovRegImm(t *testing.T) {
	// mov eax, 0x7 ; b8 07 00 00 00
	mem := &memFixture{base: 0x1000, data: []byte{0xb8, 0x07, 0x00, 0x00, 0x00}}
	e := NewEngine(mem, 64, 0x1000, 0x2000)

	res, ni, err := e.StepNative()
	if err != nil {
		t.Fatalf("StepNative: %v", err)
	}
	if res.RegWritten != "rax" {
		t.Fatalf("expected rax written, got %q", res.RegWritten)
	}
	if !res.RegAST.IsConst() || res.RegAST.ConstVal != 7 {
		t.Fatalf("expected const 7, got %s", res.RegAST)
	}
	if e.RIP() != 0x1005 {
		t.Fatalf("expected rip 0x1005, got 0x%x", e.RIP())
	}
	if ni.Bits != 32 {
		t.Fatalf("expected 32-bit dest, got %d", ni.Bits)
	}
}

func TestStepNativeAddRegReg(t *testing.T) {
	// add eax, ecx ; 01 c8
	mem := &memFixture{base: 0x1000, data: []byte{0x01, 0xc8}}
	e := NewEngine(mem, 64, 0x1000, 0x2000)
	e.Regs.Symbolize("rax", "", 64)
	e.Regs.Symbolize("rcx", "", 64)

	res, _, err := e.StepNative()
	if err != nil {
		t.Fatalf("StepNative: %v", err)
	}
	if res.RegAST.Kind != KAdd {
		t.Fatalf("expected add node, got %s", res.RegAST)
	}
}

func TestStepNativePushPop(t *testing.T) {
	// push rax ; 50
	// pop rcx  ; 59
	mem := &memFixture{base: 0x1000, data: []byte{0x50, 0x59}}
	e := NewEngine(mem, 64, 0x1000, 0x2000)

	res1, _, err := e.StepNative()
	if err != nil {
		t.Fatalf("push step: %v", err)
	}
	if !res1.MemWrite {
		t.Fatalf("expected push to report a memory write")
	}
	if res1.MemBits != 64 {
		t.Fatalf("expected 64-bit push, got %d", res1.MemBits)
	}

	res2, _, err := e.StepNative()
	if err != nil {
		t.Fatalf("pop step: %v", err)
	}
	if !res2.IsPopReg || res2.PoppedReg != "rcx" {
		t.Fatalf("expected pop into rcx, got %+v", res2)
	}
}

func TestStepNativeJmpRel(t *testing.T) {
	// jmp +5 (relative to the instruction after this one); eb 05
	mem := &memFixture{base: 0x1000, data: []byte{0xeb, 0x05}}
	e := NewEngine(mem, 64, 0x1000, 0x2000)

	res, _, err := e.StepNative()
	if err != nil {
		t.Fatalf("StepNative: %v", err)
	}
	// 0x1000 + len(2) + 5 = 0x1007
	want := uint64(0x1007)
	if !res.RegAST.IsConst() || res.RegAST.ConstVal != want {
		t.Fatalf("expected jmp target 0x%x, got %s", want, res.RegAST)
	}
}

func TestStepNativeRet(t *testing.T) {
	mem := &memFixture{base: 0x1000, data: []byte{0xc3}}
	e := NewEngine(mem, 64, 0x1000, 0x2000)

	res, _, err := e.StepNative()
	if err != nil {
		t.Fatalf("StepNative: %v", err)
	}
	if !res.IsRet {
		t.Fatalf("expected IsRet true")
	}
}

func TestRegisterFileCloneIndependence(t *testing.T) {
	r := NewRegisterFile()
	r.SetConcrete("rax", 1, 64)
	c := r.Clone()
	c.SetConcrete("rax", 2, 64)

	v, _ := r.Concrete("rax")
	if v != 1 {
		t.Fatalf("clone mutated original: got %d", v)
	}
}

func TestEngineForkIsolatesCache(t *testing.T) {
	mem := &memFixture{base: 0x1000, data: []byte{0xb8, 0x07, 0x00, 0x00, 0x00}}
	e := NewEngine(mem, 64, 0x1000, 0x2000)
	_, ni, _ := e.StepNative()

	f := e.Fork()
	f.SetRIP(0x2000)
	if f.Producer(e.Regs.AST("rax")) == nil {
		t.Fatalf("expected fork to retain cache entry for rax producer")
	}
	if f.RIP() == e.RIP() {
		t.Fatalf("expected fork's rip to diverge after SetRIP")
	}
	_ = ni
}
