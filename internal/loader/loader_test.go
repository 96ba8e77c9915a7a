package loader

import "testing"

func TestFixedMemoryReadAt(t *testing.T) {
	mem := &FixedMemory{Base: 0x1000, Data: []byte{0x90, 0x90, 0xc3, 0x01, 0x02}}

	got, err := mem.ReadAt(0x1000, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{0x90, 0x90, 0xc3}
	if string(got) != string(want) {
		t.Errorf("ReadAt = %x, want %x", got, want)
	}
}

func TestFixedMemoryReadAtMidOffset(t *testing.T) {
	mem := &FixedMemory{Base: 0x2000, Data: []byte{0x01, 0x02, 0x03, 0x04}}

	got, err := mem.ReadAt(0x2002, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0] != 0x03 || got[1] != 0x04 {
		t.Errorf("ReadAt at mid offset = %x, want [03 04]", got)
	}
}

func TestFixedMemoryReadAtOutOfRange(t *testing.T) {
	mem := &FixedMemory{Base: 0x1000, Data: []byte{0x90}}

	if _, err := mem.ReadAt(0x500, 1); err == nil {
		t.Fatal("expected error reading before Base")
	}
	if _, err := mem.ReadAt(0x2000, 1); err == nil {
		t.Fatal("expected error reading past end of fixture")
	}
}

func TestFixedMemoryReadAtTruncatesAtEnd(t *testing.T) {
	mem := &FixedMemory{Base: 0x1000, Data: []byte{0xaa, 0xbb}}

	got, err := mem.ReadAt(0x1001, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("ReadAt should still return a length-10 buffer, got %d bytes", len(got))
	}
	if got[0] != 0xbb {
		t.Errorf("first byte = %#x, want 0xbb", got[0])
	}
}

func TestLoaderReadAtLazyMaterialization(t *testing.T) {
	calls := 0
	l := &Loader{ImageBase: 0x400000, Bits: 64}
	l.addSection(0x401000, 0x10, func() ([]byte, error) {
		calls++
		return []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}, nil
	})

	if _, err := l.ReadAt(0x401004, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.ReadAt(0x401008, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("section reader should be invoked once (lazy, cached), got %d calls", calls)
	}
}

func TestLoaderReadAtUnmapped(t *testing.T) {
	l := &Loader{ImageBase: 0x400000, Bits: 64}
	l.addSection(0x401000, 0x10, func() ([]byte, error) { return make([]byte, 0x10), nil })

	if _, err := l.ReadAt(0x500000, 4); err == nil {
		t.Fatal("expected error reading an address with no owning section")
	}
}
