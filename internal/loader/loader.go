// Package loader is the binary loader spec.md §1 calls out as an external
// collaborator, referenced only by interface: reads sections by virtual
// address. internal/symbolic.ConcreteMemory is satisfied by Loader so the
// tracer's concrete-memory callback (spec.md §3) can be backed by either a
// real PE/ELF image or, in tests, a synthetic in-memory fixture.
package loader

import (
	"debug/elf"
	"debug/pe"
	"fmt"
	"io"

	verrors "github.com/arkenfold/vmdevirt/internal/errors"
)

// Section is one mapped region of the image: virtual address, and its raw
// bytes (lazily populated on first access per SPEC_FULL.md §5).
type Section struct {
	VA   uint64
	Size uint64
	data []byte
	read func() ([]byte, error)
}

// Loader maps virtual addresses to concrete bytes.
type Loader struct {
	ImageBase uint64
	Bits      int // 32 or 64
	sections  []*Section
}

// ReadAt implements symbolic.ConcreteMemory: read length bytes starting at
// va, lazily materializing the owning section's bytes on first access.
func (l *Loader) ReadAt(va uint64, length int) ([]byte, error) {
	for _, s := range l.sections {
		if va < s.VA || va >= s.VA+s.Size {
			continue
		}
		if s.data == nil {
			data, err := s.read()
			if err != nil {
				return nil, verrors.Wrap(verrors.Loader, va, "failed to read section bytes", err)
			}
			s.data = data
		}
		off := va - s.VA
		end := off + uint64(length)
		if end > uint64(len(s.data)) {
			end = uint64(len(s.data))
		}
		if off >= end {
			return nil, verrors.At(verrors.Loader, va, "read past end of section")
		}
		out := make([]byte, length)
		copy(out, s.data[off:end])
		return out, nil
	}
	return nil, verrors.At(verrors.Loader, va, "no mapped section contains this address")
}

// addSection registers a lazily-read section.
func (l *Loader) addSection(va, size uint64, read func() ([]byte, error)) {
	l.sections = append(l.sections, &Section{VA: va, Size: size, read: read})
}

// Open loads a PE or ELF image from path, memory-mapping it via a single
// os.File handle and lazily copying each section's bytes on first access
// (SPEC_FULL.md §5 — stdlib io.ReaderAt is sufficient; no mmap syscall
// dependency is introduced).
func Open(path string) (*Loader, error) {
	if pf, err := pe.Open(path); err == nil {
		return fromPE(pf)
	}
	if ef, err := elf.Open(path); err == nil {
		return fromELF(ef)
	}
	return nil, verrors.New(verrors.Loader, fmt.Sprintf("unrecognized binary format: %s", path))
}

func fromPE(pf *pe.File) (*Loader, error) {
	l := &Loader{}
	switch oh := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		l.ImageBase = oh.ImageBase
		l.Bits = 64
	case *pe.OptionalHeader32:
		l.ImageBase = uint64(oh.ImageBase)
		l.Bits = 32
	default:
		return nil, verrors.New(verrors.Loader, "unrecognized PE optional header")
	}
	for _, sect := range pf.Sections {
		sect := sect
		va := l.ImageBase + uint64(sect.VirtualAddress)
		size := uint64(sect.Size)
		l.addSection(va, size, func() ([]byte, error) {
			return sect.Data()
		})
	}
	return l, nil
}

func fromELF(ef *elf.File) (*Loader, error) {
	l := &Loader{}
	switch ef.Class {
	case elf.ELFCLASS64:
		l.Bits = 64
	case elf.ELFCLASS32:
		l.Bits = 32
	}
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		prog := prog
		l.addSection(prog.Vaddr, prog.Filesz, func() ([]byte, error) {
			buf := make([]byte, prog.Filesz)
			_, err := io.ReadFull(prog.Open(), buf)
			if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
				return nil, err
			}
			return buf, nil
		})
	}
	return l, nil
}

// FixedMemory is a synthetic loader used by tests: a flat byte buffer
// mapped starting at Base, avoiding any dependency on real PE/ELF fixtures
// (SPEC_FULL.md §8).
type FixedMemory struct {
	Base uint64
	Data []byte
}

func (f *FixedMemory) ReadAt(va uint64, length int) ([]byte, error) {
	if va < f.Base || va >= f.Base+uint64(len(f.Data)) {
		return nil, verrors.At(verrors.Loader, va, "address out of range of fixture memory")
	}
	off := va - f.Base
	end := off + uint64(length)
	if end > uint64(len(f.Data)) {
		end = uint64(len(f.Data))
	}
	out := make([]byte, length)
	copy(out, f.Data[off:end])
	return out, nil
}
