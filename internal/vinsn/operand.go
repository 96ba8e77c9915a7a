// Package vinsn is the typed representation of VM handlers (spec.md §3, §4.1):
// Operand, VInsn, and the BasicBlock/Routine CFG containers that hold them.
package vinsn

import "fmt"

// Operand is the tagged variant {Immediate, PhysicalRegister, VirtualRegister,
// VirtualStackPointer}. It is an immutable value type: every concrete operand
// below is safe to copy and share.
type Operand interface {
	fmt.Stringer
	isOperand()
}

// Immediate is a constant value pushed/consumed by the VM.
type Immediate struct {
	Value uint64
}

func (Immediate) isOperand() {}
func (o Immediate) String() string { return fmt.Sprintf("imm(0x%x)", o.Value) }

// NewImmediate builds an Immediate operand.
func NewImmediate(v uint64) Immediate { return Immediate{Value: v} }

// PhysicalRegister names a native GPR (or eflags) involved in a Push/Pop.
type PhysicalRegister struct {
	Name string
}

func (PhysicalRegister) isOperand() {}
func (o PhysicalRegister) String() string { return o.Name }

// NewPhysicalRegister builds a PhysicalRegister operand.
func NewPhysicalRegister(name string) PhysicalRegister { return PhysicalRegister{Name: name} }

// VirtualRegister addresses a slot in the VM's register file: word index
// plus a sub-word byte offset (used for the 8/16-bit sub-slot addressing
// described in spec.md §4.2).
type VirtualRegister struct {
	Index     int
	SubOffset int
}

func (VirtualRegister) isOperand() {}
func (o VirtualRegister) String() string {
	return fmt.Sprintf("vreg[%d+%d]", o.Index, o.SubOffset)
}

// NewVirtualRegister builds a VirtualRegister operand.
func NewVirtualRegister(index, subOffset int) VirtualRegister {
	return VirtualRegister{Index: index, SubOffset: subOffset}
}

// VirtualStackPointer refers to the VSP value itself as an operand (e.g.
// Push(VirtualStackPointer) / Pop(VirtualStackPointer)).
type VirtualStackPointer struct{}

func (VirtualStackPointer) isOperand() {}
func (VirtualStackPointer) String() string { return "vsp" }

// NewVirtualStackPointer builds the VirtualStackPointer operand.
func NewVirtualStackPointer() VirtualStackPointer { return VirtualStackPointer{} }
