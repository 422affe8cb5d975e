// Package gate manages the interrupt descriptor table and routes interrupts
// raised by the CPU to Go handlers.
package gate

import (
	"encoding/binary"
	"gokern/kernel"
	"gokern/kernel/cpu"
	"gokern/kernel/sync"
	"unsafe"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadIDTFn   = cpu.LoadIDT
	entryAddrFn = entryAddr

	// guard masks interrupts while the IDT is being modified.
	guard sync.IRQGuard

	errVectorInUse = &kernel.Error{Module: "gate", Message: "interrupt vector already has a handler"}
	errNilHandler  = &kernel.Error{Module: "gate", Message: "interrupt handler must not be nil"}
)

// Handler is invoked with a private copy of the registers saved when an
// interrupt occurs. Changes to the copy are not propagated back to the
// interrupted code.
type Handler func(*Registers)

// Descriptor is a 16-byte IDT gate descriptor.
type Descriptor struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

// newDescriptor returns a present interrupt gate that transfers control to
// the kernel code at entryAddr. A non-zero istIndex makes the CPU switch to
// the matching interrupt stack table entry.
func newDescriptor(entryAddr uintptr, istIndex uint8) Descriptor {
	return Descriptor{
		offsetLow:  uint16(entryAddr),
		selector:   kernelCodeSelector,
		ist:        istIndex & 0x7,
		typeAttr:   interruptGateType,
		offsetMid:  uint16(entryAddr >> 16),
		offsetHigh: uint32(entryAddr >> 32),
	}
}

// Offset returns the address of the code that the gate transfers control to.
func (d Descriptor) Offset() uintptr {
	return uintptr(d.offsetLow) | uintptr(d.offsetMid)<<16 | uintptr(d.offsetHigh)<<32
}

// Present returns true if the gate is marked as present.
func (d Descriptor) Present() bool {
	return d.typeAttr&descriptorPresent != 0
}

// Table is an interrupt descriptor table together with the Go handler bound
// to each vector. Gate i is present if and only if vector i has a handler.
// The zero value is an empty table with every vector unbound.
//
// Once loaded, the CPU keeps referring to the table's memory so a loaded
// Table must not be moved or copied.
type Table struct {
	entries  [entryCount]Descriptor
	handlers [entryCount]Handler

	// idtr holds the pseudo-descriptor consumed by LIDT: a 16-bit limit
	// followed by the 64-bit linear base address.
	idtr [10]byte
}

// NewTable allocates an empty table.
func NewTable() *Table {
	return &Table{}
}

// Load points the CPU at this table and makes it the target for interrupt
// dispatching. Load must be called again if the table is relocated.
func (t *Table) Load() {
	guard.Acquire()
	binary.LittleEndian.PutUint16(t.idtr[0:], uint16(unsafe.Sizeof(t.entries)-1))
	binary.LittleEndian.PutUint64(t.idtr[2:], uint64(uintptr(unsafe.Pointer(&t.entries[0]))))
	loadIDTFn(uintptr(unsafe.Pointer(&t.idtr[0])))
	activeTable = t
	guard.Release()
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. The value of the istOffset argument
// specifies the offset in the interrupt stack table (if 0 then IST is not
// used).
//
// HandleInterrupt panics if the vector already has a handler or if handler
// is nil.
func (t *Table) HandleInterrupt(num InterruptNumber, istOffset uint8, handler Handler) {
	if handler == nil {
		panic(errNilHandler)
	}

	guard.Acquire()
	if t.handlers[num] != nil {
		guard.Release()
		panic(errVectorInUse)
	}

	t.handlers[num] = handler
	t.entries[num] = newDescriptor(entryAddrFn(num), istOffset)
	guard.Release()
}

// Unset removes the handler for num and marks its gate as not present.
func (t *Table) Unset(num InterruptNumber) {
	guard.Acquire()
	t.entries[num] = Descriptor{}
	t.handlers[num] = nil
	guard.Release()
}

// Bound returns true if a handler is installed for num.
func (t *Table) Bound(num InterruptNumber) bool {
	return t.handlers[num] != nil
}

// Entry returns a copy of the gate descriptor for num.
func (t *Table) Entry(num InterruptNumber) Descriptor {
	return t.entries[num]
}
