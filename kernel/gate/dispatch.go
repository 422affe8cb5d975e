package gate

import (
	"gokern/kernel"
	"gokern/kernel/kfmt"
	"unsafe"
)

var (
	// activeTable is the table most recently loaded into the CPU. The
	// entry stubs have no way of receiving arguments so dispatchInterrupt
	// looks up handlers here.
	activeTable *Table

	errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "unhandled interrupt"}
)

// dispatchInterrupt is invoked by the common entry path with a pointer to
// the register block saved on the interrupted stack. The bound handler
// receives a copy of that block which is discarded when it returns. The
// error code slot is zeroed for vectors that do not carry one, whether or
// not a handler is bound.
func dispatchInterrupt(regs *Registers) {
	var (
		vector  = InterruptNumber(regs.Vector)
		handler Handler
	)
	if activeTable != nil {
		handler = activeTable.handlers[vector]
	}

	snapshot := *regs
	if !HasErrorCode(vector) {
		snapshot.ErrorCode = 0
	}
	snapshotPtr := (*Registers)(noEscape(unsafe.Pointer(&snapshot)))

	if handler == nil {
		unhandledInterrupt(snapshotPtr)
		return
	}

	handler(snapshotPtr)
}

// unhandledInterrupt reports a vector that fired without a handler and
// halts.
func unhandledInterrupt(regs *Registers) {
	kfmt.Printf("\nUnhandled interrupt: vector %d, error code 0x%x\n", regs.Vector, regs.ErrorCode)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnhandledInterrupt)
}

// noEscape hides a pointer from escape analysis; same as noescape in
// runtime/stubs.go.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
