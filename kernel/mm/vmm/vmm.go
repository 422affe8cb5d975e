// Package vmm manages the 4-level x86-64 paging hierarchy and recovers from
// page faults.
package vmm

import (
	"gokern/kernel"
	"gokern/kernel/cpu"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn       = cpu.ReadCR2
	activePDTFn     = cpu.ActivePDT
	flushTLBEntryFn = cpu.FlushTLBEntry

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)
