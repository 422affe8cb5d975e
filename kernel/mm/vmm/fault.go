package vmm

import (
	"gokern/kernel"
	"gokern/kernel/gate"
	"gokern/kernel/kfmt"
	"gokern/kernel/mm"
)

// FaultPolicy selects how the page fault handler reacts to faults.
type FaultPolicy uint8

const (
	// FaultPolicyHalt treats every page fault as fatal.
	FaultPolicyHalt FaultPolicy = iota

	// FaultPolicyAllocate backs not-present pages inside the configured
	// window with freshly allocated frames on first access.
	FaultPolicyAllocate
)

// String implements fmt.Stringer for FaultPolicy.
func (p FaultPolicy) String() string {
	switch p {
	case FaultPolicyHalt:
		return "halt"
	case FaultPolicyAllocate:
		return "alloc"
	default:
		return "unknown"
	}
}

// FaultConfig configures the page fault handler. The window [WindowStart,
// WindowEnd) is only consulted when Policy is FaultPolicyAllocate.
type FaultConfig struct {
	Policy      FaultPolicy
	WindowStart uintptr
	WindowEnd   uintptr
}

// Page fault error code bits pushed by the CPU.
const (
	faultPresent    = 1 << 0
	faultWrite      = 1 << 1
	faultUser       = 1 << 2
	faultReserved   = 1 << 3
	faultInstrFetch = 1 << 4

	faultKnownBits = faultPresent | faultWrite | faultUser | faultReserved | faultInstrFetch
)

var (
	// state used by the fault handlers; set by InstallFaultHandlers.
	faultPDT     PageDirectoryTable
	faultAllocFn mm.FrameAllocatorFn
	faultCfg     FaultConfig
)

// InstallFaultHandlers binds the page fault, general protection fault and
// double fault handlers to table. Page faults are resolved against pdt
// according to cfg, with allocFn supplying frames for on-demand mappings.
func InstallFaultHandlers(table *gate.Table, pdt PageDirectoryTable, allocFn mm.FrameAllocatorFn, cfg FaultConfig) {
	faultPDT = pdt
	faultAllocFn = allocFn
	faultCfg = cfg

	table.HandleInterrupt(gate.PageFaultException, 0, pageFaultHandler)
	table.HandleInterrupt(gate.GPFException, 0, generalProtectionFaultHandler)
	table.HandleInterrupt(gate.DoubleFault, 0, doubleFaultHandler)
}

func pageFaultHandler(regs *gate.Registers) {
	faultAddress := uintptr(readCR2Fn())

	if err := recoverPageFault(faultAddress, regs.ErrorCode); err != nil {
		nonRecoverablePageFault(faultAddress, regs, err)
	}
}

// recoverPageFault attempts to resolve a fault at faultAddress. A nil return
// value means that the faulting instruction can be retried.
func recoverPageFault(faultAddress uintptr, errorCode uint64) *kernel.Error {
	if faultCfg.Policy != FaultPolicyAllocate ||
		errorCode&(faultPresent|faultReserved) != 0 ||
		faultAddress < faultCfg.WindowStart || faultAddress >= faultCfg.WindowEnd ||
		faultAllocFn == nil {
		return errUnrecoverableFault
	}

	frame, err := faultAllocFn()
	if err != nil {
		return err
	}

	return faultPDT.Map(mm.PageFromAddress(faultAddress), frame, faultAllocFn)
}

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: %s\n", faultAddress, faultReason(regs.ErrorCode))
	if err != errUnrecoverableFault {
		kfmt.Printf("Recovery failed: %s\n", err.Message)
	}

	kfmt.Printf("\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}

// faultReason returns a description of a page fault error code.
func faultReason(errorCode uint64) string {
	switch {
	case errorCode&^faultKnownBits != 0:
		return "unknown"
	case errorCode&faultReserved != 0:
		return "page table has reserved bit set"
	case errorCode&faultInstrFetch != 0:
		if errorCode&faultUser != 0 {
			return "instruction fetch in user-mode"
		}
		return "instruction fetch"
	}

	user := errorCode&faultUser != 0
	switch errorCode & (faultPresent | faultWrite) {
	case 0:
		if user {
			return "read from non-present page in user-mode"
		}
		return "read from non-present page"
	case faultPresent:
		if user {
			return "page protection violation (read) in user-mode"
		}
		return "page protection violation (read)"
	case faultWrite:
		if user {
			return "write to non-present page in user-mode"
		}
		return "write to non-present page"
	default:
		if user {
			return "page protection violation (write) in user-mode"
		}
		return "page protection violation (write)"
	}
}

func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault (error code 0x%x)\n", regs.ErrorCode)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}

func doubleFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nDouble fault\n")
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}
