package kmain

import (
	"gokern/device/pic"
	"gokern/device/serial"
	"gokern/kernel"
	"gokern/kernel/cpu"
	"gokern/kernel/gate"
	"gokern/kernel/goruntime"
	"gokern/kernel/hal"
	"gokern/kernel/kfmt"
	"gokern/kernel/mm"
	"gokern/kernel/mm/pmm"
	"gokern/kernel/mm/vmm"
	"gokern/multiboot"
)

const (
	// The virtual address window that is backed on demand when booting
	// with pagefault=alloc.
	faultWindowStart = uintptr(0xffff900000000000)
	faultWindowEnd   = faultWindowStart + 256<<20

	keyboardDataPort = 0x60
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// The kernel singletons. They live in package-level variables so
	// that nothing needs to be allocated before they are set up.
	frameAllocator pmm.RangeAllocator
	idt            gate.Table
	kernelImage    mm.Range

	timerTicks uint64

	// the following functions are mocked by tests.
	getBootCmdLineFn = multiboot.GetBootCmdLine
	portReadByteFn   = cpu.PortReadByte
	activePDTFn      = vmm.ActivePDT
	goruntimeInitFn  = goruntime.Init
	idleFn           = idle
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and a minimal g0 struct that allows Go code to
// use the stack allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by
// the bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)
	kernelImage = mm.Range{Lo: uint64(kernelStart), Hi: uint64(kernelEnd)}

	frameAllocator = pmm.NewRangeAllocator(multiboot.UsableRanges, occupiedRanges)

	// Everything below this point may allocate.
	if err := initRuntime(); err != nil {
		kfmt.Panic(err)
	}

	registerDrivers()
	hal.DetectHardware()

	vendor := cpu.Vendor()
	kfmt.Printf("[kmain] cpu vendor: %s\n", vendor[:])
	frameAllocator.PrintMemoryMap(kfmt.GetOutputSink())

	idt.Load()

	cfg := faultConfig()
	kfmt.Printf("[kmain] page fault policy: %s\n", cfg.Policy.String())
	vmm.InstallFaultHandlers(&idt, vmm.ActivePDT(), allocFrame, cfg)

	if ctrl := hal.ActivePIC(); ctrl != nil {
		ctrl.HandleIRQ(&idt, pic.TimerIRQ, timerHandler)
		ctrl.HandleIRQ(&idt, pic.KeyboardIRQ, keyboardHandler)
		ctrl.HandleSpuriousIRQs(&idt)
	}

	idt.HandleInterrupt(gate.Breakpoint, 0, breakpointHandler)
	cpu.EnableInterrupts()
	cpu.Breakpoint()

	idleFn()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// initRuntime sets up the Go heap on top of the active page tables and the
// kernel frame allocator.
func initRuntime() *kernel.Error {
	return goruntimeInitFn(activePDTFn(), allocFrame)
}

// registerDrivers adds the probes of the drivers built into the kernel to
// the registry consulted by hal.DetectHardware.
func registerDrivers() {
	serial.Register()
	pic.Register()
}

// allocFrame hands out frames from the kernel frame allocator.
func allocFrame() (mm.Frame, *kernel.Error) {
	return frameAllocator.AllocFrame()
}

// occupiedRanges visits the ranges reported by the bootloader followed by
// the kernel image.
func occupiedRanges(visitor mm.RangeVisitor) {
	keepGoing := true
	multiboot.OccupiedRanges(func(r mm.Range) bool {
		keepGoing = visitor(r)
		return keepGoing
	})

	if keepGoing && kernelImage.Lo < kernelImage.Hi {
		visitor(kernelImage)
	}
}

// faultConfig selects the page fault policy from the pagefault boot
// command line option.
func faultConfig() vmm.FaultConfig {
	switch getBootCmdLineFn()["pagefault"] {
	case "alloc":
		return vmm.FaultConfig{
			Policy:      vmm.FaultPolicyAllocate,
			WindowStart: faultWindowStart,
			WindowEnd:   faultWindowEnd,
		}
	case "halt", "":
	default:
		kfmt.Printf("[kmain] ignoring unknown page fault policy\n")
	}

	return vmm.FaultConfig{Policy: vmm.FaultPolicyHalt}
}

func breakpointHandler(regs *gate.Registers) {
	kfmt.Printf("[gate] breakpoint at 0x%x, error code %d\n", regs.RIP, regs.ErrorCode)
}

func timerHandler(_ *gate.Registers) {
	timerTicks++
}

// keyboardHandler drains the keyboard controller output buffer so that it
// keeps raising interrupts. Scan codes are not translated.
func keyboardHandler(_ *gate.Registers) {
	portReadByteFn(keyboardDataPort)
}

func idle() {
	for {
		cpu.WaitForInterrupt()
	}
}
