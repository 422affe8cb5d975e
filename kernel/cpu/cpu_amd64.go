package cpu

import "encoding/binary"

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// InterruptsEnabled returns true if the interrupt flag (RFLAGS.IF) is set.
func InterruptsEnabled() bool

// Halt disables interrupts and stops instruction execution. It never returns.
func Halt()

// WaitForInterrupt enables interrupts and suspends execution until the next
// interrupt has been serviced.
func WaitForInterrupt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register. After a page fault,
// CR2 holds the linear address whose access triggered the fault.
func ReadCR2() uint64

// LoadIDT loads the 10-byte IDT pseudo-descriptor located at idtrAddr into
// the IDTR register.
func LoadIDT(idtrAddr uintptr)

// Breakpoint raises a breakpoint exception (vector 3).
func Breakpoint()

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// Vendor returns the vendor identification string reported by CPUID leaf 0
// (e.g. "GenuineIntel"). The string is stored in EBX, EDX and ECX in that
// order.
func Vendor() [12]byte {
	var vendor [12]byte
	_, ebx, ecx, edx := cpuidFn(0)
	binary.LittleEndian.PutUint32(vendor[0:], ebx)
	binary.LittleEndian.PutUint32(vendor[4:], edx)
	binary.LittleEndian.PutUint32(vendor[8:], ecx)
	return vendor
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortWriteWord writes a uint16 value to the requested port.
func PortWriteWord(port uint16, val uint16)

// PortWriteDword writes a uint32 value to the requested port.
func PortWriteDword(port uint16, val uint32)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8

// PortReadWord reads a uint16 value from the requested port.
func PortReadWord(port uint16) uint16

// PortReadDword reads a uint32 value from the requested port.
func PortReadDword(port uint16) uint32
