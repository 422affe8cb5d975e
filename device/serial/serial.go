// Package serial implements a polled driver for 16550-compatible UARTs.
package serial

import (
	"gokern/device"
	"gokern/kernel"
	"gokern/kernel/cpu"
	"gokern/kernel/kfmt"
	"io"
)

// COM1 is the I/O base of the first serial port.
const COM1 = 0x3f8

// Register offsets relative to the port base.
const (
	regData        = 0 // divisor low byte while DLAB is set
	regIntEnable   = 1 // divisor high byte while DLAB is set
	regFIFOControl = 2
	regLineControl = 3
	regModemCtrl   = 4
	regLineStatus  = 5
)

const (
	lineControlDLAB = 0x80
	lineControl8N1  = 0x03

	// baudDivisor selects 38400 baud.
	baudDivisor = 3

	// fifoEnable enables and clears both FIFOs with a 14-byte threshold.
	fifoEnable = 0xc7

	modemIRQEnabled = 0x0b
	modemLoopback   = 0x1e
	modemNormal     = 0x0f

	loopbackTestByte = 0xae

	// lineStatusTHRE is set while the transmit holding register is empty.
	lineStatusTHRE = 1 << 5
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	errLoopbackFailed = &kernel.Error{Module: "serial", Message: "loopback self-test failed"}

	// com1 is the instance returned by the hardware probe.
	com1 = Port{base: COM1}
)

// Port is a 16550 UART. Once initialized it can be used as an io.Writer,
// for instance as the kfmt output sink.
type Port struct {
	base uint16
}

// NewPort returns a Port for the UART at the given I/O base.
func NewPort(base uint16) *Port {
	return &Port{base: base}
}

// Init programs the UART for 38400 baud, 8N1 with FIFOs enabled and runs a
// loopback self-test. It returns errLoopbackFailed if the test byte does not
// come back.
func (p *Port) Init() *kernel.Error {
	portWriteByteFn(p.base+regIntEnable, 0)

	portWriteByteFn(p.base+regLineControl, lineControlDLAB)
	portWriteByteFn(p.base+regData, baudDivisor&0xff)
	portWriteByteFn(p.base+regIntEnable, baudDivisor>>8)
	portWriteByteFn(p.base+regLineControl, lineControl8N1)

	portWriteByteFn(p.base+regFIFOControl, fifoEnable)
	portWriteByteFn(p.base+regModemCtrl, modemIRQEnabled)

	portWriteByteFn(p.base+regModemCtrl, modemLoopback)
	portWriteByteFn(p.base+regData, loopbackTestByte)
	if portReadByteFn(p.base+regData) != loopbackTestByte {
		return errLoopbackFailed
	}

	portWriteByteFn(p.base+regModemCtrl, modemNormal)
	return nil
}

// WriteByte transmits b, busy-waiting until the transmitter can accept it.
func (p *Port) WriteByte(b byte) error {
	for portReadByteFn(p.base+regLineStatus)&lineStatusTHRE == 0 {
	}

	portWriteByteFn(p.base+regData, b)
	return nil
}

// Write implements io.Writer.
func (p *Port) Write(data []byte) (int, error) {
	for _, b := range data {
		p.WriteByte(b)
	}

	return len(data), nil
}

// DriverName returns the name of this driver.
func (p *Port) DriverName() string {
	return "serial16550"
}

// DriverVersion returns the version of this driver.
func (p *Port) DriverVersion() (uint16, uint16, uint16) {
	return 1, 0, 0
}

// DriverInit initializes the UART.
func (p *Port) DriverInit(w io.Writer) *kernel.Error {
	if err := p.Init(); err != nil {
		return err
	}

	kfmt.Fprintf(w, "port 0x%x, 38400 8N1\n", p.base)
	return nil
}

func probeForCOM1() device.Driver {
	return &com1
}

var driverInfo = device.DriverInfo{
	Order: device.DetectOrderEarly,
	Probe: probeForCOM1,
}

// Register adds the COM1 driver to the device driver registry.
func Register() {
	device.RegisterDriver(&driverInfo)
}
