// Package pic drives the pair of cascaded 8259 programmable interrupt
// controllers found on PC-compatible machines.
package pic

import (
	"gokern/device"
	"gokern/kernel"
	"gokern/kernel/cpu"
	"gokern/kernel/gate"
	"gokern/kernel/kfmt"
	"gokern/kernel/sync"
	"io"
)

const (
	masterCommandPort = 0x20
	masterDataPort    = masterCommandPort + 1
	slaveCommandPort  = 0xa0
	slaveDataPort     = slaveCommandPort + 1

	// icw1Init starts the initialization sequence and announces that
	// ICW4 will follow.
	icw1Init = 0x11

	// icw3 cascade configuration: the slave is attached to master line 2.
	icw3Master = 1 << 2
	icw3Slave  = 2

	// icw4Mode8086 selects 8086/88 mode.
	icw4Mode8086 = 0x01

	cmdEOI = 0x20

	// ocw3ReadISR makes the next read from a command port return the
	// in-service register.
	ocw3ReadISR = 0x0b

	// spuriousMasterIRQ and spuriousSlaveIRQ are the lowest priority
	// lines of each chip. A chip that cannot tell which line raised an
	// interrupt reports it on these lines without setting the matching
	// in-service bit.
	spuriousMasterIRQ = 7
	spuriousSlaveIRQ  = 15

	// linesPerController is the number of IRQ lines served by each chip.
	linesPerController = 8

	// reservedVectors is the number of vectors used by CPU exceptions.
	reservedVectors = 32
)

const (
	// DefaultMasterOffset is the first vector used by the master PIC.
	DefaultMasterOffset = 32

	// DefaultSlaveOffset is the first vector used by the slave PIC.
	DefaultSlaveOffset = 40

	// TimerIRQ is the IRQ line of the programmable interval timer.
	TimerIRQ = 0

	// KeyboardIRQ is the IRQ line of the PS/2 keyboard controller.
	KeyboardIRQ = 1

	// IRQLines is the number of IRQ lines served by both controllers.
	IRQLines = 2 * linesPerController
)

var (
	// portWriteByteFn is mocked by tests and is automatically inlined by
	// the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	errOffsetCollision = &kernel.Error{Module: "pic", Message: "IRQ vector range collides with the CPU exception vectors or the other controller"}
	errUnalignedOffset = &kernel.Error{Module: "pic", Message: "IRQ vector offset must be a multiple of 8"}
	errInvalidIRQLine  = &kernel.Error{Module: "pic", Message: "IRQ line out of range"}
	errSpuriousIRQ     = &kernel.Error{Module: "pic", Message: "interrupt vector is not served by an IRQ controller"}
	errNilHandler      = &kernel.Error{Module: "pic", Message: "IRQ handler must not be nil"}
	errVectorInUse     = &kernel.Error{Module: "pic", Message: "IRQ vector already has a handler"}

	// vectorOwners maps each vector bound through HandleIRQ to the
	// controller that serves it.
	vectorOwners [256]*Controller

	// guard masks interrupts while IRQ bindings are being modified.
	guard sync.IRQGuard

	// defaultController is the instance returned by the hardware probe.
	defaultController Controller
)

// Controller drives a master/slave 8259 pair.
type Controller struct {
	masterOffset uint8
	slaveOffset  uint8

	handlers [IRQLines]gate.Handler
}

// New returns a Controller that remaps IRQs 0-7 to vectors starting at
// masterOffset and IRQs 8-15 to vectors starting at slaveOffset. New panics
// if either vector range overlaps the CPU exception vectors or the other
// range or if an offset is not 8-aligned.
func New(masterOffset, slaveOffset uint8) *Controller {
	c := new(Controller)
	c.setOffsets(masterOffset, slaveOffset)
	return c
}

func (c *Controller) setOffsets(masterOffset, slaveOffset uint8) {
	switch {
	case masterOffset%linesPerController != 0 || slaveOffset%linesPerController != 0:
		panic(errUnalignedOffset)
	case masterOffset < reservedVectors || slaveOffset < reservedVectors,
		masterOffset == slaveOffset:
		panic(errOffsetCollision)
	}

	c.masterOffset = masterOffset
	c.slaveOffset = slaveOffset
}

// Init runs the initialization sequence on both controllers: ICW1 starts
// the sequence, ICW2 sets the vector offsets, ICW3 describes the cascade
// wiring and ICW4 selects 8086 mode. All IRQ lines are left unmasked.
func (c *Controller) Init() {
	portWriteByteFn(masterCommandPort, icw1Init)
	portWriteByteFn(slaveCommandPort, icw1Init)

	portWriteByteFn(masterDataPort, c.masterOffset)
	portWriteByteFn(slaveDataPort, c.slaveOffset)

	portWriteByteFn(masterDataPort, icw3Master)
	portWriteByteFn(slaveDataPort, icw3Slave)

	portWriteByteFn(masterDataPort, icw4Mode8086)
	portWriteByteFn(slaveDataPort, icw4Mode8086)

	portWriteByteFn(masterDataPort, 0)
	portWriteByteFn(slaveDataPort, 0)
}

// EOIMaster acknowledges an interrupt raised by the master controller.
func (c *Controller) EOIMaster() {
	portWriteByteFn(masterCommandPort, cmdEOI)
}

// EOISlave acknowledges an interrupt raised by the slave controller. IRQs
// 8-15 must be acknowledged on both controllers, slave first.
func (c *Controller) EOISlave() {
	portWriteByteFn(slaveCommandPort, cmdEOI)
}

// IRQVector returns the interrupt vector that line is remapped to. It panics
// if line is not a valid IRQ line.
func (c *Controller) IRQVector(line uint8) gate.InterruptNumber {
	switch {
	case line < linesPerController:
		return gate.InterruptNumber(c.masterOffset + line)
	case line < IRQLines:
		return gate.InterruptNumber(c.slaveOffset + line - linesPerController)
	default:
		panic(errInvalidIRQLine)
	}
}

// irqLine maps a vector back to the IRQ line that raised it.
func (c *Controller) irqLine(vector uint64) (uint8, bool) {
	switch {
	case vector >= uint64(c.masterOffset) && vector < uint64(c.masterOffset)+linesPerController:
		return uint8(vector) - c.masterOffset, true
	case vector >= uint64(c.slaveOffset) && vector < uint64(c.slaveOffset)+linesPerController:
		return uint8(vector) - c.slaveOffset + linesPerController, true
	default:
		return 0, false
	}
}

// HandleIRQ binds handler to the vector that line is remapped to. Once the
// handler returns, the interrupt is acknowledged on the controller(s) that
// raised it.
//
// HandleIRQ panics if handler is nil, if line is not a valid IRQ line or if
// the vector already has a handler. Nothing is modified when it panics.
func (c *Controller) HandleIRQ(table *gate.Table, line uint8, handler gate.Handler) {
	if handler == nil {
		panic(errNilHandler)
	}

	c.bind(table, line, handler)
}

// HandleSpuriousIRQs binds the vectors of IRQ 7 and IRQ 15 unless they
// already have a handler. Spurious interrupts on these lines are dropped;
// genuine ones without a handler are only acknowledged.
func (c *Controller) HandleSpuriousIRQs(table *gate.Table) {
	for _, line := range [...]uint8{spuriousMasterIRQ, spuriousSlaveIRQ} {
		if !table.Bound(c.IRQVector(line)) {
			c.bind(table, line, nil)
		}
	}
}

func (c *Controller) bind(table *gate.Table, line uint8, handler gate.Handler) {
	vector := c.IRQVector(line)
	if table.Bound(vector) {
		panic(errVectorInUse)
	}

	guard.Acquire()
	c.handlers[line] = handler
	vectorOwners[vector] = c
	table.HandleInterrupt(vector, 0, dispatchIRQ)
	guard.Release()
}

// dispatchIRQ invokes the handler registered for the IRQ line that raised
// the interrupt and sends the end-of-interrupt command(s).
func dispatchIRQ(regs *gate.Registers) {
	c := vectorOwners[uint8(regs.Vector)]
	if c == nil {
		panic(errSpuriousIRQ)
	}

	line, ok := c.irqLine(regs.Vector)
	if !ok {
		panic(errSpuriousIRQ)
	}

	if c.spurious(line) {
		// The master did see the cascade line go up and expects an EOI
		if line == spuriousSlaveIRQ {
			c.EOIMaster()
		}
		return
	}

	if handler := c.handlers[line]; handler != nil {
		handler(regs)
	}

	if line >= linesPerController {
		c.EOISlave()
	}
	c.EOIMaster()
}

// spurious returns true if line is one of the lines used for reporting
// spurious interrupts and the chip has not marked it as in service.
func (c *Controller) spurious(line uint8) bool {
	switch line {
	case spuriousMasterIRQ:
		return inService(masterCommandPort)&(1<<(spuriousMasterIRQ%linesPerController)) == 0
	case spuriousSlaveIRQ:
		return inService(slaveCommandPort)&(1<<(spuriousSlaveIRQ%linesPerController)) == 0
	default:
		return false
	}
}

// inService reads the in-service register of the chip behind commandPort.
func inService(commandPort uint16) uint8 {
	portWriteByteFn(commandPort, ocw3ReadISR)
	return portReadByteFn(commandPort)
}

// DriverName returns the name of this driver.
func (c *Controller) DriverName() string {
	return "pic8259"
}

// DriverVersion returns the version of this driver.
func (c *Controller) DriverVersion() (uint16, uint16, uint16) {
	return 1, 0, 0
}

// DriverInit initializes the controllers.
func (c *Controller) DriverInit(w io.Writer) *kernel.Error {
	c.Init()
	kfmt.Fprintf(w, "IRQ 0-7 -> vectors %d-%d, IRQ 8-15 -> vectors %d-%d\n",
		c.masterOffset, c.masterOffset+linesPerController-1,
		c.slaveOffset, c.slaveOffset+linesPerController-1,
	)
	return nil
}

// probeForPIC returns the controller pair with the default vector offsets.
// Every PC-compatible machine has one.
func probeForPIC() device.Driver {
	defaultController.setOffsets(DefaultMasterOffset, DefaultSlaveOffset)
	return &defaultController
}

var driverInfo = device.DriverInfo{
	Order: device.DetectOrderInterruptController,
	Probe: probeForPIC,
}

// Register adds the 8259 driver to the device driver registry. Package init
// functions do not run on the kernel boot path, so drivers are registered
// explicitly once the Go allocator is up.
func Register() {
	device.RegisterDriver(&driverInfo)
}
