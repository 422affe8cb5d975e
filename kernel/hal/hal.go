// Package hal probes for the hardware the kernel core depends on and keeps
// track of the initialized drivers.
package hal

import (
	"bytes"
	"gokern/device"
	"gokern/device/pic"
	"gokern/device/serial"
	"gokern/kernel/kfmt"
	"sort"
)

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeConsole *serial.Port
	activePIC     *pic.Controller

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer

	// setOutputSinkFn is mocked by tests.
	setOutputSinkFn = kfmt.SetOutputSink
)

// ActivePIC returns the interrupt controller detected by DetectHardware or
// nil if none was initialized.
func ActivePIC() *pic.Controller {
	return devices.activePIC
}

// ActiveDrivers returns the list of successfully initialized drivers.
func ActiveDrivers() []device.Driver {
	return devices.activeDrivers
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers.
func DetectHardware() {
	// Get driver list and sort by detection priority
	drivers := device.DriverList()
	sort.Sort(drivers)

	probe(drivers)
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(driverInfoList device.DriverInfoList) {
	var w = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink()}

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		onDriverInit(drv)
		devices.activeDrivers = append(devices.activeDrivers, drv)

		// The console may have just been attached
		w.Sink = kfmt.GetOutputSink()
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized.
func onDriverInit(drv device.Driver) {
	switch drvImpl := drv.(type) {
	case *serial.Port:
		if devices.activeConsole != nil {
			return
		}

		devices.activeConsole = drvImpl
		setOutputSinkFn(drvImpl)
	case *pic.Controller:
		if devices.activePIC != nil {
			return
		}

		devices.activePIC = drvImpl
	}
}
