package serial

import (
	"bytes"
	"gokern/device"
	"gokern/kernel/cpu"
	"testing"
)

type portWrite struct {
	port uint16
	val  uint8
}

func restorePortFns() {
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn = cpu.PortReadByte
}

func TestInit(t *testing.T) {
	defer restorePortFns()

	specs := []struct {
		loopbackVal uint8
		expErr      error
		expWrites   []portWrite
	}{
		{
			loopbackTestByte,
			nil,
			[]portWrite{
				{0x3f9, 0},
				{0x3fb, 0x80}, {0x3f8, 3}, {0x3f9, 0}, {0x3fb, 0x03},
				{0x3fa, 0xc7}, {0x3fc, 0x0b},
				{0x3fc, 0x1e}, {0x3f8, 0xae},
				{0x3fc, 0x0f},
			},
		},
		{
			0xff,
			errLoopbackFailed,
			[]portWrite{
				{0x3f9, 0},
				{0x3fb, 0x80}, {0x3f8, 3}, {0x3f9, 0}, {0x3fb, 0x03},
				{0x3fa, 0xc7}, {0x3fc, 0x0b},
				{0x3fc, 0x1e}, {0x3f8, 0xae},
			},
		},
	}

	for specIndex, spec := range specs {
		var writes []portWrite
		portWriteByteFn = func(port uint16, val uint8) {
			writes = append(writes, portWrite{port, val})
		}
		portReadByteFn = func(port uint16) uint8 {
			if port != COM1+regData {
				t.Errorf("[spec %d] unexpected read from port 0x%x", specIndex, port)
			}
			return spec.loopbackVal
		}

		err := NewPort(COM1).Init()
		if spec.expErr == nil && err != nil || spec.expErr != nil && err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}

		if len(writes) != len(spec.expWrites) {
			t.Errorf("[spec %d] expected %d port writes; got %d: %v", specIndex, len(spec.expWrites), len(writes), writes)
			continue
		}

		for i, w := range writes {
			if w != spec.expWrites[i] {
				t.Errorf("[spec %d] write %d: expected %v; got %v", specIndex, i, spec.expWrites[i], w)
			}
		}
	}
}

func TestWriteWaitsForTransmitter(t *testing.T) {
	defer restorePortFns()

	var (
		out         bytes.Buffer
		statusReads int
	)

	portReadByteFn = func(port uint16) uint8 {
		if port != COM1+regLineStatus {
			t.Fatalf("unexpected read from port 0x%x", port)
		}

		// Report a busy transmitter on every other poll
		statusReads++
		if statusReads%2 == 1 {
			return 0
		}
		return lineStatusTHRE
	}
	portWriteByteFn = func(port uint16, val uint8) {
		if port != COM1+regData {
			t.Fatalf("unexpected write to port 0x%x", port)
		}

		if statusReads%2 != 0 {
			t.Fatal("expected write to happen only after the transmitter is ready")
		}
		out.WriteByte(val)
	}

	msg := []byte("hello\n")
	n, err := NewPort(COM1).Write(msg)
	if err != nil {
		t.Fatal(err)
	}

	if n != len(msg) {
		t.Errorf("expected Write to return %d; got %d", len(msg), n)
	}

	if got := out.String(); got != string(msg) {
		t.Errorf("expected to transmit %q; got %q", msg, got)
	}

	if exp := 2 * len(msg); statusReads != exp {
		t.Errorf("expected %d line status reads; got %d", exp, statusReads)
	}
}

func TestDriverInterface(t *testing.T) {
	defer restorePortFns()

	portWriteByteFn = func(_ uint16, _ uint8) {}
	portReadByteFn = func(_ uint16) uint8 { return loopbackTestByte }

	drv := probeForCOM1()
	if exp, got := "serial16550", drv.DriverName(); got != exp {
		t.Errorf("expected driver name to be %q; got %q", exp, got)
	}

	if major, minor, patch := drv.DriverVersion(); major != 1 || minor != 0 || patch != 0 {
		t.Errorf("expected driver version to be 1.0.0; got %d.%d.%d", major, minor, patch)
	}

	var buf bytes.Buffer
	if err := drv.DriverInit(&buf); err != nil {
		t.Fatal(err)
	}

	if exp, got := "port 0x3f8, 38400 8N1\n", buf.String(); got != exp {
		t.Errorf("expected init output %q; got %q", exp, got)
	}

	portReadByteFn = func(_ uint16) uint8 { return 0 }
	if err := drv.DriverInit(&buf); err != errLoopbackFailed {
		t.Errorf("expected DriverInit to return errLoopbackFailed; got %v", err)
	}
}

func TestRegister(t *testing.T) {
	Register()

	var found *device.DriverInfo
	for _, info := range device.DriverList() {
		if info == &driverInfo {
			found = info
		}
	}

	if found == nil {
		t.Fatal("expected Register to add COM1 to the driver registry")
	}

	if found.Order != device.DetectOrderEarly {
		t.Errorf("expected COM1 to be detected with DetectOrderEarly; got %d", found.Order)
	}

	if drv := found.Probe(); drv != &com1 {
		t.Errorf("expected the detection function to return the COM1 port; got %v", drv)
	}
}
