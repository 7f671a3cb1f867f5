package iodev_test

import (
	"testing"

	"github.com/ec1-systems/microvmd/iodev"
)

func TestACPIShutDownDeviceRead(t *testing.T) {
	t.Parallel()

	d := iodev.NewACPIShutDownEvent()

	data := []byte{0xff}
	if err := d.Read(d.IOPort(), data); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if data[0] != 0 {
		t.Fatalf("expected 0, got %#x", data[0])
	}
}

func TestACPIShutDownDeviceWriteReboot(t *testing.T) {
	t.Parallel()

	d := iodev.NewACPIShutDownEvent()

	reboot, shutdown := d.Write(d.IOPort(), []byte{1})
	if !reboot || shutdown {
		t.Fatalf("expected reboot=true shutdown=false, got reboot=%v shutdown=%v", reboot, shutdown)
	}
}

func TestACPIShutDownDeviceWriteShutdown(t *testing.T) {
	t.Parallel()

	d := iodev.NewACPIShutDownEvent()

	// S5 sleep value (5) << 2 | (1 << 5) per the ACPI DSDT encoding.
	s5 := byte((5 << 2) | (1 << 5))

	reboot, shutdown := d.Write(d.IOPort(), []byte{s5})
	if reboot || !shutdown {
		t.Fatalf("expected reboot=false shutdown=true, got reboot=%v shutdown=%v", reboot, shutdown)
	}
}

func TestACPIShutDownDeviceWriteOther(t *testing.T) {
	t.Parallel()

	d := iodev.NewACPIShutDownEvent()

	reboot, shutdown := d.Write(d.IOPort(), []byte{0x42})
	if reboot || shutdown {
		t.Fatalf("expected no signal for unrecognized value, got reboot=%v shutdown=%v", reboot, shutdown)
	}
}

func TestACPIShutDownDeviceSize(t *testing.T) {
	t.Parallel()

	d := iodev.NewACPIShutDownEvent()

	if d.Size() != 0x8 {
		t.Fatalf("expected size 0x8, got %#x", d.Size())
	}

	if d.IOPort() != iodev.ACPIShutDownDevPort {
		t.Fatalf("expected port %#x, got %#x", iodev.ACPIShutDownDevPort, d.IOPort())
	}
}
