// Package iodev holds legacy-PIO devices that sit outside the PCI bridge's
// configuration space but still need an IOPortHandler slot wired up in
// machine.Machine, alongside serial, PS/2 and the PCI config ports.
package iodev

// ACPIShutDownDevPort is the port EDK2/CloudHv writes to in order to signal
// a guest-initiated ACPI reboot or S5 shutdown.
// See: https://github.com/cloud-hypervisor/edk2/blob/ch/OvmfPkg/Include/IndustryStandard/CloudHv.h
const ACPIShutDownDevPort = uint64(0x600)

const (
	s5SleepVal       = uint8(5)
	sleepStatusENBit = uint8(5)
	sleepValBit      = uint8(2)
)

// ACPIShutDownDevice decodes writes to ACPIShutDownDevPort into reboot/
// shutdown signals a VMM can act on, e.g. by tearing down the Machine once
// the guest's own ACPI driver asks for S5.
type ACPIShutDownDevice struct {
	Port uint64
}

func NewACPIShutDownEvent() *ACPIShutDownDevice {
	return &ACPIShutDownDevice{Port: ACPIShutDownDevPort}
}

func (a *ACPIShutDownDevice) Read(base uint64, data []byte) error {
	data[0] = 0

	return nil
}

// Write decodes a write to the device and reports whether it encoded a
// reboot request or an S5 (shutdown) request.
func (a *ACPIShutDownDevice) Write(base uint64, data []byte) (reboot, shutdown bool) {
	if len(data) == 0 {
		return false, false
	}

	if data[0] == 1 {
		return true, false
	}

	// The ACPI DSDT table specifies the S5 sleep state (shutdown) as value 5.
	if data[0] == (s5SleepVal<<sleepValBit)|(1<<sleepStatusENBit) {
		return false, true
	}

	return false, false
}

func (a *ACPIShutDownDevice) IOPort() uint64 {
	return a.Port
}

func (a *ACPIShutDownDevice) Size() uint64 {
	return 0x8
}
