package kvm

import "fmt"

// Capability is a KVM_CAP_* extension identifier, probed with
// KVM_CHECK_EXTENSION before relying on the feature it names.
type Capability int

// A subset of the KVM_CAP_* space this module actually probes.
const (
	CapIRQChip        Capability = 0
	CapUserMemory     Capability = 3
	CapMPState        Capability = 14
	CapIOMMU          Capability = 18
	CapIRQRouting     Capability = 25
	CapNRMemSlots     Capability = 10
	CapKVMClockCtrl   Capability = 76
	CapUserfaultfdWP  Capability = 214
)

var capabilityNames = map[Capability]string{
	CapIRQChip:       "CapIRQChip",
	CapUserMemory:    "CapUserMemory",
	CapMPState:       "CapMPState",
	CapIOMMU:         "CapIOMMU",
	CapIRQRouting:    "CapIRQRouting",
	CapNRMemSlots:    "CapNRMemSlots",
	CapKVMClockCtrl:  "CapKVMClockCtrl",
	CapUserfaultfdWP: "CapUserfaultfdWP",
}

// String renders a Capability using its symbolic KVM_CAP_* name when known.
func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Capability(%d)", int(c))
}

// CheckExtension returns the capability's value: 0/1 for boolean
// capabilities, or a magnitude (e.g. max memory slots) for others.
func CheckExtension(kvmFd uintptr, cap Capability) (int, error) {
	ret, err := Ioctl(kvmFd, IIO(kvmCheckExtension), uintptr(cap))

	return int(ret), err
}
