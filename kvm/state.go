package kvm

import "unsafe"

// MSREntry is one index/value pair in an MSRS buffer.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// MSRS is a variable-length list of MSREntry. The kernel ABI is a flexible
// array member; Entries must be sized to NMSRs before the ioctl.
type MSRS struct {
	NMSRs   uint32
	_       [3]uint32
	Entries []MSREntry
}

// GetMSRs reads the MSRs named by msrs.Entries[i].Index into
// msrs.Entries[i].Data.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, unsafe.Sizeof(MSRS{})), uintptr(unsafe.Pointer(msrs)))

	return err
}

// SetMSRs writes msrs.Entries[i].Data into the MSR named by Index.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, unsafe.Sizeof(MSRS{})), uintptr(unsafe.Pointer(msrs)))

	return err
}

// LAPICState is the 1 KiB local-APIC register block KVM exposes verbatim.
type LAPICState struct {
	Regs [1024]byte
}

// GetLocalAPIC reads the local APIC state of a vcpu.
func GetLocalAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(s)))

	return err
}

// SetLocalAPIC writes the local APIC state of a vcpu.
func SetLocalAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(s)))

	return err
}

// VCPUEvents captures pending exceptions, interrupts, and NMI state that
// does not live in Regs/Sregs but must still cross a snapshot boundary.
type VCPUEvents struct {
	InjectedException   uint8
	InjectedNR          uint8
	InjectedHasErrorCode uint8
	InjectedPad         uint8
	InjectedErrorCode   uint32

	ExceptionPending    uint8
	ExceptionHasPayload uint8
	ExceptionPad        uint8
	_                   uint8
	ExceptionNR         uint32
	ExceptionErrorCode  uint32
	ExceptionPayload    uint64

	Interrupt struct {
		Injected uint8
		NR       uint8
		SoftIRQ  uint8
		_        [5]uint8
	}

	NMI struct {
		Injected uint8
		Pending  uint8
		Masked   uint8
		_        uint8
	}

	SIPIVector uint32
	Flags      uint32
	SMI        struct {
		SMM          uint8
		Pending      uint8
		SMMInsideNMI uint8
		LatchedInit  uint8
	}
	_ [27]uint32
}

// GetVCPUEvents reads pending-event state for a vcpu.
func GetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(e)))

	return err
}

// SetVCPUEvents writes pending-event state for a vcpu.
func SetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(e)))

	return err
}

// MPState is a vcpu's multiprocessing state (runnable, halted, init, SIPI).
type MPState struct {
	State uint32
}

// GetMPState reads a vcpu's MP state.
func GetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetMPState, unsafe.Sizeof(MPState{})), uintptr(unsafe.Pointer(s)))

	return err
}

// SetMPState writes a vcpu's MP state.
func SetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMPState, unsafe.Sizeof(MPState{})), uintptr(unsafe.Pointer(s)))

	return err
}

// XCRS holds the extended control registers (XCR0 and friends) that gate
// AVX/AVX-512 state.
type XCRS struct {
	NRXCRS uint32
	_      uint32
	XCRS   [16]struct {
		XCR   uint32
		_     uint32
		Value uint64
	}
	_ [16]uint64
}

// GetXCRS reads extended control registers for a vcpu.
func GetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(x)))

	return err
}

// SetXCRS writes extended control registers for a vcpu.
func SetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(x)))

	return err
}

// ClockData is the VM-wide kvmclock value; restoring it lets a resumed
// guest observe a monotonically-advancing clock instead of jumping back to
// the value at snapshot creation.
type ClockData struct {
	Clock uint64
	Flags uint32
	_     uint32
	_     [2]uint64
}

// GetClock reads the VM's kvmclock.
func GetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetClock, unsafe.Sizeof(ClockData{})), uintptr(unsafe.Pointer(c)))

	return err
}

// SetClock writes the VM's kvmclock.
func SetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetClock, unsafe.Sizeof(ClockData{})), uintptr(unsafe.Pointer(c)))

	return err
}

// IRQChip is one of the three legacy interrupt controllers KVM emulates:
// master PIC (ChipID 0), slave PIC (1), or IOAPIC (2).
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

// GetIRQChip reads one IRQ chip's state.
func GetIRQChip(vmFd uintptr, c *IRQChip) error {
	_, err := Ioctl(vmFd, IIOWR(kvmGetIRQChip, unsafe.Sizeof(IRQChip{})), uintptr(unsafe.Pointer(c)))

	return err
}

// SetIRQChip writes one IRQ chip's state.
func SetIRQChip(vmFd uintptr, c *IRQChip) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetIRQChip, unsafe.Sizeof(IRQChip{})), uintptr(unsafe.Pointer(c)))

	return err
}

// PITState2 is the programmable interval timer's full channel state.
type PITState2 struct {
	Channels [3]struct {
		Count    uint32
		LatchedCount uint16
		CountLatched uint8
		StatusLatched uint8
		Status   uint8
		ReadState uint8
		WriteState uint8
		WriteLatch uint8
		RWMode   uint8
		Mode     uint8
		BCD      uint8
		Gate     uint8
		CountLoadTime int64
	}
	Flags uint32
	_     [9]uint32
}

// GetPIT2 reads the PIT's state.
func GetPIT2(vmFd uintptr, p *PITState2) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetPIT2, unsafe.Sizeof(PITState2{})), uintptr(unsafe.Pointer(p)))

	return err
}

// SetPIT2 writes the PIT's state.
func SetPIT2(vmFd uintptr, p *PITState2) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetPIT2, unsafe.Sizeof(PITState2{})), uintptr(unsafe.Pointer(p)))

	return err
}
