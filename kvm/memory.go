package kvm

import "unsafe"

// UserspaceMemoryRegion describes a KVM_SET_USER_MEMORY_REGION slot: a
// contiguous range of guest-physical address space backed by a host
// userspace mapping.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const (
	memFlagLogDirtyPages = 1 << 0
	memFlagReadonly      = 1 << 1
)

// SetMemLogDirtyPages marks the slot for dirty-page logging, the mechanism
// memregion.Manager uses to back GuestMemoryRegion's dirty-tracked flag.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= memFlagLogDirtyPages
}

// SetMemReadonly marks the slot read-only from the guest's perspective.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= memFlagReadonly
}

// SetUserMemoryRegion installs or updates a memory slot on a VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}

// DirtyLog is the argument to KVM_GET_DIRTY_LOG: BitMap must point at a
// buffer of at least ceil(len/page_size/64) uint64 words, cleared
// atomically by the kernel as it is read.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	BitMap uint64
}

// GetDirtyLog retrieves and atomically clears the dirty bitmap for a slot.
func GetDirtyLog(vmFd uintptr, dl *DirtyLog) error {
	_, err := Ioctl(vmFd, IIOW(kvmGetDirtyLog, unsafe.Sizeof(DirtyLog{})), uintptr(unsafe.Pointer(dl)))

	return err
}
