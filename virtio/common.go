// Package virtio implements the legacy (pre-1.0, transitional) virtio-pci
// device model: a common configuration header shared by every device type,
// plus a split virtqueue laid out directly in guest memory the way the
// legacy spec puts it (no separate descriptor/driver/device areas).
package virtio

import "errors"

// QueueSize is the number of descriptors in every virtqueue this module
// creates. Fixed rather than negotiated, matching the legacy transitional
// devices below.
const QueueSize = 32

// ErrNoTxPacket indicates a kick arrived with nothing new in the avail ring.
var ErrNoTxPacket = errors.New("virtio: no packet available in queue")

// IRQInjector lets a virtio device ask its owning machine to raise its
// legacy INTx line without depending on the machine package directly.
type IRQInjector interface {
	InjectVirtioBlkIRQ() error
	InjectVirtioNetIRQ() error
}

// commonHeader is the legacy virtio-pci common configuration header, read
// and written through the device's I/O port BAR.
type commonHeader struct {
	hostFeatures  uint32
	guestFeatures uint32
	queuePFN      uint32
	queueNUM      uint16
	querySEL      uint16
	queueSEL      uint16
	queueNotify   uint16
	status        uint8
	isr           uint8
}

// Desc is one virtqueue descriptor.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// AvailRing is the driver-owned (guest-to-device) ring of descriptor chain
// heads ready to be processed.
type AvailRing struct {
	Flags     uint16
	Idx       uint16
	Ring      [QueueSize]uint16
	UsedEvent uint16
}

// UsedElem records one completed descriptor chain: its head index and the
// number of bytes the device wrote into it.
type UsedElem struct {
	Idx uint32
	Len uint32
}

// UsedRing is the device-owned (device-to-guest) ring of completed
// descriptor chains.
type UsedRing struct {
	Flags      uint16
	Idx        uint16
	Ring       [QueueSize]UsedElem
	availEvent uint16
}

// VirtQueue is the legacy split-ring layout: descriptor table, avail ring,
// and used ring packed contiguously starting at a guest-physical page
// boundary, as a guest's virtio driver expects to find it after writing the
// queue's PFN.
type VirtQueue struct {
	DescTable [QueueSize]Desc
	AvailRing AvailRing
	_         [4096 - ((QueueSize*16 + 6 + QueueSize*2) % 4096)]uint8
	UsedRing  UsedRing
}
