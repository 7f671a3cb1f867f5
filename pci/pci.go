// Package pci emulates just enough of a PCI host bridge's configuration
// space access mechanism #1 (ports 0xCF8/0xCFC) for a handful of statically
// attached devices: no bus enumeration, no capability lists beyond what a
// guest's virtio-pci driver needs to find its BARs.
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
package pci

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return ((uint32(a) >> 31) | 0x1) == 0x1
}

// DeviceHeader is a type 0/type 1 PCI configuration header, laid out to
// match the in-memory format the guest reads byte-for-byte through the
// 0xCFC data port.
type DeviceHeader struct {
	VendorID                uint16
	DeviceID                uint16
	Command                 uint16
	Status                  uint16
	RevisionID              uint8
	ClassCode               [3]uint8
	CacheLineSize           uint8
	LatencyTimer            uint8
	HeaderType              uint8
	BIST                    uint8
	BAR                     [6]uint32
	CardbusCISPointer       uint32
	SubsystemVendorID       uint16
	SubsystemID             uint16
	ExpansionROMBaseAddress uint32
	CapabilitiesPointer     uint8
	Reserved                [7]uint8
	InterruptLine           uint8
	InterruptPin            uint8
	MinGnt                  uint8
	MaxLat                  uint8
}

func (h *DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// Device is anything with a PCI configuration header and a block of I/O
// ports it handles itself. The PCI bridge and every virtio-pci device
// implement it.
type Device interface {
	GetDeviceHeader() DeviceHeader
	IOInHandler(port uint64, bytes []byte) error
	IOOutHandler(port uint64, bytes []byte) error
	GetIORange() (start, end uint64)
}

// PCI is the configuration-space state machine: the last address written to
// 0xCF8, and the ordered list of devices that occupy slots 0..len(Devices).
type PCI struct {
	addr    address
	Devices []Device
}

// New builds a PCI host bridge with devices occupying successive slots in
// the order given; slot 0 is conventionally the bridge itself.
func New(devices ...Device) *PCI {
	return &PCI{Devices: devices}
}

// PciConfDataIn serves a read from the 0xCFC..0xCFF data ports using the
// address latched by the most recent PciConfAddrOut.
func (p *PCI) PciConfDataIn(port uint64, values []byte) error {
	// offset can be obtained from many sources as below:
	//        (address from IO port 0xcf8) & 0xfc + (IO port address for Data) - 0xCFC
	// see pci_conf1_read in linux/arch/x86/pci/direct.c for more detail.

	offset := int(p.addr.getRegisterOffset() + uint32(port-0xCFC))

	if p.addr.getBusNumber() != 0 {
		return nil
	}

	if p.addr.getFunctionNumber() != 0 {
		return nil
	}

	slot := int(p.addr.getDeviceNumber())

	if slot >= len(p.Devices) {
		return nil
	}

	hdr := p.Devices[slot].GetDeviceHeader()

	b, err := hdr.Bytes()
	if err != nil {
		return err
	}

	if offset+len(values) > len(b) {
		return nil
	}

	copy(values, b[offset:offset+len(values)])

	return nil
}

// PciConfDataOut serves a write to the data ports. Only BAR writes need to
// be observed by real hardware; this bridge does not relocate BARs, so
// writes are acknowledged and discarded.
func (p *PCI) PciConfDataOut(port uint64, values []byte) error {
	return nil
}

// PciConfAddrIn reads back the currently latched config address.
func (p *PCI) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	values[3] = uint8((p.addr >> 24) & 0xff)
	values[2] = uint8((p.addr >> 16) & 0xff)
	values[1] = uint8((p.addr >> 8) & 0xff)
	values[0] = uint8((p.addr >> 0) & 0xff)

	return nil
}

// PciConfAddrOut latches a new config address for the next data-port access.
func (p *PCI) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return fmt.Errorf("pci: config address write must be 4 bytes, got %d", len(values))
	}

	x := uint32(0)
	x |= uint32(values[3]) << 24
	x |= uint32(values[2]) << 16
	x |= uint32(values[1]) << 8
	x |= uint32(values[0]) << 0

	p.addr = address(x)

	return nil
}

// BytesToNum interprets a little-endian byte slice (as handed to an
// IOOutHandler) as an unsigned integer.
func BytesToNum(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = (v << 8) | uint64(b[i])
	}

	return v
}
