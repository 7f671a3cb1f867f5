package virtio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/ec1-systems/microvmd/migration"
	"github.com/ec1-systems/microvmd/pci"
	"github.com/ec1-systems/microvmd/tap"
)

const (
	NetIOPortStart = 0x6200
	NetIOPortSize  = 0x100

	rxQueue = 0
	txQueue = 1
)

type netHeader struct {
	mac [6]uint8
}

type netHdr struct {
	commonHeader commonHeader
	netHeader    netHeader
}

func (h netHdr) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// Net is a legacy virtio-net device backed by a host tap interface.
type Net struct {
	Hdr netHdr

	VirtQueue     [2]*VirtQueue
	QueuePhysAddr [2]uint64
	Mem           []byte
	LastAvailIdx  [2]uint16

	tap *tap.Tap

	irq         uint8
	IRQInjector IRQInjector
}

// NewNet creates a virtio-net device whose tx/rx queues are pumped through
// tapDev once its thread entrypoints are started.
func NewNet(irq uint8, irqInjector IRQInjector, tapDev *tap.Tap, mem []byte) *Net {
	return &Net{
		Hdr: netHdr{
			commonHeader: commonHeader{
				queueNUM: QueueSize,
				isr:      0x0,
			},
			netHeader: netHeader{
				mac: [6]uint8{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
			},
		},
		irq:         irq,
		IRQInjector: irqInjector,
		tap:         tapDev,
		Mem:         mem,
	}
}

func (v Net) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		DeviceID:   0x1000,
		VendorID:   0x1AF4,
		HeaderType: 0,
		Command:    1, // Enable IO port
		BAR: [6]uint32{
			NetIOPortStart | 0x1,
		},
		InterruptPin:  1,
		InterruptLine: v.irq,
	}
}

func (v *Net) IOInHandler(port uint64, bytes []byte) error {
	offset := int(port - NetIOPortStart)

	b, err := v.Hdr.Bytes()
	if err != nil {
		return err
	}

	if offset+len(bytes) > len(b) {
		return nil
	}

	copy(bytes, b[offset:offset+len(bytes)])

	return nil
}

func (v *Net) IOOutHandler(port uint64, bytes []byte) error {
	offset := int(port - NetIOPortStart)

	switch offset {
	case 8:
		physAddr := uint32(pci.BytesToNum(bytes) * 4096)
		sel := v.Hdr.commonHeader.queueSEL
		v.QueuePhysAddr[sel] = uint64(physAddr)
		v.VirtQueue[sel] = nil

		// A queue that does not fit inside guest memory is recorded but left
		// unmapped, so the device treats it as not set up.
		if uint64(physAddr)+uint64(unsafe.Sizeof(VirtQueue{})) <= uint64(len(v.Mem)) {
			v.VirtQueue[sel] = (*VirtQueue)(unsafe.Pointer(&v.Mem[physAddr]))
		}
	case 14:
		v.Hdr.commonHeader.queueSEL = uint16(pci.BytesToNum(bytes))
	case 16:
		sel := v.Hdr.commonHeader.queueSEL
		v.Hdr.commonHeader.isr = 0x0

		if sel == txQueue {
			if err := v.processTx(); err != nil && err != ErrNoTxPacket {
				return err
			}
		}
	case 19:
	default:
	}

	return nil
}

func (v Net) GetIORange() (start, end uint64) {
	return NetIOPortStart, NetIOPortStart + NetIOPortSize
}

func (v *Net) processTx() error {
	sel := uint16(txQueue)
	q := v.VirtQueue[sel]

	if q == nil {
		return ErrNoTxPacket
	}

	availRing := &q.AvailRing
	usedRing := &q.UsedRing

	if v.LastAvailIdx[sel] == availRing.Idx {
		return ErrNoTxPacket
	}

	for v.LastAvailIdx[sel] != availRing.Idx {
		descID := availRing.Ring[v.LastAvailIdx[sel]%QueueSize]
		headID := descID

		var total uint32

		for {
			desc := q.DescTable[descID]
			if desc.Len > 0 {
				if err := v.tap.Tx(v.Mem[desc.Addr : desc.Addr+uint64(desc.Len)]); err != nil {
					return fmt.Errorf("virtio-net tap tx: %w", err)
				}

				total += desc.Len
			}

			if desc.Flags&0x1 == 0 { // VRING_DESC_F_NEXT
				break
			}

			descID = desc.Next
		}

		usedRing.Ring[usedRing.Idx%QueueSize] = UsedElem{Idx: uint32(headID), Len: total}
		usedRing.Idx++
		v.LastAvailIdx[sel]++
	}

	v.Hdr.commonHeader.isr = 0x1

	return v.IRQInjector.InjectVirtioNetIRQ()
}

// RxThreadEntry reads packets from the tap device and places them into the
// rx virtqueue, injecting an interrupt for each one delivered.
func (v *Net) RxThreadEntry() {
	buf := make([]byte, 4096)

	for {
		n, err := v.tap.Rx(buf)
		if err != nil {
			return
		}

		if err := v.deliverRx(buf[:n]); err != nil {
			continue
		}
	}
}

func (v *Net) deliverRx(pkt []byte) error {
	sel := uint16(rxQueue)
	q := v.VirtQueue[sel]

	if q == nil {
		return ErrNoTxPacket
	}

	availRing := &q.AvailRing
	usedRing := &q.UsedRing

	if v.LastAvailIdx[sel] == availRing.Idx {
		return ErrNoTxPacket
	}

	descID := availRing.Ring[v.LastAvailIdx[sel]%QueueSize]
	desc := q.DescTable[descID]

	n := copy(v.Mem[desc.Addr:desc.Addr+uint64(desc.Len)], pkt)

	usedRing.Ring[usedRing.Idx%QueueSize] = UsedElem{Idx: uint32(descID), Len: uint32(n)}
	usedRing.Idx++
	v.LastAvailIdx[sel]++

	v.Hdr.commonHeader.isr = 0x1

	return v.IRQInjector.InjectVirtioNetIRQ()
}

// TxThreadEntry exists for parity with the rx side; transmission is
// event-driven off virtqueue kicks (see IOOutHandler) rather than polled, so
// this loop only needs to exist as a goroutine entrypoint callers can start.
func (v *Net) TxThreadEntry() {
}

// GetState captures enough of Net's mutable state to restore it after the
// virtqueue memory itself has been replayed from a snapshot.
func (v *Net) GetState() *migration.NetState {
	hdrBytes, _ := v.Hdr.Bytes()

	return &migration.NetState{
		HdrBytes:      hdrBytes,
		QueuePhysAddr: v.QueuePhysAddr,
		LastAvailIdx:  v.LastAvailIdx,
	}
}

// SetState restores Net's header and virtqueue pointers. mem must already
// hold the restored guest memory contents the queue pointers index into.
func (v *Net) SetState(s *migration.NetState, mem []byte) {
	if s == nil {
		return
	}

	if len(s.HdrBytes) >= int(unsafe.Sizeof(v.Hdr)) {
		v.Hdr = *(*netHdr)(unsafe.Pointer(&s.HdrBytes[0]))
	}

	v.QueuePhysAddr = s.QueuePhysAddr
	v.LastAvailIdx = s.LastAvailIdx
	v.Mem = mem

	for i, addr := range s.QueuePhysAddr {
		if addr != 0 {
			v.VirtQueue[i] = (*VirtQueue)(unsafe.Pointer(&mem[addr]))
		}
	}
}
