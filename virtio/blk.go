package virtio

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/ec1-systems/microvmd/migration"
	"github.com/ec1-systems/microvmd/pci"
)

const (
	BlkIOPortStart = 0x6300
	BlkIOPortSize  = 0x100

	// VirtIO block status codes (virtio-v1.1 §5.2.6.3.1).
	blkStatusOK    = 0
	blkStatusIOErr = 1

	blkReqTypeIn  = 0 // read
	blkReqTypeOut = 1 // write

	sectorSize = 512
)

// BlkReq is the 16-byte request header a guest driver places as the first
// descriptor of every block request: operation type and starting sector.
type BlkReq struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

type blkHeader struct {
	capacity uint64
}

type blkHdr struct {
	commonHeader commonHeader
	blkHeader    blkHeader
}

func (h blkHdr) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// Blk is a legacy virtio-block device backed by a disk image file opened
// for random-access read/write.
type Blk struct {
	Hdr blkHdr

	VirtQueue     [1]*VirtQueue
	QueuePhysAddr [1]uint64
	Mem           []byte
	LastAvailIdx  [1]uint16

	kick chan struct{}

	irq         uint8
	IRQInjector IRQInjector

	mu       sync.Mutex
	disk     *os.File
	closed   bool
}

// NewBlk opens path as the backing disk image and starts no goroutines;
// callers run IOThreadEntry themselves (mirroring the teacher's net device
// thread-pair convention).
func NewBlk(path string, irq uint8, irqInjector IRQInjector, mem []byte) (*Blk, error) {
	disk, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	fi, err := disk.Stat()
	if err != nil {
		disk.Close()

		return nil, err
	}

	res := &Blk{
		Hdr: blkHdr{
			commonHeader: commonHeader{
				queueNUM: QueueSize,
				isr:      0x0,
			},
			blkHeader: blkHeader{
				capacity: uint64(fi.Size()) / sectorSize,
			},
		},
		irq:         irq,
		IRQInjector: irqInjector,
		kick:        make(chan struct{}, 1024),
		Mem:         mem,
		disk:        disk,
	}

	return res, nil
}

func (v *Blk) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		DeviceID:    0x1001,
		VendorID:    0x1AF4,
		HeaderType:  0,
		SubsystemID: 2, // Block Device
		Command:     1, // Enable IO port
		BAR: [6]uint32{
			BlkIOPortStart | 0x1,
		},
		InterruptPin:  1,
		InterruptLine: v.irq,
	}
}

func (v *Blk) IOInHandler(port uint64, bytes []byte) error {
	offset := int(port - BlkIOPortStart)

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

func (v *Blk) IOOutHandler(port uint64, bytes []byte) error {
	offset := int(port - BlkIOPortStart)

	switch offset {
	case 8:
		physAddr := uint32(pci.BytesToNum(bytes) * 4096)
		v.QueuePhysAddr[v.Hdr.commonHeader.queueSEL] = uint64(physAddr)
		v.VirtQueue[v.Hdr.commonHeader.queueSEL] = (*VirtQueue)(unsafe.Pointer(&v.Mem[physAddr]))
	case 14:
		v.Hdr.commonHeader.queueSEL = uint16(pci.BytesToNum(bytes))
	case 16:
		v.Hdr.commonHeader.isr = 0x0

		v.mu.Lock()
		if !v.closed {
			select {
			case v.kick <- struct{}{}:
			default:
			}
		}
		v.mu.Unlock()
	case 19:
	default:
	}

	return nil
}

func (v *Blk) GetIORange() (start, end uint64) {
	return BlkIOPortStart, BlkIOPortStart + BlkIOPortSize
}

// Read implements device.IODevice; like IOInHandler, it takes the absolute
// I/O port number.
func (v *Blk) Read(port uint64, bytes []byte) error {
	return v.IOInHandler(port, bytes)
}

// Write implements device.IODevice.
func (v *Blk) Write(port uint64, bytes []byte) error {
	return v.IOOutHandler(port, bytes)
}

// IOPort implements device.IODevice.
func (v *Blk) IOPort() uint64 {
	return BlkIOPortStart
}

// Size implements device.IODevice: the span of ports this device occupies.
func (v *Blk) Size() uint64 {
	return BlkIOPortSize
}

// IOThreadEntry services kicks until Close closes the kick channel.
func (v *Blk) IOThreadEntry() {
	for range v.kick {
		for v.IO() == nil {
		}
	}
}

// IO drains the request virtqueue, performing one disk read or write per
// descriptor chain and writing back a status byte, until the queue is
// empty.
func (v *Blk) IO() error {
	sel := uint16(0)

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
		headID := availRing.Ring[v.LastAvailIdx[sel]%QueueSize]

		reqDesc := q.DescTable[headID]
		dataDesc := q.DescTable[reqDesc.Next]
		statusDesc := q.DescTable[dataDesc.Next]

		req := (*BlkReq)(unsafe.Pointer(&v.Mem[reqDesc.Addr]))
		data := v.Mem[dataDesc.Addr : dataDesc.Addr+uint64(dataDesc.Len)]

		status := byte(blkStatusOK)

		switch req.Type {
		case blkReqTypeIn:
			if _, err := v.disk.ReadAt(data, int64(req.Sector)*sectorSize); err != nil && err != io.EOF {
				status = blkStatusIOErr
			}
		case blkReqTypeOut:
			if _, err := v.disk.WriteAt(data, int64(req.Sector)*sectorSize); err != nil {
				status = blkStatusIOErr
			}
		default:
			status = blkStatusIOErr
		}

		v.Mem[statusDesc.Addr] = status

		usedRing.Ring[usedRing.Idx%QueueSize] = UsedElem{
			Idx: uint32(headID),
			Len: dataDesc.Len + 1,
		}
		usedRing.Idx++
		v.LastAvailIdx[sel]++
	}

	v.Hdr.commonHeader.isr = 0x1

	return v.IRQInjector.InjectVirtioBlkIRQ()
}

// Close stops the IO thread and releases the backing disk file. Safe to
// call concurrently with Write/IOOutHandler kicks and safe to call more
// than once only the first time succeeds; subsequent calls report the
// already-closed file descriptor error from the OS.
func (v *Blk) Close() error {
	v.mu.Lock()
	alreadyClosed := v.closed
	v.closed = true
	if !alreadyClosed {
		close(v.kick)
	}
	v.mu.Unlock()

	return v.disk.Close()
}

// GetState captures enough of Blk's mutable state to restore it after the
// virtqueue memory itself has been replayed from a snapshot.
func (v *Blk) GetState() *migration.BlkState {
	hdrBytes, _ := v.Hdr.Bytes()

	return &migration.BlkState{
		HdrBytes:      hdrBytes,
		QueuePhysAddr: v.QueuePhysAddr,
		LastAvailIdx:  v.LastAvailIdx,
	}
}

// SetState restores Blk's header and virtqueue pointers. mem must already
// hold the restored guest memory contents the queue pointers index into.
func (v *Blk) SetState(s *migration.BlkState, mem []byte) {
	if s == nil {
		return
	}

	if len(s.HdrBytes) >= int(unsafe.Sizeof(v.Hdr)) {
		v.Hdr = *(*blkHdr)(unsafe.Pointer(&s.HdrBytes[0]))
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
