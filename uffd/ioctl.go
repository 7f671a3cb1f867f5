// Package uffd implements both halves of the page-fault handler protocol
// (§4.E): an in-process Registrar that owns the host userfault facility
// for registered regions, and a Handler endpoint that receives faults on a
// local stream socket and replies with fills.
//
// Ground: other_examples/buildbuddy-io-buildbuddy__uffd.go (poll-driven
// fault loop, UFFDIO_COPY via raw ioctl, SCM_RIGHTS fd handoff) and
// other_examples/e2b-dev-infra__mapping.go (region range lookup) — both
// Firecracker-adjacent Go ports of this exact kernel protocol.
package uffd

import (
	"fmt"
	"syscall"
	"unsafe"
)

// ioctl request numbers, encoded the same way Linux's _IOC macros do; the
// userfaultfd magic is 0xAA. Mirrors the encoding kvm.IIOW/IIOR/IIOWR use
// for /dev/kvm's 0xAE magic.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	uffdIOC = 0xAA
)

func ioc(dir, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (uffdIOC << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

var (
	uffdioAPIIoctl      = ioc(iocWrite|iocRead, 0x3F, unsafe.Sizeof(uffdioAPI{}))
	uffdioRegisterIoctl = ioc(iocWrite|iocRead, 0x00, unsafe.Sizeof(uffdioRegister{}))
	uffdioCopyIoctl     = ioc(iocWrite|iocRead, 0x03, unsafe.Sizeof(uffdioCopy{}))
	uffdioZeropageIoctl = ioc(iocWrite|iocRead, 0x04, unsafe.Sizeof(uffdioZeropage{}))
	uffdioContinueIoctl = ioc(iocWrite|iocRead, 0x07, unsafe.Sizeof(uffdioContinue{}))
)

const (
	sysUserfaultfd = 323 // x86-64 __NR_userfaultfd

	uffdAPI = 0xAA

	uffdioRegisterModeMissing = 1 << 0

	uffdioCopyModeDontWake = 1 << 0

	uffEventPagefault = 0x12

	uffdPagefaultFlagWrite = 1 << 0
)

type uffdioAPI struct {
	API         uint64
	Features    uint64
	IoctlsCount uint64
}

type uffdioRange struct {
	Start uint64
	Len   uint64
}

type uffdioRegister struct {
	Range      uffdioRange
	Mode       uint64
	IoctlsMask uint64
}

type uffdioCopy struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

type uffdioZeropage struct {
	Range    uffdioRange
	Mode     uint64
	Zeropage int64
}

type uffdioContinue struct {
	Range   uffdioRange
	Mode    uint64
	MapType int64
}

// pageFaultMsg is a notification read from the userfault fd about one faulting
// access, matching struct uffd_msg's pagefault arm in userfaultfd.h.
type pageFaultMsg struct {
	Event uint8

	_ uint8
	_ uint16
	_ uint32

	PageFault struct {
		Flags   uint64
		Address uint64
		Ptid    uint32
		_       uint32
	}
}

// addressOf returns the host-virtual address of data's backing array, used
// as the Src field of a UFFDIO_COPY request.
func addressOf(data []byte) uintptr {
	if len(data) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&data[0]))
}

func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}

// openUserfaultfd creates a new userfaultfd and negotiates the API.
func openUserfaultfd() (uintptr, error) {
	fd, _, errno := syscall.Syscall(sysUserfaultfd, uintptr(0), 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("userfaultfd: %w", errno)
	}

	api := uffdioAPI{API: uffdAPI}
	if err := ioctl(fd, uffdioAPIIoctl, unsafe.Pointer(&api)); err != nil {
		syscall.Close(int(fd))

		return 0, fmt.Errorf("UFFDIO_API: %w", err)
	}

	return fd, nil
}

// registerRange arms missing-page faulting for [start, start+length).
func registerRange(uffd uintptr, start, length uint64) error {
	reg := uffdioRegister{
		Range: uffdioRange{Start: start, Len: length},
		Mode:  uffdioRegisterModeMissing,
	}

	return ioctl(uffd, uffdioRegisterIoctl, unsafe.Pointer(&reg))
}

// copyFill fills dst with length bytes read from address src, waking
// the faulting thread.
func copyFill(uffd uintptr, dst uint64, src uint64, length uint64) error {
	c := uffdioCopy{Dst: dst, Src: src, Len: length}

	return ioctl(uffd, uffdioCopyIoctl, unsafe.Pointer(&c))
}

// zeroFill installs a zero page at [dst, dst+length).
func zeroFill(uffd uintptr, dst uint64, length uint64) error {
	z := uffdioZeropage{Range: uffdioRange{Start: dst, Len: length}}

	return ioctl(uffd, uffdioZeropageIoctl, unsafe.Pointer(&z))
}

// continueFill instructs the kernel to install an already-present shared
// page at [dst, dst+length) without copying (for DAX-backed regions).
func continueFill(uffd uintptr, dst uint64, length uint64) error {
	c := uffdioContinue{Range: uffdioRange{Start: dst, Len: length}}

	return ioctl(uffd, uffdioContinueIoctl, unsafe.Pointer(&c))
}

// readFault reads one pending fault notification off uffd.
func readFault(uffd uintptr) (addr uint64, write bool, err error) {
	var msg pageFaultMsg

	_, _, errno := syscall.Syscall(syscall.SYS_READ, uffd, uintptr(unsafe.Pointer(&msg)), unsafe.Sizeof(msg))
	if errno != 0 {
		return 0, false, errno
	}

	if msg.Event != uffEventPagefault {
		return 0, false, fmt.Errorf("unexpected uffd event %d", msg.Event)
	}

	return msg.PageFault.Address, msg.PageFault.Flags&uffdPagefaultFlagWrite != 0, nil
}
