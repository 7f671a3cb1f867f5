// Package bootparam builds the Linux "zero page" (struct boot_params) that
// a bzImage kernel expects at its entry point: the setup_header copied out
// of the image itself, plus the E820 memory map the bootloader is
// responsible for filling in.
//
// https://www.kernel.org/doc/html/latest/x86/boot.html
package bootparam

import (
	"bytes"
	"encoding/binary"

	"github.com/ec1-systems/microvmd/bootproto"
)

// Layout offsets within struct boot_params, as defined by the x86 boot
// protocol: e820_entries at 0x1E8, setup_header at 0x1F1, e820_table at
// 0x2D0.
const (
	e820EntriesOffset = 0x1E8
	hdrOffset         = 0x1F1
	e820TableOffset   = 0x2D0
	maxE820Entries    = 128

	zeroPageSize = 4096
)

// setup_header.loadflags bits.
const (
	LoadedHigh   = 1 << 0
	KeepSegments = 1 << 6
	CanUseHeap   = 1 << 7
)

// E820 region types.
const (
	E820Ram      = 1
	E820Reserved = 2
)

// Reference addresses used to build the memory map a minimal VMM must
// report to the guest, taken from the PC platform's conventional layout.
const (
	RealModeIvtBegin = 0x0
	EBDAStart        = 0x9fc00
	VGARAMBegin      = 0xa0000
	MBBIOSBegin      = 0xf0000
	MBBIOSEnd        = 0x100000
)

// E820Entry is one entry of the e820_table array.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// BootParam is struct boot_params: setup_header plus the E820 map, with the
// surrounding zero page otherwise left blank.
type BootParam struct {
	Hdr         bootproto.BootProto
	e820Entries uint8
	e820Table   [maxE820Entries]E820Entry
}

// New reads the setup_header out of the bzImage at bzImagePath.
func New(bzImagePath string) (*BootParam, error) {
	hdr, err := bootproto.New(bzImagePath)
	if err != nil {
		return nil, err
	}

	return &BootParam{Hdr: *hdr}, nil
}

// AddE820Entry appends one region to the E820 memory map.
func (b *BootParam) AddE820Entry(addr, size uint64, typ uint32) {
	if int(b.e820Entries) >= maxE820Entries {
		return
	}

	b.e820Table[b.e820Entries] = E820Entry{Addr: addr, Size: size, Type: typ}
	b.e820Entries++
}

// Bytes renders the zero page: a zeroed 4096-byte page with the e820 count,
// setup_header, and e820 table written at their fixed offsets.
func (b *BootParam) Bytes() ([]byte, error) {
	page := make([]byte, zeroPageSize)

	page[e820EntriesOffset] = b.e820Entries

	hdrBytes := new(bytes.Buffer)
	if err := binary.Write(hdrBytes, binary.LittleEndian, b.Hdr); err != nil {
		return nil, err
	}

	copy(page[hdrOffset:], hdrBytes.Bytes())

	tableBytes := new(bytes.Buffer)
	if err := binary.Write(tableBytes, binary.LittleEndian, b.e820Table[:b.e820Entries]); err != nil {
		return nil, err
	}

	copy(page[e820TableOffset:], tableBytes.Bytes())

	return page, nil
}
