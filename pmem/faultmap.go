// Package pmem implements device-DAX backed relocation: walking a memory
// file page by page and copying populated pages into a byte-addressable
// persistent-memory region, recording a FaultMap the restore side serves
// faults from directly (§4.C "PMEM relocation").
package pmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Tag is the FaultMap entry discriminator of §6.
type Tag uint8

const (
	Absent Tag = iota
	DaxPage
	FileOffset
	Zero
)

// entrySize is the on-disk size of one FaultMap entry: {tag: u8, payload: u64}.
const entrySize = 1 + 8

// Entry is one FaultMap record, indexed implicitly by guest page number.
type Entry struct {
	Tag     Tag
	Payload uint64 // DAX page index (DaxPage) or byte offset (FileOffset); unused otherwise
}

// FaultMap is the ordered guest-page-index -> {dax_page_index, source_tag}
// table built by the snapshot writer during relocation and read-only at
// restore.
type FaultMap struct {
	PageSize int
	Entries  []Entry
}

// Encode serializes the FaultMap as a flat array of fixed-size entries,
// matching §6's FaultMap file layout.
func (f *FaultMap) Encode(w io.Writer) error {
	buf := make([]byte, entrySize)

	for _, e := range f.Entries {
		buf[0] = byte(e.Tag)
		binary.LittleEndian.PutUint64(buf[1:], e.Payload)

		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write fault map entry: %w", err)
		}
	}

	return nil
}

var errShortEntry = errors.New("short fault map entry")

// DecodeFaultMap parses the flat array format Encode produces.
func DecodeFaultMap(r io.Reader, pageSize int) (*FaultMap, error) {
	fm := &FaultMap{PageSize: pageSize}
	buf := make([]byte, entrySize)

	for {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}

		if err != nil {
			if n > 0 {
				return nil, errShortEntry
			}

			return nil, fmt.Errorf("read fault map entry: %w", err)
		}

		fm.Entries = append(fm.Entries, Entry{
			Tag:     Tag(buf[0]),
			Payload: binary.LittleEndian.Uint64(buf[1:]),
		})
	}

	return fm, nil
}

// Allocator hands out free DAX pages on a device-DAX node and copies page
// contents into them via a non-temporal-style write path (mmap + direct
// copy, bypassing the page cache since device-DAX has none).
type Allocator struct {
	dev      *os.File
	mem      []byte
	pageSize int
	next     uint64
}

// NewAllocator opens devicePath (e.g. /dev/dax0.0) and maps its full
// length for page allocation.
func NewAllocator(devicePath string, length int, pageSize int) (*Allocator, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open dax device %s: %w", devicePath, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("mmap dax device %s: %w", devicePath, err)
	}

	return &Allocator{dev: f, mem: mem, pageSize: pageSize}, nil
}

// Close unmaps the device and closes its file descriptor.
func (a *Allocator) Close() error {
	if err := unix.Munmap(a.mem); err != nil {
		return err
	}

	return a.dev.Close()
}

var errDaxExhausted = errors.New("dax device exhausted")

// AllocatePage returns a free DAX page index and copies page into it.
func (a *Allocator) AllocatePage(page []byte) (daxPageIndex uint64, err error) {
	if (a.next+1)*uint64(a.pageSize) > uint64(len(a.mem)) {
		return 0, errDaxExhausted
	}

	idx := a.next
	off := idx * uint64(a.pageSize)
	copy(a.mem[off:off+uint64(a.pageSize)], page)
	a.next++

	return idx, nil
}

// PageBytes returns the host mapping of DAX page idx, used by the uffd
// handler to serve a continue fill directly from the pre-installed
// mapping.
func (a *Allocator) PageBytes(idx uint64) []byte {
	off := idx * uint64(a.pageSize)

	return a.mem[off : off+uint64(a.pageSize)]
}
