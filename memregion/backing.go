package memregion

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// anonymousPrivate is zero-initialized, copy-on-write memory: the default
// backing for a fresh boot.
type anonymousPrivate struct{}

// NewAnonymousPrivate returns the AnonymousPrivate backing.
func NewAnonymousPrivate() Backing { return anonymousPrivate{} }

func (anonymousPrivate) Kind() BackingKind { return AnonymousPrivate }

func (anonymousPrivate) Install(r *Region) error {
	mem, err := unix.Mmap(-1, 0, int(r.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("%w: anonymous mmap: %v", ErrBackingUnavailable, err)
	}

	r.HostMem = mem

	return nil
}

// preinstalled wraps a host byte slice the caller already mapped (or owns
// outright), so a region can describe memory that predates the Manager —
// e.g. the flat guest-physical slab a running Machine already mmap'd at
// boot. Installing it never calls mmap itself.
type preinstalled struct {
	mem []byte
}

// NewPreinstalled returns a backing that assigns mem directly as the
// region's host mapping without mapping anything itself. Reported as
// AnonymousPrivate since that is how the memory was actually obtained.
func NewPreinstalled(mem []byte) Backing { return preinstalled{mem: mem} }

func (preinstalled) Kind() BackingKind { return AnonymousPrivate }

func (b preinstalled) Install(r *Region) error {
	if uint64(len(b.mem)) != r.Length {
		return fmt.Errorf("%w: preinstalled mem is %d bytes, region is %d", ErrBackingUnavailable, len(b.mem), r.Length)
	}

	r.HostMem = b.mem

	return nil
}

// filePrivateMmap fault-populates memory from a regular file; writes are
// COW and never written back. Used when restoring from a plain memory
// file.
type filePrivateMmap struct {
	Path   string
	Offset int64
}

// NewFilePrivateMmap returns a FilePrivateMmap backing reading region
// bytes from path starting at offset.
func NewFilePrivateMmap(path string, offset int64) Backing {
	return filePrivateMmap{Path: path, Offset: offset}
}

func (filePrivateMmap) Kind() BackingKind { return FilePrivateMmap }

func (b filePrivateMmap) Install(r *Region) error {
	f, err := os.Open(b.Path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrBackingUnavailable, b.Path, err)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), b.Offset, int(r.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("%w: mmap %s: %v", ErrBackingUnavailable, b.Path, err)
	}

	r.HostMem = mem

	return nil
}

// fileSharedMmap maps a regular file MAP_SHARED: writes are visible to
// other mappers and written back to the file.
type fileSharedMmap struct {
	Path   string
	Offset int64
}

// NewFileSharedMmap returns a FileSharedMmap backing.
func NewFileSharedMmap(path string, offset int64) Backing {
	return fileSharedMmap{Path: path, Offset: offset}
}

func (fileSharedMmap) Kind() BackingKind { return FileSharedMmap }

func (b fileSharedMmap) Install(r *Region) error {
	f, err := os.OpenFile(b.Path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrBackingUnavailable, b.Path, err)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), b.Offset, int(r.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mmap %s: %v", ErrBackingUnavailable, b.Path, err)
	}

	r.HostMem = mem

	return nil
}

// daxMapped backs the region's guest-physical pages with pre-populated
// PMEM on a device-DAX node. Writes go to a COW anonymous overlay
// allocated on first write: the caller requests this by mapping private.
type daxMapped struct {
	DaxDevice string
	DaxOffset int64
}

// NewDaxMapped returns a DaxMapped backing reading region bytes from a
// device-DAX node starting at daxOffset.
func NewDaxMapped(daxDevice string, daxOffset int64) Backing {
	return daxMapped{DaxDevice: daxDevice, DaxOffset: daxOffset}
}

func (daxMapped) Kind() BackingKind { return DaxMapped }

func (b daxMapped) Install(r *Region) error {
	f, err := os.OpenFile(b.DaxDevice, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: open dax device %s: %v", ErrBackingUnavailable, b.DaxDevice, err)
	}
	defer f.Close()

	// MAP_PRIVATE so first guest write allocates a COW anonymous overlay
	// page rather than mutating the shared PMEM extent directly.
	mem, err := unix.Mmap(int(f.Fd()), b.DaxOffset, int(r.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("%w: mmap dax %s: %v", ErrBackingUnavailable, b.DaxDevice, err)
	}

	r.HostMem = mem

	return nil
}

// uffdRegistered reserves the region's address space with an anonymous
// mapping and marks it for external registration with the host userfault
// facility; residency is then established by uffd.Handler (§4.E).
type uffdRegistered struct {
	RegionID string
}

// NewUffdRegistered returns a UffdRegistered backing identified by
// regionID (the token advertised over the UFFD handshake).
func NewUffdRegistered(regionID string) Backing { return uffdRegistered{RegionID: regionID} }

func (uffdRegistered) Kind() BackingKind { return UffdRegistered }

func (b uffdRegistered) Install(r *Region) error {
	mem, err := unix.Mmap(-1, 0, int(r.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("%w: reserve uffd region: %v", ErrBackingUnavailable, err)
	}

	r.HostMem = mem

	return nil
}
