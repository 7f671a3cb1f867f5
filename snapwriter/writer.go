// Package snapwriter implements the snapshot writer (§4.C): pause
// precondition, device quiescence, state capture, full or diff memory
// emission, and optional relocation of the memory image to a device-DAX
// PMEM region.
package snapwriter

import (
	"errors"
	"fmt"
	"os"

	"github.com/ec1-systems/microvmd/device"
	"github.com/ec1-systems/microvmd/memregion"
	"github.com/ec1-systems/microvmd/pmem"
	"github.com/ec1-systems/microvmd/snapshot"
	"github.com/ec1-systems/microvmd/vmstate"
	"github.com/sirupsen/logrus"
)

// Kind selects between a full memory image and a diff against the dirty
// bitmap collected since the previous snapshot point.
type Kind int

const (
	Full Kind = iota
	Diff
)

// VMStateSource is the minimal capability the writer needs from the VMM to
// capture vCPU and VM-level hardware state without importing the machine
// package directly (avoiding a snapwriter<->machine import cycle).
type VMStateSource interface {
	Paused() bool
	NCPU() int
	CaptureVCPUState(cpu int) (vmstate.VCPUState, error)
	CaptureVMState() (vmstate.VMState, error)
	BootConfig() vmstate.BootConfig
}

var (
	errNotPaused = errors.New("VM is not paused")
)

// Result reports the artifacts produced by a successful Create.
type Result struct {
	StatePath    string
	MemPath      string
	FaultMapPath string
}

// Options configures optional PMEM relocation.
type Options struct {
	DaxDevice     string // empty disables relocation
	DaxLength     int
	TargetVersion snapshot.Version
	Log           *logrus.Logger
}

// Create captures a MicrovmState and writes it, along with a memory image,
// to statePath/memPath. The VM must already be Paused (§4.C prerequisite);
// on success the dirty bitmap of every tracked region is cleared and the
// VM remains Paused. On failure the output files may exist but must be
// treated as garbage — no in-memory state is mutated regardless.
func Create(kind Kind, regions *memregion.Manager, devices []device.Stateful, src VMStateSource, statePath, memPath string, opts Options) (*Result, error) {
	if !src.Paused() {
		return nil, snapshot.Wrap(snapshot.KernelFacility, errNotPaused)
	}

	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	deviceStates, err := device.EncodeAll(devices)
	if err != nil {
		return nil, fmt.Errorf("quiesce/encode devices: %w", err)
	}

	log.WithField("count", len(deviceStates)).Debug("snapwriter: devices quiesced and encoded")

	targetVersion := opts.TargetVersion
	if targetVersion == (snapshot.Version{}) {
		targetVersion = snapshot.CurrentVersion
	}

	// Check version compatibility against the devices actually in use
	// before touching the filesystem at all: §6 requires an
	// UnsupportedVersion refusal to happen before any file is written,
	// and memFile below is opened O_TRUNC.
	if err := snapshot.CheckCompatibleVersion(&vmstate.MicrovmState{Devices: deviceStates}, targetVersion); err != nil {
		return nil, err
	}

	vcpus := make([]vmstate.VCPUState, src.NCPU())

	for i := range vcpus {
		s, err := src.CaptureVCPUState(i)
		if err != nil {
			return nil, fmt.Errorf("capture vcpu %d: %w", i, err)
		}

		vcpus[i] = s
	}

	vmState, err := src.CaptureVMState()
	if err != nil {
		return nil, fmt.Errorf("capture vm state: %w", err)
	}

	regionList := regions.Regions()

	memFile, err := os.OpenFile(memPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, snapshot.Wrap(snapshot.BackingUnavailable, err)
	}
	defer memFile.Close()

	var ramRegions []vmstate.GuestRAMRegion

	switch kind {
	case Full:
		if err := writeFull(memFile, regions, regionList); err != nil {
			return nil, err
		}

		// A full image holds every page, so tracked bitmaps restart clean.
		for _, r := range regionList {
			if r.DirtyTracked {
				if _, err := regions.DirtyBitmap(r); err != nil {
					return nil, err
				}
			}
		}
	case Diff:
		if err := writeDiff(memFile, regions, regionList); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown snapshot kind %d", kind)
	}

	for _, r := range regionList {
		ramRegions = append(ramRegions, vmstate.GuestRAMRegion{
			GuestPhysAddr: r.GuestPhysAddr,
			Length:        r.Length,
			DirtyTracked:  r.DirtyTracked,
		})
	}

	state := &vmstate.MicrovmState{
		VMMVersion: "microvmd",
		Boot:       src.BootConfig(),
		Regions:    ramRegions,
		VCPUs:      vcpus,
		VM:         vmState,
		Devices:    deviceStates,
	}

	raw, err := snapshot.EncodeToBytes(state, targetVersion)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(statePath, raw, 0o600); err != nil {
		return nil, snapshot.Wrap(snapshot.BackingUnavailable, err)
	}

	result := &Result{StatePath: statePath, MemPath: memPath}

	if opts.DaxDevice != "" {
		faultMapPath := statePath + ".faultmap"

		if err := relocate(memPath, faultMapPath, opts.DaxDevice, opts.DaxLength, regions.PageSize); err != nil {
			return nil, err
		}

		result.FaultMapPath = faultMapPath
	}

	log.WithFields(logrus.Fields{"state": statePath, "mem": memPath}).Debug("snapwriter: snapshot created")

	return result, nil
}

// writeFull appends each region's live bytes to memFile at its
// guest-physical base offset, producing a sparse image indexed by guest
// address (§4.C "Full memory emission").
func writeFull(memFile *os.File, regions *memregion.Manager, regionList []*memregion.Region) error {
	for _, r := range regionList {
		if r.HostMem == nil {
			continue
		}

		if _, err := memFile.WriteAt(r.HostMem, int64(r.GuestPhysAddr)); err != nil {
			return fmt.Errorf("write region at 0x%x: %w", r.GuestPhysAddr, err)
		}
	}

	return nil
}

// writeDiff consults each tracked region's dirty bitmap and writes only
// dirty pages at their guest-address offset, leaving clean pages as holes
// (§4.C "Diff memory emission"). It clears every tracked region's bitmap
// as a side effect, per the Create contract.
func writeDiff(memFile *os.File, regions *memregion.Manager, regionList []*memregion.Region) error {
	pageSize := regions.PageSize

	for _, r := range regionList {
		if !r.DirtyTracked || r.HostMem == nil {
			continue
		}

		bitmap, err := regions.DirtyBitmap(r)
		if err != nil {
			return err
		}

		for wordIdx, word := range bitmap {
			for bit := 0; bit < 64; bit++ {
				if word&(1<<uint(bit)) == 0 {
					continue
				}

				pageIdx := uint64(wordIdx)*64 + uint64(bit)
				off := pageIdx * uint64(pageSize)

				if off+uint64(pageSize) > uint64(len(r.HostMem)) {
					continue
				}

				if _, err := memFile.WriteAt(r.HostMem[off:off+uint64(pageSize)], int64(r.GuestPhysAddr+off)); err != nil {
					return fmt.Errorf("write dirty page at 0x%x: %w", r.GuestPhysAddr+off, err)
				}
			}
		}
	}

	return nil
}

// relocate walks memPath page by page, recording Absent holes in the
// FaultMap and copying populated pages into DAX, per §4.C "PMEM
// relocation".
func relocate(memPath, faultMapPath, daxDevice string, daxLength, pageSize int) error {
	memFile, err := os.Open(memPath)
	if err != nil {
		return fmt.Errorf("open mem file for relocation: %w", err)
	}
	defer memFile.Close()

	info, err := memFile.Stat()
	if err != nil {
		return err
	}

	alloc, err := pmem.NewAllocator(daxDevice, daxLength, pageSize)
	if err != nil {
		return snapshot.Wrap(snapshot.BackingUnavailable, err)
	}
	defer alloc.Close()

	fm := &pmem.FaultMap{PageSize: pageSize}
	page := make([]byte, pageSize)

	nPages := (info.Size() + int64(pageSize) - 1) / int64(pageSize)

	for i := int64(0); i < nPages; i++ {
		n, err := memFile.ReadAt(page, i*int64(pageSize))
		if err != nil && n == 0 {
			fm.Entries = append(fm.Entries, pmem.Entry{Tag: pmem.Absent})

			continue
		}

		if isZero(page[:n]) {
			fm.Entries = append(fm.Entries, pmem.Entry{Tag: pmem.Absent})

			continue
		}

		idx, err := alloc.AllocatePage(page)
		if err != nil {
			return fmt.Errorf("allocate dax page %d: %w", i, err)
		}

		fm.Entries = append(fm.Entries, pmem.Entry{Tag: pmem.DaxPage, Payload: idx})
	}

	out, err := os.OpenFile(faultMapPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	return fm.Encode(out)
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}

	return true
}
