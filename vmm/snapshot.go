package vmm

// snapshot.go wires the §6 control-plane snapshot verbs (create-snapshot,
// load-snapshot) onto snapwriter/restore, using the running VMM's own
// Machine as both the VMStateSource and restore.Target.

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/ec1-systems/microvmd/memregion"
	"github.com/ec1-systems/microvmd/restore"
	"github.com/ec1-systems/microvmd/snapwriter"
	"github.com/ec1-systems/microvmd/uffd"
)

// CreateSnapshot pauses the VM and captures a snapshot to statePath and
// memPath, leaving the VM paused. If daxDevice is non-empty, the memory
// image is additionally relocated into that device-DAX node. If diff is
// true, the memory image only contains pages dirtied since the last sync
// of the hardware dirty log (§4.A/§4.C); dirty tracking is armed on first
// use with every page marked dirty, so the first diff snapshot after boot
// carries every page, the same content as a full image.
func (v *VMM) CreateSnapshot(statePath, memPath, daxDevice string, daxLength int, diff bool) (*snapwriter.Result, error) {
	v.Machine.PauseAndWait()
	v.Machine.QuiesceDevices()

	regions, err := v.MemoryRegions()
	if err != nil {
		return nil, fmt.Errorf("MemoryRegions: %w", err)
	}

	kind := snapwriter.Full

	if diff {
		if err := v.Machine.ArmDirtyTracking(); err != nil {
			return nil, fmt.Errorf("arm dirty tracking: %w", err)
		}

		if err := v.Machine.SyncDirtyBitmap(); err != nil {
			return nil, fmt.Errorf("sync dirty bitmap: %w", err)
		}

		kind = snapwriter.Diff
	}

	opts := snapwriter.Options{DaxDevice: daxDevice, DaxLength: daxLength}

	return snapwriter.Create(kind, regions, v.StatefulDevices(), v, statePath, memPath, opts)
}

// LoadSnapshot constructs fresh memory regions backed by memPath (or
// daxDevice, if set), applies the decoded vCPU/VM/device state onto the
// already-allocated Machine, adopts the restored memory into m.mem, and
// optionally resumes the VM.
func (v *VMM) LoadSnapshot(statePath, memPath, daxDevice string, resumeAfter bool) error {
	raw, err := os.ReadFile(statePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", statePath, err)
	}

	backend := restore.MemBackend{Kind: restore.BackendFile, Path: memPath}
	if daxDevice != "" {
		backend = restore.MemBackend{Kind: restore.BackendDax, Path: daxDevice}
	}

	restored := memregion.NewManager()

	// resumeAfter is handled after AdoptRegionMemory below, not passed to
	// Restore itself: Restore's own Resume step would start the vCPUs
	// against m.mem before the restored bytes have been copied into it.
	if _, err := restore.Restore(raw, restored, v.StatefulDevices(), v, backend, false, false, nil); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	if err := v.AdoptRegionMemory(restored); err != nil {
		return fmt.Errorf("adopt restored memory: %w", err)
	}

	if resumeAfter {
		return v.Machine.Resume()
	}

	return nil
}

// LoadSnapshotUFFD behaves like LoadSnapshot but never copies guest memory
// in: it reserves a fresh anonymous mapping, repoints the KVM memory slot
// at it, and registers it with the userfault facility so a uffd.Handler
// listening at handlerSocket services page fills lazily as the guest
// touches them, per §4.E.
func (v *VMM) LoadSnapshotUFFD(statePath, handlerSocket string, resumeAfter bool) error {
	raw, err := os.ReadFile(statePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", statePath, err)
	}

	restored := memregion.NewManager()
	backend := restore.MemBackend{Kind: restore.BackendUffd, SocketPath: handlerSocket, RegionID: statePath}

	if _, err := restore.Restore(raw, restored, v.StatefulDevices(), v, backend, false, false, nil); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	if err := v.AdoptRegionMemory(restored); err != nil {
		return fmt.Errorf("adopt restored memory: %w", err)
	}

	rs := restored.Regions()
	if len(rs[0].HostMem) == 0 {
		return fmt.Errorf("restored region has no host mapping to register with uffd")
	}

	// UFFDIO_REGISTER needs the host-virtual address of this process's own
	// mapping, not the guest-physical base; the kernel also reports fault
	// addresses in that same host-virtual space. The guest-physical base is
	// kept only as SourceBase, to address the shared memory file.
	hostBase := uint64(uintptr(unsafe.Pointer(&rs[0].HostMem[0])))
	descriptors := uffd.BuildRegionDescriptors([]uint64{hostBase}, []uint64{rs[0].GuestPhysAddr}, []uint64{rs[0].Length}, statePath)

	registrar := uffd.NewRegistrar()
	if err := registrar.Register(handlerSocket, descriptors); err != nil {
		return fmt.Errorf("register with uffd handler: %w", err)
	}

	v.registrar = registrar

	if resumeAfter {
		return v.Machine.Resume()
	}

	return nil
}
