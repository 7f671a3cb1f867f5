// Package restore implements the restore engine (§4.D): decode the
// envelope, construct memory regions and install the requested backing,
// reconstruct vCPU and device state in a fixed order, and optionally
// resume the VM.
package restore

import (
	"fmt"

	"github.com/ec1-systems/microvmd/device"
	"github.com/ec1-systems/microvmd/memregion"
	"github.com/ec1-systems/microvmd/snapshot"
	"github.com/ec1-systems/microvmd/vmstate"
	"github.com/sirupsen/logrus"
)

// BackendKind selects how restored memory regions get their backing.
type BackendKind int

const (
	BackendFile BackendKind = iota
	BackendDax
	BackendUffd
)

// MemBackend is the mem_backend tagged union of §6: File{path} or
// Uffd{socket_path}, extended with Dax for the PMEM-relocated case.
type MemBackend struct {
	Kind       BackendKind
	Path       string // BackendFile: memory file path; BackendDax: dax device path
	SocketPath string // BackendUffd: handler socket path
	RegionID   string // BackendUffd: token advertised in the handshake
}

// Target is the minimal capability the restore engine needs from an
// already-constructed (but not yet running) VM: matching topology,
// per-vCPU register application, VM-level hardware state application, and
// the ability to transition to Running.
type Target interface {
	NCPU() int
	MemSize() int
	ApplyVCPUState(cpu int, s vmstate.VCPUState) error
	ApplyVMState(s vmstate.VMState) error
	Resume() error
}

// sentinel causes, wrapped into the typed snapshot.Error kinds below.
type compatError struct{ msg string }

func (c compatError) Error() string { return c.msg }

// Restore implements §4.D's fixed reconstruction order:
//  1. decode envelope
//  2. construct memory regions per decoded layout, install the requested backing
//  3. apply vCPU register banks / CPUID / MSR set
//  4. reconstruct devices in id-sorted order
//  5. apply VM-level hardware state (clock / IRQ chip / PIT, carrying the TSC offset)
//  6. if enableDiff, re-arm dirty tracking and clear all bitmaps
//  7. the VM is left Paused
//  8. if resumeAfter, transition to Running
//
// Any error at steps 1-6 is fatal and the caller must tear the partially
// constructed VM down; the caller's state files are never touched by this
// function regardless. An error at step 8 leaves the VM in Paused.
func Restore(raw []byte, regions *memregion.Manager, devices []device.Stateful, target Target, backend MemBackend, enableDiff, resumeAfter bool, log *logrus.Logger) (*vmstate.MicrovmState, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	// Step 1: decode envelope.
	state, err := snapshot.DecodeFromBytes(raw)
	if err != nil {
		return nil, err
	}

	// Compatibility checks (§4.D): guest RAM size and vCPU count must match
	// the VM being built.
	if state.Boot.NCPUs != target.NCPU() {
		return nil, snapshot.Wrap(snapshot.IncompatibleSnapshot, compatError{fmt.Sprintf("snapshot has %d vcpus, target has %d", state.Boot.NCPUs, target.NCPU())})
	}

	if state.Boot.MemSize != target.MemSize() {
		return nil, snapshot.Wrap(snapshot.IncompatibleSnapshot, compatError{fmt.Sprintf("snapshot mem size %d, target mem size %d", state.Boot.MemSize, target.MemSize())})
	}

	// Step 2: construct memory regions and install backing.
	if err := installRegions(regions, state.Regions, backend); err != nil {
		return nil, err
	}

	log.WithField("regions", len(state.Regions)).Debug("restore: memory regions installed")

	// Step 3: vCPU state.
	for i, vs := range state.VCPUs {
		if err := target.ApplyVCPUState(i, vs); err != nil {
			return nil, snapshot.Wrap(snapshot.KernelFacility, err)
		}
	}

	// Step 4: devices, id-sorted order (already sorted by EncodeAll).
	if err := device.RestoreAll(devices, state.Devices); err != nil {
		return nil, fmt.Errorf("restore devices: %w", err)
	}

	// Step 5: VM-level hardware state (clock/TSC carried inside VMState).
	if err := target.ApplyVMState(state.VM); err != nil {
		return nil, snapshot.Wrap(snapshot.KernelFacility, err)
	}

	// Step 6: re-arm dirty tracking.
	if enableDiff {
		for _, r := range regions.Regions() {
			if r.DirtyTracked {
				if _, err := regions.DirtyBitmap(r); err != nil {
					return nil, err
				}
			}
		}
	}

	// Step 7: VM is left Paused here (the caller constructed it paused).

	// Step 8: optional resume. A failure here leaves the VM Paused rather
	// than tearing it down, per §7's propagation policy.
	if resumeAfter {
		if err := target.Resume(); err != nil {
			return state, err
		}
	}

	log.Debug("restore: complete")

	return state, nil
}

func installRegions(regions *memregion.Manager, decoded []vmstate.GuestRAMRegion, backend MemBackend) error {
	declared := make([]*memregion.Region, 0, len(decoded))

	for _, d := range decoded {
		r, err := regions.DeclareRegion(d.GuestPhysAddr, d.Length, backendKindFor(backend))
		if err != nil {
			return err
		}

		declared = append(declared, r)
	}

	regions.FreezeLayout()

	for i, r := range declared {
		backing, err := backingFor(backend, int64(r.GuestPhysAddr))
		if err != nil {
			return err
		}

		if err := regions.InstallBacking(r, backing, decoded[i].DirtyTracked); err != nil {
			return snapshot.Wrap(snapshot.BackingUnavailable, err)
		}
	}

	return nil
}

func backendKindFor(backend MemBackend) memregion.BackingKind {
	switch backend.Kind {
	case BackendDax:
		return memregion.DaxMapped
	case BackendUffd:
		return memregion.UffdRegistered
	default:
		return memregion.FilePrivateMmap
	}
}

func backingFor(backend MemBackend, guestOffset int64) (memregion.Backing, error) {
	switch backend.Kind {
	case BackendFile:
		return memregion.NewFilePrivateMmap(backend.Path, guestOffset), nil
	case BackendDax:
		return memregion.NewDaxMapped(backend.Path, guestOffset), nil
	case BackendUffd:
		return memregion.NewUffdRegistered(backend.RegionID), nil
	default:
		return nil, fmt.Errorf("unknown mem backend kind %d", backend.Kind)
	}
}
