package machine

// regions.go adapts Machine's single flat guest-physical memory slab onto
// memregion.Manager so snapwriter/restore can address it uniformly with
// any other backing, instead of knowing about m.mem directly.

import (
	"fmt"
	"unsafe"

	"github.com/ec1-systems/microvmd/kvm"
	"github.com/ec1-systems/microvmd/memregion"
)

// MemoryRegions returns (creating it on first use) a memregion.Manager
// describing this Machine's guest-physical memory as a single region
// preinstalled over m.mem.
func (m *Machine) MemoryRegions() (*memregion.Manager, error) {
	if m.regionMgr != nil {
		return m.regionMgr, nil
	}

	mgr := memregion.NewManager()

	r, err := mgr.DeclareRegion(0, uint64(len(m.mem)), memregion.AnonymousPrivate)
	if err != nil {
		return nil, fmt.Errorf("declare region: %w", err)
	}

	mgr.FreezeLayout()

	if err := mgr.InstallBacking(r, memregion.NewPreinstalled(m.mem), false); err != nil {
		return nil, fmt.Errorf("install preinstalled backing: %w", err)
	}

	m.regionMgr = mgr

	return mgr, nil
}

// AdoptRegionMemory makes regions' single decoded region this Machine's
// guest-physical memory, used after restore.Restore has installed a fresh
// backing for the decoded layout. It requires regions to describe exactly
// one region of the same size as m.mem, since this Machine only ever runs
// a single flat slab.
//
// A UffdRegistered backing is adopted live: the KVM memory slot is
// repointed at the fresh (still largely unpopulated) mapping instead of
// being copied into, so the guest faults against it directly and
// uffd.Handler can service fills lazily. Any other backing is copied into
// m.mem eagerly, preserving the existing in-place buffer and its identity.
func (m *Machine) AdoptRegionMemory(regions *memregion.Manager) error {
	rs := regions.Regions()
	if len(rs) != 1 {
		return fmt.Errorf("expected exactly 1 memory region, got %d", len(rs))
	}

	if len(rs[0].HostMem) != len(m.mem) {
		return fmt.Errorf("region size %d does not match machine memory size %d", len(rs[0].HostMem), len(m.mem))
	}

	if rs[0].Backing != nil && rs[0].Backing.Kind() == memregion.UffdRegistered {
		return m.adoptLiveSlot(rs[0].HostMem)
	}

	copy(m.mem, rs[0].HostMem)

	return nil
}

// ArmDirtyTracking enables KVM's hardware dirty-page log for guest memory
// slot 0 and marks the corresponding memregion.Region as dirty-tracked, so
// a later diff snapshot (snapwriter.Diff) has a bitmap to read from (§4.A).
// Calling it more than once is harmless: both the KVM registration and the
// memregion bitmap arming are idempotent.
func (m *Machine) ArmDirtyTracking() error {
	if err := m.EnableDirtyTracking(); err != nil {
		return fmt.Errorf("enable KVM dirty tracking: %w", err)
	}

	mgr, err := m.MemoryRegions()
	if err != nil {
		return err
	}

	rs := mgr.Regions()
	if len(rs) != 1 {
		return fmt.Errorf("expected exactly 1 memory region, got %d", len(rs))
	}

	wasTracked := rs[0].DirtyTracked

	if err := mgr.EnableDirtyTracking(rs[0]); err != nil {
		return err
	}

	if wasTracked {
		return nil
	}

	// Writes before arming were never logged, so every page starts dirty.
	all := make([]uint64, (rs[0].Length/uint64(mgr.PageSize)+63)/64)
	for i := range all {
		all[i] = ^uint64(0)
	}

	return mgr.MarkDirtyWords(rs[0], all)
}

// SyncDirtyBitmap drains KVM's accumulated hardware dirty log and merges it
// into the memregion bitmap. This is what actually feeds snapwriter's Diff
// path: nothing calls memregion.Manager.MarkDirty from the vCPU exit path,
// because KVM already tracks dirty pages itself once ArmDirtyTracking has
// registered the log-dirty slot; SyncDirtyBitmap is the bridge between the
// two. It is a no-op if the region isn't dirty-tracked yet.
func (m *Machine) SyncDirtyBitmap() error {
	mgr, err := m.MemoryRegions()
	if err != nil {
		return err
	}

	rs := mgr.Regions()
	if len(rs) != 1 || !rs[0].DirtyTracked {
		return nil
	}

	bitmap, err := m.GetAndClearDirtyBitmap()
	if err != nil {
		return fmt.Errorf("get dirty bitmap: %w", err)
	}

	return mgr.MarkDirtyWords(rs[0], bitmap)
}

// adoptLiveSlot re-registers KVM memory slot 0 against mem instead of
// m.mem, then swaps m.mem to alias it. Must only be called while every
// vCPU is paused.
func (m *Machine) adoptLiveSlot(mem []byte) error {
	err := kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
		Slot: 0, Flags: 0, GuestPhysAddr: 0, MemorySize: uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	})
	if err != nil {
		return fmt.Errorf("repoint memory slot: %w", err)
	}

	m.mem = mem

	return nil
}
