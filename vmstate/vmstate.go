// Package vmstate is the data model of the persisted microvm state: vCPU
// register banks, VM-level hardware state, and per-device state blobs keyed
// by a stable id. It is the payload the snapshot codec encodes and the
// restore engine decodes.
//
// The struct shapes mirror the teacher's migration.Snapshot (which already
// captures exactly the KVM state triple a restart needs) generalized from a
// live-migration wire payload into a persisted, versioned snapshot payload.
package vmstate

// MSREntry is an index/value pair for a model-specific register.
type MSREntry struct {
	Index uint32
	Data  uint64
}

// VCPUState holds the complete architectural state of a single vCPU.
// Binary KVM structs are stored as raw byte slices to preserve their exact
// in-memory layout (including padding) without encoding ambiguity.
type VCPUState struct {
	Regs      []byte // kvm.Regs
	Sregs     []byte // kvm.Sregs
	MSRs      []MSREntry
	LAPIC     []byte // kvm.LAPICState
	Events    []byte // kvm.VCPUEvents
	MPState   uint32 // kvm.MPState.State
	DebugRegs []byte // kvm.DebugRegs
	XCRS      []byte // kvm.XCRS
}

// VMState holds VM-level (not per-vCPU) hardware state.
type VMState struct {
	Clock         []byte // kvm.ClockData
	IRQChipPIC0   []byte // kvm.IRQChip ChipID=0 (master PIC)
	IRQChipPIC1   []byte // kvm.IRQChip ChipID=1 (slave PIC)
	IRQChipIOAPIC []byte // kvm.IRQChip ChipID=2 (IOAPIC)
	PIT2          []byte // kvm.PITState2
}

// DeviceState is one entry in the device array: a stable id, a kind tag for
// the owning emulator, and its opaque encoded blob. The restore engine
// reconstructs devices in ascending ID order (§4.D fixed reconstruction
// order), so Devices in MicrovmState must be kept sorted by ID.
type DeviceState struct {
	ID   string
	Kind string
	Blob []byte
}

// GuestRAMRegion records one declared memory region's layout, enough for
// the restore engine to recreate memregion.Manager's decisions without
// re-deriving them from the live VM.
type GuestRAMRegion struct {
	GuestPhysAddr uint64
	Length        uint64
	DirtyTracked  bool
}

// BootConfig is the subset of boot-time configuration needed to validate
// restore compatibility (§4.D "Compatibility checks").
type BootConfig struct {
	NCPUs      int
	MemSize    int
	ArchTag    string
	GICVersion uint32 // 0 on non-ARM
}

// Auxiliary carries the miscellaneous fields §6 calls out for the state
// file's auxiliary map: TSC offset and any MMDS-style config blob.
type Auxiliary struct {
	TSCOffset int64
	MMDS      []byte // opaque, nil if unused
}

// MicrovmState is the complete, versioned record persisted inside a
// snapshot envelope: VMM metadata, KVM state, device-model states, and the
// boot-time configuration used to validate restore compatibility.
type MicrovmState struct {
	VMMVersion string
	Boot       BootConfig
	Regions    []GuestRAMRegion
	VCPUs      []VCPUState
	VM         VMState
	Devices    []DeviceState
	Aux        Auxiliary
}
