package machine

import (
	"testing"

	"github.com/ec1-systems/microvmd/migration"
	"github.com/ec1-systems/microvmd/vmstate"
)

func TestVCPUStateRoundTrip(t *testing.T) {
	t.Parallel()

	orig := &migration.VCPUState{
		Regs:      []byte{1, 2, 3},
		Sregs:     []byte{4, 5},
		MSRs:      []migration.MSREntry{{Index: 0x10, Data: 42}, {Index: 0x20, Data: 7}},
		LAPIC:     []byte{6},
		Events:    []byte{7, 8, 9},
		MPState:   1,
		DebugRegs: []byte{10},
		XCRS:      []byte{11, 12},
	}

	vs := vcpuToVMState(orig)
	back := vcpuFromVMState(vs)

	if string(back.Regs) != string(orig.Regs) {
		t.Errorf("Regs mismatch: got %v want %v", back.Regs, orig.Regs)
	}

	if len(back.MSRs) != len(orig.MSRs) {
		t.Fatalf("MSRs length mismatch: got %d want %d", len(back.MSRs), len(orig.MSRs))
	}

	for i := range orig.MSRs {
		if back.MSRs[i] != orig.MSRs[i] {
			t.Errorf("MSR[%d] mismatch: got %+v want %+v", i, back.MSRs[i], orig.MSRs[i])
		}
	}

	if back.MPState != orig.MPState {
		t.Errorf("MPState mismatch: got %d want %d", back.MPState, orig.MPState)
	}
}

func TestVMStateRoundTrip(t *testing.T) {
	t.Parallel()

	orig := &migration.VMState{
		Clock:         []byte{1, 2},
		IRQChipPIC0:   []byte{3},
		IRQChipPIC1:   []byte{4},
		IRQChipIOAPIC: []byte{5, 6},
		PIT2:          []byte{7, 8, 9},
	}

	vs := vmToVMState(orig)
	back := vmFromVMState(vs)

	if string(back.Clock) != string(orig.Clock) {
		t.Errorf("Clock mismatch: got %v want %v", back.Clock, orig.Clock)
	}

	if string(back.PIT2) != string(orig.PIT2) {
		t.Errorf("PIT2 mismatch: got %v want %v", back.PIT2, orig.PIT2)
	}
}

func TestVCPUStateEmptyMSRs(t *testing.T) {
	t.Parallel()

	orig := &migration.VCPUState{}

	vs := vcpuToVMState(orig)
	if len(vs.MSRs) != 0 {
		t.Errorf("expected no MSRs, got %d", len(vs.MSRs))
	}

	back := vcpuFromVMState(vs)
	if len(back.MSRs) != 0 {
		t.Errorf("expected no MSRs after round trip, got %d", len(back.MSRs))
	}
}

func TestBootConfigReflectsSize(t *testing.T) {
	t.Parallel()

	m := &Machine{
		mem:     make([]byte, 4096),
		vcpuFds: make([]uintptr, 2),
	}

	bc := m.BootConfig()

	want := vmstate.BootConfig{NCPUs: 2, MemSize: 4096, ArchTag: "x86_64"}
	if bc != want {
		t.Errorf("BootConfig mismatch: got %+v want %+v", bc, want)
	}
}

func TestPausedReflectsFlag(t *testing.T) {
	t.Parallel()

	m := &Machine{}
	if m.Paused() {
		t.Fatal("new Machine should not report Paused")
	}

	m.PauseAndWait()

	if !m.Paused() {
		t.Fatal("Machine should report Paused after PauseAndWait")
	}
}
