package machine

// vmstate_adapter.go adapts Machine onto the snapwriter.VMStateSource and
// restore.Target interfaces, and wraps the emulated devices as
// device.Stateful, so the snapshot/restore packages never need to know
// about kvm.* or virtio.* directly.

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/ec1-systems/microvmd/device"
	"github.com/ec1-systems/microvmd/migration"
	"github.com/ec1-systems/microvmd/serial"
	"github.com/ec1-systems/microvmd/virtio"
	"github.com/ec1-systems/microvmd/vmstate"
	"golang.org/x/sync/errgroup"
)

// Paused reports whether PauseAndWait has requested a pause and no Resume
// has run since. Satisfies snapwriter.VMStateSource.
func (m *Machine) Paused() bool {
	return atomic.LoadInt32(&m.pauseRequested) != 0
}

// ShutdownRequested reports whether the guest has signaled an ACPI S5
// shutdown via iodev.ACPIShutDownDevice.
func (m *Machine) ShutdownRequested() bool {
	return atomic.LoadInt32(&m.shutdownRequested) != 0
}

// NCPU returns the number of vCPUs this Machine was created with.
func (m *Machine) NCPU() int {
	return len(m.vcpuFds)
}

// MemSize returns the size in bytes of guest-physical memory.
func (m *Machine) MemSize() int {
	return len(m.mem)
}

// BootConfig reports the boot-time shape of this Machine.
func (m *Machine) BootConfig() vmstate.BootConfig {
	return vmstate.BootConfig{NCPUs: m.NCPU(), MemSize: m.MemSize(), ArchTag: "x86_64"}
}

func vcpuToVMState(s *migration.VCPUState) vmstate.VCPUState {
	out := vmstate.VCPUState{
		Regs:      s.Regs,
		Sregs:     s.Sregs,
		LAPIC:     s.LAPIC,
		Events:    s.Events,
		MPState:   s.MPState,
		DebugRegs: s.DebugRegs,
		XCRS:      s.XCRS,
	}

	out.MSRs = make([]vmstate.MSREntry, len(s.MSRs))
	for i, e := range s.MSRs {
		out.MSRs[i] = vmstate.MSREntry{Index: e.Index, Data: e.Data}
	}

	return out
}

func vcpuFromVMState(s vmstate.VCPUState) *migration.VCPUState {
	out := &migration.VCPUState{
		Regs:      s.Regs,
		Sregs:     s.Sregs,
		LAPIC:     s.LAPIC,
		Events:    s.Events,
		MPState:   s.MPState,
		DebugRegs: s.DebugRegs,
		XCRS:      s.XCRS,
	}

	out.MSRs = make([]migration.MSREntry, len(s.MSRs))
	for i, e := range s.MSRs {
		out.MSRs[i] = migration.MSREntry{Index: e.Index, Data: e.Data}
	}

	return out
}

func vmToVMState(s *migration.VMState) vmstate.VMState {
	return vmstate.VMState{
		Clock:         s.Clock,
		IRQChipPIC0:   s.IRQChipPIC0,
		IRQChipPIC1:   s.IRQChipPIC1,
		IRQChipIOAPIC: s.IRQChipIOAPIC,
		PIT2:          s.PIT2,
	}
}

func vmFromVMState(s vmstate.VMState) *migration.VMState {
	return &migration.VMState{
		Clock:         s.Clock,
		IRQChipPIC0:   s.IRQChipPIC0,
		IRQChipPIC1:   s.IRQChipPIC1,
		IRQChipIOAPIC: s.IRQChipIOAPIC,
		PIT2:          s.PIT2,
	}
}

// CaptureVCPUState captures one vCPU's architectural state. Satisfies
// snapwriter.VMStateSource.
func (m *Machine) CaptureVCPUState(cpu int) (vmstate.VCPUState, error) {
	s, err := m.SaveCPUState(cpu)
	if err != nil {
		return vmstate.VCPUState{}, err
	}

	return vcpuToVMState(s), nil
}

// CaptureVMState captures VM-level hardware state. Satisfies
// snapwriter.VMStateSource.
func (m *Machine) CaptureVMState() (vmstate.VMState, error) {
	s, err := m.SaveVMState()
	if err != nil {
		return vmstate.VMState{}, err
	}

	return vmToVMState(s), nil
}

// ApplyVCPUState applies a previously captured vCPU state. Satisfies
// restore.Target.
func (m *Machine) ApplyVCPUState(cpu int, s vmstate.VCPUState) error {
	return m.RestoreCPUState(cpu, vcpuFromVMState(s))
}

// ApplyVMState applies a previously captured VM-level state. Satisfies
// restore.Target.
func (m *Machine) ApplyVMState(s vmstate.VMState) error {
	return m.RestoreVMState(vmFromVMState(s))
}

// Resume clears the pause flag and relaunches one RunInfiniteLoop goroutine
// per vCPU, returning once they have been started. Errors surfacing from
// the vCPU loops afterwards are logged by the background goroutine rather
// than returned, matching runRestoredVM's fire-and-forget shape. Satisfies
// restore.Target.
func (m *Machine) Resume() error {
	atomic.StoreInt32(&m.pauseRequested, 0)

	g := new(errgroup.Group)

	for cpu := 0; cpu < m.NCPU(); cpu++ {
		i := cpu

		g.Go(func() error {
			return m.RunInfiniteLoop(i)
		})
	}

	go func() {
		if err := g.Wait(); err != nil {
			m.logResumeErr(err)
		}
	}()

	return nil
}

func (m *Machine) logResumeErr(err error) {
	log.Printf("vcpu loop exited after resume: %v", err)
}

// serialStateful adapts serial.Serial to device.Stateful.
type serialStateful struct{ s *serial.Serial }

func (d serialStateful) StableID() string { return "serial0" }
func (d serialStateful) Kind() string     { return "serial" }
func (d serialStateful) Quiesce() error   { return nil }

func (d serialStateful) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d.s.GetState()); err != nil {
		return nil, fmt.Errorf("encode serial state: %w", err)
	}

	return buf.Bytes(), nil
}

func (d serialStateful) Decode(blob []byte) error {
	var st migration.SerialState
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&st); err != nil {
		return fmt.Errorf("decode serial state: %w", err)
	}

	d.s.SetState(st)

	return nil
}

func (d serialStateful) Restore() error { return nil }

// blkStateful adapts virtio.Blk to device.Stateful.
type blkStateful struct {
	b   *virtio.Blk
	mem []byte
}

func (d blkStateful) StableID() string { return "virtio-blk0" }
func (d blkStateful) Kind() string     { return "virtio-blk" }
func (d blkStateful) Quiesce() error   { return d.b.Close() }

func (d blkStateful) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d.b.GetState()); err != nil {
		return nil, fmt.Errorf("encode blk state: %w", err)
	}

	return buf.Bytes(), nil
}

func (d blkStateful) Decode(blob []byte) error {
	var st migration.BlkState
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&st); err != nil {
		return fmt.Errorf("decode blk state: %w", err)
	}

	d.b.SetState(&st, d.mem)

	return nil
}

func (d blkStateful) Restore() error { return nil }

// netStateful adapts virtio.Net to device.Stateful.
type netStateful struct {
	n   *virtio.Net
	mem []byte
}

func (d netStateful) StableID() string { return "virtio-net0" }
func (d netStateful) Kind() string     { return "virtio-net" }
func (d netStateful) Quiesce() error   { return nil }

func (d netStateful) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d.n.GetState()); err != nil {
		return nil, fmt.Errorf("encode net state: %w", err)
	}

	return buf.Bytes(), nil
}

func (d netStateful) Decode(blob []byte) error {
	var st migration.NetState
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&st); err != nil {
		return fmt.Errorf("decode net state: %w", err)
	}

	d.n.SetState(&st, d.mem)

	return nil
}

func (d netStateful) Restore() error { return nil }

// StatefulDevices returns a device.Stateful for every device currently
// attached, in the shape device.EncodeAll/RestoreAll expect.
func (m *Machine) StatefulDevices() []device.Stateful {
	var out []device.Stateful

	if m.serial != nil {
		out = append(out, serialStateful{s: m.serial})
	}

	for _, dev := range m.pci.Devices {
		switch d := dev.(type) {
		case *virtio.Net:
			out = append(out, netStateful{n: d, mem: m.mem})
		case *virtio.Blk:
			out = append(out, blkStateful{b: d, mem: m.mem})
		}
	}

	return out
}
