package device

import (
	"fmt"

	"github.com/ec1-systems/microvmd/snapshot"
	"github.com/ec1-systems/microvmd/vmstate"
)

// Stateful is the small capability set of §9: a device that participates in
// snapshot/restore must be able to encode its state to an opaque blob,
// decode a previously-encoded blob back into live state, quiesce in-flight
// I/O before capture, and resume after a restore. StableID keys the blob
// in the envelope's device array so that newer device kinds can be added
// without breaking readers of an older-but-compatible major version.
type Stateful interface {
	StableID() string
	Kind() string
	Quiesce() error
	Encode() ([]byte, error)
	Decode(blob []byte) error
	Restore() error
}

// EncodeAll runs Quiesce then Encode on every device, in the order given,
// and returns their DeviceState entries sorted by StableID so the writer's
// output is deterministic (§4.D reconstructs devices in id-sorted order).
func EncodeAll(devices []Stateful) ([]vmstate.DeviceState, error) {
	out := make([]vmstate.DeviceState, 0, len(devices))

	for _, d := range devices {
		if err := d.Quiesce(); err != nil {
			return nil, err
		}

		blob, err := d.Encode()
		if err != nil {
			return nil, err
		}

		out = append(out, vmstate.DeviceState{ID: d.StableID(), Kind: d.Kind(), Blob: blob})
	}

	sortDeviceStates(out)

	return out, nil
}

// sortDeviceStates sorts by ID using a plain insertion sort: device counts
// are small (a handful of emulated devices per VM) so this avoids pulling
// in sort for a few-element slice while keeping the order deterministic.
func sortDeviceStates(s []vmstate.DeviceState) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].ID > s[j].ID; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// RestoreAll decodes and restores each device in states, matching by
// StableID. A state entry with no matching device, or a device with no
// matching state entry, means the snapshot's device topology doesn't match
// the running VM's, which is reported to the caller as an
// snapshot.IncompatibleSnapshot rather than silently skipped (§4.D).
func RestoreAll(devices []Stateful, states []vmstate.DeviceState) error {
	byID := make(map[string]vmstate.DeviceState, len(states))
	for _, s := range states {
		byID[s.ID] = s
	}

	seen := make(map[string]bool, len(devices))

	for _, d := range devices {
		id := d.StableID()
		seen[id] = true

		s, ok := byID[id]
		if !ok {
			return snapshot.Wrap(snapshot.IncompatibleSnapshot, fmt.Errorf("device %q has no matching snapshot state", id))
		}

		if err := d.Decode(s.Blob); err != nil {
			return err
		}

		if err := d.Restore(); err != nil {
			return err
		}
	}

	for _, s := range states {
		if !seen[s.ID] {
			return snapshot.Wrap(snapshot.IncompatibleSnapshot, fmt.Errorf("snapshot state %q has no matching device", s.ID))
		}
	}

	return nil
}
