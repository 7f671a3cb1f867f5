package device_test

import (
	"testing"

	"github.com/ec1-systems/microvmd/device"
	"github.com/ec1-systems/microvmd/snapshot"
	"github.com/ec1-systems/microvmd/vmstate"
	"github.com/stretchr/testify/require"
)

type fakeStateful struct {
	id       string
	decoded  []byte
	restored bool
}

func (d *fakeStateful) StableID() string { return d.id }
func (d *fakeStateful) Kind() string     { return "fake" }
func (d *fakeStateful) Quiesce() error   { return nil }

func (d *fakeStateful) Encode() ([]byte, error) { return []byte(d.id), nil }

func (d *fakeStateful) Decode(blob []byte) error {
	d.decoded = blob

	return nil
}

func (d *fakeStateful) Restore() error {
	d.restored = true

	return nil
}

func TestEncodeAllSortsByStableID(t *testing.T) {
	t.Parallel()

	devices := []device.Stateful{
		&fakeStateful{id: "vsock0"},
		&fakeStateful{id: "blk0"},
		&fakeStateful{id: "net0"},
	}

	states, err := device.EncodeAll(devices)
	require.NoError(t, err)
	require.Equal(t, []string{"blk0", "net0", "vsock0"}, []string{states[0].ID, states[1].ID, states[2].ID})
}

func TestRestoreAllDecodesAndRestoresMatchingDevices(t *testing.T) {
	t.Parallel()

	serial0 := &fakeStateful{id: "serial0"}
	states := []vmstate.DeviceState{{ID: "serial0", Blob: []byte{0xAB}}}

	require.NoError(t, device.RestoreAll([]device.Stateful{serial0}, states))
	require.Equal(t, []byte{0xAB}, serial0.decoded)
	require.True(t, serial0.restored)
}

func TestRestoreAllRejectsDeviceWithNoSnapshotState(t *testing.T) {
	t.Parallel()

	devices := []device.Stateful{&fakeStateful{id: "serial0"}, &fakeStateful{id: "vsock0"}}
	states := []vmstate.DeviceState{{ID: "serial0"}}

	err := device.RestoreAll(devices, states)
	require.Error(t, err)

	var snapErr *snapshot.Error
	require.ErrorAs(t, err, &snapErr)
	require.Equal(t, snapshot.IncompatibleSnapshot, snapErr.Kind)
}

func TestRestoreAllRejectsSnapshotStateWithNoDevice(t *testing.T) {
	t.Parallel()

	devices := []device.Stateful{&fakeStateful{id: "serial0"}}
	states := []vmstate.DeviceState{{ID: "serial0"}, {ID: "vsock0"}}

	err := device.RestoreAll(devices, states)
	require.Error(t, err)

	var snapErr *snapshot.Error
	require.ErrorAs(t, err, &snapErr)
	require.Equal(t, snapshot.IncompatibleSnapshot, snapErr.Kind)
}
