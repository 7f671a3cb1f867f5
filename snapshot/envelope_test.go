package snapshot_test

import (
	"errors"
	"testing"

	"github.com/ec1-systems/microvmd/snapshot"
	"github.com/ec1-systems/microvmd/vmstate"
	"github.com/stretchr/testify/require"
)

func sampleState() *vmstate.MicrovmState {
	return &vmstate.MicrovmState{
		VMMVersion: "test",
		Boot:       vmstate.BootConfig{NCPUs: 2, MemSize: 1 << 20},
		VCPUs:      []vmstate.VCPUState{{Regs: []byte{1, 2, 3}}},
		Devices: []vmstate.DeviceState{
			{ID: "serial0", Kind: "serial", Blob: []byte{0xAB}},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	state := sampleState()

	raw, err := snapshot.EncodeToBytes(state, snapshot.CurrentVersion)
	require.NoError(t, err)

	got, err := snapshot.DecodeFromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, state.VMMVersion, got.VMMVersion)
	require.Equal(t, state.Boot, got.Boot)
	require.Equal(t, state.Devices, got.Devices)
}

func TestCorruptCRC(t *testing.T) {
	t.Parallel()

	raw, err := snapshot.EncodeToBytes(sampleState(), snapshot.CurrentVersion)
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0xFF

	_, err = snapshot.DecodeFromBytes(raw)
	require.Error(t, err)

	var snapErr *snapshot.Error
	require.True(t, errors.As(err, &snapErr))
	require.Equal(t, snapshot.CorruptSnapshot, snapErr.Kind)
}

func TestUnsupportedVersionOnUnknownFeature(t *testing.T) {
	t.Parallel()

	state := sampleState()
	state.Devices = append(state.Devices, vmstate.DeviceState{ID: "vsock0", Kind: "vsock"})

	_, err := snapshot.Encode(state, snapshot.Version{Major: 1, Minor: 0})
	require.Error(t, err)

	var snapErr *snapshot.Error
	require.True(t, errors.As(err, &snapErr))
	require.Equal(t, snapshot.UnsupportedVersion, snapErr.Kind)
}

func TestCrossMajorRejected(t *testing.T) {
	t.Parallel()

	_, err := snapshot.Encode(sampleState(), snapshot.Version{Major: 2, Minor: 0})
	require.Error(t, err)

	var snapErr *snapshot.Error
	require.True(t, errors.As(err, &snapErr))
	require.Equal(t, snapshot.UnsupportedVersion, snapErr.Kind)
}

func TestDownshiftWithinMajor(t *testing.T) {
	t.Parallel()

	raw, err := snapshot.EncodeToBytes(sampleState(), snapshot.Version{Major: 1, Minor: 0})
	require.NoError(t, err)

	got, err := snapshot.DecodeFromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, "test", got.VMMVersion)
}
