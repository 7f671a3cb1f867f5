package uffd

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegionDescriptorContains(t *testing.T) {
	t.Parallel()

	r := RegionDescriptor{Base: 0x1000, Length: 0x2000}
	require.True(t, r.Contains(0x1500))
	require.False(t, r.Contains(0x500))
	require.False(t, r.Contains(0x3000))
}

func TestPageAlign(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint64(0x1000), pageAlign(0x1234, 4096))
	require.Equal(t, uint64(0x1000), pageAlign(0x1000, 4096))
}

func TestEncodeDecodeRegionDescriptorsRoundTrip(t *testing.T) {
	t.Parallel()

	regions := []RegionDescriptor{
		{Base: 0, Length: 4096 * 4, Token: "mem.bin"},
		{Base: 4096 * 4, Length: 4096 * 2, Token: "xid-abc123"},
	}

	got, err := decodeRegionDescriptors(encodeRegionDescriptors(regions))
	require.NoError(t, err)
	require.Equal(t, regions, got)
}

func TestDecodeRegionDescriptorsRejectsTruncatedFrame(t *testing.T) {
	t.Parallel()

	frame := encodeRegionDescriptors([]RegionDescriptor{{Base: 1, Length: 2, Token: "abc"}})

	_, err := decodeRegionDescriptors(frame[:len(frame)-1])
	require.ErrorIs(t, err, errTruncatedFrame)
}

func TestHandshakeRoundTrip(t *testing.T) {
	t.Parallel()

	serverConn, clientConn := socketpair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	regions := []RegionDescriptor{{Base: 0, Length: 4096 * 4, Token: "mem.bin"}}

	errCh := make(chan error, 1)

	go func() { errCh <- sendHandshake(clientConn, pw.Fd(), regions) }()

	gotFD, gotRegions, err := receiveHandshake(serverConn)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	defer os.NewFile(gotFD, "uffd").Close()

	require.Equal(t, regions, gotRegions)
	require.NotZero(t, gotFD)
}

func socketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()

	dir := t.TempDir()
	path := dir + "/sock"

	lis, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	defer lis.Close()

	var serverConn *net.UnixConn

	done := make(chan struct{})

	go func() {
		c, err := lis.AcceptUnix()
		require.NoError(t, err)
		serverConn = c
		close(done)
	}()

	clientConn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)

	<-done

	return serverConn, clientConn
}
