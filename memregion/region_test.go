package memregion_test

import (
	"testing"

	"github.com/ec1-systems/microvmd/memregion"
	"github.com/stretchr/testify/require"
)

func TestDeclareFreezeInstallTranslate(t *testing.T) {
	t.Parallel()

	m := memregion.NewManager()
	m.PageSize = 4096

	r, err := m.DeclareRegion(0, 4096*4, memregion.AnonymousPrivate)
	require.NoError(t, err)

	m.FreezeLayout()

	_, err = m.DeclareRegion(4096*4, 4096, memregion.AnonymousPrivate)
	require.ErrorIs(t, err, memregion.ErrAlreadyFrozen)

	require.NoError(t, m.InstallBacking(r, memregion.NewAnonymousPrivate(), true))

	r.HostMem[4096] = 0xAB

	addr, err := m.Translate(4096)
	require.NoError(t, err)
	require.NotZero(t, addr)
}

func TestLayoutConflict(t *testing.T) {
	t.Parallel()

	m := memregion.NewManager()
	m.PageSize = 4096

	_, err := m.DeclareRegion(0, 8192, memregion.AnonymousPrivate)
	require.NoError(t, err)

	_, err = m.DeclareRegion(4096, 8192, memregion.AnonymousPrivate)
	require.ErrorIs(t, err, memregion.ErrLayoutConflict)
}

func TestDirtyBitmapSwap(t *testing.T) {
	t.Parallel()

	m := memregion.NewManager()
	m.PageSize = 4096

	r, err := m.DeclareRegion(0, 4096*128, memregion.AnonymousPrivate)
	require.NoError(t, err)

	m.FreezeLayout()
	require.NoError(t, m.InstallBacking(r, memregion.NewAnonymousPrivate(), true))

	require.NoError(t, m.MarkDirty(r, 4096*3))

	bitmap, err := m.DirtyBitmap(r)
	require.NoError(t, err)
	require.Equal(t, uint64(1<<3), bitmap[0])

	second, err := m.DirtyBitmap(r)
	require.NoError(t, err)
	require.Zero(t, second[0])
}

func TestMarkDirtyWordsMergesWithSoftwareTracking(t *testing.T) {
	t.Parallel()

	m := memregion.NewManager()
	m.PageSize = 4096

	r, err := m.DeclareRegion(0, 4096*128, memregion.AnonymousPrivate)
	require.NoError(t, err)

	m.FreezeLayout()
	require.NoError(t, m.InstallBacking(r, memregion.NewAnonymousPrivate(), true))

	require.NoError(t, m.MarkDirty(r, 4096*3))
	require.NoError(t, m.MarkDirtyWords(r, []uint64{1 << 5}))

	bitmap, err := m.DirtyBitmap(r)
	require.NoError(t, err)
	require.Equal(t, uint64(1<<3|1<<5), bitmap[0])
}

func TestMarkDirtyWordsRejectsUntracked(t *testing.T) {
	t.Parallel()

	m := memregion.NewManager()
	m.PageSize = 4096

	r, err := m.DeclareRegion(0, 4096, memregion.AnonymousPrivate)
	require.NoError(t, err)

	m.FreezeLayout()
	require.NoError(t, m.InstallBacking(r, memregion.NewAnonymousPrivate(), false))

	err = m.MarkDirtyWords(r, []uint64{1})
	require.ErrorIs(t, err, memregion.ErrNotDirtyTracked)
}

func TestEnableDirtyTrackingArmsThenNoops(t *testing.T) {
	t.Parallel()

	m := memregion.NewManager()
	m.PageSize = 4096

	r, err := m.DeclareRegion(0, 4096*4, memregion.AnonymousPrivate)
	require.NoError(t, err)

	m.FreezeLayout()
	require.NoError(t, m.InstallBacking(r, memregion.NewAnonymousPrivate(), false))
	require.False(t, r.DirtyTracked)

	require.NoError(t, m.EnableDirtyTracking(r))
	require.True(t, r.DirtyTracked)

	require.NoError(t, m.MarkDirty(r, 4096))

	// A second call must not reset the bitmap it just armed.
	require.NoError(t, m.EnableDirtyTracking(r))

	bitmap, err := m.DirtyBitmap(r)
	require.NoError(t, err)
	require.Equal(t, uint64(1<<1), bitmap[0])
}

func TestRegionAtNotFound(t *testing.T) {
	t.Parallel()

	m := memregion.NewManager()
	m.PageSize = 4096

	_, err := m.DeclareRegion(0, 4096, memregion.AnonymousPrivate)
	require.NoError(t, err)
	m.FreezeLayout()

	_, err = m.RegionAt(1 << 30)
	require.ErrorIs(t, err, memregion.ErrRegionNotFound)
}
