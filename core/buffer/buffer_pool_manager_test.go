package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vedant-j/koshdb/core/storage/disk"
	"github.com/vedant-j/koshdb/core/storage/page"
)

func setupPool(t *testing.T, poolSize, k int) *BufferPoolManager {
	t.Helper()
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "kosh.db"), page.PageSize, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })
	return NewBufferPoolManager(poolSize, dm, k, nil)
}

func TestBufferPoolNewPageAllocatesMonotonicIDs(t *testing.T) {
	bpm := setupPool(t, 10, 2)

	for want := page.PageID(1); want <= 5; want++ {
		pg, err := bpm.NewPage()
		require.NoError(t, err)
		require.Equal(t, want, pg.GetPageID())
		require.Equal(t, uint32(1), pg.GetPinCount())
	}
}

func TestBufferPoolRoundTrip(t *testing.T) {
	bpm := setupPool(t, 3, 2)

	pg, err := bpm.NewPage()
	require.NoError(t, err)
	pid := pg.GetPageID()
	copy(pg.GetData(), []byte("storage core round trip"))
	require.NoError(t, bpm.UnpinPage(pid, true))
	require.NoError(t, bpm.FlushPage(pid))

	// Fill the pool with other pages so pid's frame gets recycled.
	for i := 0; i < 3; i++ {
		other, err := bpm.NewPage()
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(other.GetPageID(), false))
	}

	fetched, err := bpm.FetchPage(pid)
	require.NoError(t, err)
	require.Equal(t, []byte("storage core round trip"), fetched.GetData()[:23])
	require.NoError(t, bpm.UnpinPage(pid, false))
}

func TestBufferPoolDirtyVictimFlushedOnEviction(t *testing.T) {
	bpm := setupPool(t, 1, 2)

	pg, err := bpm.NewPage()
	require.NoError(t, err)
	pid := pg.GetPageID()
	copy(pg.GetData(), []byte("dirty"))
	// Unpin dirty but never flush explicitly.
	require.NoError(t, bpm.UnpinPage(pid, true))

	// The single frame gets evicted for a new page; the dirty victim must be
	// written through.
	other, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(other.GetPageID(), false))

	fetched, err := bpm.FetchPage(pid)
	require.NoError(t, err)
	require.Equal(t, []byte("dirty"), fetched.GetData()[:5])
	require.NoError(t, bpm.UnpinPage(pid, false))
}

func TestBufferPoolExhaustion(t *testing.T) {
	bpm := setupPool(t, 2, 2)

	a, err := bpm.NewPage()
	require.NoError(t, err)
	b, err := bpm.NewPage()
	require.NoError(t, err)

	// Both frames pinned: no page can be allocated or fetched.
	_, err = bpm.NewPage()
	require.ErrorIs(t, err, ErrBufferPoolFull)

	require.NoError(t, bpm.UnpinPage(a.GetPageID(), false))
	pg, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(pg.GetPageID(), false))
	require.NoError(t, bpm.UnpinPage(b.GetPageID(), false))
}

func TestBufferPoolUnpinErrors(t *testing.T) {
	bpm := setupPool(t, 2, 2)

	require.ErrorIs(t, bpm.UnpinPage(42, false), ErrPageNotFound)

	pg, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(pg.GetPageID(), false))
	require.ErrorIs(t, bpm.UnpinPage(pg.GetPageID(), false), ErrPageNotPinned)
}

func TestBufferPoolUnpinDirtyIsSticky(t *testing.T) {
	bpm := setupPool(t, 2, 2)

	pg, err := bpm.NewPage()
	require.NoError(t, err)
	pid := pg.GetPageID()
	copy(pg.GetData(), []byte("sticky"))

	// Two pins: a dirty unpin followed by a clean unpin must not lose the
	// dirty flag.
	_, err = bpm.FetchPage(pid)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(pid, true))
	require.NoError(t, bpm.UnpinPage(pid, false))
	require.True(t, pg.IsDirty())
}

func TestBufferPoolDeletePage(t *testing.T) {
	bpm := setupPool(t, 2, 2)

	pg, err := bpm.NewPage()
	require.NoError(t, err)
	pid := pg.GetPageID()

	require.ErrorIs(t, bpm.DeletePage(pid), ErrPagePinned)

	require.NoError(t, bpm.UnpinPage(pid, false))
	require.NoError(t, bpm.DeletePage(pid))

	// Deleting a non-resident page is a no-op.
	require.NoError(t, bpm.DeletePage(pid))

	// The freed frame is reusable.
	a, err := bpm.NewPage()
	require.NoError(t, err)
	b, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(a.GetPageID(), false))
	require.NoError(t, bpm.UnpinPage(b.GetPageID(), false))
}

func TestBufferPoolPinPreventsEviction(t *testing.T) {
	bpm := setupPool(t, 2, 2)

	pinned, err := bpm.NewPage()
	require.NoError(t, err)
	pinnedID := pinned.GetPageID()

	other, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(other.GetPageID(), false))

	// Churn through pages: only the unpinned frame may be recycled.
	for i := 0; i < 5; i++ {
		pg, err := bpm.NewPage()
		require.NoError(t, err)
		require.NotEqual(t, pinnedID, pg.GetPageID())
		require.NoError(t, bpm.UnpinPage(pg.GetPageID(), false))
	}

	fetched, err := bpm.FetchPage(pinnedID)
	require.NoError(t, err)
	require.Equal(t, uint32(2), fetched.GetPinCount())
	require.NoError(t, bpm.UnpinPage(pinnedID, false))
	require.NoError(t, bpm.UnpinPage(pinnedID, false))
}

func TestBufferPoolFlushAll(t *testing.T) {
	bpm := setupPool(t, 4, 2)

	var pids []page.PageID
	for i := 0; i < 3; i++ {
		pg, err := bpm.NewPage()
		require.NoError(t, err)
		pg.GetData()[0] = byte(i + 1)
		pids = append(pids, pg.GetPageID())
		require.NoError(t, bpm.UnpinPage(pg.GetPageID(), true))
	}
	require.NoError(t, bpm.FlushAllPages())

	for i, pid := range pids {
		pg, err := bpm.FetchPage(pid)
		require.NoError(t, err)
		require.False(t, pg.IsDirty())
		require.Equal(t, byte(i+1), pg.GetData()[0])
		require.NoError(t, bpm.UnpinPage(pid, false))
	}
}

func TestBufferPoolReplacerAccounting(t *testing.T) {
	bpm := setupPool(t, 3, 2)

	pg, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, 0, bpm.ReplacerSize())

	require.NoError(t, bpm.UnpinPage(pg.GetPageID(), false))
	require.Equal(t, 1, bpm.ReplacerSize())

	_, err = bpm.FetchPage(pg.GetPageID())
	require.NoError(t, err)
	require.Equal(t, 0, bpm.ReplacerSize())
	require.NoError(t, bpm.UnpinPage(pg.GetPageID(), false))
}
