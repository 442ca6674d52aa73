package bufferpool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/shadowbase/internal/storage"
)

func newTestDiskManager(t *testing.T, base string) *storage.DiskManager {
	t.Helper()
	dir := t.TempDir()
	fs := storage.LocalFileSet{Dir: dir, Base: base}
	dm, err := storage.NewDiskManager(fs, filepath.Join(dir, base+".freelist.json"))
	require.NoError(t, err)
	return dm
}

func TestPool_GetPageLoadsAndCaches(t *testing.T) {
	pool := NewPool(4)
	dm := newTestDiskManager(t, "t1")
	pool.RegisterFileSet("t1", dm)

	id, err := dm.AllocatePage()
	require.NoError(t, err)

	p, err := pool.GetPage("t1", id)
	require.NoError(t, err)
	require.Equal(t, id, p.PageID())
	require.NoError(t, pool.Unpin("t1", p, false))
}

func TestPool_UnknownFileSet(t *testing.T) {
	pool := NewPool(4)
	_, err := pool.GetPage("nope", 1)
	require.ErrorIs(t, err, ErrUnknownFileSet)
}

func TestPool_EvictsLRUWhenFull(t *testing.T) {
	pool := NewPool(2)
	dm := newTestDiskManager(t, "t2")
	pool.RegisterFileSet("t2", dm)

	var ids []uint32
	for i := 0; i < 3; i++ {
		id, err := dm.AllocatePage()
		require.NoError(t, err)
		ids = append(ids, id)
	}

	p0, err := pool.GetPage("t2", ids[0])
	require.NoError(t, err)
	require.NoError(t, pool.Unpin("t2", p0, false))

	p1, err := pool.GetPage("t2", ids[1])
	require.NoError(t, err)
	require.NoError(t, pool.Unpin("t2", p1, false))

	// Both frames are now unpinned and evictable; fetching a third page
	// must evict one rather than erroring with ErrNoFreeFrame.
	p2, err := pool.GetPage("t2", ids[2])
	require.NoError(t, err)
	require.NoError(t, pool.Unpin("t2", p2, false))
}

func TestPool_PinnedFrameBlocksEviction(t *testing.T) {
	pool := NewPool(1)
	dm := newTestDiskManager(t, "t3")
	pool.RegisterFileSet("t3", dm)

	id0, err := dm.AllocatePage()
	require.NoError(t, err)
	id1, err := dm.AllocatePage()
	require.NoError(t, err)

	_, err = pool.GetPage("t3", id0) // left pinned on purpose
	require.NoError(t, err)

	_, err = pool.GetPage("t3", id1)
	require.ErrorIs(t, err, ErrNoFreeFrame)
}

func TestPool_ShadowCopiesPageUnderNewPhysicalID(t *testing.T) {
	pool := NewPool(4)
	dm := newTestDiskManager(t, "t4")
	pool.RegisterFileSet("t4", dm)

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	p, err := pool.GetPage("t4", id)
	require.NoError(t, err)
	_, err = p.InsertTuple([]byte("original"))
	require.NoError(t, err)
	require.NoError(t, pool.Unpin("t4", p, true))
	require.NoError(t, pool.FlushFileSet("t4"))

	newID, err := pool.Shadow("t4", id)
	require.NoError(t, err)
	require.NotEqual(t, id, newID)

	shadowed, err := pool.GetPage("t4", newID)
	require.NoError(t, err)
	got, err := shadowed.ReadTuple(0)
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got)
	require.NoError(t, pool.Unpin("t4", shadowed, false))
}

func TestPool_FreePhysicalRejectsPinnedFrame(t *testing.T) {
	pool := NewPool(4)
	dm := newTestDiskManager(t, "t5")
	pool.RegisterFileSet("t5", dm)

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	_, err = pool.GetPage("t5", id) // pinned, never unpinned
	require.NoError(t, err)

	err = pool.FreePhysical("t5", id)
	require.ErrorIs(t, err, ErrPagePinned)
}

func TestPool_FlushAllWritesBackDirtyFrames(t *testing.T) {
	pool := NewPool(4)
	dm := newTestDiskManager(t, "t6")
	pool.RegisterFileSet("t6", dm)

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	p, err := pool.GetPage("t6", id)
	require.NoError(t, err)
	_, err = p.InsertTuple([]byte("flush-me"))
	require.NoError(t, err)
	require.NoError(t, pool.Unpin("t6", p, true))
	require.NoError(t, pool.FlushAll())

	reloaded, err := dm.LoadPage(id)
	require.NoError(t, err)
	got, err := reloaded.ReadTuple(0)
	require.NoError(t, err)
	require.Equal(t, []byte("flush-me"), got)
}

func TestPool_StatsReflectsPinAndDirty(t *testing.T) {
	pool := NewPool(4)
	dm := newTestDiskManager(t, "t7")
	pool.RegisterFileSet("t7", dm)

	require.Equal(t, Stats{Capacity: 4}, pool.Stats())

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	p, err := pool.GetPage("t7", id)
	require.NoError(t, err)

	s := pool.Stats()
	require.Equal(t, 4, s.Capacity)
	require.Equal(t, 1, s.InUse)
	require.Equal(t, 1, s.Pinned)
	require.Equal(t, 0, s.Dirty)

	require.NoError(t, pool.Unpin("t7", p, true))
	s = pool.Stats()
	require.Equal(t, 0, s.Pinned)
	require.Equal(t, 1, s.Dirty)
}
