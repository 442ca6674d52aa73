package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDiskManager(t *testing.T, base string) *DiskManager {
	t.Helper()
	dir := t.TempDir()
	fs := LocalFileSet{Dir: dir, Base: base}
	dm, err := NewDiskManager(fs, filepath.Join(dir, base+".freelist.json"))
	require.NoError(t, err)
	return dm
}

func TestDiskManager_AllocateWriteReadRoundtrip(t *testing.T) {
	dm := newTestDiskManager(t, "t1")

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, uint32(1), id)

	p := NewPage(make([]byte, PageSize), id)
	_, err = p.InsertTuple([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, dm.SavePage(id, p))

	loaded, err := dm.LoadPage(id)
	require.NoError(t, err)
	got, err := loaded.ReadTuple(0)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestDiskManager_FreeListReuse(t *testing.T) {
	dm := newTestDiskManager(t, "t2")

	a, err := dm.AllocatePage()
	require.NoError(t, err)
	b, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	require.NoError(t, dm.FreePage(a))
	c, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, a, c, "freed page ids should be recycled before the high-water mark advances")
}

func TestDiskManager_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	sidecar := filepath.Join(dir, "t3.freelist.json")
	fs := LocalFileSet{Dir: dir, Base: "t3"}

	dm, err := NewDiskManager(fs, sidecar)
	require.NoError(t, err)
	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, dm.FreePage(id))

	dm2, err := NewDiskManager(fs, sidecar)
	require.NoError(t, err)
	reused, err := dm2.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, id, reused)
}

func TestDiskManager_ReadUnwrittenPageIsZeroFilled(t *testing.T) {
	dm := newTestDiskManager(t, "t4")
	buf := make([]byte, PageSize)
	require.NoError(t, dm.ReadPage(42, buf))
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
}

func TestDiskManager_SyncAll(t *testing.T) {
	dm := newTestDiskManager(t, "t5")
	for i := 0; i < 3; i++ {
		id, err := dm.AllocatePage()
		require.NoError(t, err)
		require.NoError(t, dm.SavePage(id, NewPage(make([]byte, PageSize), id)))
	}
	require.NoError(t, dm.SyncAll())
}
