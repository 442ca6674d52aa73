package btree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/shadowbase/internal/bufferpool"
	"github.com/tuannm99/shadowbase/internal/heap"
	"github.com/tuannm99/shadowbase/internal/storage"
)

// newTestLeaf creates a LeafNode backed by a fresh allocated page in a temp
// dir, pinned through a fileset-scoped bufferpool.Manager view.
func newTestLeaf(t *testing.T) (*LeafNode, bufferpool.Manager) {
	t.Helper()

	dir := t.TempDir()
	fs := storage.LocalFileSet{Dir: dir, Base: "leaf_test"}
	dm, err := storage.NewDiskManager(fs, filepath.Join(dir, "leaf_test.freelist.json"))
	require.NoError(t, err)

	pool := bufferpool.NewPool(bufferpool.DefaultCapacity)
	pool.RegisterFileSet("leaf_test", dm)
	bp := pool.View("leaf_test")

	pid, err := dm.AllocatePage()
	require.NoError(t, err)
	p, err := bp.GetPage(pid)
	require.NoError(t, err)
	p.Init(pid)

	leaf := &LeafNode{Page: p}
	return leaf, bp
}

func TestLeaf_AppendAndEntryAt(t *testing.T) {
	leaf, bp := newTestLeaf(t)
	defer func() { _ = bp.Unpin(leaf.Page, false) }()

	// Insert a few entries with increasing keys.
	for i := int64(1); i <= 5; i++ {
		tid := heap.TID{PageID: 123, Slot: uint16(i)}
		err := leaf.AppendEntry(i, tid)
		require.NoError(t, err)
	}

	require.Equal(t, 5, leaf.NumKeys())

	// Verify entries are decoded correctly.
	for i := 0; i < leaf.NumKeys(); i++ {
		k, tid, err := leaf.EntryAt(i)
		require.NoError(t, err)
		require.Equal(t, KeyType(i+1), k)
		require.Equal(t, uint32(123), tid.PageID)
		require.Equal(t, uint16(i+1), tid.Slot)
	}
}

func TestLeaf_FindEqualAndRange(t *testing.T) {
	leaf, bp := newTestLeaf(t)
	defer func() { _ = bp.Unpin(leaf.Page, false) }()

	// Insert keys: 1,2,3,3,4,5.
	keys := []KeyType{1, 2, 3, 3, 4, 5}
	for i, k := range keys {
		tid := heap.TID{PageID: 1, Slot: uint16(i)}
		require.NoError(t, leaf.AppendEntry(k, tid))
	}

	// FindEqual(3) → 2 entries.
	tids, err := leaf.FindEqual(3)
	require.NoError(t, err)
	require.Len(t, tids, 2)
	for _, tid := range tids {
		require.Equal(t, uint32(1), tid.PageID)
	}

	// Range [2,4] → keys {2,3,3,4}.
	rangeTIDs, err := leaf.Range(2, 4)
	require.NoError(t, err)
	require.Len(t, rangeTIDs, 4)

	// Check that all keys in range are indeed 2..4.
	for _, tid := range rangeTIDs {
		// recover the key by scanning leaf
		found := false
		for i := 0; i < leaf.NumKeys(); i++ {
			k, tID, err := leaf.EntryAt(i)
			require.NoError(t, err)
			if tID == tid {
				require.GreaterOrEqual(t, k, KeyType(2))
				require.LessOrEqual(t, k, KeyType(4))
				found = true
				break
			}
		}
		require.True(t, found, "tid not found in leaf entries")
	}
}

func TestLeaf_ReadEntriesAndRebuildSorted(t *testing.T) {
	leaf, bp := newTestLeaf(t)
	defer func() { _ = bp.Unpin(leaf.Page, false) }()

	require.NoError(t, leaf.AppendEntry(3, heap.TID{PageID: 1, Slot: 0}))
	require.NoError(t, leaf.AppendEntry(1, heap.TID{PageID: 1, Slot: 1}))
	require.NoError(t, leaf.AppendEntry(2, heap.TID{PageID: 1, Slot: 2}))

	entries, err := leaf.readEntries()
	require.NoError(t, err)
	require.Equal(t, []KeyType{3, 1, 2}, []KeyType{entries[0].key, entries[1].key, entries[2].key})

	sortLeafEntries(entries)
	require.Equal(t, []KeyType{1, 2, 3}, []KeyType{entries[0].key, entries[1].key, entries[2].key})

	require.NoError(t, leaf.rebuildSorted(entries))
	require.Equal(t, 3, leaf.NumKeys())
	for i, want := range []KeyType{1, 2, 3} {
		k, _, err := leaf.EntryAt(i)
		require.NoError(t, err)
		require.Equal(t, want, k)
	}
}
