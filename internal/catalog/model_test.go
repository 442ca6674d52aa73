package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/shadowbase/internal/bufferpool"
	"github.com/tuannm99/shadowbase/internal/pagetable"
	"github.com/tuannm99/shadowbase/internal/record"
	"github.com/tuannm99/shadowbase/internal/storage"
	"github.com/tuannm99/shadowbase/internal/txn"
)

// testRig mirrors internal/heap's and internal/btree's: one shared buffer
// pool, page table and transaction manager standing in for internal/engine.
type testRig struct {
	bp  *bufferpool.Pool
	pt  *pagetable.Table
	tm  *txn.Manager
	dir string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	bp := bufferpool.NewPool(bufferpool.DefaultCapacity)
	pt := pagetable.New()
	return &testRig{bp: bp, pt: pt, tm: txn.NewManager(bp, pt), dir: t.TempDir()}
}

func (r *testRig) newCatalog(t *testing.T) *Catalog {
	t.Helper()
	fs := storage.LocalFileSet{Dir: r.dir, Base: "catalog"}
	dm, err := storage.NewDiskManager(fs, filepath.Join(r.dir, "catalog.freelist.json"))
	require.NoError(t, err)

	c, err := New(dm, r.bp, r.pt)
	require.NoError(t, err)
	return c
}

func usersSchema() record.Schema {
	return record.Schema{
		Cols: []record.Column{
			{Name: "id", Type: record.ColInt64, Nullable: false, Unique: true},
			{Name: "name", Type: record.ColText, Nullable: false},
		},
	}
}

func TestCatalog_CreateAndLookup(t *testing.T) {
	rig := newTestRig(t)
	cat := rig.newCatalog(t)

	tx, err := rig.tm.Begin()
	require.NoError(t, err)
	require.NoError(t, cat.Create(tx, Row{
		Name:       "users",
		Schema:     usersSchema(),
		FSKey:      "users.heap",
		PageCount:  1,
		IndexFSKey: "users_id.idx",
	}))
	require.NoError(t, rig.tm.Commit(tx))

	row, found, err := cat.Lookup(nil, "users")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "users.heap", row.FSKey)
	require.Equal(t, uint32(1), row.PageCount)
	require.Equal(t, "users_id.idx", row.IndexFSKey)
	require.Len(t, row.Schema.Cols, 2)

	_, found, err = cat.Lookup(nil, "nope")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCatalog_CreateDuplicateRejected(t *testing.T) {
	rig := newTestRig(t)
	cat := rig.newCatalog(t)

	tx, err := rig.tm.Begin()
	require.NoError(t, err)
	require.NoError(t, cat.Create(tx, Row{Name: "users", Schema: usersSchema(), FSKey: "users.heap"}))
	err = cat.Create(tx, Row{Name: "users", Schema: usersSchema(), FSKey: "users.heap"})
	require.ErrorIs(t, err, ErrDuplicateTable)
	require.NoError(t, rig.tm.Commit(tx))
}

func TestCatalog_ListAndDrop(t *testing.T) {
	rig := newTestRig(t)
	cat := rig.newCatalog(t)

	tx, err := rig.tm.Begin()
	require.NoError(t, err)
	require.NoError(t, cat.Create(tx, Row{Name: "users", Schema: usersSchema(), FSKey: "users.heap"}))
	require.NoError(t, cat.Create(tx, Row{Name: "orders", Schema: usersSchema(), FSKey: "orders.heap"}))
	require.NoError(t, rig.tm.Commit(tx))

	rows, err := cat.List(nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	tx2, err := rig.tm.Begin()
	require.NoError(t, err)
	require.NoError(t, cat.Drop(tx2, "orders"))
	require.NoError(t, rig.tm.Commit(tx2))

	rows, err = cat.List(nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "users", rows[0].Name)

	tx3, err := rig.tm.Begin()
	require.NoError(t, err)
	err = cat.Drop(tx3, "orders")
	require.ErrorIs(t, err, ErrTableNotFound)
	require.NoError(t, rig.tm.Rollback(tx3))
}

func TestCatalog_UpdatePageCountAndIndex(t *testing.T) {
	rig := newTestRig(t)
	cat := rig.newCatalog(t)

	tx, err := rig.tm.Begin()
	require.NoError(t, err)
	require.NoError(t, cat.Create(tx, Row{Name: "users", Schema: usersSchema(), FSKey: "users.heap"}))
	require.NoError(t, rig.tm.Commit(tx))

	tx2, err := rig.tm.Begin()
	require.NoError(t, err)
	require.NoError(t, cat.UpdatePageCount(tx2, "users", 4))
	require.NoError(t, cat.UpdateIndex(tx2, "users", "users_id.idx", 7, 2))
	require.NoError(t, rig.tm.Commit(tx2))

	row, found, err := cat.Lookup(nil, "users")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(4), row.PageCount)
	require.Equal(t, "users_id.idx", row.IndexFSKey)
	require.Equal(t, uint32(7), row.IndexRoot)
	require.Equal(t, 2, row.IndexHeight)
}
