package heap

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/shadowbase/internal/bufferpool"
	"github.com/tuannm99/shadowbase/internal/pagetable"
	"github.com/tuannm99/shadowbase/internal/record"
	"github.com/tuannm99/shadowbase/internal/storage"
	"github.com/tuannm99/shadowbase/internal/txn"
)

// testRig bundles everything one table needs: its own DiskManager/fileset,
// a shared buffer pool + page table + transaction manager, mirroring how
// internal/engine wires a single Database together.
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

func (r *testRig) newTable(t *testing.T, name string, schema record.Schema) *Table {
	t.Helper()
	fs := storage.LocalFileSet{Dir: r.dir, Base: name}
	dm, err := storage.NewDiskManager(fs, filepath.Join(r.dir, name+".freelist.json"))
	require.NoError(t, err)

	ovfFS := storage.LocalFileSet{Dir: r.dir, Base: name + "_ovf"}
	ovfDM, err := storage.NewDiskManager(ovfFS, filepath.Join(r.dir, name+"_ovf.freelist.json"))
	require.NoError(t, err)
	r.bp.RegisterFileSet(name+".ovf", ovfDM)
	ovf := storage.NewOverflowManager(ovfDM)

	tbl, err := NewTable(name, schema, name+".heap", dm, r.bp, r.pt, ovf, 0)
	require.NoError(t, err)
	return tbl
}

func userSchema() record.Schema {
	return record.Schema{
		Cols: []record.Column{
			{Name: "id", Type: record.ColInt64, Nullable: false, Unique: true},
			{Name: "name", Type: record.ColText, Nullable: false},
			{Name: "active", Type: record.ColBool, Nullable: false},
		},
	}
}

func TestTable_InsertGetScan(t *testing.T) {
	rig := newTestRig(t)
	tbl := rig.newTable(t, "users", userSchema())

	tx, err := rig.tm.Begin()
	require.NoError(t, err)

	const numRows = 10
	type rowData struct {
		id     int64
		name   string
		active bool
	}
	expected := make(map[int64]rowData)
	tids := make(map[int64]TID)

	for i := 1; i <= numRows; i++ {
		r := rowData{id: int64(i), name: fmt.Sprintf("user-%d", i), active: i%2 == 0}
		tid, err := tbl.Insert(tx, []any{r.id, r.name, r.active})
		require.NoError(t, err)
		expected[r.id] = r
		tids[r.id] = tid
	}

	require.NoError(t, rig.tm.Commit(tx))
	require.NoError(t, tbl.Flush())

	got := make(map[int64]rowData)
	err = tbl.Scan(nil, func(id TID, row []any) error {
		got[row[0].(int64)] = rowData{id: row[0].(int64), name: row[1].(string), active: row[2].(bool)}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, expected, got)

	row, err := tbl.Get(nil, tids[3])
	require.NoError(t, err)
	require.Equal(t, int64(3), row[0].(int64))
}

func TestTable_UpdateRedirect_ScanAndGet(t *testing.T) {
	rig := newTestRig(t)
	tbl := rig.newTable(t, "users_update", userSchema())

	tx, err := rig.tm.Begin()
	require.NoError(t, err)

	var tidFirst TID
	for i := 1; i <= 3; i++ {
		tid, err := tbl.Insert(tx, []any{int64(i), fmt.Sprintf("user-%d", i), true})
		require.NoError(t, err)
		if i == 1 {
			tidFirst = tid
		}
	}
	require.NoError(t, rig.tm.Commit(tx))

	tx2, err := rig.tm.Begin()
	require.NoError(t, err)
	updatedName := "user-1-updated-and-longer"
	newID, err := tbl.Update(tx2, tidFirst, []any{int64(1), updatedName, false})
	require.NoError(t, err)
	require.Equal(t, tidFirst, newID, "update within page slack must not relocate the row")
	require.NoError(t, rig.tm.Commit(tx2))
	require.NoError(t, tbl.Flush())

	foundIDs := make(map[int64]string)
	err = tbl.Scan(nil, func(id TID, row []any) error {
		foundIDs[row[0].(int64)] = row[1].(string)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, updatedName, foundIDs[1])
	require.Len(t, foundIDs, 3)

	row, err := tbl.Get(nil, tidFirst)
	require.NoError(t, err)
	require.Equal(t, int64(1), row[0].(int64))
	require.Equal(t, updatedName, row[1].(string))
	require.False(t, row[2].(bool))
}

func TestTable_DeleteAndScan(t *testing.T) {
	rig := newTestRig(t)
	tbl := rig.newTable(t, "users_delete", userSchema())

	tx, err := rig.tm.Begin()
	require.NoError(t, err)
	var tid3 TID
	for i := 1; i <= 5; i++ {
		tid, err := tbl.Insert(tx, []any{int64(i), fmt.Sprintf("user-%d", i), i%2 == 0})
		require.NoError(t, err)
		if i == 3 {
			tid3 = tid
		}
	}
	require.NoError(t, rig.tm.Commit(tx))

	tx2, err := rig.tm.Begin()
	require.NoError(t, err)
	require.NoError(t, tbl.Delete(tx2, tid3))
	require.NoError(t, rig.tm.Commit(tx2))
	require.NoError(t, tbl.Flush())

	found := make(map[int64]bool)
	err = tbl.Scan(nil, func(id TID, row []any) error {
		found[row[0].(int64)] = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, found[3], "id=3 should have been deleted")
	require.True(t, found[1])
	require.True(t, found[2])
	require.True(t, found[4])
	require.True(t, found[5])
	require.Len(t, found, 4)
}

func TestTable_RollbackDiscardsShadowedWrite(t *testing.T) {
	rig := newTestRig(t)
	tbl := rig.newTable(t, "users_rollback", userSchema())

	tx, err := rig.tm.Begin()
	require.NoError(t, err)
	tid, err := tbl.Insert(tx, []any{int64(1), "alice", true})
	require.NoError(t, err)
	require.NoError(t, rig.tm.Commit(tx))

	tx2, err := rig.tm.Begin()
	require.NoError(t, err)
	_, err = tbl.Update(tx2, tid, []any{int64(1), "alice-edited", false})
	require.NoError(t, err)
	require.NoError(t, rig.tm.Rollback(tx2))

	row, err := tbl.Get(nil, tid)
	require.NoError(t, err)
	require.Equal(t, "alice", row[1].(string))
}

func TestTable_UpdateOverflowingPageRelocatesRow(t *testing.T) {
	rig := newTestRig(t)
	tbl := rig.newTable(t, "users_relocate", userSchema())

	tx, err := rig.tm.Begin()
	require.NoError(t, err)
	// Nearly fill page 0 with a large first row, then a small second row,
	// leaving too little free space on the page for the second row's
	// update below to relocate in place.
	filler := string(make([]byte, 7500))
	_, err = tbl.Insert(tx, []any{int64(1), filler, true})
	require.NoError(t, err)
	idSmall, err := tbl.Insert(tx, []any{int64(2), "short", false})
	require.NoError(t, err)
	require.NoError(t, rig.tm.Commit(tx))

	tx2, err := rig.tm.Begin()
	require.NoError(t, err)
	bigger := string(make([]byte, 1000))
	newID, err := tbl.Update(tx2, idSmall, []any{int64(2), bigger, true})
	require.NoError(t, err)
	require.NotEqual(t, idSmall, newID, "update should have relocated to a new page")
	require.NoError(t, rig.tm.Commit(tx2))
	require.NoError(t, tbl.Flush())

	row, err := tbl.Get(nil, newID)
	require.NoError(t, err)
	require.Equal(t, int64(2), row[0].(int64))
	require.Equal(t, bigger, row[1].(string))
	require.True(t, row[2].(bool))

	_, err = tbl.Get(nil, idSmall)
	require.ErrorIs(t, err, storage.ErrBadSlot, "old slot must be tombstoned, not live")

	found := make(map[int64]bool)
	require.NoError(t, tbl.Scan(nil, func(id TID, row []any) error {
		found[row[0].(int64)] = true
		return nil
	}))
	require.True(t, found[1])
	require.True(t, found[2])
	require.Len(t, found, 2)
}

func TestTable_ValidateRejectsNaNUnique(t *testing.T) {
	rig := newTestRig(t)
	schema := record.Schema{
		Cols: []record.Column{
			{Name: "score", Type: record.ColFloat64, Nullable: false, Unique: true},
		},
	}
	tbl := rig.newTable(t, "scores", schema)

	tx, err := rig.tm.Begin()
	require.NoError(t, err)
	_, err = tbl.Insert(tx, []any{nan()})
	require.ErrorIs(t, err, ErrNaNUnique)
	require.NoError(t, rig.tm.Rollback(tx))
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestTable_ReachablePageIDsCoversHeapAndOverflow(t *testing.T) {
	rig := newTestRig(t)
	schema := record.Schema{
		Cols: []record.Column{
			{Name: "id", Type: record.ColInt64, Nullable: false, Unique: true},
			{Name: "bio", Type: record.ColText, Nullable: true},
		},
	}
	tbl := rig.newTable(t, "profiles", schema)

	tx, err := rig.tm.Begin()
	require.NoError(t, err)
	shortTID, err := tbl.Insert(tx, []any{int64(1), "short"})
	require.NoError(t, err)
	bigBio := make([]byte, storage.PageSize*2)
	for i := range bigBio {
		bigBio[i] = 'z'
	}
	bigTID, err := tbl.Insert(tx, []any{int64(2), string(bigBio)})
	require.NoError(t, err)
	require.NoError(t, rig.tm.Commit(tx))

	heapPages, overflowPages, err := tbl.ReachablePageIDs()
	require.NoError(t, err)
	require.NotEmpty(t, heapPages)
	require.NotEmpty(t, overflowPages, "the big bio should have spilled to the overflow chain")

	row, err := tbl.Get(nil, shortTID)
	require.NoError(t, err)
	require.Equal(t, "short", row[1].(string))
	row, err = tbl.Get(nil, bigTID)
	require.NoError(t, err)
	require.Equal(t, string(bigBio), row[1].(string))
}
