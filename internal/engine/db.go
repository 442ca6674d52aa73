// Package engine ties storage, transactions, the catalog, and indexes
// together into a single database handle. spec.md §4 describes the whole
// lifecycle this package wires up: open/create, single-writer transactions
// via shadow paging, tuple CRUD with NOT NULL/UNIQUE enforcement, and
// table-level DDL, all going through the same commit/rollback protocol.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tuannm99/shadowbase/internal/btree"
	"github.com/tuannm99/shadowbase/internal/bufferpool"
	"github.com/tuannm99/shadowbase/internal/catalog"
	"github.com/tuannm99/shadowbase/internal/heap"
	"github.com/tuannm99/shadowbase/internal/pagetable"
	"github.com/tuannm99/shadowbase/internal/record"
	"github.com/tuannm99/shadowbase/internal/storage"
	"github.com/tuannm99/shadowbase/internal/txn"
)

var (
	ErrTableNotFound   = errors.New("engine: table not found")
	ErrUniqueViolation = errors.New("engine: unique constraint violation")
)

// openTable is one table's live handle: its heap plus, if its schema
// declares a UNIQUE column, the B+Tree indexing it.
type openTable struct {
	Heap       *heap.Table
	Index      *btree.Tree
	IndexFSKey string
}

// Database is the handle a session programs against: one shared buffer
// pool and page table, a single-writer transaction manager, the
// __CATALOG__ table describing every other table, and a lazily-populated
// cache of opened tables/indexes.
//
// Grounded on the teacher's internal/engine/db.go (DataDir plus a
// one-JSON-file-per-table TableMeta sidecar), generalized from a bare
// StorageManager+FileSet pair per table into the shared bufferpool.Pool/
// pagetable.Table/txn.Manager wiring the rest of this rewrite introduced,
// with internal/catalog replacing the old TableMeta sidecar entirely - a
// table's schema/page-count/index bookkeeping now lives in one catalog row
// instead of one file per table.
type Database struct {
	DataDir string

	BP *bufferpool.Pool
	PT *pagetable.Table
	TM *txn.Manager

	catalogDM *storage.DiskManager
	Catalog   *catalog.Catalog

	mu     sync.Mutex
	tables map[string]*openTable
}

// catalogMeta persists the catalog heap's own page count across restarts:
// the catalog describes every other table's page count in its own rows,
// but has nowhere to record its own, so it gets one dedicated sidecar.
type catalogMeta struct {
	PageCount uint32 `json:"page_count"`
}

func (db *Database) catalogMetaPath() string {
	return filepath.Join(db.DataDir, "catalog.meta.json")
}

func (db *Database) tableDir() string {
	return filepath.Join(db.DataDir, "tables")
}

func idxMetaPath(dir, name string) string {
	return filepath.Join(dir, name+"_idx.btree.meta.json")
}

// NewDatabase opens dataDir as a database, bootstrapping a brand-new one
// (empty catalog, empty page table) the first time dataDir is used.
func NewDatabase(dataDir string) (*Database, error) {
	if err := os.MkdirAll(dataDir, storage.FileMode0755); err != nil {
		return nil, err
	}

	db := &Database{DataDir: dataDir, tables: make(map[string]*openTable)}

	if err := os.MkdirAll(db.tableDir(), storage.FileMode0755); err != nil {
		return nil, err
	}

	pt, err := pagetable.Open(filepath.Join(dataDir, "pagetable.json"))
	if err != nil {
		return nil, err
	}
	db.PT = pt
	db.BP = bufferpool.NewPool(bufferpool.DefaultCapacity)
	db.TM = txn.NewManager(db.BP, db.PT)

	catFS := storage.LocalFileSet{Dir: dataDir, Base: "__catalog__"}
	catDM, err := storage.NewDiskManager(catFS, filepath.Join(dataDir, "__catalog__.freelist.json"))
	if err != nil {
		return nil, err
	}
	db.catalogDM = catDM

	pageCount, existing, err := db.readCatalogMeta()
	if err != nil {
		return nil, err
	}

	var cat *catalog.Catalog
	if existing {
		cat, err = catalog.Open(catDM, db.BP, db.PT, pageCount)
	} else {
		cat, err = catalog.New(catDM, db.BP, db.PT)
	}
	if err != nil {
		return nil, err
	}
	db.Catalog = cat
	cat.Table().SetPageCountHook(db.syncCatalogMeta)

	if !existing {
		if err := db.syncCatalogMeta(cat.PageCount()); err != nil {
			return nil, err
		}
	}

	return db, nil
}

func (db *Database) readCatalogMeta() (pageCount uint32, ok bool, err error) {
	data, err := os.ReadFile(db.catalogMetaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	var m catalogMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return 0, false, err
	}
	return m.PageCount, true, nil
}

// syncCatalogMeta is the catalog heap's pageCountHook.
func (db *Database) syncCatalogMeta(pageCount uint32) error {
	data, err := json.Marshal(catalogMeta{PageCount: pageCount})
	if err != nil {
		return err
	}
	return os.WriteFile(db.catalogMetaPath(), data, storage.FileMode0644)
}

// ---- Transactions ----

// Begin starts a new transaction. At most one may be Active at a time
// (spec.md §4.7's single-writer rule).
func (db *Database) Begin() (*txn.Txn, error) {
	return db.TM.Begin()
}

// Commit flushes every dirty page to disk and syncs every touched fileset,
// installs the transaction's shadow map into the page table, frees the
// superseded pages, and publishes every index's pending root. No fsync
// follows the install: the page-table and free-list side files written
// after it are not synced.
func (db *Database) Commit(tx *txn.Txn) error {
	if err := db.BP.FlushAll(); err != nil {
		return err
	}
	if err := db.TM.Commit(tx); err != nil {
		return err
	}
	db.adoptAll()
	return nil
}

// Rollback discards the transaction's shadow copies and every index's
// pending root accumulated under it.
func (db *Database) Rollback(tx *txn.Txn) error {
	err := db.TM.Rollback(tx)
	db.discardAll()
	return err
}

func (db *Database) adoptAll() {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, ot := range db.tables {
		if ot.Index != nil {
			ot.Index.Adopt()
		}
	}
}

func (db *Database) discardAll() {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, ot := range db.tables {
		if ot.Index != nil {
			ot.Index.Discard()
		}
	}
}

// RunImplicit begins a transaction, runs fn, and commits on success or
// rolls back on error - the implicit transaction spec.md §4.7 wraps around
// a bare statement outside any explicit BEGIN/COMMIT block.
func (db *Database) RunImplicit(fn func(tx *txn.Txn) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := db.Rollback(tx); rbErr != nil {
			slog.Warn("engine: rollback after failed statement also failed", "err", rbErr)
		}
		return err
	}
	return db.Commit(tx)
}

// Checkpoint flushes every dirty frame and fsyncs each fileset it wrote to,
// without touching the transaction manager -the periodic background half of
// spec.md §4.8's durability story. A background scheduler (cmd/server's
// cron job) calls this on an interval so a long-idle writer still gets its
// dirty pages to disk between commits.
func (db *Database) Checkpoint() error {
	return db.BP.FlushAll()
}

// ReclaimOrphans scans every DiskManager this database owns (the catalog's
// own heap, and each open table's heap/overflow/index filesets) for
// physical pages nothing currently reachable points at, and frees them back
// to that fileset's allocator. This is spec.md §4.8's "allocated-but-
// unreferenced shadow pages are reclaimed on next startup via a scan of
// unreferenced allocations": a crash between commit steps 3 and 5, or a
// transaction that died before Adopt/Discard ran, leaves exactly this kind
// of page. Must only run with no Active transaction - the reachability
// snapshot it takes is only valid against the last committed state.
func (db *Database) ReclaimOrphans() (int, error) {
	total := 0

	catPages, _, err := db.Catalog.Table().ReachablePageIDs()
	if err != nil {
		return total, err
	}
	total += reclaim(db.catalogDM, catPages)

	db.mu.Lock()
	tables := make(map[string]*openTable, len(db.tables))
	for name, ot := range db.tables {
		tables[name] = ot
	}
	db.mu.Unlock()

	for name, ot := range tables {
		heapPages, overflowPages, err := ot.Heap.ReachablePageIDs()
		if err != nil {
			return total, err
		}
		total += reclaim(ot.Heap.DM, heapPages)

		if ovfDM, ok := db.BP.DiskManager(name + ".ovf"); ok {
			total += reclaim(ovfDM, overflowPages)
		}

		if ot.Index != nil {
			idxPages, err := ot.Index.PageIDs()
			if err != nil {
				return total, err
			}
			total += reclaim(ot.Index.DM, idxPages)
		}
	}
	return total, nil
}

func reclaim(dm *storage.DiskManager, reachable []uint32) int {
	set := make(map[uint32]bool, len(reachable))
	for _, id := range reachable {
		set[id] = true
	}
	return dm.ReclaimUnreferenced(set)
}

// ---- Table lifecycle ----

func (db *Database) tableFileSet(name string) storage.LocalFileSet {
	return storage.LocalFileSet{Dir: db.tableDir(), Base: name}
}

func (db *Database) overflowFileSet(name string) storage.LocalFileSet {
	return storage.LocalFileSet{Dir: db.tableDir(), Base: name + "_ovf"}
}

func (db *Database) indexFileSet(name string) storage.LocalFileSet {
	return storage.LocalFileSet{Dir: db.tableDir(), Base: name + "_idx"}
}

func (db *Database) freelistPath(base string) string {
	return filepath.Join(db.tableDir(), base+".freelist.json")
}

// CreateTable registers a brand-new table (spec.md §4.1): its heap and, if
// the schema declares a UNIQUE column, its B+Tree index are both created
// eagerly, then one catalog row is inserted describing both. Fails with
// catalog.ErrDuplicateTable if name is already registered.
func (db *Database) CreateTable(name string, schema record.Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}

	heapFSKey := name + ".heap"
	heapDM, err := storage.NewDiskManager(db.tableFileSet(name), db.freelistPath(name))
	if err != nil {
		return err
	}

	ovfDM, err := storage.NewDiskManager(db.overflowFileSet(name), db.freelistPath(name+"_ovf"))
	if err != nil {
		return err
	}
	db.BP.RegisterFileSet(name+".ovf", ovfDM)
	ovf := storage.NewOverflowManager(ovfDM)

	tbl, err := heap.NewTable(name, schema, heapFSKey, heapDM, db.BP, db.PT, ovf, 0)
	if err != nil {
		return err
	}

	ot := &openTable{Heap: tbl}
	row := catalog.Row{Name: name, Schema: schema, FSKey: heapFSKey, PageCount: 0}

	if uniqueIdx := schema.UniqueColumn(); uniqueIdx >= 0 {
		idxFSKey := name + ".idx"
		idxDM, err := storage.NewDiskManager(db.indexFileSet(name), db.freelistPath(name+"_idx"))
		if err != nil {
			return err
		}
		tree, err := btree.NewTree(idxFSKey, idxDM, db.BP, idxMetaPath(db.tableDir(), name))
		if err != nil {
			return err
		}
		ot.Index = tree
		ot.IndexFSKey = idxFSKey
		row.IndexFSKey = idxFSKey
		row.IndexRoot, row.IndexHeight = tree.Root, tree.Height
	}

	if err := db.RunImplicit(func(tx *txn.Txn) error {
		return db.Catalog.Create(tx, row)
	}); err != nil {
		return err
	}

	tbl.SetPageCountHook(func(pageCount uint32) error {
		return db.Catalog.UpdatePageCount(db.TM.Active(), name, pageCount)
	})

	db.mu.Lock()
	db.tables[name] = ot
	db.mu.Unlock()
	return nil
}

// open returns the lazily-opened handle for name, reconstructing its
// heap/index from the catalog's row the first time name is referenced in
// this process.
func (db *Database) open(name string) (*openTable, error) {
	db.mu.Lock()
	if ot, ok := db.tables[name]; ok {
		db.mu.Unlock()
		return ot, nil
	}
	db.mu.Unlock()

	row, ok, err := db.Catalog.Lookup(db.TM.Active(), name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}

	heapDM, err := storage.NewDiskManager(db.tableFileSet(name), db.freelistPath(name))
	if err != nil {
		return nil, err
	}

	ovfDM, err := storage.NewDiskManager(db.overflowFileSet(name), db.freelistPath(name+"_ovf"))
	if err != nil {
		return nil, err
	}
	db.BP.RegisterFileSet(name+".ovf", ovfDM)
	ovf := storage.NewOverflowManager(ovfDM)

	tbl, err := heap.NewTable(name, row.Schema, row.FSKey, heapDM, db.BP, db.PT, ovf, row.PageCount)
	if err != nil {
		return nil, err
	}
	tbl.SetPageCountHook(func(pageCount uint32) error {
		return db.Catalog.UpdatePageCount(db.TM.Active(), name, pageCount)
	})

	ot := &openTable{Heap: tbl}

	if row.IndexFSKey != "" {
		idxDM, err := storage.NewDiskManager(db.indexFileSet(name), db.freelistPath(name+"_idx"))
		if err != nil {
			return nil, err
		}
		tree, err := btree.OpenTree(row.IndexFSKey, idxDM, db.BP, idxMetaPath(db.tableDir(), name))
		if err != nil {
			return nil, err
		}
		ot.Index = tree
		ot.IndexFSKey = row.IndexFSKey
	}

	db.mu.Lock()
	db.tables[name] = ot
	db.mu.Unlock()
	return ot, nil
}

// DropTable removes name's catalog row and its heap/overflow/index
// filesets from disk (spec.md §4.1's DROP TABLE).
func (db *Database) DropTable(name string) error {
	ot, err := db.open(name)
	if err != nil {
		return err
	}

	if err := db.RunImplicit(func(tx *txn.Txn) error {
		return db.Catalog.Drop(tx, name)
	}); err != nil {
		return err
	}

	db.mu.Lock()
	delete(db.tables, name)
	db.mu.Unlock()

	if err := ot.Heap.Close(); err != nil {
		slog.Warn("engine: close heap before drop failed (leak accepted)", "table", name, "err", err)
	}
	if ot.Index != nil {
		if err := ot.Index.Close(); err != nil {
			slog.Warn("engine: close index before drop failed (leak accepted)", "table", name, "err", err)
		}
	}

	if err := storage.DropFileSet(db.tableFileSet(name), ".freelist.json"); err != nil {
		return err
	}
	if err := storage.DropFileSet(db.overflowFileSet(name), ".freelist.json"); err != nil {
		return err
	}
	if ot.Index != nil {
		if err := btree.DropIndex(db.indexFileSet(name)); err != nil {
			return err
		}
	}
	return nil
}

// TruncateTable removes every row from name without dropping the table or
// its index structure (spec.md §4.1's TRUNCATE). Rows are collected before
// any delete runs, so the delete loop never mutates the page it is
// currently being read from.
func (db *Database) TruncateTable(name string) error {
	ot, err := db.open(name)
	if err != nil {
		return err
	}
	uniqueIdx := ot.Heap.Schema.UniqueColumn()

	type victim struct {
		id  heap.TID
		key int64
	}

	return db.RunImplicit(func(tx *txn.Txn) error {
		var victims []victim
		if err := ot.Heap.Scan(tx, func(id heap.TID, row []any) error {
			v := victim{id: id}
			if uniqueIdx >= 0 && ot.Index != nil {
				if k, ok := record.NumericKey(row, uniqueIdx); ok {
					v.key = k
				}
			}
			victims = append(victims, v)
			return nil
		}); err != nil {
			return err
		}

		for _, v := range victims {
			if err := ot.Heap.Delete(tx, v.id); err != nil {
				return err
			}
			if ot.Index != nil {
				if err := ot.Index.Delete(tx, v.key, v.id); err != nil {
					return err
				}
			}
		}

		if ot.Index != nil {
			root, height := ot.Index.PendingRoot()
			if err := db.Catalog.UpdateIndex(tx, name, ot.IndexFSKey, root, height); err != nil {
				return err
			}
		}
		return nil
	})
}

// ---- Tuple CRUD (spec.md §4.5) ----

// Insert appends a row to name. NOT NULL is enforced by internal/record at
// encode time; UNIQUE is enforced here, by probing the index before the row
// is written, so a violating insert never reaches the heap.
func (db *Database) Insert(tx *txn.Txn, name string, values []any) (heap.TID, error) {
	ot, err := db.open(name)
	if err != nil {
		return heap.TID{}, err
	}

	uniqueIdx := ot.Heap.Schema.UniqueColumn()
	hasKey := uniqueIdx >= 0 && ot.Index != nil
	var key int64
	if hasKey {
		k, ok := record.NumericKey(values, uniqueIdx)
		if !ok {
			return heap.TID{}, fmt.Errorf("engine: column %q must be numeric", ot.Heap.Schema.Cols[uniqueIdx].Name)
		}
		key = k
		existing, err := ot.Index.SearchEqual(key)
		if err != nil {
			return heap.TID{}, err
		}
		if len(existing) > 0 {
			return heap.TID{}, fmt.Errorf("%w: column %q", ErrUniqueViolation, ot.Heap.Schema.Cols[uniqueIdx].Name)
		}
	}

	tid, err := ot.Heap.Insert(tx, values)
	if err != nil {
		return heap.TID{}, err
	}

	if hasKey {
		if err := ot.Index.Insert(tx, key, tid); err != nil {
			return heap.TID{}, wrapDuplicateKey(err, ot, uniqueIdx)
		}
		if err := db.syncIndexRoot(tx, name, ot); err != nil {
			return heap.TID{}, err
		}
	}
	return tid, nil
}

// wrapDuplicateKey turns a btree.ErrDuplicateKey surfacing from an index
// write into this package's own ErrUniqueViolation, so no raw btree
// sentinel crosses the engine package boundary. The SearchEqual probe each
// caller already does before writing is still the primary path; this is a
// second line of defense for a key that became visible in the index only
// after that probe ran.
func wrapDuplicateKey(err error, ot *openTable, colIdx int) error {
	if errors.Is(err, btree.ErrDuplicateKey) {
		return fmt.Errorf("%w: column %q", ErrUniqueViolation, ot.Heap.Schema.Cols[colIdx].Name)
	}
	return err
}

// Get reads a single row by TID. tx may be nil for a plain read outside a
// transaction.
func (db *Database) Get(tx *txn.Txn, name string, id heap.TID) ([]any, error) {
	ot, err := db.open(name)
	if err != nil {
		return nil, err
	}
	return ot.Heap.Get(tx, id)
}

// Scan iterates every visible row of name in heap order. tx may be nil.
// name may be catalog.Name (spec.md §4.6: "SELECT against __CATALOG__ is
// served like any other table"), in which case the catalog's own heap is
// scanned directly rather than through the lazily-opened table cache,
// since the catalog never describes itself with a row.
func (db *Database) Scan(tx *txn.Txn, name string, fn func(id heap.TID, row []any) error) error {
	if name == catalog.Name {
		return db.Catalog.Table().Scan(tx, fn)
	}
	ot, err := db.open(name)
	if err != nil {
		return err
	}
	return ot.Heap.Scan(tx, fn)
}

// IndexLookup visits every row of name whose UNIQUE column falls in
// [low, high] (low == high for an equality probe), in index order, via
// name's B+Tree rather than a full heap scan - the PREWHERE acceleration
// spec.md §6 describes. tx may be nil. Falls back to a full Scan if name
// has no UNIQUE column, so callers never need to check first.
func (db *Database) IndexLookup(
	tx *txn.Txn,
	name string,
	low, high int64,
	fn func(id heap.TID, row []any) error,
) error {
	ot, err := db.open(name)
	if err != nil {
		return err
	}
	if ot.Index == nil {
		return ot.Heap.Scan(tx, fn)
	}

	tids, err := ot.Index.RangeScan(low, high)
	if err != nil {
		return err
	}
	for _, tid := range tids {
		row, err := ot.Heap.Get(tx, tid)
		if err != nil {
			return err
		}
		if err := fn(tid, row); err != nil {
			return err
		}
	}
	return nil
}

// Update rewrites the row at id. If the schema has a UNIQUE column and
// values changes its value, the new value is probed for a collision before
// anything is written. internal/heap.Table.Update may itself relocate the
// row to a new TID - in place if it fits, or via delete+insert (spec.md §3,
// §4.5) when it doesn't fit at all even after relocation - so the index
// entry is moved whenever EITHER the key changed OR the row relocated,
// using the TID heap.Table.Update actually returns rather than the TID the
// caller passed in.
func (db *Database) Update(tx *txn.Txn, name string, id heap.TID, values []any) (heap.TID, error) {
	ot, err := db.open(name)
	if err != nil {
		return heap.TID{}, err
	}

	uniqueIdx := ot.Heap.Schema.UniqueColumn()
	hasKey := uniqueIdx >= 0 && ot.Index != nil
	var oldKey, newKey int64
	if hasKey {
		oldRow, err := ot.Heap.Get(tx, id)
		if err != nil {
			return heap.TID{}, err
		}
		oldKey, _ = record.NumericKey(oldRow, uniqueIdx)

		k, ok := record.NumericKey(values, uniqueIdx)
		if !ok {
			return heap.TID{}, fmt.Errorf("engine: column %q must be numeric", ot.Heap.Schema.Cols[uniqueIdx].Name)
		}
		newKey = k

		if newKey != oldKey {
			existing, err := ot.Index.SearchEqual(newKey)
			if err != nil {
				return heap.TID{}, err
			}
			if len(existing) > 0 {
				return heap.TID{}, fmt.Errorf("%w: column %q", ErrUniqueViolation, ot.Heap.Schema.Cols[uniqueIdx].Name)
			}
		}
	}

	newID, err := ot.Heap.Update(tx, id, values)
	if err != nil {
		return heap.TID{}, err
	}

	if hasKey && (newKey != oldKey || newID != id) {
		if err := ot.Index.Delete(tx, oldKey, id); err != nil {
			return heap.TID{}, err
		}
		if err := ot.Index.Insert(tx, newKey, newID); err != nil {
			return heap.TID{}, wrapDuplicateKey(err, ot, uniqueIdx)
		}
		if err := db.syncIndexRoot(tx, name, ot); err != nil {
			return heap.TID{}, err
		}
	}
	return newID, nil
}

// Delete tombstones the row at id and removes its index entry, if any.
func (db *Database) Delete(tx *txn.Txn, name string, id heap.TID) error {
	ot, err := db.open(name)
	if err != nil {
		return err
	}

	uniqueIdx := ot.Heap.Schema.UniqueColumn()
	hasKey := uniqueIdx >= 0 && ot.Index != nil
	var key int64
	if hasKey {
		row, err := ot.Heap.Get(tx, id)
		if err != nil {
			return err
		}
		key, _ = record.NumericKey(row, uniqueIdx)
	}

	if err := ot.Heap.Delete(tx, id); err != nil {
		return err
	}

	if hasKey {
		if err := ot.Index.Delete(tx, key, id); err != nil {
			return err
		}
		if err := db.syncIndexRoot(tx, name, ot); err != nil {
			return err
		}
	}
	return nil
}

// syncIndexRoot writes ot's in-flight index root/height into name's catalog
// row within tx, the same transaction that produced it (spec.md §4.8 step
// 3's "propagating to the roots: the catalog entry and the index-root
// pointer"), using Tree.PendingRoot rather than waiting for Adopt.
func (db *Database) syncIndexRoot(tx *txn.Txn, name string, ot *openTable) error {
	root, height := ot.Index.PendingRoot()
	return db.Catalog.UpdateIndex(tx, name, ot.IndexFSKey, root, height)
}
