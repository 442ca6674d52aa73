// Package catalog implements the reserved, read-only (from the execution
// layer's perspective) table describing every user table: spec.md §4.6.
// It is materialized exactly like any other table, through a plain
// internal/heap.Table, and bootstrapped against a well-known fileset key
// rather than by self-reference (spec.md §9 "Catalog as a table").
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tuannm99/shadowbase/internal/bufferpool"
	"github.com/tuannm99/shadowbase/internal/heap"
	"github.com/tuannm99/shadowbase/internal/pagetable"
	"github.com/tuannm99/shadowbase/internal/record"
	"github.com/tuannm99/shadowbase/internal/storage"
	"github.com/tuannm99/shadowbase/internal/txn"
)

const (
	// FSKey is the catalog's own heap fileset key. Every database opens
	// exactly one of these; it is never looked up through a table name the
	// catalog itself would have to describe.
	FSKey = "__catalog__.heap"

	// Name is the table name SELECT/DDL statements use to reach the catalog
	// directly (spec.md §4.6: "SELECT against __CATALOG__ is served like
	// any other table").
	Name = "__CATALOG__"
)

var (
	// ErrDuplicateTable is returned by Create when name already has a row.
	ErrDuplicateTable = errors.New("catalog: table already exists")
	// ErrTableNotFound is returned by Drop/UpdatePageCount/UpdateIndex
	// when no row matches name; Lookup reports that case with ok=false.
	ErrTableNotFound = errors.New("catalog: table not found")
)

// Row is one catalog entry: a user table's name, schema, and physical
// bookkeeping (heap fileset + page count, optional unique index root).
type Row struct {
	Name        string
	Schema      record.Schema
	FSKey       string // the described table's own heap fileset key
	PageCount   uint32
	IndexFSKey  string // "" if the table has no UNIQUE column
	IndexRoot   uint32
	IndexHeight int
}

// Schema returns the catalog's own row schema, exported so a SELECT
// against __CATALOG__ (spec.md §4.6) can resolve its columns the same way
// any user table's does, without the catalog describing itself as a row.
func Schema() record.Schema { return schema() }

func schema() record.Schema {
	return record.Schema{
		Cols: []record.Column{
			{Name: "name", Type: record.ColText, Nullable: false},
			{Name: "schema_json", Type: record.ColText, Nullable: false},
			{Name: "fskey", Type: record.ColText, Nullable: false},
			{Name: "page_count", Type: record.ColInt64, Nullable: false},
			{Name: "index_fskey", Type: record.ColText, Nullable: true},
			{Name: "index_root", Type: record.ColInt64, Nullable: true},
			{Name: "index_height", Type: record.ColInt64, Nullable: true},
		},
	}
}

// Catalog wraps the __CATALOG__ heap table with name-keyed convenience
// methods. Its UNIQUE constraint (table names must be distinct) is enforced
// here, by linear scan, rather than through internal/btree: table names are
// text, and the B+Tree only orders numeric keys (spec.md §3), so the
// catalog's own row count - one row per user table, never large in this
// engine's scope - is scanned directly instead.
type Catalog struct {
	t *heap.Table
}

// New bootstraps a brand-new, empty catalog.
func New(dm *storage.DiskManager, bp *bufferpool.Pool, pt *pagetable.Table) (*Catalog, error) {
	t, err := heap.NewTable(Name, schema(), FSKey, dm, bp, pt, nil, 0)
	if err != nil {
		return nil, err
	}
	return &Catalog{t: t}, nil
}

// Open reopens a catalog whose heap already has pageCount pages.
func Open(dm *storage.DiskManager, bp *bufferpool.Pool, pt *pagetable.Table, pageCount uint32) (*Catalog, error) {
	t, err := heap.NewTable(Name, schema(), FSKey, dm, bp, pt, nil, pageCount)
	if err != nil {
		return nil, err
	}
	return &Catalog{t: t}, nil
}

// PageCount reports the catalog's own heap page count, for the engine's
// startup bookkeeping (the catalog describes every other table's page
// count, but its own is tracked the same way novasql's superblock would:
// a well-known sidecar the engine reads once at open).
func (c *Catalog) PageCount() uint32 { return c.t.PageCount }

// Table exposes the underlying heap.Table so the executor can serve a plain
// SELECT/Scan against __CATALOG__ like any other table.
func (c *Catalog) Table() *heap.Table { return c.t }

func encodeRow(r Row) ([]any, error) {
	schemaJSON, err := json.Marshal(r.Schema)
	if err != nil {
		return nil, fmt.Errorf("catalog: encode schema for %s: %w", r.Name, err)
	}
	values := []any{
		r.Name,
		string(schemaJSON),
		r.FSKey,
		int64(r.PageCount),
	}
	if r.IndexFSKey == "" {
		values = append(values, nil, nil, nil)
	} else {
		values = append(values, r.IndexFSKey, int64(r.IndexRoot), int64(r.IndexHeight))
	}
	return values, nil
}

func decodeRow(values []any) (Row, error) {
	var r Row
	r.Name, _ = values[0].(string)
	schemaJSON, _ := values[1].(string)
	if err := json.Unmarshal([]byte(schemaJSON), &r.Schema); err != nil {
		return Row{}, fmt.Errorf("catalog: decode schema for %s: %w", r.Name, err)
	}
	r.FSKey, _ = values[2].(string)
	if pc, ok := values[3].(int64); ok {
		r.PageCount = uint32(pc)
	}
	if values[4] != nil {
		r.IndexFSKey, _ = values[4].(string)
	}
	if values[5] != nil {
		if ir, ok := values[5].(int64); ok {
			r.IndexRoot = uint32(ir)
		}
	}
	if values[6] != nil {
		if ih, ok := values[6].(int64); ok {
			r.IndexHeight = int(ih)
		}
	}
	return r, nil
}

// find scans the catalog for name, returning its row and TID. Called by
// every mutating method below; the catalog is expected to hold at most a
// few hundred rows, so a linear scan per DDL statement is the right
// tradeoff against building and maintaining a second index just for this.
func (c *Catalog) find(tx *txn.Txn, name string) (heap.TID, Row, bool, error) {
	var (
		found bool
		tid   heap.TID
		row   Row
	)
	err := c.t.Scan(tx, func(id heap.TID, values []any) error {
		if found {
			return nil
		}
		if n, _ := values[0].(string); n == name {
			r, err := decodeRow(values)
			if err != nil {
				return err
			}
			found, tid, row = true, id, r
		}
		return nil
	})
	if err != nil {
		return heap.TID{}, Row{}, false, err
	}
	return tid, row, found, nil
}

// Lookup returns the catalog row for name, or ok=false if no such table is
// registered. tx may be nil for a plain read outside a transaction.
func (c *Catalog) Lookup(tx *txn.Txn, name string) (Row, bool, error) {
	_, row, found, err := c.find(tx, name)
	return row, found, err
}

// List returns every registered table's row, in heap scan order.
func (c *Catalog) List(tx *txn.Txn) ([]Row, error) {
	var out []Row
	err := c.t.Scan(tx, func(_ heap.TID, values []any) error {
		r, err := decodeRow(values)
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// Create registers a brand-new table. Fails with ErrDuplicateTable if name
// is already registered.
func (c *Catalog) Create(tx *txn.Txn, row Row) error {
	_, _, found, err := c.find(tx, row.Name)
	if err != nil {
		return err
	}
	if found {
		return ErrDuplicateTable
	}
	values, err := encodeRow(row)
	if err != nil {
		return err
	}
	_, err = c.t.Insert(tx, values)
	return err
}

// Drop removes name's catalog row. The caller is responsible for removing
// the described table's own heap/index filesets; this only forgets it.
func (c *Catalog) Drop(tx *txn.Txn, name string) error {
	tid, _, found, err := c.find(tx, name)
	if err != nil {
		return err
	}
	if !found {
		return ErrTableNotFound
	}
	return c.t.Delete(tx, tid)
}

// UpdatePageCount rewrites name's page_count column inside tx, the running
// transaction that grew or shrank the described table's heap.
func (c *Catalog) UpdatePageCount(tx *txn.Txn, name string, pageCount uint32) error {
	tid, row, found, err := c.find(tx, name)
	if err != nil {
		return err
	}
	if !found {
		return ErrTableNotFound
	}
	row.PageCount = pageCount
	values, err := encodeRow(row)
	if err != nil {
		return err
	}
	_, err = c.t.Update(tx, tid, values)
	return err
}

// UpdateIndex rewrites name's index bookkeeping inside tx, the running
// transaction that changed the described table's unique index root
// (internal/engine passes internal/btree.Tree.PendingRoot's root/height
// before Commit and Tree.Adopt run; they are recorded here so a later
// OpenTree call can resume from them).
func (c *Catalog) UpdateIndex(tx *txn.Txn, name, indexFSKey string, root uint32, height int) error {
	tid, row, found, err := c.find(tx, name)
	if err != nil {
		return err
	}
	if !found {
		return ErrTableNotFound
	}
	row.IndexFSKey = indexFSKey
	row.IndexRoot = root
	row.IndexHeight = height
	values, err := encodeRow(row)
	if err != nil {
		return err
	}
	_, err = c.t.Update(tx, tid, values)
	return err
}
