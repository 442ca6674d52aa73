package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/tuannm99/shadowbase/internal/alias/bx"
	"github.com/tuannm99/shadowbase/internal/bufferpool"
	"github.com/tuannm99/shadowbase/internal/pagetable"
	"github.com/tuannm99/shadowbase/internal/record"
	"github.com/tuannm99/shadowbase/internal/storage"
	"github.com/tuannm99/shadowbase/internal/txn"
)

const (
	rowKindInline   = byte(0)
	rowKindOverflow = byte(1)
)

var (
	ErrTableClosed    = errors.New("heap: table is closed")
	ErrNoTransaction  = errors.New("heap: mutation requires an active transaction")
	ErrRowOutOfRange  = errors.New("heap: tid references a page past the table's end")
	ErrNaNUnique      = errors.New("heap: UNIQUE column value must not be NaN")
)

// Table is a table's heap: a flat, append-only list of logical pages whose
// current physical location is resolved through internal/pagetable (and,
// for in-flight writes, the caller's internal/txn shadow map). A TID's
// PageID is that stable logical index, never a physical one; see tid.go.
type Table struct {
	Name     string
	Schema   record.Schema
	FSKey    string // fileset key this table's heap is registered under, e.g. "users.heap"
	DM       *storage.DiskManager
	BP       *bufferpool.Pool
	PT       *pagetable.Table
	Overflow *storage.OverflowManager

	PageCount uint32

	// pageCountHook is a best-effort callback invoked when PageCount grows,
	// so the catalog's row for this table can be kept in sync.
	pageCountHook func(pageCount uint32) error

	closed atomic.Bool
}

// NewTable wires a Table to its fileset and registers it with bp so
// GetPage/Shadow calls against fskey resolve. pageCount is the number of
// logical pages this heap already has (0 for a brand-new table).
func NewTable(
	name string,
	schema record.Schema,
	fskey string,
	dm *storage.DiskManager,
	bp *bufferpool.Pool,
	pt *pagetable.Table,
	ovf *storage.OverflowManager,
	pageCount uint32,
) (*Table, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	bp.RegisterFileSet(fskey, dm)
	return &Table{
		Name:      name,
		Schema:    schema,
		FSKey:     fskey,
		DM:        dm,
		BP:        bp,
		PT:        pt,
		Overflow:  ovf,
		PageCount: pageCount,
	}, nil
}

func (t *Table) SetPageCountHook(fn func(pageCount uint32) error) {
	t.pageCountHook = fn
}

func (t *Table) pageKey(logical uint32) string {
	return fmt.Sprintf("%s:%d", t.FSKey, logical)
}

// resolvePhysical finds the physical page currently backing logical page
// index logical: an in-progress shadow copy from tx if one exists, else the
// last committed mapping. tx may be nil for a plain read outside any
// transaction.
func (t *Table) resolvePhysical(tx *txn.Txn, logical uint32) uint32 {
	key := t.pageKey(logical)
	if p, ok := tx.Resolve(key); ok {
		return p
	}
	return pagetable.Resolve(t.PT.Snapshot(), key, logical)
}

// validateRow enforces the one row-level invariant EncodeRow cannot: a NaN
// value in the UNIQUE column would compare unequal to itself in the B+Tree,
// silently defeating the uniqueness constraint.
func (t *Table) validateRow(values []any) error {
	idx := t.Schema.UniqueColumn()
	if idx < 0 || idx >= len(values) {
		return nil
	}
	if f, ok := values[idx].(float64); ok && math.IsNaN(f) {
		return ErrNaNUnique
	}
	return nil
}

// Insert appends a new row, growing the heap by one logical page whenever
// the current last page has no room. Newly allocated pages are installed
// into the page table directly (nothing is being superseded, so there is
// nothing to shadow); an uncommitted insert that grows the table and then
// rolls back leaks that empty page the same way a crash mid-commit already
// can, which spec.md's orphan-page accounting accepts.
func (t *Table) Insert(tx *txn.Txn, values []any) (TID, error) {
	if err := t.ensureOpen(); err != nil {
		return TID{}, err
	}
	if tx == nil {
		return TID{}, ErrNoTransaction
	}
	if err := t.validateRow(values); err != nil {
		return TID{}, err
	}

	tuple, err := t.encodeRowWithOverflow(values)
	if err != nil {
		return TID{}, err
	}
	return t.insertTuple(tx, tuple)
}

// insertTuple finds the first page (starting from the current last one)
// with room for the already-encoded tuple, growing the heap if none does,
// and appends it there. Shared by Insert and by Update's delete+insert
// fallback, so neither path re-derives the page-scanning loop.
func (t *Table) insertTuple(tx *txn.Txn, tuple []byte) (TID, error) {
	oldPageCount := t.PageCount
	var logical uint32
	if t.PageCount == 0 {
		logical = 0
	} else {
		logical = t.PageCount - 1
	}

	for {
		if logical >= t.PageCount {
			physical, err := t.DM.AllocatePage()
			if err != nil {
				return TID{}, err
			}
			t.PT.Install(map[string]uint32{t.pageKey(logical): physical})
			t.PageCount = logical + 1
		}

		physical := t.resolvePhysical(tx, logical)
		shadowed, err := tx.Shadow(t.FSKey, t.pageKey(logical), physical)
		if err != nil {
			return TID{}, err
		}

		p, err := t.BP.GetPage(t.FSKey, shadowed)
		if err != nil {
			return TID{}, err
		}

		slot, err := p.InsertTuple(tuple)
		if errors.Is(err, storage.ErrNoSpace) {
			_ = t.BP.Unpin(t.FSKey, p, false)
			logical++
			continue
		}
		if err != nil {
			_ = t.BP.Unpin(t.FSKey, p, false)
			return TID{}, err
		}
		if err := t.BP.Unpin(t.FSKey, p, true); err != nil {
			return TID{}, err
		}

		if t.PageCount != oldPageCount && t.pageCountHook != nil {
			if err := t.pageCountHook(t.PageCount); err != nil {
				slog.Warn("heap: pagecount hook failed", "table", t.Name, "pageCount", t.PageCount, "err", err)
			}
		}
		return TID{PageID: logical, Slot: uint16(slot)}, nil
	}
}

// Get reads a single row by TID. tx may be nil: reads outside a
// transaction resolve against the last committed page table snapshot.
func (t *Table) Get(tx *txn.Txn, id TID) ([]any, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	if id.PageID >= t.PageCount {
		return nil, ErrRowOutOfRange
	}

	physical := t.resolvePhysical(tx, id.PageID)
	p, err := t.BP.GetPage(t.FSKey, physical)
	if err != nil {
		return nil, err
	}
	defer func() { _ = t.BP.Unpin(t.FSKey, p, false) }()

	raw, err := p.ReadTuple(int(id.Slot))
	if err != nil {
		return nil, err
	}
	return t.decodeRowWithOverflow(raw)
}

// Update rewrites the row at id, in place on its current page when the new
// encoding fits (whether by overwrite or by relocating within the page's
// free space) or, when it doesn't fit at all, by tombstoning id and
// inserting the new tuple as a fresh row elsewhere in the heap. The
// returned TID is id when the row stayed put and a new TID when it didn't;
// callers that maintain a secondary index must always rekey using the
// returned TID, not id, since the two differ exactly in the relocation
// case.
func (t *Table) Update(tx *txn.Txn, id TID, values []any) (TID, error) {
	if err := t.ensureOpen(); err != nil {
		return TID{}, err
	}
	if tx == nil {
		return TID{}, ErrNoTransaction
	}
	if id.PageID >= t.PageCount {
		return TID{}, ErrRowOutOfRange
	}
	if err := t.validateRow(values); err != nil {
		return TID{}, err
	}

	tuple, err := t.encodeRowWithOverflow(values)
	if err != nil {
		return TID{}, err
	}

	key := t.pageKey(id.PageID)
	physical := t.resolvePhysical(tx, id.PageID)
	shadowed, err := tx.Shadow(t.FSKey, key, physical)
	if err != nil {
		return TID{}, err
	}

	p, err := t.BP.GetPage(t.FSKey, shadowed)
	if err != nil {
		return TID{}, err
	}
	dirty := false

	oldRef := readOverflowRef(p, int(id.Slot))

	updateErr := p.UpdateTuple(int(id.Slot), tuple)
	if updateErr != nil && !errors.Is(updateErr, storage.ErrNoSpace) {
		_ = t.BP.Unpin(t.FSKey, p, dirty)
		return TID{}, updateErr
	}

	if updateErr == nil {
		dirty = true
		if err := t.BP.Unpin(t.FSKey, p, dirty); err != nil {
			return TID{}, err
		}
		t.freeOldOverflow(oldRef, id)
		return id, nil
	}

	// In-page relocation still doesn't fit: spec.md's delete+insert
	// lifecycle rule for an oversized update, producing a new TID.
	if err := p.DeleteTuple(int(id.Slot)); err != nil {
		_ = t.BP.Unpin(t.FSKey, p, dirty)
		return TID{}, err
	}
	dirty = true
	if err := t.BP.Unpin(t.FSKey, p, dirty); err != nil {
		return TID{}, err
	}

	newID, err := t.insertTuple(tx, tuple)
	if err != nil {
		return TID{}, err
	}
	t.freeOldOverflow(oldRef, id)
	return newID, nil
}

func (t *Table) freeOldOverflow(oldRef *storage.OverflowRef, id TID) {
	if oldRef == nil || t.Overflow == nil || oldRef.Length == 0 {
		return
	}
	if err := t.Overflow.Free(*oldRef); err != nil {
		slog.Warn("heap: overflow free failed after update (leak accepted)",
			"table", t.Name, "pageID", id.PageID, "slot", id.Slot, "err", err)
	}
}

// Delete tombstones the row at id, shadowing its page first.
func (t *Table) Delete(tx *txn.Txn, id TID) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}
	if tx == nil {
		return ErrNoTransaction
	}
	if id.PageID >= t.PageCount {
		return ErrRowOutOfRange
	}

	key := t.pageKey(id.PageID)
	physical := t.resolvePhysical(tx, id.PageID)
	shadowed, err := tx.Shadow(t.FSKey, key, physical)
	if err != nil {
		return err
	}

	p, err := t.BP.GetPage(t.FSKey, shadowed)
	if err != nil {
		return err
	}
	dirty := false
	defer func() { _ = t.BP.Unpin(t.FSKey, p, dirty) }()

	oldRef := readOverflowRef(p, int(id.Slot))

	if err := p.DeleteTuple(int(id.Slot)); err != nil {
		return err
	}
	dirty = true

	if oldRef != nil && t.Overflow != nil && oldRef.Length > 0 {
		if err := t.Overflow.Free(*oldRef); err != nil {
			slog.Warn("heap: overflow free failed after delete (leak accepted)",
				"table", t.Name, "pageID", id.PageID, "slot", id.Slot, "err", err)
		}
	}
	return nil
}

// Scan iterates every visible row in logical page order. tx may be nil.
func (t *Table) Scan(tx *txn.Txn, fn func(id TID, row []any) error) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}

	for logical := uint32(0); logical < t.PageCount; logical++ {
		physical := t.resolvePhysical(tx, logical)
		p, err := t.BP.GetPage(t.FSKey, physical)
		if err != nil {
			return err
		}

		for slot := 0; slot < p.NumSlots(); slot++ {
			raw, err := p.ReadTuple(slot)
			if errors.Is(err, storage.ErrBadSlot) {
				continue
			}
			if err != nil {
				_ = t.BP.Unpin(t.FSKey, p, false)
				return err
			}
			row, err := t.decodeRowWithOverflow(raw)
			if err != nil {
				_ = t.BP.Unpin(t.FSKey, p, false)
				return err
			}
			if err := fn(TID{PageID: logical, Slot: uint16(slot)}, row); err != nil {
				_ = t.BP.Unpin(t.FSKey, p, false)
				return err
			}
		}
		_ = t.BP.Unpin(t.FSKey, p, false)
	}
	return nil
}

// Flush forces every dirty page of this table's fileset to disk and
// re-notifies the catalog of the current page count. Neither internal/txn's
// nor internal/engine's Commit calls it: the engine flushes the whole pool
// with bufferpool.Pool.FlushAll instead.
func (t *Table) Flush() error {
	if err := t.BP.FlushFileSet(t.FSKey); err != nil {
		return err
	}
	if t.pageCountHook != nil {
		if err := t.pageCountHook(t.PageCount); err != nil {
			slog.Warn("heap: pagecount hook failed after flush", "table", t.Name, "pageCount", t.PageCount, "err", err)
		}
	}
	return nil
}

// ReachablePageIDs returns the physical page ids this heap's own pages
// (heapPages) and any overflow chains its rows reference (overflowPages)
// currently resolve to, reading against the last committed page table
// (tx is always nil here: this only runs outside any active transaction,
// as part of a checkpoint). Used by internal/engine's orphan-reclaim pass.
func (t *Table) ReachablePageIDs() (heapPages []uint32, overflowPages []uint32, err error) {
	if err := t.ensureOpen(); err != nil {
		return nil, nil, err
	}
	for logical := uint32(0); logical < t.PageCount; logical++ {
		physical := t.resolvePhysical(nil, logical)
		heapPages = append(heapPages, physical)

		p, err := t.BP.GetPage(t.FSKey, physical)
		if err != nil {
			return nil, nil, err
		}
		for slot := 0; slot < p.NumSlots(); slot++ {
			ref := readOverflowRef(p, slot)
			if ref == nil || ref.Length == 0 || t.Overflow == nil {
				continue
			}
			ids, err := t.Overflow.ChainPageIDs(*ref)
			if err != nil {
				_ = t.BP.Unpin(t.FSKey, p, false)
				return nil, nil, err
			}
			overflowPages = append(overflowPages, ids...)
		}
		_ = t.BP.Unpin(t.FSKey, p, false)
	}
	return heapPages, overflowPages, nil
}

func (t *Table) Close() error {
	if t == nil {
		return nil
	}
	if t.closed.Swap(true) {
		return nil
	}
	return t.BP.FlushFileSet(t.FSKey)
}

func (t *Table) ensureOpen() error {
	if t == nil {
		return ErrTableClosed
	}
	if t.closed.Load() {
		return ErrTableClosed
	}
	return nil
}

func readOverflowRef(p *storage.Page, slot int) *storage.OverflowRef {
	raw, err := p.ReadTuple(slot)
	if err != nil || len(raw) < 1+8 || raw[0] != rowKindOverflow {
		return nil
	}
	ref := storage.OverflowRef{FirstPageID: bx.U32(raw[1:5]), Length: bx.U32(raw[5:9])}
	return &ref
}

// encodeRowWithOverflow decides whether to store row inline or spill it to
// the overflow chain, prefixing a 1-byte kind tag either way.
func (t *Table) encodeRowWithOverflow(values []any) ([]byte, error) {
	encoded, err := record.EncodeRow(t.Schema, values)
	if err != nil {
		return nil, err
	}

	maxInline := storage.PageSize - storage.HeaderSize - storage.SlotSize
	if len(encoded)+1 <= maxInline {
		out := make([]byte, 0, len(encoded)+1)
		out = append(out, rowKindInline)
		out = append(out, encoded...)
		return out, nil
	}

	if t.Overflow == nil {
		return nil, fmt.Errorf("heap: overflow manager is nil for table %s", t.Name)
	}
	ref, err := t.Overflow.Write(encoded)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+4+4)
	out = append(out, rowKindOverflow)
	var buf [4]byte
	bx.PutU32(buf[:], ref.FirstPageID)
	out = append(out, buf[:]...)
	bx.PutU32(buf[:], ref.Length)
	out = append(out, buf[:]...)
	return out, nil
}

// decodeRowWithOverflow decodes a tuple which may be inline or overflow-backed.
func (t *Table) decodeRowWithOverflow(raw []byte) ([]any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("heap: empty tuple raw")
	}

	kind := raw[0]
	payload := raw[1:]

	switch kind {
	case rowKindInline:
		return record.DecodeRow(t.Schema, payload)

	case rowKindOverflow:
		if len(payload) < 8 {
			return nil, fmt.Errorf("heap: invalid overflow tuple size")
		}
		ref := storage.OverflowRef{FirstPageID: bx.U32(payload[0:4]), Length: bx.U32(payload[4:8])}
		if t.Overflow == nil {
			return nil, fmt.Errorf("heap: overflow manager is nil for table %s", t.Name)
		}
		full, err := t.Overflow.Read(ref)
		if err != nil {
			return nil, err
		}
		return record.DecodeRow(t.Schema, full)

	default:
		return nil, fmt.Errorf("heap: unknown row kind %d", kind)
	}
}
