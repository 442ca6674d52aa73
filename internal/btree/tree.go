package btree

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/tuannm99/shadowbase/internal/bufferpool"
	"github.com/tuannm99/shadowbase/internal/heap"
	"github.com/tuannm99/shadowbase/internal/storage"
	"github.com/tuannm99/shadowbase/internal/txn"
)

// ErrInvalidTreeHeight is returned when the tree height is not supported by the
// current implementation.
var (
	ErrTreeClosed                    = errors.New("btree: tree is closed")
	ErrNoTransaction                 = errors.New("btree: mutation requires an active transaction")
	ErrInvalidTreeHeight             = errors.New("btree: invalid tree height")
	ErrInternalNodeHasNoEntries      = errors.New("btree: internal node has no entries")
	ErrLeafHasNoKey                  = errors.New("btree: leaf has no keys")
	ErrCannotSplitLeafGreaterThanTwo = errors.New("btree: cannot split leaf with <2 keys")
	ErrInternalChildIdxOutOfRange    = errors.New("btree: internal child index out of range")
	ErrInternalNodePageHasZeroCap    = errors.New("btree: internal node page has zero capacity")
	ErrSplitRequiredMoreThanTwoPages = errors.New("btree: internal split would require more than two pages")
)

// Meta holds logical information about the tree. Persisted alongside the
// catalog's row for the index (see internal/catalog), so a reopen can
// rebuild the in-memory Tree without walking every page.
type Meta struct {
	Root   uint32
	Height int
}

// Tree is a B+Tree implementation with arbitrary height, built directly on
// top of one index's DiskManager/Pool fileset rather than the flat logical
// page list internal/heap uses for tables.
//
// Unlike a heap table's rows, a B+Tree node has no externally-visible stable
// identity: it is only ever referenced by its parent entry or by Tree.Root.
// So nodes are addressed directly by their current physical page id - there
// is no pagetable indirection layer for btree internals the way there is
// for heap.TID.PageID. Root/Height, however, are published to callers only
// after the transaction that produced them commits (see Adopt/Discard
// below): every Insert shadows at least the path down to the leaf it
// touches, and a shadow page is freed back to the allocator if its
// transaction rolls back, so a Root updated eagerly could end up pointing
// at a page some later allocation has already reused.
//
// Constraints:
//   - Leaf and internal nodes are each backed by exactly one Page.
//   - Only int64 keys are supported (see KeyType / NumericKey).
//
// Invariants:
//   - Height >= 1.
//   - Height == 1 → root is a leaf.
//   - Height > 1  → root is an internal node.
type Tree struct {
	FSKey string
	DM    *storage.DiskManager
	BP    *bufferpool.Pool

	Root   uint32 // last COMMITTED physical root page id
	Height int    // last COMMITTED height

	// pendingRoot/pendingHeight track the in-progress root/height produced
	// by Insert calls under the currently active transaction; they are not
	// published to Root/Height (and therefore invisible to SearchEqual and
	// RangeScan) until Adopt is called after a successful commit. This
	// matters because every Insert - even one that only rebuilds a node in
	// place - shadows that node, and Rollback frees shadow pages back to
	// the allocator: publishing Root eagerly would leave it pointing at a
	// freed (and possibly already reused) page the moment a transaction
	// that touched the root is aborted. Adopt/Discard are the tree's half
	// of the commit/rollback protocol; the caller (internal/engine) calls
	// one or the other right after txn.Manager.Commit/Rollback returns.
	pendingRoot   uint32
	pendingHeight int
	hasPending    bool

	Meta *Meta

	metaPath string

	closed atomic.Bool
}

// NewTree creates a brand-new, empty tree: allocates its root leaf page and
// persists initial meta (if metaPath is non-empty).
func NewTree(fskey string, dm *storage.DiskManager, bp *bufferpool.Pool, metaPath string) (*Tree, error) {
	bp.RegisterFileSet(fskey, dm)

	rootID, err := dm.AllocatePage()
	if err != nil {
		return nil, err
	}
	p, err := bp.GetPage(fskey, rootID)
	if err != nil {
		return nil, err
	}
	p.Init(rootID)
	if err := bp.Unpin(fskey, p, true); err != nil {
		return nil, err
	}

	t := &Tree{
		FSKey:    fskey,
		DM:       dm,
		BP:       bp,
		Root:     rootID,
		Height:   1,
		metaPath: metaPath,
	}
	t.Meta = &Meta{Root: t.Root, Height: t.Height}

	if err := t.saveMeta(); err != nil {
		slog.Warn("btree.NewTree: saveMeta failed", "err", err)
	}
	return t, nil
}

// OpenTree reopens an existing index from its persisted meta sidecar. The
// index's DiskManager already tracks its own allocator state durably, so
// there is nothing else to recover here.
func OpenTree(fskey string, dm *storage.DiskManager, bp *bufferpool.Pool, metaPath string) (*Tree, error) {
	bp.RegisterFileSet(fskey, dm)

	t := &Tree{FSKey: fskey, DM: dm, BP: bp, metaPath: metaPath}

	m, ok, err := t.loadMeta()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("btree: no meta found at %s; use NewTree for a fresh index", metaPath)
	}

	t.Root = m.Root
	t.Height = m.Height
	if t.Height < 1 {
		t.Height = 1
	}
	t.Meta = &Meta{Root: t.Root, Height: t.Height}

	slog.Debug("btree.OpenTree", "root", t.Root, "height", t.Height)
	return t, nil
}

// allocPage allocates a brand-new physical page for this index and returns
// it pinned, initialized, ready for a caller to fill in.
func (t *Tree) allocPage() (uint32, *storage.Page, error) {
	pid, err := t.DM.AllocatePage()
	if err != nil {
		return 0, nil, err
	}
	p, err := t.BP.GetPage(t.FSKey, pid)
	if err != nil {
		return 0, nil, err
	}
	p.Init(pid)
	slog.Debug("btree.allocPage", "pageID", pid)
	return pid, p, nil
}

// shadowPage copies the page currently at physicalID into a scratch physical
// page via tx's shadow map (reusing the existing shadow if this transaction
// already touched physicalID) and pins the copy.
func (t *Tree) shadowPage(tx *txn.Txn, physicalID uint32) (uint32, *storage.Page, error) {
	key := fmt.Sprintf("%s:%d", t.FSKey, physicalID)
	newID, err := tx.Shadow(t.FSKey, key, physicalID)
	if err != nil {
		return 0, nil, err
	}
	p, err := t.BP.GetPage(t.FSKey, newID)
	if err != nil {
		return 0, nil, err
	}
	return newID, p, nil
}

func (t *Tree) syncMeta() {
	if t.Meta == nil {
		t.Meta = &Meta{}
	}
	t.Meta.Root = t.Root
	t.Meta.Height = t.Height

	if err := t.saveMeta(); err != nil {
		slog.Warn("btree.syncMeta: saveMeta failed", "err", err)
	}
}

// ---- Public API ----

// Insert inserts (key, tid) into the tree, shadowing every node it touches
// and performing splits as needed. Height may increase if the root splits.
// Keys may be inserted in any order; the only rejected case is a key that
// already has an entry visible in the tree's current state, which returns
// ErrDuplicateKey (spec.md §4.4 - a classic B+Tree, unique by key).
func (t *Tree) Insert(tx *txn.Txn, key KeyType, tid heap.TID) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}
	if tx == nil {
		return ErrNoTransaction
	}

	slog.Debug("btree.Insert.start",
		"key", key,
		"tidPage", tid.PageID,
		"tidSlot", tid.Slot,
		"height", t.Height,
		"root", t.Root,
	)

	root, height := t.Root, t.Height
	if t.hasPending {
		root, height = t.pendingRoot, t.pendingHeight
	}

	existing, err := t.searchEqualAt(root, height, key)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, key)
	}

	newRootID, didSplit, rightMinKey, rightPageID, err := t.insertAt(tx, root, height, key, tid)
	if err != nil {
		slog.Debug("btree.Insert.insertAt_error", "err", err)
		return err
	}

	if !didSplit {
		t.pendingRoot, t.pendingHeight, t.hasPending = newRootID, height, true
		slog.Debug("btree.Insert.done_no_root_split", "pendingRoot", newRootID, "height", height)
		return nil
	}

	// Root split: create a new internal root one level above. This page is
	// a brand-new allocation, not a shadow of anything, so there is nothing
	// for a later rollback to free out from under it except itself (and
	// txn.Manager.Rollback never learns about it - same orphan-on-abort
	// tradeoff internal/heap's grow-then-rollback path accepts).
	slog.Debug("btree.Insert.root_split",
		"oldRoot", root,
		"newLeftRoot", newRootID,
		"rightRoot", rightPageID,
		"rightMinKey", rightMinKey,
		"oldHeight", height,
	)

	rootID, rootPage, err := t.allocPage()
	if err != nil {
		return err
	}
	rootNode := &InternalNode{Page: rootPage}
	defer func() { _ = t.BP.Unpin(t.FSKey, rootPage, true) }()

	leftMinKey, err := t.findMinKeyInSubtree(newRootID, height)
	if err != nil {
		return err
	}

	if err := rootNode.AppendEntry(leftMinKey, newRootID); err != nil {
		return err
	}
	if err := rootNode.AppendEntry(rightMinKey, rightPageID); err != nil {
		return err
	}

	t.pendingRoot, t.pendingHeight, t.hasPending = rootID, height+1, true

	slog.Debug("btree.Insert.done_with_new_root", "pendingRoot", rootID, "height", height+1)
	return nil
}

// Adopt publishes this tree's accumulated pending Insert calls to Root/
// Height, making them visible to SearchEqual/RangeScan, and persists the
// new meta. Call once, right after the transaction that made those Insert
// calls commits successfully.
func (t *Tree) Adopt() {
	if !t.hasPending {
		return
	}
	t.Root, t.Height = t.pendingRoot, t.pendingHeight
	t.hasPending = false
	t.syncMeta()
}

// Discard abandons this tree's accumulated pending Insert calls. Call
// after the transaction that made those Insert calls rolls back; the
// shadow pages it allocated were already freed by txn.Manager.Rollback, so
// there is nothing left to do but stop pointing at them.
func (t *Tree) Discard() {
	t.hasPending = false
}

// SearchEqual returns all TIDs with the given key, against the tree's last
// committed Root/Height.
func (t *Tree) SearchEqual(key KeyType) ([]heap.TID, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	if t.Height < 1 {
		return nil, ErrInvalidTreeHeight
	}
	slog.Debug("btree.SearchEqual.start", "key", key, "root", t.Root, "height", t.Height)
	tids, err := t.searchEqualAt(t.Root, t.Height, key)
	if err != nil {
		return nil, err
	}
	slog.Debug("btree.SearchEqual.done", "key", key, "numTIDs", len(tids))
	return tids, nil
}

// searchEqualAt returns all TIDs with the given key in the subtree rooted
// at (pageID, level). Insert's own duplicate check calls this against the
// pending root/height so it sees keys inserted earlier in the same
// transaction, not just what is already committed.
func (t *Tree) searchEqualAt(pageID uint32, level int, key KeyType) ([]heap.TID, error) {
	if level < 1 {
		return nil, ErrInvalidTreeHeight
	}

	for level > 1 {
		p, err := t.BP.GetPage(t.FSKey, pageID)
		if err != nil {
			return nil, err
		}
		node := &InternalNode{Page: p}
		_, child, err := node.findChildIndex(key)
		_ = t.BP.Unpin(t.FSKey, p, false)
		if err != nil {
			return nil, err
		}
		slog.Debug("btree.searchEqualAt.descend", "level", level, "pageID", pageID, "child", child)
		pageID = child
		level--
	}

	p, err := t.BP.GetPage(t.FSKey, pageID)
	if err != nil {
		return nil, err
	}
	leaf := &LeafNode{Page: p}
	defer func() { _ = t.BP.Unpin(t.FSKey, p, false) }()

	return leaf.FindEqual(key)
}

// RangeScan returns all TIDs with minKey <= key <= maxKey.
// This is a simple full-tree range scan: it traverses all leaves.
func (t *Tree) RangeScan(minKey, maxKey KeyType) ([]heap.TID, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}

	var out []heap.TID
	if t.Height < 1 {
		return out, ErrInvalidTreeHeight
	}
	slog.Debug("btree.RangeScan.start", "minKey", minKey, "maxKey", maxKey, "root", t.Root, "height", t.Height)
	if err := t.rangeScanAt(t.Root, t.Height, minKey, maxKey, &out); err != nil {
		return nil, err
	}
	slog.Debug("btree.RangeScan.done", "minKey", minKey, "maxKey", maxKey, "numTIDs", len(out))
	return out, nil
}

// PendingRoot returns this tree's in-flight root/height accumulated by
// Insert/Delete calls under the active transaction, if any, else its last
// committed Root/Height. internal/engine uses this to write an index's
// would-be-adopted root into the catalog row within the same transaction as
// the data mutation that produced it, without waiting for Adopt.
func (t *Tree) PendingRoot() (uint32, int) {
	if t.hasPending {
		return t.pendingRoot, t.pendingHeight
	}
	return t.Root, t.Height
}

// Delete removes the leaf entry matching (key, tid), shadowing every node on
// the path from the root down to the leaf that holds it. Like Insert, the
// result is only accumulated into pendingRoot/pendingHeight until Adopt
// publishes it.
//
// Unlike a textbook B+Tree delete, underflowing leaves and internal nodes
// are never merged or rebalanced with a sibling once a removal drops them
// below their minimum occupancy, and the root never collapses when it is
// left with a single child: findChildIndex and FindEqual only require a
// node's entries to stay sorted, not full, so an underfull node remains
// structurally valid. This trades eventual page bloat for not having to
// implement merge/borrow/root-collapse; reclaiming an emptied-out subtree is
// left as future work.
func (t *Tree) Delete(tx *txn.Txn, key KeyType, tid heap.TID) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}
	if tx == nil {
		return ErrNoTransaction
	}

	root, height := t.Root, t.Height
	if t.hasPending {
		root, height = t.pendingRoot, t.pendingHeight
	}

	slog.Debug("btree.Delete.start",
		"key", key, "tidPage", tid.PageID, "tidSlot", tid.Slot, "height", height, "root", root,
	)

	newRootID, found, err := t.deleteAt(tx, root, height, key, tid)
	if err != nil {
		slog.Debug("btree.Delete.deleteAt_error", "err", err)
		return err
	}
	if !found {
		return ErrKeyNotFound
	}

	t.pendingRoot, t.pendingHeight, t.hasPending = newRootID, height, true
	slog.Debug("btree.Delete.done", "pendingRoot", newRootID, "height", height)
	return nil
}

// ---- Recursive helpers ----

// deleteAt removes (key, tid) from the subtree rooted at pageID at the given
// level (1 = leaf, >1 = internal), shadowing every node it touches. Returns
// the shadowed id of this subtree's root and whether a matching entry was
// found and removed; on a miss the node is still shadowed (mirroring
// insertAt/shadowPage's "always shadow first" rule) but left untouched.
func (t *Tree) deleteAt(
	tx *txn.Txn,
	pageID uint32,
	level int,
	key KeyType,
	tid heap.TID,
) (newPageID uint32, found bool, err error) {
	if level < 1 {
		return 0, false, ErrInvalidTreeHeight
	}
	if level == 1 {
		return t.deleteFromLeaf(tx, pageID, key, tid)
	}
	return t.deleteFromInternal(tx, pageID, level, key, tid)
}

// deleteFromLeaf handles deletion at leaf level (level == 1).
func (t *Tree) deleteFromLeaf(
	tx *txn.Txn,
	pageID uint32,
	key KeyType,
	tid heap.TID,
) (newPageID uint32, found bool, err error) {
	newID, p, err := t.shadowPage(tx, pageID)
	if err != nil {
		return 0, false, err
	}

	dirtyP := false
	defer func() { _ = t.BP.Unpin(t.FSKey, p, dirtyP) }()

	leaf := &LeafNode{Page: p}

	entries, err := leaf.readEntries()
	if err != nil {
		return 0, false, err
	}

	kept := make([]leafEntry, 0, len(entries))
	removed := false
	for _, e := range entries {
		if !removed && e.key == key && e.tid == tid {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		return newID, false, nil
	}

	if err := leaf.rebuildSorted(kept); err != nil {
		return 0, false, err
	}
	dirtyP = true
	return newID, true, nil
}

// deleteFromInternal handles deletion at an internal level (level > 1): it
// descends to the child the key would be in, then - only if the child
// reports a removal - rewrites this node's entry to point at the child's new
// shadowed id.
func (t *Tree) deleteFromInternal(
	tx *txn.Txn,
	pageID uint32,
	level int,
	key KeyType,
	tid heap.TID,
) (newPageID uint32, found bool, err error) {
	if level <= 1 {
		return 0, false, ErrInvalidTreeHeight
	}

	newID, p, err := t.shadowPage(tx, pageID)
	if err != nil {
		return 0, false, err
	}

	dirtyP := false
	defer func() { _ = t.BP.Unpin(t.FSKey, p, dirtyP) }()

	node := &InternalNode{Page: p}

	idx, childID, err := node.findChildIndex(key)
	if err != nil {
		return 0, false, err
	}

	childNewID, childFound, err := t.deleteAt(tx, childID, level-1, key, tid)
	if err != nil {
		return 0, false, err
	}
	if !childFound {
		return newID, false, nil
	}

	entries, err := node.readEntries()
	if err != nil {
		return 0, false, err
	}
	if idx < 0 || idx >= len(entries) {
		return 0, false, ErrInternalChildIdxOutOfRange
	}
	entries[idx].child = childNewID

	p.Init(newID)
	in := &InternalNode{Page: p}
	for _, e := range entries {
		if err := in.AppendEntry(e.key, e.child); err != nil {
			return 0, false, err
		}
	}
	dirtyP = true
	return newID, true, nil
}

// insertAt inserts (key, tid) into the subtree rooted at pageID with the given
// level (1 = leaf, >1 = internal).
//
// Returns:
//   - newPageID: physical id of the (shadowed, possibly split) root of this subtree.
//   - didSplit: whether this subtree was split into left/right siblings.
//   - rightMinKey: if didSplit, the min key of the right sibling subtree.
//   - rightPageID: if didSplit, the page id of the right sibling.
func (t *Tree) insertAt(
	tx *txn.Txn,
	pageID uint32,
	level int,
	key KeyType,
	tid heap.TID,
) (newPageID uint32, didSplit bool, rightMinKey KeyType, rightPageID uint32, err error) {
	if level < 1 {
		return 0, false, 0, 0, ErrInvalidTreeHeight
	}
	if level == 1 {
		return t.insertIntoLeaf(tx, pageID, key, tid)
	}
	return t.insertIntoInternal(tx, pageID, level, key, tid)
}

// insertIntoLeaf handles insertion at leaf level (level == 1). The leaf is
// always shadowed first, even when the insert ends up being a plain
// in-place rebuild: the page's content is about to change, and its old
// physical copy must stay untouched until commit.
func (t *Tree) insertIntoLeaf(
	tx *txn.Txn,
	pageID uint32,
	key KeyType,
	tid heap.TID,
) (newPageID uint32, didSplit bool, rightMinKey KeyType, rightPageID uint32, err error) {
	newID, p, err := t.shadowPage(tx, pageID)
	if err != nil {
		return 0, false, 0, 0, err
	}

	dirtyP := false
	defer func() { _ = t.BP.Unpin(t.FSKey, p, dirtyP) }()

	leaf := &LeafNode{Page: p}

	entries, err := leaf.readEntries()
	if err != nil {
		return 0, false, 0, 0, err
	}

	entries = append(entries, leafEntry{key: key, tid: tid})
	sortLeafEntries(entries)

	maxPerPage := maxLeafEntriesPerPage()
	if maxPerPage <= 0 {
		return 0, false, 0, 0, fmt.Errorf("btree: leaf page capacity is zero")
	}

	total := len(entries)

	// Case 1: fits -> rebuild in-place on the shadow copy.
	if total <= maxPerPage {
		if err := leaf.rebuildSorted(entries); err != nil {
			return 0, false, 0, 0, err
		}
		dirtyP = true
		return newID, false, 0, 0, nil
	}

	// Case 2: split into 2 pages.
	if total < 2 {
		return 0, false, 0, 0, ErrCannotSplitLeafGreaterThanTwo
	}

	mid := total / 2
	leftEnts := entries[:mid]
	rightEnts := entries[mid:]

	if err := leaf.rebuildSorted(leftEnts); err != nil {
		return 0, false, 0, 0, err
	}
	dirtyP = true

	rightID, rightPage, err := t.allocPage()
	if err != nil {
		return 0, false, 0, 0, err
	}
	rightDirty := false
	defer func() { _ = t.BP.Unpin(t.FSKey, rightPage, rightDirty) }()

	rightLeaf := &LeafNode{Page: rightPage}
	if err := rightLeaf.rebuildSorted(rightEnts); err != nil {
		return 0, false, 0, 0, err
	}
	rightDirty = true

	rightMin := rightEnts[0].key
	return newID, true, rightMin, rightID, nil
}

// insertIntoInternal handles insertion into an internal node at the given
// level (level > 1). Like insertIntoLeaf, the node is always shadowed
// first, and the entry that used to point at pageID now points at its new
// shadowed id.
func (t *Tree) insertIntoInternal(
	tx *txn.Txn,
	pageID uint32,
	level int,
	key KeyType,
	tid heap.TID,
) (newPageID uint32, didSplit bool, rightMinKey KeyType, rightPageID uint32, err error) {
	if level <= 1 {
		return 0, false, 0, 0, ErrInvalidTreeHeight
	}

	newID, p, err := t.shadowPage(tx, pageID)
	if err != nil {
		return 0, false, 0, 0, err
	}

	dirtyP := false
	defer func() { _ = t.BP.Unpin(t.FSKey, p, dirtyP) }()

	node := &InternalNode{Page: p}

	idx, childID, err := node.findChildIndex(key)
	if err != nil {
		return 0, false, 0, 0, err
	}

	slog.Debug("btree.insertIntoInternal.descend",
		"key", key, "pageID", pageID, "level", level, "childIndex", idx, "childID", childID,
	)

	childNewID, childSplit, childRightMin, childRightID, err := t.insertAt(tx, childID, level-1, key, tid)
	if err != nil {
		return 0, false, 0, 0, err
	}

	entries, err := node.readEntries()
	if err != nil {
		return 0, false, 0, 0, err
	}
	if idx < 0 || idx >= len(entries) {
		return 0, false, 0, 0, ErrInternalChildIdxOutOfRange
	}
	entries[idx].child = childNewID

	if childSplit {
		entries = append(entries, internalEntry{key: childRightMin, child: childRightID})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].key != entries[j].key {
			return entries[i].key < entries[j].key
		}
		return entries[i].child < entries[j].child
	})

	maxPerPage := maxInternalEntriesPerPage()
	if maxPerPage <= 0 {
		return 0, false, 0, 0, ErrInternalNodePageHasZeroCap
	}

	total := len(entries)

	// Case 1: fits -> rebuild IN-PLACE on the shadow copy.
	if total <= maxPerPage {
		p.Init(newID)
		in := &InternalNode{Page: p}
		for _, e := range entries {
			if err := in.AppendEntry(e.key, e.child); err != nil {
				return 0, false, 0, 0, err
			}
		}
		dirtyP = true
		return newID, false, 0, 0, nil
	}

	// Case 2: split -> reuse the shadow copy as LEFT, allocate RIGHT only.
	leftCount := min(total/2, maxPerPage)
	rightCount := total - leftCount
	if rightCount > maxPerPage {
		return 0, false, 0, 0, ErrSplitRequiredMoreThanTwoPages
	}

	leftEnts := entries[:leftCount]
	rightEnts := entries[leftCount:]
	rightMin := rightEnts[0].key

	p.Init(newID)
	leftNode := &InternalNode{Page: p}
	for _, e := range leftEnts {
		if err := leftNode.AppendEntry(e.key, e.child); err != nil {
			return 0, false, 0, 0, err
		}
	}
	dirtyP = true

	rightID, rightPage, err := t.allocPage()
	if err != nil {
		return 0, false, 0, 0, err
	}
	rightDirty := false
	defer func() { _ = t.BP.Unpin(t.FSKey, rightPage, rightDirty) }()

	rightNode := &InternalNode{Page: rightPage}
	for _, e := range rightEnts {
		if err := rightNode.AppendEntry(e.key, e.child); err != nil {
			return 0, false, 0, 0, err
		}
	}
	rightDirty = true

	return newID, true, rightMin, rightID, nil
}

// rangeScanAt recursively traverses the subtree rooted at (pageID, level)
// and appends all TIDs where minKey <= key <= maxKey.
func (t *Tree) rangeScanAt(pageID uint32, level int, minKey, maxKey KeyType, out *[]heap.TID) error {
	if level < 1 {
		return ErrInvalidTreeHeight
	}

	if level == 1 {
		p, err := t.BP.GetPage(t.FSKey, pageID)
		if err != nil {
			return err
		}
		leaf := &LeafNode{Page: p}
		tids, err := leaf.Range(minKey, maxKey)
		_ = t.BP.Unpin(t.FSKey, p, false)
		if err != nil {
			return err
		}
		slog.Debug("btree.rangeScanAt.leaf", "pageID", pageID, "numTIDs", len(tids))
		*out = append(*out, tids...)
		return nil
	}

	p, err := t.BP.GetPage(t.FSKey, pageID)
	if err != nil {
		return err
	}
	node := &InternalNode{Page: p}
	num := node.NumKeys()

	slog.Debug("btree.rangeScanAt.internal", "pageID", pageID, "level", level, "numChildren", num)

	for i := range num {
		_, child, err := node.EntryAt(i)
		if err != nil {
			_ = t.BP.Unpin(t.FSKey, p, false)
			return err
		}
		if err := t.rangeScanAt(child, level-1, minKey, maxKey, out); err != nil {
			_ = t.BP.Unpin(t.FSKey, p, false)
			return err
		}
	}

	_ = t.BP.Unpin(t.FSKey, p, false)
	return nil
}

// findMinKeyInSubtree finds the minimum key in the subtree rooted at pageID
// with the given level.
func (t *Tree) findMinKeyInSubtree(pageID uint32, level int) (KeyType, error) {
	if level < 1 {
		return 0, ErrInvalidTreeHeight
	}

	if level == 1 {
		p, err := t.BP.GetPage(t.FSKey, pageID)
		if err != nil {
			return 0, err
		}
		leaf := &LeafNode{Page: p}
		defer func() { _ = t.BP.Unpin(t.FSKey, p, false) }()

		entries, err := leaf.entriesSorted()
		if err != nil {
			return 0, err
		}
		if len(entries) == 0 {
			return 0, ErrLeafHasNoKey
		}
		return entries[0].key, nil
	}

	p, err := t.BP.GetPage(t.FSKey, pageID)
	if err != nil {
		return 0, err
	}
	node := &InternalNode{Page: p}
	if node.NumKeys() == 0 {
		_ = t.BP.Unpin(t.FSKey, p, false)
		return 0, ErrInternalNodeHasNoEntries
	}
	_, child, err := node.EntryAt(0)
	_ = t.BP.Unpin(t.FSKey, p, false)
	if err != nil {
		return 0, err
	}
	return t.findMinKeyInSubtree(child, level-1)
}

// PageIDs returns every physical page id reachable from the last committed
// Root: every internal node on the path plus every leaf, walked
// breadth-first. Used by internal/engine's orphan-reclaim checkpoint (spec.md
// §4.8's "scan of unreferenced allocations") to tell this index's live pages
// apart from shadow pages abandoned by a transaction that never adopted or
// discarded.
func (t *Tree) PageIDs() ([]uint32, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	if t.Height < 1 {
		return nil, nil
	}

	type frame struct {
		pageID uint32
		level  int
	}
	out := []uint32{t.Root}
	queue := []frame{{pageID: t.Root, level: t.Height}}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if f.level <= 1 {
			continue
		}
		p, err := t.BP.GetPage(t.FSKey, f.pageID)
		if err != nil {
			return nil, err
		}
		node := &InternalNode{Page: p}
		n := node.NumKeys()
		children := make([]uint32, 0, n)
		for i := 0; i < n; i++ {
			_, child, err := node.EntryAt(i)
			if err != nil {
				_ = t.BP.Unpin(t.FSKey, p, false)
				return nil, err
			}
			children = append(children, child)
		}
		_ = t.BP.Unpin(t.FSKey, p, false)
		for _, c := range children {
			out = append(out, c)
			queue = append(queue, frame{pageID: c, level: f.level - 1})
		}
	}
	return out, nil
}

func (t *Tree) Close() error {
	if t == nil {
		return nil
	}
	if t.closed.Swap(true) {
		return nil
	}
	return t.BP.FlushFileSet(t.FSKey)
}

func (t *Tree) ensureOpen() error {
	if t == nil || t.closed.Load() {
		return ErrTreeClosed
	}
	return nil
}
