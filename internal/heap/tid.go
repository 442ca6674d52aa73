package heap

// TID (Tuple ID / RID) identifies a row inside a table's heap.
//
// PageID here is a LOGICAL page index (0, 1, 2, ...) into the owning
// table's page list, not a raw on-disk page id: physical storage moves
// every time a page is shadowed, but a row's TID must not, so RIDs are
// defined in terms of this stable logical index instead. internal/heap
// resolves PageID to whatever physical page currently holds it through
// internal/pagetable, consulting the active transaction's own shadow map
// first so a session sees its own uncommitted writes.
type TID struct {
	PageID uint32
	Slot   uint16
}
