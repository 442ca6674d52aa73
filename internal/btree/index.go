package btree

import (
	"github.com/tuannm99/shadowbase/internal/heap"
	"github.com/tuannm99/shadowbase/internal/txn"
)

// Index is a minimal interface BTree should satisfy to be used by planner/executor.
// Insert requires an active transaction since it shadows the nodes it touches;
// reads may run outside a transaction, resolving against whatever is currently
// pinned in the buffer pool (the tree's own Root/Height are not routed through
// internal/pagetable - see Tree's doc comment).
type Index interface {
	Insert(tx *txn.Txn, key KeyType, tid heap.TID) error
	SearchEqual(key KeyType) ([]heap.TID, error)
	RangeScan(minKey, maxKey KeyType) ([]heap.TID, error)
}
