package btree

import "fmt"

// ErrDuplicateKey is returned by Insert when key already has an entry
// visible in the tree's current state (committed, or pending under the
// active transaction). spec.md §4.4 requires the B+Tree component itself
// to reject a duplicate key rather than relying entirely on a caller's
// own pre-check.
var ErrDuplicateKey = fmt.Errorf("btree: duplicate key")

// ErrKeyNotFound is returned by Delete when no entry matches (key, tid).
var ErrKeyNotFound = fmt.Errorf("btree: key not found")
