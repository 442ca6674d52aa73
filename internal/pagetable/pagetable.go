// Package pagetable implements the process-wide logical-to-physical page
// indirection that makes shadow paging atomic: spec.md §4.8 describes a
// mapping from the PageId values embedded in table/catalog roots to the
// physical PageId currently holding their committed image, installed by a
// single atomic pointer swap at commit.
package pagetable

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/tuannm99/shadowbase/internal/storage"
)

// Table is the process-wide page table. The zero value is not usable; call
// New or Open. All methods are safe for concurrent use: readers take a
// Snapshot at the start of a statement and consult it for the statement's
// whole lifetime, so a commit that runs concurrently never changes what an
// in-flight read observes (spec.md §5's reader-isolation rule).
type Table struct {
	ptr     atomic.Pointer[map[string]uint32]
	sidecar string // persisted alongside the data file; "" disables durability
}

// New returns an empty, memory-only page table (used by tests).
func New() *Table {
	t := &Table{}
	empty := map[string]uint32{}
	t.ptr.Store(&empty)
	return t
}

// Open loads a persisted page table from sidecar, or returns an empty one
// if the file does not exist yet (a brand-new database).
func Open(sidecar string) (*Table, error) {
	t := &Table{sidecar: sidecar}
	buf, err := os.ReadFile(sidecar)
	if err != nil {
		if os.IsNotExist(err) {
			empty := map[string]uint32{}
			t.ptr.Store(&empty)
			return t, nil
		}
		return nil, err
	}
	m := map[string]uint32{}
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, err
	}
	t.ptr.Store(&m)
	return t, nil
}

// Snapshot returns the current logical->physical mapping. The returned map
// must not be mutated; it is shared and replaced wholesale by Install.
func (t *Table) Snapshot() map[string]uint32 {
	return *t.ptr.Load()
}

// Resolve looks up the physical page for a logical root key in snap,
// falling back to treating the key as already physical (the common,
// never-shadowed case) when it is absent.
func Resolve(snap map[string]uint32, key string, logical uint32) uint32 {
	if p, ok := snap[key]; ok {
		return p
	}
	return logical
}

// Install atomically publishes updates on top of the current mapping and
// persists the result. This is the one write spec.md §4.8 calls "commit
// step 3: atomically install T.shadow_map into the process-wide page
// table" — the single indivisible operation that makes a transaction's
// effects visible to every future reader.
func (t *Table) Install(updates map[string]uint32) {
	old := *t.ptr.Load()
	next := make(map[string]uint32, len(old)+len(updates))
	for k, v := range old {
		next[k] = v
	}
	for k, v := range updates {
		next[k] = v
	}
	t.ptr.Store(&next)
	t.persist(next)
}

func (t *Table) persist(m map[string]uint32) {
	if t.sidecar == "" {
		return
	}
	buf, err := json.Marshal(m)
	if err != nil {
		slog.Warn("pagetable: marshal failed", "err", err)
		return
	}
	if err := os.WriteFile(t.sidecar, buf, storage.FileMode0644); err != nil {
		slog.Warn("pagetable: persist failed", "path", t.sidecar, "err", err)
	}
}
