// Package txn implements the engine's single-writer transaction manager:
// begin/commit/rollback around shadow paging, exactly as spec.md §4.7/§4.8
// describe. At most one transaction is ever Active at a time; bare
// statements run inside an implicit transaction the engine opens and closes
// around them.
package txn

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type State int

const (
	StateIdle State = iota
	StateActive
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyActive  = errors.New("txn: a transaction is already active")
	ErrNotActive      = errors.New("txn: no active transaction")
	ErrWrongTxn       = errors.New("txn: transaction does not belong to this manager's active slot")
)

// Shadower is the capability a Txn needs from the buffer pool to shadow a
// page: allocate a fresh physical copy and hand back its id.
type Shadower interface {
	Shadow(fskey string, physicalPageID uint32) (uint32, error)
	FreePhysical(fskey string, physicalPageID uint32) error
}

// Txn is a single transaction's working state: the mapping from an
// already-shadowed logical key to its in-progress physical page, kept
// entirely in memory until Commit publishes it.
type Txn struct {
	ID    uuid.UUID
	state State

	mgr       *Manager
	shadowMap map[string]shadowEntry // logical key -> {oldPhysical, newPhysical}
}

type shadowEntry struct {
	fskey string
	old   uint32
	new   uint32
}

// Resolve returns the in-progress physical page for key if this txn has
// already shadowed it, else ok is false and the caller should fall back to
// the committed mapping.
func (t *Txn) Resolve(key string) (physical uint32, ok bool) {
	if t == nil {
		return 0, false
	}
	e, ok := t.shadowMap[key]
	return e.new, ok
}

// Shadow records (or reuses) a shadow copy of the page currently at
// knownPhysical (in fileset fskey) under logical key. A page is shadowed at
// most once per transaction; a second mutation of the same key within the
// same transaction reuses the first shadow copy instead of allocating
// another.
func (t *Txn) Shadow(fskey, key string, knownPhysical uint32) (uint32, error) {
	if t.state != StateActive {
		return 0, ErrNotActive
	}
	if e, ok := t.shadowMap[key]; ok {
		return e.new, nil
	}
	newPhysical, err := t.mgr.bp.Shadow(fskey, knownPhysical)
	if err != nil {
		return 0, err
	}
	t.shadowMap[key] = shadowEntry{fskey: fskey, old: knownPhysical, new: newPhysical}
	return newPhysical, nil
}

// PendingRoots returns the key->physical map this transaction would
// install if committed right now. Nothing in this module calls it;
// internal/engine reads an index's in-flight root through
// btree.Tree.PendingRoot instead.
func (t *Txn) PendingRoots() map[string]uint32 {
	out := make(map[string]uint32, len(t.shadowMap))
	for k, e := range t.shadowMap {
		out[k] = e.new
	}
	return out
}

// Manager serializes begin/commit/rollback: spec.md §4.7 calls this "a
// non-reentrant mutex guarding begin()". Only one transaction is Active at
// any time across the whole engine.
type Manager struct {
	mu     sync.Mutex
	bp     Shadower
	pt     PageTable
	active *Txn
}

// PageTable is the subset of pagetable.Table the transaction manager needs;
// declared here to avoid an import cycle with internal/pagetable.
type PageTable interface {
	Install(updates map[string]uint32)
}

func NewManager(bp Shadower, pt PageTable) *Manager {
	return &Manager{bp: bp, pt: pt}
}

// Begin starts a new transaction. Returns ErrAlreadyActive if one is
// already in flight, matching spec.md's Idle->Active state machine.
func (m *Manager) Begin() (*Txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, ErrAlreadyActive
	}
	t := &Txn{
		ID:        uuid.New(),
		state:     StateActive,
		mgr:       m,
		shadowMap: make(map[string]shadowEntry),
	}
	m.active = t
	return t, nil
}

// Active returns the currently active transaction, or nil.
func (m *Manager) Active() *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Commit installs t's shadow map into the page table, frees the
// superseded physical pages, and returns the manager to Idle. This is
// spec.md §4.8's five-step commit protocol collapsed into the parts this
// package owns. internal/engine flushes and fsyncs the buffer pool's dirty
// pages before this call; nothing is fsynced after it.
func (m *Manager) Commit(t *Txn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != t {
		return ErrWrongTxn
	}
	if t.state != StateActive {
		return fmt.Errorf("txn: cannot commit from state %s", t.state)
	}

	updates := make(map[string]uint32, len(t.shadowMap))
	for k, e := range t.shadowMap {
		updates[k] = e.new
	}
	m.pt.Install(updates)

	for k, e := range t.shadowMap {
		if err := m.bp.FreePhysical(e.fskey, e.old); err != nil {
			slog.Warn("txn: failed to free superseded page (leak accepted)", "key", k, "old", e.old, "err", err)
		}
	}

	t.state = StateCommitted
	m.active = nil
	return nil
}

// Rollback discards t's shadow copies (freeing the scratch pages it
// allocated) without ever having made them visible.
func (m *Manager) Rollback(t *Txn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != t {
		return ErrWrongTxn
	}
	if t.state != StateActive {
		return fmt.Errorf("txn: cannot rollback from state %s", t.state)
	}

	for k, e := range t.shadowMap {
		if err := m.bp.FreePhysical(e.fskey, e.new); err != nil {
			slog.Warn("txn: failed to free rolled-back shadow page (leak accepted)", "key", k, "new", e.new, "err", err)
		}
	}

	t.state = StateAborted
	m.active = nil
	return nil
}
