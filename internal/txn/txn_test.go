package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeShadower is a minimal in-memory Shadower: Shadow hands out a new
// physical id for every call (old+1000*calls), FreePhysical just records.
type fakeShadower struct {
	calls int
	freed []uint32
}

func (f *fakeShadower) Shadow(fskey string, physical uint32) (uint32, error) {
	f.calls++
	return physical + uint32(f.calls)*1000, nil
}

func (f *fakeShadower) FreePhysical(fskey string, physical uint32) error {
	f.freed = append(f.freed, physical)
	return nil
}

type fakePageTable struct {
	installed map[string]uint32
}

func (f *fakePageTable) Install(updates map[string]uint32) {
	if f.installed == nil {
		f.installed = map[string]uint32{}
	}
	for k, v := range updates {
		f.installed[k] = v
	}
}

func TestManager_BeginCommit(t *testing.T) {
	bp := &fakeShadower{}
	pt := &fakePageTable{}
	mgr := NewManager(bp, pt)

	tx, err := mgr.Begin()
	require.NoError(t, err)
	require.Equal(t, StateActive, tx.state)

	newPhys, err := tx.Shadow("users.heap", "users.heap:0", 1)
	require.NoError(t, err)
	require.Equal(t, uint32(1001), newPhys)

	require.NoError(t, mgr.Commit(tx))
	require.Equal(t, uint32(1001), pt.installed["users.heap:0"])
	require.Equal(t, []uint32{1}, bp.freed, "commit frees the superseded old physical page")
	require.Nil(t, mgr.Active())
}

func TestManager_OnlyOneActiveAtATime(t *testing.T) {
	mgr := NewManager(&fakeShadower{}, &fakePageTable{})
	_, err := mgr.Begin()
	require.NoError(t, err)

	_, err = mgr.Begin()
	require.ErrorIs(t, err, ErrAlreadyActive)
}

func TestManager_RollbackFreesNewShadowInstead(t *testing.T) {
	bp := &fakeShadower{}
	pt := &fakePageTable{}
	mgr := NewManager(bp, pt)

	tx, err := mgr.Begin()
	require.NoError(t, err)
	newPhys, err := tx.Shadow("users.heap", "users.heap:0", 1)
	require.NoError(t, err)

	require.NoError(t, mgr.Rollback(tx))
	require.Equal(t, []uint32{newPhys}, bp.freed)
	require.Empty(t, pt.installed, "rollback must never publish a page table update")
	require.Nil(t, mgr.Active())
}

func TestTxn_ShadowIsIdempotentWithinOneTxn(t *testing.T) {
	bp := &fakeShadower{}
	mgr := NewManager(bp, &fakePageTable{})
	tx, err := mgr.Begin()
	require.NoError(t, err)

	first, err := tx.Shadow("users.heap", "users.heap:0", 1)
	require.NoError(t, err)
	second, err := tx.Shadow("users.heap", "users.heap:0", 1)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, bp.calls, "a page already shadowed this txn must not be shadowed again")
}

func TestTxn_ResolveOnNilTxn(t *testing.T) {
	var tx *Txn
	_, ok := tx.Resolve("anything")
	require.False(t, ok)
}

func TestManager_CommitWrongTxnRejected(t *testing.T) {
	mgr := NewManager(&fakeShadower{}, &fakePageTable{})
	tx, err := mgr.Begin()
	require.NoError(t, err)

	other := &Txn{ID: tx.ID, state: StateActive, mgr: mgr, shadowMap: map[string]shadowEntry{}}
	require.ErrorIs(t, mgr.Commit(other), ErrWrongTxn)
}
