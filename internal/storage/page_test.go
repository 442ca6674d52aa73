package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPage(pageID uint32) Page {
	return NewPage(make([]byte, PageSize), pageID)
}

func TestPage_InitAndGeometry(t *testing.T) {
	p := newTestPage(7)
	require.Equal(t, uint32(7), p.PageID())
	require.Equal(t, 0, p.NumSlots())
	require.False(t, p.IsUninitialized())
	require.Equal(t, PageSize-HeaderSize, p.FreeSpace())
}

func TestPage_InsertReadTuple(t *testing.T) {
	p := newTestPage(1)

	slot, err := p.InsertTuple([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 0, slot)

	got, err := p.ReadTuple(slot)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	slot2, err := p.InsertTuple([]byte("world!"))
	require.NoError(t, err)
	require.Equal(t, 1, slot2)
	require.Equal(t, 2, p.NumSlots())
}

func TestPage_InsertNoSpace(t *testing.T) {
	p := newTestPage(1)
	big := make([]byte, PageSize)
	_, err := p.InsertTuple(big)
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestPage_UpdateInPlaceAndGrow(t *testing.T) {
	p := newTestPage(1)
	slot, err := p.InsertTuple([]byte("short"))
	require.NoError(t, err)

	require.NoError(t, p.UpdateTuple(slot, []byte("ab")))
	got, err := p.ReadTuple(slot)
	require.NoError(t, err)
	require.Equal(t, []byte("ab"), got)

	require.NoError(t, p.UpdateTuple(slot, []byte("a much longer replacement value")))
	got, err = p.ReadTuple(slot)
	require.NoError(t, err)
	require.Equal(t, []byte("a much longer replacement value"), got)
	require.Equal(t, slot, 0) // RID/slot never changes across an update
}

func TestPage_DeleteTombstonesSlot(t *testing.T) {
	p := newTestPage(1)
	slot, err := p.InsertTuple([]byte("gone soon"))
	require.NoError(t, err)

	require.NoError(t, p.DeleteTuple(slot))
	require.False(t, p.IsLive(slot))

	_, err = p.ReadTuple(slot)
	require.ErrorIs(t, err, ErrBadSlot)

	// Deleting twice is rejected; the slot stays reserved so later slots'
	// indices (and therefore other rows' RIDs) are never disturbed.
	err = p.DeleteTuple(slot)
	require.ErrorIs(t, err, ErrBadSlot)
}

func TestPage_BadSlotBounds(t *testing.T) {
	p := newTestPage(1)
	_, err := p.ReadTuple(0)
	require.ErrorIs(t, err, ErrBadSlot)
	_, err = p.ReadTuple(-1)
	require.ErrorIs(t, err, ErrBadSlot)
}
