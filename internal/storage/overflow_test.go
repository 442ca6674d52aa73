package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOverflow_WriteRead_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs := LocalFileSet{Dir: dir, Base: "ovf_test"}
	dm, err := NewDiskManager(fs, "")
	require.NoError(t, err)
	ovf := NewOverflowManager(dm)

	// Payload bigger than one overflow page to force a multi-page chain.
	payloadLen := 12012
	payload := bytes.Repeat([]byte("X"), payloadLen)

	ref, err := ovf.Write(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(len(payload)), ref.Length)

	out, err := ovf.Read(ref)
	require.NoError(t, err)
	require.Equal(t, payload, out)

	require.NoError(t, ovf.Free(ref))
}

func TestOverflow_EmptyValue(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs := LocalFileSet{Dir: dir, Base: "ovf_empty"}
	dm, err := NewDiskManager(fs, "")
	require.NoError(t, err)
	ovf := NewOverflowManager(dm)

	ref, err := ovf.Write(nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0), ref.Length)

	out, err := ovf.Read(ref)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestOverflow_ChainPageIDsMatchesReadLength(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs := LocalFileSet{Dir: dir, Base: "ovf_chain"}
	dm, err := NewDiskManager(fs, "")
	require.NoError(t, err)
	ovf := NewOverflowManager(dm)

	payload := bytes.Repeat([]byte("Y"), PageSize*3)
	ref, err := ovf.Write(payload)
	require.NoError(t, err)

	ids, err := ovf.ChainPageIDs(ref)
	require.NoError(t, err)
	require.Greater(t, len(ids), 1, "a payload spanning several pages should walk several ids")

	seen := map[uint32]bool{}
	for _, id := range ids {
		require.False(t, seen[id], "ChainPageIDs must not repeat a page")
		seen[id] = true
	}

	out, err := ovf.Read(ref)
	require.NoError(t, err)
	require.Equal(t, payload, out)

	empty, err := ovf.ChainPageIDs(OverflowRef{})
	require.NoError(t, err)
	require.Empty(t, empty)
}
