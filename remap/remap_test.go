package remap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddLookupRemove(t *testing.T) {
	tbl := New(4)
	require.NoError(t, tbl.Add(10, 20))
	cur, ok := tbl.Lookup(10)
	require.True(t, ok)
	require.Equal(t, uint32(20), cur)

	id, ok := tbl.Lookup(99)
	require.False(t, ok)
	require.Equal(t, uint32(99), id)

	tbl.Remove(10)
	_, ok = tbl.Lookup(10)
	require.False(t, ok)
}

func TestAddUpdateExistingNeverFails(t *testing.T) {
	tbl := New(1)
	require.NoError(t, tbl.Add(1, 2))
	require.NoError(t, tbl.Add(1, 3))
	cur, _ := tbl.Lookup(1)
	require.Equal(t, uint32(3), cur)
}

func TestAddFullOnNewEntry(t *testing.T) {
	tbl := New(2)
	require.NoError(t, tbl.Add(1, 2))
	require.NoError(t, tbl.Add(3, 4))
	err := tbl.Add(5, 6)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrFull))
	require.Equal(t, 2, tbl.Len())
}

func TestRemoveSwapWithLast(t *testing.T) {
	tbl := New(3)
	require.NoError(t, tbl.Add(1, 10))
	require.NoError(t, tbl.Add(2, 20))
	require.NoError(t, tbl.Add(3, 30))

	tbl.Remove(1)
	require.Equal(t, 2, tbl.Len())
	for _, p := range []uint32{2, 3} {
		_, ok := tbl.Lookup(p)
		require.True(t, ok)
	}
}
