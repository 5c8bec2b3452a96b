package buffer

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/btree-query-bench/fbtree/device"
	"github.com/btree-query-bench/fbtree/page"
)

func newTestDevice(t *testing.T, pageSize int) device.BlockDevice {
	t.Helper()
	fs := afero.NewMemMapFs()
	d, err := device.Open(fs, "test.db", pageSize)
	require.NoError(t, err)
	return d
}

func TestWriteThenReadCacheHit(t *testing.T) {
	dev := newTestDevice(t, 64)
	m := New(dev, Config{NumPages: 4})

	buf := make([]byte, 64)
	page.InitHeader(buf, 0, false, false)
	id, err := m.Write(buf)
	require.NoError(t, err)

	// Write goes straight to the device without filling a frame, so the
	// first read misses and loads the page; the second read is the hit.
	_, got, err := m.Read(id)
	require.NoError(t, err)
	require.Equal(t, uint32(id), page.PageID(got))
	_, got, err = m.Read(id)
	require.NoError(t, err)
	require.Equal(t, uint32(id), page.PageID(got))

	stats := m.Stats()
	require.EqualValues(t, 1, stats.Writes)
	require.EqualValues(t, 1, stats.Reads)
	require.EqualValues(t, 1, stats.BufferHits)
}

func TestOverwriteUpdatesCachedFrame(t *testing.T) {
	dev := newTestDevice(t, 64)
	m := New(dev, Config{NumPages: 4})

	buf := make([]byte, 64)
	page.InitHeader(buf, 0, false, false)
	id, err := m.Write(buf)
	require.NoError(t, err)

	_, cached, err := m.Read(id)
	require.NoError(t, err)

	updated := make([]byte, 64)
	page.InitHeader(updated, 0, false, false)
	page.SetCount(updated, 9)
	require.NoError(t, m.Overwrite(updated, id))

	require.Equal(t, 9, page.Count(cached))
}

func TestVariantAWriteAssignsMonotonicIDs(t *testing.T) {
	dev := newTestDevice(t, 32)
	m := New(dev, Config{NumPages: 3})

	buf := make([]byte, 32)
	id1, err := m.Write(buf)
	require.NoError(t, err)
	id2, err := m.Write(buf)
	require.NoError(t, err)
	require.Equal(t, id1+1, id2)
	require.False(t, m.IsVariantB())
}

func TestVictimSkipsScratchAndRootFrames(t *testing.T) {
	dev := newTestDevice(t, 32)
	m := New(dev, Config{NumPages: 3})

	rootBuf := make([]byte, 32)
	_, err := m.ReadInto(0, 1) // reserve frame 1 for the root
	require.NoError(t, err)
	_ = rootBuf

	// Force several misses; frames 0 and 1 must never be chosen as victims.
	for pid := uint32(1); pid < 10; pid++ {
		victim := m.pickVictim()
		require.NotEqual(t, 0, victim)
		require.NotEqual(t, 1, victim)
		m.owner[victim] = pid
	}
}
