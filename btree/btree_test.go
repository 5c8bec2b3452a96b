package btree

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/btree-query-bench/fbtree/device"
	"github.com/btree-query-bench/fbtree/page"
)

func compareKeys(a, b []byte) int { return bytes.Compare(a, b) }

func encKey(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

func newTestTree(t *testing.T, numBufferPages int) *Tree {
	t.Helper()
	fs := afero.NewMemMapFs()
	dev, err := device.Open(fs, "t.db", 64)
	require.NoError(t, err)

	tr, err := Open(dev, Config{
		KeySize:         4,
		DataSize:        4,
		NumBufferPages:  numBufferPages,
		Compare:         compareKeys,
		MaxLeafRecords:  5,
		MaxInteriorKeys: 4,
	})
	require.NoError(t, err)
	return tr
}

func TestSequentialAscendingRoundTrip(t *testing.T) {
	tr := newTestTree(t, 3)

	const n = 500
	for i := uint32(1); i <= n; i++ {
		require.NoError(t, tr.Put(encKey(i), encKey(i)))
	}
	for i := uint32(1); i <= n; i++ {
		data, err := tr.Get(encKey(i))
		require.NoError(t, err)
		require.Equal(t, encKey(i), data)
	}
	require.LessOrEqual(t, tr.Levels(), 5)

	cur, err := tr.Iterate(nil, nil)
	require.NoError(t, err)
	count := 0
	var prev []byte
	for {
		k, _, err := cur.Next()
		if err == ErrIterEnd {
			break
		}
		require.NoError(t, err)
		if prev != nil {
			require.LessOrEqual(t, compareKeys(prev, k), 0)
		}
		prev = k
		count++
	}
	require.Equal(t, n, count)
}

func TestRandomPermutationRoundTrip(t *testing.T) {
	tr := newTestTree(t, 3)

	const n = 300
	order := rand.New(rand.NewSource(7)).Perm(n)
	for _, i := range order {
		k := encKey(uint32(i + 1))
		require.NoError(t, tr.Put(k, k))
	}
	for i := 1; i <= n; i++ {
		data, err := tr.Get(encKey(uint32(i)))
		require.NoError(t, err)
		require.Equal(t, encKey(uint32(i)), data)
	}
}

func TestDuplicateKeysFirstWinsOrderedIteration(t *testing.T) {
	tr := newTestTree(t, 3)

	require.NoError(t, tr.Put(encKey(7), []byte{0, 0, 0, 'a'}))
	require.NoError(t, tr.Put(encKey(7), []byte{0, 0, 0, 'b'}))

	data, err := tr.Get(encKey(7))
	require.NoError(t, err)
	require.Equal(t, byte('a'), data[3])

	cur, err := tr.Iterate(encKey(7), encKey(7))
	require.NoError(t, err)
	var values []byte
	for {
		_, d, err := cur.Next()
		if err == ErrIterEnd {
			break
		}
		require.NoError(t, err)
		values = append(values, d[3])
	}
	require.Equal(t, []byte{'a', 'b'}, values)
}

func TestRangeQuery(t *testing.T) {
	tr := newTestTree(t, 3)

	const n = 400
	for i := uint32(1); i <= n; i++ {
		require.NoError(t, tr.Put(encKey(i), encKey(i)))
	}

	cur, err := tr.Iterate(encKey(40), encKey(299))
	require.NoError(t, err)
	want := uint32(40)
	count := 0
	for {
		k, v, err := cur.Next()
		if err == ErrIterEnd {
			break
		}
		require.NoError(t, err)
		require.Equal(t, encKey(want), k)
		require.Equal(t, encKey(want), v)
		want++
		count++
	}
	require.Equal(t, 260, count)
}

func TestBoundaryNotFoundAndEmptyRange(t *testing.T) {
	tr := newTestTree(t, 3)
	for i := uint32(10); i <= 20; i++ {
		require.NoError(t, tr.Put(encKey(i), encKey(i)))
	}
	_, err := tr.Get(encKey(9))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = tr.Get(encKey(21))
	require.ErrorIs(t, err, ErrNotFound)

	cur, err := tr.Iterate(encKey(20), encKey(10))
	require.NoError(t, err)
	_, _, err = cur.Next()
	require.ErrorIs(t, err, ErrIterEnd)
}

func TestRootSplitIncrementsLevelsByOne(t *testing.T) {
	tr := newTestTree(t, 3)
	before := tr.Levels()
	// Five records fill a leaf (MaxLeafRecords=5); the sixth forces a root
	// split since the tree starts at a single leaf root.
	for i := uint32(1); i <= 6; i++ {
		require.NoError(t, tr.Put(encKey(i), encKey(i)))
	}
	require.Equal(t, before+1, tr.Levels())
}

// TestRemapSpillSetsNextIDAndStaysResolvable drives the remap table past
// its configured capacity and checks the overflow mapping lands in the
// spilled-from page's nextId field rather than being dropped, and that
// both the forward-chain resolver and ordinary Get traffic still find the
// right record afterward.
func TestRemapSpillSetsNextIDAndStaysResolvable(t *testing.T) {
	fs := afero.NewMemMapFs()
	dev, err := device.Open(fs, "spill.db", 64)
	require.NoError(t, err)

	tr, err := Open(dev, Config{
		KeySize:          4,
		DataSize:         4,
		NumBufferPages:   4,
		Compare:          compareKeys,
		MaxLeafRecords:   5,
		MaxInteriorKeys:  4,
		MaxMappings:      2,
		EraseSizeInPages: 1000,
		EndDataPage:      2000,
	})
	require.NoError(t, err)

	// The tree starts as a single leaf-root page; each of the first few
	// Puts rewrites it to a fresh physical id without splitting. With
	// MaxMappings=2 the third such rewrite's remap entry (prior id 2) has
	// no room and must spill into page 2's nextId field instead.
	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, tr.Put(encKey(i), encKey(i)))
	}
	require.Equal(t, 2, tr.remap.Len())

	raw := make([]byte, dev.PageSize())
	require.NoError(t, dev.ReadPage(2, raw))
	require.NotEqual(t, page.NoID, page.NextID(raw))

	physID, buf, err := tr.resolve(2)
	require.NoError(t, err)
	require.Equal(t, uint32(3), physID)
	require.Equal(t, 3, page.Count(buf))

	for i := uint32(1); i <= 3; i++ {
		data, err := tr.Get(encKey(i))
		require.NoError(t, err)
		require.Equal(t, encKey(i), data)
	}

	for i := uint32(4); i <= 20; i++ {
		require.NoError(t, tr.Put(encKey(i), encKey(i)))
	}
	for i := uint32(1); i <= 20; i++ {
		data, err := tr.Get(encKey(i))
		require.NoError(t, err)
		require.Equal(t, encKey(i), data)
	}
}

func TestVariantBBasicPutGetSurvivesRecycling(t *testing.T) {
	fs := afero.NewMemMapFs()
	dev, err := device.Open(fs, "vb.db", 64)
	require.NoError(t, err)

	tr, err := Open(dev, Config{
		KeySize:          4,
		DataSize:         4,
		NumBufferPages:   3,
		Compare:          compareKeys,
		MaxLeafRecords:   5,
		MaxInteriorKeys:  4,
		MaxMappings:      4,
		EraseSizeInPages: 32,
		EndDataPage:      200,
	})
	require.NoError(t, err)

	const n = 150
	for i := uint32(1); i <= n; i++ {
		require.NoError(t, tr.Put(encKey(i), encKey(i)))
		for j := uint32(1); j <= i; j++ {
			data, err := tr.Get(encKey(j))
			require.NoError(t, err)
			require.Equal(t, encKey(j), data)
		}
	}
}
