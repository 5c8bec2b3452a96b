package buffer

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/btree-query-bench/fbtree/device"
)

// allDeadValidator reports every page as dead, the simplest recycle
// scenario: the candidate block has nothing worth moving.
type allDeadValidator struct{}

func (allDeadValidator) IsValid(pid uint32) (int8, uint32)  { return -1, 0 }
func (allDeadValidator) MovePage(prev, curr uint32, buf []byte) {}
func (allDeadValidator) RepairParent(parentID uint32) error     { return nil }

func TestFrontierAdvancesWithinFirstPass(t *testing.T) {
	fs := afero.NewMemMapFs()
	dev, err := device.Open(fs, "test.db", 16)
	require.NoError(t, err)

	m := New(dev, Config{NumPages: 3, EraseSizeInPages: 4, EndDataPage: 15})
	m.SetValidator(allDeadValidator{})

	buf := make([]byte, 16)
	var lastID uint32
	for i := 0; i < 4; i++ {
		id, err := m.Write(buf)
		require.NoError(t, err)
		lastID = id
	}
	require.Equal(t, uint32(3), lastID)
}

func TestRecycleAfterWrap(t *testing.T) {
	fs := afero.NewMemMapFs()
	dev, err := device.Open(fs, "test.db", 16)
	require.NoError(t, err)

	// Two blocks of 4 pages each; writing past page 7 forces a wrap back to
	// block 0, which the all-dead validator reports as fully reclaimable.
	m := New(dev, Config{NumPages: 3, EraseSizeInPages: 4, EndDataPage: 7})
	m.SetValidator(allDeadValidator{})

	buf := make([]byte, 16)
	var ids []uint32
	for i := 0; i < 9; i++ {
		id, err := m.Write(buf)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Equal(t, uint32(0), ids[8])
	require.True(t, m.wrappedMemory)
}
