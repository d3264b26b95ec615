package pager

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Large ordered range scan: after inserting "00000000".."00099999",
// range("00010000", "00020000") returns exactly 10 001 pairs ascending.
func TestBTreeLargeRangeScan(t *testing.T) {
	if testing.Short() {
		t.Skip("large range scan skipped in -short mode")
	}
	p, err := Open(Config{Dir: t.TempDir(), Sync: SyncNone, CacheSize: 4096})
	require.NoError(t, err)
	defer p.Close()

	tx, err := p.BeginTx()
	require.NoError(t, err)
	bt, err := CreateBTree(p, tx)
	require.NoError(t, err)

	const n = 100000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("%08d", i))
		require.NoError(t, bt.Insert(tx, key, RowID{Page: PageID(i)}))
	}
	require.NoError(t, p.CommitTx(tx))

	var count int
	var prev []byte
	err = bt.Range(context.Background(), []byte("00010000"), []byte("00020000"),
		func(k []byte, _ RowID) bool {
			if prev != nil {
				assert.Less(t, string(prev), string(k))
			}
			prev = append(prev[:0], k...)
			count++
			return true
		})
	require.NoError(t, err)
	assert.Equal(t, 10001, count)

	// Height stays logarithmic in the key count.
	h, err := bt.Height()
	require.NoError(t, err)
	assert.LessOrEqual(t, h, 4)
}
