package pager

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadb/quantadb/internal/qerr"
)

func openTestPager(t *testing.T) *Pager {
	t.Helper()
	p, err := Open(Config{Dir: t.TempDir(), Sync: SyncCommit})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func beginTest(t *testing.T, p *Pager) TxID {
	t.Helper()
	tx, err := p.BeginTx()
	require.NoError(t, err)
	return tx
}

func TestBTreeInsertGet(t *testing.T) {
	p := openTestPager(t)
	tx := beginTest(t, p)
	bt, err := CreateBTree(p, tx)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		require.NoError(t, bt.Insert(tx, key, RowID{Page: PageID(i + 10), Slot: uint16(i % 7)}))
	}
	require.NoError(t, p.CommitTx(tx))

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		v, ok, err := bt.Get(key)
		require.NoError(t, err)
		require.True(t, ok, "key %s", key)
		assert.Equal(t, RowID{Page: PageID(i + 10), Slot: uint16(i % 7)}, v)
	}
	_, ok, err := bt.Get([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBTreeDuplicateKey(t *testing.T) {
	p := openTestPager(t)
	tx := beginTest(t, p)
	bt, err := CreateBTree(p, tx)
	require.NoError(t, err)

	require.NoError(t, bt.Insert(tx, []byte("k"), RowID{Page: 1}))
	err = bt.Insert(tx, []byte("k"), RowID{Page: 2})
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindDuplicateKey))
}

func TestBTreeSplitKeepsLeavesBalanced(t *testing.T) {
	p := openTestPager(t)
	tx := beginTest(t, p)
	bt, err := CreateBTree(p, tx)
	require.NoError(t, err)

	const n = 5000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("%08d", i))
		require.NoError(t, bt.Insert(tx, key, RowID{Page: PageID(i)}))
	}
	h, err := bt.Height()
	require.NoError(t, err)
	assert.LessOrEqual(t, h, 4, "tree unexpectedly deep after %d inserts", n)

	// All leaves equidistant: verify every key reachable and ordered.
	var prev []byte
	count := 0
	err = bt.Range(context.Background(), nil, nil, func(k []byte, _ RowID) bool {
		if prev != nil {
			assert.Less(t, string(prev), string(k))
		}
		prev = append(prev[:0], k...)
		count++
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

func TestBTreeRangeInclusive(t *testing.T) {
	p := openTestPager(t)
	tx := beginTest(t, p)
	bt, err := CreateBTree(p, tx)
	require.NoError(t, err)

	for i := 0; i < 2000; i++ {
		key := []byte(fmt.Sprintf("%08d", i))
		require.NoError(t, bt.Insert(tx, key, RowID{Page: PageID(i)}))
	}

	var got []string
	err = bt.Range(context.Background(), []byte("00000100"), []byte("00000200"), func(k []byte, _ RowID) bool {
		got = append(got, string(k))
		return true
	})
	require.NoError(t, err)
	require.Len(t, got, 101) // inclusive on both ends
	assert.Equal(t, "00000100", got[0])
	assert.Equal(t, "00000200", got[100])

	// Half-open variant excludes the upper bound.
	var half int
	err = bt.RangeHalfOpen(context.Background(), []byte("00000100"), []byte("00000200"), func([]byte, RowID) bool {
		half++
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 100, half)

	// Empty range.
	var empty int
	err = bt.Range(context.Background(), []byte("zzz"), nil, func([]byte, RowID) bool {
		empty++
		return true
	})
	require.NoError(t, err)
	assert.Zero(t, empty)
}

func TestBTreeRangeCancellation(t *testing.T) {
	p := openTestPager(t)
	tx := beginTest(t, p)
	bt, err := CreateBTree(p, tx)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, bt.Insert(tx, []byte(fmt.Sprintf("%04d", i)), RowID{Page: PageID(i)}))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = bt.Range(ctx, nil, nil, func([]byte, RowID) bool { return true })
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindCancelled))
}

func TestBTreeDeleteAndMerge(t *testing.T) {
	p := openTestPager(t)
	tx := beginTest(t, p)
	bt, err := CreateBTree(p, tx)
	require.NoError(t, err)

	const n = 3000
	for i := 0; i < n; i++ {
		require.NoError(t, bt.Insert(tx, []byte(fmt.Sprintf("%08d", i)), RowID{Page: PageID(i)}))
	}
	grown, err := bt.Height()
	require.NoError(t, err)
	require.Greater(t, grown, 1)

	// Delete everything; the tree must shrink back to a single leaf.
	for i := 0; i < n; i++ {
		ok, err := bt.Delete(tx, []byte(fmt.Sprintf("%08d", i)))
		require.NoError(t, err)
		require.True(t, ok, "delete %d", i)
	}
	count, err := bt.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
	h, err := bt.Height()
	require.NoError(t, err)
	assert.Equal(t, 1, h)

	// Deleting an absent key reports false, not an error.
	ok, err := bt.Delete(tx, []byte("nope"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBTreeGetAfterDeleteOverride(t *testing.T) {
	p := openTestPager(t)
	tx := beginTest(t, p)
	bt, err := CreateBTree(p, tx)
	require.NoError(t, err)

	require.NoError(t, bt.Insert(tx, []byte("a"), RowID{Page: 1}))
	ok, err := bt.Delete(tx, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, bt.Insert(tx, []byte("a"), RowID{Page: 2}))

	v, found, err := bt.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, RowID{Page: 2}, v)
}

func TestCompressionHelpers(t *testing.T) {
	assert.Equal(t, []byte("abc"), commonPrefix([]byte("abcdef"), []byte("abcxyz")))
	assert.Empty(t, commonPrefix([]byte("abc"), []byte("xyz")))

	keys := [][]byte{[]byte("user:0001"), []byte("user:0002"), []byte("user:0099")}
	assert.Equal(t, []byte("user:00"), longestCommonPrefix(keys))
	assert.Equal(t, 8, sharedLen([]byte("user:0001"), []byte("user:0002")))

	// Front coding beats plain for clustered keys.
	plain := 0
	for _, k := range keys {
		plain += len(k)
	}
	assert.Less(t, frontCodeSize(keys), plain)
	assert.Less(t, prefixCodeSize(keys), plain)
}

func TestLeafEncodingRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		keys []string
	}{
		{"clustered", []string{"sensor.temp.0001", "sensor.temp.0002", "sensor.temp.0003"}},
		{"divergent", []string{"alpha", "mike", "zulu"}},
		{"single", []string{"only"}},
		{"empty", nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n := &leafNode{id: 8, next: NilPageID, prev: NilPageID}
			for i, k := range tc.keys {
				n.keys = append(n.keys, []byte(k))
				n.vals = append(n.vals, RowID{Page: PageID(i + 1), Slot: uint16(i)})
			}
			for _, enc := range []nodeEncoding{encPlain, encPrefix, encFrontCoded} {
				buf := make([]byte, PageSize)
				require.True(t, tryEncodeLeaf(n, buf, enc))
				got, err := decodeLeaf(buf)
				require.NoError(t, err)
				assert.True(t, keysEqual(n.keys, got.keys), "encoding %d", enc)
				require.Len(t, got.vals, len(n.vals))
				for i := range n.vals {
					assert.Equal(t, n.vals[i], got.vals[i])
				}
			}
		})
	}
}
