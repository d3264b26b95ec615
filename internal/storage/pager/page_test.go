package pager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadb/quantadb/internal/qerr"
)

func TestPageHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, PageSize)
	h := PageHeader{
		Type:      PageTypeBTreeLeaf,
		ID:        42,
		LSN:       1234,
		FreeSpace: 100,
		SlotCount: 7,
		Next:      43,
		Prev:      NilPageID,
	}
	MarshalHeader(&h, buf)
	got, err := UnmarshalHeader(buf)
	require.NoError(t, err)
	h.CRC = got.CRC // CRC is computed at seal time
	assert.Equal(t, h, got)
}

func TestPageChecksum(t *testing.T) {
	buf := make([]byte, PageSize)
	InitPage(buf, PageTypeData, 9)
	copy(buf[PageHeaderSize:], []byte("hello world"))
	SealPage(buf)
	require.NoError(t, VerifyPage(buf))

	// Flip one data byte: the checksum must catch it.
	buf[PageHeaderSize+3] ^= 0xFF
	err := VerifyPage(buf)
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindChecksumMismatch))
}

func TestPageBadMagic(t *testing.T) {
	buf := make([]byte, PageSize)
	_, err := UnmarshalHeader(buf)
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindChecksumMismatch))
}

func TestMetaRoundTrip(t *testing.T) {
	m := &Meta{
		Version:       MetaVersion,
		NextPageID:    17,
		FreeListHead:  NilPageID,
		CheckpointLSN: 99,
		NextTxID:      5,
	}
	buf := MarshalMeta(m)
	got, err := UnmarshalMeta(buf)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestSlottedPageInsertGetDelete(t *testing.T) {
	buf := make([]byte, PageSize)
	sp := InitSlottedPage(buf, PageTypeData, 3)

	s1, err := sp.InsertRecord([]byte("alpha"))
	require.NoError(t, err)
	s2, err := sp.InsertRecord([]byte("beta"))
	require.NoError(t, err)
	assert.Equal(t, 2, sp.SlotCount())
	assert.Equal(t, []byte("alpha"), sp.GetRecord(s1))
	assert.Equal(t, []byte("beta"), sp.GetRecord(s2))

	require.NoError(t, sp.DeleteRecord(s1))
	assert.True(t, sp.IsDeleted(s1))
	assert.Nil(t, sp.GetRecord(s1))
	assert.Equal(t, 1, sp.LiveRecords())

	// Tombstone slots are reused.
	s3, err := sp.InsertRecord([]byte("gamma"))
	require.NoError(t, err)
	assert.Equal(t, s1, s3)
	assert.Equal(t, 2, sp.SlotCount())
}

func TestSlottedPageUpdateAndCompact(t *testing.T) {
	buf := make([]byte, PageSize)
	sp := InitSlottedPage(buf, PageTypeData, 3)

	s, err := sp.InsertRecord([]byte("short"))
	require.NoError(t, err)
	require.NoError(t, sp.UpdateRecord(s, []byte("xy")))
	assert.Equal(t, []byte("xy"), sp.GetRecord(s))

	require.NoError(t, sp.UpdateRecord(s, []byte("a much longer record payload")))
	assert.Equal(t, []byte("a much longer record payload"), sp.GetRecord(s))

	before := sp.FreeSpace()
	sp.Compact()
	assert.GreaterOrEqual(t, sp.FreeSpace(), before)
	assert.Equal(t, []byte("a much longer record payload"), sp.GetRecord(s))
}

func TestSlottedPageFull(t *testing.T) {
	buf := make([]byte, PageSize)
	sp := InitSlottedPage(buf, PageTypeData, 3)
	rec := make([]byte, 512)
	inserted := 0
	for {
		if _, err := sp.InsertRecord(rec); err != nil {
			break
		}
		inserted++
	}
	assert.Greater(t, inserted, 0)
	assert.Less(t, inserted, 8) // 4 KiB page cannot hold 8 × 512 B + overhead
}

func TestOverflowPage(t *testing.T) {
	buf := make([]byte, PageSize)
	op := InitOverflowPage(buf, 5)
	payload := make([]byte, OverflowCapacity)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, op.SetData(payload))
	assert.Equal(t, payload, op.Data())
	assert.Error(t, op.SetData(make([]byte, OverflowCapacity+1)))

	op.SetNextOverflow(77)
	assert.Equal(t, PageID(77), op.NextOverflow())
}

func TestFreeListPage(t *testing.T) {
	buf := make([]byte, PageSize)
	fl := InitFreeListPage(buf, 2)
	for i := 0; i < FreeListCapacity; i++ {
		require.True(t, fl.Push(PageID(100+i)))
	}
	assert.False(t, fl.Push(9999))
	assert.Equal(t, FreeListCapacity, fl.Count())

	id, ok := fl.Pop()
	require.True(t, ok)
	assert.Equal(t, PageID(100+FreeListCapacity-1), id)
}
