package pager

import (
	"encoding/binary"

	"github.com/quantadb/quantadb/internal/qerr"
)

// ───────────────────────────────────────────────────────────────────────────
// Meta page
// ───────────────────────────────────────────────────────────────────────────
//
// Page 0 holds the database meta state. It is rewritten atomically at
// checkpoints (written, sealed, fsynced last — after every dirty page it
// references is durable).
//
// Data-region layout (offsets relative to PageHeaderSize):
//   [0:8]   Meta magic   "QDBMETA\x00"
//   [8:12]  Version      uint32 LE
//   [12:16] PageSizeUsed uint32 LE
//   [16:24] NextPageID   uint64 LE
//   [24:32] FreeListHead uint64 LE (NilPageID = empty)
//   [32:40] CheckpointLSN uint64 LE
//   [40:48] NextTxID     uint64 LE

const (
	MetaMagic   = "QDBMETA\x00"
	MetaVersion = uint32(1)
)

// Meta is the in-memory form of page 0.
type Meta struct {
	Version       uint32
	NextPageID    PageID
	FreeListHead  PageID
	CheckpointLSN LSN
	NextTxID      TxID
}

// NewMeta returns the meta state of a freshly initialised database.
func NewMeta() *Meta {
	return &Meta{
		Version:      MetaVersion,
		NextPageID:   1,
		FreeListHead: NilPageID,
		NextTxID:     1,
	}
}

// MarshalMeta renders the meta state into a sealed page buffer.
func MarshalMeta(m *Meta) []byte {
	buf := make([]byte, PageSize)
	InitPage(buf, PageTypeMeta, MetaPageID)
	d := buf[PageHeaderSize:]
	copy(d[0:8], MetaMagic)
	binary.LittleEndian.PutUint32(d[8:12], m.Version)
	binary.LittleEndian.PutUint32(d[12:16], uint32(PageSize))
	binary.LittleEndian.PutUint64(d[16:24], uint64(m.NextPageID))
	binary.LittleEndian.PutUint64(d[24:32], uint64(m.FreeListHead))
	binary.LittleEndian.PutUint64(d[32:40], uint64(m.CheckpointLSN))
	binary.LittleEndian.PutUint64(d[40:48], uint64(m.NextTxID))
	SealPage(buf)
	return buf
}

// UnmarshalMeta parses and validates a meta page buffer.
func UnmarshalMeta(buf []byte) (*Meta, error) {
	if err := VerifyPage(buf); err != nil {
		return nil, err
	}
	d := buf[PageHeaderSize:]
	if string(d[0:8]) != MetaMagic {
		return nil, qerr.New(qerr.KindChecksumMismatch, "bad meta magic")
	}
	ver := binary.LittleEndian.Uint32(d[8:12])
	if ver != MetaVersion {
		return nil, qerr.New(qerr.KindIO, "unsupported meta version %d", ver)
	}
	if ps := binary.LittleEndian.Uint32(d[12:16]); ps != PageSize {
		return nil, qerr.New(qerr.KindIO, "page size %d != expected %d", ps, PageSize)
	}
	return &Meta{
		Version:       ver,
		NextPageID:    PageID(binary.LittleEndian.Uint64(d[16:24])),
		FreeListHead:  PageID(binary.LittleEndian.Uint64(d[24:32])),
		CheckpointLSN: LSN(binary.LittleEndian.Uint64(d[32:40])),
		NextTxID:      TxID(binary.LittleEndian.Uint64(d[40:48])),
	}, nil
}
