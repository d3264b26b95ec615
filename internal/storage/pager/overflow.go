package pager

import (
	"encoding/binary"

	"github.com/quantadb/quantadb/internal/qerr"
)

// ───────────────────────────────────────────────────────────────────────────
// Overflow pages
// ───────────────────────────────────────────────────────────────────────────
//
// Values too large to live inline in a data or leaf page spill into a chain
// of overflow pages. Layout:
//
//   [0..63]   Common PageHeader (Type=Overflow, Next = next chain page)
//   [64:68]   DataLen (uint32 LE) — bytes stored in this page
//   [68..]    Data

const (
	overflowLenOff  = PageHeaderSize
	overflowDataOff = PageHeaderSize + 4
)

// OverflowCapacity is how many payload bytes fit in one overflow page.
const OverflowCapacity = PageSize - overflowDataOff

// OverflowPage wraps a page buffer as an overflow page.
type OverflowPage struct {
	buf []byte
}

// WrapOverflowPage wraps an existing overflow buffer.
func WrapOverflowPage(buf []byte) *OverflowPage {
	return &OverflowPage{buf: buf}
}

// InitOverflowPage creates a new empty overflow page.
func InitOverflowPage(buf []byte, id PageID) *OverflowPage {
	InitPage(buf, PageTypeOverflow, id)
	return &OverflowPage{buf: buf}
}

// NextOverflow returns the next page in the chain (NilPageID = end).
func (op *OverflowPage) NextOverflow() PageID {
	return PageID(binary.LittleEndian.Uint64(op.buf[32:40]))
}

// SetNextOverflow links the next chain page.
func (op *OverflowPage) SetNextOverflow(pid PageID) {
	binary.LittleEndian.PutUint64(op.buf[32:40], uint64(pid))
}

// DataLen returns the payload length stored in this page.
func (op *OverflowPage) DataLen() int {
	return int(binary.LittleEndian.Uint32(op.buf[overflowLenOff:]))
}

// SetData stores the payload for this page.
func (op *OverflowPage) SetData(data []byte) error {
	if len(data) > OverflowCapacity {
		return qerr.New(qerr.KindIO, "overflow payload %d exceeds capacity %d", len(data), OverflowCapacity)
	}
	binary.LittleEndian.PutUint32(op.buf[overflowLenOff:], uint32(len(data)))
	copy(op.buf[overflowDataOff:], data)
	return nil
}

// Data returns the payload bytes of this page.
func (op *OverflowPage) Data() []byte {
	n := op.DataLen()
	return op.buf[overflowDataOff : overflowDataOff+n]
}

// Bytes returns the underlying page buffer.
func (op *OverflowPage) Bytes() []byte { return op.buf }
