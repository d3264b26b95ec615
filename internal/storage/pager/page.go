// Package pager implements the page-oriented, write-ahead-logged storage
// engine for QuantaDB.
//
// The on-disk format consists of segmented page files (pages/seg-NNNN.dat)
// holding fixed 4 KiB pages and segmented append-only WAL files
// (wal/seg-NNNN.wal). Page 0 is the meta page; subsequent pages are typed
// (data, B+Tree internal, B+Tree leaf, overflow, free-list). Every page
// carries a 64-byte header with magic, type, page-ID, LSN of last
// modification, and a CRC32 of the data region. Crash recovery is
// ARIES-style: analysis from the last checkpoint, redo by LSN comparison,
// undo of loser transactions with compensation records.
package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/quantadb/quantadb/internal/qerr"
)

// ───────────────────────────────────────────────────────────────────────────
// Constants
// ───────────────────────────────────────────────────────────────────────────

const (
	// PageSize is the fixed page size in bytes.
	PageSize = 4096

	// PageMagic marks every valid page header.
	PageMagic = uint32(0xDEADBEEF)

	// PageHeaderSize is the size of the common page header in bytes.
	// Layout:
	//   [0:4]   Magic      (uint32 LE, 0xDEADBEEF)
	//   [4]     PageType   (1 byte)
	//   [5:8]   Reserved   (3 bytes)
	//   [8:16]  PageID     (uint64 LE)
	//   [16:24] LSN        (uint64 LE)
	//   [24:28] CRC32      (uint32 LE — checksum of the data region)
	//   [28:30] FreeSpace  (uint16 LE)
	//   [30:32] SlotCount  (uint16 LE)
	//   [32:40] Next       (uint64 LE, NilPageID = none)
	//   [40:48] Prev       (uint64 LE, NilPageID = none)
	//   [48:64] Reserved   (16 bytes)
	PageHeaderSize = 64

	// PageDataSize is the size of the type-specific data region.
	PageDataSize = PageSize - PageHeaderSize

	// PagesPerSegment is the number of pages per data segment file (64 MiB).
	PagesPerSegment = 16384
)

// NilPageID is the "no page" sentinel used in next/prev pointers.
const NilPageID = PageID(^uint64(0))

// MetaPageID is the fixed location of the meta page.
const MetaPageID = PageID(0)

// ───────────────────────────────────────────────────────────────────────────
// Core types
// ───────────────────────────────────────────────────────────────────────────

// PageID is a 64-bit page address. Page 0 is the meta page.
type PageID uint64

// LSN is a monotonically increasing Log Sequence Number.
type LSN uint64

// TxID is a transaction identifier.
type TxID uint64

// RowID addresses a row as (page, slot). Stable for the row's lifetime.
type RowID struct {
	Page PageID
	Slot uint16
}

func (r RowID) String() string { return fmt.Sprintf("%d:%d", r.Page, r.Slot) }

// Less orders RowIDs by page then slot.
func (r RowID) Less(o RowID) bool {
	if r.Page != o.Page {
		return r.Page < o.Page
	}
	return r.Slot < o.Slot
}

// PageType identifies the kind of data stored in a page.
type PageType uint8

const (
	PageTypeFree          PageType = 0x00
	PageTypeMeta          PageType = 0x01
	PageTypeData          PageType = 0x02
	PageTypeBTreeInternal PageType = 0x03
	PageTypeBTreeLeaf     PageType = 0x04
	PageTypeOverflow      PageType = 0x05
	PageTypeFreeList      PageType = 0x06
)

// String returns a human-readable label for the page type.
func (pt PageType) String() string {
	switch pt {
	case PageTypeFree:
		return "Free"
	case PageTypeMeta:
		return "Meta"
	case PageTypeData:
		return "Data"
	case PageTypeBTreeInternal:
		return "BTree-Internal"
	case PageTypeBTreeLeaf:
		return "BTree-Leaf"
	case PageTypeOverflow:
		return "Overflow"
	case PageTypeFreeList:
		return "FreeList"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(pt))
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Page header
// ───────────────────────────────────────────────────────────────────────────

// PageHeader is the 64-byte header present at the start of every page.
type PageHeader struct {
	Type      PageType
	ID        PageID
	LSN       LSN
	CRC       uint32 // CRC32 of the data region [64:4096]
	FreeSpace uint16
	SlotCount uint16
	Next      PageID
	Prev      PageID
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// MarshalHeader writes h into the first PageHeaderSize bytes of buf.
func MarshalHeader(h *PageHeader, buf []byte) {
	if len(buf) < PageHeaderSize {
		panic("pager: buffer too small for PageHeader")
	}
	binary.LittleEndian.PutUint32(buf[0:4], PageMagic)
	buf[4] = byte(h.Type)
	buf[5], buf[6], buf[7] = 0, 0, 0
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.ID))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.LSN))
	binary.LittleEndian.PutUint32(buf[24:28], h.CRC)
	binary.LittleEndian.PutUint16(buf[28:30], h.FreeSpace)
	binary.LittleEndian.PutUint16(buf[30:32], h.SlotCount)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.Next))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(h.Prev))
}

// UnmarshalHeader parses the header from the first PageHeaderSize bytes.
func UnmarshalHeader(buf []byte) (PageHeader, error) {
	var h PageHeader
	if len(buf) < PageHeaderSize {
		return h, qerr.New(qerr.KindIO, "short page: %d bytes", len(buf))
	}
	if m := binary.LittleEndian.Uint32(buf[0:4]); m != PageMagic {
		return h, qerr.New(qerr.KindChecksumMismatch, "bad page magic 0x%08X", m)
	}
	h.Type = PageType(buf[4])
	h.ID = PageID(binary.LittleEndian.Uint64(buf[8:16]))
	h.LSN = LSN(binary.LittleEndian.Uint64(buf[16:24]))
	h.CRC = binary.LittleEndian.Uint32(buf[24:28])
	h.FreeSpace = binary.LittleEndian.Uint16(buf[28:30])
	h.SlotCount = binary.LittleEndian.Uint16(buf[30:32])
	h.Next = PageID(binary.LittleEndian.Uint64(buf[32:40]))
	h.Prev = PageID(binary.LittleEndian.Uint64(buf[40:48]))
	return h, nil
}

// ChecksumData computes the CRC32 of a page's data region.
func ChecksumData(buf []byte) uint32 {
	return crc32.Checksum(buf[PageHeaderSize:PageSize], crcTable)
}

// SealPage recomputes and stores the data-region checksum in the header.
// Must be called before a page is written to disk.
func SealPage(buf []byte) {
	binary.LittleEndian.PutUint32(buf[24:28], ChecksumData(buf))
}

// VerifyPage checks the stored checksum against the data region.
func VerifyPage(buf []byte) error {
	h, err := UnmarshalHeader(buf)
	if err != nil {
		return err
	}
	if got := ChecksumData(buf); got != h.CRC {
		return qerr.New(qerr.KindChecksumMismatch,
			"page %d: stored CRC 0x%08X, computed 0x%08X", h.ID, h.CRC, got)
	}
	return nil
}

// InitPage formats buf as an empty page of the given type.
func InitPage(buf []byte, pt PageType, id PageID) {
	for i := range buf {
		buf[i] = 0
	}
	h := PageHeader{Type: pt, ID: id, Next: NilPageID, Prev: NilPageID}
	MarshalHeader(&h, buf)
}

// PageLSN reads the LSN field without decoding the full header.
func PageLSN(buf []byte) LSN {
	return LSN(binary.LittleEndian.Uint64(buf[16:24]))
}

// SetPageLSN stores the LSN of the last modification.
func SetPageLSN(buf []byte, lsn LSN) {
	binary.LittleEndian.PutUint64(buf[16:24], uint64(lsn))
}

// HeaderOf decodes the header of buf, panicking on malformed input. For use
// on pages already verified by the pager.
func HeaderOf(buf []byte) PageHeader {
	h, err := UnmarshalHeader(buf)
	if err != nil {
		panic(fmt.Sprintf("pager: header of verified page: %v", err))
	}
	return h
}
