package pager

import (
	"encoding/binary"

	"github.com/quantadb/quantadb/internal/qerr"
)

// ───────────────────────────────────────────────────────────────────────────
// Slotted Page
// ───────────────────────────────────────────────────────────────────────────
//
// A slotted page stores variable-length records. The layout is:
//
//   [0..63]              Common PageHeader (SlotCount lives there)
//   [64..65]             FreeSpaceEnd (uint16)
//   [66..66+4*SlotCount] Slot directory (4 bytes per slot)
//   ... free space ...
//   [FreeSpaceEnd..PageSize]  Record data grows downward
//
// Each slot entry is 4 bytes:
//   [0:2]  Offset  (uint16) — offset of record from page start
//   [2:4]  Length  (uint16) — record length in bytes
//
// A slot with Offset==0 and Length==0 is a tombstone (deleted record).
//
// Invariants:
//   - Records grow downward from the end of the page.
//   - Slots grow forward from after the FreeSpaceEnd field.
//   - FreeSpaceEnd tracks where the next record can be placed.

const (
	slottedFreeEndOff = PageHeaderSize     // 64
	slottedSlotDirOff = PageHeaderSize + 2 // 66
	slotEntrySize     = 4
)

// SlottedPage wraps a raw page buffer and provides record-level operations.
type SlottedPage struct {
	buf []byte
}

// SlotEntry describes one slot in the directory.
type SlotEntry struct {
	Offset uint16
	Length uint16
}

// WrapSlottedPage wraps an existing page buffer.
func WrapSlottedPage(buf []byte) *SlottedPage {
	return &SlottedPage{buf: buf}
}

// InitSlottedPage initialises a page buffer as an empty slotted page.
func InitSlottedPage(buf []byte, pt PageType, id PageID) *SlottedPage {
	InitPage(buf, pt, id)
	binary.LittleEndian.PutUint16(buf[slottedFreeEndOff:], uint16(PageSize))
	return WrapSlottedPage(buf)
}

// SlotCount returns the number of slots (including tombstones).
func (sp *SlottedPage) SlotCount() int {
	return int(binary.LittleEndian.Uint16(sp.buf[30:32]))
}

func (sp *SlottedPage) setSlotCount(n int) {
	binary.LittleEndian.PutUint16(sp.buf[30:32], uint16(n))
}

// FreeSpaceEnd is the byte offset where the next record will be written.
func (sp *SlottedPage) FreeSpaceEnd() int {
	return int(binary.LittleEndian.Uint16(sp.buf[slottedFreeEndOff:]))
}

func (sp *SlottedPage) setFreeSpaceEnd(off int) {
	binary.LittleEndian.PutUint16(sp.buf[slottedFreeEndOff:], uint16(off))
	// Mirror the derived free-space count into the common header.
	binary.LittleEndian.PutUint16(sp.buf[28:30], uint16(off-sp.slotDirEnd()))
}

// slotDirEnd returns the byte offset just past the last slot entry.
func (sp *SlottedPage) slotDirEnd() int {
	return slottedSlotDirOff + sp.SlotCount()*slotEntrySize
}

// FreeSpace returns the bytes available for one new record plus its slot.
func (sp *SlottedPage) FreeSpace() int {
	return sp.FreeSpaceEnd() - sp.slotDirEnd() - slotEntrySize
}

// GetSlot returns the slot entry at index i.
func (sp *SlottedPage) GetSlot(i int) SlotEntry {
	off := slottedSlotDirOff + i*slotEntrySize
	return SlotEntry{
		Offset: binary.LittleEndian.Uint16(sp.buf[off:]),
		Length: binary.LittleEndian.Uint16(sp.buf[off+2:]),
	}
}

func (sp *SlottedPage) setSlot(i int, e SlotEntry) {
	off := slottedSlotDirOff + i*slotEntrySize
	binary.LittleEndian.PutUint16(sp.buf[off:], e.Offset)
	binary.LittleEndian.PutUint16(sp.buf[off+2:], e.Length)
}

// IsDeleted returns true if slot i is a tombstone.
func (sp *SlottedPage) IsDeleted(i int) bool {
	e := sp.GetSlot(i)
	return e.Offset == 0 && e.Length == 0
}

// GetRecord returns the raw bytes of the record at slot i.
// Returns nil if the slot is a tombstone.
func (sp *SlottedPage) GetRecord(i int) []byte {
	if i < 0 || i >= sp.SlotCount() {
		return nil
	}
	e := sp.GetSlot(i)
	if e.Offset == 0 && e.Length == 0 {
		return nil
	}
	return sp.buf[e.Offset : e.Offset+e.Length]
}

// InsertRecord adds a new record to the page.
// Returns the slot index, or an error if there is insufficient space.
func (sp *SlottedPage) InsertRecord(data []byte) (int, error) {
	needed := len(data)
	if sp.FreeSpace() < needed {
		return -1, qerr.New(qerr.KindIO, "page full: need %d bytes, have %d", needed, sp.FreeSpace())
	}

	newEnd := sp.FreeSpaceEnd() - needed
	copy(sp.buf[newEnd:], data)

	// Reuse a tombstone slot before growing the directory.
	sc := sp.SlotCount()
	slot := -1
	for i := 0; i < sc; i++ {
		if sp.IsDeleted(i) {
			slot = i
			break
		}
	}
	if slot < 0 {
		slot = sc
		sp.setSlotCount(sc + 1)
	}
	sp.setSlot(slot, SlotEntry{Offset: uint16(newEnd), Length: uint16(needed)})
	sp.setFreeSpaceEnd(newEnd)
	return slot, nil
}

// DeleteRecord marks slot i as deleted (tombstone).
func (sp *SlottedPage) DeleteRecord(i int) error {
	if i < 0 || i >= sp.SlotCount() {
		return qerr.New(qerr.KindIO, "slot %d out of range [0..%d)", i, sp.SlotCount())
	}
	sp.setSlot(i, SlotEntry{Offset: 0, Length: 0})
	return nil
}

// UpdateRecord replaces the record at slot i. If the new data fits in the
// old slot's space, it is written in place; otherwise the record moves to
// fresh space under the same slot index.
func (sp *SlottedPage) UpdateRecord(i int, data []byte) error {
	if i < 0 || i >= sp.SlotCount() {
		return qerr.New(qerr.KindIO, "slot %d out of range [0..%d)", i, sp.SlotCount())
	}
	old := sp.GetSlot(i)
	if int(old.Length) >= len(data) && old.Offset != 0 {
		copy(sp.buf[old.Offset:], data)
		for j := int(old.Offset) + len(data); j < int(old.Offset+old.Length); j++ {
			sp.buf[j] = 0
		}
		sp.setSlot(i, SlotEntry{Offset: old.Offset, Length: uint16(len(data))})
		return nil
	}
	sp.setSlot(i, SlotEntry{Offset: 0, Length: 0})
	needed := len(data)
	if sp.FreeSpaceEnd()-sp.slotDirEnd() < needed {
		return qerr.New(qerr.KindIO, "page full on update: need %d bytes", needed)
	}
	newEnd := sp.FreeSpaceEnd() - needed
	copy(sp.buf[newEnd:], data)
	sp.setSlot(i, SlotEntry{Offset: uint16(newEnd), Length: uint16(needed)})
	sp.setFreeSpaceEnd(newEnd)
	return nil
}

// Compact reorganises records to remove gaps left by deletions.
// Preserves slot order.
func (sp *SlottedPage) Compact() {
	sc := sp.SlotCount()
	type rec struct {
		slot int
		data []byte
	}
	var live []rec
	for i := 0; i < sc; i++ {
		if !sp.IsDeleted(i) {
			live = append(live, rec{slot: i, data: append([]byte{}, sp.GetRecord(i)...)})
		}
	}
	sp.setFreeSpaceEnd(PageSize)
	for _, r := range live {
		newEnd := sp.FreeSpaceEnd() - len(r.data)
		copy(sp.buf[newEnd:], r.data)
		sp.setSlot(r.slot, SlotEntry{Offset: uint16(newEnd), Length: uint16(len(r.data))})
		sp.setFreeSpaceEnd(newEnd)
	}
}

// LiveRecords returns the count of non-deleted records.
func (sp *SlottedPage) LiveRecords() int {
	n := 0
	sc := sp.SlotCount()
	for i := 0; i < sc; i++ {
		if !sp.IsDeleted(i) {
			n++
		}
	}
	return n
}

// Bytes returns the underlying page buffer.
func (sp *SlottedPage) Bytes() []byte { return sp.buf }
