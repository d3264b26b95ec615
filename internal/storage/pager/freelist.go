package pager

import (
	"encoding/binary"
)

// ───────────────────────────────────────────────────────────────────────────
// Free-list pages
// ───────────────────────────────────────────────────────────────────────────
//
// The free-list is a singly-linked chain of pages. Each page stores an array
// of page IDs that are currently free and available for reuse.
//
// Layout:
//   [0..63]   Common PageHeader (Type=FreeList, Next = next free-list page)
//   [64:68]   EntryCount (uint32 LE)
//   [68..68+8*EntryCount]  PageID entries (uint64 LE each)

const (
	freeListCountOff = PageHeaderSize
	freeListDataOff  = freeListCountOff + 4
	freeListEntryLen = 8
)

// FreeListCapacity is how many page IDs fit in one free-list page.
const FreeListCapacity = (PageSize - freeListDataOff) / freeListEntryLen

// FreeListPage wraps a page buffer as a free-list page.
type FreeListPage struct {
	buf []byte
}

// WrapFreeListPage wraps an existing free-list buffer.
func WrapFreeListPage(buf []byte) *FreeListPage {
	return &FreeListPage{buf: buf}
}

// InitFreeListPage creates a new empty free-list page.
func InitFreeListPage(buf []byte, id PageID) *FreeListPage {
	InitPage(buf, PageTypeFreeList, id)
	binary.LittleEndian.PutUint32(buf[freeListCountOff:], 0)
	return &FreeListPage{buf: buf}
}

// NextFreeList returns the next free-list page in the chain.
func (fl *FreeListPage) NextFreeList() PageID {
	return PageID(binary.LittleEndian.Uint64(fl.buf[32:40]))
}

// SetNextFreeList sets the next page pointer.
func (fl *FreeListPage) SetNextFreeList(pid PageID) {
	binary.LittleEndian.PutUint64(fl.buf[32:40], uint64(pid))
}

// Count returns the number of free page IDs stored here.
func (fl *FreeListPage) Count() int {
	return int(binary.LittleEndian.Uint32(fl.buf[freeListCountOff:]))
}

func (fl *FreeListPage) setCount(n int) {
	binary.LittleEndian.PutUint32(fl.buf[freeListCountOff:], uint32(n))
}

// Get returns the i-th free page ID.
func (fl *FreeListPage) Get(i int) PageID {
	off := freeListDataOff + i*freeListEntryLen
	return PageID(binary.LittleEndian.Uint64(fl.buf[off:]))
}

// Push appends a free page ID. Returns false if the page is full.
func (fl *FreeListPage) Push(pid PageID) bool {
	n := fl.Count()
	if n >= FreeListCapacity {
		return false
	}
	off := freeListDataOff + n*freeListEntryLen
	binary.LittleEndian.PutUint64(fl.buf[off:], uint64(pid))
	fl.setCount(n + 1)
	return true
}

// Pop removes and returns the last free page ID.
// Returns (NilPageID, false) if empty.
func (fl *FreeListPage) Pop() (PageID, bool) {
	n := fl.Count()
	if n == 0 {
		return NilPageID, false
	}
	pid := fl.Get(n - 1)
	fl.setCount(n - 1)
	return pid, true
}

// Bytes returns the underlying page buffer.
func (fl *FreeListPage) Bytes() []byte { return fl.buf }
