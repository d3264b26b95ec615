package pager

import (
	"encoding/binary"

	"github.com/quantadb/quantadb/internal/qerr"
)

// ───────────────────────────────────────────────────────────────────────────
// B+Tree node layouts
// ───────────────────────────────────────────────────────────────────────────
//
// Leaf page data region:
//   [64]    Encoding (0=plain, 1=common-prefix, 2=front-coded)
//   [65:67] reserved
//   payload by encoding; entry count mirrors header SlotCount; leaf chain
//   uses the header Next/Prev pointers.
//
//   plain:          { keyLen u16, key, value(10) }*
//   common-prefix:  prefixLen u16, prefix, { suffixLen u16, suffix, value }*
//   front-coded:    first { keyLen u16, key, value }, then
//                   { sharedLen u16, suffixLen u16, suffix, value }*
//
// Internal page data region:
//   [64]    Encoding (0=plain, 1=common-prefix)
//   [65:67] reserved
//   child0 u64, then { keyLen u16, key, child u64 }*   (n keys, n+1 children)
//
// Values are RowIDs: PageID u64 + Slot u16 (10 bytes).

type nodeEncoding uint8

const (
	encPlain      nodeEncoding = 0
	encPrefix     nodeEncoding = 1
	encFrontCoded nodeEncoding = 2
)

const (
	btreeEncOff     = PageHeaderSize
	btreePayloadOff = PageHeaderSize + 3
	btreeValueLen   = 10
)

// leafNode is the in-memory form of a leaf page.
type leafNode struct {
	id   PageID
	keys [][]byte
	vals []RowID
	next PageID
	prev PageID
}

// innerNode is the in-memory form of an internal page.
type innerNode struct {
	id       PageID
	keys     [][]byte
	children []PageID
}

func putValue(buf []byte, v RowID) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(v.Page))
	binary.LittleEndian.PutUint16(buf[8:10], v.Slot)
}

func getValue(buf []byte) RowID {
	return RowID{
		Page: PageID(binary.LittleEndian.Uint64(buf[0:8])),
		Slot: binary.LittleEndian.Uint16(buf[8:10]),
	}
}

// ─── Leaf encode/decode ────────────────────────────────────────────────────

// encodeLeaf renders n into a page buffer, choosing the cheapest encoding
// that fits. Returns false if no encoding fits.
func encodeLeaf(n *leafNode, buf []byte) bool {
	for _, enc := range leafEncodingOrder(n.keys) {
		if tryEncodeLeaf(n, buf, enc) {
			return true
		}
	}
	return false
}

// leafEncodingOrder ranks encodings by estimated payload size.
func leafEncodingOrder(keys [][]byte) []nodeEncoding {
	plain := 0
	for _, k := range keys {
		plain += len(k)
	}
	pfx := prefixCodeSize(keys)
	fc := frontCodeSize(keys)
	order := []nodeEncoding{encPlain, encPrefix, encFrontCoded}
	sizes := map[nodeEncoding]int{encPlain: plain, encPrefix: pfx, encFrontCoded: fc}
	// Insertion sort over three entries.
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && sizes[order[j]] < sizes[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	return order
}

func tryEncodeLeaf(n *leafNode, buf []byte, enc nodeEncoding) bool {
	InitPage(buf, PageTypeBTreeLeaf, n.id)
	h := PageHeader{
		Type: PageTypeBTreeLeaf, ID: n.id,
		SlotCount: uint16(len(n.keys)),
		Next:      n.next, Prev: n.prev,
	}
	buf[btreeEncOff] = byte(enc)
	off := btreePayloadOff
	fit := func(need int) bool { return off+need <= PageSize }

	switch enc {
	case encPlain:
		for i, k := range n.keys {
			if !fit(2 + len(k) + btreeValueLen) {
				return false
			}
			binary.LittleEndian.PutUint16(buf[off:], uint16(len(k)))
			off += 2
			off += copy(buf[off:], k)
			putValue(buf[off:], n.vals[i])
			off += btreeValueLen
		}
	case encPrefix:
		prefix := longestCommonPrefix(n.keys)
		if !fit(2 + len(prefix)) {
			return false
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(prefix)))
		off += 2
		off += copy(buf[off:], prefix)
		for i, k := range n.keys {
			suffix := k[len(prefix):]
			if !fit(2 + len(suffix) + btreeValueLen) {
				return false
			}
			binary.LittleEndian.PutUint16(buf[off:], uint16(len(suffix)))
			off += 2
			off += copy(buf[off:], suffix)
			putValue(buf[off:], n.vals[i])
			off += btreeValueLen
		}
	case encFrontCoded:
		for i, k := range n.keys {
			if i == 0 {
				if !fit(2 + len(k) + btreeValueLen) {
					return false
				}
				binary.LittleEndian.PutUint16(buf[off:], uint16(len(k)))
				off += 2
				off += copy(buf[off:], k)
				putValue(buf[off:], n.vals[i])
				off += btreeValueLen
				continue
			}
			shared := sharedLen(n.keys[i-1], k)
			suffix := k[shared:]
			if !fit(4 + len(suffix) + btreeValueLen) {
				return false
			}
			binary.LittleEndian.PutUint16(buf[off:], uint16(shared))
			binary.LittleEndian.PutUint16(buf[off+2:], uint16(len(suffix)))
			off += 4
			off += copy(buf[off:], suffix)
			putValue(buf[off:], n.vals[i])
			off += btreeValueLen
		}
	}
	h.FreeSpace = uint16(PageSize - off)
	MarshalHeader(&h, buf)
	buf[btreeEncOff] = byte(enc)
	return true
}

// decodeLeaf parses a leaf page buffer.
func decodeLeaf(buf []byte) (*leafNode, error) {
	h, err := UnmarshalHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != PageTypeBTreeLeaf {
		return nil, qerr.New(qerr.KindIO, "page %d is %s, want leaf", h.ID, h.Type)
	}
	n := &leafNode{
		id:   h.ID,
		next: h.Next,
		prev: h.Prev,
		keys: make([][]byte, 0, h.SlotCount),
		vals: make([]RowID, 0, h.SlotCount),
	}
	enc := nodeEncoding(buf[btreeEncOff])
	off := btreePayloadOff
	count := int(h.SlotCount)

	switch enc {
	case encPlain:
		for i := 0; i < count; i++ {
			kl := int(binary.LittleEndian.Uint16(buf[off:]))
			off += 2
			n.keys = append(n.keys, append([]byte(nil), buf[off:off+kl]...))
			off += kl
			n.vals = append(n.vals, getValue(buf[off:]))
			off += btreeValueLen
		}
	case encPrefix:
		pl := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		prefix := buf[off : off+pl]
		off += pl
		for i := 0; i < count; i++ {
			sl := int(binary.LittleEndian.Uint16(buf[off:]))
			off += 2
			k := make([]byte, 0, pl+sl)
			k = append(k, prefix...)
			k = append(k, buf[off:off+sl]...)
			off += sl
			n.keys = append(n.keys, k)
			n.vals = append(n.vals, getValue(buf[off:]))
			off += btreeValueLen
		}
	case encFrontCoded:
		var prev []byte
		for i := 0; i < count; i++ {
			if i == 0 {
				kl := int(binary.LittleEndian.Uint16(buf[off:]))
				off += 2
				prev = append([]byte(nil), buf[off:off+kl]...)
				off += kl
			} else {
				shared := int(binary.LittleEndian.Uint16(buf[off:]))
				sl := int(binary.LittleEndian.Uint16(buf[off+2:]))
				off += 4
				k := make([]byte, 0, shared+sl)
				k = append(k, prev[:shared]...)
				k = append(k, buf[off:off+sl]...)
				off += sl
				prev = k
			}
			n.keys = append(n.keys, prev)
			n.vals = append(n.vals, getValue(buf[off:]))
			off += btreeValueLen
		}
	default:
		return nil, qerr.New(qerr.KindIO, "leaf %d: unknown encoding %d", h.ID, enc)
	}
	return n, nil
}

// ─── Internal encode/decode ────────────────────────────────────────────────

// encodeInner renders n into a page buffer. Returns false if it does not fit.
func encodeInner(n *innerNode, buf []byte) bool {
	for _, enc := range []nodeEncoding{encPlain, encPrefix} {
		if tryEncodeInner(n, buf, enc) {
			return true
		}
	}
	return false
}

func tryEncodeInner(n *innerNode, buf []byte, enc nodeEncoding) bool {
	InitPage(buf, PageTypeBTreeInternal, n.id)
	h := PageHeader{
		Type: PageTypeBTreeInternal, ID: n.id,
		SlotCount: uint16(len(n.keys)),
		Next:      NilPageID, Prev: NilPageID,
	}
	buf[btreeEncOff] = byte(enc)
	off := btreePayloadOff
	fit := func(need int) bool { return off+need <= PageSize }

	if !fit(8) {
		return false
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(n.children[0]))
	off += 8

	var prefix []byte
	if enc == encPrefix {
		prefix = longestCommonPrefix(n.keys)
		if !fit(2 + len(prefix)) {
			return false
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(prefix)))
		off += 2
		off += copy(buf[off:], prefix)
	}
	for i, k := range n.keys {
		stored := k
		if enc == encPrefix {
			stored = k[len(prefix):]
		}
		if !fit(2 + len(stored) + 8) {
			return false
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(stored)))
		off += 2
		off += copy(buf[off:], stored)
		binary.LittleEndian.PutUint64(buf[off:], uint64(n.children[i+1]))
		off += 8
	}
	h.FreeSpace = uint16(PageSize - off)
	MarshalHeader(&h, buf)
	buf[btreeEncOff] = byte(enc)
	return true
}

// decodeInner parses an internal page buffer.
func decodeInner(buf []byte) (*innerNode, error) {
	h, err := UnmarshalHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != PageTypeBTreeInternal {
		return nil, qerr.New(qerr.KindIO, "page %d is %s, want internal", h.ID, h.Type)
	}
	enc := nodeEncoding(buf[btreeEncOff])
	count := int(h.SlotCount)
	n := &innerNode{
		id:       h.ID,
		keys:     make([][]byte, 0, count),
		children: make([]PageID, 0, count+1),
	}
	off := btreePayloadOff
	n.children = append(n.children, PageID(binary.LittleEndian.Uint64(buf[off:])))
	off += 8

	var prefix []byte
	if enc == encPrefix {
		pl := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		prefix = buf[off : off+pl]
		off += pl
	} else if enc != encPlain {
		return nil, qerr.New(qerr.KindIO, "internal %d: unknown encoding %d", h.ID, enc)
	}
	for i := 0; i < count; i++ {
		kl := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		k := make([]byte, 0, len(prefix)+kl)
		k = append(k, prefix...)
		k = append(k, buf[off:off+kl]...)
		off += kl
		n.keys = append(n.keys, k)
		n.children = append(n.children, PageID(binary.LittleEndian.Uint64(buf[off:])))
		off += 8
	}
	return n, nil
}

// encodedLeafFill estimates how full a leaf would be, as a fraction of the
// usable data region. Used for underflow decisions.
func encodedLeafFill(n *leafNode) float64 {
	size := 0
	for _, k := range n.keys {
		size += 2 + len(k) + btreeValueLen
	}
	return float64(size) / float64(PageDataSize)
}

func encodedInnerFill(n *innerNode) float64 {
	size := 8
	for _, k := range n.keys {
		size += 2 + len(k) + 8
	}
	return float64(size) / float64(PageDataSize)
}
