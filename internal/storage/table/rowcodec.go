package table

import (
	"encoding/binary"
	"time"

	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Row codec
// ───────────────────────────────────────────────────────────────────────────
//
// Rows serialize as:
//   CreatedAt (8, unix nanos LE)
//   UpdatedAt (8)
//   Count     (u16) — stored column count
//   entries:  { ColumnID u16, Kind u8, payload }
//     Kind 0 — inline value (EncodeValue form)
//     Kind 1 — overflow pointer: head PageID u64 + total length u32; the
//              value's EncodeValue form lives in the overflow chain.
//
// The codec is schema-version tolerant: columns added after a row was
// written are simply absent and read back as their default (or NULL);
// dropped columns are skipped on read.

// overflowThreshold is the largest inline value payload.
const overflowThreshold = 1024

const (
	rowKindInline   = 0
	rowKindOverflow = 1
)

// Row is a decoded table row.
type Row struct {
	ID        pager.RowID
	Values    map[string]Value
	CreatedAt time.Time
	UpdatedAt time.Time
}

// encodeRow renders a row, spilling oversized values into overflow chains.
func (t *Table) encodeRow(tx pager.TxID, s *Schema, vals map[string]Value, created, updated time.Time) ([]byte, error) {
	buf := make([]byte, 16, 256)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(created.UnixNano()))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(updated.UnixNano()))
	var count uint16
	countOff := len(buf)
	buf = append(buf, 0, 0)

	for _, c := range s.VisibleColumns() {
		v, ok := vals[c.Name]
		if !ok {
			continue
		}
		wire := EncodeValue(nil, v)
		buf = binary.LittleEndian.AppendUint16(buf, c.ID)
		if len(wire) > overflowThreshold {
			head, err := t.writeOverflow(tx, wire)
			if err != nil {
				return nil, err
			}
			buf = append(buf, rowKindOverflow)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(head))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(wire)))
		} else {
			buf = append(buf, rowKindInline)
			buf = append(buf, wire...)
		}
		count++
	}
	binary.LittleEndian.PutUint16(buf[countOff:], count)
	return buf, nil
}

// decodeRow parses a stored row against the current schema, supplying
// defaults for columns the row predates and masking dropped columns.
func (t *Table) decodeRow(s *Schema, id pager.RowID, data []byte) (Row, error) {
	if len(data) < 18 {
		return Row{}, qerr.New(qerr.KindIO, "row %s: truncated", id)
	}
	row := Row{
		ID:        id,
		Values:    make(map[string]Value),
		CreatedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(data[0:8]))).UTC(),
		UpdatedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(data[8:16]))).UTC(),
	}
	count := int(binary.LittleEndian.Uint16(data[16:18]))
	off := 18
	for i := 0; i < count; i++ {
		if len(data) < off+3 {
			return Row{}, qerr.New(qerr.KindIO, "row %s: truncated entry", id)
		}
		colID := binary.LittleEndian.Uint16(data[off:])
		kind := data[off+2]
		off += 3
		var v Value
		switch kind {
		case rowKindInline:
			val, n, err := DecodeValue(data[off:])
			if err != nil {
				return Row{}, qerr.Wrap(qerr.KindIO, err, "row %s", id)
			}
			v = val
			off += n
		case rowKindOverflow:
			if len(data) < off+12 {
				return Row{}, qerr.New(qerr.KindIO, "row %s: truncated overflow pointer", id)
			}
			head := pager.PageID(binary.LittleEndian.Uint64(data[off:]))
			total := binary.LittleEndian.Uint32(data[off+8:])
			off += 12
			wire, err := t.readOverflow(head, int(total))
			if err != nil {
				return Row{}, err
			}
			val, _, err := DecodeValue(wire)
			if err != nil {
				return Row{}, qerr.Wrap(qerr.KindIO, err, "row %s overflow", id)
			}
			v = val
		default:
			return Row{}, qerr.New(qerr.KindIO, "row %s: unknown entry kind %d", id, kind)
		}
		col := s.ColumnByID(colID)
		if col == nil || col.Dropped {
			continue // column no longer exists
		}
		row.Values[col.Name] = v
	}
	// Columns added since the row was written read as default / NULL.
	for _, c := range s.VisibleColumns() {
		if _, ok := row.Values[c.Name]; !ok {
			if c.Default != nil {
				row.Values[c.Name] = *c.Default
			} else {
				row.Values[c.Name] = Null()
			}
		}
	}
	return row, nil
}

// overflowRefs lists the overflow heads referenced by an encoded row, so a
// delete can free the chains.
func overflowRefs(data []byte) []pager.PageID {
	if len(data) < 18 {
		return nil
	}
	count := int(binary.LittleEndian.Uint16(data[16:18]))
	off := 18
	var refs []pager.PageID
	for i := 0; i < count && off+3 <= len(data); i++ {
		kind := data[off+2]
		off += 3
		switch kind {
		case rowKindInline:
			_, n, err := DecodeValue(data[off:])
			if err != nil {
				return refs
			}
			off += n
		case rowKindOverflow:
			if off+12 > len(data) {
				return refs
			}
			refs = append(refs, pager.PageID(binary.LittleEndian.Uint64(data[off:])))
			off += 12
		default:
			return refs
		}
	}
	return refs
}

// writeOverflow spills data into a chain of overflow pages, returning the
// head page.
func (t *Table) writeOverflow(tx pager.TxID, data []byte) (pager.PageID, error) {
	var head, prev pager.PageID = pager.NilPageID, pager.NilPageID
	var prevBuf []byte
	for off := 0; off < len(data); off += pager.OverflowCapacity {
		end := off + pager.OverflowCapacity
		if end > len(data) {
			end = len(data)
		}
		id, err := t.s.p.Allocate()
		if err != nil {
			return 0, err
		}
		buf := make([]byte, pager.PageSize)
		op := pager.InitOverflowPage(buf, id)
		if err := op.SetData(data[off:end]); err != nil {
			return 0, err
		}
		if head == pager.NilPageID {
			head = id
		}
		if prev != pager.NilPageID {
			pager.WrapOverflowPage(prevBuf).SetNextOverflow(id)
			if _, err := t.s.p.Write(tx, prev, prevBuf); err != nil {
				return 0, err
			}
			t.s.p.Unpin(prev)
		}
		prev, prevBuf = id, buf
	}
	if prev != pager.NilPageID {
		if _, err := t.s.p.Write(tx, prev, prevBuf); err != nil {
			return 0, err
		}
		t.s.p.Unpin(prev)
	}
	return head, nil
}

// readOverflow reassembles a spilled value.
func (t *Table) readOverflow(head pager.PageID, total int) ([]byte, error) {
	out := make([]byte, 0, total)
	id := head
	for id != pager.NilPageID && len(out) < total {
		buf, err := t.s.p.Read(id)
		if err != nil {
			return nil, err
		}
		op := pager.WrapOverflowPage(buf)
		out = append(out, op.Data()...)
		next := op.NextOverflow()
		t.s.p.Unpin(id)
		id = next
	}
	if len(out) < total {
		return nil, qerr.New(qerr.KindIO, "overflow chain at %d short: %d/%d bytes", head, len(out), total)
	}
	return out[:total], nil
}

// freeOverflow releases a spilled value's chain.
func (t *Table) freeOverflow(tx pager.TxID, head pager.PageID) error {
	id := head
	for id != pager.NilPageID {
		buf, err := t.s.p.Read(id)
		if err != nil {
			return err
		}
		next := pager.WrapOverflowPage(buf).NextOverflow()
		t.s.p.Unpin(id)
		if err := t.s.p.Free(tx, id); err != nil {
			return err
		}
		id = next
	}
	return nil
}
