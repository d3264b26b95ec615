package table

import (
	"context"
	"encoding/binary"

	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Secondary indexes
// ───────────────────────────────────────────────────────────────────────────
//
// Secondary indexes are non-unique: the B+Tree key is the order-preserving
// value encoding followed by the RowID, so equal column values produce
// distinct, adjacently-sorted keys. Lookups scan the [value, value+ε) key
// range.

// secondaryKey builds the composite (value, rowid) key.
func secondaryKey(v Value, id pager.RowID) []byte {
	k := EncodeKey(v)
	out := make([]byte, 0, len(k)+1+10)
	out = append(out, k...)
	out = append(out, 0x00)
	out = binary.BigEndian.AppendUint64(out, uint64(id.Page))
	out = binary.BigEndian.AppendUint16(out, id.Slot)
	return out
}

// secondaryPrefixBounds returns the half-open key range covering every
// entry for value v.
func secondaryPrefixBounds(v Value) (lo, hi []byte) {
	k := EncodeKey(v)
	lo = append(append([]byte(nil), k...), 0x00)
	hi = append(append([]byte(nil), k...), 0x01)
	return lo, hi
}

// CreateIndex builds a secondary index over col from existing rows.
func (t *Table) CreateIndex(ctx context.Context, tx pager.TxID, col string) error {
	tm, err := t.meta()
	if err != nil {
		return err
	}
	c := tm.Schema.Column(col)
	if c == nil {
		return qerr.New(qerr.KindSchema, "table %s: unknown column %q", t.name, col)
	}
	if _, ok := tm.Indexes[c.Name]; ok {
		return qerr.New(qerr.KindSchema, "table %s: index on %q already exists", t.name, c.Name)
	}
	bt, err := pager.CreateBTree(t.s.p, tx)
	if err != nil {
		return err
	}
	err = t.Scan(ctx, func(r Row) bool {
		v, ok := r.Values[c.Name]
		if !ok || v.IsNull() {
			return true
		}
		if ierr := bt.Insert(tx, secondaryKey(v, r.ID), r.ID); ierr != nil {
			err = ierr
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	return t.s.cat.Update(t.name, func(m *TableMeta) error {
		if m.Indexes == nil {
			m.Indexes = make(map[string]pager.PageID)
		}
		m.Indexes[c.Name] = bt.Root()
		return nil
	})
}

// DropIndex removes a secondary index.
func (t *Table) DropIndex(tx pager.TxID, col string) error {
	tm, err := t.meta()
	if err != nil {
		return err
	}
	root, ok := tm.Indexes[col]
	if !ok {
		return qerr.New(qerr.KindSchema, "table %s: no index on %q", t.name, col)
	}
	if err := pager.OpenBTree(t.s.p, root).FreeAll(tx); err != nil {
		return err
	}
	return t.s.cat.Update(t.name, func(m *TableMeta) error {
		delete(m.Indexes, col)
		return nil
	})
}

// HasIndex reports whether col carries a secondary index.
func (t *Table) HasIndex(col string) bool {
	tm, err := t.meta()
	if err != nil {
		return false
	}
	c := tm.Schema.Column(col)
	if c == nil {
		return false
	}
	_, ok := tm.Indexes[c.Name]
	return ok
}

// IndexLookup yields the rows whose indexed column equals v.
func (t *Table) IndexLookup(ctx context.Context, col string, v Value, fn func(Row) bool) error {
	tm, err := t.meta()
	if err != nil {
		return err
	}
	c := tm.Schema.Column(col)
	if c == nil {
		return qerr.New(qerr.KindSchema, "table %s: unknown column %q", t.name, col)
	}
	cv, err := Coerce(v, c.Type)
	if err != nil {
		return err
	}
	root, ok := tm.Indexes[c.Name]
	if !ok {
		return qerr.New(qerr.KindSchema, "table %s: no index on %q", t.name, c.Name)
	}
	bt := pager.OpenBTree(t.s.p, root)
	lo, hi := secondaryPrefixBounds(cv)
	var inner error
	err = bt.RangeHalfOpen(ctx, lo, hi, func(_ []byte, id pager.RowID) bool {
		row, rerr := t.ReadRow(id)
		if rerr != nil {
			inner = rerr
			return false
		}
		return fn(row)
	})
	if err != nil {
		return err
	}
	return inner
}

// IndexRange yields rows whose indexed column lies in [lo, hi] (nil bounds
// are open), in index order.
func (t *Table) IndexRange(ctx context.Context, col string, lo, hi *Value, fn func(Row) bool) error {
	tm, err := t.meta()
	if err != nil {
		return err
	}
	c := tm.Schema.Column(col)
	if c == nil {
		return qerr.New(qerr.KindSchema, "table %s: unknown column %q", t.name, col)
	}
	root, ok := tm.Indexes[c.Name]
	if !ok {
		return qerr.New(qerr.KindSchema, "table %s: no index on %q", t.name, c.Name)
	}
	var loKey, hiKey []byte
	if lo != nil {
		cv, cerr := Coerce(*lo, c.Type)
		if cerr != nil {
			return cerr
		}
		loKey, _ = secondaryPrefixBounds(cv)
	}
	if hi != nil {
		cv, cerr := Coerce(*hi, c.Type)
		if cerr != nil {
			return cerr
		}
		_, hiKey = secondaryPrefixBounds(cv)
	}
	bt := pager.OpenBTree(t.s.p, root)
	var inner error
	err = bt.RangeHalfOpen(ctx, loKey, hiKey, func(_ []byte, id pager.RowID) bool {
		row, rerr := t.ReadRow(id)
		if rerr != nil {
			inner = rerr
			return false
		}
		return fn(row)
	})
	if err != nil {
		return err
	}
	return inner
}

// indexInsert adds a row to every secondary index.
func (t *Table) indexInsert(tx pager.TxID, tm *TableMeta, vals map[string]Value, id pager.RowID) error {
	for col, root := range tm.Indexes {
		v, ok := vals[col]
		if !ok || v.IsNull() {
			continue
		}
		bt := pager.OpenBTree(t.s.p, root)
		if err := bt.Insert(tx, secondaryKey(v, id), id); err != nil {
			return err
		}
		if bt.Root() != root {
			newRoot := bt.Root()
			colName := col
			if err := t.s.cat.Update(t.name, func(m *TableMeta) error {
				m.Indexes[colName] = newRoot
				return nil
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// indexDelete removes a row from every secondary index.
func (t *Table) indexDelete(tx pager.TxID, tm *TableMeta, vals map[string]Value, id pager.RowID) error {
	for col, root := range tm.Indexes {
		v, ok := vals[col]
		if !ok || v.IsNull() {
			continue
		}
		bt := pager.OpenBTree(t.s.p, root)
		if _, err := bt.Delete(tx, secondaryKey(v, id)); err != nil {
			return err
		}
		if bt.Root() != root {
			newRoot := bt.Root()
			colName := col
			if err := t.s.cat.Update(t.name, func(m *TableMeta) error {
				m.Indexes[colName] = newRoot
				return nil
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
