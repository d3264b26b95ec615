package table

import (
	"context"
	"time"

	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Update / Delete
// ───────────────────────────────────────────────────────────────────────────

// Predicate filters rows during UpdateWhere/DeleteWhere. nil matches all.
type Predicate func(Row) (bool, error)

// UpdateWhere applies assignments to every matching row. Returns the number
// of rows changed.
func (t *Table) UpdateWhere(ctx context.Context, tx pager.TxID, pred Predicate, assign map[string]Value) (int, error) {
	targets, err := t.collect(ctx, pred)
	if err != nil {
		return 0, err
	}
	for _, r := range targets {
		if err := t.UpdateRow(ctx, tx, r, assign); err != nil {
			return 0, err
		}
	}
	return len(targets), nil
}

// collect materialises the rows matching pred.
func (t *Table) collect(ctx context.Context, pred Predicate) ([]Row, error) {
	var targets []Row
	var predErr error
	err := t.Scan(ctx, func(r Row) bool {
		if pred != nil {
			ok, perr := pred(r)
			if perr != nil {
				predErr = perr
				return false
			}
			if !ok {
				return true
			}
		}
		targets = append(targets, r)
		return true
	})
	if err != nil {
		return nil, err
	}
	if predErr != nil {
		return nil, predErr
	}
	return targets, nil
}

// UpdateRow rewrites one row with the given assignments, maintaining any
// index whose key changed.
func (t *Table) UpdateRow(ctx context.Context, tx pager.TxID, old Row, assign map[string]Value) error {
	tm, err := t.meta()
	if err != nil {
		return err
	}
	sc := tm.Schema

	newVals := make(map[string]Value, len(old.Values))
	for k, v := range old.Values {
		newVals[k] = v
	}
	for k, v := range assign {
		col := sc.Column(k)
		if col == nil {
			return qerr.New(qerr.KindSchema, "table %s: unknown column %q", t.name, k)
		}
		newVals[col.Name] = v
	}
	newVals, err = sc.ValidateRow(newVals)
	if err != nil {
		return err
	}
	if err := t.checkForeignKeys(ctx, sc, newVals); err != nil {
		return err
	}

	// Primary-key change: enforce uniqueness and re-key the index.
	pk := t.pkTree(tm)
	var pkChanged bool
	var oldPK, newPK Value
	if sc.PrimaryKey != "" {
		oldPK = old.Values[sc.PrimaryKey]
		newPK = newVals[sc.PrimaryKey]
		cmp, cerr := Compare(oldPK, newPK)
		if cerr != nil || cmp != 0 {
			pkChanged = true
			if _, exists, err := pk.Get(EncodeKey(newPK)); err != nil {
				return err
			} else if exists {
				return qerr.New(qerr.KindDuplicateKey, "table %s: primary key %s", t.name, newPK.String())
			}
			if restricted, err := t.referencingChildren(ctx, sc, oldPK); err != nil {
				return err
			} else if restricted {
				return qerr.New(qerr.KindConstraintViolation,
					"table %s: key %s still referenced", t.name, oldPK.String())
			}
		}
	}

	now := time.Now().UTC()
	data, err := t.encodeRow(tx, sc, newVals, old.CreatedAt, now)
	if err != nil {
		return err
	}
	newID, err := t.rewriteSlot(tx, tm, old.ID, data)
	if err != nil {
		return err
	}

	if pkChanged {
		if _, err := pk.Delete(tx, EncodeKey(oldPK)); err != nil {
			return err
		}
		if err := pk.Insert(tx, EncodeKey(newPK), newID); err != nil {
			return err
		}
	} else if sc.PrimaryKey != "" && newID != old.ID {
		if _, err := pk.Delete(tx, EncodeKey(oldPK)); err != nil {
			return err
		}
		if err := pk.Insert(tx, EncodeKey(oldPK), newID); err != nil {
			return err
		}
	}
	if pk.Root() != tm.PKRoot {
		root := pk.Root()
		if err := t.s.cat.Update(t.name, func(m *TableMeta) error {
			m.PKRoot = root
			return nil
		}); err != nil {
			return err
		}
	}
	if err := t.indexDelete(tx, tm, old.Values, old.ID); err != nil {
		return err
	}
	return t.indexInsert(tx, tm, newVals, newID)
}

// rewriteSlot updates a heap slot in place, relocating the row when it no
// longer fits its page.
func (t *Table) rewriteSlot(tx pager.TxID, tm *TableMeta, id pager.RowID, data []byte) (pager.RowID, error) {
	buf, err := t.s.p.Read(id.Page)
	if err != nil {
		return pager.RowID{}, err
	}
	work := append([]byte(nil), buf...)
	t.s.p.Unpin(id.Page)

	sp := pager.WrapSlottedPage(work)
	if err := sp.UpdateRecord(int(id.Slot), data); err == nil {
		if _, err := t.s.p.Write(tx, id.Page, work); err != nil {
			return pager.RowID{}, err
		}
		t.s.p.Unpin(id.Page)
		return id, nil
	}
	// Tombstone here, append elsewhere.
	if err := sp.DeleteRecord(int(id.Slot)); err != nil {
		return pager.RowID{}, err
	}
	if _, err := t.s.p.Write(tx, id.Page, work); err != nil {
		return pager.RowID{}, err
	}
	t.s.p.Unpin(id.Page)
	return t.appendHeap(tx, tm, data)
}

// DeleteWhere removes every matching row. Returns the number removed.
func (t *Table) DeleteWhere(ctx context.Context, tx pager.TxID, pred Predicate) (int, error) {
	targets, err := t.collect(ctx, pred)
	if err != nil {
		return 0, err
	}
	for _, r := range targets {
		if err := t.DeleteRow(ctx, tx, r); err != nil {
			return 0, err
		}
	}
	return len(targets), nil
}

// DeleteRow tombstones one row, unlinks it from every index, frees spilled
// values, and enforces referential actions on children.
func (t *Table) DeleteRow(ctx context.Context, tx pager.TxID, row Row) error {
	tm, err := t.meta()
	if err != nil {
		return err
	}
	sc := tm.Schema

	if sc.PrimaryKey != "" {
		pkVal := row.Values[sc.PrimaryKey]
		if err := t.applyChildActions(ctx, tx, sc, pkVal); err != nil {
			return err
		}
	}

	buf, err := t.s.p.Read(row.ID.Page)
	if err != nil {
		return err
	}
	work := append([]byte(nil), buf...)
	t.s.p.Unpin(row.ID.Page)
	sp := pager.WrapSlottedPage(work)
	rec := sp.GetRecord(int(row.ID.Slot))
	if rec == nil {
		return nil // already gone
	}
	refs := overflowRefs(rec)
	if err := sp.DeleteRecord(int(row.ID.Slot)); err != nil {
		return err
	}
	if _, err := t.s.p.Write(tx, row.ID.Page, work); err != nil {
		return err
	}
	t.s.p.Unpin(row.ID.Page)
	for _, head := range refs {
		if err := t.freeOverflow(tx, head); err != nil {
			return err
		}
	}

	if sc.PrimaryKey != "" {
		pk := t.pkTree(tm)
		if _, err := pk.Delete(tx, EncodeKey(row.Values[sc.PrimaryKey])); err != nil {
			return err
		}
		if pk.Root() != tm.PKRoot {
			root := pk.Root()
			if err := t.s.cat.Update(t.name, func(m *TableMeta) error {
				m.PKRoot = root
				return nil
			}); err != nil {
				return err
			}
		}
	}
	return t.indexDelete(tx, tm, row.Values, row.ID)
}

// referencingChildren reports whether any child table references pkVal with
// a Restrict action.
func (t *Table) referencingChildren(ctx context.Context, sc *Schema, pkVal Value) (bool, error) {
	for _, childName := range t.s.cat.Names() {
		childMeta, err := t.s.cat.Get(childName)
		if err != nil {
			continue
		}
		for _, fk := range childMeta.Schema.ForeignKeys {
			if !eqFold(fk.RefTable, sc.Name) || fk.OnDelete == FKCascade {
				continue
			}
			child := &Table{s: t.s, name: childName}
			found := false
			err := child.Scan(ctx, func(r Row) bool {
				if v, ok := r.Values[fk.Column]; ok && !v.IsNull() {
					if cmp, cerr := Compare(v, pkVal); cerr == nil && cmp == 0 {
						found = true
						return false
					}
				}
				return true
			})
			if err != nil {
				return false, err
			}
			if found {
				return true, nil
			}
		}
	}
	return false, nil
}

// applyChildActions enforces ON DELETE for every referencing table:
// Restrict fails if a child exists, Cascade removes the children.
func (t *Table) applyChildActions(ctx context.Context, tx pager.TxID, sc *Schema, pkVal Value) error {
	for _, childName := range t.s.cat.Names() {
		childMeta, err := t.s.cat.Get(childName)
		if err != nil {
			continue
		}
		for _, fk := range childMeta.Schema.ForeignKeys {
			if !eqFold(fk.RefTable, sc.Name) {
				continue
			}
			child := &Table{s: t.s, name: childName}
			var matches []Row
			err := child.Scan(ctx, func(r Row) bool {
				if v, ok := r.Values[fk.Column]; ok && !v.IsNull() {
					if cmp, cerr := Compare(v, pkVal); cerr == nil && cmp == 0 {
						matches = append(matches, r)
					}
				}
				return true
			})
			if err != nil {
				return err
			}
			if len(matches) == 0 {
				continue
			}
			if fk.OnDelete != FKCascade {
				return qerr.New(qerr.KindConstraintViolation,
					"delete from %s restricted: %d row(s) in %s reference %s",
					sc.Name, len(matches), childName, pkVal.String())
			}
			for _, r := range matches {
				if err := child.DeleteRow(ctx, tx, r); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func eqFold(a, b string) bool { return normName(a) == normName(b) }
