package table

import (
	"context"
	"strings"

	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// ALTER TABLE
// ───────────────────────────────────────────────────────────────────────────
//
// Every action bumps the schema version under the catalog write lock.
// ADD COLUMN is lazy: the row codec supplies the default for rows written
// before the column existed, so no physical backfill happens.
// DROP COLUMN masks the column; the stored bytes become unreachable and
// future writes omit them. RENAME is label-only (identity is the column
// ID). MODIFY rewrites every row, and aborts wholesale on the first value
// that does not coerce.

// AddColumn appends a column.
func (t *Table) AddColumn(col Column) error {
	return t.s.cat.Update(t.name, func(m *TableMeta) error {
		if m.Schema.Column(col.Name) != nil {
			return qerr.New(qerr.KindSchema, "table %s: column %q already exists", t.name, col.Name)
		}
		if !col.Nullable && col.Default == nil {
			return qerr.New(qerr.KindSchema,
				"table %s: new column %q needs a default or NULL-ability", t.name, col.Name)
		}
		col.ID = m.Schema.NextColumnID
		m.Schema.NextColumnID++
		m.Schema.Columns = append(m.Schema.Columns, col)
		m.Schema.Version++
		return nil
	})
}

// DropColumn masks a column. Dropping the primary key is forbidden.
func (t *Table) DropColumn(name string) error {
	return t.s.cat.Update(t.name, func(m *TableMeta) error {
		if strings.EqualFold(m.Schema.PrimaryKey, name) {
			return qerr.New(qerr.KindSchema, "table %s: cannot drop primary key %q", t.name, name)
		}
		c := m.Schema.Column(name)
		if c == nil {
			return qerr.New(qerr.KindSchema, "table %s: unknown column %q", t.name, name)
		}
		if _, indexed := m.Indexes[c.Name]; indexed {
			return qerr.New(qerr.KindSchema,
				"table %s: drop index on %q before dropping the column", t.name, name)
		}
		c.Dropped = true
		m.Schema.Version++
		return nil
	})
}

// RenameColumn changes a column's label. Identity (the column ID) is
// untouched, so stored rows need no rewrite.
func (t *Table) RenameColumn(oldName, newName string) error {
	return t.s.cat.Update(t.name, func(m *TableMeta) error {
		c := m.Schema.Column(oldName)
		if c == nil {
			return qerr.New(qerr.KindSchema, "table %s: unknown column %q", t.name, oldName)
		}
		if m.Schema.Column(newName) != nil {
			return qerr.New(qerr.KindSchema, "table %s: column %q already exists", t.name, newName)
		}
		if strings.EqualFold(m.Schema.PrimaryKey, oldName) {
			m.Schema.PrimaryKey = newName
		}
		if root, ok := m.Indexes[c.Name]; ok {
			delete(m.Indexes, c.Name)
			m.Indexes[newName] = root
		}
		c.Name = newName
		m.Schema.Version++
		return nil
	})
}

// ModifyColumn changes a column's declared type. Every stored value must
// coerce; the first failure aborts the ALTER with the table unchanged.
func (t *Table) ModifyColumn(ctx context.Context, tx pager.TxID, name string, newType DataType) error {
	tm, err := t.meta()
	if err != nil {
		return err
	}
	c := tm.Schema.Column(name)
	if c == nil {
		return qerr.New(qerr.KindSchema, "table %s: unknown column %q", t.name, name)
	}
	if c.Type == newType {
		return nil
	}

	// Dry-run the coercion over every row before touching anything.
	var rows []Row
	var coerceErr error
	err = t.Scan(ctx, func(r Row) bool {
		v, ok := r.Values[c.Name]
		if ok && !v.IsNull() {
			if _, cerr := Coerce(v, newType); cerr != nil {
				coerceErr = qerr.Wrap(qerr.KindTypeMismatch, cerr,
					"ALTER %s MODIFY %s: row %s", t.name, c.Name, r.ID)
				return false
			}
		}
		rows = append(rows, r)
		return true
	})
	if err != nil {
		return err
	}
	if coerceErr != nil {
		return coerceErr
	}

	// Commit the schema change, then rewrite rows under the new type.
	if err := t.s.cat.Update(t.name, func(m *TableMeta) error {
		mc := m.Schema.Column(name)
		mc.Type = newType
		if mc.Default != nil {
			d, cerr := Coerce(*mc.Default, newType)
			if cerr != nil {
				return cerr
			}
			mc.Default = &d
		}
		m.Schema.Version++
		return nil
	}); err != nil {
		return err
	}
	for _, r := range rows {
		v, ok := r.Values[c.Name]
		if !ok || v.IsNull() {
			continue
		}
		nv, cerr := Coerce(v, newType)
		if cerr != nil {
			return cerr // unreachable after the dry run
		}
		if err := t.UpdateRow(ctx, tx, r, map[string]Value{c.Name: nv}); err != nil {
			return err
		}
	}
	return nil
}
