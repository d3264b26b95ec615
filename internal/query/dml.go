package query

import (
	"context"
	"strings"

	"github.com/quantadb/quantadb/internal/codec"
	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/sql"
	"github.com/quantadb/quantadb/internal/storage/table"
	"github.com/quantadb/quantadb/internal/txn"
)

// ───────────────────────────────────────────────────────────────────────────
// DML
// ───────────────────────────────────────────────────────────────────────────

// execInsert writes all rows of a (possibly multi-row) INSERT. The rows
// live or die with the enclosing transaction: a failure poisons it, and
// rollback undoes the rows already written.
func (e *Engine) execInsert(ctx context.Context, tx *txn.Tx, ins *sql.Insert) (*Result, error) {
	t, err := e.store.Table(ins.Table)
	if err != nil {
		return nil, err
	}
	sc, err := t.Schema()
	if err != nil {
		return nil, err
	}
	if err := tx.LockTable(ctx, strings.ToLower(ins.Table), false); err != nil {
		return nil, err
	}

	cols := ins.Columns
	if len(cols) == 0 {
		cols = sc.ColumnNames()
	}
	inserted := 0
	for _, exprRow := range ins.Rows {
		if len(exprRow) != len(cols) {
			return nil, qerr.New(qerr.KindParse,
				"INSERT row has %d values, expected %d", len(exprRow), len(cols))
		}
		vals := make(map[string]table.Value, len(cols))
		for i, ex := range exprRow {
			v, err := eval(ex, nil)
			if err != nil {
				return nil, err
			}
			vals[cols[i]] = v
		}
		row, err := t.Insert(ctx, tx.ID(), vals)
		if err != nil {
			return nil, err
		}
		if err := tx.LockForWrite(ctx, strings.ToLower(ins.Table), row.ID.String()); err != nil {
			return nil, err
		}
		inserted++
	}
	e.notify(ins.Table, "insert", inserted)
	return &Result{Affected: inserted}, nil
}

func (e *Engine) execUpdate(ctx context.Context, tx *txn.Tx, up *sql.Update) (*Result, error) {
	t, err := e.store.Table(up.Table)
	if err != nil {
		return nil, err
	}
	if err := tx.LockTable(ctx, strings.ToLower(up.Table), false); err != nil {
		return nil, err
	}
	assign := make(map[string]table.Value, len(up.Set))
	for _, a := range up.Set {
		v, err := eval(a.Value, nil)
		if err != nil {
			return nil, err
		}
		assign[a.Column] = v
	}
	pred := e.rowPredicate(up.Table, up.Where)
	matched, err := collectMatches(ctx, t, pred)
	if err != nil {
		return nil, err
	}
	for _, r := range matched {
		if err := tx.LockForWrite(ctx, strings.ToLower(up.Table), r.ID.String()); err != nil {
			return nil, err
		}
		if err := t.UpdateRow(ctx, tx.ID(), r, assign); err != nil {
			return nil, err
		}
	}
	e.notify(up.Table, "update", len(matched))
	return &Result{Affected: len(matched)}, nil
}

func (e *Engine) execDelete(ctx context.Context, tx *txn.Tx, del *sql.Delete) (*Result, error) {
	t, err := e.store.Table(del.Table)
	if err != nil {
		return nil, err
	}
	if err := tx.LockTable(ctx, strings.ToLower(del.Table), false); err != nil {
		return nil, err
	}
	pred := e.rowPredicate(del.Table, del.Where)
	matched, err := collectMatches(ctx, t, pred)
	if err != nil {
		return nil, err
	}
	for _, r := range matched {
		if err := tx.LockForWrite(ctx, strings.ToLower(del.Table), r.ID.String()); err != nil {
			return nil, err
		}
		if err := t.DeleteRow(ctx, tx.ID(), r); err != nil {
			return nil, err
		}
	}
	e.notify(del.Table, "delete", len(matched))
	return &Result{Affected: len(matched)}, nil
}

// collectMatches materialises the rows a predicate selects.
func collectMatches(ctx context.Context, t *table.Table, pred table.Predicate) ([]table.Row, error) {
	var matched []table.Row
	var predErr error
	err := t.Scan(ctx, func(r table.Row) bool {
		ok, perr := pred(r)
		if perr != nil {
			predErr = perr
			return false
		}
		if ok {
			matched = append(matched, r)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if predErr != nil {
		return nil, predErr
	}
	return matched, nil
}

// rowPredicate adapts a WHERE expression to a table.Predicate.
func (e *Engine) rowPredicate(tbl string, where sql.Expr) table.Predicate {
	return func(r table.Row) (bool, error) {
		if where == nil {
			return true, nil
		}
		return predTrue(where, tupleFromRow(r, tbl, ""))
	}
}

// ───────────────────────────────────────────────────────────────────────────
// DDL
// ───────────────────────────────────────────────────────────────────────────

// execDDL runs a DDL plan under an exclusive table lock and invalidates
// cached plans touching the table.
func (e *Engine) execDDL(ctx context.Context, tx *txn.Tx, plan *PlanNode) (*Result, error) {
	if err := tx.LockTable(ctx, strings.ToLower(plan.Table), true); err != nil {
		return nil, err
	}
	defer e.InvalidatePlans(plan.Table)

	switch st := plan.Stmt.(type) {
	case *sql.CreateTable:
		sc, err := schemaFromStmt(st)
		if err != nil {
			return nil, err
		}
		if err := e.store.CreateTable(tx.ID(), sc); err != nil {
			return nil, err
		}
		return &Result{}, nil
	case *sql.DropTable:
		if err := e.store.DropTable(tx.ID(), st.Name); err != nil {
			return nil, err
		}
		return &Result{}, nil
	case *sql.CreateIndex:
		t, err := e.store.Table(st.Table)
		if err != nil {
			return nil, err
		}
		if err := t.CreateIndex(ctx, tx.ID(), st.Column); err != nil {
			return nil, err
		}
		return &Result{}, nil
	case *sql.AlterTable:
		t, err := e.store.Table(st.Name)
		if err != nil {
			return nil, err
		}
		switch act := st.Action.(type) {
		case *sql.AddColumn:
			return &Result{}, t.AddColumn(table.Column{
				Name:          act.Def.Name,
				Type:          act.Def.Type,
				Nullable:      act.Def.Nullable,
				Default:       act.Def.Default,
				AutoIncrement: act.Def.AutoIncrement,
			})
		case *sql.DropColumn:
			return &Result{}, t.DropColumn(act.Name)
		case *sql.RenameColumn:
			return &Result{}, t.RenameColumn(act.From, act.To)
		case *sql.ModifyColumn:
			return &Result{}, t.ModifyColumn(ctx, tx.ID(), act.Name, act.Type)
		default:
			return nil, qerr.New(qerr.KindParse, "unknown ALTER action")
		}
	case *sql.CompressTable:
		if _, err := codec.Lookup(st.Codec); err != nil {
			return nil, err
		}
		err := e.store.Catalog().Update(st.Table, func(m *table.TableMeta) error {
			m.Codec = strings.ToLower(st.Codec)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &Result{}, nil
	default:
		return nil, qerr.New(qerr.KindParse, "unsupported DDL %T", plan.Stmt)
	}
}

// schemaFromStmt converts a parsed CREATE TABLE into a schema with foreign
// keys and id-generation strategy.
func schemaFromStmt(st *sql.CreateTable) (*table.Schema, error) {
	cols := make([]table.Column, 0, len(st.Columns))
	var fks []table.ForeignKey
	for _, def := range st.Columns {
		cols = append(cols, table.Column{
			Name:          def.Name,
			Type:          def.Type,
			Nullable:      def.Nullable && !def.PrimaryKey,
			Default:       def.Default,
			AutoIncrement: def.AutoIncrement,
		})
		if def.References != nil {
			refCol := def.References.Column
			if refCol == "" {
				refCol = "id"
			}
			fks = append(fks, table.ForeignKey{
				Column:    def.Name,
				RefTable:  def.References.Table,
				RefColumn: refCol,
				OnDelete:  def.References.OnDelete,
			})
		}
	}
	sc, err := table.NewSchema(st.Name, cols, st.PrimaryKey)
	if err != nil {
		return nil, err
	}
	sc.ForeignKeys = fks
	return sc, nil
}
