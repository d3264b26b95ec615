package table

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantadb/quantadb/internal/log"
	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/pager"
)

// Store ties the catalog to the pager and hands out Table handles.
type Store struct {
	p      *pager.Pager
	cat    *Catalog
	snow   *snowflakeGen
	logger zerolog.Logger
}

// OpenStore opens the table store over an already-recovered pager.
func OpenStore(p *pager.Pager, dir string) (*Store, error) {
	cat, err := OpenCatalog(dir)
	if err != nil {
		return nil, err
	}
	return &Store{
		p:      p,
		cat:    cat,
		snow:   newSnowflakeGen(1),
		logger: log.WithComponent("table"),
	}, nil
}

// Catalog exposes the schema registry.
func (s *Store) Catalog() *Catalog { return s.cat }

// Pager exposes the underlying pager (backup needs it).
func (s *Store) Pager() *pager.Pager { return s.p }

// SetNodeID seeds the snowflake generator with the cluster node id.
func (s *Store) SetNodeID(id uint64) { s.snow.setNode(id) }

// CreateTable materialises a new table: first heap page, PK index, catalog
// entry. Fails with SchemaError if the table exists.
func (s *Store) CreateTable(tx pager.TxID, schema *Schema) error {
	if s.cat.Has(schema.Name) {
		return qerr.New(qerr.KindSchema, "table %q already exists", schema.Name)
	}
	firstID, err := s.p.Allocate()
	if err != nil {
		return err
	}
	buf := make([]byte, pager.PageSize)
	pager.InitSlottedPage(buf, pager.PageTypeData, firstID)
	if _, err := s.p.Write(tx, firstID, buf); err != nil {
		return err
	}
	s.p.Unpin(firstID)

	pk, err := pager.CreateBTree(s.p, tx)
	if err != nil {
		return err
	}
	tm := &TableMeta{
		Schema:    schema,
		PKRoot:    pk.Root(),
		FirstData: firstID,
		LastData:  firstID,
	}
	if err := s.cat.Create(schema.Name, tm); err != nil {
		return err
	}
	s.logger.Info().Str("table", schema.Name).Msg("table created")
	return nil
}

// DropTable frees every page of a table and removes its catalog entry.
func (s *Store) DropTable(tx pager.TxID, name string) error {
	tm, err := s.cat.Get(name)
	if err != nil {
		return err
	}
	// Free heap chain (and spilled values).
	t := &Table{s: s, name: name}
	id := tm.FirstData
	for id != pager.NilPageID {
		buf, err := s.p.Read(id)
		if err != nil {
			return err
		}
		next := pager.HeaderOf(buf).Next
		refs := pageOverflowRefs(buf)
		s.p.Unpin(id)
		for _, head := range refs {
			if err := t.freeOverflow(tx, head); err != nil {
				return err
			}
		}
		if err := s.p.Free(tx, id); err != nil {
			return err
		}
		id = next
	}
	// Free indexes.
	if err := pager.OpenBTree(s.p, tm.PKRoot).FreeAll(tx); err != nil {
		return err
	}
	for _, root := range tm.Indexes {
		if err := pager.OpenBTree(s.p, root).FreeAll(tx); err != nil {
			return err
		}
	}
	if err := s.cat.Drop(name); err != nil {
		return err
	}
	s.logger.Info().Str("table", name).Msg("table dropped")
	return nil
}

func pageOverflowRefs(buf []byte) []pager.PageID {
	sp := pager.WrapSlottedPage(buf)
	var refs []pager.PageID
	for i := 0; i < sp.SlotCount(); i++ {
		if rec := sp.GetRecord(i); rec != nil {
			refs = append(refs, overflowRefs(rec)...)
		}
	}
	return refs
}

// Table returns a handle on an existing table.
func (s *Store) Table(name string) (*Table, error) {
	if _, err := s.cat.Get(name); err != nil {
		return nil, err
	}
	return &Table{s: s, name: name}, nil
}

// Table is a handle for DML against one table.
type Table struct {
	s    *Store
	name string
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Schema returns the current schema.
func (t *Table) Schema() (*Schema, error) {
	tm, err := t.s.cat.Get(t.name)
	if err != nil {
		return nil, err
	}
	return tm.Schema, nil
}

// meta fetches the current catalog entry.
func (t *Table) meta() (*TableMeta, error) { return t.s.cat.Get(t.name) }

// pkTree opens the primary-key index.
func (t *Table) pkTree(tm *TableMeta) *pager.BTree {
	return pager.OpenBTree(t.s.p, tm.PKRoot)
}

// ─── Insert ────────────────────────────────────────────────────────────────

// Insert validates, assigns generated ids, writes the heap slot, and
// maintains every index. Returns the stored row.
func (t *Table) Insert(ctx context.Context, tx pager.TxID, vals map[string]Value) (Row, error) {
	tm, err := t.meta()
	if err != nil {
		return Row{}, err
	}
	sc := tm.Schema

	vals, err = t.assignGenerated(sc, vals)
	if err != nil {
		return Row{}, err
	}
	vals, err = sc.ValidateRow(vals)
	if err != nil {
		return Row{}, err
	}
	if err := t.checkForeignKeys(ctx, sc, vals); err != nil {
		return Row{}, err
	}

	pkVal, ok := vals[sc.PrimaryKey]
	if sc.PrimaryKey != "" && (!ok || pkVal.IsNull()) {
		return Row{}, qerr.New(qerr.KindConstraintViolation,
			"table %s: missing primary key %q", sc.Name, sc.PrimaryKey)
	}
	// Reject duplicates before touching the heap.
	pk := t.pkTree(tm)
	if sc.PrimaryKey != "" {
		if _, exists, err := pk.Get(EncodeKey(pkVal)); err != nil {
			return Row{}, err
		} else if exists {
			return Row{}, qerr.New(qerr.KindDuplicateKey,
				"table %s: primary key %s", sc.Name, pkVal.String())
		}
	}

	now := time.Now().UTC()
	data, err := t.encodeRow(tx, sc, vals, now, now)
	if err != nil {
		return Row{}, err
	}
	rowID, err := t.appendHeap(tx, tm, data)
	if err != nil {
		return Row{}, err
	}

	if sc.PrimaryKey != "" {
		if err := pk.Insert(tx, EncodeKey(pkVal), rowID); err != nil {
			return Row{}, err
		}
		if pk.Root() != tm.PKRoot {
			root := pk.Root()
			if err := t.s.cat.Update(t.name, func(m *TableMeta) error {
				m.PKRoot = root
				return nil
			}); err != nil {
				return Row{}, err
			}
		}
	}
	if err := t.indexInsert(tx, tm, vals, rowID); err != nil {
		return Row{}, err
	}
	return Row{ID: rowID, Values: vals, CreatedAt: now, UpdatedAt: now}, nil
}

// assignGenerated fills auto-increment counters and generated primary keys.
func (t *Table) assignGenerated(sc *Schema, vals map[string]Value) (map[string]Value, error) {
	out := make(map[string]Value, len(vals))
	for k, v := range vals {
		out[k] = v
	}
	for _, c := range sc.VisibleColumns() {
		v, present := out[c.Name]
		if c.AutoIncrement {
			var explicit *uint64
			if present && !v.IsNull() {
				cv, err := Coerce(v, TypeBigInt)
				if err != nil {
					return nil, err
				}
				e := uint64(cv.Int)
				explicit = &e
			}
			n, err := t.s.cat.NextAutoInc(t.name, c.Name, explicit)
			if err != nil {
				return nil, err
			}
			if explicit == nil {
				out[c.Name] = Value{Type: c.Type, Int: int64(n)}
			}
			continue
		}
		if c.Name == sc.PrimaryKey && (!present || v.IsNull()) {
			switch sc.IDGen {
			case IDUUIDv4:
				out[c.Name] = Text(uuid.NewString())
			case IDSnowflake:
				out[c.Name] = BigInt(t.s.snow.next())
			}
		}
	}
	return out, nil
}

// checkForeignKeys verifies that referenced parent keys exist.
func (t *Table) checkForeignKeys(ctx context.Context, sc *Schema, vals map[string]Value) error {
	for _, fk := range sc.ForeignKeys {
		v, ok := vals[fk.Column]
		if !ok || v.IsNull() {
			continue
		}
		parent, err := t.s.cat.Get(fk.RefTable)
		if err != nil {
			return qerr.Wrap(qerr.KindConstraintViolation, err,
				"foreign key %s.%s", sc.Name, fk.Column)
		}
		if parent.Schema.PrimaryKey != fk.RefColumn {
			return qerr.New(qerr.KindConstraintViolation,
				"foreign key %s.%s must reference the primary key of %s",
				sc.Name, fk.Column, fk.RefTable)
		}
		refCol := parent.Schema.Column(fk.RefColumn)
		if refCol == nil {
			return qerr.New(qerr.KindConstraintViolation,
				"foreign key target %s.%s does not exist", fk.RefTable, fk.RefColumn)
		}
		cv, err := Coerce(v, refCol.Type)
		if err != nil {
			return err
		}
		_, exists, err := pager.OpenBTree(t.s.p, parent.PKRoot).Get(EncodeKey(cv))
		if err != nil {
			return err
		}
		if !exists {
			return qerr.New(qerr.KindConstraintViolation,
				"table %s: %s=%s has no parent in %s", sc.Name, fk.Column, cv.String(), fk.RefTable)
		}
	}
	return nil
}

// appendHeap places an encoded row in the last heap page, growing the chain
// when full.
func (t *Table) appendHeap(tx pager.TxID, tm *TableMeta, data []byte) (pager.RowID, error) {
	lastID := tm.LastData
	buf, err := t.s.p.Read(lastID)
	if err != nil {
		return pager.RowID{}, err
	}
	work := append([]byte(nil), buf...)
	t.s.p.Unpin(lastID)

	sp := pager.WrapSlottedPage(work)
	slot, ierr := sp.InsertRecord(data)
	if ierr == nil {
		if _, err := t.s.p.Write(tx, lastID, work); err != nil {
			return pager.RowID{}, err
		}
		t.s.p.Unpin(lastID)
		return pager.RowID{Page: lastID, Slot: uint16(slot)}, nil
	}

	// Page full: extend the chain.
	newID, err := t.s.p.Allocate()
	if err != nil {
		return pager.RowID{}, err
	}
	fresh := make([]byte, pager.PageSize)
	nsp := pager.InitSlottedPage(fresh, pager.PageTypeData, newID)
	slot, err = nsp.InsertRecord(data)
	if err != nil {
		return pager.RowID{}, qerr.Wrap(qerr.KindIO, err, "row larger than a page")
	}
	// Link old ← new.
	hdr := pager.HeaderOf(work)
	hdr.Next = newID
	pager.MarshalHeader(&hdr, work)
	if _, err := t.s.p.Write(tx, lastID, work); err != nil {
		return pager.RowID{}, err
	}
	t.s.p.Unpin(lastID)

	nhdr := pager.HeaderOf(fresh)
	nhdr.Prev = lastID
	pager.MarshalHeader(&nhdr, fresh)
	if _, err := t.s.p.Write(tx, newID, fresh); err != nil {
		return pager.RowID{}, err
	}
	t.s.p.Unpin(newID)

	if err := t.s.cat.Update(t.name, func(m *TableMeta) error {
		m.LastData = newID
		return nil
	}); err != nil {
		return pager.RowID{}, err
	}
	return pager.RowID{Page: newID, Slot: uint16(slot)}, nil
}

// ─── Point reads and scans ─────────────────────────────────────────────────

// GetByPK returns the row with the given primary-key value.
func (t *Table) GetByPK(pkVal Value) (Row, bool, error) {
	tm, err := t.meta()
	if err != nil {
		return Row{}, false, err
	}
	pkCol := tm.Schema.Column(tm.Schema.PrimaryKey)
	if pkCol == nil {
		return Row{}, false, qerr.New(qerr.KindSchema, "table %s has no primary key", t.name)
	}
	cv, err := Coerce(pkVal, pkCol.Type)
	if err != nil {
		return Row{}, false, err
	}
	rowID, ok, err := t.pkTree(tm).Get(EncodeKey(cv))
	if err != nil || !ok {
		return Row{}, false, err
	}
	row, err := t.ReadRow(rowID)
	if err != nil {
		return Row{}, false, err
	}
	return row, true, nil
}

// ReadRow decodes the row at a RowID.
func (t *Table) ReadRow(id pager.RowID) (Row, error) {
	tm, err := t.meta()
	if err != nil {
		return Row{}, err
	}
	buf, err := t.s.p.Read(id.Page)
	if err != nil {
		return Row{}, err
	}
	rec := pager.WrapSlottedPage(buf).GetRecord(int(id.Slot))
	if rec == nil {
		t.s.p.Unpin(id.Page)
		return Row{}, qerr.New(qerr.KindIO, "row %s: tombstoned or missing", id)
	}
	data := append([]byte(nil), rec...)
	t.s.p.Unpin(id.Page)
	return t.decodeRow(tm.Schema, id, data)
}

// Scan walks the heap in chain order, yielding live rows. fn returning
// false stops the scan; ctx cancellation aborts with Cancelled.
func (t *Table) Scan(ctx context.Context, fn func(Row) bool) error {
	tm, err := t.meta()
	if err != nil {
		return err
	}
	id := tm.FirstData
	for id != pager.NilPageID {
		if err := ctx.Err(); err != nil {
			return qerr.Wrap(qerr.KindCancelled, err, "scan %s", t.name)
		}
		buf, err := t.s.p.Read(id)
		if err != nil {
			return err
		}
		sp := pager.WrapSlottedPage(buf)
		type rawRec struct {
			slot int
			data []byte
		}
		var recs []rawRec
		for i := 0; i < sp.SlotCount(); i++ {
			if rec := sp.GetRecord(i); rec != nil {
				recs = append(recs, rawRec{slot: i, data: append([]byte(nil), rec...)})
			}
		}
		next := pager.HeaderOf(buf).Next
		t.s.p.Unpin(id)

		for _, rr := range recs {
			row, err := t.decodeRow(tm.Schema, pager.RowID{Page: id, Slot: uint16(rr.slot)}, rr.data)
			if err != nil {
				return err
			}
			if !fn(row) {
				return nil
			}
		}
		id = next
	}
	return nil
}
