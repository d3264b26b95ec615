package table

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/pager"
)

// The catalog lives in <dir>/catalog.meta as JSON and is rewritten
// atomically (tmp file + rename + fsync). It holds every table's schema,
// index roots, heap chain endpoints, and auto-increment counters.
//
// DDL takes the catalog write lock; readers (plan validation, scans) take
// the read lock.

const catalogFile = "catalog.meta"

// TableMeta is the persisted per-table state.
type TableMeta struct {
	Schema    *Schema                 `json:"schema"`
	PKRoot    pager.PageID            `json:"pk_root"`
	Indexes   map[string]pager.PageID `json:"indexes,omitempty"` // column → root
	AutoInc   map[string]uint64       `json:"auto_inc,omitempty"` // column → last issued
	Codec     string                  `json:"codec,omitempty"`    // block codec for backups
	FirstData pager.PageID            `json:"first_data"`
	LastData  pager.PageID            `json:"last_data"`
}

type catalogFileFormat struct {
	Version int                   `json:"version"`
	Tables  map[string]*TableMeta `json:"tables"`
}

// Catalog is the schema registry.
type Catalog struct {
	mu     sync.RWMutex
	path   string
	tables map[string]*TableMeta
}

// OpenCatalog loads (or initialises) the catalog under dir.
func OpenCatalog(dir string) (*Catalog, error) {
	c := &Catalog{
		path:   filepath.Join(dir, catalogFile),
		tables: make(map[string]*TableMeta),
	}
	raw, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "read catalog")
	}
	var ff catalogFileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "parse catalog")
	}
	if ff.Tables != nil {
		c.tables = ff.Tables
	}
	return c, nil
}

// save rewrites the catalog atomically. Caller holds the write lock.
func (c *Catalog) save() error {
	ff := catalogFileFormat{Version: 1, Tables: c.tables}
	raw, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return qerr.Wrap(qerr.KindIO, err, "encode catalog")
	}
	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return qerr.Wrap(qerr.KindIO, err, "create catalog tmp")
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return qerr.Wrap(qerr.KindIO, err, "write catalog tmp")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return qerr.Wrap(qerr.KindIO, err, "sync catalog tmp")
	}
	if err := f.Close(); err != nil {
		return qerr.Wrap(qerr.KindIO, err, "close catalog tmp")
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return qerr.Wrap(qerr.KindIO, err, "install catalog")
	}
	return nil
}

// Get returns the table meta, or a SchemaError.
func (c *Catalog) Get(name string) (*TableMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tm, ok := c.tables[normName(name)]
	if !ok {
		return nil, qerr.New(qerr.KindSchema, "table %q does not exist", name)
	}
	return tm, nil
}

// Has reports whether the table exists.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tables[normName(name)]
	return ok
}

// Names lists all table names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tables))
	for n := range c.tables {
		out = append(out, n)
	}
	return out
}

// Create registers a new table and persists the catalog.
func (c *Catalog) Create(name string, tm *TableMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := normName(name)
	if _, ok := c.tables[key]; ok {
		return qerr.New(qerr.KindSchema, "table %q already exists", name)
	}
	c.tables[key] = tm
	return c.save()
}

// Drop removes a table and persists the catalog.
func (c *Catalog) Drop(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := normName(name)
	if _, ok := c.tables[key]; !ok {
		return qerr.New(qerr.KindSchema, "table %q does not exist", name)
	}
	delete(c.tables, key)
	return c.save()
}

// Update applies fn to a table's meta under the write lock and persists.
// fn returning an error leaves the catalog unchanged.
func (c *Catalog) Update(name string, fn func(*TableMeta) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm, ok := c.tables[normName(name)]
	if !ok {
		return qerr.New(qerr.KindSchema, "table %q does not exist", name)
	}
	if err := fn(tm); err != nil {
		return err
	}
	return c.save()
}

// NextAutoInc issues the next counter value for a column, advancing past
// explicit when provided. The counter never moves backwards.
func (c *Catalog) NextAutoInc(tbl, col string, explicit *uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm, ok := c.tables[normName(tbl)]
	if !ok {
		return 0, qerr.New(qerr.KindSchema, "table %q does not exist", tbl)
	}
	if tm.AutoInc == nil {
		tm.AutoInc = make(map[string]uint64)
	}
	last := tm.AutoInc[col]
	var issued uint64
	if explicit != nil {
		issued = *explicit
		if issued > last {
			tm.AutoInc[col] = issued
		}
	} else {
		issued = last + 1
		tm.AutoInc[col] = issued
	}
	return issued, c.save()
}

func normName(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if 'A' <= ch && ch <= 'Z' {
			ch += 'a' - 'A'
		}
		b[i] = ch
	}
	return string(b)
}
