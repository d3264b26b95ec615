package table

import (
	"strings"

	"github.com/quantadb/quantadb/internal/qerr"
)

// IDStrategy selects how primary keys are generated when omitted.
type IDStrategy string

const (
	IDAutoIncrement IDStrategy = "auto_increment"
	IDUUIDv4        IDStrategy = "uuid_v4"
	IDSnowflake     IDStrategy = "snowflake"
)

// FKAction is the referential action on parent delete/update.
type FKAction string

const (
	FKRestrict FKAction = "restrict"
	FKCascade  FKAction = "cascade"
)

// ForeignKey declares child.Column → RefTable.RefColumn.
type ForeignKey struct {
	Column    string   `json:"column"`
	RefTable  string   `json:"ref_table"`
	RefColumn string   `json:"ref_column"`
	OnDelete  FKAction `json:"on_delete"`
}

// Column is one table column. Identity is the stable ID; Name is a label
// that RENAME COLUMN may change.
type Column struct {
	ID            uint16   `json:"id"`
	Name          string   `json:"name"`
	Type          DataType `json:"type"`
	Nullable      bool     `json:"nullable"`
	Default       *Value   `json:"default,omitempty"`
	AutoIncrement bool     `json:"auto_increment,omitempty"`
	Dropped       bool     `json:"dropped,omitempty"`
}

// Schema describes one table.
type Schema struct {
	Name         string       `json:"name"`
	Columns      []Column     `json:"columns"`
	PrimaryKey   string       `json:"primary_key"`
	ForeignKeys  []ForeignKey `json:"foreign_keys,omitempty"`
	IDGen        IDStrategy   `json:"id_gen,omitempty"`
	Version      uint32       `json:"version"`
	NextColumnID uint16       `json:"next_column_id"`
}

// NewSchema builds a schema, assigning column IDs and validating shape.
func NewSchema(name string, cols []Column, primaryKey string) (*Schema, error) {
	if name == "" {
		return nil, qerr.New(qerr.KindSchema, "empty table name")
	}
	if len(cols) == 0 {
		return nil, qerr.New(qerr.KindSchema, "table %s: no columns", name)
	}
	s := &Schema{Name: name, PrimaryKey: primaryKey, Version: 1, IDGen: IDAutoIncrement}
	seen := map[string]bool{}
	for i := range cols {
		c := cols[i]
		lower := strings.ToLower(c.Name)
		if seen[lower] {
			return nil, qerr.New(qerr.KindSchema, "table %s: duplicate column %q", name, c.Name)
		}
		seen[lower] = true
		c.ID = s.NextColumnID
		s.NextColumnID++
		s.Columns = append(s.Columns, c)
	}
	if primaryKey != "" {
		pk := s.Column(primaryKey)
		if pk == nil {
			return nil, qerr.New(qerr.KindSchema, "table %s: primary key %q is not a column", name, primaryKey)
		}
		if pk.Nullable {
			return nil, qerr.New(qerr.KindSchema, "table %s: primary key %q cannot be nullable", name, primaryKey)
		}
	}
	return s, nil
}

// Column returns the live column with the given name (case-insensitive),
// or nil.
func (s *Schema) Column(name string) *Column {
	for i := range s.Columns {
		c := &s.Columns[i]
		if !c.Dropped && strings.EqualFold(c.Name, name) {
			return c
		}
	}
	return nil
}

// ColumnByID returns the column with the given stable ID, dropped or not.
func (s *Schema) ColumnByID(id uint16) *Column {
	for i := range s.Columns {
		if s.Columns[i].ID == id {
			return &s.Columns[i]
		}
	}
	return nil
}

// VisibleColumns returns live columns in declaration order.
func (s *Schema) VisibleColumns() []Column {
	out := make([]Column, 0, len(s.Columns))
	for _, c := range s.Columns {
		if !c.Dropped {
			out = append(out, c)
		}
	}
	return out
}

// ColumnNames returns the live column names in order.
func (s *Schema) ColumnNames() []string {
	cols := s.VisibleColumns()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// ValidateRow checks types and nullability for a full row, coercing values
// to declared column types. Unknown columns are rejected.
func (s *Schema) ValidateRow(vals map[string]Value) (map[string]Value, error) {
	out := make(map[string]Value, len(vals))
	for name, v := range vals {
		col := s.Column(name)
		if col == nil {
			return nil, qerr.New(qerr.KindSchema, "table %s: unknown column %q", s.Name, name)
		}
		if v.IsNull() {
			out[col.Name] = v
			continue
		}
		coerced, err := Coerce(v, col.Type)
		if err != nil {
			return nil, qerr.Wrap(qerr.KindTypeMismatch, err, "column %q", col.Name)
		}
		out[col.Name] = coerced
	}
	for _, c := range s.VisibleColumns() {
		v, present := out[c.Name]
		if !present || v.IsNull() {
			if c.Default != nil && !present {
				out[c.Name] = *c.Default
				continue
			}
			if !c.Nullable && !c.AutoIncrement && !(c.Name == s.PrimaryKey && s.IDGen != IDAutoIncrement) {
				if !present {
					return nil, qerr.New(qerr.KindConstraintViolation,
						"table %s: column %q is not nullable", s.Name, c.Name)
				}
				if v.IsNull() {
					return nil, qerr.New(qerr.KindConstraintViolation,
						"table %s: column %q cannot be NULL", s.Name, c.Name)
				}
			}
			if !present {
				out[c.Name] = Null()
			}
		}
	}
	return out, nil
}
