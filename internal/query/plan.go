// Package query turns parsed statements into executable plans and runs
// them against table storage under transaction control.
//
// Plans are data: a tree of tagged PlanNodes that EXPLAIN can render
// without executing. Execution walks the same tree with a uniform
// batch-iterator contract, so scan, index, join, and aggregate operators
// compose freely.
package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/quantadb/quantadb/internal/sql"
	"github.com/quantadb/quantadb/internal/storage/table"
)

// NodeKind tags a plan operator.
type NodeKind string

const (
	KindScan        NodeKind = "Scan"
	KindIndexLookup NodeKind = "IndexLookup"
	KindIndexRange  NodeKind = "IndexRange"
	KindFilter      NodeKind = "Filter"
	KindProject     NodeKind = "Project"
	KindSort        NodeKind = "Sort"
	KindLimit       NodeKind = "Limit"
	KindAggregate   NodeKind = "HashAggregate"
	KindNestedJoin  NodeKind = "NestedLoopJoin"
	KindHashJoin    NodeKind = "HashJoin"
	KindInsert      NodeKind = "Insert"
	KindUpdate      NodeKind = "Update"
	KindDelete      NodeKind = "Delete"
	KindCreateTable NodeKind = "CreateTable"
	KindAlterTable  NodeKind = "AlterTable"
	KindDropTable   NodeKind = "DropTable"
	KindCreateIndex NodeKind = "CreateIndex"
	KindCompress    NodeKind = "Compress"
	KindExplain     NodeKind = "Explain"
)

// PlanNode is one operator in a plan tree.
type PlanNode struct {
	Kind  NodeKind
	Table string
	Alias string

	// Index access.
	IndexColumn string
	EqValue     sql.Expr
	LoValue     sql.Expr
	HiValue     sql.Expr

	// Filters, projections, sorts.
	Pred    sql.Expr
	Items   []sql.SelectItem
	GroupBy []sql.Expr
	Having  sql.Expr
	SortBy  []sql.OrderItem
	Limit   *int64
	Offset  *int64

	// Joins.
	JoinOn   sql.Expr
	JoinLeft bool

	// DML / DDL payloads.
	Stmt sql.Statement

	Children []*PlanNode

	// Planner annotations.
	EstRows int
	Notes   []string

	// EXPLAIN ANALYZE actuals.
	ActualRows int
	ActualTime time.Duration
}

// Tables returns every table the plan touches (for cache invalidation).
func (n *PlanNode) Tables() []string {
	seen := map[string]bool{}
	var walk func(*PlanNode)
	walk = func(p *PlanNode) {
		if p == nil {
			return
		}
		if p.Table != "" {
			seen[strings.ToLower(p.Table)] = true
		}
		for _, c := range p.Children {
			walk(c)
		}
	}
	walk(n)
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	return out
}

// Format renders the plan tree for EXPLAIN output.
func (n *PlanNode) Format(analyze bool) []string {
	var lines []string
	var walk func(p *PlanNode, depth int)
	walk = func(p *PlanNode, depth int) {
		ind := strings.Repeat("  ", depth)
		head := fmt.Sprintf("%s%s", ind, p.Kind)
		if p.Table != "" {
			head += fmt.Sprintf(" on %s", p.Table)
		}
		if p.IndexColumn != "" {
			head += fmt.Sprintf(" using index(%s)", p.IndexColumn)
		}
		head += fmt.Sprintf(" (rows≈%d)", p.EstRows)
		if analyze {
			head += fmt.Sprintf(" [actual rows=%d time=%s]", p.ActualRows, p.ActualTime.Round(time.Microsecond))
		}
		lines = append(lines, head)
		for _, note := range p.Notes {
			lines = append(lines, ind+"  · "+note)
		}
		for _, c := range p.Children {
			walk(c, depth+1)
		}
	}
	walk(n, 0)
	return lines
}

// ─── Planner ───────────────────────────────────────────────────────────────

// indexSelectivityThreshold: use an index only when the predicate is
// estimated to select less than this fraction of the table.
const indexSelectivityThreshold = 0.10

// hashJoinRowBudget: prefer a hash join while the build side fits this many
// rows in memory.
const hashJoinRowBudget = 10000

// Planner builds plans against the current catalog.
type Planner struct {
	store *table.Store
}

// NewPlanner creates a planner over the store.
func NewPlanner(store *table.Store) *Planner {
	return &Planner{store: store}
}

// Plan compiles any statement into a plan tree.
func (pl *Planner) Plan(stmt sql.Statement) (*PlanNode, error) {
	switch st := stmt.(type) {
	case *sql.Select:
		return pl.planSelect(st)
	case *sql.Insert:
		return &PlanNode{Kind: KindInsert, Table: st.Table, Stmt: st, EstRows: len(st.Rows)}, nil
	case *sql.Update:
		return &PlanNode{Kind: KindUpdate, Table: st.Table, Stmt: st, Pred: st.Where, EstRows: pl.tableRows(st.Table)}, nil
	case *sql.Delete:
		return &PlanNode{Kind: KindDelete, Table: st.Table, Stmt: st, Pred: st.Where, EstRows: pl.tableRows(st.Table)}, nil
	case *sql.CreateTable:
		return &PlanNode{Kind: KindCreateTable, Table: st.Name, Stmt: st}, nil
	case *sql.DropTable:
		return &PlanNode{Kind: KindDropTable, Table: st.Name, Stmt: st}, nil
	case *sql.AlterTable:
		return &PlanNode{Kind: KindAlterTable, Table: st.Name, Stmt: st}, nil
	case *sql.CreateIndex:
		return &PlanNode{Kind: KindCreateIndex, Table: st.Table, IndexColumn: st.Column, Stmt: st}, nil
	case *sql.CompressTable:
		return &PlanNode{Kind: KindCompress, Table: st.Table, Stmt: st}, nil
	case *sql.Explain:
		inner, err := pl.Plan(st.Stmt)
		if err != nil {
			return nil, err
		}
		return &PlanNode{Kind: KindExplain, Stmt: st, Children: []*PlanNode{inner}}, nil
	default:
		return nil, fmt.Errorf("no plan for %T", stmt)
	}
}

// planSelect applies the planner rules: HAVING rewrite, predicate pushdown,
// index selection, join strategy, then aggregation/sort/limit/projection.
func (pl *Planner) planSelect(sel *sql.Select) (*PlanNode, error) {
	where := sel.Where
	having := sel.Having

	// Rule: HAVING conjuncts that reference no aggregate run as WHERE.
	if having != nil {
		var keep []sql.Expr
		for _, conj := range splitConjuncts(having) {
			if containsAggregate(conj) {
				keep = append(keep, conj)
			} else {
				where = conjoin(where, conj)
			}
		}
		having = conjoinAll(keep)
	}

	base := pl.planAccess(sel.Table, sel.Alias, where, sel.Hint)

	// Joins: hash join for equi-conditions under the memory budget,
	// otherwise nested loop with the smaller input probing.
	node := base
	for _, jc := range sel.Joins {
		right := pl.planAccess(jc.Table, jc.Alias, nil, "")
		kind := KindNestedJoin
		var notes []string
		if isEquiJoin(jc.On) && pl.tableRows(jc.Table) <= hashJoinRowBudget {
			kind = KindHashJoin
			notes = append(notes, "equi-join within memory budget")
		} else if kind == KindNestedJoin {
			notes = append(notes, "smaller input probes")
		}
		node = &PlanNode{
			Kind:     kind,
			JoinOn:   jc.On,
			JoinLeft: jc.Left,
			Children: []*PlanNode{node, right},
			EstRows:  maxInt(node.EstRows, right.EstRows),
			Notes:    notes,
		}
	}

	if len(sel.GroupBy) > 0 || itemsContainAggregate(sel.Items) || having != nil {
		node = &PlanNode{
			Kind:     KindAggregate,
			GroupBy:  sel.GroupBy,
			Having:   having,
			Items:    sel.Items,
			Children: []*PlanNode{node},
			EstRows:  node.EstRows / 4,
			Notes:    aggregateNotes(having),
		}
	} else {
		node = &PlanNode{
			Kind:     KindProject,
			Items:    sel.Items,
			Children: []*PlanNode{node},
			EstRows:  node.EstRows,
		}
	}

	if len(sel.OrderBy) > 0 {
		orderBy := sel.OrderBy
		if node.Kind != KindAggregate {
			// Below an aggregate the output aliases exist as columns; above
			// a plain projection sort keys see base tuples, so alias refs
			// are rewritten to their defining expressions.
			orderBy = rewriteAliases(orderBy, sel.Items)
		}
		node = &PlanNode{Kind: KindSort, SortBy: orderBy, Children: []*PlanNode{node}, EstRows: node.EstRows}
	}
	if sel.Limit != nil || sel.Offset != nil {
		node = &PlanNode{Kind: KindLimit, Limit: sel.Limit, Offset: sel.Offset, Children: []*PlanNode{node}, EstRows: limitEst(node.EstRows, sel.Limit)}
	}
	return node, nil
}

// planAccess chooses heap scan vs index access for one table, pushing the
// predicate down.
func (pl *Planner) planAccess(tbl, alias string, where sql.Expr, hint string) *PlanNode {
	rows := pl.tableRows(tbl)
	node := &PlanNode{Kind: KindScan, Table: tbl, Alias: alias, Pred: where, EstRows: rows}
	if hint != "" {
		node.Notes = append(node.Notes, "hint: "+hint)
	}
	if where == nil {
		return node
	}
	node.Notes = append(node.Notes, "predicate pushed into scan")

	t, err := pl.store.Table(tbl)
	if err != nil {
		return node
	}
	sc, err := t.Schema()
	if err != nil {
		return node
	}

	for _, conj := range splitConjuncts(where) {
		col, val, lo, hi, ok := indexablePredicate(conj)
		if !ok {
			continue
		}
		if strings.EqualFold(col, sc.PrimaryKey) && val != nil {
			// Equality on the primary key: a point lookup.
			return &PlanNode{
				Kind: KindIndexLookup, Table: tbl, Alias: alias,
				IndexColumn: sc.PrimaryKey, EqValue: val, Pred: where,
				EstRows: 1,
				Notes:   []string{"primary key point lookup"},
			}
		}
		if t.HasIndex(col) {
			if val != nil {
				est := rows / 20 // assume ~5% per distinct value
				if rows == 0 || float64(est)/float64(maxInt(rows, 1)) < indexSelectivityThreshold {
					return &PlanNode{
						Kind: KindIndexLookup, Table: tbl, Alias: alias,
						IndexColumn: col, EqValue: val, Pred: where,
						EstRows: maxInt(est, 1),
						Notes:   []string{"secondary index equality"},
					}
				}
			}
			if lo != nil || hi != nil {
				est := rows / 5
				if rows == 0 || float64(est)/float64(maxInt(rows, 1)) < indexSelectivityThreshold {
					return &PlanNode{
						Kind: KindIndexRange, Table: tbl, Alias: alias,
						IndexColumn: col, LoValue: lo, HiValue: hi, Pred: where,
						EstRows: maxInt(est, 1),
						Notes:   []string{"secondary index range"},
					}
				}
				node.Notes = append(node.Notes, "index skipped: selectivity above threshold")
			}
		}
	}
	return node
}

// tableRows is a coarse cardinality estimate from the auto-inc counters;
// absent better statistics it falls back to a fixed guess.
func (pl *Planner) tableRows(tbl string) int {
	tm, err := pl.store.Catalog().Get(tbl)
	if err != nil {
		return 0
	}
	var max uint64
	for _, v := range tm.AutoInc {
		if v > max {
			max = v
		}
	}
	if max > 0 {
		return int(max)
	}
	return 1000
}

// rewriteAliases substitutes ORDER BY references to select-list aliases
// with the aliased expressions.
func rewriteAliases(keys []sql.OrderItem, items []sql.SelectItem) []sql.OrderItem {
	out := make([]sql.OrderItem, len(keys))
	for i, k := range keys {
		out[i] = k
		v, ok := k.Expr.(*sql.VarRef)
		if !ok || v.Qualifier != "" {
			continue
		}
		for _, it := range items {
			if it.Alias != "" && strings.EqualFold(it.Alias, v.Name) {
				out[i].Expr = it.Expr
				break
			}
		}
	}
	return out
}

// ─── Expression shape helpers ──────────────────────────────────────────────

func splitConjuncts(e sql.Expr) []sql.Expr {
	if b, ok := e.(*sql.Binary); ok && b.Op == "AND" {
		return append(splitConjuncts(b.Left), splitConjuncts(b.Right)...)
	}
	return []sql.Expr{e}
}

func conjoin(a, b sql.Expr) sql.Expr {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &sql.Binary{Op: "AND", Left: a, Right: b}
}

func conjoinAll(es []sql.Expr) sql.Expr {
	var out sql.Expr
	for _, e := range es {
		out = conjoin(out, e)
	}
	return out
}

func containsAggregate(e sql.Expr) bool {
	switch x := e.(type) {
	case *sql.FuncCall:
		switch x.Name {
		case "COUNT", "SUM", "AVG", "MIN", "MAX":
			return true
		}
		for _, a := range x.Args {
			if containsAggregate(a) {
				return true
			}
		}
	case *sql.Binary:
		return containsAggregate(x.Left) || containsAggregate(x.Right)
	case *sql.Unary:
		return containsAggregate(x.Expr)
	case *sql.IsNull:
		return containsAggregate(x.Expr)
	}
	return false
}

func itemsContainAggregate(items []sql.SelectItem) bool {
	for _, it := range items {
		if it.Expr != nil && containsAggregate(it.Expr) {
			return true
		}
	}
	return false
}

// indexablePredicate recognises col = lit, col >= lit, col <= lit, col > lit,
// col < lit (literal on either side).
func indexablePredicate(e sql.Expr) (col string, eq, lo, hi sql.Expr, ok bool) {
	b, isBin := e.(*sql.Binary)
	if !isBin {
		return "", nil, nil, nil, false
	}
	v, lok := b.Left.(*sql.VarRef)
	lit, rok := b.Right.(*sql.Literal)
	op := b.Op
	if !lok || !rok {
		// literal on the left: flip.
		if lv, a := b.Right.(*sql.VarRef); a {
			if ll, bb := b.Left.(*sql.Literal); bb {
				v, lit = lv, ll
				switch op {
				case "<":
					op = ">"
				case "<=":
					op = ">="
				case ">":
					op = "<"
				case ">=":
					op = "<="
				}
			} else {
				return "", nil, nil, nil, false
			}
		} else {
			return "", nil, nil, nil, false
		}
	}
	switch op {
	case "=":
		return v.Name, lit, nil, nil, true
	case ">", ">=":
		return v.Name, nil, lit, nil, true
	case "<", "<=":
		return v.Name, nil, nil, lit, true
	}
	return "", nil, nil, nil, false
}

func isEquiJoin(on sql.Expr) bool {
	b, ok := on.(*sql.Binary)
	if !ok || b.Op != "=" {
		return false
	}
	_, l := b.Left.(*sql.VarRef)
	_, r := b.Right.(*sql.VarRef)
	return l && r
}

func aggregateNotes(having sql.Expr) []string {
	if having != nil {
		return []string{"HAVING applied after grouping"}
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func limitEst(rows int, limit *int64) int {
	if limit != nil && int(*limit) < rows {
		return int(*limit)
	}
	return rows
}
