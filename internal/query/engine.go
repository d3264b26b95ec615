package query

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantadb/quantadb/internal/log"
	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/sql"
	"github.com/quantadb/quantadb/internal/storage/table"
	"github.com/quantadb/quantadb/internal/txn"
)

// ChangeNotifier receives committed-change notifications (the realtime
// layer subscribes; a nil notifier is a no-op).
type ChangeNotifier interface {
	NotifyChange(tableName, op string, rows int)
}

// Result is the outcome of one statement.
type Result struct {
	Columns  []string
	Rows     [][]table.Value
	Affected int
	Plan     []string // EXPLAIN output lines
}

// Engine executes plans against the store under transaction control.
type Engine struct {
	store    *table.Store
	planner  *Planner
	logger   zerolog.Logger
	notifier ChangeNotifier

	cacheMu sync.Mutex
	cache   map[string]*PlanNode // sql text → plan, invalidated by DDL
}

// NewEngine builds a query engine over the store.
func NewEngine(store *table.Store) *Engine {
	return &Engine{
		store:   store,
		planner: NewPlanner(store),
		logger:  log.WithComponent("query"),
		cache:   make(map[string]*PlanNode),
	}
}

// SetNotifier installs the committed-change listener.
func (e *Engine) SetNotifier(n ChangeNotifier) { e.notifier = n }

// Store exposes the table store.
func (e *Engine) Store() *table.Store { return e.store }

// notify forwards a change event if a listener is installed.
func (e *Engine) notify(tbl, op string, rows int) {
	if e.notifier != nil && rows > 0 {
		e.notifier.NotifyChange(strings.ToLower(tbl), op, rows)
	}
}

// ─── Plan cache ────────────────────────────────────────────────────────────

// cachedPlan returns a cached plan for the statement text, planning afresh
// on a miss. DML/DDL plans are trivial and not cached.
func (e *Engine) cachedPlan(text string, stmt sql.Statement) (*PlanNode, error) {
	if _, isSelect := stmt.(*sql.Select); !isSelect || text == "" {
		return e.planner.Plan(stmt)
	}
	e.cacheMu.Lock()
	if plan, ok := e.cache[text]; ok {
		e.cacheMu.Unlock()
		// Reset analyze actuals from prior runs.
		resetActuals(plan)
		return plan, nil
	}
	e.cacheMu.Unlock()
	plan, err := e.planner.Plan(stmt)
	if err != nil {
		return nil, err
	}
	e.cacheMu.Lock()
	e.cache[text] = plan
	e.cacheMu.Unlock()
	return plan, nil
}

// InvalidatePlans drops cached plans touching the given table.
func (e *Engine) InvalidatePlans(tbl string) {
	tbl = strings.ToLower(tbl)
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	for text, plan := range e.cache {
		for _, t := range plan.Tables() {
			if t == tbl {
				delete(e.cache, text)
				break
			}
		}
	}
}

func resetActuals(n *PlanNode) {
	n.ActualRows = 0
	n.ActualTime = 0
	for _, c := range n.Children {
		resetActuals(c)
	}
}

// ─── Statement execution ───────────────────────────────────────────────────

// Exec plans and executes one parsed statement inside tx. text is the
// original SQL (used as the plan-cache key; may be empty).
func (e *Engine) Exec(ctx context.Context, tx *txn.Tx, stmt sql.Statement, text string) (*Result, error) {
	if ex, ok := stmt.(*sql.Explain); ok {
		return e.execExplain(ctx, tx, ex)
	}
	plan, err := e.cachedPlan(text, stmt)
	if err != nil {
		return nil, err
	}
	res, err := e.execPlan(ctx, tx, plan)
	tx.EndStatement()
	return res, err
}

func (e *Engine) execPlan(ctx context.Context, tx *txn.Tx, plan *PlanNode) (*Result, error) {
	switch plan.Kind {
	case KindInsert:
		return e.execInsert(ctx, tx, plan.Stmt.(*sql.Insert))
	case KindUpdate:
		return e.execUpdate(ctx, tx, plan.Stmt.(*sql.Update))
	case KindDelete:
		return e.execDelete(ctx, tx, plan.Stmt.(*sql.Delete))
	case KindCreateTable, KindDropTable, KindAlterTable, KindCreateIndex, KindCompress:
		return e.execDDL(ctx, tx, plan)
	default:
		return e.execSelect(ctx, tx, plan)
	}
}

// buildOperator assembles the operator tree for a SELECT plan.
func (e *Engine) buildOperator(ctx context.Context, node *PlanNode, tx *txn.Tx) (operator, error) {
	switch node.Kind {
	case KindScan, KindIndexLookup, KindIndexRange:
		return e.buildAccess(ctx, node, tx)
	case KindProject:
		child, err := e.buildOperator(ctx, node.Children[0], tx)
		if err != nil {
			return nil, err
		}
		return &projectOp{node: node, child: child}, nil
	case KindLimit:
		child, err := e.buildOperator(ctx, node.Children[0], tx)
		if err != nil {
			return nil, err
		}
		return &limitOp{node: node, child: child}, nil
	case KindSort:
		child, err := e.buildOperator(ctx, node.Children[0], tx)
		if err != nil {
			return nil, err
		}
		return &sortOp{node: node, child: child}, nil
	case KindAggregate:
		child, err := e.buildOperator(ctx, node.Children[0], tx)
		if err != nil {
			return nil, err
		}
		return &aggOp{node: node, child: child}, nil
	case KindHashJoin, KindNestedJoin:
		left, err := e.buildOperator(ctx, node.Children[0], tx)
		if err != nil {
			return nil, err
		}
		right, err := e.buildOperator(ctx, node.Children[1], tx)
		if err != nil {
			return nil, err
		}
		return &joinOp{node: node, left: left, right: right,
			rightCols: e.joinSideColumns(node.Children[1])}, nil
	default:
		return nil, qerr.New(qerr.KindParse, "operator %s is not a row source", node.Kind)
	}
}

// execSelect runs a SELECT plan to completion.
func (e *Engine) execSelect(ctx context.Context, tx *txn.Tx, plan *PlanNode) (*Result, error) {
	op, err := e.buildOperator(ctx, plan, tx)
	if err != nil {
		return nil, err
	}
	rows, err := drain(ctx, op)
	if err != nil {
		return nil, err
	}
	cols, vals, err := e.render(plan, rows)
	if err != nil {
		return nil, err
	}
	return &Result{Columns: cols, Rows: vals}, nil
}

// render turns final tuples into a positional result set. Aggregated plans
// already transformed their tuples (keys are the output names); plain
// projections evaluate their items against the base tuples here.
func (e *Engine) render(plan *PlanNode, rows []Tuple) ([]string, [][]table.Value, error) {
	items, tbl := findItems(plan)
	cols := e.outputColumns(plan, rows)
	var out [][]table.Value

	if hasAggregate(plan) || items == nil {
		for _, tup := range rows {
			vals := make([]table.Value, len(cols))
			for i, c := range cols {
				vals[i] = tup[strings.ToLower(c)]
			}
			out = append(out, vals)
		}
		return cols, out, nil
	}

	// Expand star items into per-column refs once.
	var exprs []sql.Expr
	for _, it := range items {
		if it.Star {
			for _, c := range e.starColumns(tbl, rows) {
				exprs = append(exprs, &sql.VarRef{Name: c})
			}
			continue
		}
		exprs = append(exprs, it.Expr)
	}
	for _, tup := range rows {
		vals := make([]table.Value, len(exprs))
		for i, ex := range exprs {
			v, err := eval(ex, tup)
			if err != nil {
				return nil, nil, err
			}
			vals[i] = v
		}
		out = append(out, vals)
	}
	return cols, out, nil
}

func hasAggregate(plan *PlanNode) bool {
	if plan.Kind == KindAggregate {
		return true
	}
	for _, c := range plan.Children {
		if hasAggregate(c) {
			return true
		}
	}
	return false
}

// Stream executes a SELECT plan and returns a pull cursor delivering
// batches sized by the consumer (realtime streaming queries use this).
func (e *Engine) Stream(ctx context.Context, tx *txn.Tx, stmt *sql.Select) (*Cursor, error) {
	plan, err := e.planner.Plan(stmt)
	if err != nil {
		return nil, err
	}
	op, err := e.buildOperator(ctx, plan, tx)
	if err != nil {
		return nil, err
	}
	rows, err := drain(ctx, op)
	if err != nil {
		return nil, err
	}
	cols, vals, err := e.render(plan, rows)
	if err != nil {
		return nil, err
	}
	return &Cursor{cols: cols, vals: vals}, nil
}

// outputColumns determines the result column order for a plan.
func (e *Engine) outputColumns(plan *PlanNode, rows []Tuple) []string {
	items, tbl := findItems(plan)
	var cols []string
	for i, it := range items {
		if it.Star {
			cols = append(cols, e.starColumns(tbl, rows)...)
			continue
		}
		cols = append(cols, outName(it, i))
	}
	if len(cols) == 0 {
		cols = e.starColumns(tbl, rows)
	}
	return cols
}

func findItems(plan *PlanNode) ([]sql.SelectItem, string) {
	if len(plan.Items) > 0 || plan.Kind == KindProject || plan.Kind == KindAggregate {
		tbl := plan.Table
		for n := plan; tbl == "" && len(n.Children) > 0; n = n.Children[0] {
			tbl = n.Children[0].Table
		}
		return plan.Items, tbl
	}
	for _, c := range plan.Children {
		if items, tbl := findItems(c); items != nil || tbl != "" {
			return items, tbl
		}
	}
	return nil, plan.Table
}

// joinSideColumns lists one join input's column names, bare and qualified.
func (e *Engine) joinSideColumns(node *PlanNode) []string {
	if node.Table == "" {
		return nil
	}
	t, err := e.store.Table(node.Table)
	if err != nil {
		return nil
	}
	sc, err := t.Schema()
	if err != nil {
		return nil
	}
	var out []string
	for _, name := range sc.ColumnNames() {
		lk := strings.ToLower(name)
		out = append(out, lk, strings.ToLower(node.Table)+"."+lk)
		if node.Alias != "" {
			out = append(out, strings.ToLower(node.Alias)+"."+lk)
		}
	}
	return out
}

// starColumns resolves * to the table's declared column order, falling back
// to the sorted union of tuple keys.
func (e *Engine) starColumns(tbl string, rows []Tuple) []string {
	if tbl != "" {
		if t, err := e.store.Table(tbl); err == nil {
			if sc, err := t.Schema(); err == nil {
				return sc.ColumnNames()
			}
		}
	}
	seen := map[string]bool{}
	var cols []string
	for _, tup := range rows {
		for k := range tup {
			if !strings.Contains(k, ".") && !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

// execExplain renders (and for ANALYZE also runs) the inner statement.
func (e *Engine) execExplain(ctx context.Context, tx *txn.Tx, ex *sql.Explain) (*Result, error) {
	plan, err := e.planner.Plan(ex.Stmt)
	if err != nil {
		return nil, err
	}
	if ex.Analyze {
		start := time.Now()
		if _, err := e.execPlan(ctx, tx, plan); err != nil {
			return nil, err
		}
		e.logger.Debug().Dur("elapsed", time.Since(start)).Msg("explain analyze executed")
	}
	lines := plan.Format(ex.Analyze)
	res := &Result{Columns: []string{"plan"}}
	for _, l := range lines {
		res.Rows = append(res.Rows, []table.Value{table.Text(l)})
	}
	res.Plan = lines
	return res, nil
}

// ─── Cursor ────────────────────────────────────────────────────────────────

// Cursor is the pull side of a streaming query: NextBatch returns up to
// budget rows per call.
type Cursor struct {
	cols []string
	vals [][]table.Value
	pos  int
}

// Columns returns the result column names.
func (c *Cursor) Columns() []string { return c.cols }

// Remaining reports how many rows are left.
func (c *Cursor) Remaining() int { return len(c.vals) - c.pos }

// NextBatch returns the next batch of at most budget rows; nil when done.
// Honours ctx cancellation.
func (c *Cursor) NextBatch(ctx context.Context, budget int) ([][]table.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, qerr.Wrap(qerr.KindCancelled, err, "cursor")
	}
	if c.pos >= len(c.vals) {
		return nil, nil
	}
	if budget <= 0 {
		budget = batchSize
	}
	end := c.pos + budget
	if end > len(c.vals) {
		end = len(c.vals)
	}
	out := c.vals[c.pos:end]
	c.pos = end
	return out, nil
}
