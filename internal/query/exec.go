package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/sql"
	"github.com/quantadb/quantadb/internal/storage/table"
	"github.com/quantadb/quantadb/internal/txn"
)

// batchSize is the number of tuples an operator hands over per Next call.
const batchSize = 128

// operator is the uniform execution contract: next returns a batch of
// tuples or nil when exhausted. Operators record actual row counts and
// elapsed time on their plan node for EXPLAIN ANALYZE.
type operator interface {
	next(ctx context.Context) ([]Tuple, error)
}

// ─── Source operators ──────────────────────────────────────────────────────

// rowSource serves a materialised row set in batches.
type rowSource struct {
	node *PlanNode
	rows []Tuple
	pos  int
}

func (s *rowSource) next(ctx context.Context) ([]Tuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, qerr.Wrap(qerr.KindCancelled, err, "%s", s.node.Kind)
	}
	if s.pos >= len(s.rows) {
		return nil, nil
	}
	end := s.pos + batchSize
	if end > len(s.rows) {
		end = len(s.rows)
	}
	out := s.rows[s.pos:end]
	s.pos = end
	s.node.ActualRows += len(out)
	return out, nil
}

// buildAccess materialises the rows of a Scan/IndexLookup/IndexRange node,
// applying the pushed-down predicate and taking read locks per the
// transaction's isolation level.
func (e *Engine) buildAccess(ctx context.Context, node *PlanNode, tx *txn.Tx) (operator, error) {
	start := time.Now()
	defer func() { node.ActualTime += time.Since(start) }()

	t, err := e.store.Table(node.Table)
	if err != nil {
		return nil, err
	}
	if err := tx.LockTable(ctx, strings.ToLower(node.Table), false); err != nil {
		return nil, err
	}

	var rows []Tuple
	add := func(r table.Row) (bool, error) {
		if err := tx.LockForRead(ctx, strings.ToLower(node.Table), r.ID.String()); err != nil {
			return false, err
		}
		tup := tupleFromRow(r, node.Table, node.Alias)
		ok, err := predTrue(node.Pred, tup)
		if err != nil {
			return false, err
		}
		if ok {
			rows = append(rows, tup)
		}
		return true, nil
	}

	switch node.Kind {
	case KindIndexLookup:
		v, err := eval(node.EqValue, nil)
		if err != nil {
			return nil, err
		}
		sc, err := t.Schema()
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(node.IndexColumn, sc.PrimaryKey) {
			row, found, err := t.GetByPK(v)
			if err != nil {
				return nil, err
			}
			if found {
				if _, err := add(row); err != nil {
					return nil, err
				}
			}
		} else {
			var inner error
			err := t.IndexLookup(ctx, node.IndexColumn, v, func(r table.Row) bool {
				cont, aerr := add(r)
				if aerr != nil {
					inner = aerr
					return false
				}
				return cont
			})
			if err != nil {
				return nil, err
			}
			if inner != nil {
				return nil, inner
			}
		}
	case KindIndexRange:
		var lo, hi *table.Value
		if node.LoValue != nil {
			v, err := eval(node.LoValue, nil)
			if err != nil {
				return nil, err
			}
			lo = &v
		}
		if node.HiValue != nil {
			v, err := eval(node.HiValue, nil)
			if err != nil {
				return nil, err
			}
			hi = &v
		}
		var inner error
		err := t.IndexRange(ctx, node.IndexColumn, lo, hi, func(r table.Row) bool {
			cont, aerr := add(r)
			if aerr != nil {
				inner = aerr
				return false
			}
			return cont
		})
		if err != nil {
			return nil, err
		}
		if inner != nil {
			return nil, inner
		}
	default: // heap scan
		var inner error
		err := t.Scan(ctx, func(r table.Row) bool {
			cont, aerr := add(r)
			if aerr != nil {
				inner = aerr
				return false
			}
			return cont
		})
		if err != nil {
			return nil, err
		}
		if inner != nil {
			return nil, inner
		}
	}
	return &rowSource{node: node, rows: rows}, nil
}

// ─── Streaming operators ───────────────────────────────────────────────────

// projectOp passes base tuples through unchanged; the final positional
// projection happens when the result (or stream batch) is rendered, so
// ORDER BY can still see base columns. The node records row counts for
// EXPLAIN ANALYZE.
type projectOp struct {
	node  *PlanNode
	child operator
}

func (p *projectOp) next(ctx context.Context) ([]Tuple, error) {
	start := time.Now()
	defer func() { p.node.ActualTime += time.Since(start) }()
	batch, err := p.child.next(ctx)
	if err != nil || batch == nil {
		return nil, err
	}
	p.node.ActualRows += len(batch)
	return batch, nil
}

// outName labels one projected column.
func outName(it sql.SelectItem, idx int) string {
	if it.Alias != "" {
		return it.Alias
	}
	if v, ok := it.Expr.(*sql.VarRef); ok {
		return v.Name
	}
	return exprKey(it.Expr)
}

type limitOp struct {
	node    *PlanNode
	child   operator
	skipped int64
	emitted int64
}

func (l *limitOp) next(ctx context.Context) ([]Tuple, error) {
	for {
		batch, err := l.child.next(ctx)
		if err != nil || batch == nil {
			return nil, err
		}
		var out []Tuple
		for _, tup := range batch {
			if l.node.Offset != nil && l.skipped < *l.node.Offset {
				l.skipped++
				continue
			}
			if l.node.Limit != nil && l.emitted >= *l.node.Limit {
				return emptyToNil(out), nil
			}
			out = append(out, tup)
			l.emitted++
		}
		if len(out) > 0 {
			l.node.ActualRows += len(out)
			return out, nil
		}
		if l.node.Limit != nil && l.emitted >= *l.node.Limit {
			return nil, nil
		}
	}
}

func emptyToNil(ts []Tuple) []Tuple {
	if len(ts) == 0 {
		return nil
	}
	return ts
}

// ─── Blocking operators ────────────────────────────────────────────────────

// drain pulls a child to completion.
func drain(ctx context.Context, op operator) ([]Tuple, error) {
	var all []Tuple
	for {
		batch, err := op.next(ctx)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return all, nil
		}
		all = append(all, batch...)
	}
}

type sortOp struct {
	node   *PlanNode
	child  operator
	sorted *rowSource
}

func (s *sortOp) next(ctx context.Context) ([]Tuple, error) {
	if s.sorted == nil {
		start := time.Now()
		rows, err := drain(ctx, s.child)
		if err != nil {
			return nil, err
		}
		var sortErr error
		sort.SliceStable(rows, func(i, j int) bool {
			for _, key := range s.node.SortBy {
				a, err := eval(key.Expr, rows[i])
				if err != nil {
					sortErr = err
					return false
				}
				b, err := eval(key.Expr, rows[j])
				if err != nil {
					sortErr = err
					return false
				}
				cmp, err := table.Compare(a, b)
				if err != nil {
					sortErr = err
					return false
				}
				if cmp == 0 {
					continue
				}
				if key.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
		if sortErr != nil {
			return nil, sortErr
		}
		s.node.ActualTime += time.Since(start)
		s.sorted = &rowSource{node: s.node, rows: rows}
	}
	return s.sorted.next(ctx)
}

// ─── Joins ─────────────────────────────────────────────────────────────────

type joinOp struct {
	node        *PlanNode
	left, right operator
	// rightCols lists the probe side's column names (bare and qualified)
	// so unmatched LEFT JOIN rows carry NULLs instead of missing columns.
	rightCols []string
	out       *rowSource
}

// padRight extends an unmatched left tuple with NULL right columns.
func (j *joinOp) padRight(lt Tuple) Tuple {
	if len(j.rightCols) == 0 {
		return lt
	}
	out := make(Tuple, len(lt)+len(j.rightCols))
	for k, v := range lt {
		out[k] = v
	}
	for _, c := range j.rightCols {
		if _, ok := out[c]; !ok {
			out[c] = table.Null()
		}
	}
	return out
}

func (j *joinOp) next(ctx context.Context) ([]Tuple, error) {
	if j.out == nil {
		start := time.Now()
		rows, err := j.run(ctx)
		if err != nil {
			return nil, err
		}
		j.node.ActualTime += time.Since(start)
		j.out = &rowSource{node: j.node, rows: rows}
	}
	return j.out.next(ctx)
}

func (j *joinOp) run(ctx context.Context) ([]Tuple, error) {
	leftRows, err := drain(ctx, j.left)
	if err != nil {
		return nil, err
	}
	rightRows, err := drain(ctx, j.right)
	if err != nil {
		return nil, err
	}

	if j.node.Kind == KindHashJoin {
		return j.hashJoin(leftRows, rightRows)
	}
	return j.nestedLoop(ctx, leftRows, rightRows)
}

// hashJoin builds on the right input and probes with the left.
func (j *joinOp) hashJoin(left, right []Tuple) ([]Tuple, error) {
	b := j.node.JoinOn.(*sql.Binary)
	lkey, rkey := b.Left, b.Right
	// The condition may be written either way round; pick the side that
	// resolves against the build (right) input.
	if len(right) > 0 {
		if _, err := eval(rkey, right[0]); err != nil {
			lkey, rkey = rkey, lkey
		}
	}

	ht := make(map[string][]Tuple, len(right))
	for _, rt := range right {
		v, err := eval(rkey, rt)
		if err != nil {
			return nil, err
		}
		if v.IsNull() {
			continue
		}
		k := string(table.EncodeKey(v))
		ht[k] = append(ht[k], rt)
	}

	var out []Tuple
	for _, lt := range left {
		v, err := eval(lkey, lt)
		if err != nil {
			return nil, err
		}
		matched := false
		if !v.IsNull() {
			for _, rt := range ht[string(table.EncodeKey(v))] {
				out = append(out, lt.merge(rt))
				matched = true
			}
		}
		if !matched && j.node.JoinLeft {
			out = append(out, j.padRight(lt))
		}
	}
	return out, nil
}

// nestedLoop probes with the smaller input against the larger. A LEFT join
// keeps the left input as the outer loop so unmatched rows can be padded.
func (j *joinOp) nestedLoop(ctx context.Context, left, right []Tuple) ([]Tuple, error) {
	outer, inner := left, right
	swapped := !j.node.JoinLeft && len(right) < len(left)
	if swapped {
		outer, inner = right, left
	}
	var out []Tuple
	for _, ot := range outer {
		if err := ctx.Err(); err != nil {
			return nil, qerr.Wrap(qerr.KindCancelled, err, "join")
		}
		matched := false
		for _, it := range inner {
			lt, rt := ot, it
			if swapped {
				lt, rt = it, ot
			}
			merged := lt.merge(rt)
			ok, err := predTrue(j.node.JoinOn, merged)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, merged)
				matched = true
			}
		}
		if !matched && j.node.JoinLeft {
			out = append(out, j.padRight(ot))
		}
	}
	return out, nil
}

// ─── Aggregation ───────────────────────────────────────────────────────────

type aggState struct {
	count  int64
	sum    float64
	sumInt int64
	isInt  bool
	min    table.Value
	max    table.Value
	seen   bool
}

type aggOp struct {
	node  *PlanNode
	child operator
	out   *rowSource
}

// exprKey canonicalises an expression for aggregate bookkeeping.
func exprKey(e sql.Expr) string {
	switch x := e.(type) {
	case *sql.VarRef:
		if x.Qualifier != "" {
			return strings.ToLower(x.Qualifier + "." + x.Name)
		}
		return strings.ToLower(x.Name)
	case *sql.Literal:
		return x.Val.String()
	case *sql.FuncCall:
		if x.Star {
			return x.Name + "(*)"
		}
		args := make([]string, len(x.Args))
		for i, a := range x.Args {
			args[i] = exprKey(a)
		}
		return x.Name + "(" + strings.Join(args, ",") + ")"
	case *sql.Binary:
		return "(" + exprKey(x.Left) + x.Op + exprKey(x.Right) + ")"
	case *sql.Unary:
		return x.Op + exprKey(x.Expr)
	case *sql.IsNull:
		return exprKey(x.Expr) + " IS NULL"
	default:
		return fmt.Sprintf("%T", e)
	}
}

// collectAggregates lists every aggregate call in the items and HAVING.
func collectAggregates(items []sql.SelectItem, having sql.Expr) []*sql.FuncCall {
	var out []*sql.FuncCall
	seen := map[string]bool{}
	var walk func(e sql.Expr)
	walk = func(e sql.Expr) {
		switch x := e.(type) {
		case *sql.FuncCall:
			switch x.Name {
			case "COUNT", "SUM", "AVG", "MIN", "MAX":
				k := exprKey(x)
				if !seen[k] {
					seen[k] = true
					out = append(out, x)
				}
				return
			}
			for _, a := range x.Args {
				walk(a)
			}
		case *sql.Binary:
			walk(x.Left)
			walk(x.Right)
		case *sql.Unary:
			walk(x.Expr)
		case *sql.IsNull:
			walk(x.Expr)
		}
	}
	for _, it := range items {
		if it.Expr != nil {
			walk(it.Expr)
		}
	}
	if having != nil {
		walk(having)
	}
	return out
}

func (a *aggOp) next(ctx context.Context) ([]Tuple, error) {
	if a.out == nil {
		start := time.Now()
		rows, err := drain(ctx, a.child)
		if err != nil {
			return nil, err
		}
		out, err := a.aggregate(rows)
		if err != nil {
			return nil, err
		}
		a.node.ActualTime += time.Since(start)
		a.out = &rowSource{node: a.node, rows: out}
	}
	return a.out.next(ctx)
}

func (a *aggOp) aggregate(rows []Tuple) ([]Tuple, error) {
	aggs := collectAggregates(a.node.Items, a.node.Having)

	type group struct {
		rep    Tuple // representative input tuple for group-by columns
		states map[string]*aggState
	}
	groups := make(map[string]*group)
	var order []string

	for _, tup := range rows {
		var keyParts []string
		for _, g := range a.node.GroupBy {
			v, err := eval(g, tup)
			if err != nil {
				return nil, err
			}
			keyParts = append(keyParts, string(table.EncodeKey(v)))
		}
		key := strings.Join(keyParts, "\x00")
		grp, ok := groups[key]
		if !ok {
			grp = &group{rep: tup, states: make(map[string]*aggState, len(aggs))}
			for _, fc := range aggs {
				grp.states[exprKey(fc)] = &aggState{}
			}
			groups[key] = grp
			order = append(order, key)
		}
		for _, fc := range aggs {
			st := grp.states[exprKey(fc)]
			if err := st.feed(fc, tup); err != nil {
				return nil, err
			}
		}
	}
	// Aggregate over an empty input with no GROUP BY yields one group.
	if len(groups) == 0 && len(a.node.GroupBy) == 0 {
		grp := &group{rep: Tuple{}, states: make(map[string]*aggState, len(aggs))}
		for _, fc := range aggs {
			grp.states[exprKey(fc)] = &aggState{}
		}
		groups[""] = grp
		order = append(order, "")
	}

	var out []Tuple
	for _, key := range order {
		grp := groups[key]
		aggVals := make(map[string]table.Value, len(aggs))
		for _, fc := range aggs {
			aggVals[exprKey(fc)] = grp.states[exprKey(fc)].result(fc)
		}
		evalAgg := func(e sql.Expr) (table.Value, error) {
			return evalWithAggregates(e, grp.rep, aggVals)
		}
		if a.node.Having != nil {
			v, err := evalAgg(a.node.Having)
			if err != nil {
				return nil, err
			}
			if v.IsNull() {
				continue
			}
			ok, err := truthy(v)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		tup := make(Tuple, len(a.node.Items))
		for i, it := range a.node.Items {
			if it.Star {
				return nil, qerr.New(qerr.KindParse, "SELECT * is invalid with GROUP BY")
			}
			v, err := evalAgg(it.Expr)
			if err != nil {
				return nil, err
			}
			tup[strings.ToLower(outName(it, i))] = v
		}
		out = append(out, tup)
	}
	return out, nil
}

// evalWithAggregates evaluates an expression, resolving aggregate calls
// from the per-group results.
func evalWithAggregates(e sql.Expr, rep Tuple, aggVals map[string]table.Value) (table.Value, error) {
	switch x := e.(type) {
	case *sql.FuncCall:
		if v, ok := aggVals[exprKey(x)]; ok {
			return v, nil
		}
		return evalScalarFunc(x, rep)
	case *sql.Binary:
		rewritten := &sql.Binary{Op: x.Op}
		lv, err := evalWithAggregates(x.Left, rep, aggVals)
		if err != nil {
			return table.Value{}, err
		}
		rv, err := evalWithAggregates(x.Right, rep, aggVals)
		if err != nil {
			return table.Value{}, err
		}
		rewritten.Left = &sql.Literal{Val: lv}
		rewritten.Right = &sql.Literal{Val: rv}
		return evalBinary(rewritten, rep)
	case *sql.Unary:
		inner, err := evalWithAggregates(x.Expr, rep, aggVals)
		if err != nil {
			return table.Value{}, err
		}
		return eval(&sql.Unary{Op: x.Op, Expr: &sql.Literal{Val: inner}}, rep)
	case *sql.IsNull:
		inner, err := evalWithAggregates(x.Expr, rep, aggVals)
		if err != nil {
			return table.Value{}, err
		}
		return table.Bool(inner.IsNull() != x.Negate), nil
	default:
		return eval(e, rep)
	}
}

// feed folds one input tuple into an aggregate state.
func (st *aggState) feed(fc *sql.FuncCall, tup Tuple) error {
	if fc.Star { // COUNT(*)
		st.count++
		return nil
	}
	if len(fc.Args) != 1 {
		return qerr.New(qerr.KindParse, "%s takes one argument", fc.Name)
	}
	v, err := eval(fc.Args[0], tup)
	if err != nil {
		return err
	}
	if v.IsNull() {
		return nil // SUM/AVG/COUNT(x)/MIN/MAX all ignore NULL
	}
	st.count++
	switch v.Type {
	case table.TypeInteger, table.TypeBigInt:
		if st.count == 1 {
			st.isInt = true
		}
		st.sumInt += v.Int
		st.sum += float64(v.Int)
	case table.TypeFloat:
		st.isInt = false
		st.sum += v.Float
	}
	if !st.seen {
		st.min, st.max, st.seen = v, v, true
		return nil
	}
	if cmp, err := table.Compare(v, st.min); err == nil && cmp < 0 {
		st.min = v
	}
	if cmp, err := table.Compare(v, st.max); err == nil && cmp > 0 {
		st.max = v
	}
	return nil
}

// result finalises an aggregate state.
func (st *aggState) result(fc *sql.FuncCall) table.Value {
	switch fc.Name {
	case "COUNT":
		return table.BigInt(st.count)
	case "SUM":
		if st.count == 0 {
			return table.Null()
		}
		if st.isInt {
			return table.BigInt(st.sumInt)
		}
		return table.Float(st.sum)
	case "AVG":
		if st.count == 0 {
			return table.Null()
		}
		return table.Float(st.sum / float64(st.count)) // integer AVG is a float
	case "MIN":
		if !st.seen {
			return table.Null()
		}
		return st.min
	case "MAX":
		if !st.seen {
			return table.Null()
		}
		return st.max
	}
	return table.Null()
}
