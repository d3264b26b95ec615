package query

import (
	"strings"

	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/sql"
	"github.com/quantadb/quantadb/internal/storage/table"
)

// Tuple is one intermediate row: column name → value, with qualified
// ("alias.col") entries added when a table carries an alias so join
// conditions resolve unambiguously.
type Tuple map[string]table.Value

// tupleFromRow builds a tuple, adding qualified names under alias (and the
// table name) alongside the bare column names.
func tupleFromRow(row table.Row, tbl, alias string) Tuple {
	t := make(Tuple, len(row.Values)*2)
	for k, v := range row.Values {
		lk := strings.ToLower(k)
		t[lk] = v
		if tbl != "" {
			t[strings.ToLower(tbl)+"."+lk] = v
		}
		if alias != "" {
			t[strings.ToLower(alias)+"."+lk] = v
		}
	}
	return t
}

// merge combines two tuples (join output). Right side wins on collisions of
// bare names; qualified names keep both sides addressable.
func (t Tuple) merge(o Tuple) Tuple {
	out := make(Tuple, len(t)+len(o))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}

// eval computes an expression over one tuple.
func eval(e sql.Expr, tup Tuple) (table.Value, error) {
	switch x := e.(type) {
	case *sql.Literal:
		return x.Val, nil
	case *sql.VarRef:
		name := strings.ToLower(x.Name)
		if x.Qualifier != "" {
			name = strings.ToLower(x.Qualifier) + "." + name
		}
		if v, ok := tup[name]; ok {
			return v, nil
		}
		return table.Value{}, qerr.New(qerr.KindSchema, "unknown column %q", name)
	case *sql.Unary:
		inner, err := eval(x.Expr, tup)
		if err != nil {
			return table.Value{}, err
		}
		switch x.Op {
		case "NOT":
			if inner.IsNull() {
				return table.Null(), nil
			}
			b, err := truthy(inner)
			if err != nil {
				return table.Value{}, err
			}
			return table.Bool(!b), nil
		case "-":
			switch inner.Type {
			case table.TypeInteger, table.TypeBigInt:
				return table.Value{Type: inner.Type, Int: -inner.Int}, nil
			case table.TypeFloat:
				return table.Float(-inner.Float), nil
			}
			return table.Value{}, qerr.New(qerr.KindTypeMismatch, "cannot negate %s", inner.Type)
		case "+":
			return inner, nil
		}
		return table.Value{}, qerr.New(qerr.KindTypeMismatch, "unknown unary %q", x.Op)
	case *sql.IsNull:
		inner, err := eval(x.Expr, tup)
		if err != nil {
			return table.Value{}, err
		}
		return table.Bool(inner.IsNull() != x.Negate), nil
	case *sql.Binary:
		return evalBinary(x, tup)
	case *sql.FuncCall:
		return evalScalarFunc(x, tup)
	default:
		return table.Value{}, qerr.New(qerr.KindParse, "unevaluable expression %T", e)
	}
}

func evalBinary(b *sql.Binary, tup Tuple) (table.Value, error) {
	switch b.Op {
	case "AND", "OR":
		l, err := eval(b.Left, tup)
		if err != nil {
			return table.Value{}, err
		}
		lb := false
		if !l.IsNull() {
			if lb, err = truthy(l); err != nil {
				return table.Value{}, err
			}
		}
		if b.Op == "AND" && !l.IsNull() && !lb {
			return table.Bool(false), nil
		}
		if b.Op == "OR" && !l.IsNull() && lb {
			return table.Bool(true), nil
		}
		r, err := eval(b.Right, tup)
		if err != nil {
			return table.Value{}, err
		}
		if l.IsNull() || r.IsNull() {
			return table.Null(), nil
		}
		rb, err := truthy(r)
		if err != nil {
			return table.Value{}, err
		}
		if b.Op == "AND" {
			return table.Bool(lb && rb), nil
		}
		return table.Bool(lb || rb), nil
	}

	l, err := eval(b.Left, tup)
	if err != nil {
		return table.Value{}, err
	}
	r, err := eval(b.Right, tup)
	if err != nil {
		return table.Value{}, err
	}
	switch b.Op {
	case "=", "<>", "<", "<=", ">", ">=":
		if l.IsNull() || r.IsNull() {
			return table.Null(), nil
		}
		cmp, err := table.Compare(l, r)
		if err != nil {
			return table.Value{}, err
		}
		var out bool
		switch b.Op {
		case "=":
			out = cmp == 0
		case "<>":
			out = cmp != 0
		case "<":
			out = cmp < 0
		case "<=":
			out = cmp <= 0
		case ">":
			out = cmp > 0
		case ">=":
			out = cmp >= 0
		}
		return table.Bool(out), nil
	case "+", "-", "*", "/", "%":
		return arith(b.Op, l, r)
	}
	return table.Value{}, qerr.New(qerr.KindParse, "unknown operator %q", b.Op)
}

// arith applies numeric promotion: any float operand promotes the result.
func arith(op string, l, r table.Value) (table.Value, error) {
	if l.IsNull() || r.IsNull() {
		return table.Null(), nil
	}
	numeric := func(v table.Value) bool {
		return v.Type == table.TypeInteger || v.Type == table.TypeBigInt || v.Type == table.TypeFloat
	}
	if !numeric(l) || !numeric(r) {
		if op == "+" && l.Type == table.TypeText && r.Type == table.TypeText {
			return table.Text(l.Text + r.Text), nil
		}
		return table.Value{}, qerr.New(qerr.KindTypeMismatch, "%s %s %s", l.Type, op, r.Type)
	}
	if l.Type == table.TypeFloat || r.Type == table.TypeFloat || op == "/" {
		lf, rf := asF(l), asF(r)
		switch op {
		case "+":
			return table.Float(lf + rf), nil
		case "-":
			return table.Float(lf - rf), nil
		case "*":
			return table.Float(lf * rf), nil
		case "/":
			if rf == 0 {
				return table.Null(), nil
			}
			return table.Float(lf / rf), nil
		case "%":
			if rf == 0 {
				return table.Null(), nil
			}
			return table.Float(float64(int64(lf) % int64(rf))), nil
		}
	}
	switch op {
	case "+":
		return table.Int(l.Int + r.Int), nil
	case "-":
		return table.Int(l.Int - r.Int), nil
	case "*":
		return table.Int(l.Int * r.Int), nil
	case "%":
		if r.Int == 0 {
			return table.Null(), nil
		}
		return table.Int(l.Int % r.Int), nil
	}
	return table.Value{}, qerr.New(qerr.KindParse, "unknown arithmetic %q", op)
}

func asF(v table.Value) float64 {
	if v.Type == table.TypeFloat {
		return v.Float
	}
	return float64(v.Int)
}

func truthy(v table.Value) (bool, error) {
	switch v.Type {
	case table.TypeBoolean:
		return v.Bool, nil
	case table.TypeInteger, table.TypeBigInt:
		return v.Int != 0, nil
	case table.TypeNull:
		return false, nil
	default:
		return false, qerr.New(qerr.KindTypeMismatch, "%s is not a boolean", v.Type)
	}
}

// predTrue evaluates a predicate; NULL counts as false.
func predTrue(e sql.Expr, tup Tuple) (bool, error) {
	if e == nil {
		return true, nil
	}
	v, err := eval(e, tup)
	if err != nil {
		return false, err
	}
	if v.IsNull() {
		return false, nil
	}
	return truthy(v)
}

// evalScalarFunc handles the non-aggregate functions usable per row.
func evalScalarFunc(fc *sql.FuncCall, tup Tuple) (table.Value, error) {
	switch fc.Name {
	case "NEUROMATCH":
		if len(fc.Args) != 2 {
			return table.Value{}, qerr.New(qerr.KindParse, "NEUROMATCH takes (column, pattern)")
		}
		v, err := eval(fc.Args[0], tup)
		if err != nil {
			return table.Value{}, err
		}
		pat, err := eval(fc.Args[1], tup)
		if err != nil {
			return table.Value{}, err
		}
		if v.IsNull() || pat.IsNull() {
			return table.Bool(false), nil
		}
		return table.Bool(neuroMatch(v.String(), pat.String())), nil
	case "COUNT", "SUM", "AVG", "MIN", "MAX":
		return table.Value{}, qerr.New(qerr.KindParse,
			"aggregate %s outside GROUP BY context", fc.Name)
	default:
		return table.Value{}, qerr.New(qerr.KindParse, "unknown function %q", fc.Name)
	}
}

// neuroMatch is the fuzzy pattern operator: case-insensitive containment,
// falling back to a bounded edit distance for near-misses.
func neuroMatch(s, pattern string) bool {
	ls, lp := strings.ToLower(s), strings.ToLower(pattern)
	if strings.Contains(ls, lp) {
		return true
	}
	maxDist := len(lp) / 4
	if maxDist == 0 {
		maxDist = 1
	}
	return editDistance(ls, lp) <= maxDist
}

// editDistance is the Levenshtein distance with two rolling rows.
func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = minInt(minInt(cur[j-1]+1, prev[j]+1), prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
