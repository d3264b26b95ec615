package sql

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/table"
)

// Parser holds the lexer and current/peek tokens for recursive descent.
type Parser struct {
	lx   *lexer
	cur  token
	peek token
}

// NewParser creates a parser over one SQL string.
func NewParser(input string) *Parser {
	p := &Parser{lx: newLexer(input)}
	p.cur = p.lx.nextToken()
	p.peek = p.lx.nextToken()
	return p
}

// Parse parses a single statement.
func Parse(input string) (Statement, error) {
	p := NewParser(input)
	st, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	// Optional trailing semicolon.
	if p.curIsSymbol(";") {
		p.next()
	}
	if p.cur.Typ != tEOF {
		return nil, p.errf("unexpected trailing input")
	}
	return st, nil
}

// ParseAll parses a semicolon-separated script.
func ParseAll(input string) ([]Statement, error) {
	p := NewParser(input)
	var out []Statement
	for p.cur.Typ != tEOF {
		if p.curIsSymbol(";") {
			p.next()
			continue
		}
		st, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
		if p.curIsSymbol(";") {
			p.next()
		}
	}
	return out, nil
}

func (p *Parser) next() { p.cur, p.peek = p.peek, p.lx.nextToken() }

func (p *Parser) errf(format string, a ...any) error {
	tok := p.cur.Val
	if p.cur.Typ == tEOF {
		tok = "<eof>"
	}
	return qerr.New(qerr.KindParse, "line %d, column %d, near %q: %s",
		p.cur.Line, p.cur.Col, tok, fmt.Sprintf(format, a...))
}

func (p *Parser) curIsKeyword(kw string) bool {
	return p.cur.Typ == tKeyword && p.cur.Val == kw
}

func (p *Parser) curIsSymbol(sym string) bool {
	return p.cur.Typ == tSymbol && p.cur.Val == sym
}

func (p *Parser) acceptKeyword(kw string) bool {
	if p.curIsKeyword(kw) {
		p.next()
		return true
	}
	return false
}

func (p *Parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return p.errf("expected %s", kw)
	}
	return nil
}

func (p *Parser) expectSymbol(sym string) error {
	if !p.curIsSymbol(sym) {
		return p.errf("expected %q", sym)
	}
	p.next()
	return nil
}

// ident accepts an identifier; keywords that commonly double as column
// names are accepted too.
func (p *Parser) ident() (string, error) {
	if p.cur.Typ == tIdent {
		name := p.cur.Val
		p.next()
		return name, nil
	}
	if p.cur.Typ == tKeyword {
		switch p.cur.Val {
		case "KEY", "LEVEL", "COUNT", "SUM", "AVG", "MIN", "MAX":
			name := p.cur.Val
			p.next()
			return strings.ToLower(name), nil
		}
	}
	return "", p.errf("expected identifier")
}

// ─── Statement dispatch ────────────────────────────────────────────────────

func (p *Parser) parseStatement() (Statement, error) {
	switch {
	case p.curIsKeyword("EXPLAIN"):
		p.next()
		analyze := p.acceptKeyword("ANALYZE")
		inner, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		return &Explain{Analyze: analyze, Stmt: inner}, nil
	case p.curIsKeyword("QUANTUM_SEARCH"), p.curIsKeyword("QUANTUM_JOIN"):
		hint := strings.ToLower(p.cur.Val)
		p.next()
		sel, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		sel.Hint = hint
		return sel, nil
	case p.curIsKeyword("SELECT"):
		return p.parseSelect()
	case p.curIsKeyword("INSERT"):
		return p.parseInsert()
	case p.curIsKeyword("UPDATE"):
		return p.parseUpdate()
	case p.curIsKeyword("DELETE"):
		return p.parseDelete()
	case p.curIsKeyword("CREATE"):
		return p.parseCreate()
	case p.curIsKeyword("DROP"):
		return p.parseDrop()
	case p.curIsKeyword("ALTER"):
		return p.parseAlter()
	case p.curIsKeyword("COMPRESS"):
		return p.parseCompress()
	case p.curIsKeyword("BEGIN"):
		return p.parseBegin()
	case p.curIsKeyword("COMMIT"):
		p.next()
		p.acceptKeyword("TRANSACTION")
		return &Commit{}, nil
	case p.curIsKeyword("ROLLBACK"):
		return p.parseRollback()
	case p.curIsKeyword("SAVEPOINT"):
		p.next()
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &SavepointStmt{Name: name}, nil
	case p.curIsKeyword("RELEASE"):
		p.next()
		p.acceptKeyword("SAVEPOINT")
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &ReleaseStmt{Name: name}, nil
	default:
		return nil, p.errf("expected a statement")
	}
}

// ─── Transaction control ───────────────────────────────────────────────────

func (p *Parser) parseBegin() (Statement, error) {
	p.next()
	p.acceptKeyword("TRANSACTION")
	b := &Begin{}
	if p.acceptKeyword("ISOLATION") {
		if err := p.expectKeyword("LEVEL"); err != nil {
			return nil, err
		}
		var words []string
		for p.cur.Typ == tKeyword || p.cur.Typ == tIdent {
			words = append(words, p.cur.Val)
			p.next()
			if len(words) == 2 {
				break
			}
		}
		b.Isolation = strings.Join(words, " ")
	}
	return b, nil
}

func (p *Parser) parseRollback() (Statement, error) {
	p.next()
	p.acceptKeyword("TRANSACTION")
	r := &Rollback{}
	if p.acceptKeyword("TO") {
		p.acceptKeyword("SAVEPOINT")
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		r.Savepoint = name
	}
	return r, nil
}

// ─── DDL ───────────────────────────────────────────────────────────────────

func (p *Parser) parseCreate() (Statement, error) {
	p.next()
	switch {
	case p.acceptKeyword("TABLE"):
		return p.parseCreateTable()
	case p.acceptKeyword("INDEX"):
		if err := p.expectKeyword("ON"); err != nil {
			return nil, err
		}
		tbl, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("("); err != nil {
			return nil, err
		}
		col, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return &CreateIndex{Table: tbl, Column: col}, nil
	default:
		return nil, p.errf("expected TABLE or INDEX after CREATE")
	}
}

func (p *Parser) parseCreateTable() (Statement, error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	ct := &CreateTable{Name: name}
	for {
		if p.curIsKeyword("PRIMARY") {
			// Table-level PRIMARY KEY (col).
			p.next()
			if err := p.expectKeyword("KEY"); err != nil {
				return nil, err
			}
			if err := p.expectSymbol("("); err != nil {
				return nil, err
			}
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			if err := p.expectSymbol(")"); err != nil {
				return nil, err
			}
			ct.PrimaryKey = col
		} else {
			def, err := p.parseColumnDef()
			if err != nil {
				return nil, err
			}
			if def.PrimaryKey {
				if ct.PrimaryKey != "" {
					return nil, p.errf("multiple primary keys")
				}
				ct.PrimaryKey = def.Name
			}
			ct.Columns = append(ct.Columns, def)
		}
		if p.curIsSymbol(",") {
			p.next()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	if ct.PrimaryKey == "" {
		return nil, p.errf("table %s: a primary key is required", name)
	}
	return ct, nil
}

func (p *Parser) parseColumnDef() (ColumnDef, error) {
	var def ColumnDef
	name, err := p.ident()
	if err != nil {
		return def, err
	}
	def.Name = name
	if p.cur.Typ != tIdent && p.cur.Typ != tKeyword {
		return def, p.errf("expected a type for column %s", name)
	}
	dt, ok := table.ParseDataType(p.cur.Val)
	if !ok {
		return def, p.errf("unknown type %q", p.cur.Val)
	}
	def.Type = dt
	p.next()
	// Optional (n) length, accepted and ignored.
	if p.curIsSymbol("(") {
		p.next()
		if p.cur.Typ == tNumber {
			p.next()
		}
		if err := p.expectSymbol(")"); err != nil {
			return def, err
		}
	}
	def.Nullable = true
	for {
		switch {
		case p.curIsKeyword("NOT"):
			p.next()
			if err := p.expectKeyword("NULL"); err != nil {
				return def, err
			}
			def.Nullable = false
		case p.curIsKeyword("NULL"):
			p.next()
			def.Nullable = true
		case p.curIsKeyword("PRIMARY"):
			p.next()
			if err := p.expectKeyword("KEY"); err != nil {
				return def, err
			}
			def.PrimaryKey = true
			def.Nullable = false
		case p.curIsKeyword("AUTO_INCREMENT"), p.curIsKeyword("AUTOINCREMENT"):
			p.next()
			def.AutoIncrement = true
		case p.curIsKeyword("DEFAULT"):
			p.next()
			lit, err := p.parseLiteral()
			if err != nil {
				return def, err
			}
			v := lit.Val
			def.Default = &v
		case p.curIsKeyword("REFERENCES"):
			p.next()
			rt, err := p.ident()
			if err != nil {
				return def, err
			}
			ref := &ForeignKeyRef{Table: rt, OnDelete: table.FKRestrict}
			if p.curIsSymbol("(") {
				p.next()
				rc, err := p.ident()
				if err != nil {
					return def, err
				}
				ref.Column = rc
				if err := p.expectSymbol(")"); err != nil {
					return def, err
				}
			}
			if p.acceptKeyword("ON") {
				if err := p.expectKeyword("DELETE"); err != nil {
					return def, err
				}
				switch {
				case p.acceptKeyword("CASCADE"):
					ref.OnDelete = table.FKCascade
				case p.acceptKeyword("RESTRICT"):
					ref.OnDelete = table.FKRestrict
				default:
					return def, p.errf("expected CASCADE or RESTRICT")
				}
			}
			def.References = ref
		default:
			return def, nil
		}
	}
}

func (p *Parser) parseDrop() (Statement, error) {
	p.next()
	if err := p.expectKeyword("TABLE"); err != nil {
		return nil, err
	}
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	return &DropTable{Name: name}, nil
}

func (p *Parser) parseAlter() (Statement, error) {
	p.next()
	if err := p.expectKeyword("TABLE"); err != nil {
		return nil, err
	}
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	at := &AlterTable{Name: name}
	switch {
	case p.acceptKeyword("ADD"):
		p.acceptKeyword("COLUMN")
		def, err := p.parseColumnDef()
		if err != nil {
			return nil, err
		}
		at.Action = &AddColumn{Def: def}
	case p.acceptKeyword("DROP"):
		p.acceptKeyword("COLUMN")
		col, err := p.ident()
		if err != nil {
			return nil, err
		}
		at.Action = &DropColumn{Name: col}
	case p.acceptKeyword("RENAME"):
		p.acceptKeyword("COLUMN")
		from, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("TO"); err != nil {
			return nil, err
		}
		to, err := p.ident()
		if err != nil {
			return nil, err
		}
		at.Action = &RenameColumn{From: from, To: to}
	case p.acceptKeyword("MODIFY"):
		p.acceptKeyword("COLUMN")
		col, err := p.ident()
		if err != nil {
			return nil, err
		}
		if p.cur.Typ != tIdent && p.cur.Typ != tKeyword {
			return nil, p.errf("expected a type")
		}
		dt, ok := table.ParseDataType(p.cur.Val)
		if !ok {
			return nil, p.errf("unknown type %q", p.cur.Val)
		}
		p.next()
		at.Action = &ModifyColumn{Name: col, Type: dt}
	default:
		return nil, p.errf("expected ADD, DROP, RENAME or MODIFY")
	}
	return at, nil
}

func (p *Parser) parseCompress() (Statement, error) {
	p.next()
	if err := p.expectKeyword("TABLE"); err != nil {
		return nil, err
	}
	tbl, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("USING"); err != nil {
		return nil, err
	}
	codec, err := p.ident()
	if err != nil {
		return nil, err
	}
	return &CompressTable{Table: tbl, Codec: codec}, nil
}

// ─── DML ───────────────────────────────────────────────────────────────────

func (p *Parser) parseInsert() (Statement, error) {
	p.next()
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	tbl, err := p.ident()
	if err != nil {
		return nil, err
	}
	ins := &Insert{Table: tbl}
	if p.curIsSymbol("(") {
		p.next()
		for {
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			ins.Columns = append(ins.Columns, col)
			if p.curIsSymbol(",") {
				p.next()
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	for {
		if err := p.expectSymbol("("); err != nil {
			return nil, err
		}
		var row []Expr
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			row = append(row, e)
			if p.curIsSymbol(",") {
				p.next()
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		ins.Rows = append(ins.Rows, row)
		if p.curIsSymbol(",") {
			p.next()
			continue
		}
		break
	}
	return ins, nil
}

func (p *Parser) parseUpdate() (Statement, error) {
	p.next()
	tbl, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}
	up := &Update{Table: tbl}
	for {
		col, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		up.Set = append(up.Set, Assignment{Column: col, Value: val})
		if p.curIsSymbol(",") {
			p.next()
			continue
		}
		break
	}
	if p.acceptKeyword("WHERE") {
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		up.Where = w
	}
	return up, nil
}

func (p *Parser) parseDelete() (Statement, error) {
	p.next()
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	tbl, err := p.ident()
	if err != nil {
		return nil, err
	}
	del := &Delete{Table: tbl}
	if p.acceptKeyword("WHERE") {
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		del.Where = w
	}
	return del, nil
}

func (p *Parser) parseSelect() (*Select, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	sel := &Select{}
	for {
		if p.curIsSymbol("*") {
			p.next()
			sel.Items = append(sel.Items, SelectItem{Star: true})
		} else {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item := SelectItem{Expr: e}
			if p.acceptKeyword("AS") {
				alias, err := p.ident()
				if err != nil {
					return nil, err
				}
				item.Alias = alias
			} else if p.cur.Typ == tIdent {
				item.Alias = p.cur.Val
				p.next()
			}
			sel.Items = append(sel.Items, item)
		}
		if p.curIsSymbol(",") {
			p.next()
			continue
		}
		break
	}
	if p.acceptKeyword("FROM") {
		tbl, err := p.ident()
		if err != nil {
			return nil, err
		}
		sel.Table = tbl
		if p.cur.Typ == tIdent {
			sel.Alias = p.cur.Val
			p.next()
		}
		for {
			left := false
			switch {
			case p.curIsKeyword("JOIN"), p.curIsKeyword("INNER"):
				p.acceptKeyword("INNER")
				if err := p.expectKeyword("JOIN"); err != nil {
					return nil, err
				}
			case p.curIsKeyword("LEFT"):
				p.next()
				p.acceptKeyword("OUTER")
				if err := p.expectKeyword("JOIN"); err != nil {
					return nil, err
				}
				left = true
			default:
				goto afterJoins
			}
			{
				jt, err := p.ident()
				if err != nil {
					return nil, err
				}
				jc := JoinClause{Left: left, Table: jt}
				if p.cur.Typ == tIdent {
					jc.Alias = p.cur.Val
					p.next()
				}
				if err := p.expectKeyword("ON"); err != nil {
					return nil, err
				}
				on, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				jc.On = on
				sel.Joins = append(sel.Joins, jc)
			}
		}
	}
afterJoins:
	if p.acceptKeyword("WHERE") {
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sel.Where = w
	}
	if p.acceptKeyword("GROUP") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			sel.GroupBy = append(sel.GroupBy, e)
			if p.curIsSymbol(",") {
				p.next()
				continue
			}
			break
		}
	}
	if p.acceptKeyword("HAVING") {
		h, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sel.Having = h
	}
	if p.acceptKeyword("ORDER") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			oi := OrderItem{Expr: e}
			if p.acceptKeyword("DESC") {
				oi.Desc = true
			} else {
				p.acceptKeyword("ASC")
			}
			sel.OrderBy = append(sel.OrderBy, oi)
			if p.curIsSymbol(",") {
				p.next()
				continue
			}
			break
		}
	}
	if p.acceptKeyword("LIMIT") {
		n, err := p.parseInt()
		if err != nil {
			return nil, err
		}
		sel.Limit = &n
	}
	if p.acceptKeyword("OFFSET") {
		n, err := p.parseInt()
		if err != nil {
			return nil, err
		}
		sel.Offset = &n
	}
	return sel, nil
}

func (p *Parser) parseInt() (int64, error) {
	if p.cur.Typ != tNumber {
		return 0, p.errf("expected a number")
	}
	n, err := strconv.ParseInt(p.cur.Val, 10, 64)
	if err != nil {
		return 0, p.errf("bad number %q", p.cur.Val)
	}
	p.next()
	return n, nil
}

// ─── Expressions (precedence climbing) ─────────────────────────────────────

func (p *Parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.curIsKeyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.curIsKeyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.curIsKeyword("NOT") {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "NOT", Expr: inner}, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	// IS [NOT] NULL
	if p.curIsKeyword("IS") {
		p.next()
		negate := p.acceptKeyword("NOT")
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return &IsNull{Expr: left, Negate: negate}, nil
	}
	if p.cur.Typ == tSymbol {
		switch p.cur.Val {
		case "=", "<>", "<", "<=", ">", ">=":
			op := p.cur.Val
			p.next()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return &Binary{Op: op, Left: left, Right: right}, nil
		}
	}
	return left, nil
}

func (p *Parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.curIsSymbol("+") || p.curIsSymbol("-") {
		op := p.cur.Val
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.curIsSymbol("*") || p.curIsSymbol("/") || p.curIsSymbol("%") {
		op := p.cur.Val
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Expr, error) {
	if p.curIsSymbol("-") || p.curIsSymbol("+") {
		op := p.cur.Val
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: op, Expr: inner}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Expr, error) {
	switch {
	case p.cur.Typ == tNumber, p.cur.Typ == tString, p.cur.Typ == tBytes,
		p.curIsKeyword("NULL"), p.curIsKeyword("TRUE"), p.curIsKeyword("FALSE"):
		return p.parseLiteral()
	case p.curIsSymbol("("):
		p.next()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return e, nil
	case p.cur.Typ == tKeyword && isFuncKeyword(p.cur.Val):
		return p.parseFuncCall(strings.ToUpper(p.cur.Val))
	case p.cur.Typ == tIdent:
		name := p.cur.Val
		p.next()
		if p.curIsSymbol("(") {
			return p.parseFuncCallNamed(name)
		}
		if p.curIsSymbol(".") {
			p.next()
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			return &VarRef{Qualifier: name, Name: col}, nil
		}
		return &VarRef{Name: name}, nil
	default:
		return nil, p.errf("expected an expression")
	}
}

func isFuncKeyword(kw string) bool {
	switch kw {
	case "COUNT", "SUM", "AVG", "MIN", "MAX", "NEUROMATCH":
		return true
	}
	return false
}

func (p *Parser) parseFuncCall(name string) (Expr, error) {
	p.next()
	return p.parseFuncCallNamed(name)
}

func (p *Parser) parseFuncCallNamed(name string) (Expr, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	fc := &FuncCall{Name: strings.ToUpper(name)}
	if p.curIsSymbol("*") {
		p.next()
		fc.Star = true
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return fc, nil
	}
	if p.curIsSymbol(")") {
		p.next()
		return fc, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		fc.Args = append(fc.Args, arg)
		if p.curIsSymbol(",") {
			p.next()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return fc, nil
}

func (p *Parser) parseLiteral() (*Literal, error) {
	switch {
	case p.cur.Typ == tNumber:
		raw := p.cur.Val
		p.next()
		if strings.Contains(raw, ".") {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, p.errf("bad number %q", raw)
			}
			return &Literal{Val: table.Float(f)}, nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, p.errf("bad number %q", raw)
		}
		return &Literal{Val: table.Int(n)}, nil
	case p.cur.Typ == tString:
		s := p.cur.Val
		p.next()
		return &Literal{Val: table.Text(s)}, nil
	case p.cur.Typ == tBytes:
		raw, err := hex.DecodeString(p.cur.Val)
		if err != nil {
			return nil, p.errf("bad bytes literal")
		}
		p.next()
		return &Literal{Val: table.Blob(raw)}, nil
	case p.curIsKeyword("NULL"):
		p.next()
		return &Literal{Val: table.Null()}, nil
	case p.curIsKeyword("TRUE"):
		p.next()
		return &Literal{Val: table.Bool(true)}, nil
	case p.curIsKeyword("FALSE"):
		p.next()
		return &Literal{Val: table.Bool(false)}, nil
	default:
		return nil, p.errf("expected a literal")
	}
}
