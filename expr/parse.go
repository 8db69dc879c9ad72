package expr

import (
	"encoding/hex"
	"strconv"
	"strings"
	"text/scanner"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/cockroachdb/errors"

	"github.com/leftmike/fuse/sql"
)

var keywords = map[string]struct{}{
	"AND":   {},
	"FALSE": {},
	"IN":    {},
	"IS":    {},
	"NOT":   {},
	"NULL":  {},
	"OR":    {},
	"TRUE":  {},
}

func isKeyword(s string) bool {
	_, ok := keywords[strings.ToUpper(s)]
	return ok
}

type parser struct {
	scan   scanner.Scanner
	schema sql.Schema
	tok    rune
	text   string
	err    error
}

// Parse parses s and binds its column references to schema. The String of every Expr
// parses back to the same Expr.
func Parse(s string, schema sql.Schema) (e Expr, err error) {
	p := &parser{schema: schema}
	p.scan.Init(strings.NewReader(s))
	p.scan.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanFloats |
		scanner.ScanStrings
	p.scan.Error = func(s *scanner.Scanner, msg string) {
		if p.err == nil {
			p.err = errors.Errorf("expr: %s: %s", s.Position, msg)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(parseError); ok {
				e = nil
				err = perr.err
				return
			}
			panic(r)
		}
	}()

	p.next()
	e = p.parseExpr(0)
	if p.tok != scanner.EOF {
		p.fail("unexpected %s", p.text)
	}
	if p.err != nil {
		return nil, p.err
	}
	return e, nil
}

func MustParse(s string, schema sql.Schema) Expr {
	e, err := Parse(s, schema)
	if err != nil {
		panic(err.Error())
	}
	return e
}

type parseError struct {
	err error
}

func (p *parser) fail(format string, args ...interface{}) {
	panic(parseError{errors.Errorf("expr: "+format, args...)})
}

func (p *parser) next() {
	p.tok = p.scan.Scan()
	p.text = p.scan.TokenText()
	if p.err != nil {
		panic(parseError{p.err})
	}
}

func (p *parser) keyword(kw string) bool {
	return p.tok == scanner.Ident && strings.EqualFold(p.text, kw)
}

func (p *parser) expect(r rune) {
	if p.tok != r {
		p.fail("expected %q got %s", r, p.text)
	}
	p.next()
}

// binaryOp returns the operator at the current token, consuming any second rune of a two
// rune operator.
func (p *parser) binaryOp() (Op, bool) {
	switch p.tok {
	case '+':
		return AddOp, true
	case '-':
		return SubtractOp, true
	case '*':
		return MultiplyOp, true
	case '/':
		return DivideOp, true
	case '%':
		return ModuloOp, true
	case '=':
		return EqualOp, true
	case '|':
		if p.scan.Peek() == '|' {
			return ConcatOp, true
		}
	case '!':
		if p.scan.Peek() == '=' {
			return NotEqualOp, true
		}
	case '<':
		switch p.scan.Peek() {
		case '=':
			return LessEqualOp, true
		case '>':
			return NotEqualOp, true
		}
		return LessThanOp, true
	case '>':
		if p.scan.Peek() == '=' {
			return GreaterEqualOp, true
		}
		return GreaterThanOp, true
	case scanner.Ident:
		if p.keyword("AND") {
			return AndOp, true
		} else if p.keyword("OR") {
			return OrOp, true
		}
	}
	return 0, false
}

func (p *parser) consumeOp(op Op) {
	switch op {
	case ConcatOp, NotEqualOp, LessEqualOp, GreaterEqualOp:
		p.scan.Next()
	case EqualOp:
		if p.scan.Peek() == '=' {
			p.scan.Next()
		}
	}
	p.next()
}

func (p *parser) parseExpr(prec int) Expr {
	e := p.parseUnary()
	for {
		if p.keyword("IS") {
			if ops[EqualOp].precedence <= prec {
				return e
			}
			p.next()
			not := false
			if p.keyword("NOT") {
				not = true
				p.next()
			}
			if !p.keyword("NULL") {
				p.fail("expected NULL got %s", p.text)
			}
			p.next()
			e = &IsNull{Expr: e, Not: not}
			continue
		} else if p.keyword("IN") {
			if ops[EqualOp].precedence <= prec {
				return e
			}
			p.next()
			e = p.parseIn(e)
			continue
		}

		op, ok := p.binaryOp()
		if !ok || ops[op].precedence <= prec {
			return e
		}
		p.consumeOp(op)
		e = &Binary{Op: op, Left: e, Right: p.parseExpr(ops[op].precedence)}
	}
}

func (p *parser) parseIn(e Expr) Expr {
	p.expect('(')
	var list []Expr
	for {
		list = append(list, p.parseExpr(0))
		if p.tok == ')' {
			break
		}
		p.expect(',')
	}
	p.next()

	if _, ok := e.(RowID); ok {
		ids := roaring64.New()
		for _, a := range list {
			l, ok := a.(*Literal)
			if !ok {
				return &InList{Expr: e, List: list}
			}
			i, ok := l.Value.(sql.Int64Value)
			if !ok {
				return &InList{Expr: e, List: list}
			}
			ids.Add(uint64(i))
		}
		return &RowIDIn{RowIDs: ids}
	}
	return &InList{Expr: e, List: list}
}

func (p *parser) parseUnary() Expr {
	if p.tok == '-' {
		p.next()
		e := p.parseUnary()
		if l, ok := e.(*Literal); ok {
			switch v := l.Value.(type) {
			case sql.Int64Value:
				return &Literal{-v}
			case sql.Float64Value:
				return &Literal{-v}
			}
		}
		return &Unary{Op: NegateOp, Expr: e}
	} else if p.keyword("NOT") {
		p.next()
		return &Unary{Op: NotOp, Expr: p.parseExpr(ops[NotOp].precedence)}
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() Expr {
	switch p.tok {
	case scanner.Int:
		i, err := strconv.ParseInt(p.text, 10, 64)
		if err != nil {
			p.fail("bad integer %s: %s", p.text, err)
		}
		p.next()
		return &Literal{sql.Int64Value(i)}
	case scanner.Float:
		f, err := strconv.ParseFloat(p.text, 64)
		if err != nil {
			p.fail("bad float %s: %s", p.text, err)
		}
		p.next()
		return &Literal{sql.Float64Value(f)}
	case '\'':
		return p.parseString()
	case scanner.String:
		name, err := strconv.Unquote(p.text)
		if err != nil {
			p.fail("bad identifier %s: %s", p.text, err)
		}
		p.next()
		return p.parseRef(name)
	case '(':
		p.next()
		e := p.parseExpr(0)
		p.expect(')')
		return e
	case scanner.Ident:
		switch strings.ToUpper(p.text) {
		case "NULL":
			p.next()
			return &Literal{nil}
		case "TRUE":
			p.next()
			return &Literal{sql.BoolValue(true)}
		case "FALSE":
			p.next()
			return &Literal{sql.BoolValue(false)}
		}

		name := p.text
		p.next()
		if p.tok == '(' {
			return p.parseCall(name)
		}
		return p.parseRef(name)
	}
	p.fail("unexpected %s", p.text)
	return nil
}

func (p *parser) parseRef(name string) Expr {
	if name == RowIDName {
		return RowID{}
	}
	idx, ok := p.schema.Index(name)
	if !ok {
		p.fail("column %s not found", name)
	}
	return &Column{Name: p.schema.Fields[idx].Name, Index: idx}
}

func (p *parser) parseCall(name string) Expr {
	p.next()
	var args []Expr
	if p.tok != ')' {
		for {
			args = append(args, p.parseExpr(0))
			if p.tok == ')' {
				break
			}
			p.expect(',')
		}
	}
	p.next()

	c, err := NewCall(name, args)
	if err != nil {
		panic(parseError{err})
	}
	return c
}

// parseString reads a single quoted string directly from the scanner; a doubled quote is
// a quote. '\x...' is a bytes literal and '...'::VARIANT is a variant literal.
func (p *parser) parseString() Expr {
	var b strings.Builder
	for {
		ch := p.scan.Next()
		if ch == scanner.EOF {
			p.fail("unterminated string")
		} else if ch == '\'' {
			if p.scan.Peek() != '\'' {
				break
			}
			p.scan.Next()
		}
		b.WriteRune(ch)
	}
	p.next()
	s := b.String()

	if p.tok == ':' {
		p.next()
		p.expect(':')
		if !p.keyword("VARIANT") {
			p.fail("expected VARIANT got %s", p.text)
		}
		p.next()
		vv, err := sql.ParseVariant(s)
		if err != nil {
			panic(parseError{err})
		}
		return &Literal{vv}
	}

	if strings.HasPrefix(s, "\\x") {
		buf, err := hex.DecodeString(s[2:])
		if err == nil {
			return &Literal{sql.BytesValue(buf)}
		}
	}
	return &Literal{sql.StringValue(s)}
}
