// Package expr holds the expressions used by mutation predicates, replacement values and
// computed columns.
package expr

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/cockroachdb/errors"

	"github.com/leftmike/fuse/sql"
)

type Op int

const (
	AddOp Op = iota
	AndOp
	ConcatOp
	DivideOp
	EqualOp
	GreaterEqualOp
	GreaterThanOp
	LessEqualOp
	LessThanOp
	ModuloOp
	MultiplyOp
	NegateOp
	NotEqualOp
	NotOp
	OrOp
	SubtractOp
)

var ops = [...]struct {
	name       string
	precedence int
}{
	AddOp:          {"+", 7},
	AndOp:          {"AND", 2},
	ConcatOp:       {"||", 7},
	DivideOp:       {"/", 8},
	EqualOp:        {"=", 4},
	GreaterEqualOp: {">=", 5},
	GreaterThanOp:  {">", 5},
	LessEqualOp:    {"<=", 5},
	LessThanOp:     {"<", 5},
	ModuloOp:       {"%", 8},
	MultiplyOp:     {"*", 8},
	NegateOp:       {"-", 9},
	NotEqualOp:     {"!=", 4},
	NotOp:          {"NOT", 3},
	OrOp:           {"OR", 1},
	SubtractOp:     {"-", 7},
}

func (op Op) Precedence() int {
	return ops[op].precedence
}

func (op Op) String() string {
	return ops[op].name
}

// RowIDName is the name of the synthetic column holding the row identity.
const RowIDName = "_row_id"

// Row is the input to Eval: the values of a row, indexed by schema offset, and its row
// identity.
type Row struct {
	Values []sql.Value
	RowID  uint64
}

type Expr interface {
	fmt.Stringer
	Eval(row Row) (sql.Value, error)
}

type Literal struct {
	Value sql.Value
}

func (l *Literal) String() string {
	if f, ok := l.Value.(sql.Float64Value); ok {
		s := f.String()
		if !strings.ContainsAny(s, ".eEIN") {
			s += ".0"
		}
		return s
	}
	return sql.Format(l.Value)
}

type Column struct {
	Name  string
	Index int
}

var identRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func formatIdent(s string) string {
	if identRegexp.MatchString(s) && !isKeyword(s) {
		return s
	}
	return strconv.Quote(s)
}

func (c *Column) String() string {
	return formatIdent(c.Name)
}

type RowID struct{}

func (_ RowID) String() string {
	return RowIDName
}

type Unary struct {
	Op   Op
	Expr Expr
}

func (u *Unary) String() string {
	return fmt.Sprintf("(%s %s)", ops[u.Op].name, u.Expr)
}

type Binary struct {
	Op    Op
	Left  Expr
	Right Expr
}

func (b *Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, ops[b.Op].name, b.Right)
}

type IsNull struct {
	Expr Expr
	Not  bool
}

func (in *IsNull) String() string {
	if in.Not {
		return fmt.Sprintf("(%s IS NOT NULL)", in.Expr)
	}
	return fmt.Sprintf("(%s IS NULL)", in.Expr)
}

type InList struct {
	Expr Expr
	List []Expr
}

func (il *InList) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "(%s IN (", il.Expr)
	for idx, e := range il.List {
		if idx > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.String())
	}
	b.WriteString("))")
	return b.String()
}

// RowIDIn matches the rows whose identity is in the set.
type RowIDIn struct {
	RowIDs *roaring64.Bitmap
}

func (ri *RowIDIn) String() string {
	var b strings.Builder
	b.WriteString("(" + RowIDName + " IN (")
	it := ri.RowIDs.Iterator()
	first := true
	for it.HasNext() {
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(strconv.FormatUint(it.Next(), 10))
	}
	b.WriteString("))")
	return b.String()
}

type Call struct {
	Name string
	Args []Expr
	fn   *callFunc
}

func (c *Call) String() string {
	s := fmt.Sprintf("%s(", c.Name)
	for i, a := range c.Args {
		if i > 0 {
			s += ", "
		}
		s += a.String()
	}
	s += ")"
	return s
}

// Subquery is the uncorrelated query of an IN predicate; it is run once to produce its
// values.
type Subquery interface {
	fmt.Stringer
	Values(ctx context.Context) ([]sql.Value, error)
}

type InSubquery struct {
	Expr     Expr
	Subquery Subquery
	values   []sql.Value
	done     bool
}

func (is *InSubquery) String() string {
	return fmt.Sprintf("(%s IN (%s))", is.Expr, is.Subquery)
}

// Materialize runs the subquery; it must be called before Eval.
func (is *InSubquery) Materialize(ctx context.Context) error {
	if is.done {
		return nil
	}
	vals, err := is.Subquery.Values(ctx)
	if err != nil {
		return err
	}
	is.values = vals
	is.done = true
	return nil
}

// Inline returns e with each materialized subquery replaced by the list of its values, so
// that the result can be shipped as text and evaluated again later.
func Inline(e Expr) (Expr, error) {
	var err error
	inline := func(e Expr) Expr {
		if err != nil {
			return e
		}
		var ie Expr
		ie, err = Inline(e)
		return ie
	}

	var ie Expr
	switch e := e.(type) {
	case *Unary:
		ie = &Unary{Op: e.Op, Expr: inline(e.Expr)}
	case *Binary:
		ie = &Binary{Op: e.Op, Left: inline(e.Left), Right: inline(e.Right)}
	case *IsNull:
		ie = &IsNull{Expr: inline(e.Expr), Not: e.Not}
	case *InList:
		il := &InList{Expr: inline(e.Expr), List: make([]Expr, len(e.List))}
		for idx := range e.List {
			il.List[idx] = inline(e.List[idx])
		}
		ie = il
	case *Call:
		c := &Call{Name: e.Name, Args: make([]Expr, len(e.Args)), fn: e.fn}
		for idx := range e.Args {
			c.Args[idx] = inline(e.Args[idx])
		}
		ie = c
	case *InSubquery:
		if !e.done {
			return nil, errors.AssertionFailedf("expr: subquery %s not materialized",
				e.Subquery)
		}
		ee := inline(e.Expr)
		if len(e.values) == 0 {
			// x IN (): NULL when x is NULL, otherwise false.
			ie = &Binary{Op: AndOp, Left: &IsNull{Expr: ee}, Right: &Literal{}}
		} else {
			il := &InList{Expr: ee, List: make([]Expr, len(e.values))}
			for idx, v := range e.values {
				il.List[idx] = &Literal{Value: v}
			}
			ie = il
		}
	default:
		ie = e
	}
	if err != nil {
		return nil, err
	}
	return ie, nil
}

// Walk calls fn for e and each of its descendants, stopping a branch when fn returns false.
func Walk(e Expr, fn func(e Expr) bool) {
	if !fn(e) {
		return
	}
	switch e := e.(type) {
	case *Unary:
		Walk(e.Expr, fn)
	case *Binary:
		Walk(e.Left, fn)
		Walk(e.Right, fn)
	case *IsNull:
		Walk(e.Expr, fn)
	case *InList:
		Walk(e.Expr, fn)
		for _, a := range e.List {
			Walk(a, fn)
		}
	case *Call:
		for _, a := range e.Args {
			Walk(a, fn)
		}
	case *InSubquery:
		Walk(e.Expr, fn)
	}
}

// Columns returns the sorted offsets of the columns referenced by es.
func Columns(es ...Expr) []int {
	m := map[int]struct{}{}
	for _, e := range es {
		if e == nil {
			continue
		}
		Walk(e,
			func(e Expr) bool {
				if c, ok := e.(*Column); ok {
					m[c.Index] = struct{}{}
				}
				return true
			})
	}

	cols := make([]int, 0, len(m))
	for idx := range m {
		cols = append(cols, idx)
	}
	sort.Ints(cols)
	return cols
}

func UsesRowID(e Expr) bool {
	var found bool
	Walk(e,
		func(e Expr) bool {
			switch e.(type) {
			case RowID, *RowIDIn:
				found = true
			}
			return !found
		})
	return found
}

func Subqueries(e Expr) []*InSubquery {
	var sqs []*InSubquery
	Walk(e,
		func(e Expr) bool {
			if is, ok := e.(*InSubquery); ok {
				sqs = append(sqs, is)
			}
			return true
		})
	return sqs
}

// Deterministic returns false if e calls a function whose result may differ between calls
// with the same arguments.
func Deterministic(e Expr) bool {
	det := true
	Walk(e,
		func(e Expr) bool {
			if c, ok := e.(*Call); ok && !c.fn.deterministic {
				det = false
			}
			return det
		})
	return det
}

// Constant returns true if e does not depend on the row.
func Constant(e Expr) bool {
	cnst := true
	Walk(e,
		func(e Expr) bool {
			switch e := e.(type) {
			case *Column, RowID, *RowIDIn, *InSubquery:
				cnst = false
			case *Call:
				if !e.fn.deterministic {
					cnst = false
				}
			}
			return cnst
		})
	return cnst
}
