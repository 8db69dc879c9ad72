package expr

import (
	"encoding/json"

	"github.com/leftmike/fuse/sql"
)

// Filters is a predicate pushed down to storage. InverseFilter selects the rows that the
// filter does not select, including the rows where the filter is NULL.
type Filters struct {
	Filter        Expr
	InverseFilter Expr
}

// PushDownFilters folds the constant parts of e and builds its inverse.
func PushDownFilters(e Expr) *Filters {
	f := Fold(e)
	return &Filters{
		Filter: f,
		InverseFilter: Fold(&Binary{
			Op:    OrOp,
			Left:  &Unary{Op: NotOp, Expr: f},
			Right: &IsNull{Expr: f},
		}),
	}
}

// ConstantValue returns the value of e if it is a literal.
func ConstantValue(e Expr) (sql.Value, bool) {
	if l, ok := e.(*Literal); ok {
		return l.Value, true
	}
	return nil, false
}

func isBoolLiteral(e Expr, b bool) bool {
	v, ok := ConstantValue(e)
	return ok && v == sql.BoolValue(b)
}

// Fold replaces constant subexpressions with literals and simplifies AND and OR with
// constant operands. Subexpressions that fail to evaluate are left alone so that the error
// is reported when rows are evaluated.
func Fold(e Expr) Expr {
	switch e := e.(type) {
	case *Unary:
		e = &Unary{Op: e.Op, Expr: Fold(e.Expr)}
		if _, ok := e.Expr.(*Literal); ok {
			return foldConstant(e)
		}
		return e
	case *Binary:
		b := &Binary{Op: e.Op, Left: Fold(e.Left), Right: Fold(e.Right)}
		switch b.Op {
		case AndOp:
			if isBoolLiteral(b.Left, false) || isBoolLiteral(b.Right, false) {
				return &Literal{sql.BoolValue(false)}
			} else if isBoolLiteral(b.Left, true) {
				return b.Right
			} else if isBoolLiteral(b.Right, true) {
				return b.Left
			}
		case OrOp:
			if isBoolLiteral(b.Left, true) || isBoolLiteral(b.Right, true) {
				return &Literal{sql.BoolValue(true)}
			} else if isBoolLiteral(b.Left, false) {
				return b.Right
			} else if isBoolLiteral(b.Right, false) {
				return b.Left
			}
		}
		_, lok := b.Left.(*Literal)
		_, rok := b.Right.(*Literal)
		if lok && rok {
			return foldConstant(b)
		}
		return b
	case *IsNull:
		in := &IsNull{Expr: Fold(e.Expr), Not: e.Not}
		if _, ok := in.Expr.(*Literal); ok {
			return foldConstant(in)
		}
		return in
	case *InList:
		il := &InList{Expr: Fold(e.Expr), List: make([]Expr, len(e.List))}
		for idx := range e.List {
			il.List[idx] = Fold(e.List[idx])
		}
		if Constant(il) {
			return foldConstant(il)
		}
		return il
	case *Call:
		c := &Call{Name: e.Name, Args: make([]Expr, len(e.Args)), fn: e.fn}
		for idx := range e.Args {
			c.Args[idx] = Fold(e.Args[idx])
		}
		if Constant(c) {
			return foldConstant(c)
		}
		return c
	}
	return e
}

func foldConstant(e Expr) Expr {
	v, err := e.Eval(Row{})
	if err != nil {
		return e
	}
	return &Literal{v}
}

// Remote is an expression in a form that can be shipped with a plan: its text. It must be
// bound again to the schema of the table on arrival.
type Remote struct {
	Text string
}

func ToRemote(e Expr) *Remote {
	if e == nil {
		return nil
	}
	return &Remote{Text: e.String()}
}

func (r *Remote) Bind(schema sql.Schema) (Expr, error) {
	if r == nil {
		return nil, nil
	}
	return Parse(r.Text, schema)
}

func (r *Remote) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Text)
}

func (r *Remote) UnmarshalJSON(buf []byte) error {
	return json.Unmarshal(buf, &r.Text)
}
