package expr

import (
	"github.com/leftmike/fuse/sql"
)

// Tri is the result of evaluating a predicate against the statistics of a set of rows.
type Tri int

const (
	Never Tri = iota
	Maybe
	Always
)

func (t Tri) String() string {
	switch t {
	case Never:
		return "never"
	case Maybe:
		return "maybe"
	case Always:
		return "always"
	}
	return ""
}

// ColumnRange summarizes the values of a column over a set of rows. Min and Max are nil
// when every value is NULL.
type ColumnRange struct {
	Min       sql.Value
	Max       sql.Value
	NullCount uint64
}

type RangeFunc func(col int) (ColumnRange, bool)

// EvalRange decides whether e selects none, some, or all of numRows rows using only the
// column ranges. Anything it can not decide is Maybe.
func EvalRange(e Expr, numRows uint64, ranges RangeFunc) Tri {
	if numRows == 0 {
		return Never
	}
	return evalRange(e, numRows, ranges, false)
}

func evalRange(e Expr, numRows uint64, ranges RangeFunc, negate bool) Tri {
	switch e := e.(type) {
	case *Literal:
		if e.Value == nil {
			return Never
		}
		if b, ok := e.Value.(sql.BoolValue); ok {
			if bool(b) != negate {
				return Always
			}
			return Never
		}
	case *Unary:
		if e.Op == NotOp {
			return evalRange(e.Expr, numRows, ranges, !negate)
		}
	case *Binary:
		switch e.Op {
		case AndOp, OrOp:
			t0 := evalRange(e.Left, numRows, ranges, negate)
			t1 := evalRange(e.Right, numRows, ranges, negate)
			// NOT (a AND b) is (NOT a) OR (NOT b).
			if (e.Op == AndOp) != negate {
				return andTri(t0, t1)
			}
			return orTri(t0, t1)
		case EqualOp, NotEqualOp, LessThanOp, LessEqualOp, GreaterThanOp, GreaterEqualOp:
			return compareRange(e, numRows, ranges, negate)
		}
	case *IsNull:
		c, ok := e.Expr.(*Column)
		if !ok {
			return Maybe
		}
		cr, ok := ranges(c.Index)
		if !ok {
			return Maybe
		}
		wantNull := !e.Not != negate
		if cr.NullCount == 0 {
			if wantNull {
				return Never
			}
			return Always
		} else if cr.NullCount == numRows {
			if wantNull {
				return Always
			}
			return Never
		}
	}
	return Maybe
}

func andTri(t0, t1 Tri) Tri {
	if t0 == Never || t1 == Never {
		return Never
	} else if t0 == Always && t1 == Always {
		return Always
	}
	return Maybe
}

func orTri(t0, t1 Tri) Tri {
	if t0 == Always || t1 == Always {
		return Always
	} else if t0 == Never && t1 == Never {
		return Never
	}
	return Maybe
}

var (
	negateOps = map[Op]Op{
		EqualOp:        NotEqualOp,
		NotEqualOp:     EqualOp,
		LessThanOp:     GreaterEqualOp,
		LessEqualOp:    GreaterThanOp,
		GreaterThanOp:  LessEqualOp,
		GreaterEqualOp: LessThanOp,
	}
	swapOps = map[Op]Op{
		EqualOp:        EqualOp,
		NotEqualOp:     NotEqualOp,
		LessThanOp:     GreaterThanOp,
		LessEqualOp:    GreaterEqualOp,
		GreaterThanOp:  LessThanOp,
		GreaterEqualOp: LessEqualOp,
	}
)

func compareRange(b *Binary, numRows uint64, ranges RangeFunc, negate bool) Tri {
	op := b.Op
	c, cok := b.Left.(*Column)
	l, lok := b.Right.(*Literal)
	if !cok || !lok {
		c, cok = b.Right.(*Column)
		l, lok = b.Left.(*Literal)
		if !cok || !lok {
			return Maybe
		}
		op = swapOps[op]
	}
	if negate {
		op = negateOps[op]
	}

	if l.Value == nil {
		return Never
	}
	cr, ok := ranges(c.Index)
	if !ok {
		return Maybe
	}
	if cr.NullCount >= numRows {
		return Never
	}
	if cr.Min == nil || cr.Max == nil {
		return Maybe
	}

	cmpMin, err := cr.Min.Compare(l.Value)
	if err != nil {
		return Maybe
	}
	cmpMax, err := cr.Max.Compare(l.Value)
	if err != nil {
		return Maybe
	}

	var t Tri
	switch op {
	case EqualOp:
		if cmpMin > 0 || cmpMax < 0 {
			t = Never
		} else if cmpMin == 0 && cmpMax == 0 {
			t = Always
		} else {
			t = Maybe
		}
	case NotEqualOp:
		if cmpMin > 0 || cmpMax < 0 {
			t = Always
		} else if cmpMin == 0 && cmpMax == 0 {
			t = Never
		} else {
			t = Maybe
		}
	case LessThanOp:
		t = triOf(cmpMax < 0, cmpMin >= 0)
	case LessEqualOp:
		t = triOf(cmpMax <= 0, cmpMin > 0)
	case GreaterThanOp:
		t = triOf(cmpMin > 0, cmpMax <= 0)
	case GreaterEqualOp:
		t = triOf(cmpMin >= 0, cmpMax < 0)
	}

	// NULL rows never match a comparison.
	if t == Always && cr.NullCount > 0 {
		return Maybe
	}
	return t
}

func triOf(always, never bool) Tri {
	if always {
		return Always
	} else if never {
		return Never
	}
	return Maybe
}
