package expr

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"github.com/leftmike/fuse/sql"
)

type callFunc struct {
	fn            func(args []sql.Value) (sql.Value, error)
	minArgs       int16
	maxArgs       int16
	handleNull    bool
	deterministic bool
}

var funcs = map[string]*callFunc{
	"abs":      {fn: absCall, minArgs: 1, maxArgs: 1, deterministic: true},
	"coalesce": {fn: coalesceCall, minArgs: 1, maxArgs: math.MaxInt16, handleNull: true,
		deterministic: true},
	"concat": {fn: concatCall, minArgs: 1, maxArgs: math.MaxInt16, handleNull: true,
		deterministic: true},
	"length": {fn: lengthCall, minArgs: 1, maxArgs: 1, deterministic: true},
	"lower":  {fn: lowerCall, minArgs: 1, maxArgs: 1, deterministic: true},
	"upper":  {fn: upperCall, minArgs: 1, maxArgs: 1, deterministic: true},
	"now":    {fn: nowCall, minArgs: 0, maxArgs: 0},
	"rand":   {fn: randCall, minArgs: 0, maxArgs: 0},
}

func NewCall(name string, args []Expr) (*Call, error) {
	name = strings.ToLower(name)
	cf, ok := funcs[name]
	if !ok {
		return nil, errors.Errorf("expr: function \"%s\" not found", name)
	}
	if len(args) < int(cf.minArgs) {
		return nil, errors.Errorf("expr: function \"%s\": minimum %d arguments got %d",
			name, cf.minArgs, len(args))
	}
	if len(args) > int(cf.maxArgs) {
		return nil, errors.Errorf("expr: function \"%s\": maximum %d arguments got %d",
			name, cf.maxArgs, len(args))
	}
	return &Call{
		Name: name,
		Args: args,
		fn:   cf,
	}, nil
}

func (l *Literal) Eval(row Row) (sql.Value, error) {
	return l.Value, nil
}

func (c *Column) Eval(row Row) (sql.Value, error) {
	if c.Index < 0 || c.Index >= len(row.Values) {
		return nil, errors.Errorf("expr: column %s: index %d out of range", c.Name, c.Index)
	}
	return row.Values[c.Index], nil
}

func (_ RowID) Eval(row Row) (sql.Value, error) {
	return sql.Int64Value(row.RowID), nil
}

func (u *Unary) Eval(row Row) (sql.Value, error) {
	v, err := u.Expr.Eval(row)
	if err != nil || v == nil {
		return nil, err
	}

	switch u.Op {
	case NegateOp:
		switch v := v.(type) {
		case sql.Float64Value:
			return -v, nil
		case sql.Int64Value:
			return -v, nil
		}
		return nil, errors.Errorf("expr: want number got %v", v)
	case NotOp:
		if b, ok := v.(sql.BoolValue); ok {
			return !b, nil
		}
		return nil, errors.Errorf("expr: want boolean got %v", v)
	}
	panic("unexpected unary op")
}

func evalBool(e Expr, row Row) (sql.Value, error) {
	v, err := e.Eval(row)
	if err != nil || v == nil {
		return nil, err
	}
	if _, ok := v.(sql.BoolValue); !ok {
		return nil, errors.Errorf("expr: want boolean got %v", v)
	}
	return v, nil
}

func (b *Binary) Eval(row Row) (sql.Value, error) {
	if b.Op == AndOp || b.Op == OrOp {
		return b.evalLogical(row)
	}

	v0, err := b.Left.Eval(row)
	if err != nil || v0 == nil {
		return nil, err
	}
	v1, err := b.Right.Eval(row)
	if err != nil || v1 == nil {
		return nil, err
	}

	switch b.Op {
	case AddOp:
		return numFunc(v0, v1,
			func(i0, i1 sql.Int64Value) (sql.Value, error) {
				return i0 + i1, nil
			},
			func(f0, f1 sql.Float64Value) sql.Value {
				return f0 + f1
			})
	case SubtractOp:
		return numFunc(v0, v1,
			func(i0, i1 sql.Int64Value) (sql.Value, error) {
				return i0 - i1, nil
			},
			func(f0, f1 sql.Float64Value) sql.Value {
				return f0 - f1
			})
	case MultiplyOp:
		return numFunc(v0, v1,
			func(i0, i1 sql.Int64Value) (sql.Value, error) {
				return i0 * i1, nil
			},
			func(f0, f1 sql.Float64Value) sql.Value {
				return f0 * f1
			})
	case DivideOp:
		return numFunc(v0, v1,
			func(i0, i1 sql.Int64Value) (sql.Value, error) {
				if i1 == 0 {
					return nil, errors.New("expr: division by zero")
				}
				return i0 / i1, nil
			},
			func(f0, f1 sql.Float64Value) sql.Value {
				return f0 / f1
			})
	case ModuloOp:
		if i0, ok := v0.(sql.Int64Value); ok {
			if i1, ok := v1.(sql.Int64Value); ok {
				if i1 == 0 {
					return nil, errors.New("expr: division by zero")
				}
				return i0 % i1, nil
			}
			return nil, errors.Errorf("expr: want integer got %v", v1)
		}
		return nil, errors.Errorf("expr: want integer got %v", v0)
	case ConcatOp:
		return concatCall([]sql.Value{v0, v1})
	}

	cmp, err := v0.Compare(v1)
	if err != nil {
		return nil, err
	}
	switch b.Op {
	case EqualOp:
		return sql.BoolValue(cmp == 0), nil
	case NotEqualOp:
		return sql.BoolValue(cmp != 0), nil
	case LessThanOp:
		return sql.BoolValue(cmp < 0), nil
	case LessEqualOp:
		return sql.BoolValue(cmp <= 0), nil
	case GreaterThanOp:
		return sql.BoolValue(cmp > 0), nil
	case GreaterEqualOp:
		return sql.BoolValue(cmp >= 0), nil
	}
	panic("unexpected binary op")
}

// Three valued logic: false AND NULL is false and true OR NULL is true.
func (b *Binary) evalLogical(row Row) (sql.Value, error) {
	v0, err := evalBool(b.Left, row)
	if err != nil {
		return nil, err
	}
	if b.Op == AndOp && v0 == sql.BoolValue(false) {
		return v0, nil
	} else if b.Op == OrOp && v0 == sql.BoolValue(true) {
		return v0, nil
	}

	v1, err := evalBool(b.Right, row)
	if err != nil {
		return nil, err
	}
	if v1 == nil {
		return nil, nil
	} else if v0 == nil {
		if b.Op == AndOp && v1 == sql.BoolValue(false) {
			return v1, nil
		} else if b.Op == OrOp && v1 == sql.BoolValue(true) {
			return v1, nil
		}
		return nil, nil
	}
	return v1, nil
}

func (in *IsNull) Eval(row Row) (sql.Value, error) {
	v, err := in.Expr.Eval(row)
	if err != nil {
		return nil, err
	}
	return sql.BoolValue((v == nil) != in.Not), nil
}

func inValues(v sql.Value, vals []sql.Value) sql.Value {
	var sawNull bool
	for _, val := range vals {
		if val == nil {
			sawNull = true
			continue
		}
		if sql.Compare(v, val) == 0 {
			return sql.BoolValue(true)
		}
	}
	if sawNull {
		return nil
	}
	return sql.BoolValue(false)
}

func (il *InList) Eval(row Row) (sql.Value, error) {
	v, err := il.Expr.Eval(row)
	if err != nil || v == nil {
		return nil, err
	}
	vals := make([]sql.Value, len(il.List))
	for idx, e := range il.List {
		vals[idx], err = e.Eval(row)
		if err != nil {
			return nil, err
		}
	}
	return inValues(v, vals), nil
}

func (ri *RowIDIn) Eval(row Row) (sql.Value, error) {
	return sql.BoolValue(ri.RowIDs.Contains(row.RowID)), nil
}

func (is *InSubquery) Eval(row Row) (sql.Value, error) {
	if !is.done {
		return nil, errors.AssertionFailedf("expr: subquery %s not materialized", is.Subquery)
	}
	v, err := is.Expr.Eval(row)
	if err != nil || v == nil {
		return nil, err
	}
	return inValues(v, is.values), nil
}

func (c *Call) Eval(row Row) (sql.Value, error) {
	args := make([]sql.Value, len(c.Args))
	for i, a := range c.Args {
		var err error
		args[i], err = a.Eval(row)
		if err != nil {
			return nil, err
		} else if args[i] == nil && !c.fn.handleNull {
			return nil, nil
		}
	}
	return c.fn.fn(args)
}

func numFunc(a0 sql.Value, a1 sql.Value, ifn func(i0, i1 sql.Int64Value) (sql.Value, error),
	ffn func(f0, f1 sql.Float64Value) sql.Value) (sql.Value, error) {

	switch a0 := a0.(type) {
	case sql.Float64Value:
		switch a1 := a1.(type) {
		case sql.Float64Value:
			return ffn(a0, a1), nil
		case sql.Int64Value:
			return ffn(a0, sql.Float64Value(a1)), nil
		}
	case sql.Int64Value:
		switch a1 := a1.(type) {
		case sql.Float64Value:
			return ffn(sql.Float64Value(a0), a1), nil
		case sql.Int64Value:
			return ifn(a0, a1)
		}
	default:
		return nil, errors.Errorf("expr: want number got %v", a0)
	}
	return nil, errors.Errorf("expr: want number got %v", a1)
}

func absCall(args []sql.Value) (sql.Value, error) {
	switch a0 := args[0].(type) {
	case sql.Float64Value:
		if a0 < 0 {
			return -a0, nil
		}
		return a0, nil
	case sql.Int64Value:
		if a0 < 0 {
			return -a0, nil
		}
		return a0, nil
	}
	return nil, errors.Errorf("expr: want number got %v", args[0])
}

func coalesceCall(args []sql.Value) (sql.Value, error) {
	for _, a := range args {
		if a != nil {
			return a, nil
		}
	}
	return nil, nil
}

func concatCall(args []sql.Value) (sql.Value, error) {
	var b strings.Builder
	for _, a := range args {
		switch v := a.(type) {
		case nil:
		case sql.StringValue:
			b.WriteString(string(v))
		case sql.BytesValue:
			b.Write(v)
		case sql.VariantValue:
			b.WriteString(v.JSON())
		default:
			b.WriteString(v.String())
		}
	}
	return sql.StringValue(b.String()), nil
}

func lengthCall(args []sql.Value) (sql.Value, error) {
	switch a0 := args[0].(type) {
	case sql.StringValue:
		return sql.Int64Value(utf8.RuneCountInString(string(a0))), nil
	case sql.BytesValue:
		return sql.Int64Value(len(a0)), nil
	}
	return nil, errors.Errorf("expr: want string got %v", args[0])
}

func lowerCall(args []sql.Value) (sql.Value, error) {
	if s, ok := args[0].(sql.StringValue); ok {
		return sql.StringValue(strings.ToLower(string(s))), nil
	}
	return nil, errors.Errorf("expr: want string got %v", args[0])
}

func upperCall(args []sql.Value) (sql.Value, error) {
	if s, ok := args[0].(sql.StringValue); ok {
		return sql.StringValue(strings.ToUpper(string(s))), nil
	}
	return nil, errors.Errorf("expr: want string got %v", args[0])
}

func nowCall(args []sql.Value) (sql.Value, error) {
	return sql.Int64Value(time.Now().UnixNano()), nil
}

var (
	randMutex sync.Mutex
	randSrc   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randCall(args []sql.Value) (sql.Value, error) {
	randMutex.Lock()
	defer randMutex.Unlock()
	return sql.Float64Value(randSrc.Float64()), nil
}

// IsTrue returns true if v is boolean true; NULL is not true.
func IsTrue(v sql.Value) bool {
	b, ok := v.(sql.BoolValue)
	return ok && bool(b)
}
