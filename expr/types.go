package expr

import (
	"github.com/cockroachdb/errors"

	"github.com/leftmike/fuse/sql"
)

func valueType(v sql.Value) (sql.DataType, bool) {
	switch v.(type) {
	case sql.BoolValue:
		return sql.BoolType, true
	case sql.Int64Value:
		return sql.Int64Type, true
	case sql.Float64Value:
		return sql.Float64Type, true
	case sql.StringValue:
		return sql.StringType, true
	case sql.BytesValue:
		return sql.BytesType, true
	case sql.VariantValue:
		return sql.VariantType, true
	}
	return 0, false
}

// TypeOf returns the type of the values of e, which is bound to schema.
func TypeOf(e Expr, schema sql.Schema) (sql.DataType, error) {
	switch e := e.(type) {
	case *Literal:
		if dt, ok := valueType(e.Value); ok {
			return dt, nil
		}
	case *Column:
		if e.Index >= 0 && e.Index < schema.Len() {
			return schema.Fields[e.Index].Type, nil
		}
	case RowID:
		return sql.Int64Type, nil
	case *Unary:
		if e.Op == NotOp {
			return sql.BoolType, nil
		}
		return TypeOf(e.Expr, schema)
	case *Binary:
		switch e.Op {
		case AddOp, SubtractOp, MultiplyOp, DivideOp, ModuloOp:
			dt0, err := TypeOf(e.Left, schema)
			if err != nil {
				return 0, err
			}
			dt1, err := TypeOf(e.Right, schema)
			if err != nil {
				return 0, err
			}
			if dt0 == sql.Float64Type || dt1 == sql.Float64Type {
				return sql.Float64Type, nil
			}
			return sql.Int64Type, nil
		case ConcatOp:
			return sql.StringType, nil
		}
		return sql.BoolType, nil
	case *IsNull, *InList, *RowIDIn, *InSubquery:
		return sql.BoolType, nil
	case *Call:
		switch e.Name {
		case "abs", "coalesce":
			return TypeOf(e.Args[0], schema)
		case "concat", "lower", "upper":
			return sql.StringType, nil
		case "length", "now":
			return sql.Int64Type, nil
		case "rand":
			return sql.Float64Type, nil
		}
	}
	return 0, errors.Errorf("expr: unable to determine the type of %s", e)
}
