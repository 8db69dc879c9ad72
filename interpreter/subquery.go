package interpreter

import (
	"context"
	"fmt"

	"github.com/leftmike/fuse/catalog"
	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/expr"
	"github.com/leftmike/fuse/fuse"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/sql"
)

// ColumnValues is the subquery SELECT Column FROM Table WHERE Where.
type ColumnValues struct {
	Catalog *catalog.Catalog
	Table   TableName
	Column  string
	Where   string
}

func (cv *ColumnValues) String() string {
	s := fmt.Sprintf("SELECT %s FROM %s", cv.Column, cv.Table)
	if cv.Where != "" {
		s += fmt.Sprintf(" WHERE %s", cv.Where)
	}
	return s
}

func (cv *ColumnValues) Values(ctx context.Context) ([]sql.Value, error) {
	tbl, err := cv.Catalog.GetTable(ctx, cv.Table.Database, cv.Table.Table)
	if err != nil {
		return nil, err
	}
	ti := tbl.Info()
	if ti.Meta.Engine != meta.FuseEngine {
		return nil, errcode.Unsupportedf("interpreter: %s: can not select from %s table",
			cv.Table, ti.Meta.Engine)
	}
	ft := fuse.NewTable(cv.Catalog.Storage(), ti)

	schema := ft.Schema()
	cdx, ok := schema.Index(cv.Column)
	if !ok {
		return nil, errcode.SchemaMismatchf("interpreter: %s: column %s not found", cv.Table,
			cv.Column)
	}
	var where expr.Expr
	if cv.Where != "" {
		where, err = expr.Parse(cv.Where, schema)
		if err != nil {
			return nil, err
		}
	}

	cols := expr.Columns(where, &expr.Column{Index: cdx})
	blks, err := ft.ReadAll(ctx, cols)
	if err != nil {
		return nil, err
	}

	var vals []sql.Value
	row := make([]sql.Value, schema.Len())
	for _, blk := range blks {
		for r := 0; r < blk.NumRows; r += 1 {
			for idx, col := range cols {
				row[col] = blk.Columns[idx].Value(r)
			}
			if where != nil {
				v, err := where.Eval(expr.Row{Values: row})
				if err != nil {
					return nil, err
				}
				if !expr.IsTrue(v) {
					continue
				}
			}
			vals = append(vals, row[cdx])
		}
	}
	return vals, nil
}
