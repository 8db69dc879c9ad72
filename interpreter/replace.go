package interpreter

import (
	"context"
	"fmt"
	"strings"

	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/expr"
	"github.com/leftmike/fuse/fuse"
	"github.com/leftmike/fuse/plan"
	"github.com/leftmike/fuse/sql"
)

// Replace removes the rows of the table with the same OnConflict columns as one of Rows,
// and then adds Rows. Rows where DeleteWhen is true are not added.
type Replace struct {
	Table      TableName
	OnConflict []string
	DeleteWhen string
	Rows       [][]sql.Value
}

func (stmt *Replace) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "REPLACE INTO %s ON (%s)", stmt.Table, strings.Join(stmt.OnConflict, ", "))
	if stmt.DeleteWhen != "" {
		fmt.Fprintf(&b, " DELETE WHEN %s", stmt.DeleteWhen)
	}
	b.WriteString(" VALUES ")
	for rdx, row := range stmt.Rows {
		if rdx > 0 {
			b.WriteString(", ")
		}
		b.WriteRune('(')
		for idx, v := range row {
			if idx > 0 {
				b.WriteString(", ")
			}
			b.WriteString(sql.Format(v))
		}
		b.WriteRune(')')
	}
	return b.String()
}

func (stmt *Replace) Build(ctx context.Context, env *Env) (*BuildResult, error) {
	_, ft, br, err := mutableTable(ctx, env, stmt.Table)
	if err != nil {
		return nil, err
	}
	err = stmt.plan(ctx, env, ft, br)
	if err != nil {
		br.Close()
		return nil, err
	}
	return br, nil
}

func (stmt *Replace) plan(ctx context.Context, env *Env, ft *fuse.Table,
	br *BuildResult) error {

	schema := ft.Schema()
	var onConflict []int
	for _, col := range stmt.OnConflict {
		cdx, ok := schema.Index(col)
		if !ok {
			return errcode.SchemaMismatchf("interpreter: %s: column %s not found", stmt.Table,
				col)
		}
		onConflict = append(onConflict, cdx)
	}

	var deleteWhen *expr.Remote
	if stmt.DeleteWhen != "" {
		e, err := expr.Parse(stmt.DeleteWhen, schema)
		if err != nil {
			return err
		}
		deleteWhen = expr.ToRemote(e)
	}

	if len(stmt.Rows) == 0 {
		br.Plan = &plan.EmptySource{}
		return nil
	}
	rows := make([][]sql.ValueJSON, len(stmt.Rows))
	for idx, row := range stmt.Rows {
		if len(row) != schema.Len() {
			return errcode.SchemaMismatchf("interpreter: %s: got %d values want %d",
				stmt.Table, len(row), schema.Len())
		}
		rows[idx] = sql.ValuesToJSON(row)
	}

	ss, err := ft.ReadSnapshot(ctx)
	if err != nil {
		return err
	}
	return br.build(ctx, env, &plan.CommitSink{
		Input: plan.Input{
			PhysicalPlan: &plan.ReplaceDeduplicate{
				Table:      ft.Info(),
				Snapshot:   ss,
				OnConflict: onConflict,
				DeleteWhen: deleteWhen,
				Rows:       rows,
			},
		},
		Table:        ft.Info(),
		Snapshot:     ss,
		MutationKind: fuse.Replace,
	})
}
