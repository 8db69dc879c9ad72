package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leftmike/fuse/catalog"
	"github.com/leftmike/fuse/expr"
	"github.com/leftmike/fuse/interpreter"
	"github.com/leftmike/fuse/plan"
	"github.com/leftmike/fuse/sql"
)

var (
	explain = false

	where      = ""
	setArgs    = []string{}
	valuesArgs = []string{}
	onConflict = []string{}
	deleteWhen = ""
	final      = false
)

func init() {
	updateCmd := &cobra.Command{
		Use:   "update table",
		Short: "Update rows of a table",
		Args:  cobra.ExactArgs(1),
		RunE:  updateRun,
	}
	fs := updateCmd.Flags()
	fs.StringArrayVar(&setArgs, "set", setArgs,
		"`column=expression` to update; multiple allowed")
	fs.StringVar(&where, "where", where, "`predicate` selecting the rows to update")
	fs.BoolVar(&explain, "explain", explain, "print the plan instead of running it")

	deleteCmd := &cobra.Command{
		Use:   "delete table",
		Short: "Delete rows of a table",
		Args:  cobra.ExactArgs(1),
		RunE:  deleteRun,
	}
	fs = deleteCmd.Flags()
	fs.StringVar(&where, "where", where, "`predicate` selecting the rows to delete")
	fs.BoolVar(&explain, "explain", explain, "print the plan instead of running it")

	reclusterCmd := &cobra.Command{
		Use:   "recluster table",
		Short: "Sort overlapping blocks of a table by its cluster key",
		Args:  cobra.ExactArgs(1),
		RunE:  reclusterRun,
	}
	fs = reclusterCmd.Flags()
	fs.BoolVar(&final, "final", final, "recluster until no blocks overlap")
	fs.BoolVar(&explain, "explain", explain, "print the plan instead of running it")

	replaceCmd := &cobra.Command{
		Use:   "replace table",
		Short: "Replace rows of a table with the same key",
		Args:  cobra.ExactArgs(1),
		RunE:  replaceRun,
	}
	fs = replaceCmd.Flags()
	fs.StringSliceVar(&onConflict, "on", onConflict, "`columns` which identify a row")
	fs.StringVar(&deleteWhen, "delete-when", deleteWhen,
		"`predicate` selecting incoming rows to drop")
	fs.StringArrayVar(&valuesArgs, "values", valuesArgs,
		"comma separated `values` of a row; multiple allowed")
	fs.BoolVar(&explain, "explain", explain, "print the plan instead of running it")

	insertCmd := &cobra.Command{
		Use:   "insert table",
		Short: "Append rows to a table",
		Args:  cobra.ExactArgs(1),
		RunE:  insertRun,
	}
	insertCmd.Flags().StringArrayVar(&valuesArgs, "values", valuesArgs,
		"comma separated `values` of a row; multiple allowed")

	fuseCmd.AddCommand(updateCmd, deleteCmd, reclusterCmd, replaceCmd, insertCmd)
}

// parseColumnUpdate parses column=expression.
func parseColumnUpdate(s string) (interpreter.ColumnUpdate, error) {
	idx := strings.IndexByte(s, '=')
	if idx <= 0 {
		return interpreter.ColumnUpdate{}, fmt.Errorf("fuse: expected column=expression; got %s",
			s)
	}
	return interpreter.ColumnUpdate{
		Column: strings.TrimSpace(s[:idx]),
		Expr:   strings.TrimSpace(s[idx+1:]),
	}, nil
}

// parseRow parses comma separated literals into a row of schema.
func parseRow(s string, schema sql.Schema) ([]sql.Value, error) {
	strs := strings.Split(s, ",")
	if len(strs) != schema.Len() {
		return nil, fmt.Errorf("fuse: %s: got %d values want %d", s, len(strs), schema.Len())
	}

	row := make([]sql.Value, len(strs))
	for idx, str := range strs {
		str = strings.TrimSpace(str)
		e, err := expr.Parse(str, sql.Schema{})
		if err != nil {
			return nil, err
		}
		v, ok := expr.ConstantValue(expr.Fold(e))
		if !ok {
			return nil, fmt.Errorf("fuse: %s: expected a literal", str)
		}
		f := schema.Fields[idx]
		if v == nil {
			if !f.Nullable && f.Computed == "" {
				return nil, fmt.Errorf("fuse: column %s: not nullable", f.Name)
			}
			continue
		}
		row[idx], err = sql.ConvertValue(f.Type, v)
		if err != nil {
			return nil, err
		}
	}
	return row, nil
}

func parseRows(args []string, schema sql.Schema) ([][]sql.Value, error) {
	var rows [][]sql.Value
	for _, arg := range args {
		row, err := parseRow(arg, schema)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// run runs stmt or, with --explain, prints its plan.
func run(c *catalog.Catalog, stmt interpreter.Stmt) error {
	ctx := context.Background()
	in := interpreter.Interpreter{
		Env:  newEnv(c),
		Stmt: stmt,
	}
	if explain {
		br, err := in.Build(ctx)
		if err != nil {
			return err
		}
		defer br.Close()

		s, err := plan.Explain(br.Plan)
		if err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, s)
		return nil
	}

	res, err := in.Execute(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%d rows affected\n", res.AffectedRows)
	return nil
}

func updateRun(cmd *cobra.Command, args []string) error {
	tn, err := parseTableName(args[0])
	if err != nil {
		return err
	}
	if len(setArgs) == 0 {
		return fmt.Errorf("fuse: update %s: no columns to update", tn)
	}

	stmt := &interpreter.Update{
		Table: tn,
		Where: where,
	}
	for _, arg := range setArgs {
		cu, err := parseColumnUpdate(arg)
		if err != nil {
			return err
		}
		stmt.ColumnUpdates = append(stmt.ColumnUpdates, cu)
	}
	return withCatalog(
		func(c *catalog.Catalog) error {
			return run(c, stmt)
		})
}

func deleteRun(cmd *cobra.Command, args []string) error {
	tn, err := parseTableName(args[0])
	if err != nil {
		return err
	}
	return withCatalog(
		func(c *catalog.Catalog) error {
			return run(c, &interpreter.Delete{
				Table: tn,
				Where: where,
			})
		})
}

func reclusterRun(cmd *cobra.Command, args []string) error {
	tn, err := parseTableName(args[0])
	if err != nil {
		return err
	}
	if explain && final {
		return fmt.Errorf("fuse: recluster %s: can't explain final", tn)
	}
	return withCatalog(
		func(c *catalog.Catalog) error {
			return run(c, &interpreter.Recluster{
				Table: tn,
				Final: final,
			})
		})
}

func replaceRun(cmd *cobra.Command, args []string) error {
	tn, err := parseTableName(args[0])
	if err != nil {
		return err
	}
	if len(onConflict) == 0 {
		return fmt.Errorf("fuse: replace %s: --on is required", tn)
	}

	return withCatalog(
		func(c *catalog.Catalog) error {
			tbl, err := c.GetTable(context.Background(), tn.Database, tn.Table)
			if err != nil {
				return err
			}
			rows, err := parseRows(valuesArgs, tbl.Schema())
			if err != nil {
				return err
			}
			return run(c, &interpreter.Replace{
				Table:      tn,
				OnConflict: onConflict,
				DeleteWhen: deleteWhen,
				Rows:       rows,
			})
		})
}

func insertRun(cmd *cobra.Command, args []string) error {
	tn, err := parseTableName(args[0])
	if err != nil {
		return err
	}

	return withCatalog(
		func(c *catalog.Catalog) error {
			ctx := context.Background()
			ft, err := c.MutableTable(ctx, tn.Database, tn.Table)
			if err != nil {
				return err
			}
			schema := ft.Schema()
			rows, err := parseRows(valuesArgs, schema)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return nil
			}
			n, err := ft.Append(ctx, sql.NewDataBlock(schema.Len(), rows))
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%d rows inserted\n", n)
			return nil
		})
}
