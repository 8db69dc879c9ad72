package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/leftmike/fuse/catalog"
	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/fuse"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/sql"
)

func init() {
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show tables, rows, or settings",
	}
	showCmd.AddCommand(
		&cobra.Command{
			Use:   "tables",
			Short: "List the tables of the database",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCatalog(
					func(c *catalog.Catalog) error {
						return showTables(c, os.Stdout)
					})
			},
		},
		&cobra.Command{
			Use:   "table table",
			Short: "Show the columns and snapshot of a table",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withFuseTable(args[0],
					func(ft *fuse.Table) error {
						return showTable(ft, os.Stdout)
					})
			},
		},
		&cobra.Command{
			Use:   "rows table",
			Short: "Show the rows of a table",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withFuseTable(args[0],
					func(ft *fuse.Table) error {
						return showRows(ft, os.Stdout)
					})
			},
		},
		&cobra.Command{
			Use:   "settings",
			Short: "Show the settings",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				showSettings(os.Stdout)
				return nil
			},
		})

	fuseCmd.AddCommand(showCmd)
}

func withFuseTable(name string, fn func(ft *fuse.Table) error) error {
	tn, err := parseTableName(name)
	if err != nil {
		return err
	}
	return withCatalog(
		func(c *catalog.Catalog) error {
			tbl, err := c.GetTable(context.Background(), tn.Database, tn.Table)
			if err != nil {
				return err
			}
			ti := tbl.Info()
			if ti.Meta.Engine != meta.FuseEngine {
				return errcode.Unsupportedf("fuse: %s: can't show %s tables", tn,
					ti.Meta.Engine)
			}
			return fn(fuse.NewTable(c.Storage(), ti))
		})
}

func newTableWriter(w io.Writer, header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader(header)
	return tw
}

func showTables(c *catalog.Catalog, w io.Writer) error {
	tbls, err := c.ListTables(context.Background(), database)
	if err != nil {
		return err
	}

	tw := newTableWriter(w, "table", "engine", "columns", "cluster_key")
	for _, tbl := range tbls {
		ti := tbl.Info()
		tw.Append([]string{ti.Name, ti.Meta.Engine.String(),
			strconv.Itoa(ti.Meta.Schema.Len()), ti.Meta.ClusterKey})
	}
	tw.Render()
	fmt.Fprintf(w, "(%d tables)\n", tw.NumLines())
	return nil
}

func showTable(ft *fuse.Table, w io.Writer) error {
	tw := newTableWriter(w, "column", "type", "nullable", "computed")
	for _, f := range ft.Schema().Fields {
		tw.Append([]string{f.Name, f.Type.String(), strconv.FormatBool(f.Nullable),
			f.Computed})
	}
	tw.Render()

	ss, err := ft.ReadSnapshot(context.Background())
	if err != nil {
		return err
	}
	if ss == nil {
		fmt.Fprintln(w, "no snapshot")
		return nil
	}

	tw = newTableWriter(w, "snapshot", "seq", "segments", "blocks", "rows", "bytes")
	tw.Append([]string{ss.ID, strconv.FormatUint(ss.Seq, 10),
		strconv.Itoa(len(ss.Segments)), strconv.FormatUint(ss.Summary.BlockCount, 10),
		strconv.FormatUint(ss.Summary.RowCount, 10),
		strconv.FormatUint(ss.Summary.CompressedSize, 10)})
	tw.Render()
	return nil
}

func showRows(ft *fuse.Table, w io.Writer) error {
	blks, err := ft.ReadAll(context.Background(), ft.AllColumns())
	if err != nil {
		return err
	}

	fields := ft.Schema().Fields
	header := make([]string, len(fields))
	for idx, f := range fields {
		header[idx] = f.Name
	}
	tw := newTableWriter(w, header...)

	row := make([]string, len(fields))
	for _, blk := range blks {
		for r := 0; r < blk.NumRows; r += 1 {
			for cdx, col := range blk.Columns {
				v := col.Value(r)
				if s, ok := v.(sql.StringValue); ok {
					row[cdx] = string(s)
				} else {
					row[cdx] = sql.Format(v)
				}
			}
			tw.Append(row)
		}
	}
	tw.Render()
	fmt.Fprintf(w, "(%d rows)\n", tw.NumLines())
	return nil
}

func showSettings(w io.Writer) {
	tw := newTableWriter(w, "setting", "value")
	sttgs.List(
		func(name, val string) {
			tw.Append([]string{name, val})
		})
	tw.Render()
}
