package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leftmike/fuse/catalog"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/sql"
)

var (
	columnArgs     = []string{}
	clusterKey     = ""
	changeTracking = false
)

func init() {
	createCmd := &cobra.Command{
		Use:   "create table",
		Short: "Create a table",
		Args:  cobra.ExactArgs(1),
		RunE:  createRun,
	}
	fs := createCmd.Flags()
	fs.StringArrayVar(&columnArgs, "column", columnArgs,
		"`name type [null] [= expression]` of a column; multiple allowed")
	fs.StringVar(&clusterKey, "cluster-key", clusterKey,
		"comma separated `expressions` to cluster rows by")
	fs.BoolVar(&changeTracking, "change-tracking", changeTracking,
		"track changes to rows of the table")

	fuseCmd.AddCommand(createCmd)
}

// parseColumn parses name type [null | not null] [= expression]; a column with an
// expression is computed from the other columns of the row.
func parseColumn(s string) (sql.Field, error) {
	var computed string
	if idx := strings.IndexByte(s, '='); idx >= 0 {
		computed = strings.TrimSpace(s[idx+1:])
		if computed == "" {
			return sql.Field{}, fmt.Errorf("fuse: %s: missing expression", s)
		}
		s = s[:idx]
	}

	words := strings.Fields(s)
	if len(words) < 2 {
		return sql.Field{}, fmt.Errorf("fuse: %s: expected name and type", s)
	}
	dt, err := sql.ParseDataType(words[1])
	if err != nil {
		return sql.Field{}, err
	}
	f := sql.Field{
		Name:     words[0],
		Type:     dt,
		Computed: computed,
	}
	switch strings.ToLower(strings.Join(words[2:], " ")) {
	case "":
	case "null":
		f.Nullable = true
	case "not null":
	default:
		return sql.Field{}, fmt.Errorf("fuse: %s: unexpected %s", s,
			strings.Join(words[2:], " "))
	}
	return f, nil
}

func createRun(cmd *cobra.Command, args []string) error {
	tn, err := parseTableName(args[0])
	if err != nil {
		return err
	}
	if len(columnArgs) == 0 {
		return fmt.Errorf("fuse: create %s: no columns", tn)
	}

	tm := &meta.TableMeta{
		Engine:         meta.FuseEngine,
		ChangeTracking: changeTracking,
	}
	for _, arg := range columnArgs {
		f, err := parseColumn(arg)
		if err != nil {
			return err
		}
		if _, ok := tm.Schema.Index(f.Name); ok {
			return fmt.Errorf("fuse: create %s: duplicate column %s", tn, f.Name)
		}
		tm.Schema = tm.Schema.Append(f)
	}
	if clusterKey != "" {
		tm.ClusterKey = clusterKey
		tm.ClusterKeyID = 1
	}

	return withCatalog(
		func(c *catalog.Catalog) error {
			tbl, err := c.CreateTable(context.Background(), tn.Database, tn.Table, tm)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created %s %s\n", tbl.Info(), tbl.Schema())
			return nil
		})
}
