package plan

import (
	"fmt"
	"sort"

	"github.com/goccy/go-yaml"

	"github.com/leftmike/fuse/expr"
	"github.com/leftmike/fuse/meta"
)

func columnName(ti *meta.TableInfo, cdx int) string {
	if cdx >= 0 && cdx < len(ti.Meta.Schema.Fields) {
		return ti.Meta.Schema.Fields[cdx].Name
	}
	return fmt.Sprintf("#%d", cdx)
}

func assignments(ti *meta.TableInfo, m map[int]*expr.Remote) []string {
	cdxs := make([]int, 0, len(m))
	for cdx := range m {
		cdxs = append(cdxs, cdx)
	}
	sort.Ints(cdxs)

	var as []string
	for _, cdx := range cdxs {
		as = append(as, fmt.Sprintf("%s = %s", columnName(ti, cdx), m[cdx].Text))
	}
	return as
}

func (m *Mutation) explain() yaml.MapSlice {
	ms := yaml.MapSlice{
		{Key: "table", Value: m.Table.String()},
	}
	if m.Filters != nil {
		ms = append(ms, yaml.MapItem{Key: "filters", Value: m.Filters.Text})
	}
	if len(m.ColIndices) > 0 {
		var cols []string
		for _, cdx := range m.ColIndices {
			cols = append(cols, columnName(m.Table, cdx))
		}
		ms = append(ms, yaml.MapItem{Key: "columns", Value: cols})
	}
	if m.QueryRowID {
		ms = append(ms, yaml.MapItem{Key: "query_row_id", Value: true})
	}
	if m.RowIDSource != nil {
		ms = append(ms, yaml.MapItem{Key: "row_id_source", Value: m.RowIDSource.Text})
	}
	return append(ms,
		yaml.MapItem{Key: "parts", Value: m.Parts.Len()},
		yaml.MapItem{Key: "lazy", Value: m.Parts.IsLazy()})
}

func explain(pp PhysicalPlan) yaml.MapSlice {
	ms := yaml.MapSlice{
		{Key: "kind", Value: string(pp.Kind())},
	}
	switch pp := pp.(type) {
	case *UpdateSource:
		ms = append(ms, pp.Mutation.explain()...)
		ms = append(ms, yaml.MapItem{Key: "updates",
			Value: assignments(pp.Table, pp.Updates)})
		if len(pp.Computed) > 0 {
			ms = append(ms, yaml.MapItem{Key: "computed",
				Value: assignments(pp.Table, pp.Computed)})
		}
	case *DeleteSource:
		ms = append(ms, pp.Mutation.explain()...)
	case *CommitSink:
		ms = append(ms,
			yaml.MapItem{Key: "table", Value: pp.Table.String()},
			yaml.MapItem{Key: "mutation", Value: pp.MutationKind.String()},
			yaml.MapItem{Key: "snapshot", Value: snapshotID(pp.Snapshot)})
	case *ReclusterSource:
		var tasks []yaml.MapSlice
		for _, task := range pp.Tasks {
			tasks = append(tasks, yaml.MapSlice{
				{Key: "level", Value: task.Level},
				{Key: "parts", Value: task.Parts.Len()},
				{Key: "total_rows", Value: task.TotalRows},
				{Key: "total_bytes", Value: task.TotalBytes},
			})
		}
		ms = append(ms,
			yaml.MapItem{Key: "table", Value: pp.Table.String()},
			yaml.MapItem{Key: "tasks", Value: tasks})
	case *ReclusterSink:
		ms = append(ms,
			yaml.MapItem{Key: "table", Value: pp.Table.String()},
			yaml.MapItem{Key: "snapshot", Value: snapshotID(pp.Selection.Snapshot)},
			yaml.MapItem{Key: "removed_segments", Value: pp.Selection.RemovedSegmentIndexes},
			yaml.MapItem{Key: "remained_blocks", Value: len(pp.Selection.RemainedBlocks)})
	case *ReplaceDeduplicate:
		var cols []string
		for _, cdx := range pp.OnConflict {
			cols = append(cols, columnName(pp.Table, cdx))
		}
		ms = append(ms,
			yaml.MapItem{Key: "table", Value: pp.Table.String()},
			yaml.MapItem{Key: "on_conflict", Value: cols},
			yaml.MapItem{Key: "rows", Value: len(pp.Rows)})
		if pp.DeleteWhen != nil {
			ms = append(ms, yaml.MapItem{Key: "delete_when", Value: pp.DeleteWhen.Text})
		}
	}

	if children := pp.Children(); len(children) > 0 {
		var inputs []yaml.MapSlice
		for _, child := range children {
			inputs = append(inputs, explain(child))
		}
		ms = append(ms, yaml.MapItem{Key: "inputs", Value: inputs})
	}
	return ms
}

// Explain returns the plan as YAML.
func Explain(pp PhysicalPlan) (string, error) {
	buf, err := yaml.Marshal(explain(pp))
	if err != nil {
		return "", err
	}
	return string(buf), nil
}
