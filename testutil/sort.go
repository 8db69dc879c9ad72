package testutil

import (
	"sort"

	"github.com/leftmike/fuse/sql"
)

type sortValues struct {
	values [][]sql.Value
	sorts  []sql.SortColumn
}

func (sv sortValues) Len() int {
	return len(sv.values)
}

func (sv sortValues) Swap(i, j int) {
	sv.values[i], sv.values[j] = sv.values[j], sv.values[i]
}

func (sv sortValues) Less(i, j int) bool {
	for _, sc := range sv.sorts {
		vi := sv.values[i][sc.Offset]
		vj := sv.values[j][sc.Offset]
		if vi == nil || vj == nil {
			if vi == nil && vj == nil {
				continue
			}
			return (vi == nil) == sc.NullsFirst
		}

		cmp := sql.Compare(vi, vj)
		if cmp < 0 {
			return sc.Asc
		} else if cmp > 0 {
			return !sc.Asc
		}
	}
	return false
}

// SortValues is a reference sort of rows by sorts; it is stable.
func SortValues(sorts []sql.SortColumn, values [][]sql.Value) {
	sort.Stable(sortValues{values: values, sorts: sorts})
}
