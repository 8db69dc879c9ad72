package meta

import (
	"github.com/leftmike/fuse/sql"
)

type Statistics struct {
	RowCount         uint64                   `json:"row_count"`
	BlockCount       uint64                   `json:"block_count"`
	UncompressedSize uint64                   `json:"uncompressed_size"`
	CompressedSize   uint64                   `json:"compressed_size"`
	ColumnStats      map[int]ColumnStatistics `json:"column_stats"`
}

func minValue(v1, v2 sql.Value) sql.Value {
	if v1 == nil {
		return v2
	} else if v2 == nil || sql.Compare(v1, v2) <= 0 {
		return v1
	}
	return v2
}

func maxValue(v1, v2 sql.Value) sql.Value {
	if v1 == nil {
		return v2
	} else if v2 == nil || sql.Compare(v1, v2) >= 0 {
		return v1
	}
	return v2
}

func mergeColumnStats(cs1, cs2 map[int]ColumnStatistics) map[int]ColumnStatistics {
	if len(cs1) == 0 && len(cs2) == 0 {
		return nil
	}
	cs := make(map[int]ColumnStatistics, len(cs1))
	for col, s := range cs1 {
		cs[col] = s
	}
	for col, s2 := range cs2 {
		s1, ok := cs[col]
		if !ok {
			cs[col] = s2
			continue
		}
		cs[col] = ColumnStatistics{
			Min:          minValue(s1.Min, s2.Min),
			Max:          maxValue(s1.Max, s2.Max),
			NullCount:    s1.NullCount + s2.NullCount,
			InMemorySize: s1.InMemorySize + s2.InMemorySize,
		}
	}
	return cs
}

func (st Statistics) Merge(st2 Statistics) Statistics {
	return Statistics{
		RowCount:         st.RowCount + st2.RowCount,
		BlockCount:       st.BlockCount + st2.BlockCount,
		UncompressedSize: st.UncompressedSize + st2.UncompressedSize,
		CompressedSize:   st.CompressedSize + st2.CompressedSize,
		ColumnStats:      mergeColumnStats(st.ColumnStats, st2.ColumnStats),
	}
}

func sub(u1, u2 uint64) uint64 {
	if u2 > u1 {
		return 0
	}
	return u1 - u2
}

// Deduct removes the counts of st2 from st. Column ranges can not be narrowed without
// the remaining blocks, so they are kept; null counts are reduced.
func (st Statistics) Deduct(st2 Statistics) Statistics {
	var cs map[int]ColumnStatistics
	if len(st.ColumnStats) > 0 {
		cs = make(map[int]ColumnStatistics, len(st.ColumnStats))
	}
	for col, s := range st.ColumnStats {
		if s2, ok := st2.ColumnStats[col]; ok {
			s.NullCount = sub(s.NullCount, s2.NullCount)
			s.InMemorySize = sub(s.InMemorySize, s2.InMemorySize)
		}
		cs[col] = s
	}
	return Statistics{
		RowCount:         sub(st.RowCount, st2.RowCount),
		BlockCount:       sub(st.BlockCount, st2.BlockCount),
		UncompressedSize: sub(st.UncompressedSize, st2.UncompressedSize),
		CompressedSize:   sub(st.CompressedSize, st2.CompressedSize),
		ColumnStats:      cs,
	}
}

func (bm *BlockMeta) Statistics() Statistics {
	return Statistics{
		RowCount:         bm.RowCount,
		BlockCount:       1,
		UncompressedSize: bm.BlockSize,
		CompressedSize:   bm.FileSize,
		ColumnStats:      bm.ColumnStats,
	}
}

func ReduceBlocks(blocks []*BlockMeta) Statistics {
	var st Statistics
	for _, bm := range blocks {
		st = st.Merge(bm.Statistics())
	}
	return st
}
