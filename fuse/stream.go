package fuse

import (
	"github.com/leftmike/fuse/sql"
)

// Tables which track changes keep, for every row, where it came from. The columns are NULL
// in a row which was inserted or updated since the block was written; when read, they are
// filled in with the block itself.
const (
	OriginVersionName     = "_origin_version"
	OriginBlockIDName     = "_origin_block_id"
	OriginBlockRowNumName = "_origin_block_row_num"
)

func StreamFields() []sql.Field {
	return []sql.Field{
		{Name: OriginVersionName, Type: sql.Int64Type, Nullable: true},
		{Name: OriginBlockIDName, Type: sql.StringType, Nullable: true},
		{Name: OriginBlockRowNumName, Type: sql.Int64Type, Nullable: true},
	}
}

func fillStreamColumns(blk *sql.DataBlock, cols []int, numCols int, bp *BlockPart) {
	for idx, cdx := range cols {
		if cdx < numCols || cdx >= numCols+3 {
			continue
		}

		col := blk.Columns[idx]
		vals := make([]sql.Value, blk.NumRows)
		for r := range vals {
			v := col.Value(r)
			if v == nil {
				switch cdx - numCols {
				case 0:
					v = sql.Int64Value(bp.CreateOn.UnixNano())
				case 1:
					v = sql.StringValue(bp.Location.Path)
				case 2:
					v = sql.Int64Value(r)
				}
			}
			vals[r] = v
		}
		blk.Columns[idx] = sql.ValuesColumn(vals)
	}
}
