package sql

import (
	"fmt"
	"strings"
)

// Column is either a single repeated scalar or one value per row.
type Column struct {
	scalar bool
	values []Value
}

func ScalarColumn(v Value) Column {
	return Column{
		scalar: true,
		values: []Value{v},
	}
}

func ValuesColumn(vals []Value) Column {
	return Column{
		values: vals,
	}
}

func (c Column) IsScalar() bool {
	return c.scalar
}

func (c Column) Len() int {
	if c.scalar {
		return -1
	}
	return len(c.values)
}

func (c Column) Value(i int) Value {
	if c.scalar {
		return c.values[0]
	}
	return c.values[i]
}

// Expand returns numRows values, repeating a scalar.
func (c Column) Expand(numRows int) []Value {
	if !c.scalar {
		return c.values
	}
	vals := make([]Value, numRows)
	for idx := range vals {
		vals[idx] = c.values[0]
	}
	return vals
}

type DataBlock struct {
	Columns []Column
	NumRows int

	// Meta carries information between the stages of a pipeline; it is not part of the
	// rows.
	Meta interface{}
}

func NewDataBlock(numCols int, rows [][]Value) *DataBlock {
	cols := make([][]Value, numCols)
	for _, row := range rows {
		for idx := 0; idx < numCols; idx += 1 {
			cols[idx] = append(cols[idx], row[idx])
		}
	}

	db := &DataBlock{
		Columns: make([]Column, numCols),
		NumRows: len(rows),
	}
	for idx := range cols {
		if cols[idx] == nil {
			cols[idx] = []Value{}
		}
		db.Columns[idx] = ValuesColumn(cols[idx])
	}
	return db
}

func MetaBlock(meta interface{}) *DataBlock {
	return &DataBlock{
		Meta: meta,
	}
}

func (db *DataBlock) IsEmpty() bool {
	return db.NumRows == 0
}

func (db *DataBlock) Row(i int) []Value {
	row := make([]Value, len(db.Columns))
	for idx, col := range db.Columns {
		row[idx] = col.Value(i)
	}
	return row
}

func (db *DataBlock) Rows() [][]Value {
	rows := make([][]Value, db.NumRows)
	for i := range rows {
		rows[i] = db.Row(i)
	}
	return rows
}

// Take returns a new block holding the rows at indices, in order.
func (db *DataBlock) Take(indices []int) *DataBlock {
	nb := &DataBlock{
		Columns: make([]Column, len(db.Columns)),
		NumRows: len(indices),
	}
	for cdx, col := range db.Columns {
		if col.scalar {
			nb.Columns[cdx] = col
			continue
		}
		vals := make([]Value, len(indices))
		for idx, rdx := range indices {
			vals[idx] = col.values[rdx]
		}
		nb.Columns[cdx] = ValuesColumn(vals)
	}
	return nb
}

func (db *DataBlock) Slice(start, end int) *DataBlock {
	nb := &DataBlock{
		Columns: make([]Column, len(db.Columns)),
		NumRows: end - start,
	}
	for cdx, col := range db.Columns {
		if col.scalar {
			nb.Columns[cdx] = col
		} else {
			nb.Columns[cdx] = ValuesColumn(col.values[start:end])
		}
	}
	return nb
}

func (db *DataBlock) Project(indices []int) *DataBlock {
	nb := &DataBlock{
		Columns: make([]Column, len(indices)),
		NumRows: db.NumRows,
		Meta:    db.Meta,
	}
	for idx, cdx := range indices {
		nb.Columns[idx] = db.Columns[cdx]
	}
	return nb
}

func (db *DataBlock) AddColumn(col Column) {
	db.Columns = append(db.Columns, col)
}

// ConcatBlocks appends the rows of blocks, which must have the same number of columns.
func ConcatBlocks(blocks []*DataBlock) *DataBlock {
	if len(blocks) == 0 {
		return &DataBlock{}
	} else if len(blocks) == 1 {
		return blocks[0]
	}

	numCols := len(blocks[0].Columns)
	cols := make([][]Value, numCols)
	var numRows int
	for _, blk := range blocks {
		if len(blk.Columns) != numCols {
			panic(fmt.Sprintf("sql: concat blocks: got %d columns want %d", len(blk.Columns),
				numCols))
		}
		for cdx, col := range blk.Columns {
			cols[cdx] = append(cols[cdx], col.Expand(blk.NumRows)...)
		}
		numRows += blk.NumRows
	}

	nb := &DataBlock{
		Columns: make([]Column, numCols),
		NumRows: numRows,
	}
	for cdx := range cols {
		nb.Columns[cdx] = ValuesColumn(cols[cdx])
	}
	return nb
}

// ByteSize is an estimate of the memory size of the block.
func (db *DataBlock) ByteSize() int {
	var size int
	for _, col := range db.Columns {
		n := db.NumRows
		if col.scalar {
			n = 1
		}
		for idx := 0; idx < n; idx += 1 {
			size += ValueSize(col.values[idx])
		}
	}
	return size
}

// ValueSize is an estimate of the memory size of v.
func ValueSize(v Value) int {
	switch v := v.(type) {
	case nil:
		return 1
	case BoolValue:
		return 1
	case Int64Value, Float64Value:
		return 8
	case StringValue:
		return len(v)
	case BytesValue:
		return len(v)
	case VariantValue:
		return len(v.JSON())
	}
	return 8
}

func (db *DataBlock) String() string {
	var b strings.Builder
	for i := 0; i < db.NumRows; i += 1 {
		for cdx, col := range db.Columns {
			if cdx > 0 {
				b.WriteString(", ")
			}
			b.WriteString(Format(col.Value(i)))
		}
		b.WriteRune('\n')
	}
	return b.String()
}

// SortColumn is one key of a sort: the offset of the column in the block and its
// direction. Nulls last is the default for ascending keys.
type SortColumn struct {
	Offset     int  `json:"offset"`
	Asc        bool `json:"asc"`
	NullsFirst bool `json:"nulls_first"`
}

// Compare orders v1 and v2 the way a sort by sc does.
func (sc SortColumn) Compare(v1, v2 Value) int {
	if v1 == nil || v2 == nil {
		if v1 == nil && v2 == nil {
			return 0
		} else if (v1 == nil) == sc.NullsFirst {
			return -1
		}
		return 1
	}

	cmp := Compare(v1, v2)
	if !sc.Asc {
		return -cmp
	}
	return cmp
}

func (sc SortColumn) String() string {
	s := fmt.Sprintf("#%d", sc.Offset)
	if sc.Asc {
		s += " ASC"
	} else {
		s += " DESC"
	}
	if sc.NullsFirst {
		s += " NULLS FIRST"
	} else {
		s += " NULLS LAST"
	}
	return s
}
