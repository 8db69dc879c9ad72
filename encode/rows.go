package encode

import (
	"bytes"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/errors"

	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/sql"
)

const (
	// Each sort column of a row key starts with a marker; the payload of a descending
	// column is bit inverted but the marker is not.
	nullsFirstMarker = 0x00
	notNullMarker    = 0x01
	nullsLastMarker  = 0xFF
)

// RowConverter converts sort columns into row keys whose byte order is the order of the
// sort columns.
type RowConverter struct {
	sorts  []sql.SortColumn
	fields []sql.Field
}

func NewRowConverter(sorts []sql.SortColumn, schema sql.Schema) (*RowConverter, error) {
	fields := make([]sql.Field, 0, len(sorts))
	for _, sc := range sorts {
		if sc.Offset < 0 || sc.Offset >= len(schema.Fields) {
			return nil, errcode.SchemaMismatchf(
				"encode: sort column offset %d out of range for %d fields", sc.Offset,
				len(schema.Fields))
		}
		fields = append(fields, schema.Fields[sc.Offset])
	}

	return &RowConverter{
		sorts:  sorts,
		fields: fields,
	}, nil
}

func (rc *RowConverter) SortColumns() []sql.SortColumn {
	return rc.sorts
}

// Convert encodes numRows row keys from cols, which hold one column per sort column, in the
// same order as the sort columns.
func (rc *RowConverter) Convert(cols []sql.Column, numRows int) (*Rows, error) {
	if len(cols) != len(rc.sorts) {
		return nil, errcode.SchemaMismatchf("encode: got %d sort columns want %d", len(cols),
			len(rc.sorts))
	}

	rows := &Rows{
		offsets:  make([]int, numRows+1),
		validity: make([]*roaring.Bitmap, len(cols)),
	}
	vals := make([][]sql.Value, len(cols))
	for cdx, col := range cols {
		vals[cdx] = col.Expand(numRows)
		if len(vals[cdx]) != numRows {
			return nil, errcode.SchemaMismatchf("encode: sort column %d: got %d rows want %d",
				cdx, len(vals[cdx]), numRows)
		}
		rows.validity[cdx] = roaring.New()
	}

	for rdx := 0; rdx < numRows; rdx += 1 {
		for cdx, sc := range rc.sorts {
			val, err := sql.ConvertValue(rc.fields[cdx].Type, vals[cdx][rdx])
			if err != nil {
				return nil, errors.Wrapf(err, "encode: sort column %d", cdx)
			}
			if val == nil {
				if sc.NullsFirst {
					rows.buf = append(rows.buf, nullsFirstMarker)
				} else {
					rows.buf = append(rows.buf, nullsLastMarker)
				}
				continue
			}

			rows.validity[cdx].Add(uint32(rdx))
			rows.buf = append(rows.buf, notNullMarker)
			n := len(rows.buf)
			rows.buf = appendPayload(rows.buf, val)
			if !sc.Asc {
				for n < len(rows.buf) {
					rows.buf[n] = ^rows.buf[n]
					n += 1
				}
			}
		}
		rows.offsets[rdx+1] = len(rows.buf)
	}

	return rows, nil
}

// ConvertBlock converts the sort columns of blk.
func (rc *RowConverter) ConvertBlock(blk *sql.DataBlock) (*Rows, error) {
	cols := make([]sql.Column, 0, len(rc.sorts))
	for _, sc := range rc.sorts {
		if sc.Offset >= len(blk.Columns) {
			return nil, errcode.SchemaMismatchf("encode: sort column offset %d out of range",
				sc.Offset)
		}
		cols = append(cols, blk.Columns[sc.Offset])
	}
	return rc.Convert(cols, blk.NumRows)
}

func appendPayload(buf []byte, val sql.Value) []byte {
	switch val := val.(type) {
	case sql.BoolValue:
		if val {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case sql.Int64Value:
		buf = EncodeUint64(buf, uint64(val)^(1<<63))
	case sql.Float64Value:
		buf = EncodeUint64(buf, float64Key(float64(val)))
	case sql.StringValue:
		buf = escapeBytes(buf, []byte(val))
	case sql.BytesValue:
		buf = escapeBytes(buf, []byte(val))
	case sql.VariantValue:
		buf = ConvertToComparable(buf, val.Doc)
	default:
		panic(fmt.Sprintf("unexpected type for sql.Value: %T: %v", val, val))
	}
	return buf
}

// Rows holds one encoded key per row. Validity is only known for rows built by Convert.
type Rows struct {
	buf      []byte
	offsets  []int
	validity []*roaring.Bitmap
}

func (r *Rows) Len() int {
	return len(r.offsets) - 1
}

func (r *Rows) Row(i int) []byte {
	return r.buf[r.offsets[i]:r.offsets[i+1]]
}

func (r *Rows) Compare(i, j int) int {
	return bytes.Compare(r.Row(i), r.Row(j))
}

// Validity returns the rows where sort column col is not null.
func (r *Rows) Validity(col int) *roaring.Bitmap {
	if r.validity == nil {
		return nil
	}
	return r.validity[col]
}

func (r *Rows) Valid(col, i int) bool {
	if r.validity == nil {
		return true
	}
	return r.validity[col].Contains(uint32(i))
}

// ToColumn returns the row keys as a column of bytes values.
func (r *Rows) ToColumn() sql.Column {
	vals := make([]sql.Value, r.Len())
	for idx := range vals {
		vals[idx] = sql.BytesValue(r.Row(idx))
	}
	return sql.ValuesColumn(vals)
}

func RowsFromColumn(col sql.Column, numRows int) (*Rows, error) {
	r := &Rows{
		offsets: make([]int, numRows+1),
	}
	for idx, val := range col.Expand(numRows) {
		b, ok := val.(sql.BytesValue)
		if !ok {
			return nil, errcode.SchemaMismatchf("encode: row key column: want bytes got %v",
				val)
		}
		r.buf = append(r.buf, b...)
		r.offsets[idx+1] = len(r.buf)
	}
	return r, nil
}
