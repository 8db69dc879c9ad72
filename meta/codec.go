package meta

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/leftmike/fuse/encode"
	"github.com/leftmike/fuse/sql"
)

// The objects are encoded in protocol buffer wire format so that fields can be added
// without rewriting existing objects; unknown fields are skipped.

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendVarint(b, num, uint64(t.UnixNano()))
}

func appendValue(b []byte, num protowire.Number, v sql.Value) []byte {
	return appendBytes(b, num, encode.EncodeValue(nil, v))
}

func appendMessage(b []byte, num protowire.Number, fn func(b []byte) []byte) []byte {
	return appendBytes(b, num, fn(nil))
}

type field struct {
	num protowire.Number
	typ protowire.Type
	buf []byte
	n   int
}

func (f *field) varint() uint64 {
	if f.typ != protowire.VarintType {
		f.n = -1
		return 0
	}
	var v uint64
	v, f.n = protowire.ConsumeVarint(f.buf)
	return v
}

func (f *field) bytes() []byte {
	if f.typ != protowire.BytesType {
		f.n = -1
		return nil
	}
	var v []byte
	v, f.n = protowire.ConsumeBytes(f.buf)
	return v
}

func (f *field) string() string {
	return string(f.bytes())
}

func (f *field) bool() bool {
	return f.varint() != 0
}

func (f *field) time() time.Time {
	return time.Unix(0, int64(f.varint())).UTC()
}

func (f *field) value() sql.Value {
	buf := f.bytes()
	if f.n < 0 {
		return nil
	}
	_, v, err := encode.DecodeValue(buf)
	if err != nil {
		f.n = -1
	}
	return v
}

// decodeMessage calls fn with each field of buf; fields that fn does not consume are
// skipped.
func decodeMessage(what string, buf []byte, fn func(f *field) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "meta: %s", what)
		}
		buf = buf[n:]

		f := field{num: num, typ: typ, buf: buf}
		err := fn(&f)
		if err != nil {
			return err
		}
		if f.n == 0 {
			f.n = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if f.n < 0 {
			return errors.Errorf("meta: %s: field %d: invalid encoding", what, num)
		}
		buf = buf[f.n:]
	}
	return nil
}

func appendLocation(b []byte, loc Location) []byte {
	b = appendString(b, 1, loc.Path)
	return appendVarint(b, 2, loc.Version)
}

func decodeLocation(buf []byte) (Location, error) {
	var loc Location
	err := decodeMessage("location", buf,
		func(f *field) error {
			switch f.num {
			case 1:
				loc.Path = f.string()
			case 2:
				loc.Version = f.varint()
			}
			return nil
		})
	return loc, err
}

func appendColumnStats(b []byte, num protowire.Number, cs map[int]ColumnStatistics) []byte {
	cols := make([]int, 0, len(cs))
	for col := range cs {
		cols = append(cols, col)
	}
	sort.Ints(cols)

	for _, col := range cols {
		s := cs[col]
		b = appendMessage(b, num,
			func(b []byte) []byte {
				b = appendVarint(b, 1, uint64(col))
				b = appendValue(b, 2, s.Min)
				b = appendValue(b, 3, s.Max)
				b = appendVarint(b, 4, s.NullCount)
				return appendVarint(b, 5, s.InMemorySize)
			})
	}
	return b
}

func decodeColumnStats(buf []byte, cs map[int]ColumnStatistics) error {
	var col int
	var s ColumnStatistics
	err := decodeMessage("column statistics", buf,
		func(f *field) error {
			switch f.num {
			case 1:
				col = int(f.varint())
			case 2:
				s.Min = f.value()
			case 3:
				s.Max = f.value()
			case 4:
				s.NullCount = f.varint()
			case 5:
				s.InMemorySize = f.varint()
			}
			return nil
		})
	if err != nil {
		return err
	}
	cs[col] = s
	return nil
}

func appendStatistics(b []byte, st Statistics) []byte {
	b = appendVarint(b, 1, st.RowCount)
	b = appendVarint(b, 2, st.BlockCount)
	b = appendVarint(b, 3, st.UncompressedSize)
	b = appendVarint(b, 4, st.CompressedSize)
	return appendColumnStats(b, 5, st.ColumnStats)
}

func decodeStatistics(buf []byte) (Statistics, error) {
	st := Statistics{
		ColumnStats: map[int]ColumnStatistics{},
	}
	err := decodeMessage("statistics", buf,
		func(f *field) error {
			switch f.num {
			case 1:
				st.RowCount = f.varint()
			case 2:
				st.BlockCount = f.varint()
			case 3:
				st.UncompressedSize = f.varint()
			case 4:
				st.CompressedSize = f.varint()
			case 5:
				if b := f.bytes(); f.n > 0 {
					return decodeColumnStats(b, st.ColumnStats)
				}
			}
			return nil
		})
	if len(st.ColumnStats) == 0 {
		st.ColumnStats = nil
	}
	return st, err
}

func appendClusterStats(b []byte, cs *ClusterStatistics) []byte {
	b = appendVarint(b, 1, uint64(cs.ClusterKeyID))
	for _, v := range cs.Min {
		b = appendValue(b, 2, v)
	}
	for _, v := range cs.Max {
		b = appendValue(b, 3, v)
	}
	return appendVarint(b, 4, uint64(cs.Level))
}

func decodeClusterStats(buf []byte) (*ClusterStatistics, error) {
	var cs ClusterStatistics
	err := decodeMessage("cluster statistics", buf,
		func(f *field) error {
			switch f.num {
			case 1:
				cs.ClusterKeyID = uint32(f.varint())
			case 2:
				cs.Min = append(cs.Min, f.value())
			case 3:
				cs.Max = append(cs.Max, f.value())
			case 4:
				cs.Level = int32(f.varint())
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

func appendBlockMeta(b []byte, bm *BlockMeta) []byte {
	b = appendMessage(b, 1,
		func(b []byte) []byte {
			return appendLocation(b, bm.Location)
		})
	b = appendVarint(b, 2, bm.RowCount)
	b = appendVarint(b, 3, bm.BlockSize)
	b = appendVarint(b, 4, bm.FileSize)

	cols := make([]int, 0, len(bm.ColumnMetas))
	for col := range bm.ColumnMetas {
		cols = append(cols, col)
	}
	sort.Ints(cols)
	for _, col := range cols {
		cm := bm.ColumnMetas[col]
		b = appendMessage(b, 5,
			func(b []byte) []byte {
				b = appendVarint(b, 1, uint64(col))
				b = appendVarint(b, 2, cm.Offset)
				b = appendVarint(b, 3, cm.Length)
				return appendVarint(b, 4, cm.NumValues)
			})
	}

	b = appendColumnStats(b, 6, bm.ColumnStats)
	if bm.ClusterStats != nil {
		b = appendMessage(b, 7,
			func(b []byte) []byte {
				return appendClusterStats(b, bm.ClusterStats)
			})
	}
	b = appendVarint(b, 8, uint64(bm.Compression))
	return appendTime(b, 9, bm.CreateOn)
}

func decodeColumnMeta(buf []byte, cms map[int]ColumnMeta) error {
	var col int
	var cm ColumnMeta
	err := decodeMessage("column meta", buf,
		func(f *field) error {
			switch f.num {
			case 1:
				col = int(f.varint())
			case 2:
				cm.Offset = f.varint()
			case 3:
				cm.Length = f.varint()
			case 4:
				cm.NumValues = f.varint()
			}
			return nil
		})
	if err != nil {
		return err
	}
	cms[col] = cm
	return nil
}

func decodeBlockMeta(buf []byte) (*BlockMeta, error) {
	bm := BlockMeta{
		ColumnMetas: map[int]ColumnMeta{},
		ColumnStats: map[int]ColumnStatistics{},
	}
	err := decodeMessage("block meta", buf,
		func(f *field) error {
			var err error
			switch f.num {
			case 1:
				if b := f.bytes(); f.n > 0 {
					bm.Location, err = decodeLocation(b)
				}
			case 2:
				bm.RowCount = f.varint()
			case 3:
				bm.BlockSize = f.varint()
			case 4:
				bm.FileSize = f.varint()
			case 5:
				if b := f.bytes(); f.n > 0 {
					err = decodeColumnMeta(b, bm.ColumnMetas)
				}
			case 6:
				if b := f.bytes(); f.n > 0 {
					err = decodeColumnStats(b, bm.ColumnStats)
				}
			case 7:
				if b := f.bytes(); f.n > 0 {
					bm.ClusterStats, err = decodeClusterStats(b)
				}
			case 8:
				bm.Compression = Compression(f.varint())
			case 9:
				bm.CreateOn = f.time()
			}
			return err
		})
	if err != nil {
		return nil, err
	}
	if len(bm.ColumnMetas) == 0 {
		bm.ColumnMetas = nil
	}
	if len(bm.ColumnStats) == 0 {
		bm.ColumnStats = nil
	}
	return &bm, nil
}

func MarshalSegment(seg *Segment) []byte {
	var b []byte
	for _, bm := range seg.Blocks {
		b = appendMessage(b, 1,
			func(b []byte) []byte {
				return appendBlockMeta(b, bm)
			})
	}
	return appendMessage(b, 2,
		func(b []byte) []byte {
			return appendStatistics(b, seg.Summary)
		})
}

func UnmarshalSegment(buf []byte) (*Segment, error) {
	var seg Segment
	err := decodeMessage("segment", buf,
		func(f *field) error {
			var err error
			switch f.num {
			case 1:
				if b := f.bytes(); f.n > 0 {
					var bm *BlockMeta
					bm, err = decodeBlockMeta(b)
					seg.Blocks = append(seg.Blocks, bm)
				}
			case 2:
				if b := f.bytes(); f.n > 0 {
					seg.Summary, err = decodeStatistics(b)
				}
			}
			return err
		})
	if err != nil {
		return nil, err
	}
	return &seg, nil
}

func MarshalSnapshot(ss *Snapshot) []byte {
	var b []byte
	b = appendString(b, 1, ss.ID)
	b = appendString(b, 2, ss.PrevID)
	b = appendVarint(b, 3, ss.Seq)
	b = appendTime(b, 4, ss.Timestamp)
	for _, loc := range ss.Segments {
		b = appendMessage(b, 5,
			func(b []byte) []byte {
				return appendLocation(b, loc)
			})
	}
	b = appendMessage(b, 6,
		func(b []byte) []byte {
			return appendStatistics(b, ss.Summary)
		})
	if ss.ClusterKeyMeta != nil {
		b = appendMessage(b, 7,
			func(b []byte) []byte {
				b = appendVarint(b, 1, uint64(ss.ClusterKeyMeta.ID))
				return appendString(b, 2, ss.ClusterKeyMeta.Key)
			})
	}
	return b
}

func UnmarshalSnapshot(buf []byte) (*Snapshot, error) {
	var ss Snapshot
	err := decodeMessage("snapshot", buf,
		func(f *field) error {
			var err error
			switch f.num {
			case 1:
				ss.ID = f.string()
			case 2:
				ss.PrevID = f.string()
			case 3:
				ss.Seq = f.varint()
			case 4:
				ss.Timestamp = f.time()
			case 5:
				if b := f.bytes(); f.n > 0 {
					var loc Location
					loc, err = decodeLocation(b)
					ss.Segments = append(ss.Segments, loc)
				}
			case 6:
				if b := f.bytes(); f.n > 0 {
					ss.Summary, err = decodeStatistics(b)
				}
			case 7:
				if b := f.bytes(); f.n > 0 {
					var ckm ClusterKeyMeta
					err = decodeMessage("cluster key meta", b,
						func(f *field) error {
							switch f.num {
							case 1:
								ckm.ID = uint32(f.varint())
							case 2:
								ckm.Key = f.string()
							}
							return nil
						})
					ss.ClusterKeyMeta = &ckm
				}
			}
			return err
		})
	if err != nil {
		return nil, err
	}
	return &ss, nil
}

func appendSchema(b []byte, s sql.Schema) []byte {
	for _, fld := range s.Fields {
		b = appendMessage(b, 1,
			func(b []byte) []byte {
				b = appendString(b, 1, fld.Name)
				b = appendVarint(b, 2, uint64(fld.Type))
				b = appendBool(b, 3, fld.Nullable)
				return appendString(b, 4, fld.Computed)
			})
	}
	return b
}

func decodeSchema(buf []byte) (sql.Schema, error) {
	var s sql.Schema
	err := decodeMessage("schema", buf,
		func(f *field) error {
			if f.num != 1 {
				return nil
			}
			b := f.bytes()
			if f.n < 0 {
				return nil
			}
			var fld sql.Field
			err := decodeMessage("field", b,
				func(f *field) error {
					switch f.num {
					case 1:
						fld.Name = f.string()
					case 2:
						fld.Type = sql.DataType(f.varint())
					case 3:
						fld.Nullable = f.bool()
					case 4:
						fld.Computed = f.string()
					}
					return nil
				})
			s.Fields = append(s.Fields, fld)
			return err
		})
	return s, err
}

func MarshalTableMeta(tm *TableMeta) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(tm.Engine))
	b = appendMessage(b, 2,
		func(b []byte) []byte {
			return appendSchema(b, tm.Schema)
		})
	b = appendString(b, 3, tm.ClusterKey)
	b = appendVarint(b, 4, uint64(tm.ClusterKeyID))
	b = appendString(b, 5, tm.SnapshotLocation)

	keys := make([]string, 0, len(tm.Options))
	for key := range tm.Options {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		val := tm.Options[key]
		b = appendMessage(b, 6,
			func(b []byte) []byte {
				b = appendString(b, 1, key)
				return appendString(b, 2, val)
			})
	}

	b = appendBool(b, 7, tm.ChangeTracking)
	for _, id := range tm.SharedBy {
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, id)
	}
	return appendTime(b, 9, tm.UpdatedOn)
}

func UnmarshalTableMeta(buf []byte) (*TableMeta, error) {
	var tm TableMeta
	err := decodeMessage("table meta", buf,
		func(f *field) error {
			var err error
			switch f.num {
			case 1:
				tm.Engine = Engine(f.varint())
			case 2:
				if b := f.bytes(); f.n > 0 {
					tm.Schema, err = decodeSchema(b)
				}
			case 3:
				tm.ClusterKey = f.string()
			case 4:
				tm.ClusterKeyID = uint32(f.varint())
			case 5:
				tm.SnapshotLocation = f.string()
			case 6:
				if b := f.bytes(); f.n > 0 {
					var key, val string
					err = decodeMessage("option", b,
						func(f *field) error {
							switch f.num {
							case 1:
								key = f.string()
							case 2:
								val = f.string()
							}
							return nil
						})
					if tm.Options == nil {
						tm.Options = map[string]string{}
					}
					tm.Options[key] = val
				}
			case 7:
				tm.ChangeTracking = f.bool()
			case 8:
				tm.SharedBy = append(tm.SharedBy, f.varint())
			case 9:
				tm.UpdatedOn = f.time()
			}
			return err
		})
	if err != nil {
		return nil, err
	}
	return &tm, nil
}
