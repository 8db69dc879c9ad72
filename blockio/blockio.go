// Package blockio reads and writes blocks, segments and snapshots as objects in a kv
// store. Objects are immutable; each write is to a new location.
package blockio

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/leftmike/fuse/encode"
	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/kv"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/sql"
)

const (
	objectPrefix = "obj/"
)

var (
	ErrNotFound = errors.New("object not found")
)

type Operator struct {
	kv          kv.KV
	compression meta.Compression
	enc         *zstd.Encoder
	dec         *zstd.Decoder
}

func NewOperator(st kv.KV, compression meta.Compression) (*Operator, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	return &Operator{
		kv:          st,
		compression: compression,
		enc:         enc,
		dec:         dec,
	}, nil
}

func objectKey(path string) []byte {
	return []byte(objectPrefix + path)
}

func BlockPath(prefix string) string {
	return fmt.Sprintf("%s/_b/%s", prefix, uuid.New())
}

func SegmentPath(prefix string) string {
	return fmt.Sprintf("%s/_sg/%s", prefix, uuid.New())
}

func SnapshotPath(prefix string, id string) string {
	return fmt.Sprintf("%s/_ss/%s", prefix, id)
}

func (op *Operator) put(ctx context.Context, path string, val []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	upd, err := op.kv.Update()
	if err != nil {
		return errcode.MarkTransient(errors.Wrapf(err, "blockio: write %s", path))
	}
	err = upd.Set(objectKey(path), val)
	if err != nil {
		upd.Rollback()
		return errcode.MarkTransient(errors.Wrapf(err, "blockio: write %s", path))
	}
	// The durable commit of the table metadata which refers to the object syncs it.
	err = upd.Commit(kv.Lazy)
	if err != nil {
		return errcode.MarkTransient(errors.Wrapf(err, "blockio: write %s", path))
	}
	return nil
}

func (op *Operator) get(ctx context.Context, path string, fn func(val []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var ferr error
	err := op.kv.Get(objectKey(path),
		func(val []byte) error {
			ferr = fn(val)
			return ferr
		})
	if ferr != nil {
		return ferr
	} else if err == io.EOF {
		return errors.Mark(errors.Newf("blockio: %s not found", path), ErrNotFound)
	} else if err != nil {
		return errcode.MarkTransient(errors.Wrapf(err, "blockio: read %s", path))
	}
	return nil
}

func (op *Operator) compress(buf []byte) []byte {
	if op.compression == meta.ZstdCompression {
		return op.enc.EncodeAll(buf, nil)
	}
	return buf
}

func (op *Operator) decompress(compression meta.Compression, buf []byte) ([]byte, error) {
	switch compression {
	case meta.NoCompression:
		return buf, nil
	case meta.ZstdCompression:
		return op.dec.DecodeAll(buf, nil)
	}
	return nil, errors.Errorf("blockio: unknown compression: %s", compression)
}

func columnStats(vals []sql.Value) meta.ColumnStatistics {
	var cs meta.ColumnStatistics
	for _, v := range vals {
		cs.InMemorySize += uint64(sql.ValueSize(v))
		if v == nil {
			cs.NullCount += 1
			continue
		}
		if cs.Min == nil || sql.Compare(v, cs.Min) < 0 {
			cs.Min = v
		}
		if cs.Max == nil || sql.Compare(v, cs.Max) > 0 {
			cs.Max = v
		}
	}
	return cs
}

// WriteBlock writes the rows of blk, which must match schema, as one block. Each column
// is encoded and compressed separately so that it can be read on its own.
func (op *Operator) WriteBlock(ctx context.Context, prefix string, schema sql.Schema,
	blk *sql.DataBlock, cs *meta.ClusterStatistics) (*meta.BlockMeta, error) {

	if len(blk.Columns) != schema.Len() {
		return nil, errcode.SchemaMismatchf("blockio: block has %d columns; schema has %d",
			len(blk.Columns), schema.Len())
	}

	bm := &meta.BlockMeta{
		Location:     meta.Location{Path: BlockPath(prefix), Version: meta.BlockVersion},
		RowCount:     uint64(blk.NumRows),
		BlockSize:    uint64(blk.ByteSize()),
		ColumnMetas:  map[int]meta.ColumnMeta{},
		ColumnStats:  map[int]meta.ColumnStatistics{},
		ClusterStats: cs,
		Compression:  op.compression,
		CreateOn:     time.Now().UTC(),
	}

	var file []byte
	for cdx, col := range blk.Columns {
		vals := col.Expand(blk.NumRows)
		chunk := op.compress(encode.EncodeValues(nil, vals))
		bm.ColumnMetas[cdx] = meta.ColumnMeta{
			Offset:    uint64(len(file)),
			Length:    uint64(len(chunk)),
			NumValues: uint64(len(vals)),
		}
		bm.ColumnStats[cdx] = columnStats(vals)
		file = append(file, chunk...)
	}
	bm.FileSize = uint64(len(file))

	err := op.put(ctx, bm.Location.Path, file)
	if err != nil {
		return nil, err
	}
	return bm, nil
}

// ReadBlock reads the columns cols of the block in that order. A column that is not in
// the block, because it was added to the schema later, is all NULL.
func (op *Operator) ReadBlock(ctx context.Context, bm *meta.BlockMeta,
	cols []int) (*sql.DataBlock, error) {

	blk := &sql.DataBlock{
		Columns: make([]sql.Column, len(cols)),
		NumRows: int(bm.RowCount),
	}
	err := op.get(ctx, bm.Location.Path,
		func(file []byte) error {
			for idx, cdx := range cols {
				cm, ok := bm.ColumnMetas[cdx]
				if !ok {
					blk.Columns[idx] = sql.ScalarColumn(nil)
					continue
				}
				if cm.Offset+cm.Length > uint64(len(file)) {
					return errors.Errorf("blockio: %s: column %d: out of range", bm.Location,
						cdx)
				}
				buf, err := op.decompress(bm.Compression, file[cm.Offset:cm.Offset+cm.Length])
				if err != nil {
					return errors.Wrapf(err, "blockio: %s: column %d", bm.Location, cdx)
				}
				vals, err := encode.DecodeValues(buf)
				if err != nil {
					return errors.Wrapf(err, "blockio: %s: column %d", bm.Location, cdx)
				}
				if uint64(len(vals)) != bm.RowCount {
					return errcode.SchemaMismatchf(
						"blockio: %s: column %d: got %d values want %d", bm.Location, cdx,
						len(vals), bm.RowCount)
				}
				blk.Columns[idx] = sql.ValuesColumn(vals)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return blk, nil
}

// Segments are always compressed.
func (op *Operator) WriteSegment(ctx context.Context, prefix string,
	seg *meta.Segment) (meta.Location, error) {

	loc := meta.Location{Path: SegmentPath(prefix), Version: meta.SegmentVersion}
	err := op.put(ctx, loc.Path, op.enc.EncodeAll(meta.MarshalSegment(seg), nil))
	if err != nil {
		return meta.Location{}, err
	}
	return loc, nil
}

func (op *Operator) ReadSegment(ctx context.Context, loc meta.Location) (*meta.Segment,
	error) {

	var seg *meta.Segment
	err := op.get(ctx, loc.Path,
		func(val []byte) error {
			buf, err := op.dec.DecodeAll(val, nil)
			if err != nil {
				return errors.Wrapf(err, "blockio: segment %s", loc)
			}
			seg, err = meta.UnmarshalSegment(buf)
			return err
		})
	if err != nil {
		return nil, err
	}
	return seg, nil
}

func (op *Operator) WriteSnapshot(ctx context.Context, prefix string,
	ss *meta.Snapshot) (string, error) {

	path := SnapshotPath(prefix, ss.ID)
	err := op.put(ctx, path, meta.MarshalSnapshot(ss))
	if err != nil {
		return "", err
	}
	return path, nil
}

func (op *Operator) ReadSnapshot(ctx context.Context, path string) (*meta.Snapshot, error) {
	var ss *meta.Snapshot
	err := op.get(ctx, path,
		func(val []byte) error {
			var err error
			ss, err = meta.UnmarshalSnapshot(val)
			return err
		})
	if err != nil {
		return nil, err
	}
	return ss, nil
}
