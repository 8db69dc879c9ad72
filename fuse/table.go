// Package fuse is the table engine: immutable blocks grouped into segments, and a chain
// of snapshots each naming the segments that make up the table. Every change writes new
// blocks and segments and then publishes a new snapshot with a compare-and-swap on the
// table metadata.
package fuse

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fuse/blockio"
	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/expr"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/metastore"
	"github.com/leftmike/fuse/metrics"
	"github.com/leftmike/fuse/pipeline"
	"github.com/leftmike/fuse/settings"
	"github.com/leftmike/fuse/sql"
)

type MutationKind int

const (
	Insert MutationKind = iota + 1
	Update
	Delete
	Replace
	Recluster
	Compact
	Truncate
)

func (mk MutationKind) String() string {
	switch mk {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	case Replace:
		return "replace"
	case Recluster:
		return "recluster"
	case Compact:
		return "compact"
	case Truncate:
		return "truncate"
	}
	return fmt.Sprintf("mutation(%d)", int(mk))
}

// Storage is everything a table needs besides its own metadata.
type Storage struct {
	Metastore  *metastore.Service
	Operator   *blockio.Operator
	Settings   *settings.Settings
	Metrics    *metrics.Metrics
	ShareSaver metastore.ShareSaver
}

type Table struct {
	st   *Storage
	info *meta.TableInfo
}

func NewTable(st *Storage, info *meta.TableInfo) *Table {
	return &Table{
		st:   st,
		info: info,
	}
}

func (t *Table) Info() *meta.TableInfo {
	return t.info
}

func (t *Table) String() string {
	return t.info.String()
}

func (t *Table) Schema() sql.Schema {
	return t.info.Meta.Schema
}

// StorageSchema is the schema of the blocks of the table: the columns of the table
// followed by the change tracking columns, if the table tracks changes.
func (t *Table) StorageSchema() sql.Schema {
	if !t.info.Meta.ChangeTracking {
		return t.info.Meta.Schema
	}
	return t.info.Meta.Schema.Append(StreamFields()...)
}

func (t *Table) CheckMutable() error {
	if t.info.Meta.Engine != meta.FuseEngine {
		return errcode.Unsupportedf("fuse: %s: %s tables can not be changed", t,
			t.info.Meta.Engine)
	}
	if t.info.DBType == meta.ShareDB {
		return errcode.Unsupportedf("fuse: %s: table in a shared database is read only", t)
	}
	return nil
}

func (t *Table) Mutable() (*Table, error) {
	err := t.CheckMutable()
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) SupportRowID() bool {
	return true
}

func (t *Table) prefix() string {
	return fmt.Sprintf("t%d", t.info.Ident.TableID)
}

// ReadSnapshot returns the current snapshot of the table, or nil if the table has never
// had any data.
func (t *Table) ReadSnapshot(ctx context.Context) (*meta.Snapshot, error) {
	if t.info.Meta.SnapshotLocation == "" {
		return nil, nil
	}
	return t.st.Operator.ReadSnapshot(ctx, t.info.Meta.SnapshotLocation)
}

// Refresh returns the table with its latest metadata.
func (t *Table) Refresh(ctx context.Context) (*Table, error) {
	info, err := t.st.Metastore.GetTableByID(ctx, t.info.Ident.TableID)
	if err != nil {
		return nil, err
	}
	return NewTable(t.st, info), nil
}

const (
	rowIDRowBits     = 24
	rowIDBlockBits   = 17
	rowIDSegmentBits = 22
)

// RowIDBase returns the row id of the first row of the block at idx in its snapshot; the
// row id of row r of the block is RowIDBase + r. Row ids are distinct within a snapshot:
// the segment index, block index, and row number each have their own bits.
func RowIDBase(idx *BlockMetaIndex, numRows uint64) (uint64, error) {
	if idx.SegmentIndex < 0 || idx.SegmentIndex >= 1<<rowIDSegmentBits ||
		idx.BlockIndex < 0 || idx.BlockIndex >= 1<<rowIDBlockBits ||
		numRows > 1<<rowIDRowBits {

		return 0, errcode.Unimplementedf(
			"fuse: no row ids for segment %d block %d with %d rows", idx.SegmentIndex,
			idx.BlockIndex, numRows)
	}
	return uint64(idx.SegmentIndex)<<(rowIDBlockBits+rowIDRowBits) |
		uint64(idx.BlockIndex)<<rowIDRowBits, nil
}

func RowID(base uint64, row int) uint64 {
	return base | uint64(row)
}

func (t *Table) computedExprs(schema sql.Schema) (map[int]expr.Expr, error) {
	var computed map[int]expr.Expr
	for cdx, f := range t.info.Meta.Schema.Fields {
		if f.Computed == "" {
			continue
		}
		e, err := expr.Parse(f.Computed, schema)
		if err != nil {
			return nil, err
		}
		if computed == nil {
			computed = map[int]expr.Expr{}
		}
		computed[cdx] = e
	}
	return computed, nil
}

// ComputedExprs returns the stored computed columns of the table by offset.
func (t *Table) ComputedExprs() (map[int]expr.Expr, error) {
	return t.computedExprs(t.Schema())
}

func convertColumn(f sql.Field, v sql.Value) (sql.Value, error) {
	v, err := sql.ConvertValue(f.Type, v)
	if err != nil {
		return nil, err
	}
	if v == nil && !f.Nullable {
		return nil, errcode.SchemaMismatchf("fuse: column %s may not be NULL", f.Name)
	}
	return v, nil
}

// prepareRows converts the values of rows, which have the columns of the table, to the
// column types and computes the computed columns; the rows returned have the storage
// schema.
func (t *Table) prepareRows(rows [][]sql.Value) ([][]sql.Value, error) {
	schema := t.Schema()
	computed, err := t.ComputedExprs()
	if err != nil {
		return nil, err
	}
	width := t.StorageSchema().Len()

	prepared := make([][]sql.Value, 0, len(rows))
	for _, row := range rows {
		if len(row) != schema.Len() {
			return nil, errcode.SchemaMismatchf("fuse: %s: row has %d columns; want %d", t,
				len(row), schema.Len())
		}
		pr := make([]sql.Value, width)
		for cdx, f := range schema.Fields {
			if _, ok := computed[cdx]; ok {
				continue
			}
			pr[cdx], err = convertColumn(f, row[cdx])
			if err != nil {
				return nil, err
			}
		}
		for _, cdx := range sortedOffsets(computed) {
			v, err := computed[cdx].Eval(expr.Row{Values: pr})
			if err != nil {
				return nil, err
			}
			pr[cdx], err = convertColumn(schema.Fields[cdx], v)
			if err != nil {
				return nil, err
			}
		}
		prepared = append(prepared, pr)
	}
	return prepared, nil
}

// writeBlocks writes rows, which have the storage schema, as blocks of at most
// MaxBlockSize rows.
func (t *Table) writeBlocks(ctx context.Context, rows [][]sql.Value) ([]*meta.BlockMeta,
	error) {

	schema := t.StorageSchema()
	max := t.st.Settings.MaxBlockSize
	var bms []*meta.BlockMeta
	for start := 0; start < len(rows); start += max {
		end := start + max
		if end > len(rows) {
			end = len(rows)
		}
		bm, err := t.st.Operator.WriteBlock(ctx, t.prefix(), schema,
			sql.NewDataBlock(schema.Len(), rows[start:end]), nil)
		if err != nil {
			return nil, err
		}
		bms = append(bms, bm)
	}
	return bms, nil
}

// Append adds the rows of blks to the table as a new segment.
func (t *Table) Append(ctx context.Context, blks ...*sql.DataBlock) (uint64, error) {
	err := t.CheckMutable()
	if err != nil {
		return 0, err
	}

	var rows [][]sql.Value
	for _, blk := range blks {
		rows = append(rows, blk.Rows()...)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	rows, err = t.prepareRows(rows)
	if err != nil {
		return 0, err
	}

	bms, err := t.writeBlocks(ctx, rows)
	if err != nil {
		return 0, err
	}
	seg := meta.NewSegment(bms)
	loc, err := t.st.Operator.WriteSegment(ctx, t.prefix(), seg)
	if err != nil {
		return 0, err
	}

	_, err = t.Commit(ctx,
		&CommitMeta{
			Kind: Insert,
			Generator: &AppendGenerator{
				Segments: []meta.Location{loc},
				Stats:    seg.Summary,
			},
			AffectedRows: uint64(len(rows)),
		},
		CommitOptions{})
	if err != nil {
		return 0, err
	}
	return uint64(len(rows)), nil
}

// Truncate removes every row from the table.
func (t *Table) Truncate(ctx context.Context) error {
	err := t.CheckMutable()
	if err != nil {
		return err
	}
	_, err = t.Commit(ctx, &CommitMeta{Kind: Truncate, Generator: TruncateGenerator{}},
		CommitOptions{})
	return err
}

func (t *Table) readSegments(ctx context.Context, ss *meta.Snapshot) ([]*meta.Segment,
	error) {

	segs := make([]*meta.Segment, len(ss.Segments))
	for sdx, loc := range ss.Segments {
		seg, err := t.st.Operator.ReadSegment(ctx, loc)
		if err != nil {
			return nil, err
		}
		segs[sdx] = seg
	}
	return segs, nil
}

// readBlock reads cols of the block of bp, filling in the change tracking columns of rows
// which have not been changed since they were tracked.
func (t *Table) readBlock(ctx context.Context, bp *BlockPart, cols []int) (*sql.DataBlock,
	error) {

	blk, err := t.st.Operator.ReadBlock(ctx, bp.BlockMeta(), cols)
	if err != nil {
		return nil, err
	}
	if t.info.Meta.ChangeTracking {
		fillStreamColumns(blk, cols, t.Schema().Len(), bp)
	}
	return blk, nil
}

func (t *Table) readPart(ctx context.Context, bp *BlockPart, cols []int) (*sql.DataBlock,
	error) {

	blk, err := t.readBlock(ctx, bp, cols)
	if err != nil {
		return nil, err
	}
	if r := bp.Range(); r != nil {
		blk = blk.Slice(int(r.Start), int(r.End))
	}
	blk.Meta = bp
	return blk, nil
}

type partSource struct {
	t        *Table
	parts    []PartInfo
	filter   expr.Expr
	isDelete bool
	pending  []*BlockPart
	read     func(ctx context.Context, bp *BlockPart) (*sql.DataBlock, error)
}

// Next resolves lazy parts only when it gets to them.
func (ps *partSource) Next(ctx context.Context) (*sql.DataBlock, error) {
	for len(ps.pending) == 0 {
		if len(ps.parts) == 0 {
			return nil, io.EOF
		}
		pi := ps.parts[0]
		ps.parts = ps.parts[1:]

		switch pi := pi.(type) {
		case *BlockPart:
			ps.pending = append(ps.pending, pi)
		case *LazyPart:
			bps, err := ps.t.ResolveLazy(ctx, pi, ps.filter, ps.isDelete)
			if err != nil {
				return nil, err
			}
			ps.pending = bps
		}
	}

	bp := ps.pending[0]
	ps.pending = ps.pending[1:]
	return ps.read(ctx, bp)
}

// Read returns a source factory for n instances which together read cols from parts.
func (t *Table) Read(parts *Partitions, cols []int, n int) pipeline.SourceFactory {
	splits := parts.Split(n)
	return func(idx int) (pipeline.Source, error) {
		return &partSource{
			t:     t,
			parts: splits[idx].All(),
			read: func(ctx context.Context, bp *BlockPart) (*sql.DataBlock, error) {
				return t.readPart(ctx, bp, cols)
			},
		}, nil
	}
}

// PartSource returns a source factory for n instances which emit the block parts of
// parts as meta blocks. Lazy parts are pruned with filter as they are resolved.
func (t *Table) PartSource(parts *Partitions, filter expr.Expr, isDelete bool,
	n int) pipeline.SourceFactory {

	splits := parts.Split(n)
	return func(idx int) (pipeline.Source, error) {
		return &partSource{
			t:        t,
			parts:    splits[idx].All(),
			filter:   filter,
			isDelete: isDelete,
			read: func(ctx context.Context, bp *BlockPart) (*sql.DataBlock, error) {
				return sql.MetaBlock(bp), nil
			},
		}, nil
	}
}

// ReadAll reads cols of every row of the table.
func (t *Table) ReadAll(ctx context.Context, cols []int) ([]*sql.DataBlock, error) {
	ss, err := t.ReadSnapshot(ctx)
	if err != nil || ss == nil {
		return nil, err
	}
	parts, err := t.MutationReadPartitions(ctx, ss, cols, nil, false, false)
	if err != nil {
		return nil, err
	}
	parts.Kind = ReadPartitions

	var blks []*sql.DataBlock
	for _, bp := range parts.Eager {
		blk, err := t.readPart(ctx, bp, cols)
		if err != nil {
			return nil, err
		}
		blks = append(blks, blk)
	}
	log.WithFields(log.Fields{
		"table":  t.String(),
		"blocks": len(blks),
	}).Debug("fuse: read all")
	return blks, nil
}

// AllColumns returns the offsets of the columns of the table, not including the change
// tracking columns.
func (t *Table) AllColumns() []int {
	cols := make([]int, t.Schema().Len())
	for idx := range cols {
		cols[idx] = idx
	}
	return cols
}
