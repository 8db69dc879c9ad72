package fuse

import (
	"context"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/expr"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/sql"
)

// MutationRequest is a bound UPDATE or DELETE. Filter is nil when every row matches;
// ColIndices are the columns Filter reads. A DELETE keeps the rows selected by
// InverseFilter when it is set. Updates and Computed are by column offset; Computed are
// evaluated after Updates, against the updated row.
//
// When Filter selects rows by row id, RowIDSource is the predicate the row ids were
// computed from; row ids are only good for the snapshot they were computed against.
type MutationRequest struct {
	Kind          MutationKind
	Filter        expr.Expr
	InverseFilter expr.Expr
	RowIDSource   expr.Expr
	ColIndices    []int
	Updates       map[int]expr.Expr
	Computed      map[int]expr.Expr
}

type MutationLogKind int

const (
	ReplacedBlock MutationLogKind = iota + 1
	DeletedBlock
)

func (mlk MutationLogKind) String() string {
	switch mlk {
	case ReplacedBlock:
		return "replaced"
	case DeletedBlock:
		return "deleted"
	}
	return fmt.Sprintf("log(%d)", int(mlk))
}

// MutationLogEntry is the change to one block: its replacement, or that it was deleted.
type MutationLogEntry struct {
	Kind         MutationLogKind
	Index        BlockMetaIndex
	Block        *meta.BlockMeta
	AffectedRows uint64
}

type Mutator struct {
	t      *Table
	req    MutationRequest
	schema sql.Schema
	cols   []int
}

func (t *Table) Mutator(req MutationRequest) (*Mutator, error) {
	err := t.CheckMutable()
	if err != nil {
		return nil, err
	}
	if req.Kind != Update && req.Kind != Delete {
		return nil, errcode.Internalf("fuse: %s: mutator for %s", t, req.Kind)
	}
	if req.Kind == Update && len(req.Updates) == 0 {
		return nil, errcode.Internalf("fuse: %s: update without any columns", t)
	}

	schema := t.StorageSchema()
	for _, cdx := range req.ColIndices {
		if cdx < 0 || cdx >= schema.Len() {
			return nil, errcode.SchemaMismatchf("fuse: %s: column %d out of range", t, cdx)
		}
	}
	for cdx := range req.Updates {
		if cdx < 0 || cdx >= t.Schema().Len() {
			return nil, errcode.SchemaMismatchf("fuse: %s: column %d out of range", t, cdx)
		}
	}

	cols := make([]int, schema.Len())
	for idx := range cols {
		cols[idx] = idx
	}
	return &Mutator{
		t:      t,
		req:    req,
		schema: schema,
		cols:   cols,
	}, nil
}

func (m *Mutator) Kind() MutationKind {
	return m.req.Kind
}

func (m *Mutator) match(ctx context.Context, bp *BlockPart, base uint64) (*roaring.Bitmap,
	error) {

	matched := roaring.New()
	if m.req.Filter == nil || bp.WholeBlock {
		matched.AddRange(0, bp.NumRows)
		return matched, nil
	}

	filter := m.req.Filter
	inverse := m.req.Kind == Delete && m.req.InverseFilter != nil
	if inverse {
		filter = m.req.InverseFilter
	}

	blk, err := m.t.readBlock(ctx, bp, m.req.ColIndices)
	if err != nil {
		return nil, err
	}
	vals := make([]sql.Value, m.schema.Len())
	selected := roaring.New()
	for r := 0; r < blk.NumRows; r += 1 {
		for idx, cdx := range m.req.ColIndices {
			vals[cdx] = blk.Columns[idx].Value(r)
		}
		v, err := filter.Eval(expr.Row{Values: vals, RowID: RowID(base, r)})
		if err != nil {
			return nil, err
		}
		if expr.IsTrue(v) {
			selected.Add(uint32(r))
		}
	}

	if !inverse {
		return selected, nil
	}
	// The rows a delete keeps are selected; it matches the rest.
	matched.AddRange(0, uint64(blk.NumRows))
	matched.AndNot(selected)
	return matched, nil
}

func (m *Mutator) updateRow(row []sql.Value, rowID uint64) ([]sql.Value, error) {
	fields := m.schema.Fields
	nr := make([]sql.Value, len(row))
	copy(nr, row)
	for _, cdx := range sortedOffsets(m.req.Updates) {
		v, err := m.req.Updates[cdx].Eval(expr.Row{Values: row, RowID: rowID})
		if err != nil {
			return nil, err
		}
		nr[cdx], err = convertColumn(fields[cdx], v)
		if err != nil {
			return nil, err
		}
	}
	for _, cdx := range sortedOffsets(m.req.Computed) {
		v, err := m.req.Computed[cdx].Eval(expr.Row{Values: nr, RowID: rowID})
		if err != nil {
			return nil, err
		}
		nr[cdx], err = convertColumn(fields[cdx], v)
		if err != nil {
			return nil, err
		}
	}
	for cdx := m.t.Schema().Len(); cdx < len(nr); cdx += 1 {
		nr[cdx] = nil
	}
	return nr, nil
}

// Apply mutates the rows of the block of bp which match the filter. Only the columns the
// filter needs are read unless some rows match. Apply returns nil when no rows match.
func (m *Mutator) Apply(ctx context.Context, bp *BlockPart) (*MutationLogEntry, error) {
	if bp.BlockMetaIndex == nil {
		return nil, errcode.Internalf("fuse: %s: part %s has no index", m.t, bp.Location)
	}
	if bp.WholeBlock && m.req.Kind == Delete {
		return &MutationLogEntry{
			Kind:         DeletedBlock,
			Index:        *bp.BlockMetaIndex,
			AffectedRows: bp.NumRows,
		}, nil
	}

	base, err := RowIDBase(bp.BlockMetaIndex, bp.NumRows)
	if err != nil {
		return nil, err
	}
	matched, err := m.match(ctx, bp, base)
	if err != nil {
		return nil, err
	}
	if matched.IsEmpty() {
		return nil, nil
	}

	entry := &MutationLogEntry{
		Index:        *bp.BlockMetaIndex,
		AffectedRows: matched.GetCardinality(),
	}
	if m.req.Kind == Delete && entry.AffectedRows == bp.NumRows {
		entry.Kind = DeletedBlock
		return entry, nil
	}

	blk, err := m.t.readBlock(ctx, bp, m.cols)
	if err != nil {
		return nil, err
	}

	var nb *sql.DataBlock
	if m.req.Kind == Delete {
		keep := make([]int, 0, blk.NumRows-int(entry.AffectedRows))
		for r := 0; r < blk.NumRows; r += 1 {
			if !matched.Contains(uint32(r)) {
				keep = append(keep, r)
			}
		}
		nb = blk.Take(keep)
	} else {
		rows := blk.Rows()
		it := matched.Iterator()
		for it.HasNext() {
			r := int(it.Next())
			rows[r], err = m.updateRow(rows[r], RowID(base, r))
			if err != nil {
				return nil, err
			}
		}
		nb = sql.NewDataBlock(m.schema.Len(), rows)
	}

	entry.Kind = ReplacedBlock
	entry.Block, err = m.t.st.Operator.WriteBlock(ctx, m.t.prefix(), m.schema, nb, nil)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (m *Mutator) Transform(ctx context.Context, blk *sql.DataBlock) ([]*sql.DataBlock,
	error) {

	bp, ok := blk.Meta.(*BlockPart)
	if !ok {
		return nil, errcode.Internalf("fuse: mutator: expected a block part; got %T", blk.Meta)
	}
	entry, err := m.Apply(ctx, bp)
	if err != nil || entry == nil {
		return nil, err
	}
	return []*sql.DataBlock{sql.MetaBlock(entry)}, nil
}

func (_ *Mutator) Finish(ctx context.Context) ([]*sql.DataBlock, error) {
	return nil, nil
}

// MutateSnapshot prunes ss with filters and applies m to each of the parts, one after the
// other; it is used to apply a mutation again to a newer snapshot.
func (m *Mutator) MutateSnapshot(ctx context.Context, ss *meta.Snapshot,
	filters *expr.Filters) (*CommitMeta, error) {

	parts, err := m.t.MutationReadPartitions(ctx, ss, m.req.ColIndices, filters, false,
		m.req.Kind == Delete)
	if err != nil {
		return nil, err
	}

	var entries []*MutationLogEntry
	for _, bp := range parts.Eager {
		entry, err := m.Apply(ctx, bp)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			entries = append(entries, entry)
		}
	}
	return m.t.aggregate(ctx, ss, m.req.Kind, entries, nil)
}

// Rederive returns a Rederive which prunes the newer snapshot with filters and applies the
// mutation to it from scratch. Row ids are computed again against the newer snapshot
// from RowIDSource; a filter on row ids without a RowIDSource can not be rederived.
func (m *Mutator) Rederive(filters *expr.Filters) Rederive {
	return func(ctx context.Context, latest *Table, ss *meta.Snapshot) (*CommitMeta, error) {
		req := m.req
		fs := filters
		if req.RowIDSource != nil {
			if ss == nil {
				return &CommitMeta{Kind: req.Kind}, nil
			}
			ids, err := latest.MatchRowIDs(ctx, ss, req.RowIDSource)
			if err != nil {
				return nil, err
			}
			log.WithFields(log.Fields{
				"table": latest.String(),
				"rows":  ids.GetCardinality(),
			}).Debug("fuse: rederive row ids")
			if ids.IsEmpty() {
				return &CommitMeta{Kind: req.Kind}, nil
			}
			fs = expr.PushDownFilters(&expr.RowIDIn{RowIDs: ids})
			req.Filter = fs.Filter
			req.InverseFilter = fs.InverseFilter
		} else if req.Filter != nil && expr.UsesRowID(req.Filter) {
			return nil, errors.Wrapf(ErrUnresolvableConflict,
				"fuse: %s: row ids changed by a concurrent commit", latest)
		}

		lm, err := latest.Mutator(req)
		if err != nil {
			return nil, err
		}
		if ss == nil {
			return &CommitMeta{Kind: req.Kind}, nil
		}
		return lm.MutateSnapshot(ctx, ss, fs)
	}
}

// MatchRowIDs returns the identities of the rows of ss selected by filter; a subquery of
// filter must already be materialized.
func (t *Table) MatchRowIDs(ctx context.Context, ss *meta.Snapshot,
	filter expr.Expr) (*roaring64.Bitmap, error) {

	cols := expr.Columns(filter)
	m, err := t.Mutator(MutationRequest{Kind: Delete, Filter: filter, ColIndices: cols})
	if err != nil {
		return nil, err
	}
	parts, err := t.MutationReadPartitions(ctx, ss, cols, nil, false, false)
	if err != nil {
		return nil, err
	}

	ids := roaring64.New()
	for _, bp := range parts.Eager {
		base, err := RowIDBase(bp.BlockMetaIndex, bp.NumRows)
		if err != nil {
			return nil, err
		}
		matched, err := m.match(ctx, bp, base)
		if err != nil {
			return nil, err
		}
		it := matched.Iterator()
		for it.HasNext() {
			ids.Add(RowID(base, int(it.Next())))
		}
	}
	return ids, nil
}

// CommitMeta is the result of a mutation, ready to be committed. Generator is nil when
// the mutation changed nothing.
type CommitMeta struct {
	Kind         MutationKind
	Generator    SnapshotGenerator
	AffectedRows uint64
}

// aggregate writes new segments for the segments changed by entries, and a segment of
// appended blocks, if any.
func (t *Table) aggregate(ctx context.Context, base *meta.Snapshot, kind MutationKind,
	entries []*MutationLogEntry, appended []*meta.BlockMeta) (*CommitMeta, error) {

	cm := &CommitMeta{Kind: kind}
	bySegment := map[int][]*MutationLogEntry{}
	for _, entry := range entries {
		cm.AffectedRows += entry.AffectedRows
		sdx := entry.Index.SegmentIndex
		bySegment[sdx] = append(bySegment[sdx], entry)
	}
	if len(bySegment) == 0 && len(appended) == 0 {
		return cm, nil
	}

	sdxs := make([]int, 0, len(bySegment))
	for sdx := range bySegment {
		sdxs = append(sdxs, sdx)
	}
	sort.Ints(sdxs)

	var crc ConflictResolveContext
	for _, sdx := range sdxs {
		loc := bySegment[sdx][0].Index.SegmentLocation
		seg, err := t.st.Operator.ReadSegment(ctx, loc)
		if err != nil {
			return nil, err
		}

		blocks := make([]*meta.BlockMeta, len(seg.Blocks))
		copy(blocks, seg.Blocks)
		for _, entry := range bySegment[sdx] {
			bdx := entry.Index.BlockIndex
			if bdx < 0 || bdx >= len(blocks) || entry.Index.SegmentLocation != loc {
				return nil, errcode.Internalf("fuse: %s: bad mutation log index: %v", t,
					entry.Index)
			}
			if entry.Kind == ReplacedBlock {
				blocks[bdx] = entry.Block
			} else {
				blocks[bdx] = nil
			}
		}

		var kept []*meta.BlockMeta
		for _, bm := range blocks {
			if bm != nil {
				kept = append(kept, bm)
			}
		}

		change := SegmentChange{Index: sdx, Base: loc}
		crc.RemovedStatistics = crc.RemovedStatistics.Merge(seg.Summary)
		if len(kept) > 0 {
			nseg := meta.NewSegment(kept)
			nloc, err := t.st.Operator.WriteSegment(ctx, t.prefix(), nseg)
			if err != nil {
				return nil, err
			}
			change.New = &nloc
			crc.AddedStatistics = crc.AddedStatistics.Merge(nseg.Summary)
		}
		crc.Changes = append(crc.Changes, change)
	}

	if len(appended) > 0 {
		seg := meta.NewSegment(appended)
		loc, err := t.st.Operator.WriteSegment(ctx, t.prefix(), seg)
		if err != nil {
			return nil, err
		}
		crc.Appended = append(crc.Appended, loc)
		crc.AddedStatistics = crc.AddedStatistics.Merge(seg.Summary)
	}

	var baseID string
	if base != nil {
		baseID = base.ID
	}
	cm.Generator = &MutationGenerator{
		BaseID: baseID,
		CRC:    crc,
	}

	log.WithFields(log.Fields{
		"table":    t.String(),
		"kind":     kind,
		"segments": len(crc.Changes),
		"appended": len(crc.Appended),
		"rows":     cm.AffectedRows,
	}).Debug("fuse: aggregate mutation")
	return cm, nil
}

// MutationAggregator collects the mutation log entries from every part and produces a
// single CommitMeta.
type MutationAggregator struct {
	t       *Table
	base    *meta.Snapshot
	kind    MutationKind
	entries []*MutationLogEntry
}

func NewMutationAggregator(t *Table, base *meta.Snapshot,
	kind MutationKind) *MutationAggregator {

	return &MutationAggregator{
		t:    t,
		base: base,
		kind: kind,
	}
}

func (ma *MutationAggregator) Transform(ctx context.Context,
	blk *sql.DataBlock) ([]*sql.DataBlock, error) {

	entry, ok := blk.Meta.(*MutationLogEntry)
	if !ok {
		return nil, errcode.Internalf("fuse: aggregator: expected a mutation log entry; got %T",
			blk.Meta)
	}
	ma.entries = append(ma.entries, entry)
	return nil, nil
}

func (ma *MutationAggregator) Finish(ctx context.Context) ([]*sql.DataBlock, error) {
	cm, err := ma.t.aggregate(ctx, ma.base, ma.kind, ma.entries, nil)
	if err != nil {
		return nil, err
	}
	return []*sql.DataBlock{sql.MetaBlock(cm)}, nil
}
