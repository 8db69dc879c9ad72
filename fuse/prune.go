package fuse

import (
	"context"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/expr"
	"github.com/leftmike/fuse/meta"
)

func sortedOffsets(m map[int]expr.Expr) []int {
	offs := make([]int, 0, len(m))
	for off := range m {
		offs = append(offs, off)
	}
	sort.Ints(offs)
	return offs
}

func statsRanges(cs map[int]meta.ColumnStatistics) expr.RangeFunc {
	return func(col int) (expr.ColumnRange, bool) {
		s, ok := cs[col]
		if !ok {
			return expr.ColumnRange{}, false
		}
		return expr.ColumnRange{
			Min:       s.Min,
			Max:       s.Max,
			NullCount: s.NullCount,
		}, true
	}
}

func filterExpr(filters *expr.Filters) expr.Expr {
	if filters == nil {
		return nil
	}
	return filters.Filter
}

// FastUpdate returns the snapshot a mutation with filters starts from, and the filters it
// needs. The snapshot is nil when the mutation can not change any rows: the table is
// empty, the filter is constant false, or the table statistics show that no row can
// match. The filters are nil when every row matches.
func (t *Table) FastUpdate(ctx context.Context, filters *expr.Filters, colIndices []int,
	queryRowID bool) (*meta.Snapshot, *expr.Filters, error) {

	ss, err := t.ReadSnapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	return t.FastUpdateAt(ctx, ss, filters, colIndices, queryRowID)
}

// FastUpdateAt is FastUpdate starting from ss rather than the current snapshot.
func (t *Table) FastUpdateAt(ctx context.Context, ss *meta.Snapshot, filters *expr.Filters,
	colIndices []int, queryRowID bool) (*meta.Snapshot, *expr.Filters, error) {

	width := t.StorageSchema().Len()
	for _, cdx := range colIndices {
		if cdx < 0 || cdx >= width {
			return nil, nil, errcode.SchemaMismatchf("fuse: %s: column %d out of range", t,
				cdx)
		}
	}

	if ss == nil || ss.Summary.RowCount == 0 {
		return nil, nil, nil
	}
	if filters == nil {
		return ss, nil, nil
	}

	if v, ok := expr.ConstantValue(filters.Filter); ok {
		if expr.IsTrue(v) {
			return ss, nil, nil
		}
		return nil, nil, nil
	}
	if !queryRowID &&
		expr.EvalRange(filters.Filter, ss.Summary.RowCount,
			statsRanges(ss.Summary.ColumnStats)) == expr.Never {

		log.WithField("table", t.String()).Debug("fuse: fast update: no rows match")
		return nil, nil, nil
	}
	return ss, filters, nil
}

// pruneSegment returns the blocks of seg which might have rows selected by filter. For a
// delete, blocks where every row is selected are marked as whole blocks.
func pruneSegment(sdx int, loc meta.Location, seg *meta.Segment, filter expr.Expr,
	isDelete bool) []*BlockPart {

	var bps []*BlockPart
	for bdx, bm := range seg.Blocks {
		tri := expr.Maybe
		if filter == nil {
			tri = expr.Always
		} else if !expr.UsesRowID(filter) {
			tri = expr.EvalRange(filter, bm.RowCount, statsRanges(bm.ColumnStats))
		}
		if tri == expr.Never {
			continue
		}

		bp := NewBlockPart(bm, &BlockMetaIndex{
			SegmentIndex:    sdx,
			BlockIndex:      bdx,
			SegmentLocation: loc,
		})
		bp.WholeBlock = isDelete && tri == expr.Always
		bps = append(bps, bp)
	}
	return bps
}

func segmentMatches(seg *meta.Segment, filter expr.Expr) bool {
	if filter == nil || expr.UsesRowID(filter) {
		return true
	}
	return expr.EvalRange(filter, seg.Summary.RowCount,
		statsRanges(seg.Summary.ColumnStats)) != expr.Never
}

// MutationReadPartitions returns the parts of ss that a mutation with filters needs to
// read. When isLazy, each segment is a lazy part and is pruned only when it is resolved.
func (t *Table) MutationReadPartitions(ctx context.Context, ss *meta.Snapshot,
	colIndices []int, filters *expr.Filters, isLazy, isDelete bool) (*Partitions, error) {

	parts := &Partitions{Kind: MutationPartitions}
	if ss == nil {
		return parts, nil
	}

	if isLazy {
		for sdx, loc := range ss.Segments {
			parts.Lazy = append(parts.Lazy, &LazyPart{
				SegmentIndex:    sdx,
				SegmentLocation: loc,
			})
		}
		return parts, nil
	}

	filter := filterExpr(filters)
	var total int
	for sdx, loc := range ss.Segments {
		seg, err := t.st.Operator.ReadSegment(ctx, loc)
		if err != nil {
			return nil, err
		}
		total += len(seg.Blocks)
		if !segmentMatches(seg, filter) {
			continue
		}
		parts.Eager = append(parts.Eager, pruneSegment(sdx, loc, seg, filter, isDelete)...)
	}

	log.WithFields(log.Fields{
		"table":  t.String(),
		"blocks": total,
		"parts":  len(parts.Eager),
		"cols":   colIndices,
	}).Debug("fuse: mutation read partitions")
	return parts, nil
}

// ResolveLazy loads the segment of lp and prunes its blocks with filter.
func (t *Table) ResolveLazy(ctx context.Context, lp *LazyPart, filter expr.Expr,
	isDelete bool) ([]*BlockPart, error) {

	seg, err := t.st.Operator.ReadSegment(ctx, lp.SegmentLocation)
	if err != nil {
		return nil, err
	}
	if !segmentMatches(seg, filter) {
		return nil, nil
	}
	return pruneSegment(lp.SegmentIndex, lp.SegmentLocation, seg, filter, isDelete), nil
}
