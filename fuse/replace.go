package fuse

import (
	"context"

	"github.com/RoaringBitmap/roaring"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fuse/encode"
	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/expr"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/sql"
)

// ReplaceRequest is a bound REPLACE INTO: OnConflict are the offsets of the columns which
// identify a row, and incoming rows matching DeleteWhen are dropped instead of added.
type ReplaceRequest struct {
	OnConflict []int
	DeleteWhen expr.Expr
}

// keyRange is the smallest and largest value of one on-conflict column over the incoming
// rows; existing blocks outside the range of any column can not hold a conflicting row.
type keyRange struct {
	min, max sql.Value
}

// ReplaceDeduplicator collects the incoming rows, removes the existing rows which have the
// same on-conflict key as one of them, and then appends the incoming rows.
type ReplaceDeduplicator struct {
	t    *Table
	base *meta.Snapshot
	req  ReplaceRequest
	rows [][]sql.Value
}

func (t *Table) ReplaceDeduplicator(base *meta.Snapshot,
	req ReplaceRequest) (*ReplaceDeduplicator, error) {

	err := t.CheckMutable()
	if err != nil {
		return nil, err
	}
	if len(req.OnConflict) == 0 {
		return nil, errcode.Unimplementedf("fuse: %s: replace requires on conflict columns", t)
	}
	for _, cdx := range req.OnConflict {
		if cdx < 0 || cdx >= t.Schema().Len() {
			return nil, errcode.SchemaMismatchf("fuse: %s: column %d out of range", t, cdx)
		}
	}
	if req.DeleteWhen != nil && !expr.Deterministic(req.DeleteWhen) {
		return nil, errcode.Unimplementedf("fuse: %s: delete when %s is not deterministic", t,
			req.DeleteWhen)
	}
	return &ReplaceDeduplicator{
		t:    t,
		base: base,
		req:  req,
	}, nil
}

func (rd *ReplaceDeduplicator) Transform(ctx context.Context,
	blk *sql.DataBlock) ([]*sql.DataBlock, error) {

	rd.rows = append(rd.rows, blk.Rows()...)
	return nil, nil
}

// key returns the encoded on-conflict key of row, or false if any part of it is NULL.
func (rd *ReplaceDeduplicator) key(row []sql.Value) (string, bool) {
	vals := make([]sql.Value, len(rd.req.OnConflict))
	for idx, cdx := range rd.req.OnConflict {
		if row[cdx] == nil {
			return "", false
		}
		vals[idx] = row[cdx]
	}
	return string(encode.EncodeValues(nil, vals)), true
}

func (rd *ReplaceDeduplicator) keys(rows [][]sql.Value) (map[string]struct{}, []keyRange,
	error) {

	keys := map[string]struct{}{}
	ranges := make([]keyRange, len(rd.req.OnConflict))
	for _, row := range rows {
		k, ok := rd.key(row)
		if !ok {
			continue
		}
		if _, ok := keys[k]; ok {
			return nil, nil, errcode.Unimplementedf(
				"fuse: %s: replace has more than one row with the same key", rd.t)
		}
		keys[k] = struct{}{}

		for idx, cdx := range rd.req.OnConflict {
			v := row[cdx]
			if ranges[idx].min == nil || sql.Compare(v, ranges[idx].min) < 0 {
				ranges[idx].min = v
			}
			if ranges[idx].max == nil || sql.Compare(v, ranges[idx].max) > 0 {
				ranges[idx].max = v
			}
		}
	}
	return keys, ranges, nil
}

func (rd *ReplaceDeduplicator) mayConflict(bm *meta.BlockMeta, ranges []keyRange) bool {
	for idx, cdx := range rd.req.OnConflict {
		cs, ok := bm.ColumnStats[cdx]
		if !ok {
			continue
		}
		if cs.Min == nil || cs.Max == nil {
			return false
		}
		if sql.Compare(cs.Max, ranges[idx].min) < 0 || sql.Compare(cs.Min, ranges[idx].max) > 0 {
			return false
		}
	}
	return true
}

// removeConflicts returns a log entry for each existing block which holds rows with one of
// keys.
func (rd *ReplaceDeduplicator) removeConflicts(ctx context.Context,
	keys map[string]struct{}, ranges []keyRange) ([]*MutationLogEntry, error) {

	if rd.base == nil || len(keys) == 0 {
		return nil, nil
	}
	segs, err := rd.t.readSegments(ctx, rd.base)
	if err != nil {
		return nil, err
	}

	width := rd.t.StorageSchema().Len()
	all := make([]int, width)
	for idx := range all {
		all[idx] = idx
	}

	var entries []*MutationLogEntry
	var pruned int
	for sdx, seg := range segs {
		for bdx, bm := range seg.Blocks {
			if !rd.mayConflict(bm, ranges) {
				pruned += 1
				continue
			}
			bp := NewBlockPart(bm, &BlockMetaIndex{
				SegmentIndex:    sdx,
				BlockIndex:      bdx,
				SegmentLocation: rd.base.Segments[sdx],
			})
			blk, err := rd.t.readBlock(ctx, bp, rd.req.OnConflict)
			if err != nil {
				return nil, err
			}

			row := make([]sql.Value, width)
			matched := roaring.New()
			for r := 0; r < blk.NumRows; r += 1 {
				for idx, cdx := range rd.req.OnConflict {
					row[cdx] = blk.Columns[idx].Value(r)
				}
				if k, ok := rd.key(row); ok {
					if _, ok := keys[k]; ok {
						matched.Add(uint32(r))
					}
				}
			}
			if matched.IsEmpty() {
				continue
			}

			entry := &MutationLogEntry{
				Kind:         DeletedBlock,
				Index:        *bp.BlockMetaIndex,
				AffectedRows: matched.GetCardinality(),
			}
			if entry.AffectedRows < bm.RowCount {
				blk, err = rd.t.readBlock(ctx, bp, all)
				if err != nil {
					return nil, err
				}
				keep := make([]int, 0, blk.NumRows-int(entry.AffectedRows))
				for r := 0; r < blk.NumRows; r += 1 {
					if !matched.Contains(uint32(r)) {
						keep = append(keep, r)
					}
				}
				entry.Kind = ReplacedBlock
				entry.Block, err = rd.t.st.Operator.WriteBlock(ctx, rd.t.prefix(),
					rd.t.StorageSchema(), blk.Take(keep), nil)
				if err != nil {
					return nil, err
				}
			}
			entries = append(entries, entry)
		}
	}

	log.WithFields(log.Fields{
		"table":   rd.t.String(),
		"changed": len(entries),
		"pruned":  pruned,
	}).Debug("fuse: replace conflicts")
	return entries, nil
}

func (rd *ReplaceDeduplicator) Finish(ctx context.Context) ([]*sql.DataBlock, error) {
	rows, err := rd.t.prepareRows(rd.rows)
	if err != nil {
		return nil, err
	}
	keys, ranges, err := rd.keys(rows)
	if err != nil {
		return nil, err
	}
	entries, err := rd.removeConflicts(ctx, keys, ranges)
	if err != nil {
		return nil, err
	}

	if rd.req.DeleteWhen != nil {
		var kept [][]sql.Value
		for _, row := range rows {
			v, err := rd.req.DeleteWhen.Eval(expr.Row{Values: row})
			if err != nil {
				return nil, err
			}
			if !expr.IsTrue(v) {
				kept = append(kept, row)
			}
		}
		rows = kept
	}

	appended, err := rd.t.writeBlocks(ctx, rows)
	if err != nil {
		return nil, err
	}
	cm, err := rd.t.aggregate(ctx, rd.base, Replace, entries, appended)
	if err != nil {
		return nil, err
	}
	cm.AffectedRows += uint64(len(rows))
	return []*sql.DataBlock{sql.MetaBlock(cm)}, nil
}

// Rederive replaces the same incoming rows against ss, the snapshot of latest.
func (rd *ReplaceDeduplicator) Rederive(ctx context.Context, latest *Table,
	ss *meta.Snapshot) (*CommitMeta, error) {

	nrd := &ReplaceDeduplicator{
		t:    latest,
		base: ss,
		req:  rd.req,
		rows: rd.rows,
	}
	blks, err := nrd.Finish(ctx)
	if err != nil {
		return nil, err
	}
	return blks[0].Meta.(*CommitMeta), nil
}
