package fuse

import (
	"context"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/expr"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/sql"
)

// splitClusterKey splits a cluster key into its expressions at the commas which are not
// inside parentheses or quotes.
func splitClusterKey(key string) []string {
	var parts []string
	var depth int
	var quote rune
	start := 0
	for idx, r := range key {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '(':
			depth += 1
		case r == ')':
			depth -= 1
		case r == ',' && depth == 0:
			parts = append(parts, strings.TrimSpace(key[start:idx]))
			start = idx + 1
		}
	}
	return append(parts, strings.TrimSpace(key[start:]))
}

// ClusterStatsGenerator computes the cluster key of the rows of a block: columns of the
// cluster key are used in place and other expressions are appended to the block as extra
// columns, to be removed again before the block is written.
type ClusterStatsGenerator struct {
	ClusterKeyID uint32
	Level        int32
	KeyOffsets   []int
	Extra        []expr.Expr
	schema       sql.Schema
	output       sql.Schema
}

// ClusterStatsGenerator returns the generator for blocks at level.
func (t *Table) ClusterStatsGenerator(level int32) (*ClusterStatsGenerator, error) {
	if t.info.Meta.ClusterKey == "" {
		return nil, errcode.Unsupportedf("fuse: %s: table does not have a cluster key", t)
	}

	schema := t.StorageSchema()
	csg := &ClusterStatsGenerator{
		ClusterKeyID: t.info.Meta.ClusterKeyID,
		Level:        level,
		schema:       schema,
		output:       schema,
	}
	for _, s := range splitClusterKey(t.info.Meta.ClusterKey) {
		e, err := expr.Parse(s, schema)
		if err != nil {
			return nil, err
		}
		if !expr.Deterministic(e) {
			return nil, errcode.Unimplementedf("fuse: %s: cluster key %s is not deterministic",
				t, e)
		}
		if c, ok := e.(*expr.Column); ok {
			csg.KeyOffsets = append(csg.KeyOffsets, c.Index)
			continue
		}

		dt, err := expr.TypeOf(e, schema)
		if err != nil {
			return nil, err
		}
		csg.KeyOffsets = append(csg.KeyOffsets, csg.output.Len())
		csg.output = csg.output.Append(sql.Field{
			Name:     fmt.Sprintf("_cluster_key_%d", len(csg.Extra)),
			Type:     dt,
			Nullable: true,
		})
		csg.Extra = append(csg.Extra, e)
	}
	return csg, nil
}

// OutputSchema is the schema of the blocks returned by Augment.
func (csg *ClusterStatsGenerator) OutputSchema() sql.Schema {
	return csg.output
}

// SortColumns are ascending with nulls last.
func (csg *ClusterStatsGenerator) SortColumns() []sql.SortColumn {
	sorts := make([]sql.SortColumn, len(csg.KeyOffsets))
	for idx, off := range csg.KeyOffsets {
		sorts[idx] = sql.SortColumn{Offset: off, Asc: true}
	}
	return sorts
}

// Augment appends the extra cluster key columns to blk.
func (csg *ClusterStatsGenerator) Augment(ctx context.Context,
	blk *sql.DataBlock) ([]*sql.DataBlock, error) {

	if len(csg.Extra) == 0 || blk.IsEmpty() {
		return []*sql.DataBlock{blk}, nil
	}

	extra := make([][]sql.Value, len(csg.Extra))
	for r := 0; r < blk.NumRows; r += 1 {
		row := expr.Row{Values: blk.Row(r)}
		for edx, e := range csg.Extra {
			v, err := e.Eval(row)
			if err != nil {
				return nil, err
			}
			extra[edx] = append(extra[edx], v)
		}
	}
	nb := blk.Project(csg.allColumns(len(blk.Columns)))
	for _, vals := range extra {
		nb.AddColumn(sql.ValuesColumn(vals))
	}
	return []*sql.DataBlock{nb}, nil
}

func (csg *ClusterStatsGenerator) allColumns(n int) []int {
	cols := make([]int, n)
	for idx := range cols {
		cols[idx] = idx
	}
	return cols
}

// compareKeys orders cluster keys the same way as SortColumns: ascending with nulls last.
func compareKeys(k1, k2 []sql.Value) int {
	asc := sql.SortColumn{Asc: true}
	for idx := range k1 {
		if cmp := asc.Compare(k1[idx], k2[idx]); cmp != 0 {
			return cmp
		}
	}
	return 0
}

// GenStats returns the range of the cluster key of blk, which has the output schema.
func (csg *ClusterStatsGenerator) GenStats(blk *sql.DataBlock) *meta.ClusterStatistics {
	if blk.IsEmpty() {
		return nil
	}

	key := func(r int) []sql.Value {
		k := make([]sql.Value, len(csg.KeyOffsets))
		for idx, off := range csg.KeyOffsets {
			k[idx] = blk.Columns[off].Value(r)
		}
		return k
	}

	min := key(0)
	max := min
	for r := 1; r < blk.NumRows; r += 1 {
		k := key(r)
		if compareKeys(k, min) < 0 {
			min = k
		}
		if compareKeys(k, max) > 0 {
			max = k
		}
	}
	return &meta.ClusterStatistics{
		ClusterKeyID: csg.ClusterKeyID,
		Min:          min,
		Max:          max,
		Level:        csg.Level,
	}
}

// Strip removes the extra cluster key columns from blk.
func (csg *ClusterStatsGenerator) Strip(blk *sql.DataBlock) *sql.DataBlock {
	if len(csg.Extra) == 0 {
		return blk
	}
	return blk.Project(csg.allColumns(csg.schema.Len()))
}

// BlockWriter writes each block it is given as a block of the table, with cluster
// statistics when it has a generator, and emits the metadata of the block.
type BlockWriter struct {
	t   *Table
	csg *ClusterStatsGenerator
}

func NewBlockWriter(t *Table, csg *ClusterStatsGenerator) *BlockWriter {
	return &BlockWriter{
		t:   t,
		csg: csg,
	}
}

func (bw *BlockWriter) Transform(ctx context.Context, blk *sql.DataBlock) ([]*sql.DataBlock,
	error) {

	if blk.IsEmpty() {
		return nil, nil
	}
	var cs *meta.ClusterStatistics
	if bw.csg != nil {
		cs = bw.csg.GenStats(blk)
		blk = bw.csg.Strip(blk)
	}
	bm, err := bw.t.st.Operator.WriteBlock(ctx, bw.t.prefix(), bw.t.StorageSchema(), blk, cs)
	if err != nil {
		return nil, err
	}
	return []*sql.DataBlock{sql.MetaBlock(bm)}, nil
}

func (_ *BlockWriter) Finish(ctx context.Context) ([]*sql.DataBlock, error) {
	return nil, nil
}

// ReclusterTask is a set of blocks at one level to be sorted together into blocks at the
// next level.
type ReclusterTask struct {
	Parts      *Partitions     `json:"parts"`
	Stats      meta.Statistics `json:"stats"`
	TotalRows  uint64          `json:"total_rows"`
	TotalBytes uint64          `json:"total_bytes"`
	Level      int32           `json:"level"`
}

// ReclusterSelection is what a recluster will change: the blocks of the tasks are
// replaced, and every segment that held one of them is removed. RemainedBlocks are the
// other blocks of those segments, which are kept unchanged.
type ReclusterSelection struct {
	Snapshot                *meta.Snapshot    `json:"snapshot"`
	Tasks                   []*ReclusterTask  `json:"tasks,omitempty"`
	RemainedBlocks          []*meta.BlockMeta `json:"remained_blocks,omitempty"`
	RemovedSegmentIndexes   []int             `json:"removed_segment_indexes,omitempty"`
	RemovedSegmentLocations []meta.Location   `json:"removed_segment_locations,omitempty"`
	RemovedSegmentSummary   meta.Statistics   `json:"removed_segment_summary"`
}

type ReclusterMutator struct {
	t          *Table
	blockLimit int
}

func (t *Table) ReclusterMutator() (*ReclusterMutator, error) {
	err := t.CheckMutable()
	if err != nil {
		return nil, err
	}
	if t.info.Meta.ClusterKey == "" {
		return nil, errcode.Unsupportedf("fuse: %s: table does not have a cluster key", t)
	}
	return &ReclusterMutator{
		t:          t,
		blockLimit: t.st.Settings.ReclusterBlockLimit,
	}, nil
}

type blockRef struct {
	sdx, bdx int
	bm       *meta.BlockMeta
}

func (rm *ReclusterMutator) level(bm *meta.BlockMeta) int32 {
	cs := bm.ClusterStats
	if cs == nil || cs.ClusterKeyID != rm.t.info.Meta.ClusterKeyID {
		return -1
	}
	return cs.Level
}

// needsRecluster sorts refs by the start of their cluster key ranges and returns true if
// any of the ranges overlap. Ranges which only share an end point do not overlap; a sort
// splits runs of equal keys across blocks. Unclustered blocks always need to be
// reclustered.
func needsRecluster(level int32, refs []blockRef) bool {
	if level < 0 {
		return true
	} else if len(refs) < 2 {
		return false
	}

	sort.SliceStable(refs,
		func(i, j int) bool {
			return compareKeys(refs[i].bm.ClusterStats.Min, refs[j].bm.ClusterStats.Min) < 0
		})
	max := refs[0].bm.ClusterStats.Max
	for _, ref := range refs[1:] {
		cs := ref.bm.ClusterStats
		if compareKeys(cs.Min, max) < 0 {
			return true
		}
		if compareKeys(cs.Max, max) > 0 {
			max = cs.Max
		}
	}
	return false
}

// Select picks the blocks of ss to recluster: the blocks of the lowest level whose
// cluster key ranges overlap, up to the block limit. There is at most one task.
func (rm *ReclusterMutator) Select(ctx context.Context,
	ss *meta.Snapshot) (*ReclusterSelection, error) {

	sel := &ReclusterSelection{Snapshot: ss}
	if ss == nil {
		return sel, nil
	}

	segs, err := rm.t.readSegments(ctx, ss)
	if err != nil {
		return nil, err
	}
	levels := map[int32][]blockRef{}
	for sdx, seg := range segs {
		for bdx, bm := range seg.Blocks {
			lvl := rm.level(bm)
			levels[lvl] = append(levels[lvl], blockRef{sdx: sdx, bdx: bdx, bm: bm})
		}
	}

	lvls := make([]int32, 0, len(levels))
	for lvl := range levels {
		lvls = append(lvls, lvl)
	}
	sort.Slice(lvls, func(i, j int) bool { return lvls[i] < lvls[j] })

	for _, lvl := range lvls {
		refs := levels[lvl]
		if !needsRecluster(lvl, refs) {
			continue
		}
		if rm.blockLimit > 0 && len(refs) > rm.blockLimit {
			refs = refs[:rm.blockLimit]
		}
		rm.selectTask(sel, segs, lvl, refs)
		break
	}

	log.WithFields(log.Fields{
		"table":  rm.t.String(),
		"tasks":  len(sel.Tasks),
		"remain": len(sel.RemainedBlocks),
	}).Debug("fuse: recluster select")
	return sel, nil
}

func (rm *ReclusterMutator) selectTask(sel *ReclusterSelection, segs []*meta.Segment,
	level int32, refs []blockRef) {

	task := &ReclusterTask{
		Parts: &Partitions{Kind: ReclusterPartitions},
		Level: level,
	}
	selected := map[[2]int]struct{}{}
	touched := map[int]struct{}{}
	for _, ref := range refs {
		selected[[2]int{ref.sdx, ref.bdx}] = struct{}{}
		touched[ref.sdx] = struct{}{}

		task.Parts.Eager = append(task.Parts.Eager, NewBlockPart(ref.bm, &BlockMetaIndex{
			SegmentIndex:    ref.sdx,
			BlockIndex:      ref.bdx,
			SegmentLocation: sel.Snapshot.Segments[ref.sdx],
		}))
		task.Stats = task.Stats.Merge(ref.bm.Statistics())
	}
	task.TotalRows = task.Stats.RowCount
	task.TotalBytes = task.Stats.UncompressedSize
	sel.Tasks = append(sel.Tasks, task)

	for sdx := range touched {
		sel.RemovedSegmentIndexes = append(sel.RemovedSegmentIndexes, sdx)
	}
	sort.Ints(sel.RemovedSegmentIndexes)
	for _, sdx := range sel.RemovedSegmentIndexes {
		sel.RemovedSegmentLocations = append(sel.RemovedSegmentLocations,
			sel.Snapshot.Segments[sdx])
		sel.RemovedSegmentSummary = sel.RemovedSegmentSummary.Merge(segs[sdx].Summary)
		for bdx, bm := range segs[sdx].Blocks {
			if _, ok := selected[[2]int{sdx, bdx}]; !ok {
				sel.RemainedBlocks = append(sel.RemainedBlocks, bm)
			}
		}
	}
}

// ReclusterAggregator collects the blocks written by a recluster and produces a single
// CommitMeta which replaces the removed segments with one segment holding the new blocks
// and the remained blocks.
type ReclusterAggregator struct {
	t      *Table
	sel    *ReclusterSelection
	blocks []*meta.BlockMeta
}

func NewReclusterAggregator(t *Table, sel *ReclusterSelection) *ReclusterAggregator {
	return &ReclusterAggregator{
		t:   t,
		sel: sel,
	}
}

func (ra *ReclusterAggregator) Transform(ctx context.Context,
	blk *sql.DataBlock) ([]*sql.DataBlock, error) {

	bm, ok := blk.Meta.(*meta.BlockMeta)
	if !ok {
		return nil, errcode.Internalf("fuse: recluster aggregator: expected block meta; got %T",
			blk.Meta)
	}
	ra.blocks = append(ra.blocks, bm)
	return nil, nil
}

func (ra *ReclusterAggregator) Finish(ctx context.Context) ([]*sql.DataBlock, error) {
	cm := &CommitMeta{Kind: Recluster}
	if len(ra.sel.Tasks) == 0 {
		return []*sql.DataBlock{sql.MetaBlock(cm)}, nil
	}

	sort.SliceStable(ra.blocks,
		func(i, j int) bool {
			return compareKeys(ra.blocks[i].ClusterStats.Min, ra.blocks[j].ClusterStats.Min) < 0
		})

	var crc ConflictResolveContext
	for idx, sdx := range ra.sel.RemovedSegmentIndexes {
		crc.Changes = append(crc.Changes, SegmentChange{
			Index: sdx,
			Base:  ra.sel.RemovedSegmentLocations[idx],
		})
	}
	crc.RemovedStatistics = ra.sel.RemovedSegmentSummary

	blocks := append(ra.blocks, ra.sel.RemainedBlocks...)
	if len(blocks) > 0 {
		seg := meta.NewSegment(blocks)
		loc, err := ra.t.st.Operator.WriteSegment(ctx, ra.t.prefix(), seg)
		if err != nil {
			return nil, err
		}
		crc.Appended = []meta.Location{loc}
		crc.AddedStatistics = seg.Summary
	}

	for _, task := range ra.sel.Tasks {
		cm.AffectedRows += task.TotalRows
	}
	cm.Generator = &MutationGenerator{
		BaseID: ra.sel.Snapshot.ID,
		CRC:    crc,
	}
	ra.t.st.Metrics.ReclusterBlocksWrite.Add(float64(len(ra.blocks)))

	log.WithFields(log.Fields{
		"table":   ra.t.String(),
		"written": len(ra.blocks),
		"remain":  len(ra.sel.RemainedBlocks),
	}).Info("fuse: recluster")
	return []*sql.DataBlock{sql.MetaBlock(cm)}, nil
}
