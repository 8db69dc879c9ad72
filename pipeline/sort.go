package pipeline

import (
	"bytes"
	"container/heap"
	"context"
	"sort"

	"github.com/leftmike/fuse/encode"
	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/sql"
)

// AddMergeSort adds the stages of a sort of blocks with schema by sorts. Each instance
// sorts its input into runs of about partialBlockSize rows; then a single instance merges
// the runs and emits blocks of finalBlockSize rows, except for the last, which may be
// smaller.
func AddMergeSort(p *Pipeline, schema sql.Schema, sorts []sql.SortColumn, partialBlockSize,
	finalBlockSize int) error {

	if partialBlockSize < 1 || finalBlockSize < 1 {
		return errcode.Internalf("pipeline: sort block sizes %d and %d", partialBlockSize,
			finalBlockSize)
	}
	rc, err := encode.NewRowConverter(sorts, schema)
	if err != nil {
		return err
	}

	err = p.AddTransform(
		func(idx int) (Transform, error) {
			return &partialSort{
				rc:        rc,
				blockSize: partialBlockSize,
			}, nil
		})
	if err != nil {
		return err
	}
	err = p.TryResize(1)
	if err != nil {
		return err
	}
	return p.AddTransform(
		func(idx int) (Transform, error) {
			return &mergeSort{
				blockSize: finalBlockSize,
			}, nil
		})
}

type partialSort struct {
	rc        *encode.RowConverter
	blockSize int
	blks      []*sql.DataBlock
	numRows   int
}

func (ps *partialSort) Transform(ctx context.Context,
	blk *sql.DataBlock) ([]*sql.DataBlock, error) {

	if blk.IsEmpty() {
		return nil, nil
	}
	ps.blks = append(ps.blks, blk)
	ps.numRows += blk.NumRows
	if ps.numRows < ps.blockSize {
		return nil, nil
	}

	run, err := ps.sortRun()
	if err != nil {
		return nil, err
	}
	return []*sql.DataBlock{run}, nil
}

func (ps *partialSort) Finish(ctx context.Context) ([]*sql.DataBlock, error) {
	if ps.numRows == 0 {
		return nil, nil
	}
	run, err := ps.sortRun()
	if err != nil {
		return nil, err
	}
	return []*sql.DataBlock{run}, nil
}

// sortRun sorts the held blocks into one block with the row keys as an extra last column.
func (ps *partialSort) sortRun() (*sql.DataBlock, error) {
	blk := sql.ConcatBlocks(ps.blks)
	ps.blks = nil
	ps.numRows = 0

	rows, err := ps.rc.ConvertBlock(blk)
	if err != nil {
		return nil, err
	}
	indices := make([]int, blk.NumRows)
	for idx := range indices {
		indices[idx] = idx
	}
	sort.SliceStable(indices,
		func(i, j int) bool {
			return bytes.Compare(rows.Row(indices[i]), rows.Row(indices[j])) < 0
		})

	keys := &sql.DataBlock{
		Columns: []sql.Column{rows.ToColumn()},
		NumRows: blk.NumRows,
	}
	run := blk.Take(indices)
	run.AddColumn(keys.Take(indices).Columns[0])
	return run, nil
}

type sortedRun struct {
	idx  int
	blk  *sql.DataBlock
	keys *encode.Rows
	pos  int
}

type runHeap []*sortedRun

func (rh runHeap) Len() int {
	return len(rh)
}

func (rh runHeap) Less(i, j int) bool {
	cmp := bytes.Compare(rh[i].keys.Row(rh[i].pos), rh[j].keys.Row(rh[j].pos))
	if cmp == 0 {
		return rh[i].idx < rh[j].idx
	}
	return cmp < 0
}

func (rh runHeap) Swap(i, j int) {
	rh[i], rh[j] = rh[j], rh[i]
}

func (rh *runHeap) Push(x interface{}) {
	*rh = append(*rh, x.(*sortedRun))
}

func (rh *runHeap) Pop() interface{} {
	old := *rh
	n := len(old)
	x := old[n-1]
	*rh = old[:n-1]
	return x
}

type mergeSort struct {
	blockSize int
	runs      runHeap
	numCols   int
}

func (ms *mergeSort) Transform(ctx context.Context,
	blk *sql.DataBlock) ([]*sql.DataBlock, error) {

	if blk.IsEmpty() {
		return nil, nil
	}

	last := len(blk.Columns) - 1
	if last < 0 {
		return nil, errcode.Internalf("pipeline: merge sort: run without row keys")
	}
	keys, err := encode.RowsFromColumn(blk.Columns[last], blk.NumRows)
	if err != nil {
		return nil, err
	}
	blk.Columns = blk.Columns[:last]
	ms.numCols = last

	ms.runs = append(ms.runs, &sortedRun{
		idx:  len(ms.runs),
		blk:  blk,
		keys: keys,
	})
	return nil, nil
}

func (ms *mergeSort) Finish(ctx context.Context) ([]*sql.DataBlock, error) {
	heap.Init(&ms.runs)

	var blks []*sql.DataBlock
	cols := make([][]sql.Value, ms.numCols)
	var numRows int
	flush := func() {
		blk := &sql.DataBlock{
			Columns: make([]sql.Column, ms.numCols),
			NumRows: numRows,
		}
		for cdx := range cols {
			blk.Columns[cdx] = sql.ValuesColumn(cols[cdx])
			cols[cdx] = nil
		}
		blks = append(blks, blk)
		numRows = 0
	}

	for ms.runs.Len() > 0 {
		run := ms.runs[0]
		for cdx := range cols {
			cols[cdx] = append(cols[cdx], run.blk.Columns[cdx].Value(run.pos))
		}
		numRows += 1
		if numRows == ms.blockSize {
			flush()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		run.pos += 1
		if run.pos == run.blk.NumRows {
			heap.Pop(&ms.runs)
		} else {
			heap.Fix(&ms.runs, 0)
		}
	}
	if numRows > 0 {
		flush()
	}
	return blks, nil
}
