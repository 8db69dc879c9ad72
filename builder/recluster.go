package builder

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/fuse"
	"github.com/leftmike/fuse/pipeline"
	"github.com/leftmike/fuse/plan"
	"github.com/leftmike/fuse/settings"
)

// ReclusterSizing is how the rows of a recluster task are sorted and split into blocks.
type ReclusterSizing struct {
	BlockNum         int
	FinalBlockSize   int
	PartialBlockSize int
	Threads          int
}

// ReclusterSizes aims for blocks of ReclusterFillFactor percent of MaxBlockBytes, but no
// more than MaxBlockSize rows. Width is the number of parallel sources feeding the sort.
func ReclusterSizes(s *settings.Settings, totalRows, totalBytes uint64,
	width int) ReclusterSizing {

	blockNum := 1
	if s.MaxBlockBytes > 0 {
		n := totalBytes * uint64(s.ReclusterFillFactor) / (uint64(s.MaxBlockBytes) * 100)
		if n > 1 {
			blockNum = int(n)
		}
	}

	final := int(totalRows / uint64(blockNum))
	if final > s.MaxBlockSize {
		final = s.MaxBlockSize
	}
	if final < 1 {
		final = 1
	}

	partial := final
	if width > 1 && partial > s.MaxBlockSize {
		partial = s.MaxBlockSize
	}

	threads := int((totalRows + uint64(final) - 1) / uint64(final))
	if threads > s.MaxThreads {
		threads = s.MaxThreads
	}
	if threads < 1 {
		threads = 1
	}

	return ReclusterSizing{
		BlockNum:         blockNum,
		FinalBlockSize:   final,
		PartialBlockSize: partial,
		Threads:          threads,
	}
}

func (b *Builder) buildReclusterSource(ctx context.Context, p *pipeline.Pipeline,
	rs *plan.ReclusterSource) error {

	if len(rs.Tasks) == 0 {
		return p.AddSource(pipeline.EmptySource, 1)
	} else if len(rs.Tasks) > 1 {
		return errcode.Internalf("builder: %s: recluster source with %d tasks", rs.Table,
			len(rs.Tasks))
	}
	task := rs.Tasks[0]

	t, err := b.table(rs.Table)
	if err != nil {
		return err
	}
	csg, err := t.ClusterStatsGenerator(task.Level + 1)
	if err != nil {
		return err
	}

	m := b.Catalog.Storage().Metrics
	m.ReclusterBlocksToRead.Add(float64(task.Parts.Len()))
	m.ReclusterBytesToRead.Add(float64(task.TotalBytes))
	m.ReclusterRowsToRead.Add(float64(task.TotalRows))

	cols := make([]int, t.StorageSchema().Len())
	for idx := range cols {
		cols[idx] = idx
	}
	n := b.width(task.Parts.Len())
	err = p.AddSource(t.Read(task.Parts, cols, n), n)
	if err != nil {
		return err
	}
	err = p.AddTransform(
		func(idx int) (pipeline.Transform, error) {
			return pipeline.TransformFunc(csg.Augment), nil
		})
	if err != nil {
		return err
	}

	rsz := ReclusterSizes(b.settings(), task.TotalRows, task.TotalBytes, p.OutputLen())
	log.WithFields(log.Fields{
		"table":      t.String(),
		"level":      task.Level,
		"rows":       task.TotalRows,
		"bytes":      task.TotalBytes,
		"block_num":  rsz.BlockNum,
		"block_size": rsz.FinalBlockSize,
		"threads":    rsz.Threads,
	}).Debug("builder: recluster")

	err = pipeline.AddMergeSort(p, csg.OutputSchema(), csg.SortColumns(),
		rsz.PartialBlockSize, rsz.FinalBlockSize)
	if err != nil {
		return err
	}
	err = p.TryResize(rsz.Threads)
	if err != nil {
		return err
	}
	return p.AddTransform(
		func(idx int) (pipeline.Transform, error) {
			return fuse.NewBlockWriter(t, csg), nil
		})
}

func (b *Builder) buildReclusterSink(ctx context.Context, p *pipeline.Pipeline,
	rs *plan.ReclusterSink) error {

	_, err := b.build(ctx, p, rs.Input.PhysicalPlan)
	if err != nil {
		return err
	}
	t, err := b.table(rs.Table)
	if err != nil {
		return err
	}

	err = p.TryResize(1)
	if err != nil {
		return err
	}
	err = p.AddTransform(
		func(idx int) (pipeline.Transform, error) {
			return fuse.NewReclusterAggregator(t, rs.Selection), nil
		})
	if err != nil {
		return err
	}
	return p.AddSink(
		func(idx int) (pipeline.Sink, error) {
			return fuse.NewCommitSink(t, fuse.CommitOptions{}, b.Status), nil
		})
}
