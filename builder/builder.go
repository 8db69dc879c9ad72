// Package builder turns physical plans into pipelines.
package builder

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fuse/catalog"
	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/expr"
	"github.com/leftmike/fuse/fuse"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/pipeline"
	"github.com/leftmike/fuse/plan"
	"github.com/leftmike/fuse/settings"
	"github.com/leftmike/fuse/sql"
)

// Builder builds the pipeline of a plan. Status, if not nil, is filled in when the commit
// sink of the pipeline finishes.
type Builder struct {
	Catalog  *catalog.Catalog
	Settings *settings.Settings
	Status   *fuse.CommitStatus
}

func (b *Builder) settings() *settings.Settings {
	if b.Settings != nil {
		return b.Settings
	}
	return b.Catalog.Settings()
}

func (b *Builder) Build(ctx context.Context, pp plan.PhysicalPlan) (*pipeline.Pipeline,
	error) {

	p := pipeline.NewPipeline()
	_, err := b.build(ctx, p, pp)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// build adds the stages of pp to p. Sources return how to apply their mutation again to a
// newer snapshot, for the commit sink above them.
func (b *Builder) build(ctx context.Context, p *pipeline.Pipeline,
	pp plan.PhysicalPlan) (fuse.Rederive, error) {

	switch pp := pp.(type) {
	case *plan.EmptySource:
		return nil, p.AddSource(pipeline.EmptySource, 1)
	case *plan.UpdateSource:
		return b.buildUpdateSource(ctx, p, pp)
	case *plan.DeleteSource:
		return b.buildMutationSource(ctx, p, &pp.Mutation, fuse.MutationRequest{
			Kind: fuse.Delete,
		})
	case *plan.CommitSink:
		return nil, b.buildCommitSink(ctx, p, pp)
	case *plan.ReclusterSource:
		return nil, b.buildReclusterSource(ctx, p, pp)
	case *plan.ReclusterSink:
		return nil, b.buildReclusterSink(ctx, p, pp)
	case *plan.ReplaceDeduplicate:
		return b.buildReplaceDeduplicate(ctx, p, pp)
	}
	return nil, errcode.Internalf("builder: unexpected plan: %T", pp)
}

func (b *Builder) table(ti *meta.TableInfo) (*fuse.Table, error) {
	return fuse.NewTable(b.Catalog.Storage(), ti).Mutable()
}

func bindAll(m map[int]*expr.Remote, schema sql.Schema) (map[int]expr.Expr, error) {
	if len(m) == 0 {
		return nil, nil
	}
	es := map[int]expr.Expr{}
	for cdx, r := range m {
		e, err := r.Bind(schema)
		if err != nil {
			return nil, err
		}
		es[cdx] = e
	}
	return es, nil
}

func (b *Builder) buildUpdateSource(ctx context.Context, p *pipeline.Pipeline,
	us *plan.UpdateSource) (fuse.Rederive, error) {

	schema := us.Table.Meta.Schema
	updates, err := bindAll(us.Updates, schema)
	if err != nil {
		return nil, err
	}
	computed, err := bindAll(us.Computed, schema)
	if err != nil {
		return nil, err
	}
	return b.buildMutationSource(ctx, p, &us.Mutation, fuse.MutationRequest{
		Kind:     fuse.Update,
		Updates:  updates,
		Computed: computed,
	})
}

func (b *Builder) width(n int) int {
	if mt := b.settings().MaxThreads; n > mt {
		n = mt
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (b *Builder) buildMutationSource(ctx context.Context, p *pipeline.Pipeline,
	m *plan.Mutation, req fuse.MutationRequest) (fuse.Rederive, error) {

	t, err := b.table(m.Table)
	if err != nil {
		return nil, err
	}

	var filters *expr.Filters
	if m.Filters != nil {
		e, err := m.Filters.Bind(t.StorageSchema())
		if err != nil {
			return nil, err
		}
		filters = expr.PushDownFilters(e)
		req.Filter = filters.Filter
		req.InverseFilter = filters.InverseFilter
	}
	if m.RowIDSource != nil {
		req.RowIDSource, err = m.RowIDSource.Bind(t.StorageSchema())
		if err != nil {
			return nil, err
		}
	}
	req.ColIndices = m.ColIndices

	mutator, err := t.Mutator(req)
	if err != nil {
		return nil, err
	}

	n := b.width(m.Parts.Len())
	err = p.AddSource(t.PartSource(m.Parts, req.Filter, req.Kind == fuse.Delete, n), n)
	if err != nil {
		return nil, err
	}
	err = p.AddTransform(
		func(idx int) (pipeline.Transform, error) {
			mu, err := t.Mutator(req)
			if err != nil {
				return nil, err
			}
			return mu, nil
		})
	if err != nil {
		return nil, err
	}
	return mutator.Rederive(filters), nil
}

func (b *Builder) buildCommitSink(ctx context.Context, p *pipeline.Pipeline,
	cs *plan.CommitSink) error {

	rederive, err := b.build(ctx, p, cs.Input.PhysicalPlan)
	if err != nil {
		return err
	}
	t, err := b.table(cs.Table)
	if err != nil {
		return err
	}

	err = p.TryResize(1)
	if err != nil {
		return err
	}
	switch cs.Input.Kind() {
	case plan.UpdateSourceKind, plan.DeleteSourceKind:
		err = p.AddTransform(
			func(idx int) (pipeline.Transform, error) {
				return fuse.NewMutationAggregator(t, cs.Snapshot, cs.MutationKind), nil
			})
		if err != nil {
			return err
		}
	}
	return p.AddSink(
		func(idx int) (pipeline.Sink, error) {
			return fuse.NewCommitSink(t, fuse.CommitOptions{Rederive: rederive}, b.Status),
				nil
		})
}

func (b *Builder) buildReplaceDeduplicate(ctx context.Context, p *pipeline.Pipeline,
	rd *plan.ReplaceDeduplicate) (fuse.Rederive, error) {

	t, err := b.table(rd.Table)
	if err != nil {
		return nil, err
	}
	deleteWhen, err := rd.DeleteWhen.Bind(t.Schema())
	if err != nil {
		return nil, err
	}
	dedup, err := t.ReplaceDeduplicator(rd.Snapshot, fuse.ReplaceRequest{
		OnConflict: rd.OnConflict,
		DeleteWhen: deleteWhen,
	})
	if err != nil {
		return nil, err
	}

	rows := make([][]sql.Value, len(rd.Rows))
	for idx, vjs := range rd.Rows {
		rows[idx] = sql.ValuesFromJSON(vjs)
	}
	blk := sql.NewDataBlock(t.Schema().Len(), rows)
	err = p.AddSource(
		func(idx int) (pipeline.Source, error) {
			return pipeline.NewBlocksSource([]*sql.DataBlock{blk}), nil
		}, 1)
	if err != nil {
		return nil, err
	}
	err = p.AddTransform(
		func(idx int) (pipeline.Transform, error) {
			return dedup, nil
		})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"table": t.String(),
		"rows":  len(rows),
	}).Debug("builder: replace")
	return dedup.Rederive, nil
}
