// Package pipeline runs a dataflow of stages connected by bounded channels. A stage has
// one or more instances, each made by a factory and run in its own goroutine; the number
// of instances of the next stage is the width of the pipeline, which TryResize changes.
package pipeline

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/sql"
)

// Source returns io.EOF when it has no more blocks.
type Source interface {
	Next(ctx context.Context) (*sql.DataBlock, error)
}

// Transform is called with each input block; Finish is called once after the last input
// block, and may return blocks held back until then.
type Transform interface {
	Transform(ctx context.Context, blk *sql.DataBlock) ([]*sql.DataBlock, error)
	Finish(ctx context.Context) ([]*sql.DataBlock, error)
}

type Sink interface {
	Consume(ctx context.Context, blk *sql.DataBlock) error
	Finish(ctx context.Context) error
}

// Guard is released when the pipeline is done, whether or not it succeeded.
type Guard interface {
	Release()
}

type SourceFactory func(idx int) (Source, error)
type TransformFactory func(idx int) (Transform, error)
type SinkFactory func(idx int) (Sink, error)

type stageKind int

const (
	sourceStage stageKind = iota
	transformStage
	sinkStage
)

type stage struct {
	kind       stageKind
	width      int
	sources    []Source
	transforms []Transform
	sinks      []Sink
}

type Pipeline struct {
	stages   []*stage
	width    int
	guards   []Guard
	executed bool
}

const (
	channelDepth = 2
)

func NewPipeline() *Pipeline {
	return &Pipeline{}
}

func (p *Pipeline) IsEmpty() bool {
	return len(p.stages) == 0
}

// OutputLen is the number of instances the next stage will have.
func (p *Pipeline) OutputLen() int {
	return p.width
}

func (p *Pipeline) AddLockGuard(g Guard) {
	p.guards = append(p.guards, g)
}

func (p *Pipeline) lastKind() (stageKind, bool) {
	if len(p.stages) == 0 {
		return 0, false
	}
	return p.stages[len(p.stages)-1].kind, true
}

func (p *Pipeline) AddSource(factory SourceFactory, n int) error {
	if n < 1 {
		return errcode.Internalf("pipeline: source width %d", n)
	} else if !p.IsEmpty() {
		return errcode.Internalf("pipeline: source must be the first stage")
	}

	st := &stage{kind: sourceStage, width: n}
	for idx := 0; idx < n; idx += 1 {
		src, err := factory(idx)
		if err != nil {
			return err
		}
		st.sources = append(st.sources, src)
	}
	p.stages = append(p.stages, st)
	p.width = n
	return nil
}

func (p *Pipeline) AddTransform(factory TransformFactory) error {
	if k, ok := p.lastKind(); !ok || k == sinkStage {
		return errcode.Internalf("pipeline: transform must follow a source or transform")
	}

	st := &stage{kind: transformStage, width: p.width}
	for idx := 0; idx < p.width; idx += 1 {
		t, err := factory(idx)
		if err != nil {
			return err
		}
		st.transforms = append(st.transforms, t)
	}
	p.stages = append(p.stages, st)
	return nil
}

func (p *Pipeline) AddSink(factory SinkFactory) error {
	if k, ok := p.lastKind(); !ok || k == sinkStage {
		return errcode.Internalf("pipeline: sink must follow a source or transform")
	}

	st := &stage{kind: sinkStage, width: p.width}
	for idx := 0; idx < p.width; idx += 1 {
		s, err := factory(idx)
		if err != nil {
			return err
		}
		st.sinks = append(st.sinks, s)
	}
	p.stages = append(p.stages, st)
	return nil
}

// TryResize sets the number of instances of the following stages. Every block produced
// by the current instances is available to every new instance.
func (p *Pipeline) TryResize(n int) error {
	if n < 1 {
		return errcode.Internalf("pipeline: resize to %d", n)
	} else if k, ok := p.lastKind(); !ok || k == sinkStage {
		return errcode.Internalf("pipeline: resize must follow a source or transform")
	}
	p.width = n
	return nil
}

func (p *Pipeline) releaseGuards() {
	for _, g := range p.guards {
		g.Release()
	}
	p.guards = nil
}

func send(ctx context.Context, out chan<- *sql.DataBlock, blks []*sql.DataBlock) error {
	for _, blk := range blks {
		select {
		case out <- blk:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func receive(ctx context.Context, in <-chan *sql.DataBlock) (*sql.DataBlock, error) {
	select {
	case blk, ok := <-in:
		if !ok {
			return nil, io.EOF
		}
		return blk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func runSource(ctx context.Context, src Source, out chan<- *sql.DataBlock) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		blk, err := src.Next(ctx)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		err = send(ctx, out, []*sql.DataBlock{blk})
		if err != nil {
			return err
		}
	}
}

func runTransform(ctx context.Context, t Transform, in <-chan *sql.DataBlock,
	out chan<- *sql.DataBlock) error {

	for {
		blk, err := receive(ctx, in)
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		blks, err := t.Transform(ctx, blk)
		if err != nil {
			return err
		}
		err = send(ctx, out, blks)
		if err != nil {
			return err
		}
	}

	blks, err := t.Finish(ctx)
	if err != nil {
		return err
	}
	return send(ctx, out, blks)
}

func runSink(ctx context.Context, s Sink, in <-chan *sql.DataBlock) error {
	for {
		blk, err := receive(ctx, in)
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		err = s.Consume(ctx, blk)
		if err != nil {
			return err
		}
	}
	return s.Finish(ctx)
}

// Execute runs the pipeline to completion and returns the first error. When one instance
// fails, the others are canceled. The lock guards are released before Execute returns.
func (p *Pipeline) Execute(ctx context.Context) error {
	defer p.releaseGuards()

	if p.executed {
		return errcode.Internalf("pipeline: already executed")
	}
	p.executed = true

	if k, ok := p.lastKind(); !ok || k != sinkStage {
		return errcode.Internalf("pipeline: must end with a sink")
	}

	g, gctx := errgroup.WithContext(ctx)
	var in chan *sql.DataBlock
	for _, st := range p.stages {
		st := st
		var out chan *sql.DataBlock
		if st.kind != sinkStage {
			out = make(chan *sql.DataBlock, channelDepth*st.width)
		}

		var wg sync.WaitGroup
		wg.Add(st.width)
		for idx := 0; idx < st.width; idx += 1 {
			idx := idx
			stageIn := in
			g.Go(func() error {
				defer wg.Done()

				switch st.kind {
				case sourceStage:
					return runSource(gctx, st.sources[idx], out)
				case transformStage:
					return runTransform(gctx, st.transforms[idx], stageIn, out)
				default:
					return runSink(gctx, st.sinks[idx], stageIn)
				}
			})
		}
		if out != nil {
			go func(out chan *sql.DataBlock) {
				wg.Wait()
				close(out)
			}(out)
		}
		in = out
	}

	return g.Wait()
}

type emptySource struct{}

func (_ emptySource) Next(ctx context.Context) (*sql.DataBlock, error) {
	return nil, io.EOF
}

// EmptySource produces no blocks.
func EmptySource(idx int) (Source, error) {
	return emptySource{}, nil
}

// BlocksSource produces blks, in order.
type BlocksSource struct {
	blks []*sql.DataBlock
}

func NewBlocksSource(blks []*sql.DataBlock) *BlocksSource {
	return &BlocksSource{blks: blks}
}

func (bs *BlocksSource) Next(ctx context.Context) (*sql.DataBlock, error) {
	if len(bs.blks) == 0 {
		return nil, io.EOF
	}
	blk := bs.blks[0]
	bs.blks = bs.blks[1:]
	return blk, nil
}

// TransformFunc is a Transform with nothing to do in Finish.
type TransformFunc func(ctx context.Context, blk *sql.DataBlock) ([]*sql.DataBlock, error)

func (tf TransformFunc) Transform(ctx context.Context,
	blk *sql.DataBlock) ([]*sql.DataBlock, error) {

	return tf(ctx, blk)
}

func (_ TransformFunc) Finish(ctx context.Context) ([]*sql.DataBlock, error) {
	return nil, nil
}

// SinkFunc is a Sink with nothing to do in Finish.
type SinkFunc func(ctx context.Context, blk *sql.DataBlock) error

func (sf SinkFunc) Consume(ctx context.Context, blk *sql.DataBlock) error {
	return sf(ctx, blk)
}

func (_ SinkFunc) Finish(ctx context.Context) error {
	return nil
}
