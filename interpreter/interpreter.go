// Package interpreter plans and runs mutations of tables: UPDATE, DELETE, RECLUSTER and
// REPLACE. Planning takes the table lock, when enabled, and the lock is held until the
// pipeline of the plan is done or the BuildResult is closed.
package interpreter

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fuse/builder"
	"github.com/leftmike/fuse/catalog"
	"github.com/leftmike/fuse/fuse"
	"github.com/leftmike/fuse/license"
	"github.com/leftmike/fuse/lock"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/pipeline"
	"github.com/leftmike/fuse/plan"
)

// Env is what statements are planned against. A nil License allows no enterprise
// features.
type Env struct {
	Catalog *catalog.Catalog
	License license.Checker
}

func (env *Env) license() license.Checker {
	if env.License == nil {
		return license.DenyAll
	}
	return env.License
}

func (env *Env) lockTable(ctx context.Context, ti *meta.TableInfo) (*lock.Guard, error) {
	if !env.Catalog.Settings().EnableTableLock {
		return nil, nil
	}
	return env.Catalog.Locks().CreateTableLock(ti).TryLock(ctx)
}

// TableName is a table in a database.
type TableName struct {
	Database string
	Table    string
}

func (tn TableName) String() string {
	return fmt.Sprintf("%s.%s", tn.Database, tn.Table)
}

type Stmt interface {
	fmt.Stringer
	Build(ctx context.Context, env *Env) (*BuildResult, error)
}

type Result struct {
	AffectedRows uint64
	Snapshot     *meta.Snapshot
}

// BuildResult is a planned statement. Pipeline is nil when there is nothing to do.
// Execute or Close must be called to release the table lock.
type BuildResult struct {
	Plan     plan.PhysicalPlan
	Pipeline *pipeline.Pipeline
	status   fuse.CommitStatus
	guard    *lock.Guard
}

func (br *BuildResult) Execute(ctx context.Context) (Result, error) {
	defer br.Close()

	if br.Pipeline == nil {
		return Result{}, nil
	}
	err := br.Pipeline.Execute(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{
		AffectedRows: br.status.AffectedRows,
		Snapshot:     br.status.Snapshot,
	}, nil
}

func (br *BuildResult) Close() {
	if br.guard != nil {
		br.guard.Release()
	}
}

// build builds the pipeline of pp; the pipeline releases the lock when it is done.
func (br *BuildResult) build(ctx context.Context, env *Env, pp plan.PhysicalPlan) error {
	b := builder.Builder{
		Catalog: env.Catalog,
		Status:  &br.status,
	}
	p, err := b.Build(ctx, pp)
	if err != nil {
		return err
	}
	if br.guard != nil {
		p.AddLockGuard(br.guard)
	}
	br.Plan = pp
	br.Pipeline = p
	return nil
}

// Interpreter is a statement and the environment to run it in.
type Interpreter struct {
	Env  *Env
	Stmt Stmt
}

func (in Interpreter) Build(ctx context.Context) (*BuildResult, error) {
	return in.Stmt.Build(ctx, in.Env)
}

// Executor is a statement which needs more than one plan to run.
type Executor interface {
	Execute(ctx context.Context, env *Env) (Result, error)
}

func (in Interpreter) Execute(ctx context.Context) (Result, error) {
	var res Result
	if ex, ok := in.Stmt.(Executor); ok {
		var err error
		res, err = ex.Execute(ctx, in.Env)
		if err != nil {
			return Result{}, err
		}
	} else {
		br, err := in.Stmt.Build(ctx, in.Env)
		if err != nil {
			return Result{}, err
		}
		res, err = br.Execute(ctx)
		if err != nil {
			return Result{}, err
		}
	}

	log.WithFields(log.Fields{
		"stmt": in.Stmt.String(),
		"rows": res.AffectedRows,
	}).Info("interpreter: execute")
	return res, nil
}
