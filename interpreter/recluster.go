package interpreter

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fuse/plan"
)

// Recluster sorts the blocks of one level of a table which overlap into blocks at the
// next level. With Final, it is repeated until there is nothing left to do, or for at most
// ReclusterMaxRounds rounds.
type Recluster struct {
	Table TableName
	Final bool
}

func (stmt *Recluster) String() string {
	s := fmt.Sprintf("ALTER TABLE %s RECLUSTER", stmt.Table)
	if stmt.Final {
		s += " FINAL"
	}
	return s
}

func (stmt *Recluster) Build(ctx context.Context, env *Env) (*BuildResult, error) {
	_, ft, br, err := mutableTable(ctx, env, stmt.Table)
	if err != nil {
		return nil, err
	}

	rm, err := ft.ReclusterMutator()
	if err != nil {
		br.Close()
		return nil, err
	}
	ss, err := ft.ReadSnapshot(ctx)
	if err != nil {
		br.Close()
		return nil, err
	}
	if ss == nil {
		br.Plan = &plan.EmptySource{}
		return br, nil
	}
	sel, err := rm.Select(ctx, ss)
	if err != nil {
		br.Close()
		return nil, err
	}
	if len(sel.Tasks) == 0 {
		br.Plan = &plan.EmptySource{}
		return br, nil
	}

	err = br.build(ctx, env, &plan.ReclusterSink{
		Input: plan.Input{
			PhysicalPlan: &plan.ReclusterSource{
				Table: ft.Info(),
				Tasks: sel.Tasks,
			},
		},
		Table:     ft.Info(),
		Selection: sel,
	})
	if err != nil {
		br.Close()
		return nil, err
	}
	return br, nil
}

func (stmt *Recluster) Execute(ctx context.Context, env *Env) (Result, error) {
	maxRounds := env.Catalog.Settings().ReclusterMaxRounds
	var res Result
	for round := 1; ; round += 1 {
		br, err := stmt.Build(ctx, env)
		if err != nil {
			return Result{}, err
		}
		if br.Pipeline == nil {
			br.Close()
			return res, nil
		}
		r, err := br.Execute(ctx)
		if err != nil {
			return Result{}, err
		}
		res.AffectedRows += r.AffectedRows
		if r.Snapshot != nil {
			res.Snapshot = r.Snapshot
		}

		fields := log.Fields{
			"table": stmt.Table.String(),
			"round": round,
			"rows":  r.AffectedRows,
		}
		log.WithFields(fields).Debug("interpreter: recluster")
		if !stmt.Final || r.AffectedRows == 0 {
			return res, nil
		} else if round >= maxRounds {
			log.WithFields(fields).Warn("interpreter: recluster final stopped at max rounds")
			return res, nil
		}
	}
}
