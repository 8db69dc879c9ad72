package fuse

import (
	"context"
	"math/rand"
	"reflect"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/metastore"
	"github.com/leftmike/fuse/sql"
)

const (
	maxCommitBackoff = time.Second
)

// Rederive applies a mutation again, from scratch, to ss, the snapshot of latest. It is
// used when a concurrent commit changed the same segments.
type Rederive func(ctx context.Context, latest *Table, ss *meta.Snapshot) (*CommitMeta, error)

type CommitOptions struct {
	Rederive Rederive
}

func (t *Table) backoff(ctx context.Context, attempt int) error {
	base := t.st.Settings.CommitRetryBackoff
	if base <= 0 {
		return ctx.Err()
	}
	d := base << uint(attempt)
	if d > maxCommitBackoff || d <= 0 {
		d = maxCommitBackoff
	}
	d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
	}
	return nil
}

func (t *Table) checkLatest(latest *Table) error {
	err := latest.CheckMutable()
	if err != nil {
		return err
	}
	if !reflect.DeepEqual(t.info.Meta.Schema, latest.info.Meta.Schema) {
		return errcode.SchemaMismatchf("fuse: %s: schema changed from %s to %s", t,
			t.info.Meta.Schema, latest.info.Meta.Schema)
	}
	return nil
}

func (t *Table) saveShares(ctx context.Context, ti *meta.TableInfo) error {
	if ti == nil || t.st.ShareSaver == nil {
		return nil
	}
	for _, shareID := range ti.Meta.SharedBy {
		err := t.st.ShareSaver.SaveShareTable(ctx, shareID, ti)
		if err != nil {
			return errors.Wrapf(err, "fuse: %s: share %d", t, shareID)
		}
	}
	return nil
}

// Commit publishes the snapshot generated by cm with a compare-and-swap of the table
// metadata against the version of t. When another commit wins, the latest table and
// snapshot are loaded and the snapshot is generated again, up to MaxCommitRetries
// attempts. When cm can not be applied to the latest snapshot, it is rederived if
// possible. Transient errors are retried the same way. Commit returns the new snapshot,
// or nil if cm has nothing to commit; cm is updated if it was rederived.
func (t *Table) Commit(ctx context.Context, cm *CommitMeta,
	opts CommitOptions) (*meta.Snapshot, error) {

	if cm.Generator == nil {
		return nil, nil
	}

	tbl := t
	maxRetries := t.st.Settings.MaxCommitRetries
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt += 1 {
		if attempt > 0 {
			err := t.backoff(ctx, attempt-1)
			if err != nil {
				return nil, err
			}
			tbl, err = t.Refresh(ctx)
			if err != nil {
				if errcode.IsRetryable(err) {
					lastErr = err
					continue
				}
				return nil, err
			}
			err = t.checkLatest(tbl)
			if err != nil {
				return nil, err
			}
		}

		t.st.Metrics.CommitAttempts.Inc()
		ss, err := tbl.tryCommit(ctx, cm, opts)
		if err == nil {
			if cm.Generator != nil {
				t.st.Metrics.MutationRows.WithLabelValues(cm.Kind.String()).Add(
					float64(cm.AffectedRows))
			}
			return ss, nil
		} else if errors.Is(err, ErrUnresolvableConflict) || !errcode.IsRetryable(err) {
			return nil, err
		}

		lastErr = err
		fields := log.Fields{
			"table":   t.String(),
			"kind":    cm.Kind,
			"attempt": attempt + 1,
		}
		if errcode.Is(err, errcode.ErrConflict) {
			t.st.Metrics.CommitConflicts.Inc()
			log.WithFields(fields).WithError(err).Info("fuse: commit conflict")
		} else {
			t.st.Metrics.CommitRetries.Inc()
			log.WithFields(fields).WithError(err).Warn("fuse: commit retry")
		}
	}

	return nil, errcode.Conflictf("fuse: %s: commit failed after %d attempts: %v", t,
		maxRetries, lastErr)
}

func (t *Table) tryCommit(ctx context.Context, cm *CommitMeta,
	opts CommitOptions) (*meta.Snapshot, error) {

	latest, err := t.ReadSnapshot(ctx)
	if err != nil {
		return nil, errcode.MarkTransient(err)
	}

	ckm := t.info.Meta.ClusterKeyMeta()
	ss, err := cm.Generator.Generate(latest, ckm)
	if errors.Is(err, ErrUnresolvableConflict) && opts.Rederive != nil {
		log.WithField("table", t.String()).WithError(err).Info("fuse: rederive mutation")

		rcm, err := opts.Rederive(ctx, t, latest)
		if err != nil {
			return nil, err
		}
		cm.Generator = rcm.Generator
		cm.AffectedRows = rcm.AffectedRows
		if cm.Generator == nil {
			return nil, nil
		}
		ss, err = cm.Generator.Generate(latest, ckm)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	path, err := t.st.Operator.WriteSnapshot(ctx, t.prefix(), ss)
	if err != nil {
		return nil, err
	}

	tm := t.info.Meta
	tm.SnapshotLocation = path
	reply, err := t.st.Metastore.UpdateTableMeta(ctx, metastore.UpdateTableMetaReq{
		TableID: t.info.Ident.TableID,
		Seq:     metastore.ExactSeq(t.info.Ident.Seq),
		NewMeta: &tm,
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"table":    t.String(),
		"kind":     cm.Kind,
		"snapshot": ss.ID,
		"seq":      ss.Seq,
		"version":  reply.Seq,
	}).Debug("fuse: commit")

	err = t.saveShares(ctx, reply.ShareTableInfo)
	if err != nil {
		return nil, err
	}
	return ss, nil
}

// CommitStatus is filled in by a CommitSink when its pipeline finishes.
type CommitStatus struct {
	AffectedRows uint64
	Snapshot     *meta.Snapshot
}

// CommitSink consumes the single CommitMeta produced by an aggregator and commits it.
type CommitSink struct {
	t      *Table
	opts   CommitOptions
	status *CommitStatus
	cm     *CommitMeta
}

func NewCommitSink(t *Table, opts CommitOptions, status *CommitStatus) *CommitSink {
	return &CommitSink{
		t:      t,
		opts:   opts,
		status: status,
	}
}

func (cs *CommitSink) Consume(ctx context.Context, blk *sql.DataBlock) error {
	cm, ok := blk.Meta.(*CommitMeta)
	if !ok {
		return errcode.Internalf("fuse: commit sink: expected commit meta; got %T", blk.Meta)
	}
	if cs.cm != nil {
		return errcode.Internalf("fuse: commit sink: more than one commit meta")
	}
	cs.cm = cm
	return nil
}

func (cs *CommitSink) Finish(ctx context.Context) error {
	if cs.cm == nil {
		return nil
	}
	ss, err := cs.t.Commit(ctx, cs.cm, cs.opts)
	if err != nil {
		return err
	}
	if cs.status != nil {
		cs.status.AffectedRows = cs.cm.AffectedRows
		cs.status.Snapshot = ss
	}
	return nil
}
