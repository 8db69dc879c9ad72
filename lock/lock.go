// Package lock is an advisory lock per table built on the lock revisions of the metastore.
// The holder of the lowest unexpired revision of a table owns the lock; everyone else
// waits, up to a timeout, for the revisions ahead of them to go away.
package lock

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zhangyunhao116/skipmap"

	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/metastore"
	"github.com/leftmike/fuse/metrics"
	"github.com/leftmike/fuse/settings"
)

type lockKey struct {
	tableID uint64
	rev     uint64
}

type Manager struct {
	svc      *metastore.Service
	settings *settings.Settings
	metrics  *metrics.Metrics
	held     *skipmap.FuncMap[lockKey, *Guard]
}

// LockInfo describes a lock held through a manager.
type LockInfo struct {
	Table    string
	TableID  uint64
	Revision uint64
	Acquired time.Time
}

func NewManager(svc *metastore.Service, s *settings.Settings, m *metrics.Metrics) *Manager {
	return &Manager{
		svc:      svc,
		settings: s,
		metrics:  m,
		held: skipmap.NewFunc[lockKey, *Guard](func(a, b lockKey) bool {
			if a.tableID == b.tableID {
				return a.rev < b.rev
			}
			return a.tableID < b.tableID
		}),
	}
}

type TableLock struct {
	m       *Manager
	table   string
	tableID uint64
}

func (m *Manager) CreateTableLock(ti *meta.TableInfo) *TableLock {
	return &TableLock{
		m:       m,
		table:   ti.String(),
		tableID: ti.Ident.TableID,
	}
}

func (tl *TableLock) owns(ctx context.Context, rev uint64) (bool, error) {
	revs, err := tl.m.svc.ListLockRevisions(ctx, tl.tableID)
	if err != nil {
		return false, err
	}
	return len(revs) > 0 && revs[0] == rev, nil
}

// TryLock waits for the table lock until the lock timeout. On failure, the revision it
// created is deleted.
func (tl *TableLock) TryLock(ctx context.Context) (*Guard, error) {
	s := tl.m.settings
	rev, err := tl.m.svc.CreateLockRevision(ctx, tl.tableID, s.TableLockExpire)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	deadline := start.Add(s.TableLockTimeout)
	for {
		ok, err := tl.owns(ctx, rev)
		if err != nil {
			tl.abandon(rev)
			return nil, err
		} else if ok {
			break
		}

		if time.Now().After(deadline) {
			tl.abandon(rev)
			tl.m.metrics.TableLockTimeouts.Inc()
			return nil, errcode.LockTimeoutf("lock: %s: timed out after %s", tl.table,
				s.TableLockTimeout)
		}

		select {
		case <-ctx.Done():
			tl.abandon(rev)
			return nil, ctx.Err()
		case <-time.After(s.TableLockPollInterval):
		}
	}

	tl.m.metrics.TableLockWait.Observe(time.Since(start).Seconds())
	g := &Guard{
		m:        tl.m,
		key:      lockKey{tableID: tl.tableID, rev: rev},
		table:    tl.table,
		acquired: time.Now(),
		done:     make(chan struct{}),
	}
	tl.m.held.Store(g.key, g)
	g.wg.Add(1)
	go g.extend()

	log.WithFields(log.Fields{
		"table":    tl.table,
		"revision": rev,
		"waited":   time.Since(start),
	}).Debug("lock: acquired table lock")
	return g, nil
}

func (tl *TableLock) abandon(rev uint64) {
	err := tl.m.svc.DeleteLockRevision(context.Background(), tl.tableID, rev)
	if err != nil {
		log.WithField("table", tl.table).WithError(err).Warn("lock: delete revision")
	}
}

// Guard is a held table lock. Release must be called on every path; calls after the
// first do nothing.
type Guard struct {
	m        *Manager
	key      lockKey
	table    string
	acquired time.Time
	once     sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func (g *Guard) Revision() uint64 {
	return g.key.rev
}

func (g *Guard) extend() {
	defer g.wg.Done()

	s := g.m.settings
	ticker := time.NewTicker(s.TableLockExtendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			err := g.m.svc.ExtendLockRevision(context.Background(), g.key.tableID, g.key.rev,
				s.TableLockExpire)
			if err != nil {
				log.WithFields(log.Fields{
					"table":    g.table,
					"revision": g.key.rev,
				}).WithError(err).Warn("lock: extend revision")
			}
		}
	}
}

func (g *Guard) Release() {
	g.once.Do(
		func() {
			close(g.done)
			g.wg.Wait()

			g.m.held.Delete(g.key)
			err := g.m.svc.DeleteLockRevision(context.Background(), g.key.tableID, g.key.rev)
			if err != nil {
				log.WithFields(log.Fields{
					"table":    g.table,
					"revision": g.key.rev,
				}).WithError(err).Warn("lock: release table lock")
				return
			}
			log.WithFields(log.Fields{
				"table":    g.table,
				"revision": g.key.rev,
				"held":     time.Since(g.acquired),
			}).Debug("lock: released table lock")
		})
}

// Locks returns the locks held through m, ordered by table and revision.
func (m *Manager) Locks() []LockInfo {
	var lis []LockInfo
	m.held.Range(
		func(key lockKey, g *Guard) bool {
			lis = append(lis, LockInfo{
				Table:    g.table,
				TableID:  key.tableID,
				Revision: key.rev,
				Acquired: g.acquired,
			})
			return true
		})
	return lis
}
