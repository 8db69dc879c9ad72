package metastore

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/leftmike/fuse/encode"
	"github.com/leftmike/fuse/kv"
)

// A lock revision is a key holding the time at which the revision expires; revisions are
// ordered and the holder of the lowest unexpired revision owns the lock. Revisions are
// committed lazily since they expire anyway.

func lockTablePrefix(tableID uint64) []byte {
	return encode.EncodeUint64([]byte(lockPrefix), tableID)
}

func lockKey(tableID, rev uint64) []byte {
	return encode.EncodeUint64(lockTablePrefix(tableID), rev)
}

func expireAt(expire time.Duration) []byte {
	return encode.EncodeUint64(nil, uint64(time.Now().Add(expire).UnixNano()))
}

func (svc *Service) CreateLockRevision(ctx context.Context, tableID uint64,
	expire time.Duration) (uint64, error) {

	var rev uint64
	err := svc.update(kv.Lazy,
		func(upd kv.Updater) error {
			var err error
			rev, err = nextSeq(upd)
			if err != nil {
				return transient(err, "metastore: lock %d", tableID)
			}
			return upd.Set(lockKey(tableID, rev), expireAt(expire))
		})
	return rev, err
}

func (svc *Service) ExtendLockRevision(ctx context.Context, tableID, rev uint64,
	expire time.Duration) error {

	return svc.update(kv.Lazy,
		func(upd kv.Updater) error {
			key := lockKey(tableID, rev)
			err := upd.Get(key,
				func(val []byte) error {
					return nil
				})
			if err == io.EOF {
				return errors.Errorf("metastore: lock %d: revision %d not found", tableID, rev)
			} else if err != nil {
				return transient(err, "metastore: lock %d", tableID)
			}
			return upd.Set(key, expireAt(expire))
		})
}

func (svc *Service) DeleteLockRevision(ctx context.Context, tableID, rev uint64) error {
	return svc.update(kv.Lazy,
		func(upd kv.Updater) error {
			return upd.Delete(lockKey(tableID, rev))
		})
}

// ListLockRevisions returns the unexpired revisions of the table lock in order.
func (svc *Service) ListLockRevisions(ctx context.Context, tableID uint64) ([]uint64, error) {
	now := uint64(time.Now().UnixNano())
	prefix := lockTablePrefix(tableID)

	var revs []uint64
	err := svc.kv.Scan(prefix,
		func(key, val []byte) error {
			_, rev, ok := encode.DecodeUint64(key[len(prefix):])
			if !ok {
				return errors.Errorf("metastore: lock %d: corrupt key: %v", tableID, key)
			}
			_, at, ok := encode.DecodeUint64(val)
			if !ok {
				return errors.Errorf("metastore: lock %d: corrupt revision %d", tableID, rev)
			}
			if at > now {
				revs = append(revs, rev)
			}
			return nil
		})
	if err != nil {
		return nil, transient(err, "metastore: lock %d", tableID)
	}
	return revs, nil
}
