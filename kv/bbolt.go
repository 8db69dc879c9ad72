package kv

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.etcd.io/bbolt"
)

var (
	fuseBucket = []byte{'f', 'u', 's', 'e'}
)

// bboltKV does not sync each transaction; a durable commit syncs the file afterwards.
type bboltKV struct {
	db *bbolt.DB
}

type bboltUpdater struct {
	db  *bbolt.DB
	tx  *bbolt.Tx
	bkt *bbolt.Bucket
}

func MakeBBoltKV(dataDir string) (KV, error) {
	err := os.MkdirAll(dataDir, 0755)
	if err != nil {
		return nil, errors.Wrapf(err, "kv: bbolt: %s", dataDir)
	}

	db, err := bbolt.Open(filepath.Join(dataDir, "fuse.bbolt"), 0644, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "kv: bbolt: %s", dataDir)
	}
	db.NoFreelistSync = true
	db.NoSync = true

	err = db.Update(
		func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(fuseBucket)
			return err
		})
	if err != nil {
		db.Close()
		return nil, err
	}

	return bboltKV{
		db: db,
	}, nil
}

func (bkv bboltKV) view(fn func(bkt *bbolt.Bucket) error) error {
	return bkv.db.View(
		func(tx *bbolt.Tx) error {
			bkt := tx.Bucket(fuseBucket)
			if bkt == nil {
				return errors.New("kv: bbolt: missing fuse bucket")
			}
			return fn(bkt)
		})
}

func scanBucket(bkt *bbolt.Bucket, prefix []byte, fn func(key, val []byte) error) error {
	cr := bkt.Cursor()
	key, val := cr.Seek(prefix)
	for key != nil && bytes.HasPrefix(key, prefix) {
		err := fn(key, val)
		if err != nil {
			return scanned(err)
		}
		key, val = cr.Next()
	}
	return nil
}

func getBucket(bkt *bbolt.Bucket, key []byte, fn func(val []byte) error) error {
	val := bkt.Get(key)
	if val == nil {
		return io.EOF
	}
	return fn(val)
}

func (bkv bboltKV) Scan(prefix []byte, fn func(key, val []byte) error) error {
	return bkv.view(
		func(bkt *bbolt.Bucket) error {
			return scanBucket(bkt, prefix, fn)
		})
}

func (bkv bboltKV) Get(key []byte, fn func(val []byte) error) error {
	return bkv.view(
		func(bkt *bbolt.Bucket) error {
			return getBucket(bkt, key, fn)
		})
}

func (bkv bboltKV) Update() (Updater, error) {
	tx, err := bkv.db.Begin(true)
	if err != nil {
		return nil, errors.Wrap(err, "kv: bbolt: begin failed")
	}
	bkt := tx.Bucket(fuseBucket)
	if bkt == nil {
		tx.Rollback()
		return nil, errors.New("kv: bbolt: missing fuse bucket")
	}
	return bboltUpdater{
		db:  bkv.db,
		tx:  tx,
		bkt: bkt,
	}, nil
}

func (bkv bboltKV) Close() error {
	return bkv.db.Close()
}

func (bu bboltUpdater) Scan(prefix []byte, fn func(key, val []byte) error) error {
	return scanBucket(bu.bkt, prefix, fn)
}

func (bu bboltUpdater) Get(key []byte, fn func(val []byte) error) error {
	return getBucket(bu.bkt, key, fn)
}

func (bu bboltUpdater) Set(key, val []byte) error {
	return bu.bkt.Put(key, val)
}

func (bu bboltUpdater) Delete(key []byte) error {
	return bu.bkt.Delete(key)
}

func (bu bboltUpdater) Commit(d Durability) error {
	err := bu.tx.Commit()
	if err != nil || d == Lazy {
		return err
	}
	return bu.db.Sync()
}

func (bu bboltUpdater) Rollback() {
	bu.tx.Rollback()
}
