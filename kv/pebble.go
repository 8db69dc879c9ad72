package kv

import (
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	log "github.com/sirupsen/logrus"
)

// pebbleKV serializes updates with a mutex; an update reads its own writes through an
// indexed batch.
type pebbleKV struct {
	mutex sync.Mutex
	db    *pebble.DB
}

type pebbleUpdater struct {
	kv    *pebbleKV
	batch *pebble.Batch
}

func MakePebbleKV(dataDir string, logger *log.Logger) (KV, error) {
	err := os.MkdirAll(dataDir, 0755)
	if err != nil {
		return nil, errors.Wrapf(err, "kv: pebble: %s", dataDir)
	}

	db, err := pebble.Open(dataDir, &pebble.Options{Logger: logger})
	if err != nil {
		return nil, errors.Wrapf(err, "kv: pebble: %s", dataDir)
	}
	return &pebbleKV{
		db: db,
	}, nil
}

func prefixOptions(prefix []byte) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixEnd(prefix),
	}
}

func scanPebble(it *pebble.Iterator, fn func(key, val []byte) error) error {
	for ok := it.First(); ok; ok = it.Next() {
		err := fn(it.Key(), it.Value())
		if err != nil {
			it.Close()
			return scanned(err)
		}
	}
	return it.Close()
}

func getPebble(get func(key []byte) ([]byte, io.Closer, error), key []byte,
	fn func(val []byte) error) error {

	val, closer, err := get(key)
	if err == pebble.ErrNotFound {
		return io.EOF
	} else if err != nil {
		return err
	}
	defer closer.Close()

	return fn(val)
}

func (pkv *pebbleKV) Scan(prefix []byte, fn func(key, val []byte) error) error {
	return scanPebble(pkv.db.NewIter(prefixOptions(prefix)), fn)
}

func (pkv *pebbleKV) Get(key []byte, fn func(val []byte) error) error {
	return getPebble(pkv.db.Get, key, fn)
}

func (pkv *pebbleKV) Update() (Updater, error) {
	pkv.mutex.Lock()

	return pebbleUpdater{
		kv:    pkv,
		batch: pkv.db.NewIndexedBatch(),
	}, nil
}

func (pkv *pebbleKV) Close() error {
	return pkv.db.Close()
}

func (pu pebbleUpdater) Scan(prefix []byte, fn func(key, val []byte) error) error {
	return scanPebble(pu.batch.NewIter(prefixOptions(prefix)), fn)
}

func (pu pebbleUpdater) Get(key []byte, fn func(val []byte) error) error {
	return getPebble(pu.batch.Get, key, fn)
}

func (pu pebbleUpdater) Set(key, val []byte) error {
	return pu.batch.Set(key, val, nil)
}

func (pu pebbleUpdater) Delete(key []byte) error {
	return pu.batch.Delete(key, nil)
}

func (pu pebbleUpdater) Commit(d Durability) error {
	defer pu.kv.mutex.Unlock()

	opt := pebble.Sync
	if d == Lazy {
		opt = pebble.NoSync
	}
	return pu.batch.Commit(opt)
}

func (pu pebbleUpdater) Rollback() {
	pu.batch.Close()
	pu.kv.mutex.Unlock()
}
