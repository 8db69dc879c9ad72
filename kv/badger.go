package kv

import (
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger"
	log "github.com/sirupsen/logrus"
)

// badgerKV writes without syncing; a durable commit syncs the value log afterwards.
type badgerKV struct {
	mutex sync.Mutex
	db    *badger.DB
}

type badgerUpdater struct {
	kv *badgerKV
	tx *badger.Txn
}

func MakeBadgerKV(dataDir string, logger *log.Logger) (KV, error) {
	err := os.MkdirAll(dataDir, 0755)
	if err != nil {
		return nil, errors.Wrapf(err, "kv: badger: %s", dataDir)
	}

	opts := badger.DefaultOptions(dataDir)
	opts = opts.WithBypassLockGuard(true)
	opts = opts.WithLogger(logger)
	opts = opts.WithSyncWrites(false)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "kv: badger: %s", dataDir)
	}
	return &badgerKV{
		db: db,
	}, nil
}

func scanTxn(tx *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := tx.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		err := item.Value(
			func(val []byte) error {
				return fn(item.Key(), val)
			})
		if err != nil {
			return scanned(err)
		}
	}
	return nil
}

func getTxn(tx *badger.Txn, key []byte, fn func(val []byte) error) error {
	item, err := tx.Get(key)
	if err == badger.ErrKeyNotFound {
		return io.EOF
	} else if err != nil {
		return err
	}
	return item.Value(fn)
}

func (bkv *badgerKV) Scan(prefix []byte, fn func(key, val []byte) error) error {
	return bkv.db.View(
		func(tx *badger.Txn) error {
			return scanTxn(tx, prefix, fn)
		})
}

func (bkv *badgerKV) Get(key []byte, fn func(val []byte) error) error {
	return bkv.db.View(
		func(tx *badger.Txn) error {
			return getTxn(tx, key, fn)
		})
}

func (bkv *badgerKV) Update() (Updater, error) {
	bkv.mutex.Lock()

	return badgerUpdater{
		kv: bkv,
		tx: bkv.db.NewTransaction(true),
	}, nil
}

func (bkv *badgerKV) Close() error {
	return bkv.db.Close()
}

func (bu badgerUpdater) Scan(prefix []byte, fn func(key, val []byte) error) error {
	return scanTxn(bu.tx, prefix, fn)
}

func (bu badgerUpdater) Get(key []byte, fn func(val []byte) error) error {
	return getTxn(bu.tx, key, fn)
}

func (bu badgerUpdater) Set(key, val []byte) error {
	return bu.tx.Set(append([]byte(nil), key...), append([]byte(nil), val...))
}

func (bu badgerUpdater) Delete(key []byte) error {
	return bu.tx.Delete(append([]byte(nil), key...))
}

func (bu badgerUpdater) Commit(d Durability) error {
	defer bu.kv.mutex.Unlock()

	err := bu.tx.Commit()
	if err != nil || d == Lazy {
		return err
	}
	return bu.kv.db.Sync()
}

func (bu badgerUpdater) Rollback() {
	bu.tx.Discard()
	bu.kv.mutex.Unlock()
}
