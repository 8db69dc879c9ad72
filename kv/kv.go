// Package kv is the ordered key/value store behind the metastore. Keys are grouped by
// prefix and read a prefix at a time; updates are serialized and atomic. Get returns
// io.EOF when there is no key.
package kv

import (
	"io"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

type Reader interface {
	Get(key []byte, fn func(val []byte) error) error
	// Scan calls fn for each key starting with prefix, in order, until fn returns an
	// error; io.EOF stops the scan without an error.
	Scan(prefix []byte, fn func(key, val []byte) error) error
}

// Durability is what a commit must do before it returns.
type Durability int

const (
	// Durable commits are on disk when Commit returns; table metadata is written this way.
	Durable Durability = iota
	// Lazy commits may be lost in a crash; lock revisions expire on their own.
	Lazy
)

func (d Durability) String() string {
	if d == Lazy {
		return "lazy"
	}
	return "durable"
}

type Updater interface {
	Reader
	Set(key, val []byte) error
	Delete(key []byte) error
	Commit(d Durability) error
	Rollback()
}

type KV interface {
	Reader
	Update() (Updater, error)
	Close() error
}

// PrefixEnd returns the smallest key greater than every key with prefix, or nil if there
// is no such key.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] += 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func scanned(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}

// Open makes the named kind of KV store in dataDir.
func Open(kind, dataDir string, logger *log.Logger) (KV, error) {
	switch kind {
	case "btree", "memory":
		return MakeBTreeKV()
	case "badger":
		return MakeBadgerKV(dataDir, logger)
	case "bbolt":
		return MakeBBoltKV(dataDir)
	case "pebble":
		return MakePebbleKV(dataDir, logger)
	}
	return nil, errors.Errorf("kv: unknown store: %s", kind)
}
