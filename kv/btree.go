package kv

import (
	"bytes"
	"io"
	"sync"

	"github.com/google/btree"
)

// btreeKV is an in memory store. Readers use the tree as of when they started. Clone
// writes to the tree it clones, so updates clone base, which readers never see.
type btreeKV struct {
	treeMutex   sync.Mutex
	updateMutex sync.Mutex
	tree        *btree.BTree
	base        *btree.BTree
}

type btreeUpdater struct {
	bkv  *btreeKV
	tree *btree.BTree
}

type btreeItem struct {
	key []byte
	val []byte
}

func (bi btreeItem) Less(item btree.Item) bool {
	return bytes.Compare(bi.key, item.(btreeItem).key) < 0
}

func MakeBTreeKV() (KV, error) {
	tree := btree.New(16)
	return &btreeKV{
		base: tree.Clone(),
		tree: tree,
	}, nil
}

func scanTree(tree *btree.BTree, prefix []byte, fn func(key, val []byte) error) error {
	var err error
	visit := func(item btree.Item) bool {
		bi := item.(btreeItem)
		err = fn(bi.key, bi.val)
		return err == nil
	}

	if end := PrefixEnd(prefix); end != nil {
		tree.AscendRange(btreeItem{key: prefix}, btreeItem{key: end}, visit)
	} else {
		tree.AscendGreaterOrEqual(btreeItem{key: prefix}, visit)
	}
	return scanned(err)
}

func getTree(tree *btree.BTree, key []byte, fn func(val []byte) error) error {
	item := tree.Get(btreeItem{key: key})
	if item == nil {
		return io.EOF
	}
	return fn(item.(btreeItem).val)
}

func (bkv *btreeKV) current() *btree.BTree {
	bkv.treeMutex.Lock()
	defer bkv.treeMutex.Unlock()

	return bkv.tree
}

func (bkv *btreeKV) Scan(prefix []byte, fn func(key, val []byte) error) error {
	return scanTree(bkv.current(), prefix, fn)
}

func (bkv *btreeKV) Get(key []byte, fn func(val []byte) error) error {
	return getTree(bkv.current(), key, fn)
}

func (bkv *btreeKV) Update() (Updater, error) {
	bkv.updateMutex.Lock()

	return btreeUpdater{
		bkv:  bkv,
		tree: bkv.base.Clone(),
	}, nil
}

func (bkv *btreeKV) Close() error {
	return nil
}

func (bu btreeUpdater) Scan(prefix []byte, fn func(key, val []byte) error) error {
	return scanTree(bu.tree, prefix, fn)
}

func (bu btreeUpdater) Get(key []byte, fn func(val []byte) error) error {
	return getTree(bu.tree, key, fn)
}

func (bu btreeUpdater) Set(key, val []byte) error {
	bu.tree.ReplaceOrInsert(btreeItem{
		key: append([]byte(nil), key...),
		val: append([]byte(nil), val...),
	})
	return nil
}

func (bu btreeUpdater) Delete(key []byte) error {
	bu.tree.Delete(btreeItem{key: key})
	return nil
}

// Commit has nothing to make durable.
func (bu btreeUpdater) Commit(d Durability) error {
	bu.bkv.base = bu.tree.Clone()

	bu.bkv.treeMutex.Lock()
	bu.bkv.tree = bu.tree
	bu.bkv.treeMutex.Unlock()

	bu.bkv.updateMutex.Unlock()
	return nil
}

func (bu btreeUpdater) Rollback() {
	bu.bkv.updateMutex.Unlock()
}
