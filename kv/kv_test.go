package kv_test

import (
	"fmt"
	"io"
	"testing"

	"github.com/leftmike/fuse/kv"
	"github.com/leftmike/fuse/testutil"
)

func set(t *testing.T, st kv.KV, d kv.Durability, keys ...string) {
	t.Helper()

	upd, err := st.Update()
	if err != nil {
		t.Fatalf("Update() failed with %s", err)
	}
	for _, key := range keys {
		err = upd.Set([]byte(key), []byte("val-"+key))
		if err != nil {
			t.Fatalf("Set(%s) failed with %s", key, err)
		}
	}
	err = upd.Commit(d)
	if err != nil {
		t.Fatalf("Commit(%s) failed with %s", d, err)
	}
}

func scan(t *testing.T, r kv.Reader, prefix string) []string {
	t.Helper()

	var keys []string
	err := r.Scan([]byte(prefix),
		func(key, val []byte) error {
			if string(val) != "val-"+string(key) {
				return fmt.Errorf("key %s: got value %s", key, val)
			}
			keys = append(keys, string(key))
			return nil
		})
	if err != nil {
		t.Fatalf("Scan(%q) failed with %s", prefix, err)
	}
	return keys
}

func checkScan(t *testing.T, r kv.Reader, prefix string, want []string) {
	t.Helper()

	if keys := scan(t, r, prefix); !testutil.DeepEqual(keys, want) {
		t.Errorf("Scan(%q) got %v want %v", prefix, keys, want)
	}
}

func runKVTest(t *testing.T, st kv.KV) {
	t.Helper()

	set(t, st, kv.Durable, "db/x", "tn/x/1", "tn/x/2", "tn/x/3", "tn/y/1", "tn/xx/1")
	set(t, st, kv.Lazy, "lk/\x01\xff", "lk/\x02")

	checkScan(t, st, "",
		[]string{"db/x", "lk/\x01\xff", "lk/\x02", "tn/x/1", "tn/x/2", "tn/x/3", "tn/xx/1",
			"tn/y/1"})
	checkScan(t, st, "tn/x/", []string{"tn/x/1", "tn/x/2", "tn/x/3"})
	checkScan(t, st, "tn/", []string{"tn/x/1", "tn/x/2", "tn/x/3", "tn/xx/1", "tn/y/1"})
	checkScan(t, st, "lk/\x01", []string{"lk/\x01\xff"})
	checkScan(t, st, "zz", nil)

	var keys []string
	err := st.Scan([]byte("tn/"),
		func(key, val []byte) error {
			keys = append(keys, string(key))
			if len(keys) == 2 {
				return io.EOF
			}
			return nil
		})
	if err != nil {
		t.Errorf("Scan(tn/, stop) failed with %s", err)
	} else if want := []string{"tn/x/1", "tn/x/2"}; !testutil.DeepEqual(keys, want) {
		t.Errorf("Scan(tn/, stop) got %v want %v", keys, want)
	}

	var val string
	err = st.Get([]byte("tn/x/2"),
		func(v []byte) error {
			val = string(v)
			return nil
		})
	if err != nil {
		t.Errorf("Get(tn/x/2) failed with %s", err)
	} else if val != "val-tn/x/2" {
		t.Errorf("Get(tn/x/2) got %s want val-tn/x/2", val)
	}

	err = st.Get([]byte("zzz"),
		func(v []byte) error {
			return nil
		})
	if err != io.EOF {
		t.Errorf("Get(zzz) got %v want io.EOF", err)
	}

	upd, err := st.Update()
	if err != nil {
		t.Fatalf("Update() failed with %s", err)
	}
	err = upd.Delete([]byte("tn/x/2"))
	if err != nil {
		t.Fatalf("Delete(tn/x/2) failed with %s", err)
	}
	err = upd.Set([]byte("tn/x/4"), []byte("val-tn/x/4"))
	if err != nil {
		t.Fatalf("Set(tn/x/4) failed with %s", err)
	}
	err = upd.Get([]byte("tn/x/2"),
		func(v []byte) error {
			return nil
		})
	if err != io.EOF {
		t.Errorf("Updater.Get(tn/x/2) after delete got %v want io.EOF", err)
	}
	checkScan(t, upd, "tn/x/", []string{"tn/x/1", "tn/x/3", "tn/x/4"})
	upd.Rollback()

	checkScan(t, st, "tn/x/", []string{"tn/x/1", "tn/x/2", "tn/x/3"})

	upd, err = st.Update()
	if err != nil {
		t.Fatalf("Update() failed with %s", err)
	}
	err = upd.Delete([]byte("tn/x/2"))
	if err != nil {
		t.Fatalf("Delete(tn/x/2) failed with %s", err)
	}
	err = upd.Commit(kv.Durable)
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	checkScan(t, st, "tn/x/", []string{"tn/x/1", "tn/x/3"})
}

// runReopenTest checks that durable and lazy commits are both there after a clean close.
func runReopenTest(t *testing.T, open func() (kv.KV, error)) {
	t.Helper()

	st, err := open()
	if err != nil {
		t.Fatal(err)
	}
	set(t, st, kv.Durable, "tn/a", "tn/b")
	set(t, st, kv.Lazy, "lk/a")
	err = st.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}

	st, err = open()
	if err != nil {
		t.Fatal(err)
	}
	checkScan(t, st, "", []string{"lk/a", "tn/a", "tn/b"})
	st.Close()
}

func TestBTreeKV(t *testing.T) {
	st, err := kv.MakeBTreeKV()
	if err != nil {
		t.Fatal(err)
	}
	runKVTest(t, st)
	st.Close()
}

func TestBTreeKVReaders(t *testing.T) {
	st, err := kv.MakeBTreeKV()
	if err != nil {
		t.Fatal(err)
	}
	set(t, st, kv.Durable, "tn/a")

	// A scan sees the tree as of when it started.
	var keys []string
	err = st.Scan([]byte("tn/"),
		func(key, val []byte) error {
			keys = append(keys, string(key))
			set(t, st, kv.Durable, "tn/b")
			return nil
		})
	if err != nil {
		t.Fatalf("Scan(tn/) failed with %s", err)
	}
	if want := []string{"tn/a"}; !testutil.DeepEqual(keys, want) {
		t.Errorf("Scan(tn/) got %v want %v", keys, want)
	}
	checkScan(t, st, "tn/", []string{"tn/a", "tn/b"})
}

func TestBadgerKV(t *testing.T) {
	dataDir := testutil.DataDir(t, "badger")

	st, err := kv.MakeBadgerKV(dataDir, testutil.SetupLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	runKVTest(t, st)
	st.Close()

	dataDir = testutil.DataDir(t, "badger-reopen")
	runReopenTest(t,
		func() (kv.KV, error) {
			return kv.MakeBadgerKV(dataDir, testutil.SetupLogger(t))
		})
}

func TestBBoltKV(t *testing.T) {
	dataDir := testutil.DataDir(t, "bbolt")

	st, err := kv.MakeBBoltKV(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	runKVTest(t, st)
	st.Close()

	dataDir = testutil.DataDir(t, "bbolt-reopen")
	runReopenTest(t,
		func() (kv.KV, error) {
			return kv.MakeBBoltKV(dataDir)
		})
}

func TestPebbleKV(t *testing.T) {
	dataDir := testutil.DataDir(t, "pebble")

	st, err := kv.MakePebbleKV(dataDir, testutil.SetupLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	runKVTest(t, st)
	st.Close()

	dataDir = testutil.DataDir(t, "pebble-reopen")
	runReopenTest(t,
		func() (kv.KV, error) {
			return kv.MakePebbleKV(dataDir, testutil.SetupLogger(t))
		})
}

func TestOpen(t *testing.T) {
	st, err := kv.Open("memory", "", testutil.SetupLogger(t))
	if err != nil {
		t.Fatalf("Open(memory) failed with %s", err)
	}
	st.Close()

	_, err = kv.Open("nope", "", testutil.SetupLogger(t))
	if err == nil {
		t.Errorf("Open(nope) did not fail")
	}
}

func TestPrefixEnd(t *testing.T) {
	cases := []struct {
		prefix []byte
		end    []byte
	}{
		{[]byte("abc"), []byte("abd")},
		{[]byte{1, 0xFF}, []byte{2}},
		{[]byte{0xFF, 0xFF}, nil},
		{nil, nil},
	}

	for _, c := range cases {
		end := kv.PrefixEnd(c.prefix)
		if !testutil.DeepEqual(end, c.end) {
			t.Errorf("PrefixEnd(%v) got %v want %v", c.prefix, end, c.end)
		}
	}
}
