// Package fusetest sets up in memory storage for tests of tables.
package fusetest

import (
	"context"
	"testing"

	"github.com/leftmike/fuse/blockio"
	"github.com/leftmike/fuse/fuse"
	"github.com/leftmike/fuse/kv"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/metastore"
	"github.com/leftmike/fuse/metrics"
	"github.com/leftmike/fuse/settings"
	"github.com/leftmike/fuse/sql"
	"github.com/leftmike/fuse/testutil"
)

const (
	Database = "db"
)

// NewStorage returns storage backed by a btree with a database named Database.
func NewStorage(t testing.TB) *fuse.Storage {
	t.Helper()

	st, err := kv.MakeBTreeKV()
	if err != nil {
		t.Fatal(err)
	}
	op, err := blockio.NewOperator(st, meta.ZstdCompression)
	if err != nil {
		t.Fatal(err)
	}
	svc := metastore.New(st)
	err = svc.CreateDatabase(context.Background(), Database, meta.NormalDB)
	if err != nil {
		t.Fatal(err)
	}

	s := settings.Default()
	s.CommitRetryBackoff = 0
	return &fuse.Storage{
		Metastore:  svc,
		Operator:   op,
		Settings:   s,
		Metrics:    metrics.Discard(),
		ShareSaver: &metastore.MemoryShareSaver{},
	}
}

func CreateTable(t testing.TB, st *fuse.Storage, name string, tm *meta.TableMeta) *fuse.Table {
	t.Helper()

	ti, err := st.Metastore.CreateTable(context.Background(), Database, name, tm)
	if err != nil {
		t.Fatalf("CreateTable(%s) failed with %s", name, err)
	}
	return fuse.NewTable(st, ti)
}

// Latest returns tbl with its latest metadata.
func Latest(t testing.TB, tbl *fuse.Table) *fuse.Table {
	t.Helper()

	tbl, err := tbl.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() failed with %s", err)
	}
	return tbl
}

func Append(t testing.TB, tbl *fuse.Table, rows [][]sql.Value) {
	t.Helper()

	_, err := tbl.Append(context.Background(),
		sql.NewDataBlock(tbl.Schema().Len(), rows))
	if err != nil {
		t.Fatalf("Append(%s) failed with %s", tbl, err)
	}
}

// Rows returns every row of the latest version of tbl, sorted.
func Rows(t testing.TB, tbl *fuse.Table) [][]sql.Value {
	t.Helper()

	tbl = Latest(t, tbl)
	blks, err := tbl.ReadAll(context.Background(), tbl.AllColumns())
	if err != nil {
		t.Fatalf("ReadAll(%s) failed with %s", tbl, err)
	}
	var rows [][]sql.Value
	for _, blk := range blks {
		rows = append(rows, blk.Rows()...)
	}

	var sorts []sql.SortColumn
	for idx := range tbl.AllColumns() {
		sorts = append(sorts, sql.SortColumn{Offset: idx, Asc: true})
	}
	testutil.SortValues(sorts, rows)
	return rows
}
