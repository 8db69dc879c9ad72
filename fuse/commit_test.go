package fuse_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/fuse"
	"github.com/leftmike/fuse/fuse/fusetest"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/metastore"
	"github.com/leftmike/fuse/sql"
	"github.com/leftmike/fuse/testutil"
)

func bFifth(i int) sql.Value {
	if i%5 == 0 {
		return sql.Int64Value(10)
	}
	return sql.Int64Value(0)
}

func TestCommitConcurrentDelete(t *testing.T) {
	ctx := context.Background()
	st := fusetest.NewStorage(t)
	tbl := createAB(t, st, "t")
	fusetest.Append(t, tbl, abRows(0, 100, bFifth))
	tbl = fusetest.Latest(t, tbl)

	// UPDATE t SET a = a + 1 WHERE b > 5
	m, filters, cm := mutate(t, tbl, updateRequest(0, "a + 1"), "b > 5")
	if cm.AffectedRows != 20 {
		t.Fatalf("Update.AffectedRows got %d want 20", cm.AffectedRows)
	}

	// DELETE FROM t WHERE a = 1, committed first
	other := fusetest.Latest(t, tbl)
	_, _, dcm := mutate(t, other, deleteRequest(), "a = 1")
	_, err := other.Commit(ctx, dcm, fuse.CommitOptions{})
	if err != nil {
		t.Fatalf("Commit(delete) failed with %s", err)
	}

	ss, err := tbl.Commit(ctx, cm, fuse.CommitOptions{Rederive: m.Rederive(filters)})
	if err != nil {
		t.Fatalf("Commit(update) failed with %s", err)
	}
	if ss.Summary.RowCount != 99 {
		t.Errorf("Summary.RowCount got %d want 99", ss.Summary.RowCount)
	}
	if cm.AffectedRows != 20 {
		t.Errorf("Update.AffectedRows got %d want 20", cm.AffectedRows)
	}

	if n := promtest.ToFloat64(st.Metrics.CommitConflicts); n != 1 {
		t.Errorf("CommitConflicts got %f want 1", n)
	}
	if n := promtest.ToFloat64(st.Metrics.CommitAttempts); n != 4 {
		t.Errorf("CommitAttempts got %f want 4", n)
	}
	if n := promtest.ToFloat64(st.Metrics.MutationRows.WithLabelValues("update")); n != 20 {
		t.Errorf("MutationRows(update) got %f want 20", n)
	}

	var want [][]sql.Value
	for _, row := range abRows(0, 100, bFifth) {
		a := row[0].(sql.Int64Value)
		if a == 1 {
			continue
		}
		if a%5 == 0 {
			row[0] = a + 1
		}
		want = append(want, row)
	}
	testutil.SortValues([]sql.SortColumn{{Offset: 0, Asc: true}, {Offset: 1, Asc: true}}, want)

	rows := fusetest.Rows(t, tbl)
	var trc string
	if !testutil.DeepEqual(rows, want, &trc) {
		t.Errorf("Rows() got %v want %v: %s", rows, want, trc)
	}
}

func TestCommitUnresolvable(t *testing.T) {
	ctx := context.Background()
	st := fusetest.NewStorage(t)
	tbl := createAB(t, st, "t")
	fusetest.Append(t, tbl, abRows(0, 10, bMod))
	tbl = fusetest.Latest(t, tbl)

	_, _, cm := mutate(t, tbl, deleteRequest(), "b > 5")
	other := fusetest.Latest(t, tbl)
	_, _, dcm := mutate(t, other, deleteRequest(), "a = 1")
	_, err := other.Commit(ctx, dcm, fuse.CommitOptions{})
	if err != nil {
		t.Fatalf("Commit(delete) failed with %s", err)
	}

	_, err = tbl.Commit(ctx, cm, fuse.CommitOptions{})
	if !errors.Is(err, fuse.ErrUnresolvableConflict) {
		t.Errorf("Commit(stale) got %v want unresolvable conflict", err)
	}
	if !errcode.Is(err, errcode.ErrConflict) {
		t.Errorf("Commit(stale) got %v want conflict", err)
	}
	if rows := fusetest.Rows(t, tbl); len(rows) != 9 {
		t.Errorf("Rows() got %d rows want 9", len(rows))
	}
}

func TestCommitRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	st := fusetest.NewStorage(t)
	st.Settings.MaxCommitRetries = 1
	tbl := createAB(t, st, "t")

	fusetest.Append(t, tbl, abRows(0, 10, bMod))
	_, err := tbl.Append(ctx, sql.NewDataBlock(2, abRows(10, 20, bMod)))
	if !errcode.Is(err, errcode.ErrConflict) {
		t.Errorf("Append(stale) got %v want conflict", err)
	}
	if errors.Is(err, fuse.ErrUnresolvableConflict) {
		t.Errorf("Append(stale) got %v want a resolvable conflict", err)
	}
	if rows := fusetest.Rows(t, tbl); len(rows) != 10 {
		t.Errorf("Rows() got %d rows want 10", len(rows))
	}
}

func TestCommitConcurrentAppend(t *testing.T) {
	st := fusetest.NewStorage(t)
	tbl := createAB(t, st, "t")

	fusetest.Append(t, tbl, abRows(0, 10, bMod))
	fusetest.Append(t, tbl, abRows(10, 20, bMod))
	fusetest.Append(t, tbl, abRows(20, 30, bMod))

	rows := fusetest.Rows(t, tbl)
	if !testutil.DeepEqual(rows, abRows(0, 30, bMod)) {
		t.Errorf("Rows() got %v want %v", rows, abRows(0, 30, bMod))
	}
	if n := promtest.ToFloat64(st.Metrics.CommitConflicts); n != 2 {
		t.Errorf("CommitConflicts got %f want 2", n)
	}
}

func TestCommitSchemaChanged(t *testing.T) {
	ctx := context.Background()
	st := fusetest.NewStorage(t)
	tbl := createAB(t, st, "t")

	tm := tbl.Info().Meta
	tm.Schema = tm.Schema.Append(sql.Field{Name: "c", Type: sql.StringType, Nullable: true})
	_, err := st.Metastore.UpdateTableMeta(ctx, metastore.UpdateTableMetaReq{
		TableID: tbl.Info().Ident.TableID,
		Seq:     metastore.AnySeq,
		NewMeta: &tm,
	})
	if err != nil {
		t.Fatalf("UpdateTableMeta() failed with %s", err)
	}

	_, err = tbl.Append(ctx, sql.NewDataBlock(2, abRows(0, 10, bMod)))
	if !errcode.Is(err, errcode.ErrSchemaMismatch) {
		t.Errorf("Append(stale schema) got %v want schema mismatch", err)
	}
}

func TestCommitShares(t *testing.T) {
	st := fusetest.NewStorage(t)
	tbl := fusetest.CreateTable(t, st, "t", &meta.TableMeta{
		Engine:   meta.FuseEngine,
		Schema:   abSchema,
		SharedBy: []uint64{7},
	})

	fusetest.Append(t, tbl, abRows(0, 10, bMod))
	fusetest.Append(t, fusetest.Latest(t, tbl), abRows(10, 20, bMod))

	saved := st.ShareSaver.(*metastore.MemoryShareSaver).Saved(7)
	if len(saved) != 2 {
		t.Fatalf("Saved(7) got %d tables want 2", len(saved))
	}
	if saved[1].Meta.SnapshotLocation == saved[0].Meta.SnapshotLocation {
		t.Errorf("Saved(7) got the same snapshot twice: %s", saved[0].Meta.SnapshotLocation)
	}
}

func TestCommitNothing(t *testing.T) {
	st := fusetest.NewStorage(t)
	tbl := createAB(t, st, "t")

	ss, err := tbl.Commit(context.Background(), &fuse.CommitMeta{Kind: fuse.Delete},
		fuse.CommitOptions{})
	if err != nil || ss != nil {
		t.Errorf("Commit(nothing) got %v, %v want nil, nil", ss, err)
	}
	if n := promtest.ToFloat64(st.Metrics.CommitAttempts); n != 0 {
		t.Errorf("CommitAttempts got %f want 0", n)
	}
}

func TestMutationGenerator(t *testing.T) {
	loc := func(n string) meta.Location {
		return meta.Location{Path: n}
	}
	stats := func(n uint64) meta.Statistics {
		return meta.Statistics{RowCount: n, BlockCount: 1}
	}
	s1 := loc("s1")
	latest := meta.NewSnapshot([]meta.Location{loc("s0"), s1, loc("s2"), loc("s3")},
		meta.Statistics{RowCount: 40, BlockCount: 4}, nil)

	mg := &fuse.MutationGenerator{
		BaseID: "base",
		CRC: fuse.ConflictResolveContext{
			Changes: []fuse.SegmentChange{
				{Index: 1, Base: s1, New: &meta.Location{Path: "n1"}},
				{Index: 2, Base: loc("s2")},
			},
			Appended:          []meta.Location{loc("a0")},
			RemovedStatistics: meta.Statistics{RowCount: 20, BlockCount: 2},
			AddedStatistics:   stats(15),
		},
	}
	ss, err := mg.Generate(latest, nil)
	if err != nil {
		t.Fatalf("Generate() failed with %s", err)
	}
	want := []meta.Location{loc("s0"), loc("n1"), loc("s3"), loc("a0")}
	if !testutil.DeepEqual(ss.Segments, want) {
		t.Errorf("Generate().Segments got %v want %v", ss.Segments, want)
	}
	if ss.Summary.RowCount != 35 || ss.Summary.BlockCount != 3 {
		t.Errorf("Generate().Summary got %d rows %d blocks want 35 rows 3 blocks",
			ss.Summary.RowCount, ss.Summary.BlockCount)
	}
	if ss.PrevID != latest.ID || ss.Seq != latest.Seq+1 {
		t.Errorf("Generate() got prev %s seq %d want prev %s seq %d", ss.PrevID, ss.Seq,
			latest.ID, latest.Seq+1)
	}

	moved := meta.NewSnapshot([]meta.Location{loc("s0"), loc("s3")}, stats(20), nil)
	_, err = mg.Generate(moved, nil)
	if !errors.Is(err, fuse.ErrUnresolvableConflict) {
		t.Errorf("Generate(moved) got %v want unresolvable conflict", err)
	}
	_, err = mg.Generate(nil, nil)
	if !errors.Is(err, fuse.ErrUnresolvableConflict) {
		t.Errorf("Generate(nil) got %v want unresolvable conflict", err)
	}

	ag := &fuse.AppendGenerator{Segments: []meta.Location{loc("a1")}, Stats: stats(5)}
	ss, err = ag.Generate(moved, &meta.ClusterKeyMeta{ID: 1, Key: "a"})
	if err != nil {
		t.Fatalf("AppendGenerator.Generate() failed with %s", err)
	}
	want = []meta.Location{loc("s0"), loc("s3"), loc("a1")}
	if !testutil.DeepEqual(ss.Segments, want) {
		t.Errorf("AppendGenerator.Generate().Segments got %v want %v", ss.Segments, want)
	}
	if ss.ClusterKeyMeta == nil || ss.ClusterKeyMeta.Key != "a" {
		t.Errorf("AppendGenerator.Generate().ClusterKeyMeta got %v", ss.ClusterKeyMeta)
	}
}
