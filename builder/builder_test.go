package builder_test

import (
	"context"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/leftmike/fuse/builder"
	"github.com/leftmike/fuse/catalog"
	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/expr"
	"github.com/leftmike/fuse/fuse"
	"github.com/leftmike/fuse/fuse/fusetest"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/pipeline"
	"github.com/leftmike/fuse/plan"
	"github.com/leftmike/fuse/settings"
	"github.com/leftmike/fuse/sql"
	"github.com/leftmike/fuse/testutil"
)

var (
	abSchema = sql.NewSchema(
		sql.Field{Name: "a", Type: sql.Int64Type},
		sql.Field{Name: "b", Type: sql.Int64Type, Nullable: true},
	)
)

func abRows(start, end int, b func(i int) sql.Value) [][]sql.Value {
	var rows [][]sql.Value
	for i := start; i < end; i += 1 {
		rows = append(rows, []sql.Value{sql.Int64Value(i), b(i)})
	}
	return rows
}

func bMod(i int) sql.Value {
	return sql.Int64Value(i % 10)
}

func sortRows(rows [][]sql.Value) [][]sql.Value {
	testutil.SortValues([]sql.SortColumn{{Offset: 0, Asc: true}, {Offset: 1, Asc: true}},
		rows)
	return rows
}

func compareKeys(k1, k2 []sql.Value) int {
	for idx := range k1 {
		if cmp := sql.Compare(k1[idx], k2[idx]); cmp != 0 {
			return cmp
		}
	}
	return 0
}

func createTable(t *testing.T, st *fuse.Storage, key string) *fuse.Table {
	t.Helper()

	tm := &meta.TableMeta{
		Engine: meta.FuseEngine,
		Schema: abSchema,
	}
	if key != "" {
		tm.ClusterKey = key
		tm.ClusterKeyID = 1
	}
	return fusetest.CreateTable(t, st, "t", tm)
}

func execute(t *testing.T, st *fuse.Storage, pp plan.PhysicalPlan) *fuse.CommitStatus {
	t.Helper()

	var status fuse.CommitStatus
	b := builder.Builder{
		Catalog: catalog.New(st),
		Status:  &status,
	}
	p, err := b.Build(context.Background(), pp)
	if err != nil {
		t.Fatalf("Build(%s) failed with %s", pp, err)
	}
	err = p.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute(%s) failed with %s", pp, err)
	}
	return &status
}

func TestReclusterSizes(t *testing.T) {
	s := settings.Default()
	small := settings.Default()
	small.MaxBlockSize = 10

	cases := []struct {
		s          *settings.Settings
		totalRows  uint64
		totalBytes uint64
		width      int
		rsz        builder.ReclusterSizing
	}{
		{
			s:          s,
			totalRows:  1000 * 1000,
			totalBytes: uint64(s.MaxBlockBytes) * 125 / 10,
			width:      4,
			rsz: builder.ReclusterSizing{
				BlockNum:         10,
				FinalBlockSize:   100 * 1000,
				PartialBlockSize: 100 * 1000,
				Threads:          8,
			},
		},
		{
			s:          s,
			totalRows:  100,
			totalBytes: 1600,
			width:      1,
			rsz: builder.ReclusterSizing{
				BlockNum:         1,
				FinalBlockSize:   100,
				PartialBlockSize: 100,
				Threads:          1,
			},
		},
		{
			s:          small,
			totalRows:  45,
			totalBytes: 720,
			width:      2,
			rsz: builder.ReclusterSizing{
				BlockNum:         1,
				FinalBlockSize:   10,
				PartialBlockSize: 10,
				Threads:          5,
			},
		},
		{
			s:          small,
			totalRows:  1000,
			totalBytes: 16000,
			width:      2,
			rsz: builder.ReclusterSizing{
				BlockNum:         1,
				FinalBlockSize:   10,
				PartialBlockSize: 10,
				Threads:          8,
			},
		},
	}

	for _, c := range cases {
		rsz := builder.ReclusterSizes(c.s, c.totalRows, c.totalBytes, c.width)
		if rsz != c.rsz {
			t.Errorf("ReclusterSizes(%d, %d, %d) got %+v want %+v", c.totalRows, c.totalBytes,
				c.width, rsz, c.rsz)
		}
	}
}

func reclusterPlan(t *testing.T, tbl *fuse.Table) (plan.PhysicalPlan, *fuse.ReclusterSelection) {
	t.Helper()

	ctx := context.Background()
	tbl = fusetest.Latest(t, tbl)
	rm, err := tbl.ReclusterMutator()
	if err != nil {
		t.Fatalf("ReclusterMutator() failed with %s", err)
	}
	ss, err := tbl.ReadSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sel, err := rm.Select(ctx, ss)
	if err != nil {
		t.Fatalf("Select() failed with %s", err)
	}
	return &plan.ReclusterSink{
		Input: plan.Input{
			PhysicalPlan: &plan.ReclusterSource{
				Table: tbl.Info(),
				Tasks: sel.Tasks,
			},
		},
		Table:     tbl.Info(),
		Selection: sel,
	}, sel
}

func TestBuildRecluster(t *testing.T) {
	st := fusetest.NewStorage(t)
	st.Settings.MaxBlockSize = 10
	tbl := createTable(t, st, "b, a")

	fusetest.Append(t, tbl, abRows(0, 20, bMod))
	fusetest.Append(t, tbl, abRows(20, 40, bMod))

	pp, sel := reclusterPlan(t, tbl)
	if len(sel.Tasks) != 1 {
		t.Fatalf("Select() got %d tasks want 1", len(sel.Tasks))
	}
	status := execute(t, st, pp)
	if status.AffectedRows != 40 || status.Snapshot == nil {
		t.Errorf("Execute(recluster) got %d rows want 40", status.AffectedRows)
	}
	if n := promtest.ToFloat64(st.Metrics.ReclusterRowsToRead); n != 40 {
		t.Errorf("ReclusterRowsToRead got %f want 40", n)
	}
	if n := promtest.ToFloat64(st.Metrics.ReclusterBlocksWrite); n != 4 {
		t.Errorf("ReclusterBlocksWrite got %f want 4", n)
	}

	ctx := context.Background()
	ss := status.Snapshot
	if len(ss.Segments) != 1 {
		t.Fatalf("Execute(recluster) got %d segments want 1", len(ss.Segments))
	}
	seg, err := st.Operator.ReadSegment(ctx, ss.Segments[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(seg.Blocks) != 4 {
		t.Fatalf("Execute(recluster) got %d blocks want 4", len(seg.Blocks))
	}
	// The blocks are in cluster key order and do not overlap.
	var prev []sql.Value
	for bdx, bm := range seg.Blocks {
		cs := bm.ClusterStats
		if cs == nil || cs.Level != 0 || bm.RowCount != 10 {
			t.Errorf("block %d got %+v with %d rows want level 0 with 10 rows", bdx, cs,
				bm.RowCount)
			continue
		}
		if prev != nil && compareKeys(prev, cs.Min) >= 0 {
			t.Errorf("block %d got min %v not after %v", bdx, cs.Min, prev)
		}
		prev = cs.Max
	}
	if cs := seg.Blocks[0].ClusterStats; cs != nil && !testutil.DeepEqual(cs.Min,
		[]sql.Value{sql.Int64Value(0), sql.Int64Value(0)}) {

		t.Errorf("block 0 got min %v want [0 0]", cs.Min)
	}

	rows := fusetest.Rows(t, tbl)
	if !testutil.DeepEqual(rows, abRows(0, 40, bMod)) {
		t.Errorf("Rows() got %v want %v", rows, abRows(0, 40, bMod))
	}

	// Nothing more to do: an empty source and a commit of nothing.
	pp, sel = reclusterPlan(t, tbl)
	if len(sel.Tasks) != 0 {
		t.Fatalf("Select() got %d tasks want 0", len(sel.Tasks))
	}
	status = execute(t, st, pp)
	if status.AffectedRows != 0 {
		t.Errorf("Execute(recluster) got %d rows want 0", status.AffectedRows)
	}
}

func TestBuildMutation(t *testing.T) {
	hundred := func(i int) sql.Value { return sql.Int64Value(100) }

	cases := []struct {
		kind    fuse.MutationKind
		filter  string
		updates map[int]string
		lazy    bool
		rows    uint64
		want    [][]sql.Value
	}{
		{
			kind:    fuse.Update,
			filter:  "b > 5",
			updates: map[int]string{0: "a + 1000"},
			rows:    20,
			want: func() [][]sql.Value {
				rows := abRows(0, 50, bMod)
				for _, row := range rows {
					if row[1].(sql.Int64Value) > 5 {
						row[0] = row[0].(sql.Int64Value) + 1000
					}
				}
				return sortRows(rows)
			}(),
		},
		{
			kind:    fuse.Update,
			filter:  "a >= 45",
			updates: map[int]string{1: "100"},
			lazy:    true,
			rows:    5,
			want:    append(abRows(0, 45, bMod), abRows(45, 50, hundred)...),
		},
		{
			kind:    fuse.Update,
			updates: map[int]string{1: "100"},
			rows:    50,
			want:    abRows(0, 50, hundred),
		},
		{
			kind:   fuse.Delete,
			filter: "a >= 10",
			rows:   40,
			want:   abRows(0, 10, bMod),
		},
		{
			kind:   fuse.Delete,
			filter: "b = 3",
			lazy:   true,
			rows:   5,
			want: func() [][]sql.Value {
				var rows [][]sql.Value
				for _, row := range abRows(0, 50, bMod) {
					if row[1] != sql.Int64Value(3) {
						rows = append(rows, row)
					}
				}
				return rows
			}(),
		},
	}

	ctx := context.Background()
	for _, c := range cases {
		st := fusetest.NewStorage(t)
		st.Settings.MaxBlockSize = 7
		tbl := createTable(t, st, "")
		fusetest.Append(t, tbl, abRows(0, 25, bMod))
		fusetest.Append(t, tbl, abRows(25, 50, bMod))
		tbl = fusetest.Latest(t, tbl)

		ss, err := tbl.ReadSnapshot(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var filters *expr.Filters
		var cols []int
		m := plan.Mutation{
			Table: tbl.Info(),
		}
		if c.filter != "" {
			filters = expr.PushDownFilters(expr.MustParse(c.filter, abSchema))
			cols = expr.Columns(filters.Filter)
			m.Filters = expr.ToRemote(filters.Filter)
			m.ColIndices = cols
		}
		m.Parts, err = tbl.MutationReadPartitions(ctx, ss, cols, filters, c.lazy,
			c.kind == fuse.Delete)
		if err != nil {
			t.Fatalf("MutationReadPartitions(%s) failed with %s", c.filter, err)
		}

		var src plan.PhysicalPlan
		if c.kind == fuse.Update {
			us := &plan.UpdateSource{
				Mutation: m,
				Updates:  map[int]*expr.Remote{},
			}
			for cdx, s := range c.updates {
				us.Updates[cdx] = &expr.Remote{Text: s}
			}
			src = us
		} else {
			src = &plan.DeleteSource{Mutation: m}
		}
		status := execute(t, st, &plan.CommitSink{
			Input:        plan.Input{PhysicalPlan: src},
			Table:        tbl.Info(),
			Snapshot:     ss,
			MutationKind: c.kind,
		})
		if status.AffectedRows != c.rows {
			t.Errorf("Execute(%s %s) got %d rows want %d", c.kind, c.filter,
				status.AffectedRows, c.rows)
		}

		rows := fusetest.Rows(t, tbl)
		var trc string
		if !testutil.DeepEqual(rows, c.want, &trc) {
			t.Errorf("Execute(%s %s) got %v want %v: %s", c.kind, c.filter, rows, c.want, trc)
		}
	}
}

func TestBuildReplace(t *testing.T) {
	st := fusetest.NewStorage(t)
	st.Settings.MaxBlockSize = 10
	tbl := createTable(t, st, "")
	fusetest.Append(t, tbl, abRows(0, 10, bMod))
	tbl = fusetest.Latest(t, tbl)

	ss, err := tbl.ReadSnapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	hundred := func(i int) sql.Value { return sql.Int64Value(100) }
	var rows [][]sql.ValueJSON
	for _, row := range abRows(5, 15, hundred) {
		rows = append(rows, sql.ValuesToJSON(row))
	}
	status := execute(t, st, &plan.CommitSink{
		Input: plan.Input{
			PhysicalPlan: &plan.ReplaceDeduplicate{
				Table:      tbl.Info(),
				Snapshot:   ss,
				OnConflict: []int{0},
				Rows:       rows,
			},
		},
		Table:        tbl.Info(),
		Snapshot:     ss,
		MutationKind: fuse.Replace,
	})
	if status.AffectedRows != 15 {
		t.Errorf("Execute(replace) got %d rows want 15", status.AffectedRows)
	}

	want := append(abRows(0, 5, bMod), abRows(5, 15, hundred)...)
	got := fusetest.Rows(t, tbl)
	var trc string
	if !testutil.DeepEqual(got, want, &trc) {
		t.Errorf("Rows() got %v want %v: %s", got, want, trc)
	}
}

func TestBuildErrors(t *testing.T) {
	st := fusetest.NewStorage(t)
	tbl := createTable(t, st, "a")
	view := fusetest.CreateTable(t, st, "v", &meta.TableMeta{
		Engine: meta.ViewEngine,
		Schema: abSchema,
	})

	task := &fuse.ReclusterTask{Parts: &fuse.Partitions{Kind: fuse.ReclusterPartitions}}
	cases := []struct {
		pp   plan.PhysicalPlan
		kind error
	}{
		{
			pp: &plan.ReclusterSource{
				Table: tbl.Info(),
				Tasks: []*fuse.ReclusterTask{task, task},
			},
			kind: errcode.ErrInternal,
		},
		{
			pp: &plan.DeleteSource{
				Mutation: plan.Mutation{
					Table: view.Info(),
					Parts: &fuse.Partitions{Kind: fuse.MutationPartitions},
				},
			},
			kind: errcode.ErrUnsupported,
		},
		{
			pp: &plan.ReclusterSource{
				Table: view.Info(),
				Tasks: []*fuse.ReclusterTask{task},
			},
			kind: errcode.ErrUnsupported,
		},
	}

	b := builder.Builder{Catalog: catalog.New(st)}
	for _, c := range cases {
		_, err := b.Build(context.Background(), c.pp)
		if !errcode.Is(err, c.kind) {
			t.Errorf("Build(%s) got %v want %v", c.pp, err, c.kind)
		}
	}

	p, err := b.Build(context.Background(), &plan.ReclusterSource{Table: tbl.Info()})
	if err != nil {
		t.Fatalf("Build(recluster source) failed with %s", err)
	}
	var n int
	err = p.AddSink(
		func(idx int) (pipeline.Sink, error) {
			return pipeline.SinkFunc(
				func(ctx context.Context, blk *sql.DataBlock) error {
					n += 1
					return nil
				}), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	err = p.Execute(context.Background())
	if err != nil {
		t.Errorf("Execute(recluster source) failed with %s", err)
	} else if n != 0 {
		t.Errorf("Execute(recluster source) got %d blocks want 0", n)
	}
}
