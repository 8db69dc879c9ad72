package fuse_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/expr"
	"github.com/leftmike/fuse/fuse"
	"github.com/leftmike/fuse/fuse/fusetest"
	"github.com/leftmike/fuse/sql"
	"github.com/leftmike/fuse/testutil"
)

func mutate(t *testing.T, tbl *fuse.Table, req fuse.MutationRequest,
	filter string) (*fuse.Mutator, *expr.Filters, *fuse.CommitMeta) {

	t.Helper()

	ctx := context.Background()
	var filters *expr.Filters
	if filter != "" {
		filters = expr.PushDownFilters(expr.MustParse(filter, tbl.Schema()))
		req.Filter = filters.Filter
		req.InverseFilter = filters.InverseFilter
		req.ColIndices = expr.Columns(filters.Filter)
	}
	m, err := tbl.Mutator(req)
	if err != nil {
		t.Fatalf("Mutator(%s) failed with %s", filter, err)
	}
	ss, err := tbl.ReadSnapshot(ctx)
	if err != nil {
		t.Fatalf("ReadSnapshot() failed with %s", err)
	}
	cm, err := m.MutateSnapshot(ctx, ss, filters)
	if err != nil {
		t.Fatalf("MutateSnapshot(%s) failed with %s", filter, err)
	}
	return m, filters, cm
}

func deleteRequest() fuse.MutationRequest {
	return fuse.MutationRequest{Kind: fuse.Delete}
}

func updateRequest(col int, e string) fuse.MutationRequest {
	return fuse.MutationRequest{
		Kind:    fuse.Update,
		Updates: map[int]expr.Expr{col: expr.MustParse(e, abSchema)},
	}
}

func TestMutate(t *testing.T) {
	cases := []struct {
		req    fuse.MutationRequest
		filter string
		rows   uint64
		keep   func(i int) bool
		b      func(i int) sql.Value
	}{
		{req: deleteRequest(), filter: "b > 5", rows: 40,
			keep: func(i int) bool { return i%10 <= 5 }},
		{req: deleteRequest(), filter: "a >= 10", rows: 40,
			keep: func(i int) bool { return i < 10 }},
		{req: deleteRequest(), filter: "a > 1000",
			keep: func(i int) bool { return true }},
		{req: deleteRequest(), rows: 50,
			keep: func(i int) bool { return false }},
		{req: updateRequest(1, "b + 100"), filter: "a < 5", rows: 5,
			b: func(i int) sql.Value {
				if i < 5 {
					return sql.Int64Value(i%10 + 100)
				}
				return bMod(i)
			}},
		{req: updateRequest(1, "NULL"), rows: 50,
			b: func(i int) sql.Value { return nil }},
	}

	for _, c := range cases {
		st := fusetest.NewStorage(t)
		st.Settings.MaxBlockSize = 10
		tbl := createAB(t, st, "t")
		fusetest.Append(t, tbl, abRows(0, 30, bMod))
		fusetest.Append(t, tbl, abRows(30, 50, bMod))
		tbl = fusetest.Latest(t, tbl)

		_, _, cm := mutate(t, tbl, c.req, c.filter)
		if cm.AffectedRows != c.rows {
			t.Errorf("Mutate(%s, %s).AffectedRows got %d want %d", c.req.Kind, c.filter,
				cm.AffectedRows, c.rows)
		}
		if c.rows == 0 {
			if cm.Generator != nil {
				t.Errorf("Mutate(%s, %s) got a generator for no rows", c.req.Kind, c.filter)
			}
			continue
		}
		_, err := tbl.Commit(context.Background(), cm, fuse.CommitOptions{})
		if err != nil {
			t.Errorf("Commit(%s, %s) failed with %s", c.req.Kind, c.filter, err)
			continue
		}

		var want [][]sql.Value
		if c.keep != nil {
			for _, row := range abRows(0, 50, bMod) {
				if c.keep(int(row[0].(sql.Int64Value))) {
					want = append(want, row)
				}
			}
		} else {
			want = abRows(0, 50, c.b)
		}
		rows := fusetest.Rows(t, tbl)
		var trc string
		if !testutil.DeepEqual(rows, want, &trc) {
			t.Errorf("Mutate(%s, %s) got %v want %v: %s", c.req.Kind, c.filter, rows, want,
				trc)
		}
	}
}

func TestMutateRowID(t *testing.T) {
	ctx := context.Background()
	st := fusetest.NewStorage(t)
	tbl := createAB(t, st, "t")
	fusetest.Append(t, tbl, abRows(0, 10, bMod))
	tbl = fusetest.Latest(t, tbl)

	ss, err := tbl.ReadSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	parts, err := tbl.MutationReadPartitions(ctx, ss, nil, nil, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts.Eager) != 1 {
		t.Fatalf("MutationReadPartitions() got %d parts want 1", len(parts.Eager))
	}
	base, err := fuse.RowIDBase(parts.Eager[0].BlockMetaIndex, parts.Eager[0].NumRows)
	if err != nil {
		t.Fatal(err)
	}

	filter := &expr.Binary{
		Op:    expr.EqualOp,
		Left:  expr.RowID{},
		Right: &expr.Literal{Value: sql.Int64Value(fuse.RowID(base, 3))},
	}
	m, err := tbl.Mutator(fuse.MutationRequest{Kind: fuse.Delete, Filter: filter})
	if err != nil {
		t.Fatal(err)
	}
	cm, err := m.MutateSnapshot(ctx, ss, &expr.Filters{Filter: filter})
	if err != nil {
		t.Fatalf("MutateSnapshot(%s) failed with %s", filter, err)
	}
	if cm.AffectedRows != 1 {
		t.Errorf("MutateSnapshot(%s).AffectedRows got %d want 1", filter, cm.AffectedRows)
	}
}

func TestMutatorErrors(t *testing.T) {
	st := fusetest.NewStorage(t)
	tbl := createAB(t, st, "t")

	cases := []struct {
		req  fuse.MutationRequest
		kind error
	}{
		{req: fuse.MutationRequest{Kind: fuse.Insert}, kind: errcode.ErrInternal},
		{req: fuse.MutationRequest{Kind: fuse.Update}, kind: errcode.ErrInternal},
		{req: fuse.MutationRequest{Kind: fuse.Delete, ColIndices: []int{2}},
			kind: errcode.ErrSchemaMismatch},
		{
			req: fuse.MutationRequest{
				Kind:    fuse.Update,
				Updates: map[int]expr.Expr{7: &expr.Literal{}},
			},
			kind: errcode.ErrSchemaMismatch,
		},
	}

	for _, c := range cases {
		_, err := tbl.Mutator(c.req)
		if !errcode.Is(err, c.kind) {
			t.Errorf("Mutator(%v) got %v want %v", c.req, err, c.kind)
		}
	}
}

func TestMutationReadPartitions(t *testing.T) {
	ctx := context.Background()
	st := fusetest.NewStorage(t)
	tbl := createAB(t, st, "t")
	fusetest.Append(t, tbl, abRows(0, 10, bMod))
	fusetest.Append(t, tbl, abRows(10, 20, bMod))
	fusetest.Append(t, tbl, abRows(20, 30, bMod))
	tbl = fusetest.Latest(t, tbl)
	ss, err := tbl.ReadSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		filter   string
		isDelete bool
		segments []int
		whole    []bool
	}{
		{filter: "a >= 15", segments: []int{1, 2}, whole: []bool{false, false}},
		{filter: "a >= 15", isDelete: true, segments: []int{1, 2}, whole: []bool{false, true}},
		{filter: "a < 0", segments: nil},
		{filter: "b = 3", isDelete: true, segments: []int{0, 1, 2},
			whole: []bool{false, false, false}},
		{filter: "", isDelete: true, segments: []int{0, 1, 2}, whole: []bool{true, true, true}},
	}

	for _, c := range cases {
		var filters *expr.Filters
		if c.filter != "" {
			filters = expr.PushDownFilters(expr.MustParse(c.filter, abSchema))
		}
		parts, err := tbl.MutationReadPartitions(ctx, ss, []int{0}, filters, false, c.isDelete)
		if err != nil {
			t.Errorf("MutationReadPartitions(%s) failed with %s", c.filter, err)
			continue
		}
		if parts.IsLazy() {
			t.Errorf("MutationReadPartitions(%s) is lazy", c.filter)
		}

		var segments []int
		var whole []bool
		for _, bp := range parts.Eager {
			segments = append(segments, bp.BlockMetaIndex.SegmentIndex)
			whole = append(whole, bp.WholeBlock)
		}
		if !testutil.DeepEqual(segments, c.segments) {
			t.Errorf("MutationReadPartitions(%s) got segments %v want %v", c.filter, segments,
				c.segments)
		} else if !testutil.DeepEqual(whole, c.whole) {
			t.Errorf("MutationReadPartitions(%s) got whole %v want %v", c.filter, whole,
				c.whole)
		}

		// Resolving lazy parts prunes the same way.
		lazy, err := tbl.MutationReadPartitions(ctx, ss, []int{0}, filters, true, c.isDelete)
		if err != nil {
			t.Errorf("MutationReadPartitions(%s, lazy) failed with %s", c.filter, err)
			continue
		}
		if len(lazy.Lazy) != len(ss.Segments) || len(lazy.Eager) != 0 {
			t.Errorf("MutationReadPartitions(%s, lazy) got %d lazy %d eager", c.filter,
				len(lazy.Lazy), len(lazy.Eager))
		}
		var resolved []*fuse.BlockPart
		for _, lp := range lazy.Lazy {
			var filter expr.Expr
			if filters != nil {
				filter = filters.Filter
			}
			bps, err := tbl.ResolveLazy(ctx, lp, filter, c.isDelete)
			if err != nil {
				t.Fatalf("ResolveLazy(%s) failed with %s", c.filter, err)
			}
			resolved = append(resolved, bps...)
		}
		if !testutil.DeepEqual(resolved, parts.Eager) {
			t.Errorf("ResolveLazy(%s) got %v want %v", c.filter, resolved, parts.Eager)
		}
	}
}

func TestRowIDBase(t *testing.T) {
	cases := []struct {
		idx     fuse.BlockMetaIndex
		numRows uint64
		fail    bool
	}{
		{idx: fuse.BlockMetaIndex{}, numRows: 10},
		{idx: fuse.BlockMetaIndex{BlockIndex: 1}, numRows: 1 << 24},
		{idx: fuse.BlockMetaIndex{SegmentIndex: 1}, numRows: 10},
		{idx: fuse.BlockMetaIndex{SegmentIndex: 1, BlockIndex: 1}, numRows: 10},
		{idx: fuse.BlockMetaIndex{SegmentIndex: 1<<22 - 1, BlockIndex: 1<<17 - 1},
			numRows: 1 << 24},
		{idx: fuse.BlockMetaIndex{BlockIndex: 1 << 17}, numRows: 10, fail: true},
		{idx: fuse.BlockMetaIndex{SegmentIndex: 1 << 22}, numRows: 10, fail: true},
		{idx: fuse.BlockMetaIndex{}, numRows: 1<<24 + 1, fail: true},
		{idx: fuse.BlockMetaIndex{SegmentIndex: -1}, numRows: 10, fail: true},
	}

	type span struct {
		first, last uint64
	}
	var spans []span
	for _, c := range cases {
		base, err := fuse.RowIDBase(&c.idx, c.numRows)
		if c.fail {
			if !errcode.Is(err, errcode.ErrUnimplemented) {
				t.Errorf("RowIDBase(%v, %d) got %v want %v", c.idx, c.numRows, err,
					errcode.ErrUnimplemented)
			}
			continue
		} else if err != nil {
			t.Errorf("RowIDBase(%v, %d) failed with %s", c.idx, c.numRows, err)
			continue
		}

		last := fuse.RowID(base, int(c.numRows)-1)
		if int64(last) < 0 {
			t.Errorf("RowIDBase(%v, %d) got row id %d want non-negative", c.idx, c.numRows,
				last)
		}
		for _, s := range spans {
			if base <= s.last && s.first <= last {
				t.Errorf("RowIDBase(%v, %d) got [%d, %d] overlapping [%d, %d]", c.idx,
					c.numRows, base, last, s.first, s.last)
			}
		}
		spans = append(spans, span{base, last})
	}
}

func TestMatchRowIDs(t *testing.T) {
	ctx := context.Background()
	st := fusetest.NewStorage(t)
	st.Settings.MaxBlockSize = 4
	tbl := createAB(t, st, "t")
	fusetest.Append(t, tbl, abRows(0, 10, bMod))
	fusetest.Append(t, tbl, abRows(10, 20, bMod))
	fusetest.Append(t, tbl, abRows(20, 30, bMod))
	tbl = fusetest.Latest(t, tbl)
	ss, err := tbl.ReadSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		filter string
		ids    uint64
	}{
		{filter: "a >= 0", ids: 30},
		{filter: "a = 13", ids: 1},
		{filter: "b = 3", ids: 3},
		{filter: "a IN (2, 12, 22, 29)", ids: 4},
		{filter: "a < 0", ids: 0},
	}

	for _, c := range cases {
		ids, err := tbl.MatchRowIDs(ctx, ss, expr.MustParse(c.filter, abSchema))
		if err != nil {
			t.Errorf("MatchRowIDs(%s) failed with %s", c.filter, err)
			continue
		}
		if n := ids.GetCardinality(); n != c.ids {
			t.Errorf("MatchRowIDs(%s) got %d row ids want %d", c.filter, n, c.ids)
			continue
		}
		if c.ids == 0 {
			continue
		}

		filters := expr.PushDownFilters(&expr.RowIDIn{RowIDs: ids})
		m, err := tbl.Mutator(fuse.MutationRequest{
			Kind:          fuse.Delete,
			Filter:        filters.Filter,
			InverseFilter: filters.InverseFilter,
		})
		if err != nil {
			t.Fatal(err)
		}
		cm, err := m.MutateSnapshot(ctx, ss, filters)
		if err != nil {
			t.Errorf("MutateSnapshot(%s) failed with %s", c.filter, err)
		} else if cm.AffectedRows != c.ids {
			t.Errorf("MutateSnapshot(%s).AffectedRows got %d want %d", c.filter,
				cm.AffectedRows, c.ids)
		}
	}
}

func TestMutateNulls(t *testing.T) {
	cases := []struct {
		filter string
		rows   uint64
		keep   func(i int) bool
	}{
		{filter: "b > 5", rows: 8,
			keep: func(i int) bool { return i%3 == 0 || i%10 <= 5 }},
		{filter: "NOT (b > 5)", rows: 12,
			keep: func(i int) bool { return i%3 == 0 || i%10 > 5 }},
		{filter: "b IS NULL", rows: 10,
			keep: func(i int) bool { return i%3 != 0 }},
		{filter: "b IS NULL OR a < 10", rows: 16,
			keep: func(i int) bool { return i%3 != 0 && i >= 10 }},
	}

	for _, c := range cases {
		st := fusetest.NewStorage(t)
		st.Settings.MaxBlockSize = 10
		tbl := createAB(t, st, "t")
		fusetest.Append(t, tbl, abRows(0, 30, bNull))
		tbl = fusetest.Latest(t, tbl)

		_, _, cm := mutate(t, tbl, deleteRequest(), c.filter)
		if cm.AffectedRows != c.rows {
			t.Errorf("Mutate(%s).AffectedRows got %d want %d", c.filter, cm.AffectedRows,
				c.rows)
		}
		_, err := tbl.Commit(context.Background(), cm, fuse.CommitOptions{})
		if err != nil {
			t.Errorf("Commit(%s) failed with %s", c.filter, err)
			continue
		}

		var want [][]sql.Value
		for _, row := range abRows(0, 30, bNull) {
			if c.keep(int(row[0].(sql.Int64Value))) {
				want = append(want, row)
			}
		}
		rows := fusetest.Rows(t, tbl)
		var trc string
		if !testutil.DeepEqual(rows, want, &trc) {
			t.Errorf("Mutate(%s) got %v want %v: %s", c.filter, rows, want, trc)
		}
	}
}

func TestRederiveRowIDs(t *testing.T) {
	ctx := context.Background()
	source := expr.MustParse("a IN (6, 20, 30)", abSchema)

	for _, withSource := range []bool{true, false} {
		st := fusetest.NewStorage(t)
		st.Settings.MaxBlockSize = 10
		tbl := createAB(t, st, "t")
		fusetest.Append(t, tbl, abRows(0, 50, bMod))
		tbl = fusetest.Latest(t, tbl)
		ss, err := tbl.ReadSnapshot(ctx)
		if err != nil {
			t.Fatal(err)
		}

		ids, err := tbl.MatchRowIDs(ctx, ss, source)
		if err != nil {
			t.Fatalf("MatchRowIDs(%s) failed with %s", source, err)
		}
		filters := expr.PushDownFilters(&expr.RowIDIn{RowIDs: ids})
		req := updateRequest(1, "100")
		req.Filter = filters.Filter
		req.InverseFilter = filters.InverseFilter
		if withSource {
			req.RowIDSource = source
		}
		m, err := tbl.Mutator(req)
		if err != nil {
			t.Fatal(err)
		}
		cm, err := m.MutateSnapshot(ctx, ss, filters)
		if err != nil {
			t.Fatalf("MutateSnapshot(%s) failed with %s", filters.Filter, err)
		}
		if cm.AffectedRows != 3 {
			t.Errorf("MutateSnapshot(%s).AffectedRows got %d want 3", filters.Filter,
				cm.AffectedRows)
		}

		// Deleting a row shifts the row ids of the rest of its block.
		other := fusetest.Latest(t, tbl)
		_, _, dcm := mutate(t, other, deleteRequest(), "a = 5")
		_, err = other.Commit(ctx, dcm, fuse.CommitOptions{})
		if err != nil {
			t.Fatalf("Commit(delete) failed with %s", err)
		}

		_, err = tbl.Commit(ctx, cm, fuse.CommitOptions{Rederive: m.Rederive(filters)})
		if !withSource {
			if !errors.Is(err, fuse.ErrUnresolvableConflict) {
				t.Errorf("Commit(no source) got %v want unresolvable conflict", err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Commit(%s) failed with %s", source, err)
		}
		if cm.AffectedRows != 3 {
			t.Errorf("Commit(%s).AffectedRows got %d want 3", source, cm.AffectedRows)
		}

		var want [][]sql.Value
		for _, row := range abRows(0, 50, bMod) {
			a := row[0].(sql.Int64Value)
			if a == 5 {
				continue
			}
			if a == 6 || a == 20 || a == 30 {
				row[1] = sql.Int64Value(100)
			}
			want = append(want, row)
		}
		rows := fusetest.Rows(t, tbl)
		var trc string
		if !testutil.DeepEqual(rows, want, &trc) {
			t.Errorf("Rows() got %v want %v: %s", rows, want, trc)
		}
	}
}
