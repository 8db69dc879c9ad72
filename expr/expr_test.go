package expr_test

import (
	"context"
	"testing"

	"github.com/leftmike/fuse/expr"
	"github.com/leftmike/fuse/sql"
	"github.com/leftmike/fuse/testutil"
)

var (
	testSchema = sql.NewSchema(
		sql.Field{Name: "a", Type: sql.Int64Type, Nullable: true},
		sql.Field{Name: "b", Type: sql.Int64Type, Nullable: true},
		sql.Field{Name: "s", Type: sql.StringType, Nullable: true},
		sql.Field{Name: "f", Type: sql.Float64Type},
		sql.Field{Name: "odd name", Type: sql.StringType},
	)
)

func TestParse(t *testing.T) {
	cases := []struct {
		s    string
		r    string
		fail bool
	}{
		{s: "a", r: "a"},
		{s: "a + 1", r: "(a + 1)"},
		{s: "a + b * 2", r: "(a + (b * 2))"},
		{s: "(a + b) * 2", r: "((a + b) * 2)"},
		{s: "a - b - 1", r: "((a - b) - 1)"},
		{s: "b > 5 AND a <= 3 OR s = 'x'", r: "(((b > 5) AND (a <= 3)) OR (s = 'x'))"},
		{s: "NOT a == 1", r: "(NOT (a = 1))"},
		{s: "a <> 1", r: "(a != 1)"},
		{s: "a != -1", r: "(a != -1)"},
		{s: "-a", r: "(- a)"},
		{s: "f >= 2.5", r: "(f >= 2.5)"},
		{s: "f < 2.0", r: "(f < 2.0)"},
		{s: "s IS NULL", r: "(s IS NULL)"},
		{s: "s IS NOT NULL AND TRUE", r: "((s IS NOT NULL) AND true)"},
		{s: "s = 'it''s'", r: "(s = 'it''s')"},
		{s: "s || 'x'", r: "(s || 'x')"},
		{s: "a IN (1, 2, NULL)", r: "(a IN (1, 2, NULL))"},
		{s: "_row_id IN (3, 1, 2)", r: "(_row_id IN (1, 2, 3))"},
		{s: "_row_id = 7", r: "(_row_id = 7)"},
		{s: `"odd name" = upper(s)`, r: `("odd name" = upper(s))`},
		{s: "concat(s, 'a', NULL)", r: "concat(s, 'a', NULL)"},
		{s: "'\\x01ff' = NULL", r: "('\\x01ff' = NULL)"},
		{s: `'{"k": [1]}'::VARIANT`, r: `'{"k":[1]}'::VARIANT`},
		{s: "rand() < 0.5", r: "(rand() < 0.5)"},
		{s: "c = 1", fail: true},
		{s: "a +", fail: true},
		{s: "nope(a)", fail: true},
		{s: "abs(a, b)", fail: true},
		{s: "a = 1)", fail: true},
		{s: "s = 'abc", fail: true},
	}

	for _, c := range cases {
		e, err := expr.Parse(c.s, testSchema)
		if c.fail {
			if err == nil {
				t.Errorf("Parse(%q) did not fail", c.s)
			}
			continue
		} else if err != nil {
			t.Errorf("Parse(%q) failed with %s", c.s, err)
			continue
		}
		if e.String() != c.r {
			t.Errorf("Parse(%q) got %s want %s", c.s, e, c.r)
		}

		e2, err := expr.Parse(e.String(), testSchema)
		if err != nil {
			t.Errorf("Parse(%q) failed with %s", e.String(), err)
		} else if e2.String() != e.String() {
			t.Errorf("Parse(%q) got %s", e.String(), e2)
		}
	}
}

func TestEval(t *testing.T) {
	row := expr.Row{
		Values: []sql.Value{sql.Int64Value(7), nil, sql.StringValue("Abc"),
			sql.Float64Value(1.5), sql.StringValue("z")},
		RowID: 42,
	}

	cases := []struct {
		s    string
		r    sql.Value
		fail bool
	}{
		{s: "a + 1", r: sql.Int64Value(8)},
		{s: "a * f", r: sql.Float64Value(10.5)},
		{s: "a % 4", r: sql.Int64Value(3)},
		{s: "a / 0", fail: true},
		{s: "b + 1", r: nil},
		{s: "b > 1", r: nil},
		{s: "b > 1 AND a > 100", r: sql.BoolValue(false)},
		{s: "b > 1 AND a > 1", r: nil},
		{s: "b > 1 OR a > 1", r: sql.BoolValue(true)},
		{s: "b > 1 OR a > 100", r: nil},
		{s: "NOT (a > 1)", r: sql.BoolValue(false)},
		{s: "b IS NULL", r: sql.BoolValue(true)},
		{s: "a IS NOT NULL", r: sql.BoolValue(true)},
		{s: "a IN (1, 7)", r: sql.BoolValue(true)},
		{s: "a IN (1, NULL)", r: nil},
		{s: "_row_id IN (41, 42)", r: sql.BoolValue(true)},
		{s: "_row_id IN (1, 2)", r: sql.BoolValue(false)},
		{s: "_row_id = 42", r: sql.BoolValue(true)},
		{s: "lower(s) || upper(s)", r: sql.StringValue("abcABC")},
		{s: "length(s)", r: sql.Int64Value(3)},
		{s: "coalesce(b, a)", r: sql.Int64Value(7)},
		{s: "abs(-a)", r: sql.Int64Value(7)},
		{s: "s > 1", fail: true},
		{s: "a AND TRUE", fail: true},
	}

	for _, c := range cases {
		e := expr.MustParse(c.s, testSchema)
		r, err := e.Eval(row)
		if c.fail {
			if err == nil {
				t.Errorf("Eval(%s) did not fail", c.s)
			}
		} else if err != nil {
			t.Errorf("Eval(%s) failed with %s", c.s, err)
		} else if !testutil.DeepEqual(r, c.r) {
			t.Errorf("Eval(%s) got %v want %v", c.s, r, c.r)
		}
	}
}

func TestDeterministic(t *testing.T) {
	cases := []struct {
		s   string
		det bool
	}{
		{"a > 1", true},
		{"abs(a) > 1", true},
		{"rand() < 0.5", false},
		{"a > 1 AND now() > 0", false},
	}

	for _, c := range cases {
		e := expr.MustParse(c.s, testSchema)
		if det := expr.Deterministic(e); det != c.det {
			t.Errorf("Deterministic(%s) got %v want %v", c.s, det, c.det)
		}
	}
}

func TestFold(t *testing.T) {
	cases := []struct {
		s string
		r string
	}{
		{"1 + 2", "3"},
		{"a > 1 + 2", "(a > 3)"},
		{"a > 1 AND 1 = 1", "(a > 1)"},
		{"a > 1 AND 1 = 2", "false"},
		{"a > 1 OR TRUE", "true"},
		{"FALSE OR a > 1", "(a > 1)"},
		{"NULL IS NULL", "true"},
		{"upper('x') = 'X'", "true"},
		{"1 / 0 = 1", "((1 / 0) = 1)"},
		{"rand() < 2", "(rand() < 2)"},
	}

	for _, c := range cases {
		e := expr.Fold(expr.MustParse(c.s, testSchema))
		if e.String() != c.r {
			t.Errorf("Fold(%s) got %s want %s", c.s, e, c.r)
		}
	}

	f := expr.PushDownFilters(expr.MustParse("1 = 1", testSchema))
	if f.Filter.String() != "true" || f.InverseFilter.String() != "false" {
		t.Errorf("PushDownFilters(1 = 1) got %s, %s", f.Filter, f.InverseFilter)
	}
	f = expr.PushDownFilters(expr.MustParse("a > 1", testSchema))
	if f.InverseFilter.String() != "((NOT (a > 1)) OR ((a > 1) IS NULL))" {
		t.Errorf("PushDownFilters(a > 1).InverseFilter got %s", f.InverseFilter)
	}
	for _, v := range []sql.Value{sql.Int64Value(0), sql.Int64Value(5), nil} {
		row := expr.Row{Values: []sql.Value{v, nil, nil, nil, nil}}
		r1, _ := f.Filter.Eval(row)
		r2, _ := f.InverseFilter.Eval(row)
		if expr.IsTrue(r1) == expr.IsTrue(r2) {
			t.Errorf("Filters(a = %v) got %v and %v", v, r1, r2)
		}
	}
}

func TestColumns(t *testing.T) {
	e := expr.MustParse(`"odd name" = s AND a > 1 OR a < f`, testSchema)
	cols := expr.Columns(e, expr.MustParse("b + 1", testSchema), nil)
	if !testutil.DeepEqual(cols, []int{0, 1, 2, 3, 4}) {
		t.Errorf("Columns() got %v", cols)
	}
	if expr.UsesRowID(e) {
		t.Errorf("UsesRowID(%s) got true", e)
	}
	if !expr.UsesRowID(expr.MustParse("_row_id IN (1)", testSchema)) {
		t.Errorf("UsesRowID(_row_id IN (1)) got false")
	}
}

type valuesSubquery []sql.Value

func (vs valuesSubquery) String() string {
	return "SELECT x FROM other"
}

func (vs valuesSubquery) Values(ctx context.Context) ([]sql.Value, error) {
	return vs, nil
}

func TestInSubquery(t *testing.T) {
	is := &expr.InSubquery{
		Expr:     expr.MustParse("a", testSchema),
		Subquery: valuesSubquery{sql.Int64Value(3), sql.Int64Value(7)},
	}
	row := expr.Row{Values: []sql.Value{sql.Int64Value(7), nil, nil, nil, nil}}
	_, err := is.Eval(row)
	if err == nil {
		t.Errorf("Eval(%s) before Materialize did not fail", is)
	}
	err = is.Materialize(context.Background())
	if err != nil {
		t.Fatalf("Materialize(%s) failed with %s", is, err)
	}
	r, err := is.Eval(row)
	if err != nil {
		t.Errorf("Eval(%s) failed with %s", is, err)
	} else if r != sql.BoolValue(true) {
		t.Errorf("Eval(%s) got %v want true", is, r)
	}
	if len(expr.Subqueries(&expr.Binary{Op: expr.AndOp, Left: is, Right: is})) != 2 {
		t.Errorf("Subqueries() did not find both subqueries")
	}
	if expr.Constant(is) {
		t.Errorf("Constant(%s) got true", is)
	}
}

func TestInline(t *testing.T) {
	ctx := context.Background()
	is := &expr.InSubquery{
		Expr:     expr.MustParse("a", testSchema),
		Subquery: valuesSubquery{sql.Int64Value(3), sql.Int64Value(7)},
	}
	e := &expr.Binary{Op: expr.AndOp, Left: expr.MustParse("b > 0", testSchema), Right: is}
	_, err := expr.Inline(e)
	if err == nil {
		t.Errorf("Inline(%s) before Materialize did not fail", e)
	}
	err = is.Materialize(ctx)
	if err != nil {
		t.Fatalf("Materialize(%s) failed with %s", is, err)
	}
	ie, err := expr.Inline(e)
	if err != nil {
		t.Fatalf("Inline(%s) failed with %s", e, err)
	}
	if s := ie.String(); s != "((b > 0) AND (a IN (3, 7)))" {
		t.Errorf("Inline(%s) got %s", e, s)
	}

	empty := &expr.InSubquery{
		Expr:     expr.MustParse("a", testSchema),
		Subquery: valuesSubquery{},
	}
	err = empty.Materialize(ctx)
	if err != nil {
		t.Fatalf("Materialize(%s) failed with %s", empty, err)
	}
	ee, err := expr.Inline(empty)
	if err != nil {
		t.Fatalf("Inline(%s) failed with %s", empty, err)
	}

	cases := []struct {
		e    expr.Expr
		a, b sql.Value
		r    sql.Value
	}{
		{e: ie, a: sql.Int64Value(7), b: sql.Int64Value(1), r: sql.BoolValue(true)},
		{e: ie, a: sql.Int64Value(5), b: sql.Int64Value(1), r: sql.BoolValue(false)},
		{e: ie, a: sql.Int64Value(3), b: sql.Int64Value(0), r: sql.BoolValue(false)},
		{e: ee, a: sql.Int64Value(7), r: sql.BoolValue(false)},
		{e: ee, a: nil, r: nil},
	}

	for _, c := range cases {
		// The inlined expression must survive being shipped as text.
		re, err := expr.ToRemote(c.e).Bind(testSchema)
		if err != nil {
			t.Errorf("Bind(%s) failed with %s", c.e, err)
			continue
		}
		r, err := re.Eval(expr.Row{Values: []sql.Value{c.a, c.b, nil, nil, nil}})
		if err != nil {
			t.Errorf("Eval(%s) failed with %s", re, err)
		} else if r != c.r {
			t.Errorf("Eval(%s, a = %v) got %v want %v", re, c.a, r, c.r)
		}
	}
}

func TestRemote(t *testing.T) {
	e := expr.MustParse("a > 1 AND s = 'x'", testSchema)
	r := expr.ToRemote(e)
	buf, err := r.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() failed with %s", err)
	}
	var r2 expr.Remote
	err = r2.UnmarshalJSON(buf)
	if err != nil {
		t.Fatalf("UnmarshalJSON(%s) failed with %s", buf, err)
	}
	e2, err := r2.Bind(testSchema)
	if err != nil {
		t.Fatalf("Bind(%s) failed with %s", r2.Text, err)
	}
	if e2.String() != e.String() {
		t.Errorf("Bind() got %s want %s", e2, e)
	}
}
