package interpreter

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fuse/catalog"
	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/expr"
	"github.com/leftmike/fuse/fuse"
	"github.com/leftmike/fuse/license"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/plan"
	"github.com/leftmike/fuse/sql"
)

type ColumnUpdate struct {
	Column string
	Expr   string
}

// InSubquery is the predicate Column IN (Subquery). A mutation with subqueries is planned
// by selecting the matching rows up front and then changing those rows by row id.
type InSubquery struct {
	Column   string
	Subquery expr.Subquery
}

type Update struct {
	Table         TableName
	ColumnUpdates []ColumnUpdate
	Where         string
	In            []InSubquery
}

func formatWhere(where string, in []InSubquery) string {
	var s string
	if where != "" {
		s = fmt.Sprintf(" WHERE %s", where)
	}
	for idx, is := range in {
		if idx > 0 || where != "" {
			s += " AND"
		} else {
			s += " WHERE"
		}
		s += fmt.Sprintf(" %s IN (%s)", is.Column, is.Subquery)
	}
	return s
}

func (stmt *Update) String() string {
	s := fmt.Sprintf("UPDATE %s SET ", stmt.Table)
	for i, cu := range stmt.ColumnUpdates {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s = %s", cu.Column, cu.Expr)
	}
	return s + formatWhere(stmt.Where, stmt.In)
}

func (stmt *Update) Build(ctx context.Context, env *Env) (*BuildResult, error) {
	mut := mutation{
		kind:    fuse.Update,
		table:   stmt.Table,
		where:   stmt.Where,
		in:      stmt.In,
		updates: stmt.ColumnUpdates,
	}
	return mut.build(ctx, env)
}

type Delete struct {
	Table TableName
	Where string
	In    []InSubquery
}

func (stmt *Delete) String() string {
	return fmt.Sprintf("DELETE FROM %s", stmt.Table) + formatWhere(stmt.Where, stmt.In)
}

func (stmt *Delete) Build(ctx context.Context, env *Env) (*BuildResult, error) {
	mut := mutation{
		kind:  fuse.Delete,
		table: stmt.Table,
		where: stmt.Where,
		in:    stmt.In,
	}
	return mut.build(ctx, env)
}

type mutation struct {
	kind    fuse.MutationKind
	table   TableName
	where   string
	in      []InSubquery
	updates []ColumnUpdate
}

// mutableTable returns the table and takes its lock. The table is looked up again once
// the lock is held, since its metadata may have changed while waiting.
func mutableTable(ctx context.Context, env *Env, tn TableName) (catalog.Table, *fuse.Table,
	*BuildResult, error) {

	tbl, err := env.Catalog.GetTable(ctx, tn.Database, tn.Table)
	if err != nil {
		return nil, nil, nil, err
	}
	err = tbl.CheckMutable()
	if err != nil {
		return nil, nil, nil, err
	}

	guard, err := env.lockTable(ctx, tbl.Info())
	if err != nil {
		return nil, nil, nil, err
	}
	br := &BuildResult{guard: guard}

	tbl, err = env.Catalog.GetTable(ctx, tn.Database, tn.Table)
	if err != nil {
		br.Close()
		return nil, nil, nil, err
	}
	ft, err := tbl.Mutable()
	if err != nil {
		br.Close()
		return nil, nil, nil, err
	}
	return tbl, ft, br, nil
}

func (mut *mutation) build(ctx context.Context, env *Env) (*BuildResult, error) {
	tbl, ft, br, err := mutableTable(ctx, env, mut.table)
	if err != nil {
		return nil, err
	}
	err = mut.plan(ctx, env, tbl, ft, br)
	if err != nil {
		br.Close()
		return nil, err
	}
	return br, nil
}

// rowIDFilter is a filter which selects rows by row id. Source is the predicate the row
// ids were computed from, against Snapshot.
type rowIDFilter struct {
	Source   expr.Expr
	Snapshot *meta.Snapshot
}

// filter returns the filter of the mutation. Subqueries are run and the filter is
// rewritten to select the matching rows by row id.
func (mut *mutation) filter(ctx context.Context, tbl catalog.Table,
	ft *fuse.Table) (expr.Expr, bool, *rowIDFilter, error) {

	schema := ft.Schema()
	var filter expr.Expr
	if mut.where != "" {
		var err error
		filter, err = expr.Parse(mut.where, schema)
		if err != nil {
			return nil, false, nil, err
		}
		if !expr.Deterministic(filter) {
			return nil, false, nil, errcode.Unimplementedf(
				"interpreter: %s: %s is not deterministic", mut.table, filter)
		}
	}
	if len(mut.in) == 0 {
		return filter, filter != nil && expr.UsesRowID(filter), nil, nil
	}

	if !tbl.SupportRowID() {
		return nil, false, nil, errcode.Unimplementedf(
			"interpreter: %s: subqueries require row ids", mut.table)
	}
	var sqs []*expr.InSubquery
	for _, in := range mut.in {
		cdx, ok := schema.Index(in.Column)
		if !ok {
			return nil, false, nil, errcode.SchemaMismatchf(
				"interpreter: %s: column %s not found", mut.table, in.Column)
		}
		sqs = append(sqs, &expr.InSubquery{
			Expr:     &expr.Column{Name: schema.Fields[cdx].Name, Index: cdx},
			Subquery: in.Subquery,
		})
	}

	for _, is := range sqs {
		err := is.Materialize(ctx)
		if err != nil {
			return nil, false, nil, err
		}
		if filter == nil {
			filter = is
		} else {
			filter = &expr.Binary{Op: expr.AndOp, Left: filter, Right: is}
		}
	}
	source, err := expr.Inline(filter)
	if err != nil {
		return nil, false, nil, err
	}

	ss, err := ft.ReadSnapshot(ctx)
	if err != nil {
		return nil, false, nil, err
	}
	ids, err := ft.MatchRowIDs(ctx, ss, source)
	if err != nil {
		return nil, false, nil, err
	}
	if ids.IsEmpty() {
		return &expr.Literal{Value: sql.BoolValue(false)}, false, nil, nil
	}
	return &expr.RowIDIn{RowIDs: ids}, true, &rowIDFilter{Source: source, Snapshot: ss}, nil
}

func (mut *mutation) columnUpdates(schema sql.Schema) (map[int]expr.Expr, error) {
	if len(mut.updates) == 0 {
		return nil, nil
	}
	updates := map[int]expr.Expr{}
	for _, cu := range mut.updates {
		cdx, ok := schema.Index(cu.Column)
		if !ok {
			return nil, errcode.SchemaMismatchf("interpreter: %s: column %s not found",
				mut.table, cu.Column)
		}
		if schema.Fields[cdx].Computed != "" {
			return nil, errcode.Unimplementedf("interpreter: %s: column %s is computed",
				mut.table, cu.Column)
		}
		if _, ok := updates[cdx]; ok {
			return nil, errcode.Unimplementedf(
				"interpreter: %s: column %s updated more than once", mut.table, cu.Column)
		}
		e, err := expr.Parse(cu.Expr, schema)
		if err != nil {
			return nil, err
		}
		updates[cdx] = e
	}
	return updates, nil
}

// computedUpdates returns the computed columns which depend on the updated columns.
func computedUpdates(env *Env, ft *fuse.Table,
	updates map[int]expr.Expr) (map[int]expr.Expr, error) {

	all, err := ft.ComputedExprs()
	if err != nil {
		return nil, err
	}

	var computed map[int]expr.Expr
	for cdx, ce := range all {
		for _, col := range expr.Columns(ce) {
			if _, ok := updates[col]; ok {
				if computed == nil {
					computed = map[int]expr.Expr{}
				}
				computed[cdx] = ce
				break
			}
		}
	}
	if len(computed) > 0 {
		err = env.license().CheckEnterpriseEnabled(license.ComputedColumn)
		if err != nil {
			return nil, err
		}
	}
	return computed, nil
}

func toRemotes(m map[int]expr.Expr) map[int]*expr.Remote {
	if len(m) == 0 {
		return nil
	}
	rm := map[int]*expr.Remote{}
	for cdx, e := range m {
		rm[cdx] = expr.ToRemote(e)
	}
	return rm
}

func sortedExprs(m map[int]expr.Expr) []expr.Expr {
	cdxs := make([]int, 0, len(m))
	for cdx := range m {
		cdxs = append(cdxs, cdx)
	}
	sort.Ints(cdxs)

	es := make([]expr.Expr, 0, len(cdxs))
	for _, cdx := range cdxs {
		es = append(es, m[cdx])
	}
	return es
}

func (mut *mutation) plan(ctx context.Context, env *Env, tbl catalog.Table, ft *fuse.Table,
	br *BuildResult) error {

	updates, err := mut.columnUpdates(ft.Schema())
	if err != nil {
		return err
	}
	computed, err := computedUpdates(env, ft, updates)
	if err != nil {
		return err
	}

	filter, queryRowID, rif, err := mut.filter(ctx, tbl, ft)
	if err != nil {
		return err
	}
	var filters *expr.Filters
	if filter != nil {
		filters = expr.PushDownFilters(filter)
	}

	es := append(sortedExprs(updates), sortedExprs(computed)...)
	if filters != nil {
		es = append(es, filters.Filter)
	}
	colIndices := expr.Columns(es...)

	var ss *meta.Snapshot
	if rif != nil {
		// The row ids are only good for the snapshot they were computed against.
		ss, filters, err = ft.FastUpdateAt(ctx, rif.Snapshot, filters, colIndices,
			queryRowID)
	} else {
		ss, filters, err = ft.FastUpdate(ctx, filters, colIndices, queryRowID)
	}
	if err != nil {
		return err
	}
	if ss == nil {
		log.WithField("table", mut.table.String()).Debug("interpreter: nothing to change")
		br.Plan = &plan.EmptySource{}
		return nil
	}

	lazy := len(ss.Segments) > env.Catalog.Settings().MaxThreads
	parts, err := ft.MutationReadPartitions(ctx, ss, colIndices, filters, lazy,
		mut.kind == fuse.Delete)
	if err != nil {
		return err
	}
	if parts.Len() == 0 {
		br.Plan = &plan.EmptySource{}
		return nil
	}

	m := plan.Mutation{
		Table:      ft.Info(),
		ColIndices: colIndices,
		QueryRowID: queryRowID,
		Parts:      parts,
	}
	if filters != nil {
		m.Filters = expr.ToRemote(filters.Filter)
	}
	if rif != nil {
		m.RowIDSource = expr.ToRemote(rif.Source)
	}
	var src plan.PhysicalPlan
	if mut.kind == fuse.Update {
		src = &plan.UpdateSource{
			Mutation: m,
			Updates:  toRemotes(updates),
			Computed: toRemotes(computed),
		}
	} else {
		src = &plan.DeleteSource{
			Mutation: m,
		}
	}
	return br.build(ctx, env, &plan.CommitSink{
		Input:        plan.Input{PhysicalPlan: src},
		Table:        ft.Info(),
		Snapshot:     ss,
		MutationKind: mut.kind,
	})
}
