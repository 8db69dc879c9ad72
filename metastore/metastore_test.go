package metastore_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/kv"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/metastore"
	"github.com/leftmike/fuse/sql"
	"github.com/leftmike/fuse/testutil"
)

func newService(t *testing.T) *metastore.Service {
	t.Helper()

	st, err := kv.MakeBTreeKV()
	if err != nil {
		t.Fatal(err)
	}
	svc := metastore.New(st)
	err = svc.CreateDatabase(context.Background(), "db", meta.NormalDB)
	if err != nil {
		t.Fatalf("CreateDatabase(db) failed with %s", err)
	}
	return svc
}

func testTableMeta() *meta.TableMeta {
	return &meta.TableMeta{
		Engine: meta.FuseEngine,
		Schema: sql.NewSchema(
			sql.Field{Name: "a", Type: sql.Int64Type},
			sql.Field{Name: "b", Type: sql.Int64Type},
		),
	}
}

func TestTables(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	err := svc.CreateDatabase(ctx, "DB", meta.ShareDB)
	if !errors.Is(err, metastore.ErrExists) {
		t.Errorf("CreateDatabase(DB) got %v want already exists", err)
	}

	_, err = svc.CreateTable(ctx, "nodb", "t", testTableMeta())
	if !errors.Is(err, metastore.ErrDatabaseNotFound) {
		t.Errorf("CreateTable(nodb.t) got %v want database not found", err)
	}

	ti, err := svc.CreateTable(ctx, "db", "t", testTableMeta())
	if err != nil {
		t.Fatalf("CreateTable(db.t) failed with %s", err)
	}
	_, err = svc.CreateTable(ctx, "db", "T", testTableMeta())
	if !errors.Is(err, metastore.ErrExists) {
		t.Errorf("CreateTable(db.T) got %v want already exists", err)
	}
	_, err = svc.CreateTable(ctx, "db", "u", testTableMeta())
	if err != nil {
		t.Fatalf("CreateTable(db.u) failed with %s", err)
	}

	ret, err := svc.GetTable(ctx, "db", "t")
	if err != nil {
		t.Fatalf("GetTable(db.t) failed with %s", err)
	}
	var trc string
	if !testutil.DeepEqual(ti, ret, &trc) {
		t.Errorf("GetTable(db.t): %s", trc)
	}

	_, err = svc.GetTable(ctx, "db", "v")
	if !errors.Is(err, metastore.ErrTableNotFound) {
		t.Errorf("GetTable(db.v) got %v want table not found", err)
	}
	_, err = svc.GetTableByID(ctx, 12345)
	if !errors.Is(err, metastore.ErrTableNotFound) {
		t.Errorf("GetTableByID(12345) got %v want table not found", err)
	}

	tis, err := svc.ListTables(ctx, "db")
	if err != nil {
		t.Fatalf("ListTables(db) failed with %s", err)
	}
	if len(tis) != 2 || tis[0].Name != "t" || tis[1].Name != "u" {
		t.Errorf("ListTables(db) got %v want [db.t db.u]", tis)
	}
}

func TestUpdateTableMeta(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	ti, err := svc.CreateTable(ctx, "db", "t", testTableMeta())
	if err != nil {
		t.Fatalf("CreateTable(db.t) failed with %s", err)
	}

	nm := ti.Meta
	nm.SnapshotLocation = "ss/1"
	reply, err := svc.UpdateTableMeta(ctx, metastore.UpdateTableMetaReq{
		TableID: ti.Ident.TableID,
		Seq:     metastore.ExactSeq(ti.Ident.Seq),
		NewMeta: &nm,
	})
	if err != nil {
		t.Fatalf("UpdateTableMeta() failed with %s", err)
	}
	if reply.Seq <= ti.Ident.Seq {
		t.Errorf("UpdateTableMeta().Seq got %d want greater than %d", reply.Seq, ti.Ident.Seq)
	}
	if reply.ShareTableInfo != nil {
		t.Errorf("UpdateTableMeta().ShareTableInfo got %v want nil", reply.ShareTableInfo)
	}

	stale := nm
	stale.SnapshotLocation = "ss/2"
	_, err = svc.UpdateTableMeta(ctx, metastore.UpdateTableMetaReq{
		TableID: ti.Ident.TableID,
		Seq:     metastore.ExactSeq(ti.Ident.Seq),
		NewMeta: &stale,
	})
	if !errcode.Is(err, errcode.ErrConflict) {
		t.Errorf("UpdateTableMeta(stale) got %v want conflict", err)
	}

	ret, err := svc.GetTableByID(ctx, ti.Ident.TableID)
	if err != nil {
		t.Fatalf("GetTableByID() failed with %s", err)
	}
	if ret.Meta.SnapshotLocation != "ss/1" || ret.Ident.Seq != reply.Seq {
		t.Errorf("GetTableByID() got %s at %d want ss/1 at %d", ret.Meta.SnapshotLocation,
			ret.Ident.Seq, reply.Seq)
	}

	shared := ret.Meta
	shared.SharedBy = []uint64{4}
	reply, err = svc.UpdateTableMeta(ctx, metastore.UpdateTableMetaReq{
		TableID: ti.Ident.TableID,
		Seq:     metastore.AnySeq,
		NewMeta: &shared,
	})
	if err != nil {
		t.Fatalf("UpdateTableMeta(any) failed with %s", err)
	}
	if reply.ShareTableInfo == nil || reply.ShareTableInfo.Ident.Seq != reply.Seq {
		t.Errorf("UpdateTableMeta(shared).ShareTableInfo got %v", reply.ShareTableInfo)
	}

	_, err = svc.UpdateTableMeta(ctx, metastore.UpdateTableMetaReq{
		TableID: 9999,
		Seq:     metastore.AnySeq,
		NewMeta: &shared,
	})
	if !errors.Is(err, metastore.ErrTableNotFound) {
		t.Errorf("UpdateTableMeta(9999) got %v want table not found", err)
	}
}

type failingKV struct {
	kv.KV
}

func (fkv failingKV) Update() (kv.Updater, error) {
	return nil, errors.New("disk on fire")
}

func TestTransient(t *testing.T) {
	st, err := kv.MakeBTreeKV()
	if err != nil {
		t.Fatal(err)
	}
	svc := metastore.New(failingKV{st})

	err = svc.CreateDatabase(context.Background(), "db", meta.NormalDB)
	if !errcode.Is(err, errcode.ErrTransient) {
		t.Errorf("CreateDatabase() got %v want transient", err)
	}
	_, err = svc.CreateLockRevision(context.Background(), 1, time.Second)
	if !errcode.IsRetryable(err) {
		t.Errorf("CreateLockRevision() got %v want retryable", err)
	}
}

func TestLockRevisions(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	r1, err := svc.CreateLockRevision(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("CreateLockRevision() failed with %s", err)
	}
	r2, err := svc.CreateLockRevision(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("CreateLockRevision() failed with %s", err)
	}
	r3, err := svc.CreateLockRevision(ctx, 11, time.Minute)
	if err != nil {
		t.Fatalf("CreateLockRevision() failed with %s", err)
	}
	if r1 >= r2 {
		t.Errorf("CreateLockRevision() got %d then %d", r1, r2)
	}

	revs, err := svc.ListLockRevisions(ctx, 10)
	if err != nil {
		t.Fatalf("ListLockRevisions(10) failed with %s", err)
	}
	if !testutil.DeepEqual(revs, []uint64{r1, r2}) {
		t.Errorf("ListLockRevisions(10) got %v want [%d %d]", revs, r1, r2)
	}

	err = svc.DeleteLockRevision(ctx, 10, r1)
	if err != nil {
		t.Fatalf("DeleteLockRevision() failed with %s", err)
	}
	revs, err = svc.ListLockRevisions(ctx, 10)
	if err != nil {
		t.Fatalf("ListLockRevisions(10) failed with %s", err)
	}
	if !testutil.DeepEqual(revs, []uint64{r2}) {
		t.Errorf("ListLockRevisions(10) got %v want [%d]", revs, r2)
	}

	err = svc.ExtendLockRevision(ctx, 10, r1, time.Minute)
	if err == nil {
		t.Errorf("ExtendLockRevision(deleted) did not fail")
	}

	err = svc.ExtendLockRevision(ctx, 11, r3, -time.Second)
	if err != nil {
		t.Fatalf("ExtendLockRevision() failed with %s", err)
	}
	revs, err = svc.ListLockRevisions(ctx, 11)
	if err != nil {
		t.Fatalf("ListLockRevisions(11) failed with %s", err)
	}
	if len(revs) != 0 {
		t.Errorf("ListLockRevisions(11) got %v want none; revision expired", revs)
	}
}

func TestMemoryShareSaver(t *testing.T) {
	var mss metastore.MemoryShareSaver
	ti := &meta.TableInfo{Database: "db", Name: "t"}
	err := mss.SaveShareTable(context.Background(), 3, ti)
	if err != nil {
		t.Fatalf("SaveShareTable() failed with %s", err)
	}
	if saved := mss.Saved(3); len(saved) != 1 || saved[0] != ti {
		t.Errorf("Saved(3) got %v want [%v]", saved, ti)
	}
	if saved := mss.Saved(4); len(saved) != 0 {
		t.Errorf("Saved(4) got %v want none", saved)
	}
}
