package catalog_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/leftmike/fuse/catalog"
	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/metastore"
	"github.com/leftmike/fuse/metrics"
	"github.com/leftmike/fuse/settings"
	"github.com/leftmike/fuse/sql"
)

func TestCatalog(t *testing.T) {
	ctx := context.Background()
	c, err := catalog.Open("memory", "", settings.Default(), metrics.Discard(),
		meta.ZstdCompression)
	if err != nil {
		t.Fatalf("Open(memory) failed with %s", err)
	}
	defer c.Close()

	err = c.CreateDatabase(ctx, "db", meta.NormalDB)
	if err != nil {
		t.Fatalf("CreateDatabase(db) failed with %s", err)
	}
	err = c.CreateDatabase(ctx, "share", meta.ShareDB)
	if err != nil {
		t.Fatalf("CreateDatabase(share) failed with %s", err)
	}

	schema := sql.NewSchema(sql.Field{Name: "a", Type: sql.Int64Type})
	cases := []struct {
		db      string
		name    string
		engine  meta.Engine
		mutable bool
		rowID   bool
	}{
		{db: "db", name: "t", engine: meta.FuseEngine, mutable: true, rowID: true},
		{db: "db", name: "v", engine: meta.ViewEngine},
		{db: "db", name: "s", engine: meta.StreamEngine},
		{db: "share", name: "t", engine: meta.FuseEngine, rowID: true},
	}

	for _, c1 := range cases {
		_, err := c.CreateTable(ctx, c1.db, c1.name, &meta.TableMeta{
			Engine: c1.engine,
			Schema: schema,
		})
		if err != nil {
			t.Fatalf("CreateTable(%s.%s) failed with %s", c1.db, c1.name, err)
		}
	}

	for _, c1 := range cases {
		tbl, err := c.GetTable(ctx, c1.db, c1.name)
		if err != nil {
			t.Errorf("GetTable(%s.%s) failed with %s", c1.db, c1.name, err)
			continue
		}
		if tbl.Info().Meta.Engine != c1.engine || tbl.Schema().Len() != 1 {
			t.Errorf("GetTable(%s.%s) got %s %s", c1.db, c1.name, tbl.Info().Meta.Engine,
				tbl.Schema())
		}
		if tbl.SupportRowID() != c1.rowID {
			t.Errorf("GetTable(%s.%s).SupportRowID() got %v want %v", c1.db, c1.name,
				tbl.SupportRowID(), c1.rowID)
		}

		ft, err := c.MutableTable(ctx, c1.db, c1.name)
		if c1.mutable {
			if err != nil || ft == nil {
				t.Errorf("MutableTable(%s.%s) failed with %v", c1.db, c1.name, err)
			}
		} else if !errcode.Is(err, errcode.ErrUnsupported) {
			t.Errorf("MutableTable(%s.%s) got %v want unsupported", c1.db, c1.name, err)
		}

		byID, err := c.GetTableByID(ctx, tbl.Info().Ident.TableID)
		if err != nil || byID.Info().Name != c1.name {
			t.Errorf("GetTableByID(%d) got %v, %v", tbl.Info().Ident.TableID, byID, err)
		}
	}

	tbls, err := c.ListTables(ctx, "db")
	if err != nil {
		t.Fatalf("ListTables(db) failed with %s", err)
	}
	if len(tbls) != 3 {
		t.Errorf("ListTables(db) got %d tables want 3", len(tbls))
	}

	_, err = c.GetTable(ctx, "db", "missing")
	if !errors.Is(err, metastore.ErrTableNotFound) {
		t.Errorf("GetTable(db.missing) got %v want not found", err)
	}
	if c.Locks() == nil || c.Storage() == nil || c.Settings() == nil {
		t.Errorf("Catalog is missing locks, storage, or settings")
	}
}
