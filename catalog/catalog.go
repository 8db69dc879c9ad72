// Package catalog resolves tables by name to the engine that implements them.
package catalog

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fuse/blockio"
	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/fuse"
	"github.com/leftmike/fuse/kv"
	"github.com/leftmike/fuse/lock"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/metastore"
	"github.com/leftmike/fuse/metrics"
	"github.com/leftmike/fuse/settings"
	"github.com/leftmike/fuse/sql"
)

// Table is what planning a mutation needs of a table, whatever its engine. Mutable returns
// the fuse table that a mutation changes, or an Unsupported error.
type Table interface {
	Info() *meta.TableInfo
	Schema() sql.Schema
	CheckMutable() error
	SupportRowID() bool
	Mutable() (*fuse.Table, error)
}

// readOnlyTable is a view or a stream: it can be looked up, but not changed.
type readOnlyTable struct {
	info *meta.TableInfo
}

func (rot *readOnlyTable) Info() *meta.TableInfo {
	return rot.info
}

func (rot *readOnlyTable) Schema() sql.Schema {
	return rot.info.Meta.Schema
}

func (rot *readOnlyTable) CheckMutable() error {
	return errcode.Unsupportedf("catalog: %s: %s tables can not be changed", rot.info,
		rot.info.Meta.Engine)
}

func (_ *readOnlyTable) SupportRowID() bool {
	return false
}

func (rot *readOnlyTable) Mutable() (*fuse.Table, error) {
	return nil, rot.CheckMutable()
}

type Catalog struct {
	st    *fuse.Storage
	locks *lock.Manager
	kv    kv.KV
}

func New(st *fuse.Storage) *Catalog {
	return &Catalog{
		st:    st,
		locks: lock.NewManager(st.Metastore, st.Settings, st.Metrics),
	}
}

// Open makes storage in a KV store of the named kind, with both metadata and blocks kept
// in the same store.
func Open(kind, dataDir string, s *settings.Settings, m *metrics.Metrics,
	compression meta.Compression) (*Catalog, error) {

	st, err := kv.Open(kind, dataDir, log.StandardLogger())
	if err != nil {
		return nil, err
	}
	op, err := blockio.NewOperator(st, compression)
	if err != nil {
		st.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"store": kind,
		"dir":   dataDir,
	}).Info("catalog: open")
	c := New(&fuse.Storage{
		Metastore:  metastore.New(st),
		Operator:   op,
		Settings:   s,
		Metrics:    m,
		ShareSaver: &metastore.MemoryShareSaver{},
	})
	c.kv = st
	return c, nil
}

func (c *Catalog) Close() error {
	if c.kv == nil {
		return nil
	}
	return c.kv.Close()
}

func (c *Catalog) Storage() *fuse.Storage {
	return c.st
}

func (c *Catalog) Locks() *lock.Manager {
	return c.locks
}

func (c *Catalog) Settings() *settings.Settings {
	return c.st.Settings
}

func (c *Catalog) table(ti *meta.TableInfo) Table {
	switch ti.Meta.Engine {
	case meta.FuseEngine:
		return fuse.NewTable(c.st, ti)
	default:
		return &readOnlyTable{info: ti}
	}
}

func (c *Catalog) CreateDatabase(ctx context.Context, name string,
	dbt meta.DatabaseType) error {

	return c.st.Metastore.CreateDatabase(ctx, name, dbt)
}

func (c *Catalog) CreateTable(ctx context.Context, dbname, tblname string,
	tm *meta.TableMeta) (Table, error) {

	ti, err := c.st.Metastore.CreateTable(ctx, dbname, tblname, tm)
	if err != nil {
		return nil, err
	}
	return c.table(ti), nil
}

func (c *Catalog) GetTable(ctx context.Context, dbname, tblname string) (Table, error) {
	ti, err := c.st.Metastore.GetTable(ctx, dbname, tblname)
	if err != nil {
		return nil, err
	}
	return c.table(ti), nil
}

func (c *Catalog) GetTableByID(ctx context.Context, id uint64) (Table, error) {
	ti, err := c.st.Metastore.GetTableByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.table(ti), nil
}

func (c *Catalog) ListTables(ctx context.Context, dbname string) ([]Table, error) {
	tis, err := c.st.Metastore.ListTables(ctx, dbname)
	if err != nil {
		return nil, err
	}
	tbls := make([]Table, 0, len(tis))
	for _, ti := range tis {
		tbls = append(tbls, c.table(ti))
	}
	return tbls, nil
}

// MutableTable looks up a table which is going to be changed.
func (c *Catalog) MutableTable(ctx context.Context, dbname, tblname string) (*fuse.Table,
	error) {

	tbl, err := c.GetTable(ctx, dbname, tblname)
	if err != nil {
		return nil, err
	}
	return tbl.Mutable()
}
