// Package metastore keeps table metadata in a kv store. Updates are compare and swap on
// the version of the table; the version changes on every update.
package metastore

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fuse/encode"
	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/kv"
	"github.com/leftmike/fuse/meta"
)

var (
	ErrTableNotFound    = errors.New("table not found")
	ErrDatabaseNotFound = errors.New("database not found")
	ErrExists           = errors.New("already exists")

	seqKey = []byte("seq")
)

const (
	databasePrefix  = "db/"
	tableNamePrefix = "tn/"
	tableIDPrefix   = "ti/"
	lockPrefix      = "lk/"
)

// MatchSeq is the condition on the version of a table for an update to succeed.
type MatchSeq struct {
	exact bool
	seq   uint64
}

var AnySeq = MatchSeq{}

func ExactSeq(seq uint64) MatchSeq {
	return MatchSeq{exact: true, seq: seq}
}

func (ms MatchSeq) Match(seq uint64) bool {
	return !ms.exact || ms.seq == seq
}

func (ms MatchSeq) String() string {
	if ms.exact {
		return "= " + strconv.FormatUint(ms.seq, 10)
	}
	return "any"
}

type UpdateTableMetaReq struct {
	TableID uint64
	Seq     MatchSeq
	NewMeta *meta.TableMeta
}

// UpdateTableMetaReply is the new version of the table; ShareTableInfo is set when the
// table is shared and the shares need the new metadata.
type UpdateTableMetaReply struct {
	Seq            uint64
	ShareTableInfo *meta.TableInfo
}

type Service struct {
	kv kv.KV
}

func New(st kv.KV) *Service {
	return &Service{
		kv: st,
	}
}

func transient(err error, format string, args ...interface{}) error {
	return errcode.MarkTransient(errors.Wrapf(err, format, args...))
}

func nextSeq(upd kv.Updater) (uint64, error) {
	var seq uint64
	err := upd.Get(seqKey,
		func(val []byte) error {
			var ok bool
			_, seq, ok = encode.DecodeUint64(val)
			if !ok {
				return errors.New("metastore: corrupt sequence")
			}
			return nil
		})
	if err != nil && err != io.EOF {
		return 0, err
	}
	seq += 1
	return seq, upd.Set(seqKey, encode.EncodeUint64(nil, seq))
}

func databaseKey(name string) []byte {
	return []byte(databasePrefix + strings.ToLower(name))
}

func tableNameKey(dbname, tblname string) []byte {
	return []byte(tableNamePrefix + strings.ToLower(dbname) + "/" + strings.ToLower(tblname))
}

func tableIDKey(id uint64) []byte {
	return encode.EncodeUint64([]byte(tableIDPrefix), id)
}

func (svc *Service) update(d kv.Durability, fn func(upd kv.Updater) error) error {
	upd, err := svc.kv.Update()
	if err != nil {
		return transient(err, "metastore: update")
	}
	err = fn(upd)
	if err != nil {
		upd.Rollback()
		return err
	}
	err = upd.Commit(d)
	if err != nil {
		return transient(err, "metastore: commit")
	}
	return nil
}

func (svc *Service) CreateDatabase(ctx context.Context, name string,
	dbt meta.DatabaseType) error {

	return svc.update(kv.Durable,
		func(upd kv.Updater) error {
			key := databaseKey(name)
			err := upd.Get(key,
				func(val []byte) error {
					return nil
				})
			if err == nil {
				return errors.Mark(errors.Newf("metastore: database %s already exists", name),
					ErrExists)
			} else if err != io.EOF {
				return transient(err, "metastore: database %s", name)
			}
			return upd.Set(key, encode.EncodeVarint(nil, uint64(dbt)))
		})
}

func getDatabase(get func(key []byte, fn func(val []byte) error) error,
	name string) (meta.DatabaseType, error) {

	var dbt meta.DatabaseType
	err := get(databaseKey(name),
		func(val []byte) error {
			_, u, ok := encode.DecodeVarint(val)
			if !ok {
				return errors.Errorf("metastore: database %s: corrupt metadata", name)
			}
			dbt = meta.DatabaseType(u)
			return nil
		})
	if err == io.EOF {
		return 0, errors.Mark(errors.Newf("metastore: database %s not found", name),
			ErrDatabaseNotFound)
	}
	return dbt, err
}

func appendString(buf []byte, s string) []byte {
	buf = encode.EncodeVarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func decodeString(buf []byte) ([]byte, string, bool) {
	buf, n, ok := encode.DecodeVarint(buf)
	if !ok || uint64(len(buf)) < n {
		return nil, "", false
	}
	return buf[n:], string(buf[:n]), true
}

func encodeTableInfo(ti *meta.TableInfo) []byte {
	buf := encode.EncodeVarint(nil, ti.Ident.Seq)
	buf = encode.EncodeVarint(buf, uint64(ti.DBType))
	buf = appendString(buf, ti.Database)
	buf = appendString(buf, ti.Name)
	return append(buf, meta.MarshalTableMeta(&ti.Meta)...)
}

func decodeTableInfo(id uint64, buf []byte) (*meta.TableInfo, error) {
	ti := meta.TableInfo{
		Ident: meta.TableIdent{TableID: id},
	}

	var dbt uint64
	var ok bool
	buf, ti.Ident.Seq, ok = encode.DecodeVarint(buf)
	if ok {
		buf, dbt, ok = encode.DecodeVarint(buf)
	}
	if ok {
		buf, ti.Database, ok = decodeString(buf)
	}
	if ok {
		buf, ti.Name, ok = decodeString(buf)
	}
	if !ok {
		return nil, errors.Errorf("metastore: table %d: corrupt metadata", id)
	}
	ti.DBType = meta.DatabaseType(dbt)

	tm, err := meta.UnmarshalTableMeta(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "metastore: table %d", id)
	}
	ti.Meta = *tm
	return &ti, nil
}

func (svc *Service) CreateTable(ctx context.Context, dbname, tblname string,
	tm *meta.TableMeta) (*meta.TableInfo, error) {

	var ti *meta.TableInfo
	err := svc.update(kv.Durable,
		func(upd kv.Updater) error {
			dbt, err := getDatabase(upd.Get, dbname)
			if err != nil {
				return err
			}

			nkey := tableNameKey(dbname, tblname)
			err = upd.Get(nkey,
				func(val []byte) error {
					return nil
				})
			if err == nil {
				return errors.Mark(
					errors.Newf("metastore: table %s.%s already exists", dbname, tblname),
					ErrExists)
			} else if err != io.EOF {
				return transient(err, "metastore: table %s.%s", dbname, tblname)
			}

			id, err := nextSeq(upd)
			if err != nil {
				return transient(err, "metastore: table %s.%s", dbname, tblname)
			}
			seq, err := nextSeq(upd)
			if err != nil {
				return transient(err, "metastore: table %s.%s", dbname, tblname)
			}

			ti = &meta.TableInfo{
				Ident:    meta.TableIdent{TableID: id, Seq: seq},
				Database: dbname,
				Name:     tblname,
				DBType:   dbt,
				Meta:     *tm,
			}
			err = upd.Set(nkey, encode.EncodeUint64(nil, id))
			if err != nil {
				return err
			}
			return upd.Set(tableIDKey(id), encodeTableInfo(ti))
		})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"table": ti.String(),
		"id":    ti.Ident.TableID,
	}).Info("metastore: create table")
	return ti, nil
}

func (svc *Service) GetTable(ctx context.Context, dbname, tblname string) (*meta.TableInfo,
	error) {

	var id uint64
	err := svc.kv.Get(tableNameKey(dbname, tblname),
		func(val []byte) error {
			var ok bool
			_, id, ok = encode.DecodeUint64(val)
			if !ok {
				return errors.Errorf("metastore: table %s.%s: corrupt metadata", dbname,
					tblname)
			}
			return nil
		})
	if err == io.EOF {
		return nil, errors.Mark(errors.Newf("metastore: table %s.%s not found", dbname,
			tblname), ErrTableNotFound)
	} else if err != nil {
		return nil, transient(err, "metastore: table %s.%s", dbname, tblname)
	}

	return svc.GetTableByID(ctx, id)
}

func (svc *Service) GetTableByID(ctx context.Context, id uint64) (*meta.TableInfo, error) {
	var ti *meta.TableInfo
	err := svc.kv.Get(tableIDKey(id),
		func(val []byte) error {
			var err error
			ti, err = decodeTableInfo(id, val)
			return err
		})
	if err == io.EOF {
		return nil, errors.Mark(errors.Newf("metastore: table %d not found", id),
			ErrTableNotFound)
	} else if err != nil {
		return nil, transient(err, "metastore: table %d", id)
	}
	return ti, nil
}

func (svc *Service) ListTables(ctx context.Context, dbname string) ([]*meta.TableInfo,
	error) {

	var ids []uint64
	err := svc.kv.Scan([]byte(tableNamePrefix+strings.ToLower(dbname)+"/"),
		func(key, val []byte) error {
			_, id, ok := encode.DecodeUint64(val)
			if !ok {
				return errors.Errorf("metastore: table %s: corrupt metadata", key)
			}
			ids = append(ids, id)
			return nil
		})
	if err != nil {
		return nil, transient(err, "metastore: list tables %s", dbname)
	}

	tis := make([]*meta.TableInfo, 0, len(ids))
	for _, id := range ids {
		ti, err := svc.GetTableByID(ctx, id)
		if err != nil {
			return nil, err
		}
		tis = append(tis, ti)
	}
	return tis, nil
}

// UpdateTableMeta replaces the metadata of a table if its version matches req.Seq;
// otherwise it fails with a conflict.
func (svc *Service) UpdateTableMeta(ctx context.Context,
	req UpdateTableMetaReq) (*UpdateTableMetaReply, error) {

	var reply UpdateTableMetaReply
	err := svc.update(kv.Durable,
		func(upd kv.Updater) error {
			key := tableIDKey(req.TableID)
			var ti *meta.TableInfo
			err := upd.Get(key,
				func(val []byte) error {
					var err error
					ti, err = decodeTableInfo(req.TableID, val)
					return err
				})
			if err == io.EOF {
				return errors.Mark(errors.Newf("metastore: table %d not found", req.TableID),
					ErrTableNotFound)
			} else if err != nil {
				return transient(err, "metastore: table %d", req.TableID)
			}

			if !req.Seq.Match(ti.Ident.Seq) {
				return errcode.Conflictf("metastore: table %d: version %d does not match %s",
					req.TableID, ti.Ident.Seq, req.Seq)
			}

			seq, err := nextSeq(upd)
			if err != nil {
				return transient(err, "metastore: table %d", req.TableID)
			}
			ti.Ident.Seq = seq
			ti.Meta = *req.NewMeta
			ti.Meta.UpdatedOn = time.Now().UTC()

			err = upd.Set(key, encodeTableInfo(ti))
			if err != nil {
				return transient(err, "metastore: table %d", req.TableID)
			}

			reply.Seq = seq
			if len(ti.Meta.SharedBy) > 0 {
				reply.ShareTableInfo = ti
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"id":  req.TableID,
		"seq": reply.Seq,
	}).Debug("metastore: update table meta")
	return &reply, nil
}
