// Package meta is the persisted description of a table: snapshots, segments, blocks and
// their statistics. Every object is immutable once written; a change produces a new
// object at a new location.
package meta

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leftmike/fuse/sql"
)

const (
	BlockVersion    = 2
	SegmentVersion  = 3
	SnapshotVersion = 4
)

// Location is the path of an object and the format version it was written with.
type Location struct {
	Path    string `json:"path"`
	Version uint64 `json:"version"`
}

func (loc Location) String() string {
	return fmt.Sprintf("%s@v%d", loc.Path, loc.Version)
}

type Compression int

const (
	NoCompression Compression = iota
	ZstdCompression
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case ZstdCompression:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", int(c))
}

// ColumnMeta is the byte range of one column within a block file.
type ColumnMeta struct {
	Offset    uint64 `json:"offset"`
	Length    uint64 `json:"length"`
	NumValues uint64 `json:"num_values"`
}

type ColumnStatistics struct {
	Min          sql.Value
	Max          sql.Value
	NullCount    uint64
	InMemorySize uint64
}

// ClusterStatistics is the range of the cluster key within a block, and the number of
// times the block has been reclustered.
type ClusterStatistics struct {
	ClusterKeyID uint32
	Min          []sql.Value
	Max          []sql.Value
	Level        int32
}

type BlockMeta struct {
	Location     Location                 `json:"location"`
	RowCount     uint64                   `json:"row_count"`
	BlockSize    uint64                   `json:"block_size"`
	FileSize     uint64                   `json:"file_size"`
	ColumnMetas  map[int]ColumnMeta       `json:"column_metas"`
	ColumnStats  map[int]ColumnStatistics `json:"column_stats"`
	ClusterStats *ClusterStatistics       `json:"cluster_stats,omitempty"`
	Compression  Compression              `json:"compression"`
	CreateOn     time.Time                `json:"create_on"`
}

type Segment struct {
	Blocks  []*BlockMeta `json:"blocks"`
	Summary Statistics   `json:"summary"`
}

func NewSegment(blocks []*BlockMeta) *Segment {
	return &Segment{
		Blocks:  blocks,
		Summary: ReduceBlocks(blocks),
	}
}

type ClusterKeyMeta struct {
	ID  uint32 `json:"id"`
	Key string `json:"key"`
}

// Snapshot is the whole content of a table at one point in time.
type Snapshot struct {
	ID             string          `json:"id"`
	PrevID         string          `json:"prev_id,omitempty"`
	Seq            uint64          `json:"seq"`
	Timestamp      time.Time       `json:"timestamp"`
	Segments       []Location      `json:"segments"`
	Summary        Statistics      `json:"summary"`
	ClusterKeyMeta *ClusterKeyMeta `json:"cluster_key_meta,omitempty"`
}

func NewSnapshot(segments []Location, summary Statistics, ckm *ClusterKeyMeta) *Snapshot {
	return &Snapshot{
		ID:             uuid.New().String(),
		Seq:            1,
		Timestamp:      time.Now().UTC(),
		Segments:       segments,
		Summary:        summary,
		ClusterKeyMeta: ckm,
	}
}

// NextSnapshot returns a snapshot that follows prev, which may be nil. The timestamp never
// goes backwards.
func NextSnapshot(prev *Snapshot, segments []Location, summary Statistics,
	ckm *ClusterKeyMeta) *Snapshot {

	ss := NewSnapshot(segments, summary, ckm)
	if prev != nil {
		ss.PrevID = prev.ID
		ss.Seq = prev.Seq + 1
		if !ss.Timestamp.After(prev.Timestamp) {
			ss.Timestamp = prev.Timestamp.Add(time.Microsecond)
		}
	}
	return ss
}

type Engine int

const (
	FuseEngine Engine = iota + 1
	ViewEngine
	StreamEngine
)

func (e Engine) String() string {
	switch e {
	case FuseEngine:
		return "FUSE"
	case ViewEngine:
		return "VIEW"
	case StreamEngine:
		return "STREAM"
	}
	return fmt.Sprintf("engine(%d)", int(e))
}

type DatabaseType int

const (
	NormalDB DatabaseType = iota
	ShareDB
)

// TableIdent is a table and the version of its metadata; Seq changes on every update.
type TableIdent struct {
	TableID uint64 `json:"table_id"`
	Seq     uint64 `json:"seq"`
}

type TableMeta struct {
	Engine           Engine            `json:"engine"`
	Schema           sql.Schema        `json:"schema"`
	ClusterKey       string            `json:"cluster_key,omitempty"`
	ClusterKeyID     uint32            `json:"cluster_key_id,omitempty"`
	SnapshotLocation string            `json:"snapshot_location,omitempty"`
	Options          map[string]string `json:"options,omitempty"`
	ChangeTracking   bool              `json:"change_tracking,omitempty"`
	SharedBy         []uint64          `json:"shared_by,omitempty"`
	UpdatedOn        time.Time         `json:"updated_on"`
}

func (tm *TableMeta) ClusterKeyMeta() *ClusterKeyMeta {
	if tm.ClusterKey == "" {
		return nil
	}
	return &ClusterKeyMeta{
		ID:  tm.ClusterKeyID,
		Key: tm.ClusterKey,
	}
}

type TableInfo struct {
	Ident    TableIdent   `json:"ident"`
	Database string       `json:"database"`
	Name     string       `json:"name"`
	DBType   DatabaseType `json:"db_type"`
	Meta     TableMeta    `json:"meta"`
}

func (ti *TableInfo) String() string {
	return fmt.Sprintf("%s.%s", ti.Database, ti.Name)
}
