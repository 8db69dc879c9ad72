package fuse

import (
	"encoding/json"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/sql"
)

// PartInfo is a unit of work for reading or mutating a table: either a BlockPart or a
// LazyPart.
type PartInfo interface {
	Equals(pi PartInfo) bool
	Hash() uint64
	partInfo()
}

// SortMinMax is the range of the cluster key within a block.
type SortMinMax struct {
	Min []sql.Value
	Max []sql.Value
}

type sortMinMaxJSON struct {
	Min []sql.ValueJSON `json:"min"`
	Max []sql.ValueJSON `json:"max"`
}

func (smm SortMinMax) MarshalJSON() ([]byte, error) {
	return json.Marshal(sortMinMaxJSON{
		Min: sql.ValuesToJSON(smm.Min),
		Max: sql.ValuesToJSON(smm.Max),
	})
}

func (smm *SortMinMax) UnmarshalJSON(buf []byte) error {
	var js sortMinMaxJSON
	err := json.Unmarshal(buf, &js)
	if err != nil {
		return err
	}
	smm.Min = sql.ValuesFromJSON(js.Min)
	smm.Max = sql.ValuesFromJSON(js.Max)
	return nil
}

type RowRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// BlockMetaIndex is where a block is within a snapshot, and optionally the rows of the
// block that take part.
type BlockMetaIndex struct {
	SegmentIndex    int           `json:"segment_index"`
	BlockIndex      int           `json:"block_index"`
	SegmentLocation meta.Location `json:"segment_location"`
	Range           *RowRange     `json:"range,omitempty"`
}

type BlockPart struct {
	Location       meta.Location           `json:"location"`
	CreateOn       time.Time               `json:"create_on"`
	NumRows        uint64                  `json:"num_rows"`
	ColumnMetas    map[int]meta.ColumnMeta `json:"column_metas"`
	Compression    meta.Compression        `json:"compression"`
	SortMinMax     *SortMinMax             `json:"sort_min_max,omitempty"`
	BlockMetaIndex *BlockMetaIndex         `json:"block_meta_index,omitempty"`

	// WholeBlock is set when every row of the block is known to match the predicate of a
	// delete; the block is removed without being read.
	WholeBlock bool `json:"whole_block,omitempty"`
}

func NewBlockPart(bm *meta.BlockMeta, bmi *BlockMetaIndex) *BlockPart {
	bp := &BlockPart{
		Location:       bm.Location,
		CreateOn:       bm.CreateOn,
		NumRows:        bm.RowCount,
		ColumnMetas:    bm.ColumnMetas,
		Compression:    bm.Compression,
		BlockMetaIndex: bmi,
	}
	if bm.ClusterStats != nil {
		bp.SortMinMax = &SortMinMax{
			Min: bm.ClusterStats.Min,
			Max: bm.ClusterStats.Max,
		}
	}
	return bp
}

func (_ *BlockPart) partInfo() {}

func (bp *BlockPart) Equals(pi PartInfo) bool {
	bp2, ok := pi.(*BlockPart)
	return ok && bp.Location == bp2.Location
}

func (bp *BlockPart) Hash() uint64 {
	return xxhash.Sum64String(bp.Location.Path)
}

func (bp *BlockPart) Range() *RowRange {
	if bp.BlockMetaIndex == nil {
		return nil
	}
	return bp.BlockMetaIndex.Range
}

// PageSize is the number of rows of the block which take part.
func (bp *BlockPart) PageSize() uint64 {
	if r := bp.Range(); r != nil {
		return r.End - r.Start
	}
	return bp.NumRows
}

// BlockMeta is enough of the block metadata to read the block.
func (bp *BlockPart) BlockMeta() *meta.BlockMeta {
	return &meta.BlockMeta{
		Location:    bp.Location,
		RowCount:    bp.NumRows,
		ColumnMetas: bp.ColumnMetas,
		Compression: bp.Compression,
		CreateOn:    bp.CreateOn,
	}
}

// LazyPart is a segment whose blocks have not been loaded; it is resolved into BlockParts
// just before it is read.
type LazyPart struct {
	SegmentIndex    int           `json:"segment_index"`
	SegmentLocation meta.Location `json:"segment_location"`
}

func (_ *LazyPart) partInfo() {}

func (lp *LazyPart) Equals(pi PartInfo) bool {
	lp2, ok := pi.(*LazyPart)
	return ok && lp.SegmentLocation == lp2.SegmentLocation
}

func (lp *LazyPart) Hash() uint64 {
	return xxhash.Sum64String(lp.SegmentLocation.Path)
}

type PartitionsKind int

const (
	ReadPartitions PartitionsKind = iota
	MutationPartitions
	ReclusterPartitions
)

func (pk PartitionsKind) String() string {
	switch pk {
	case ReadPartitions:
		return "read"
	case MutationPartitions:
		return "mutation"
	case ReclusterPartitions:
		return "recluster"
	}
	return ""
}

// Partitions keeps the lazy parts apart from the eager ones; All always returns the lazy
// parts last.
type Partitions struct {
	Kind  PartitionsKind `json:"kind"`
	Eager []*BlockPart   `json:"eager,omitempty"`
	Lazy  []*LazyPart    `json:"lazy,omitempty"`
}

func (p *Partitions) Len() int {
	return len(p.Eager) + len(p.Lazy)
}

func (p *Partitions) IsLazy() bool {
	return len(p.Lazy) > 0
}

func (p *Partitions) All() []PartInfo {
	pis := make([]PartInfo, 0, p.Len())
	for _, bp := range p.Eager {
		pis = append(pis, bp)
	}
	for _, lp := range p.Lazy {
		pis = append(pis, lp)
	}
	return pis
}

// Split deals the parts out round robin into n partitions; each keeps the lazy parts
// last.
func (p *Partitions) Split(n int) []*Partitions {
	if n < 1 {
		n = 1
	}
	ps := make([]*Partitions, n)
	for idx := range ps {
		ps[idx] = &Partitions{Kind: p.Kind}
	}
	for idx, bp := range p.Eager {
		ps[idx%n].Eager = append(ps[idx%n].Eager, bp)
	}
	for idx, lp := range p.Lazy {
		ps[idx%n].Lazy = append(ps[idx%n].Lazy, lp)
	}
	return ps
}
