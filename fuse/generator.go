package fuse

import (
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fuse/errcode"
	"github.com/leftmike/fuse/meta"
)

var (
	// ErrUnresolvableConflict is returned by Generate when a concurrent commit changed
	// something that the mutation also changed.
	ErrUnresolvableConflict = errors.New("unresolvable conflict")
)

func unresolvable(format string, args ...interface{}) error {
	return errors.Mark(errcode.Conflictf(format, args...), ErrUnresolvableConflict)
}

// SnapshotGenerator produces the snapshot which follows latest. It is called again, with
// a newer latest, each time a commit loses a race.
type SnapshotGenerator interface {
	Generate(latest *meta.Snapshot, ckm *meta.ClusterKeyMeta) (*meta.Snapshot, error)
}

// AppendGenerator adds segments to whatever the latest snapshot is; appends never
// conflict.
type AppendGenerator struct {
	Segments []meta.Location
	Stats    meta.Statistics
}

func (ag *AppendGenerator) Generate(latest *meta.Snapshot,
	ckm *meta.ClusterKeyMeta) (*meta.Snapshot, error) {

	if latest == nil {
		return meta.NewSnapshot(ag.Segments, ag.Stats, ckm), nil
	}
	segs := make([]meta.Location, 0, len(latest.Segments)+len(ag.Segments))
	segs = append(segs, latest.Segments...)
	segs = append(segs, ag.Segments...)
	return meta.NextSnapshot(latest, segs, latest.Summary.Merge(ag.Stats), ckm), nil
}

type TruncateGenerator struct{}

func (_ TruncateGenerator) Generate(latest *meta.Snapshot,
	ckm *meta.ClusterKeyMeta) (*meta.Snapshot, error) {

	return meta.NextSnapshot(latest, nil, meta.Statistics{}, ckm), nil
}

// SegmentChange is a segment of the base snapshot which was replaced by New, or removed
// when New is nil.
type SegmentChange struct {
	Index int            `json:"index"`
	Base  meta.Location  `json:"base"`
	New   *meta.Location `json:"new,omitempty"`
}

// ConflictResolveContext is what a mutation did in terms of segments, so that it can be
// applied to a snapshot other than the one it started from.
type ConflictResolveContext struct {
	Changes           []SegmentChange `json:"changes,omitempty"`
	Appended          []meta.Location `json:"appended,omitempty"`
	RemovedStatistics meta.Statistics `json:"removed_statistics"`
	AddedStatistics   meta.Statistics `json:"added_statistics"`
}

// MutationGenerator applies a ConflictResolveContext. It can be applied to any snapshot
// which still has every segment the mutation changed; otherwise the conflict can not be
// resolved here.
type MutationGenerator struct {
	BaseID string
	CRC    ConflictResolveContext
}

func (mg *MutationGenerator) Generate(latest *meta.Snapshot,
	ckm *meta.ClusterKeyMeta) (*meta.Snapshot, error) {

	if latest == nil {
		if len(mg.CRC.Changes) > 0 {
			return nil, unresolvable("fuse: table was truncated")
		}
		return meta.NewSnapshot(mg.CRC.Appended, mg.CRC.AddedStatistics, ckm), nil
	}

	positions := map[meta.Location]int{}
	for idx, loc := range latest.Segments {
		positions[loc] = idx
	}

	segs := make([]*meta.Location, len(latest.Segments))
	for idx := range latest.Segments {
		segs[idx] = &latest.Segments[idx]
	}
	for _, change := range mg.CRC.Changes {
		idx, ok := positions[change.Base]
		if !ok {
			return nil, unresolvable("fuse: segment %s was changed by a concurrent commit",
				change.Base)
		}
		segs[idx] = change.New
	}

	locs := make([]meta.Location, 0, len(segs)+len(mg.CRC.Appended))
	for _, loc := range segs {
		if loc != nil {
			locs = append(locs, *loc)
		}
	}
	locs = append(locs, mg.CRC.Appended...)

	if latest.ID != mg.BaseID {
		log.WithFields(log.Fields{
			"base":   mg.BaseID,
			"latest": latest.ID,
		}).Debug("fuse: applying mutation to a newer snapshot")
	}
	summary := latest.Summary.Deduct(mg.CRC.RemovedStatistics).Merge(mg.CRC.AddedStatistics)
	return meta.NextSnapshot(latest, locs, summary, ckm), nil
}
