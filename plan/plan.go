// Package plan is the physical plans of mutations. A plan is a tree of nodes: each source
// and transform has an Input, and the root is a sink. Plans are marshalled to JSON, with
// the kind of each node, so that they can be shipped to another process.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/leftmike/fuse/expr"
	"github.com/leftmike/fuse/fuse"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/sql"
)

type Kind string

const (
	EmptySourceKind        Kind = "empty_source"
	UpdateSourceKind       Kind = "update_source"
	DeleteSourceKind       Kind = "delete_source"
	CommitSinkKind         Kind = "commit_sink"
	ReclusterSourceKind    Kind = "recluster_source"
	ReclusterSinkKind      Kind = "recluster_sink"
	ReplaceDeduplicateKind Kind = "replace_deduplicate"
)

type PhysicalPlan interface {
	fmt.Stringer
	Kind() Kind
	Children() []PhysicalPlan
	physicalPlan()
}

// EmptySource produces nothing; it is planned when there is nothing to do.
type EmptySource struct{}

func (_ *EmptySource) Kind() Kind {
	return EmptySourceKind
}

func (_ *EmptySource) Children() []PhysicalPlan {
	return nil
}

func (_ *EmptySource) String() string {
	return "EmptySource"
}

func (_ *EmptySource) physicalPlan() {}

// Mutation is what UpdateSource and DeleteSource have in common: the table, the
// predicate, and the parts to read. RowIDSource is the predicate that the row ids of
// Filters were selected with.
type Mutation struct {
	Table       *meta.TableInfo  `json:"table"`
	Filters     *expr.Remote     `json:"filters,omitempty"`
	RowIDSource *expr.Remote     `json:"row_id_source,omitempty"`
	ColIndices  []int            `json:"col_indices,omitempty"`
	QueryRowID  bool             `json:"query_row_id,omitempty"`
	Parts       *fuse.Partitions `json:"parts"`
}

func (m *Mutation) format(name string) string {
	s := fmt.Sprintf("%s: %s parts=%d", name, m.Table, m.Parts.Len())
	if m.Parts.IsLazy() {
		s += " lazy"
	}
	if m.Filters != nil {
		s += fmt.Sprintf(" filter=(%s)", m.Filters.Text)
	}
	return s
}

type UpdateSource struct {
	Mutation
	Updates  map[int]*expr.Remote `json:"updates"`
	Computed map[int]*expr.Remote `json:"computed,omitempty"`
}

func (_ *UpdateSource) Kind() Kind {
	return UpdateSourceKind
}

func (_ *UpdateSource) Children() []PhysicalPlan {
	return nil
}

func (us *UpdateSource) String() string {
	return us.format("UpdateSource")
}

func (_ *UpdateSource) physicalPlan() {}

type DeleteSource struct {
	Mutation
}

func (_ *DeleteSource) Kind() Kind {
	return DeleteSourceKind
}

func (_ *DeleteSource) Children() []PhysicalPlan {
	return nil
}

func (ds *DeleteSource) String() string {
	return ds.format("DeleteSource")
}

func (_ *DeleteSource) physicalPlan() {}

// CommitSink commits the result of its input, which started from Snapshot.
type CommitSink struct {
	Input        Input             `json:"input"`
	Table        *meta.TableInfo   `json:"table"`
	Snapshot     *meta.Snapshot    `json:"snapshot"`
	MutationKind fuse.MutationKind `json:"mutation_kind"`
}

func (_ *CommitSink) Kind() Kind {
	return CommitSinkKind
}

func (cs *CommitSink) Children() []PhysicalPlan {
	return []PhysicalPlan{cs.Input.PhysicalPlan}
}

func (cs *CommitSink) String() string {
	return fmt.Sprintf("CommitSink: %s %s snapshot=%s", cs.Table, cs.MutationKind,
		snapshotID(cs.Snapshot))
}

func (_ *CommitSink) physicalPlan() {}

func snapshotID(ss *meta.Snapshot) string {
	if ss == nil {
		return "none"
	}
	return ss.ID
}

type ReclusterSource struct {
	Table *meta.TableInfo       `json:"table"`
	Tasks []*fuse.ReclusterTask `json:"tasks"`
}

func (_ *ReclusterSource) Kind() Kind {
	return ReclusterSourceKind
}

func (_ *ReclusterSource) Children() []PhysicalPlan {
	return nil
}

func (rs *ReclusterSource) String() string {
	s := fmt.Sprintf("ReclusterSource: %s tasks=%d", rs.Table, len(rs.Tasks))
	for _, task := range rs.Tasks {
		s += fmt.Sprintf(" [level=%d parts=%d rows=%d bytes=%d]", task.Level,
			task.Parts.Len(), task.TotalRows, task.TotalBytes)
	}
	return s
}

func (_ *ReclusterSource) physicalPlan() {}

type ReclusterSink struct {
	Input     Input                    `json:"input"`
	Table     *meta.TableInfo          `json:"table"`
	Selection *fuse.ReclusterSelection `json:"selection"`
}

func (_ *ReclusterSink) Kind() Kind {
	return ReclusterSinkKind
}

func (rs *ReclusterSink) Children() []PhysicalPlan {
	return []PhysicalPlan{rs.Input.PhysicalPlan}
}

func (rs *ReclusterSink) String() string {
	return fmt.Sprintf("ReclusterSink: %s snapshot=%s removed=%v remained=%d", rs.Table,
		snapshotID(rs.Selection.Snapshot), rs.Selection.RemovedSegmentIndexes,
		len(rs.Selection.RemainedBlocks))
}

func (_ *ReclusterSink) physicalPlan() {}

// ReplaceDeduplicate removes the rows of Table which conflict with Rows and then adds
// Rows.
type ReplaceDeduplicate struct {
	Table      *meta.TableInfo   `json:"table"`
	Snapshot   *meta.Snapshot    `json:"snapshot,omitempty"`
	OnConflict []int             `json:"on_conflict"`
	DeleteWhen *expr.Remote      `json:"delete_when,omitempty"`
	Rows       [][]sql.ValueJSON `json:"rows"`
}

func (_ *ReplaceDeduplicate) Kind() Kind {
	return ReplaceDeduplicateKind
}

func (_ *ReplaceDeduplicate) Children() []PhysicalPlan {
	return nil
}

func (rd *ReplaceDeduplicate) String() string {
	s := fmt.Sprintf("ReplaceDeduplicate: %s on=%v rows=%d", rd.Table, rd.OnConflict,
		len(rd.Rows))
	if rd.DeleteWhen != nil {
		s += fmt.Sprintf(" delete_when=(%s)", rd.DeleteWhen.Text)
	}
	return s
}

func (_ *ReplaceDeduplicate) physicalPlan() {}

// Input is the child of a node; it keeps the kind of the child through JSON.
type Input struct {
	PhysicalPlan
}

type inputJSON struct {
	Kind Kind            `json:"kind"`
	Plan json.RawMessage `json:"plan"`
}

func (in Input) MarshalJSON() ([]byte, error) {
	if in.PhysicalPlan == nil {
		return []byte("null"), nil
	}
	buf, err := json.Marshal(in.PhysicalPlan)
	if err != nil {
		return nil, err
	}
	return json.Marshal(inputJSON{Kind: in.Kind(), Plan: buf})
}

func (in *Input) UnmarshalJSON(buf []byte) error {
	var ij inputJSON
	err := json.Unmarshal(buf, &ij)
	if err != nil {
		return err
	}

	var pp PhysicalPlan
	switch ij.Kind {
	case "":
		in.PhysicalPlan = nil
		return nil
	case EmptySourceKind:
		pp = &EmptySource{}
	case UpdateSourceKind:
		pp = &UpdateSource{}
	case DeleteSourceKind:
		pp = &DeleteSource{}
	case CommitSinkKind:
		pp = &CommitSink{}
	case ReclusterSourceKind:
		pp = &ReclusterSource{}
	case ReclusterSinkKind:
		pp = &ReclusterSink{}
	case ReplaceDeduplicateKind:
		pp = &ReplaceDeduplicate{}
	default:
		return errors.Errorf("plan: unexpected kind of plan: %s", ij.Kind)
	}
	err = json.Unmarshal(ij.Plan, pp)
	if err != nil {
		return errors.Wrapf(err, "plan: %s", ij.Kind)
	}
	in.PhysicalPlan = pp
	return nil
}

func Marshal(pp PhysicalPlan) ([]byte, error) {
	return json.Marshal(Input{pp})
}

func Unmarshal(buf []byte) (PhysicalPlan, error) {
	var in Input
	err := json.Unmarshal(buf, &in)
	if err != nil {
		return nil, err
	}
	return in.PhysicalPlan, nil
}

// FormatIndent returns the plan as a tree, one node per line, with children indented
// under their parent.
func FormatIndent(pp PhysicalPlan) string {
	var b strings.Builder
	formatIndent(&b, pp, 0)
	return b.String()
}

func formatIndent(b *strings.Builder, pp PhysicalPlan, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(pp.String())
	b.WriteRune('\n')
	for _, child := range pp.Children() {
		formatIndent(b, child, depth+1)
	}
}
