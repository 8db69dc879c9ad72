package meta_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/sql"
	"github.com/leftmike/fuse/testutil"
)

func testBlock(path string, rows uint64, min, max sql.Value) *meta.BlockMeta {
	return &meta.BlockMeta{
		Location:  meta.Location{Path: path, Version: meta.BlockVersion},
		RowCount:  rows,
		BlockSize: rows * 16,
		FileSize:  rows * 4,
		ColumnMetas: map[int]meta.ColumnMeta{
			0: {Offset: 0, Length: rows * 2, NumValues: rows},
			1: {Offset: rows * 2, Length: rows * 2, NumValues: rows},
		},
		ColumnStats: map[int]meta.ColumnStatistics{
			0: {Min: min, Max: max, InMemorySize: rows * 8},
			1: {Min: sql.StringValue("a"), Max: sql.StringValue("z"), NullCount: 2,
				InMemorySize: rows * 8},
		},
		ClusterStats: &meta.ClusterStatistics{
			ClusterKeyID: 1,
			Min:          []sql.Value{min, nil},
			Max:          []sql.Value{max, sql.BoolValue(true)},
			Level:        2,
		},
		Compression: meta.ZstdCompression,
		CreateOn:    time.Date(2022, 10, 1, 12, 30, 0, 1234, time.UTC),
	}
}

func TestSegmentCodec(t *testing.T) {
	seg := meta.NewSegment([]*meta.BlockMeta{
		testBlock("blk/1", 100, sql.Int64Value(1), sql.Int64Value(100)),
		testBlock("blk/2", 50, sql.Int64Value(-10), sql.Int64Value(20)),
	})

	if seg.Summary.RowCount != 150 || seg.Summary.BlockCount != 2 {
		t.Errorf("NewSegment().Summary got %d rows %d blocks want 150 rows 2 blocks",
			seg.Summary.RowCount, seg.Summary.BlockCount)
	}
	cs := seg.Summary.ColumnStats[0]
	if cs.Min != sql.Int64Value(-10) || cs.Max != sql.Int64Value(100) {
		t.Errorf("NewSegment().Summary column 0 got [%v, %v] want [-10, 100]", cs.Min, cs.Max)
	}
	if seg.Summary.ColumnStats[1].NullCount != 4 {
		t.Errorf("NewSegment().Summary column 1 null count got %d want 4",
			seg.Summary.ColumnStats[1].NullCount)
	}

	ret, err := meta.UnmarshalSegment(meta.MarshalSegment(seg))
	if err != nil {
		t.Fatalf("UnmarshalSegment() failed with %s", err)
	}
	var trc string
	if !testutil.DeepEqual(seg, ret, &trc) {
		t.Errorf("UnmarshalSegment(MarshalSegment()): %s", trc)
	}

	_, err = meta.UnmarshalSegment([]byte{0x0A, 0x10, 0x01})
	if err == nil {
		t.Errorf("UnmarshalSegment(truncated) did not fail")
	}
}

func TestSnapshotCodec(t *testing.T) {
	ss := meta.NewSnapshot([]meta.Location{{Path: "seg/1", Version: 3}},
		meta.Statistics{RowCount: 10, BlockCount: 1}, nil)
	next := meta.NextSnapshot(ss,
		[]meta.Location{{Path: "seg/1", Version: 3}, {Path: "seg/2", Version: 3}},
		meta.Statistics{RowCount: 20, BlockCount: 2},
		&meta.ClusterKeyMeta{ID: 1, Key: "(a, b)"})

	if next.PrevID != ss.ID || next.Seq != ss.Seq+1 || next.ID == ss.ID {
		t.Errorf("NextSnapshot() got id %s prev %s seq %d", next.ID, next.PrevID, next.Seq)
	}
	if !next.Timestamp.After(ss.Timestamp) {
		t.Errorf("NextSnapshot().Timestamp %s not after %s", next.Timestamp, ss.Timestamp)
	}

	for _, s := range []*meta.Snapshot{ss, next} {
		ret, err := meta.UnmarshalSnapshot(meta.MarshalSnapshot(s))
		if err != nil {
			t.Fatalf("UnmarshalSnapshot() failed with %s", err)
		}
		var trc string
		if !testutil.DeepEqual(s, ret, &trc) {
			t.Errorf("UnmarshalSnapshot(MarshalSnapshot()): %s", trc)
		}
	}
}

func TestTableMetaCodec(t *testing.T) {
	tm := &meta.TableMeta{
		Engine: meta.FuseEngine,
		Schema: sql.NewSchema(
			sql.Field{Name: "a", Type: sql.Int64Type},
			sql.Field{Name: "b", Type: sql.StringType, Nullable: true},
			sql.Field{Name: "c", Type: sql.Int64Type, Computed: "(a + 1)"},
		),
		ClusterKey:       "(a)",
		ClusterKeyID:     3,
		SnapshotLocation: "tbl/1/ss/abc",
		Options:          map[string]string{"block_size_threshold": "1000"},
		ChangeTracking:   true,
		SharedBy:         []uint64{7, 9},
		UpdatedOn:        time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	ret, err := meta.UnmarshalTableMeta(meta.MarshalTableMeta(tm))
	if err != nil {
		t.Fatalf("UnmarshalTableMeta() failed with %s", err)
	}
	var trc string
	if !testutil.DeepEqual(tm, ret, &trc) {
		t.Errorf("UnmarshalTableMeta(MarshalTableMeta()): %s", trc)
	}
}

func TestStatisticsDeduct(t *testing.T) {
	b1 := testBlock("blk/1", 100, sql.Int64Value(1), sql.Int64Value(100))
	b2 := testBlock("blk/2", 50, sql.Int64Value(-10), sql.Int64Value(20))
	all := meta.ReduceBlocks([]*meta.BlockMeta{b1, b2})

	st := all.Deduct(b2.Statistics())
	if st.RowCount != 100 || st.BlockCount != 1 || st.CompressedSize != 400 {
		t.Errorf("Deduct() got %d rows %d blocks %d bytes want 100 rows 1 blocks 400 bytes",
			st.RowCount, st.BlockCount, st.CompressedSize)
	}
	if st.ColumnStats[1].NullCount != 2 {
		t.Errorf("Deduct() column 1 null count got %d want 2", st.ColumnStats[1].NullCount)
	}

	st = st.Deduct(all)
	if st.RowCount != 0 || st.BlockCount != 0 {
		t.Errorf("Deduct() did not stop at zero: %d rows %d blocks", st.RowCount, st.BlockCount)
	}
}

func TestBlockMetaJSON(t *testing.T) {
	bm := testBlock("blk/1", 10, sql.Float64Value(1.5), sql.Float64Value(9.5))
	buf, err := json.Marshal(bm)
	if err != nil {
		t.Fatalf("Marshal() failed with %s", err)
	}
	var ret meta.BlockMeta
	err = json.Unmarshal(buf, &ret)
	if err != nil {
		t.Fatalf("Unmarshal(%s) failed with %s", buf, err)
	}
	var trc string
	if !testutil.DeepEqual(bm, &ret, &trc) {
		t.Errorf("Unmarshal(Marshal()): %s", trc)
	}
}
