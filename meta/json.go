package meta

import (
	"encoding/json"

	"github.com/leftmike/fuse/sql"
)

type columnStatisticsJSON struct {
	Min          sql.ValueJSON `json:"min"`
	Max          sql.ValueJSON `json:"max"`
	NullCount    uint64        `json:"null_count"`
	InMemorySize uint64        `json:"in_memory_size"`
}

func (cs ColumnStatistics) MarshalJSON() ([]byte, error) {
	return json.Marshal(columnStatisticsJSON{
		Min:          sql.ValueJSON{Value: cs.Min},
		Max:          sql.ValueJSON{Value: cs.Max},
		NullCount:    cs.NullCount,
		InMemorySize: cs.InMemorySize,
	})
}

func (cs *ColumnStatistics) UnmarshalJSON(buf []byte) error {
	var csj columnStatisticsJSON
	err := json.Unmarshal(buf, &csj)
	if err != nil {
		return err
	}
	*cs = ColumnStatistics{
		Min:          csj.Min.Value,
		Max:          csj.Max.Value,
		NullCount:    csj.NullCount,
		InMemorySize: csj.InMemorySize,
	}
	return nil
}

type clusterStatisticsJSON struct {
	ClusterKeyID uint32          `json:"cluster_key_id"`
	Min          []sql.ValueJSON `json:"min"`
	Max          []sql.ValueJSON `json:"max"`
	Level        int32           `json:"level"`
}

func (cs ClusterStatistics) MarshalJSON() ([]byte, error) {
	return json.Marshal(clusterStatisticsJSON{
		ClusterKeyID: cs.ClusterKeyID,
		Min:          sql.ValuesToJSON(cs.Min),
		Max:          sql.ValuesToJSON(cs.Max),
		Level:        cs.Level,
	})
}

func (cs *ClusterStatistics) UnmarshalJSON(buf []byte) error {
	var csj clusterStatisticsJSON
	err := json.Unmarshal(buf, &csj)
	if err != nil {
		return err
	}
	*cs = ClusterStatistics{
		ClusterKeyID: csj.ClusterKeyID,
		Min:          sql.ValuesFromJSON(csj.Min),
		Max:          sql.ValuesFromJSON(csj.Max),
		Level:        csj.Level,
	}
	return nil
}
