package config

import (
	"encoding/json"
	"os"
)

type DataType string

const (
	DataTypeBigint = DataType("bigint")
	DataTypeUuid   = DataType("uuid")
	DataTypeVector = DataType("vector")
)

// ShardedTable declares a sharding key. When Name is empty, every table
// with the named column is considered sharded on it.
type ShardedTable struct {
	Database string   `json:"database" toml:"database" yaml:"database"`
	Name     string   `json:"name" toml:"name" yaml:"name"`
	Column   string   `json:"column" toml:"column" yaml:"column"`
	DataType DataType `json:"data_type" toml:"data_type" yaml:"data_type"`

	Centroids     [][]float64 `json:"centroids" toml:"centroids" yaml:"centroids"`
	CentroidsPath string      `json:"centroids_path" toml:"centroids_path" yaml:"centroids_path"`
}

// LoadCentroids reads centroids from disk. Centroids can be very large
// vectors; hardcoding them in pgdog.toml is impractical.
func (t *ShardedTable) LoadCentroids() error {
	if t.CentroidsPath == "" {
		return nil
	}
	raw, err := os.ReadFile(t.CentroidsPath)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, &t.Centroids)
}

// Matches reports whether the declaration applies to the given table.
func (t *ShardedTable) Matches(database string, table string) bool {
	if t.Database != database {
		return false
	}
	return t.Name == "" || t.Name == table
}

func (t *ShardedTable) Type() DataType {
	if t.DataType == "" {
		return DataTypeBigint
	}
	return t.DataType
}
