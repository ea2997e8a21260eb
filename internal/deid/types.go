package deid

import (
	"context"
	"maps"
	"time"

	"github.com/raaihank/phi-sentinel/internal/mapping"
	"github.com/raaihank/phi-sentinel/internal/store"
)

// Statistics accumulates counters for one orchestration run. Counters only grow.
type Statistics struct {
	TotalRecords    int64            `json:"total_records"`
	ModifiedRecords int64            `json:"modified_records"`
	TablesProcessed int64            `json:"tables_processed"`
	FieldsModified  map[string]int64 `json:"fields_modified"`
}

func (s Statistics) clone() Statistics {
	s.FieldsModified = maps.Clone(s.FieldsModified)
	if s.FieldsModified == nil {
		s.FieldsModified = map[string]int64{}
	}
	return s
}

// ColumnChange records the rules applied to one column
type ColumnChange struct {
	Column  string   `json:"column"`
	Rules   []string `json:"rules"`
	NonNull int64    `json:"non_null"`
}

// TableResult is the outcome of processing one table
type TableResult struct {
	Table      string         `json:"table"`
	PrimaryKey string         `json:"primary_key,omitempty"`
	Rows       int            `json:"rows"`
	Modified   bool           `json:"modified"`
	Columns    []ColumnChange `json:"columns,omitempty"`
	Written    string         `json:"written,omitempty"`
	Duration   time.Duration  `json:"duration"`

	// Data holds the transformed rows
	Data *store.Table `json:"-"`
}

// TableWriter persists transformed tables
type TableWriter interface {
	WriteTable(ctx context.Context, schema, name string, table *store.Table) (*store.WriteResult, error)
}

// MappingLoader restores a persisted master mapping
type MappingLoader interface {
	LoadMapping(ctx context.Context, kind mapping.Kind) (*mapping.MasterMapping, error)
}
