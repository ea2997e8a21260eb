package plan

import (
	"time"

	"github.com/raaihank/phi-sentinel/internal/phi"
)

// FrequencyThreshold is the share of sampled rows a category must exceed
// for its column to enter a plan
const FrequencyThreshold = 0.10

// TableAnalysis is the profiling result for the text columns of one table
type TableAnalysis struct {
	Table   string           `json:"table" yaml:"table"`
	Columns []AnalyzedColumn `json:"columns" yaml:"columns"`
}

// AnalyzedColumn is a column in which at least one category was detected
type AnalyzedColumn struct {
	Name     string             `json:"name" yaml:"name"`
	Type     string             `json:"type" yaml:"type"`
	Analysis phi.ColumnAnalysis `json:"analysis" yaml:"-"`
}

// DetectedCategory is a category that passed the frequency threshold
type DetectedCategory struct {
	Category   phi.Category `json:"category" yaml:"category"`
	Frequency  float64      `json:"frequency" yaml:"frequency"`
	Confidence float64      `json:"confidence" yaml:"confidence"`
}

// ColumnPlan lists the candidate actions for one column
type ColumnPlan struct {
	Name     string             `json:"name" yaml:"name"`
	Detected []DetectedCategory `json:"detected_phi" yaml:"detected_phi"`
	Actions  []phi.MethodOption `json:"suggested_actions" yaml:"suggested_actions"`
}

// Plan is the per-column transformation plan for one table
type Plan struct {
	Table     string       `json:"table" yaml:"table"`
	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
	Columns   []ColumnPlan `json:"columns" yaml:"columns"`
}

// Column returns the plan entry for name
func (p *Plan) Column(name string) (*ColumnPlan, bool) {
	for i := range p.Columns {
		if p.Columns[i].Name == name {
			return &p.Columns[i], true
		}
	}
	return nil, false
}

// Status of a plan execution
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ProcessedColumn records the method chosen for a column
type ProcessedColumn struct {
	Name   string     `json:"name"`
	Method phi.Method `json:"method"`
}

// Result is the outcome of executing a plan
type Result struct {
	Table            string            `json:"table"`
	TargetTable      string            `json:"target_table"`
	Status           Status            `json:"status"`
	ColumnsProcessed []ProcessedColumn `json:"columns_processed"`
	RowsAffected     int64             `json:"rows_affected"`
	Error            string            `json:"error,omitempty"`
	Duration         time.Duration     `json:"duration"`
}
