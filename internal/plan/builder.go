package plan

import (
	"time"

	"github.com/raaihank/phi-sentinel/internal/phi"
)

// Build turns an analysis into a plan. A column is planned only when some
// category exceeds FrequencyThreshold; its actions are the suggestions for
// each such category, in category order.
func Build(analysis *TableAnalysis) *Plan {
	p := &Plan{
		Table:     analysis.Table,
		CreatedAt: time.Now().UTC(),
		Columns:   []ColumnPlan{},
	}

	for _, col := range analysis.Columns {
		cp := ColumnPlan{Name: col.Name}

		for _, stats := range col.Analysis.Categories {
			if stats.Frequency <= FrequencyThreshold {
				continue
			}
			cp.Detected = append(cp.Detected, DetectedCategory{
				Category:   stats.Category,
				Frequency:  stats.Frequency,
				Confidence: stats.AvgConfidence,
			})

			example := ""
			if len(stats.Examples) > 0 {
				example = stats.Examples[0]
			}
			finding := phi.Finding{Category: stats.Category, Value: example, Confidence: stats.AvgConfidence}
			for _, s := range phi.Suggest([]phi.Finding{finding}, col.Name) {
				cp.Actions = append(cp.Actions, s.Methods...)
			}
		}

		if len(cp.Detected) > 0 {
			p.Columns = append(p.Columns, cp)
		}
	}

	return p
}
