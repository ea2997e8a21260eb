package phi

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

const (
	maxExamples = 3
	maxContexts = 3
)

// nameIndicators are checked high to low; the first tier with a hit wins
var nameIndicators = []struct {
	level      Sensitivity
	indicators []string
}{
	{SensitivityHigh, []string{"ssn", "social", "dob", "birth", "license", "patient", "mrn", "medical"}},
	{SensitivityMedium, []string{"name", "address", "phone", "email", "zip", "postal", "provider", "doctor"}},
	{SensitivityLow, []string{"id", "number", "date", "code", "location"}},
}

// Profiler aggregates detection results over column samples
type Profiler struct {
	engine *Engine
	logger *zap.Logger
}

// NewProfiler creates a column profiler on top of a detection engine
func NewProfiler(engine *Engine, logger *zap.Logger) *Profiler {
	return &Profiler{engine: engine, logger: logger}
}

type categoryAccumulator struct {
	count         int
	confidenceSum float64
	examples      []string
	contexts      []string
}

// AnalyzeColumn profiles the sampled values of one column.
// Null, non-text and empty samples are skipped but still count toward TotalRows.
func (p *Profiler) AnalyzeColumn(ctx context.Context, name string, samples []any) ColumnAnalysis {
	stats := make(map[Category]*categoryAccumulator)
	var order []Category

	for _, sample := range samples {
		text, ok := sample.(string)
		if !ok || text == "" {
			continue
		}

		for _, f := range p.engine.DetectPHI(ctx, text) {
			acc, exists := stats[f.Category]
			if !exists {
				acc = &categoryAccumulator{}
				stats[f.Category] = acc
				order = append(order, f.Category)
			}

			acc.count++
			acc.confidenceSum += f.Confidence
			acc.examples = appendDistinct(acc.examples, f.Value, maxExamples)
			if f.Context != "" {
				acc.contexts = appendDistinct(acc.contexts, f.Context, maxContexts)
			}
		}
	}

	analysis := ColumnAnalysis{
		ColumnName:  name,
		TotalRows:   len(samples),
		PHIDetected: len(stats) > 0,
		Categories:  make([]CategoryStats, 0, len(order)),
		Name:        ClassifyColumnName(name),
	}

	for _, category := range order {
		acc := stats[category]
		cs := CategoryStats{
			Category:      category,
			Count:         acc.count,
			AvgConfidence: acc.confidenceSum / float64(acc.count),
			Examples:      acc.examples,
			Contexts:      acc.contexts,
		}
		if analysis.TotalRows > 0 {
			cs.Frequency = float64(acc.count) / float64(analysis.TotalRows)
		}
		analysis.Categories = append(analysis.Categories, cs)
	}

	p.logger.Debug("Column profiled",
		zap.String("column", name),
		zap.Int("samples", len(samples)),
		zap.Int("categories", len(analysis.Categories)),
		zap.String("sensitivity", string(analysis.Name.Sensitivity)))

	return analysis
}

// ClassifyColumnName flags columns whose name suggests PHI
func ClassifyColumnName(name string) NameProfile {
	lower := strings.ToLower(name)
	profile := NameProfile{Sensitivity: SensitivityLow}

	for _, tier := range nameIndicators {
		var hits []string
		for _, indicator := range tier.indicators {
			if strings.Contains(lower, indicator) {
				hits = append(hits, indicator)
			}
		}
		if len(hits) > 0 {
			profile.LikelyPHI = true
			profile.Sensitivity = tier.level
			profile.Indicators = hits
			return profile
		}
	}

	return profile
}

func appendDistinct(values []string, v string, limit int) []string {
	if len(values) >= limit {
		return values
	}
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	return append(values, v)
}
