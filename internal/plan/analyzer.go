package plan

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/idfmt"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/phi"
	"github.com/raaihank/phi-sentinel/internal/store"
)

const defaultSampleSize = 1000

var textTypes = []string{"varchar", "text", "char", "string"}

// Analyzer samples table columns and profiles them
type Analyzer struct {
	db         store.DataStore
	profiler   *phi.Profiler
	sampleSize int
	logger     *zap.Logger
}

// NewAnalyzer creates an analyzer sampling up to sampleSize distinct values per column
func NewAnalyzer(db store.DataStore, profiler *phi.Profiler, sampleSize int, logger *zap.Logger) *Analyzer {
	if sampleSize <= 0 {
		sampleSize = defaultSampleSize
	}
	return &Analyzer{
		db:         db,
		profiler:   profiler,
		sampleSize: sampleSize,
		logger:     logger,
	}
}

// AnalyzeTable profiles the text columns of table. When selected is non-empty
// only those columns are considered. Columns without detections are left out.
func (a *Analyzer) AnalyzeTable(ctx context.Context, table string, selected []string) (*TableAnalysis, error) {
	columns, err := a.db.GetColumns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get columns for %s: %w", table, err)
	}

	result := &TableAnalysis{Table: table, Columns: []AnalyzedColumn{}}

	for _, col := range columns {
		if len(selected) > 0 && !slices.Contains(selected, col.Name) {
			continue
		}
		if !isTextType(col.Type) {
			continue
		}

		query := fmt.Sprintf("SELECT DISTINCT %s FROM %s LIMIT %d",
			store.QualifiedName(col.Name), a.db.TableName(table), a.sampleSize)
		data, err := a.db.ExecuteQuery(ctx, query)
		if err != nil {
			a.logger.Warn("Sampling query failed, skipping column",
				zap.String("table", table),
				zap.String("column", col.Name),
				zap.Error(err))
			continue
		}
		if data.Len() == 0 {
			continue
		}

		samples := make([]any, 0, data.Len())
		for _, row := range data.Rows {
			if len(row) == 0 || row[0] == nil {
				continue
			}
			samples = append(samples, idfmt.Stringify(row[0]))
		}

		analysis := a.profiler.AnalyzeColumn(ctx, col.Name, samples)
		if len(analysis.Categories) == 0 {
			continue
		}

		for _, c := range analysis.Categories {
			if len(c.Examples) > 0 {
				a.logger.Debug("PHI detected",
					zap.String("column", col.Name),
					zap.String("category", string(c.Category)),
					zap.Float64("frequency", c.Frequency),
					logger.Masked("example", c.Examples[0]))
			}
		}

		result.Columns = append(result.Columns, AnalyzedColumn{
			Name:     col.Name,
			Type:     col.Type,
			Analysis: analysis,
		})
	}

	a.logger.Info("Table analyzed",
		zap.String("table", table),
		zap.Int("columns_with_phi", len(result.Columns)))

	return result, nil
}

func isTextType(columnType string) bool {
	t := strings.ToLower(columnType)
	for _, text := range textTypes {
		if strings.Contains(t, text) {
			return true
		}
	}
	return false
}
