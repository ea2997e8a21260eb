package plan

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/phi"
	"github.com/raaihank/phi-sentinel/internal/store"
)

const (
	targetSuffix = "_deidentified"
	// priority assumed for actions that carry none
	unsetPriority = 999
)

// Executor materializes a plan as a de-identified copy of its table
type Executor struct {
	db      store.DataStore
	replace bool
	logger  *zap.Logger
}

// NewExecutor creates an executor. With replace set an existing target table
// is dropped first.
func NewExecutor(db store.DataStore, replace bool, logger *zap.Logger) *Executor {
	return &Executor{db: db, replace: replace, logger: logger}
}

// Execute creates <targetSchema>.<table>_deidentified as a projection of the
// source table and counts its rows
func (e *Executor) Execute(ctx context.Context, p *Plan, targetSchema string) (*Result, error) {
	start := time.Now()
	target := store.QualifiedName(targetSchema, p.Table+targetSuffix)
	result := &Result{
		Table:            p.Table,
		TargetTable:      targetSchema + "." + p.Table + targetSuffix,
		Status:           StatusSuccess,
		ColumnsProcessed: []ProcessedColumn{},
	}

	fail := func(err error) (*Result, error) {
		result.Status = StatusError
		result.Error = err.Error()
		result.Duration = time.Since(start)
		e.logger.Error("Plan execution failed", zap.String("table", p.Table), zap.Error(err))
		return result, err
	}

	if _, err := e.db.ExecuteQuery(ctx, "CREATE SCHEMA IF NOT EXISTS "+store.QualifiedName(targetSchema)); err != nil {
		return fail(fmt.Errorf("failed to create schema %s: %w", targetSchema, err))
	}

	columns, err := e.db.GetColumns(ctx, p.Table)
	if err != nil {
		return fail(fmt.Errorf("failed to get columns for %s: %w", p.Table, err))
	}

	selectParts := make([]string, 0, len(columns))
	for _, col := range columns {
		quoted := store.QualifiedName(col.Name)
		cp, ok := p.Column(col.Name)
		if !ok {
			selectParts = append(selectParts, quoted)
			continue
		}
		action, ok := SelectAction(cp.Actions)
		if !ok {
			selectParts = append(selectParts, quoted)
			continue
		}
		selectParts = append(selectParts, TransformExpression(col.Name, action.Method)+" AS "+quoted)
		result.ColumnsProcessed = append(result.ColumnsProcessed, ProcessedColumn{Name: col.Name, Method: action.Method})
	}
	if len(selectParts) == 0 {
		return fail(fmt.Errorf("table %s has no columns", p.Table))
	}

	if e.replace {
		if _, err := e.db.ExecuteQuery(ctx, "DROP TABLE IF EXISTS "+target); err != nil {
			return fail(fmt.Errorf("failed to drop %s: %w", target, err))
		}
	}

	create := fmt.Sprintf("CREATE TABLE %s AS SELECT %s FROM %s",
		target, strings.Join(selectParts, ", "), e.db.TableName(p.Table))
	if _, err := e.db.ExecuteQuery(ctx, create); err != nil {
		return fail(fmt.Errorf("failed to create %s: %w", target, err))
	}

	count, err := e.db.ExecuteQuery(ctx, "SELECT COUNT(*) AS cnt FROM "+target)
	if err != nil {
		e.logger.Warn("Row count failed", zap.String("table", target), zap.Error(err))
	} else if count.Len() > 0 && len(count.Rows[0]) > 0 {
		result.RowsAffected = toInt64(count.Rows[0][0])
	}

	result.Duration = time.Since(start)
	e.logger.Info("Plan executed",
		zap.String("table", p.Table),
		zap.String("target", result.TargetTable),
		zap.Int("columns_processed", len(result.ColumnsProcessed)),
		zap.Int64("rows", result.RowsAffected),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// SelectAction returns the action with the lowest priority, the first listed
// winning ties. Actions without a priority rank last.
func SelectAction(actions []phi.MethodOption) (phi.MethodOption, bool) {
	if len(actions) == 0 {
		return phi.MethodOption{}, false
	}
	best := actions[0]
	for _, a := range actions[1:] {
		if priority(a) < priority(best) {
			best = a
		}
	}
	return best, true
}

func priority(a phi.MethodOption) int {
	if a.Priority == nil {
		return unsetPriority
	}
	return *a.Priority
}

// TransformExpression returns the PostgreSQL expression applying method to
// column. Unknown methods keep the column as is.
func TransformExpression(column string, method phi.Method) string {
	c := store.QualifiedName(column)
	switch method {
	case phi.MethodHash:
		return fmt.Sprintf("MD5(%s::text)", c)
	case phi.MethodMask:
		return fmt.Sprintf("REGEXP_REPLACE(%s::text, '.*', '***')", c)
	case phi.MethodTruncate:
		return fmt.Sprintf("LEFT(%s::text, 3)", c)
	case phi.MethodRedact:
		return "'[REDACTED]'"
	case phi.MethodShift:
		return fmt.Sprintf("(%s::timestamp + INTERVAL '1 day' * FLOOR(RANDOM() * 365))", c)
	case phi.MethodGeneralize:
		return fmt.Sprintf("DATE_TRUNC('month', %s::timestamp)", c)
	case phi.MethodSmartRedact:
		return fmt.Sprintf(`REGEXP_REPLACE(%s::text, '\y(\w+@\w+\.\w+|\d{3}-\d{2}-\d{4})\y', '[REDACTED]', 'g')`, c)
	case phi.MethodConsistentHash:
		return fmt.Sprintf("ENCODE(DIGEST(%s::text, 'sha256'), 'hex')", c)
	case phi.MethodPseudonym:
		return fmt.Sprintf("'PSEUDO_' || SUBSTR(MD5(%s::text), 1, 8)", c)
	case phi.MethodKAnonymize:
		return fmt.Sprintf("CASE WHEN COUNT(*) OVER (PARTITION BY %s) < 5 THEN '[ANONYMIZED]' ELSE %s::text END", c, c)
	default:
		return c
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
