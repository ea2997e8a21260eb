package plan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/phi"
	"github.com/raaihank/phi-sentinel/internal/store"
	"github.com/raaihank/phi-sentinel/internal/store/storetest"
)

func newProfiler(t *testing.T) *phi.Profiler {
	t.Helper()
	d, err := phi.NewDefaultDetector(zap.NewNop())
	require.NoError(t, err)
	return phi.NewProfiler(phi.NewEngine(d, nil, zap.NewNop()), zap.NewNop())
}

func TestAnalyzeTable(t *testing.T) {
	db := new(storetest.MockStore)
	db.On("GetColumns", mock.Anything, "patients").Return([]store.Column{
		{Name: "id", Type: "integer"},
		{Name: "home_phone", Type: "character varying"},
		{Name: "remarks", Type: "text"},
		{Name: "broken", Type: "text"},
	}, nil)
	db.On("ExecuteQuery", mock.Anything, `SELECT DISTINCT "home_phone" FROM "patients" LIMIT 50`).Return(
		storetest.Rows([]string{"home_phone"}, []any{"555-123-4567"}, []any{nil}, []any{"555-987-6543"}), nil)
	db.On("ExecuteQuery", mock.Anything, `SELECT DISTINCT "remarks" FROM "patients" LIMIT 50`).Return(
		storetest.Rows([]string{"remarks"}, []any{"all good"}), nil)
	db.On("ExecuteQuery", mock.Anything, `SELECT DISTINCT "broken" FROM "patients" LIMIT 50`).Return(
		nil, errors.New("permission denied"))

	a := NewAnalyzer(db, newProfiler(t), 50, zap.NewNop())
	analysis, err := a.AnalyzeTable(context.Background(), "patients", nil)
	require.NoError(t, err)

	assert.Equal(t, "patients", analysis.Table)
	require.Len(t, analysis.Columns, 1)
	col := analysis.Columns[0]
	assert.Equal(t, "home_phone", col.Name)
	assert.Equal(t, 2, col.Analysis.TotalRows)
	require.Len(t, col.Analysis.Categories, 1)
	assert.Equal(t, phi.CategoryPhone, col.Analysis.Categories[0].Category)
	assert.InDelta(t, 1.0, col.Analysis.Categories[0].Frequency, 1e-9)
	db.AssertExpectations(t)
}

func TestAnalyzeTable_SelectedColumns(t *testing.T) {
	db := new(storetest.MockStore)
	db.On("GetColumns", mock.Anything, "patients").Return([]store.Column{
		{Name: "home_phone", Type: "text"},
		{Name: "remarks", Type: "text"},
	}, nil)
	db.On("ExecuteQuery", mock.Anything, `SELECT DISTINCT "remarks" FROM "patients" LIMIT 1000`).Return(
		storetest.Rows([]string{"remarks"}), nil)

	a := NewAnalyzer(db, newProfiler(t), 0, zap.NewNop())
	analysis, err := a.AnalyzeTable(context.Background(), "patients", []string{"remarks"})
	require.NoError(t, err)
	assert.Empty(t, analysis.Columns)
	db.AssertNotCalled(t, "ExecuteQuery", mock.Anything, `SELECT DISTINCT "home_phone" FROM "patients" LIMIT 1000`)
}

func TestAnalyzeTable_ColumnsError(t *testing.T) {
	db := new(storetest.MockStore)
	db.On("GetColumns", mock.Anything, "missing").Return(nil, errors.New("no such table"))

	_, err := NewAnalyzer(db, newProfiler(t), 10, zap.NewNop()).AnalyzeTable(context.Background(), "missing", nil)
	assert.Error(t, err)
}

func analyzed(name string, stats ...phi.CategoryStats) AnalyzedColumn {
	return AnalyzedColumn{Name: name, Type: "text", Analysis: phi.ColumnAnalysis{ColumnName: name, Categories: stats}}
}

func TestBuild(t *testing.T) {
	analysis := &TableAnalysis{
		Table: "patients",
		Columns: []AnalyzedColumn{
			analyzed("contact",
				phi.CategoryStats{Category: phi.CategoryPhone, Frequency: 0.5, AvgConfidence: 0.9, Examples: []string{"555-123-4567"}},
				phi.CategoryStats{Category: phi.CategoryDate, Frequency: 0.05, AvgConfidence: 0.85}),
			analyzed("misc",
				phi.CategoryStats{Category: phi.CategoryEmail, Frequency: 0.10, AvgConfidence: 0.95}),
			analyzed("visit_notes",
				phi.CategoryStats{Category: phi.CategorySSN, Frequency: 0.3, AvgConfidence: 0.95}),
		},
	}

	p := Build(analysis)
	assert.Equal(t, "patients", p.Table)
	require.Len(t, p.Columns, 2)

	contact := p.Columns[0]
	assert.Equal(t, "contact", contact.Name)
	assert.Equal(t, []DetectedCategory{{Category: phi.CategoryPhone, Frequency: 0.5, Confidence: 0.9}}, contact.Detected)
	require.Len(t, contact.Actions, 2)
	assert.Equal(t, phi.MethodMask, contact.Actions[0].Method)
	assert.Equal(t, phi.MethodKAnonymize, contact.Actions[1].Method)

	notes := p.Columns[1]
	assert.Equal(t, "visit_notes", notes.Name)
	require.Len(t, notes.Actions, 3)
	assert.Equal(t, phi.MethodHash, notes.Actions[0].Method)
	assert.Equal(t, phi.MethodSmartRedact, notes.Actions[2].Method)

	_, ok := p.Column("misc")
	assert.False(t, ok)
}

func TestSelectAction(t *testing.T) {
	tests := []struct {
		name    string
		actions []phi.MethodOption
		want    phi.Method
	}{
		{"lowest priority wins", []phi.MethodOption{{Method: phi.MethodKAnonymize, Priority: phi.Rank(2)}, {Method: phi.MethodMask, Priority: phi.Rank(1)}}, phi.MethodMask},
		{"first listed wins ties", []phi.MethodOption{{Method: phi.MethodHash, Priority: phi.Rank(1)}, {Method: phi.MethodConsistentHash, Priority: phi.Rank(1)}}, phi.MethodHash},
		{"missing priority ranks last", []phi.MethodOption{{Method: phi.MethodRedact}, {Method: phi.MethodPseudonym, Priority: phi.Rank(2)}}, phi.MethodPseudonym},
		{"zero priority ranks first", []phi.MethodOption{{Method: phi.MethodMask, Priority: phi.Rank(1)}, {Method: phi.MethodRedact, Priority: phi.Rank(0)}}, phi.MethodRedact},
		{"zero priority beats missing", []phi.MethodOption{{Method: phi.MethodHash}, {Method: phi.MethodTruncate, Priority: phi.Rank(0)}}, phi.MethodTruncate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectAction(tt.actions)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.Method)
		})
	}

	_, ok := SelectAction(nil)
	assert.False(t, ok)
}

func TestTransformExpression(t *testing.T) {
	tests := []struct {
		method phi.Method
		want   string
	}{
		{phi.MethodHash, `MD5("ssn"::text)`},
		{phi.MethodMask, `REGEXP_REPLACE("ssn"::text, '.*', '***')`},
		{phi.MethodTruncate, `LEFT("ssn"::text, 3)`},
		{phi.MethodRedact, `'[REDACTED]'`},
		{phi.MethodShift, `("ssn"::timestamp + INTERVAL '1 day' * FLOOR(RANDOM() * 365))`},
		{phi.MethodGeneralize, `DATE_TRUNC('month', "ssn"::timestamp)`},
		{phi.MethodSmartRedact, `REGEXP_REPLACE("ssn"::text, '\y(\w+@\w+\.\w+|\d{3}-\d{2}-\d{4})\y', '[REDACTED]', 'g')`},
		{phi.MethodConsistentHash, `ENCODE(DIGEST("ssn"::text, 'sha256'), 'hex')`},
		{phi.MethodPseudonym, `'PSEUDO_' || SUBSTR(MD5("ssn"::text), 1, 8)`},
		{phi.MethodKAnonymize, `CASE WHEN COUNT(*) OVER (PARTITION BY "ssn") < 5 THEN '[ANONYMIZED]' ELSE "ssn"::text END`},
		{phi.MethodRandomID, `"ssn"`},
	}

	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			assert.Equal(t, tt.want, TransformExpression("ssn", tt.method))
		})
	}
}

const (
	createSchema = `CREATE SCHEMA IF NOT EXISTS "deid"`
	createTarget = `CREATE TABLE "deid"."patients_deidentified" AS SELECT "id", ` +
		`REGEXP_REPLACE("phone"::text, '.*', '***') AS "phone", "notes" FROM "patients"`
	countTarget = `SELECT COUNT(*) AS cnt FROM "deid"."patients_deidentified"`
)

func executorPlan() *Plan {
	return &Plan{
		Table: "patients",
		Columns: []ColumnPlan{{
			Name:     "phone",
			Detected: []DetectedCategory{{Category: phi.CategoryPhone, Frequency: 0.8, Confidence: 0.9}},
			Actions: []phi.MethodOption{
				{Method: phi.MethodKAnonymize, Priority: phi.Rank(2)},
				{Method: phi.MethodMask, Priority: phi.Rank(1)},
			},
		}},
	}
}

func executorStore() *storetest.MockStore {
	db := new(storetest.MockStore)
	db.On("ExecuteQuery", mock.Anything, createSchema).Return(&store.Table{}, nil)
	db.On("GetColumns", mock.Anything, "patients").Return([]store.Column{
		{Name: "id", Type: "integer"},
		{Name: "phone", Type: "text"},
		{Name: "notes", Type: "text"},
	}, nil)
	return db
}

func TestExecute(t *testing.T) {
	db := executorStore()
	db.On("ExecuteQuery", mock.Anything, createTarget).Return(&store.Table{}, nil)
	db.On("ExecuteQuery", mock.Anything, countTarget).Return(
		storetest.Rows([]string{"cnt"}, []any{int64(3)}), nil)

	result, err := NewExecutor(db, false, zap.NewNop()).Execute(context.Background(), executorPlan(), "deid")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "deid.patients_deidentified", result.TargetTable)
	assert.Equal(t, []ProcessedColumn{{Name: "phone", Method: phi.MethodMask}}, result.ColumnsProcessed)
	assert.Equal(t, int64(3), result.RowsAffected)
	db.AssertExpectations(t)
}

func TestExecute_QualifiesSourceTable(t *testing.T) {
	db := &storetest.MockStore{Schema: "clinical"}
	db.On("ExecuteQuery", mock.Anything, `CREATE SCHEMA IF NOT EXISTS "deid"`).Return(&store.Table{}, nil)
	db.On("GetColumns", mock.Anything, "patients").Return([]store.Column{{Name: "id"}}, nil)
	db.On("ExecuteQuery", mock.Anything,
		`CREATE TABLE "deid"."patients_deidentified" AS SELECT "id" FROM "clinical"."patients"`).Return(&store.Table{}, nil)
	db.On("ExecuteQuery", mock.Anything, `SELECT COUNT(*) AS cnt FROM "deid"."patients_deidentified"`).Return(
		storetest.Rows([]string{"cnt"}, []any{int64(1)}), nil)

	result, err := NewExecutor(db, false, zap.NewNop()).Execute(context.Background(), &Plan{Table: "patients"}, "deid")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.RowsAffected)
	db.AssertExpectations(t)
}

func TestAnalyzeTable_QualifiesSourceTable(t *testing.T) {
	db := &storetest.MockStore{Schema: "clinical"}
	db.On("GetColumns", mock.Anything, "patients").Return([]store.Column{{Name: "home_phone", Type: "text"}}, nil)
	db.On("ExecuteQuery", mock.Anything, `SELECT DISTINCT "home_phone" FROM "clinical"."patients" LIMIT 10`).Return(
		storetest.Rows([]string{"home_phone"}, []any{"555-123-4567"}), nil)

	analysis, err := NewAnalyzer(db, newProfiler(t), 10, zap.NewNop()).AnalyzeTable(context.Background(), "patients", nil)
	require.NoError(t, err)
	assert.Len(t, analysis.Columns, 1)
	db.AssertExpectations(t)
}

func TestExecute_Replace(t *testing.T) {
	db := executorStore()
	db.On("ExecuteQuery", mock.Anything, `DROP TABLE IF EXISTS "deid"."patients_deidentified"`).Return(&store.Table{}, nil)
	db.On("ExecuteQuery", mock.Anything, createTarget).Return(&store.Table{}, nil)
	db.On("ExecuteQuery", mock.Anything, countTarget).Return(nil, errors.New("gone"))

	result, err := NewExecutor(db, true, zap.NewNop()).Execute(context.Background(), executorPlan(), "deid")
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.RowsAffected)
	db.AssertExpectations(t)
}

func TestExecute_CreateFails(t *testing.T) {
	db := executorStore()
	db.On("ExecuteQuery", mock.Anything, createTarget).Return(nil, errors.New("relation already exists"))

	result, err := NewExecutor(db, false, zap.NewNop()).Execute(context.Background(), executorPlan(), "deid")
	require.Error(t, err)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Error, "relation already exists")
}

func TestPlanFile(t *testing.T) {
	p := executorPlan()
	p.CreatedAt = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "plans.yaml")

	require.NoError(t, SaveFile(path, []*Plan{p}))
	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	assert.Equal(t, p.Table, loaded[0].Table)
	assert.True(t, p.CreatedAt.Equal(loaded[0].CreatedAt))
	assert.Equal(t, p.Columns, loaded[0].Columns)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPlanFile_ZeroPriority(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	content := `
- table: patients
  columns:
    - name: ssn
      suggested_actions:
        - method: redact
        - method: hash
          priority: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	plans, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	actions := plans[0].Columns[0].Actions
	require.Len(t, actions, 2)
	assert.Nil(t, actions[0].Priority)
	assert.Equal(t, phi.Rank(0), actions[1].Priority)

	got, ok := SelectAction(actions)
	require.True(t, ok)
	assert.Equal(t, phi.MethodHash, got.Method)
}
