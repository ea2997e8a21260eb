package deid

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/mapping"
	"github.com/raaihank/phi-sentinel/internal/rules"
	"github.com/raaihank/phi-sentinel/internal/store"
	"github.com/raaihank/phi-sentinel/internal/store/storetest"
)

type recordingSink struct {
	schema string
	tables map[string]*store.Table
}

func (s *recordingSink) WriteTable(_ context.Context, schema, name string, table *store.Table) (*store.WriteResult, error) {
	s.schema = schema
	if s.tables == nil {
		s.tables = make(map[string]*store.Table)
	}
	s.tables[name] = table.Clone()
	return &store.WriteResult{Table: schema + "." + name, Inserted: int64(table.Len())}, nil
}

func testRules() *rules.Engine {
	return rules.Load([]rules.Definition{
		{
			ID: "1", Name: "patient ids", Type: rules.TypePatientID,
			Config: map[string]any{
				"prefix": "P", "format": "{}{:07d}",
				"tables": []any{"patients"}, "columns": []any{"patient_id"},
			},
		},
		{
			ID: "2", Name: "zip", Type: rules.TypeZipcodeTruncate,
			Config: map[string]any{"tables": []any{".*"}, "columns": []any{"zip"}},
		},
	}, zap.NewNop())
}

func patientsStore() *storetest.MockStore {
	db := new(storetest.MockStore)
	db.On("GetPrimaryKeys", mock.Anything, "patients").Return([]string{"patient_id"}, nil)
	db.On("GetColumns", mock.Anything, "patients").Return([]store.Column{
		{Name: "patient_id", Type: "text", PrimaryKey: true},
		{Name: "zip", Type: "text"},
		{Name: "city", Type: "text"},
		{Name: "dropped", Type: "text"},
	}, nil)
	db.On("ExecuteQuery", mock.Anything, `SELECT * FROM "patients"`).Return(
		storetest.Rows([]string{"patient_id", "zip", "city"},
			[]any{"A", "12345", "Springfield"},
			[]any{"B", nil, "Shelbyville"},
			[]any{"A", "1234", "Springfield"}), nil)
	return db
}

func newDeidentifier(db store.DataStore) *Deidentifier {
	registry := mapping.NewRegistry(db, mapping.DefaultOptions(), zap.NewNop())
	return NewDeidentifier(db, testRules(), registry, zap.NewNop())
}

func TestProcessTable(t *testing.T) {
	db := patientsStore()
	d := newDeidentifier(db)
	sink := &recordingSink{}
	d.SetSink(sink, "deid")

	result, err := d.ProcessTable(context.Background(), "patients")
	require.NoError(t, err)

	assert.Equal(t, "patient_id", result.PrimaryKey)
	assert.Equal(t, 3, result.Rows)
	assert.True(t, result.Modified)
	require.Len(t, result.Columns, 2)
	assert.Equal(t, ColumnChange{Column: "patient_id", Rules: []string{"patient ids"}, NonNull: 3}, result.Columns[0])
	assert.Equal(t, ColumnChange{Column: "zip", Rules: []string{"zip"}, NonNull: 2}, result.Columns[1])

	assert.Equal(t, []any{"P0000001", "P0000002", "P0000001"}, result.Data.ColumnValues("patient_id"))
	assert.Equal(t, []any{"123XX", nil, "1234"}, result.Data.ColumnValues("zip"))
	assert.Equal(t, []any{"Springfield", "Shelbyville", "Springfield"}, result.Data.ColumnValues("city"))

	stats := d.Statistics()
	assert.Equal(t, int64(3), stats.TotalRecords)
	assert.Equal(t, int64(3), stats.ModifiedRecords)
	assert.Equal(t, int64(1), stats.TablesProcessed)
	assert.Equal(t, map[string]int64{"patient_id": 3, "zip": 2}, stats.FieldsModified)

	assert.Equal(t, "deid", sink.schema)
	assert.Equal(t, "deid.patients", result.Written)
	assert.Equal(t, []any{"123XX", nil, "1234"}, sink.tables["patients"].ColumnValues("zip"))
	assert.NotEmpty(t, d.RunID())
	db.AssertExpectations(t)
}

func TestProcessTable_NoMatchingRules(t *testing.T) {
	db := new(storetest.MockStore)
	db.On("GetPrimaryKeys", mock.Anything, "notes").Return(nil, nil)
	db.On("GetColumns", mock.Anything, "notes").Return([]store.Column{{Name: "body"}}, nil)
	db.On("ExecuteQuery", mock.Anything, `SELECT * FROM "notes"`).Return(
		storetest.Rows([]string{"body"}, []any{"hello"}, []any{"world"}), nil)

	d := newDeidentifier(db)
	result, err := d.ProcessTable(context.Background(), "notes")
	require.NoError(t, err)
	assert.False(t, result.Modified)
	assert.Empty(t, result.PrimaryKey)

	stats := d.Statistics()
	assert.Equal(t, int64(2), stats.TotalRecords)
	assert.Equal(t, int64(0), stats.ModifiedRecords)
	assert.Equal(t, int64(1), stats.TablesProcessed)
	assert.Empty(t, stats.FieldsModified)
}

func TestProcessTable_ReadsConfiguredSchema(t *testing.T) {
	db := &storetest.MockStore{Schema: "clinical"}
	db.On("GetPrimaryKeys", mock.Anything, "patients").Return([]string{"patient_id"}, nil)
	db.On("GetColumns", mock.Anything, "patients").Return([]store.Column{{Name: "zip"}}, nil)
	db.On("ExecuteQuery", mock.Anything, `SELECT * FROM "clinical"."patients"`).Return(
		storetest.Rows([]string{"zip"}, []any{"60614"}), nil)

	d := newDeidentifier(db)
	result, err := d.ProcessTable(context.Background(), "patients")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rows)
	assert.Equal(t, []any{"606XX"}, result.Data.ColumnValues("zip"))
	db.AssertExpectations(t)
}

func TestProcessTable_QueryFailureIsEmpty(t *testing.T) {
	db := new(storetest.MockStore)
	db.On("GetPrimaryKeys", mock.Anything, "broken").Return(nil, errors.New("timeout"))
	db.On("GetColumns", mock.Anything, "broken").Return([]store.Column{{Name: "zip"}}, nil)
	db.On("ExecuteQuery", mock.Anything, `SELECT * FROM "broken"`).Return(nil, errors.New("syntax error"))

	d := newDeidentifier(db)
	result, err := d.ProcessTable(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Rows)
	assert.Equal(t, int64(0), d.Statistics().TablesProcessed)
}

func TestProcessTables_ContinuesAfterFailure(t *testing.T) {
	db := patientsStore()
	db.On("GetPrimaryKeys", mock.Anything, "visits").Return(nil, nil)
	db.On("GetColumns", mock.Anything, "visits").Return(nil, errors.New("connection reset"))

	d := newDeidentifier(db)
	results, err := d.ProcessTables(context.Background(), []string{"visits", "patients"})
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.Contains(t, err.Error(), "visits")

	require.Len(t, results, 1)
	assert.Equal(t, "patients", results[0].Table)
	assert.Equal(t, int64(1), d.Statistics().TablesProcessed)
}

func TestApplyMasterMapping_UpdatesStatistics(t *testing.T) {
	db := new(storetest.MockStore)
	db.On("ExecuteQuery", mock.Anything, `SELECT DISTINCT "patient_id" FROM "patients"`).Return(
		storetest.Rows([]string{"patient_id"}, []any{"A"}, []any{"B"}), nil)
	db.On("ExecuteQuery", mock.Anything, `SELECT * FROM "visits"`).Return(
		storetest.Rows([]string{"patient_id"}, []any{"A"}, []any{"C"}, []any{"B"}), nil)

	d := newDeidentifier(db)
	ctx := context.Background()

	_, err := d.CreateMasterMapping(ctx, mapping.KindPatient, "patients", "patient_id", "")
	require.NoError(t, err)

	result, err := d.ApplyMasterMapping(ctx, mapping.KindPatient, "visits", "patient_id")
	require.NoError(t, err)
	assert.Equal(t, []any{"SW0000001", nil, "SW0000002"}, result.Data.ColumnValues("patient_id"))

	stats := d.Statistics()
	assert.Equal(t, int64(3), stats.TotalRecords)
	assert.Equal(t, int64(3), stats.ModifiedRecords)
	assert.Equal(t, int64(1), stats.TablesProcessed)
	assert.Equal(t, int64(2), stats.FieldsModified["patient_id"])
}

func TestStatistics_Snapshot(t *testing.T) {
	d := newDeidentifier(patientsStore())
	snap := d.Statistics()
	snap.FieldsModified["x"] = 99

	_, err := d.ProcessTable(context.Background(), "patients")
	require.NoError(t, err)
	_, ok := d.Statistics().FieldsModified["x"]
	assert.False(t, ok)
}

func TestProcessTable_RecordsPatientAttributes(t *testing.T) {
	db := patientsStore()
	db.On("ExecuteQuery", mock.Anything, `SELECT DISTINCT "patient_id" FROM "patients"`).Return(
		storetest.Rows([]string{"patient_id"}, []any{"A"}, []any{"B"}), nil)

	d := newDeidentifier(db)
	ctx := context.Background()
	_, err := d.CreateMasterMapping(ctx, mapping.KindPatient, "patients", "patient_id", "")
	require.NoError(t, err)

	_, err = d.ProcessTable(ctx, "patients")
	require.NoError(t, err)

	registry := d.Registry()
	v, ok := registry.Attribute("SW0000001", "zip", "12345")
	require.True(t, ok)
	assert.Equal(t, "123XX", v)
	v, ok = registry.Attribute("SW0000001", "zip", "1234")
	require.True(t, ok)
	assert.Equal(t, "1234", v)

	// the id column belongs to the master mapping, untouched columns are not recorded
	_, ok = registry.Attribute("SW0000001", "patient_id", "A")
	assert.False(t, ok)
	_, ok = registry.Attribute("SW0000001", "city", "Springfield")
	assert.False(t, ok)
}

func TestRecordAttributes_KeepsFirstSurrogate(t *testing.T) {
	d := newDeidentifier(new(storetest.MockStore))
	m, err := mapping.NewMasterMapping(mapping.KindPatient, []mapping.Entry{{OriginalID: "A", DeidentifiedID: "SW0000001"}})
	require.NoError(t, err)
	d.Registry().SetMaster(m)

	ids := []any{"A", "A", "Z", nil}
	original := []any{"2023-01-05", "2023-01-05", "2023-01-05", "2023-01-05"}

	assert.Equal(t, 0, d.recordAttributes("dob", ids, original, []any{"2023-01-09", "2023-01-09", "x", "y"}))
	assert.Equal(t, 1, d.recordAttributes("dob", ids[:1], original[:1], []any{"2023-01-02"}))

	v, ok := d.Registry().Attribute("SW0000001", "dob", "2023-01-05")
	require.True(t, ok)
	assert.Equal(t, "2023-01-09", v)
}

func TestImportMasterMapping(t *testing.T) {
	exported, err := mapping.NewMasterMapping(mapping.KindPatient, []mapping.Entry{
		{OriginalID: "A", DeidentifiedID: "SW0000007", DateOffset: 4},
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "patient_mapping.csv")
	require.NoError(t, mapping.Export(path, exported))

	db := new(storetest.MockStore)
	db.On("ExecuteQuery", mock.Anything, `SELECT * FROM "visits"`).Return(
		storetest.Rows([]string{"patient_id"}, []any{"A"}, []any{"B"}), nil)

	d := newDeidentifier(db)
	m, err := d.ImportMasterMapping(path, mapping.KindPatient, "patients", "patient_id")
	require.NoError(t, err)
	assert.Equal(t, "patient_id", m.IDField)
	assert.Equal(t, "patients", m.SourceTable)

	result, err := d.ApplyMasterMapping(context.Background(), mapping.KindPatient, "visits", "patient_id")
	require.NoError(t, err)
	assert.Equal(t, []any{"SW0000007", nil}, result.Data.ColumnValues("patient_id"))

	_, err = d.ImportMasterMapping(filepath.Join(t.TempDir(), "missing.csv"), mapping.KindPatient, "patients", "patient_id")
	assert.Error(t, err)
}

type staticLoader struct {
	m   *mapping.MasterMapping
	err error
}

func (l staticLoader) LoadMapping(context.Context, mapping.Kind) (*mapping.MasterMapping, error) {
	return l.m, l.err
}

func TestBuildMasterMapping_FallsBackToPersisted(t *testing.T) {
	const query = `SELECT DISTINCT "patient_id" FROM "patients"`
	persisted, err := mapping.NewMasterMapping(mapping.KindPatient, []mapping.Entry{{OriginalID: "A", DeidentifiedID: "SW0000001"}})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("build succeeds", func(t *testing.T) {
		db := new(storetest.MockStore)
		db.On("ExecuteQuery", mock.Anything, query).Return(
			storetest.Rows([]string{"patient_id"}, []any{"X"}, []any{"Y"}), nil)

		m, err := newDeidentifier(db).BuildMasterMapping(ctx, mapping.KindPatient, "patients", "patient_id", "", staticLoader{m: persisted})
		require.NoError(t, err)
		assert.Equal(t, 2, m.Len())
	})

	t.Run("build fails", func(t *testing.T) {
		db := new(storetest.MockStore)
		db.On("ExecuteQuery", mock.Anything, query).Return(nil, errors.New("connection reset"))

		d := newDeidentifier(db)
		m, err := d.BuildMasterMapping(ctx, mapping.KindPatient, "patients", "patient_id", "", staticLoader{m: persisted})
		require.NoError(t, err)
		assert.Same(t, persisted, m)

		installed, ok := d.Registry().Master(mapping.KindPatient)
		require.True(t, ok)
		assert.Same(t, persisted, installed)
	})

	t.Run("nothing persisted", func(t *testing.T) {
		db := new(storetest.MockStore)
		db.On("ExecuteQuery", mock.Anything, query).Return(nil, errors.New("connection reset"))

		_, err := newDeidentifier(db).BuildMasterMapping(ctx, mapping.KindPatient, "patients", "patient_id", "",
			staticLoader{err: mapping.ErrNoMapping})
		require.Error(t, err)
		assert.ErrorIs(t, err, mapping.ErrNoMapping)
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("no fallback", func(t *testing.T) {
		db := new(storetest.MockStore)
		db.On("ExecuteQuery", mock.Anything, query).Return(nil, errors.New("connection reset"))

		_, err := newDeidentifier(db).BuildMasterMapping(ctx, mapping.KindPatient, "patients", "patient_id", "", nil)
		assert.Error(t, err)
	})
}

func TestJoinMappingSizes(t *testing.T) {
	db := new(storetest.MockStore)
	db.On("ExecuteQuery", mock.Anything, `SELECT * FROM "patients"`).Return(
		storetest.Rows([]string{"mrn"}, []any{"M1"}, []any{"M2"}, []any{"M3"}), nil)
	db.On("ExecuteQuery", mock.Anything, `SELECT * FROM "claims"`).Return(
		storetest.Rows([]string{"mrn", "claim_id"}, []any{"M1", "C-1"}, []any{"M3", "C-3"}), nil)
	db.On("ExecuteQuery", mock.Anything, `SELECT * FROM "empty"`).Return(
		storetest.Rows([]string{"mrn"}), nil)

	d := newDeidentifier(db)
	err := d.ProcessMappingTables(context.Background(), []mapping.JoinConfig{
		{SourceTable: "patients", DestinationTable: "claims", JoinKey: "mrn", DestinationKey: "claim_id"},
		{SourceTable: "patients", DestinationTable: "empty", JoinKey: "mrn"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"patients_claims": 2}, d.JoinMappingSizes())
}
