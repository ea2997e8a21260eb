package rules

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func def(ruleType Type, config map[string]any) Definition {
	if _, ok := config["tables"]; !ok {
		config["tables"] = []any{"patients"}
	}
	if _, ok := config["columns"]; !ok {
		config["columns"] = []any{"value"}
	}
	return Definition{ID: "r1", Name: string(ruleType), Type: ruleType, Config: config}
}

func mustCompile(t *testing.T, d Definition) *Rule {
	t.Helper()
	rule, err := Compile(d)
	require.NoError(t, err)
	return rule
}

func TestCompile_Validation(t *testing.T) {
	_, err := Compile(Definition{ID: "x", Type: "tokenize", Config: map[string]any{}})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Compile(Definition{ID: "x", Type: TypeHash, Config: map[string]any{
		"salt": "s", "tables": []any{"a"}, "columns": []any{"b"},
	}})
	assert.ErrorIs(t, err, ErrMissingParameter)
	assert.Contains(t, err.Error(), "length")

	_, err = Compile(def(TypeTextRedaction, map[string]any{
		"patterns": []any{"("}, "replacement": "x",
	}))
	assert.Error(t, err)

	_, err = Compile(def(TypeDateOffset, map[string]any{"min_days": 10, "max_days": 1}))
	assert.Error(t, err)
}

func TestLoad_SkipsInvalidRules(t *testing.T) {
	defs := []Definition{
		def(TypeZipcodeTruncate, map[string]any{}),
		{ID: "bad-type", Type: "shuffle", Config: map[string]any{}},
		{ID: "bad-params", Type: TypePhoneMask, Config: map[string]any{"tables": []any{"a"}}},
		def(TypeFixedValue, map[string]any{"value": "X"}),
	}

	engine := Load(defs, zap.NewNop())
	require.Len(t, engine.Rules(), 2)
	assert.Equal(t, TypeZipcodeTruncate, engine.Rules()[0].Type)
	assert.Equal(t, TypeFixedValue, engine.Rules()[1].Type)
}

func TestMatches(t *testing.T) {
	rule := mustCompile(t, def(TypeZipcodeTruncate, map[string]any{
		"tables":  []any{"patient"},
		"columns": []any{"id", "zip.*"},
	}))

	tests := []struct {
		table, column string
		want          bool
	}{
		{"patients", "identifier", true},
		{"PATIENT", "ID", true},
		{"patient", "zipcode", true},
		{"my_patient", "id", false},
		{"patient", "home_zip", false},
		{"encounters", "id", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Matches(tt.table, tt.column, rule), "%s.%s", tt.table, tt.column)
	}

	wildcard := mustCompile(t, def(TypeZipcodeTruncate, map[string]any{
		"tables":  []any{".*"},
		"columns": []any{".*id.*"},
	}))
	for _, tt := range []struct {
		table, column string
		want          bool
	}{
		{"patients", "patient_id", true},
		{"patients", "name", false},
	} {
		assert.Equal(t, tt.want, Matches(tt.table, tt.column, wildcard), "%s.%s", tt.table, tt.column)
	}

	engine := Load([]Definition{def(TypeZipcodeTruncate, map[string]any{
		"tables": []any{"patient"}, "columns": []any{"zip"},
	})}, zap.NewNop())
	assert.Len(t, engine.MatchingRules("patient", "zip5"), 1)
	assert.Empty(t, engine.MatchingRules("patient", "city"))
}

func TestPatientID(t *testing.T) {
	out, mapping, err := RemapIdentifiers([]any{"A", "B", "A", nil, "C"}, "P", "{}{:07d}")
	require.NoError(t, err)
	assert.Equal(t, []any{"P0000001", "P0000002", "P0000001", nil, "P0000003"}, out)
	assert.Equal(t, map[any]string{"A": "P0000001", "B": "P0000002", "C": "P0000003"}, mapping)

	rule := mustCompile(t, def(TypePatientID, map[string]any{"prefix": "MRN", "format": "{}-{:04d}"}))
	got := rule.Transform([]any{int64(9), int64(3), int64(9)}, rule.NewRand())
	assert.Equal(t, []any{"MRN-0001", "MRN-0002", "MRN-0001"}, got)

	_, err = Compile(def(TypePatientID, map[string]any{"prefix": "P", "format": "{:07d}"}))
	assert.Error(t, err)

	// templates that drop the counter would give every patient the same surrogate
	for _, format := range []string{"{}", "ID{}"} {
		_, err = Compile(def(TypePatientID, map[string]any{"prefix": "P", "format": format}))
		assert.Error(t, err, format)
	}
	engine := Load([]Definition{def(TypePatientID, map[string]any{"prefix": "P", "format": "{}"})}, zap.NewNop())
	assert.Empty(t, engine.Rules())
}

func TestDateOffset(t *testing.T) {
	rule := mustCompile(t, def(TypeDateOffset, map[string]any{"min_days": -5, "max_days": "5"}))
	engine := Load(nil, zap.NewNop())

	base := time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC)
	values := []any{"2023-06-15", nil, "not a date", base, "2023-06-15 00:00:00"}

	first := engine.Apply(rule, values)
	second := engine.Apply(rule, values)
	assert.Equal(t, first, second)

	assert.Nil(t, first[1])
	assert.Equal(t, "not a date", first[2])
	for _, i := range []int{0, 3, 4} {
		shifted, ok := first[i].(time.Time)
		require.True(t, ok)
		days := shifted.Sub(base).Hours() / 24
		assert.GreaterOrEqual(t, days, -5.0)
		assert.LessOrEqual(t, days, 5.0)
	}
}

func TestDateGeneralization(t *testing.T) {
	year := mustCompile(t, def(TypeDateGeneralization, map[string]any{"level": "year"}))
	month := mustCompile(t, def(TypeDateGeneralization, map[string]any{"level": "month"}))
	other := mustCompile(t, def(TypeDateGeneralization, map[string]any{"level": "week"}))

	values := []any{"2023-07-15", nil}
	assert.Equal(t, []any{time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), nil}, year.Transform(values, nil))
	assert.Equal(t, []any{time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC), nil}, month.Transform(values, nil))
	assert.Equal(t, values, other.Transform(values, nil))
}

func TestPhoneMask(t *testing.T) {
	rule := mustCompile(t, def(TypePhoneMask, map[string]any{"pattern": "XXX-XXX-{last4}"}))
	got := rule.Transform([]any{"(555) 123-4567", "12345", nil, int64(5551234567)}, nil)
	assert.Equal(t, []any{"XXX-XXX-4567", "12345", nil, "XXX-XXX-4567"}, got)
}

func TestEmailMask(t *testing.T) {
	preserve := mustCompile(t, def(TypeEmailMask, map[string]any{"mode": EmailModePreserveDomain}))
	full := mustCompile(t, def(TypeEmailMask, map[string]any{"mode": EmailModeFullMask}))

	values := []any{"john@example.com", "no-at-sign", nil}
	assert.Equal(t, []any{"527bd5b5@example.com", "no-at-sign", nil}, preserve.Transform(values, nil))
	assert.Equal(t, []any{"masked_email_7649@example.com", "no-at-sign", nil}, full.Transform(values, nil))
}

func TestTextRedaction(t *testing.T) {
	rule := mustCompile(t, def(TypeTextRedaction, map[string]any{
		"patterns":    []any{`\d{3}-\d{2}-\d{4}`, `(?i)john`},
		"replacement": "[X]",
	}))
	got := rule.Transform([]any{"John SSN 123-45-6789 on file", nil}, nil)
	assert.Equal(t, []any{"[X] SSN [X] on file", nil}, got)
}

func TestFixedValueAndHash(t *testing.T) {
	fixed := mustCompile(t, def(TypeFixedValue, map[string]any{"value": "[REMOVED]"}))
	assert.Equal(t, []any{"[REMOVED]", nil, "[REMOVED]"}, fixed.Transform([]any{"a", nil, 3}, nil))

	hashed := mustCompile(t, def(TypeHash, map[string]any{"salt": "salt", "length": 8}))
	assert.Equal(t, []any{"1e21f6da", nil}, hashed.Transform([]any{"abc", nil}, nil))

	resalted := mustCompile(t, def(TypeHash, map[string]any{"salt": "pepper", "length": 8}))
	other := resalted.Transform([]any{"abc"}, nil)
	require.Len(t, other, 1)
	assert.NotEqual(t, "1e21f6da", other[0])
	assert.Equal(t, other, resalted.Transform([]any{"abc"}, nil))

	long := mustCompile(t, def(TypeHash, map[string]any{"salt": "deidentification", "length": 64}))
	assert.Equal(t, []any{"c110b410583e64c484c71f02b6e6c7f0"}, long.Transform([]any{42}, nil))
}

func TestRandomValue(t *testing.T) {
	rule := mustCompile(t, def(TypeRandomValue, map[string]any{"min_val": 10, "max_val": 20}))

	ints := rule.Transform([]any{int64(1), nil, int64(2), int64(3)}, rule.NewRand())
	assert.Nil(t, ints[1])
	for _, i := range []int{0, 2, 3} {
		n, ok := ints[i].(int64)
		require.True(t, ok)
		assert.GreaterOrEqual(t, n, int64(10))
		assert.LessOrEqual(t, n, int64(20))
	}
	assert.Equal(t, ints, rule.Transform([]any{int64(1), nil, int64(2), int64(3)}, rule.NewRand()))

	floats := rule.Transform([]any{1.5, int64(2)}, rule.NewRand())
	for _, v := range floats {
		f, ok := v.(float64)
		require.True(t, ok)
		assert.GreaterOrEqual(t, f, 10.0)
		assert.Less(t, f, 20.0)
	}

	strs := rule.Transform([]any{"abc", "def"}, rule.NewRand())
	for _, v := range strs {
		s, ok := v.(string)
		require.True(t, ok)
		assert.Regexp(t, `^[A-Z0-9]{8}$`, s)
	}
}

func TestRandomValue_Bounds(t *testing.T) {
	valid := []map[string]any{
		{"min_val": -5e18, "max_val": 0},
		{"min_val": 0, "max_val": 4e18},
		{"min_val": math.MinInt64, "max_val": -2},
		{"min_val": 20, "max_val": 10},
	}
	for _, config := range valid {
		_, err := Compile(def(TypeRandomValue, config))
		assert.NoError(t, err, "%v", config)
	}

	invalid := []map[string]any{
		{"min_val": -5e18, "max_val": 5e18},
		{"min_val": 0, "max_val": 1e19},
		{"min_val": -1e300, "max_val": 1e300},
		{"min_val": math.Inf(-1)},
		{"max_val": math.NaN()},
		{"min_val": math.MinInt64, "max_val": -1},
	}
	for _, config := range invalid {
		_, err := Compile(def(TypeRandomValue, config))
		assert.Error(t, err, "%v", config)
	}

	// overflowing bounds are skipped at load instead of panicking at transform
	engine := Load([]Definition{def(TypeRandomValue, map[string]any{"min_val": -5e18, "max_val": 5e18})}, zap.NewNop())
	assert.Empty(t, engine.Rules())
}

func TestZipcodeTruncate(t *testing.T) {
	rule := mustCompile(t, def(TypeZipcodeTruncate, map[string]any{}))
	got := rule.Transform([]any{"12345", "1234", " 98765-4321 ", nil, 60614}, nil)
	assert.Equal(t, []any{"123XX", "1234", "987XX", nil, "606XX"}, got)
}
