package rules

import (
	"errors"
	"math/rand/v2"
	"regexp"
)

// Type is the rule type tag selecting a transformation strategy
type Type string

// Supported rule types
const (
	TypePatientID          Type = "patient_id"
	TypeDateOffset         Type = "date_offset"
	TypeDateGeneralization Type = "date_generalization"
	TypePhoneMask          Type = "phone_mask"
	TypeEmailMask          Type = "email_mask"
	TypeTextRedaction      Type = "text_redaction"
	TypeFixedValue         Type = "fixed_value"
	TypeHash               Type = "hash"
	TypeRandomValue        Type = "random_value"
	TypeZipcodeTruncate    Type = "zipcode_truncate"
)

var (
	// ErrUnknownType is returned when a definition names an unsupported type
	ErrUnknownType = errors.New("unknown rule type")
	// ErrMissingParameter is returned when a required parameter is absent
	ErrMissingParameter = errors.New("missing required parameter")
)

// requiredParams lists the configuration keys each rule type must define
var requiredParams = map[Type][]string{
	TypePatientID:          {"prefix", "format", "tables", "columns"},
	TypeDateOffset:         {"min_days", "max_days", "tables", "columns"},
	TypeDateGeneralization: {"level", "tables", "columns"},
	TypePhoneMask:          {"pattern", "tables", "columns"},
	TypeEmailMask:          {"mode", "tables", "columns"},
	TypeTextRedaction:      {"patterns", "replacement", "tables", "columns"},
	TypeFixedValue:         {"value", "tables", "columns"},
	TypeHash:               {"salt", "length", "tables", "columns"},
	TypeRandomValue:        {"tables", "columns"},
	TypeZipcodeTruncate:    {"tables", "columns"},
}

// Definition is a rule as configured, before validation
type Definition struct {
	ID     string         `yaml:"id" mapstructure:"id"`
	Name   string         `yaml:"name" mapstructure:"name"`
	Type   Type           `yaml:"type" mapstructure:"type"`
	Config map[string]any `yaml:"config" mapstructure:"config"`
}

// Transformer rewrites a whole column. The output has the same length and order as values.
type Transformer interface {
	Transform(values []any, rng *rand.Rand) []any
}

// Rule is a validated, immutable rule ready to run
type Rule struct {
	ID   string
	Name string
	Type Type

	tables      []*regexp.Regexp
	columns     []*regexp.Regexp
	transformer Transformer
	seed        uint64
}

// NewRand returns a fresh random source seeded with the rule's seed
func (r *Rule) NewRand() *rand.Rand {
	return rand.New(rand.NewPCG(r.seed, r.seed))
}

// Transform applies the rule's strategy using the caller's random source
func (r *Rule) Transform(values []any, rng *rand.Rand) []any {
	return r.transformer.Transform(values, rng)
}

// Matches reports whether the rule targets table.column.
// Patterns are case-insensitive and anchored at the start of the name only.
func (r *Rule) Matches(table, column string) bool {
	return matchAny(r.tables, table) && matchAny(r.columns, column)
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

type matchParams struct {
	Tables  []string `mapstructure:"tables"`
	Columns []string `mapstructure:"columns"`
}

type patientIDParams struct {
	Prefix string `mapstructure:"prefix"`
	Format string `mapstructure:"format"`
}

type dateOffsetParams struct {
	MinDays int    `mapstructure:"min_days"`
	MaxDays int    `mapstructure:"max_days"`
	Seed    uint64 `mapstructure:"seed"`
}

type dateGeneralizationParams struct {
	Level string `mapstructure:"level"`
}

type phoneMaskParams struct {
	Pattern string `mapstructure:"pattern"`
}

type emailMaskParams struct {
	Mode string `mapstructure:"mode"`
}

type textRedactionParams struct {
	Patterns    []string `mapstructure:"patterns"`
	Replacement string   `mapstructure:"replacement"`
}

type fixedValueParams struct {
	Value any `mapstructure:"value"`
}

type hashParams struct {
	Salt   string `mapstructure:"salt"`
	Length int    `mapstructure:"length"`
}

type randomValueParams struct {
	Seed   uint64   `mapstructure:"seed"`
	MinVal *float64 `mapstructure:"min_val"`
	MaxVal *float64 `mapstructure:"max_val"`
	Length int      `mapstructure:"length"`
}
