package phi

import (
	"context"
	"regexp"
)

// Category classifies the kind of protected information found
type Category string

// Detected PHI categories
const (
	CategorySSN           Category = "ssn"
	CategoryPatientID     Category = "patient_id"
	CategoryPhone         Category = "phone"
	CategoryEmail         Category = "email"
	CategoryDate          Category = "date"
	CategoryAge           Category = "age"
	CategoryProviderID    Category = "provider_id"
	CategoryMedicalRecord Category = "medical_record"
	CategoryInsurance     Category = "insurance"
	CategoryDeviceID      Category = "device_id"
	CategoryFacilityID    Category = "facility_id"
	CategoryZipcode       Category = "zipcode"
	CategoryAddress       Category = "address"
	CategoryName          Category = "name"
	CategoryPrefix        Category = "prefix"
	CategoryMedicalTitle  Category = "medical_title"
	CategoryCredential    Category = "credential"
)

// Source tells which detector produced a finding
type Source string

const (
	SourcePattern  Source = "pattern"
	SourceExternal Source = "external"
)

// MaxConfidence caps every confidence score
const MaxConfidence = 0.99

// Finding is one detected occurrence of a PHI category.
// Start and End are byte offsets into the analyzed text.
type Finding struct {
	Category   Category `json:"category" yaml:"category"`
	Value      string   `json:"value" yaml:"value"`
	Start      int      `json:"start" yaml:"start"`
	End        int      `json:"end" yaml:"end"`
	Confidence float64  `json:"confidence" yaml:"confidence"`
	Source     Source   `json:"source" yaml:"source"`
	Context    string   `json:"context,omitempty" yaml:"context,omitempty"`
}

// Overlaps reports whether two findings share any part of their spans
func (f Finding) Overlaps(other Finding) bool {
	return !(f.End <= other.Start || other.End <= f.Start)
}

// Recognizer is an optional secondary detector, usually a remote NER service
type Recognizer interface {
	Analyze(ctx context.Context, text string) ([]Finding, error)
}

// PatternSpec is the uncompiled form of one category's patterns
type PatternSpec struct {
	Category Category
	Patterns []string
}

// categoryPatterns is a compiled PatternSpec
type categoryPatterns struct {
	category Category
	patterns []*regexp.Regexp
}

// Method is a de-identification technique offered by the suggestion engine
type Method string

// Suggested de-identification methods
const (
	MethodHash           Method = "hash"
	MethodRandomID       Method = "random_id"
	MethodMask           Method = "mask"
	MethodKAnonymize     Method = "k_anonymize"
	MethodShift          Method = "shift"
	MethodGeneralize     Method = "generalize"
	MethodTruncate       Method = "truncate"
	MethodRandomize      Method = "randomize"
	MethodPseudonym      Method = "pseudonym"
	MethodRedact         Method = "redact"
	MethodSmartRedact    Method = "smart_redact"
	MethodConsistentHash Method = "consistent_hash"
)

// MethodOption is one candidate transformation; a lower Priority is preferred.
// A nil Priority means none was given, zero is a valid rank.
type MethodOption struct {
	Method      Method `json:"method" yaml:"method"`
	Description string `json:"description" yaml:"description"`
	Reversible  bool   `json:"reversible" yaml:"reversible"`
	Priority    *int   `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Rank returns a Priority of n
func Rank(n int) *int {
	return &n
}

// Suggestion lists the candidate methods for a single finding
type Suggestion struct {
	Original   string         `json:"original"`
	Category   Category       `json:"category"`
	Confidence float64        `json:"confidence"`
	Methods    []MethodOption `json:"methods"`
}

// Sensitivity levels derived from column names
type Sensitivity string

const (
	SensitivityHigh   Sensitivity = "high"
	SensitivityMedium Sensitivity = "medium"
	SensitivityLow    Sensitivity = "low"
)

// CategoryStats aggregates one category's findings over a column sample
type CategoryStats struct {
	Category      Category `json:"category"`
	Count         int      `json:"count"`
	Frequency     float64  `json:"frequency"`
	AvgConfidence float64  `json:"avg_confidence"`
	Examples      []string `json:"examples"`
	Contexts      []string `json:"contexts"`
}

// NameProfile is the column-name based classification
type NameProfile struct {
	LikelyPHI   bool        `json:"likely_phi"`
	Sensitivity Sensitivity `json:"sensitivity"`
	Indicators  []string    `json:"indicators"`
}

// ColumnAnalysis summarizes PHI detected in a sample of one column
type ColumnAnalysis struct {
	ColumnName  string          `json:"column_name"`
	TotalRows   int             `json:"total_rows"`
	PHIDetected bool            `json:"phi_detected"`
	Categories  []CategoryStats `json:"categories"`
	Name        NameProfile     `json:"name_profile"`
}
