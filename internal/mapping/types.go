package mapping

import (
	"errors"
)

// Kind is the identity type a master mapping covers
type Kind string

const (
	KindPatient   Kind = "patient"
	KindEncounter Kind = "encounter"
)

// DefaultFormat returns the surrogate template used when none is configured
func DefaultFormat(kind Kind) string {
	if kind == KindEncounter {
		return "SW{:010d}"
	}
	return "SW{:07d}"
}

var (
	// ErrNoMapping is returned when a master mapping is applied before it exists
	ErrNoMapping = errors.New("no master mapping available")
	// ErrNoData is returned when a source table yields no identifiers
	ErrNoData = errors.New("no data found")
	// ErrUnknownField is returned when the identifier column is missing
	ErrUnknownField = errors.New("field not found")
)

// Entry is one original to surrogate pair
type Entry struct {
	OriginalID     string `json:"original_id" parquet:"original_id" csv:"original_id"`
	DeidentifiedID string `json:"deidentified_id" parquet:"deidentified_id" csv:"deidentified_id"`
	DateOffset     int32  `json:"date_offset" parquet:"date_offset" csv:"date_offset"`
}

// MasterMapping is the canonical surrogate table for one identity kind.
// Original and surrogate identifiers are each unique within it.
type MasterMapping struct {
	Kind        Kind
	SourceTable string
	IDField     string
	Format      string
	Entries     []Entry

	index map[string]int
}

// NewMasterMapping builds a mapping from entries, rejecting duplicates
func NewMasterMapping(kind Kind, entries []Entry) (*MasterMapping, error) {
	m := &MasterMapping{
		Kind:    kind,
		Entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	surrogates := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := m.index[e.OriginalID]; dup {
			return nil, errors.New("duplicate original identifier " + e.OriginalID)
		}
		if _, dup := surrogates[e.DeidentifiedID]; dup {
			return nil, errors.New("duplicate deidentified identifier " + e.DeidentifiedID)
		}
		surrogates[e.DeidentifiedID] = struct{}{}
		m.index[e.OriginalID] = len(m.Entries)
		m.Entries = append(m.Entries, e)
	}
	return m, nil
}

// Lookup returns the entry for an original identifier
func (m *MasterMapping) Lookup(original string) (Entry, bool) {
	i, ok := m.index[original]
	if !ok {
		return Entry{}, false
	}
	return m.Entries[i], true
}

// Len returns the number of entries
func (m *MasterMapping) Len() int {
	return len(m.Entries)
}

// JoinConfig links two tables on a shared key
type JoinConfig struct {
	Name             string `yaml:"name" mapstructure:"name"`
	SourceTable      string `yaml:"source_table" mapstructure:"source_table"`
	DestinationTable string `yaml:"destination_table" mapstructure:"destination_table"`
	JoinKey          string `yaml:"join_key" mapstructure:"join_key"`
	// DestinationKey is the destination column stored as the mapped value.
	// Empty means the join key itself.
	DestinationKey string `yaml:"destination_key" mapstructure:"destination_key"`
}

// Key identifies a join mapping in the registry
func (c JoinConfig) Key() string {
	return c.SourceTable + "_" + c.DestinationTable
}

// ApplyResult summarizes one ApplyMasterMapping call
type ApplyResult struct {
	Table    string `json:"table"`
	Field    string `json:"field"`
	Rows     int    `json:"rows"`
	Mapped   int    `json:"mapped"`
	Unmapped int    `json:"unmapped"`
}
