// Package mapping keeps surrogate identifiers consistent across tables.
//
// The registry holds one master mapping per identity kind, join mappings
// between related tables and per-patient attribute mappings. It is not safe
// for concurrent use.
package mapping

import (
	"context"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/idfmt"
	"github.com/raaihank/phi-sentinel/internal/store"
)

// Options tunes surrogate generation
type Options struct {
	// Seed feeds the date offset draws of each CreateMasterMapping call
	Seed uint64 `yaml:"seed" mapstructure:"seed"`
	// MaxDateOffset bounds per-identity offsets to [-MaxDateOffset, MaxDateOffset] days
	MaxDateOffset int `yaml:"max_date_offset" mapstructure:"max_date_offset"`
}

// DefaultOptions returns the seed and offset range used when none are configured
func DefaultOptions() Options {
	return Options{Seed: 42, MaxDateOffset: 32}
}

// Registry is the process-local identifier mapping state
type Registry struct {
	db      store.DataStore
	options Options
	logger  *zap.Logger

	masters    map[Kind]*MasterMapping
	joins      map[string]map[string]string
	attributes map[string]map[string]map[string]string
}

// NewRegistry creates an empty registry reading from db
func NewRegistry(db store.DataStore, options Options, logger *zap.Logger) *Registry {
	if options.MaxDateOffset < 0 {
		options.MaxDateOffset = -options.MaxDateOffset
	}
	return &Registry{
		db:         db,
		options:    options,
		logger:     logger,
		masters:    make(map[Kind]*MasterMapping),
		joins:      make(map[string]map[string]string),
		attributes: make(map[string]map[string]map[string]string),
	}
}

// CreateMasterMapping numbers the distinct identifiers of table.idField in the
// order the store returns them and replaces any mapping held for kind.
// On failure the previous mapping is kept.
func (r *Registry) CreateMasterMapping(ctx context.Context, kind Kind, table, idField, format string) (*MasterMapping, error) {
	if format == "" {
		format = DefaultFormat(kind)
	}
	if err := idfmt.ValidateCounter(format); err != nil {
		return nil, fmt.Errorf("invalid %s id format: %w", kind, err)
	}

	r.logger.Info("Creating master mapping",
		zap.String("kind", string(kind)),
		zap.String("table", table),
		zap.String("field", idField))

	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s",
		store.QualifiedName(idField), r.db.TableName(table))
	result, err := r.db.ExecuteQuery(ctx, query)
	if err != nil {
		r.logger.Warn("Identifier query failed", zap.String("table", table), zap.Error(err))
		return nil, fmt.Errorf("failed to read identifiers from %s: %w", table, err)
	}
	if result.Len() == 0 {
		r.logger.Warn("No identifiers found", zap.String("table", table))
		return nil, fmt.Errorf("%w in %s.%s", ErrNoData, table, idField)
	}

	rng := rand.New(rand.NewPCG(r.options.Seed, r.options.Seed))
	span := 2*r.options.MaxDateOffset + 1

	entries := make([]Entry, 0, result.Len())
	seen := make(map[string]struct{}, result.Len())
	for _, row := range result.Rows {
		if len(row) == 0 || row[0] == nil {
			continue
		}
		original := idfmt.Stringify(row[0])
		if _, dup := seen[original]; dup {
			continue
		}
		seen[original] = struct{}{}

		surrogate, err := idfmt.Format(format, len(entries)+1)
		if err != nil {
			return nil, fmt.Errorf("failed to format %s id: %w", kind, err)
		}
		entries = append(entries, Entry{
			OriginalID:     original,
			DeidentifiedID: surrogate,
			DateOffset:     int32(rng.IntN(span) - r.options.MaxDateOffset),
		})
	}

	if len(entries) == 0 {
		r.logger.Warn("No identifiers found", zap.String("table", table))
		return nil, fmt.Errorf("%w in %s.%s", ErrNoData, table, idField)
	}

	m, err := NewMasterMapping(kind, entries)
	if err != nil {
		return nil, err
	}
	m.SourceTable = table
	m.IDField = idField
	m.Format = format

	r.SetMaster(m)
	r.logger.Info("Created master mapping",
		zap.String("kind", string(kind)),
		zap.Int("entries", m.Len()))

	return m, nil
}

// SetMaster installs m as the mapping for its kind, replacing any other
func (r *Registry) SetMaster(m *MasterMapping) {
	if _, replaced := r.masters[m.Kind]; replaced {
		r.logger.Debug("Replacing master mapping", zap.String("kind", string(m.Kind)))
	}
	r.masters[m.Kind] = m
}

// Master returns the mapping currently held for kind
func (r *Registry) Master(kind Kind) (*MasterMapping, bool) {
	m, ok := r.masters[kind]
	return m, ok
}

// Lookup returns the surrogate for an original identifier
func (r *Registry) Lookup(kind Kind, original string) (string, bool) {
	m, ok := r.masters[kind]
	if !ok {
		return "", false
	}
	e, ok := m.Lookup(original)
	return e.DeidentifiedID, ok
}

// ApplyMasterMapping reads table and maps its idField through the mapping for
// kind. Identifiers missing from the mapping become null.
func (r *Registry) ApplyMasterMapping(ctx context.Context, kind Kind, table, idField string) (*store.Table, *ApplyResult, error) {
	m, ok := r.masters[kind]
	if !ok || m.Len() == 0 {
		r.logger.Warn("No master mapping available, create it first", zap.String("kind", string(kind)))
		return nil, nil, fmt.Errorf("%w for %s", ErrNoMapping, kind)
	}

	data, err := r.db.ExecuteQuery(ctx, "SELECT * FROM "+r.db.TableName(table))
	if err != nil {
		r.logger.Warn("Table query failed", zap.String("table", table), zap.Error(err))
		return nil, nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	if data.Len() == 0 {
		r.logger.Warn("No data found in table", zap.String("table", table))
		return nil, nil, fmt.Errorf("%w in %s", ErrNoData, table)
	}
	if !data.HasColumn(idField) {
		r.logger.Warn("Field not found in table", zap.String("table", table), zap.String("field", idField))
		return nil, nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, table, idField)
	}

	result := &ApplyResult{Table: table, Field: idField, Rows: data.Len()}
	values := data.ColumnValues(idField)
	for i, v := range values {
		if v == nil {
			continue
		}
		if e, ok := m.Lookup(idfmt.Stringify(v)); ok {
			values[i] = e.DeidentifiedID
			result.Mapped++
			continue
		}
		values[i] = nil
		result.Unmapped++
	}
	if err := data.SetColumn(idField, values); err != nil {
		return nil, nil, err
	}

	if result.Unmapped > 0 {
		r.logger.Warn("Unmapped identifiers set to null",
			zap.String("table", table),
			zap.String("field", idField),
			zap.Int("unmapped", result.Unmapped))
	}
	r.logger.Info("Applied master mapping",
		zap.String("table", table),
		zap.String("field", idField),
		zap.Int("records", result.Rows))

	return data, result, nil
}

// ProcessMappingTable joins the source and destination tables on the join key
// and stores source key -> destination value. When several destination rows
// match one key the last one wins.
func (r *Registry) ProcessMappingTable(ctx context.Context, cfg JoinConfig) (map[string]string, error) {
	r.logger.Info("Processing mapping table",
		zap.String("source", cfg.SourceTable),
		zap.String("destination", cfg.DestinationTable),
		zap.String("join_key", cfg.JoinKey))

	source, err := r.readNonEmpty(ctx, cfg.SourceTable)
	if err != nil {
		return nil, err
	}
	dest, err := r.readNonEmpty(ctx, cfg.DestinationTable)
	if err != nil {
		return nil, err
	}

	valueField := cfg.DestinationKey
	if valueField == "" {
		valueField = cfg.JoinKey
	}
	if !source.HasColumn(cfg.JoinKey) || !dest.HasColumn(cfg.JoinKey) || !dest.HasColumn(valueField) {
		return nil, fmt.Errorf("%w: join columns %s/%s", ErrUnknownField, cfg.JoinKey, valueField)
	}

	destKeys := dest.ColumnValues(cfg.JoinKey)
	destValues := dest.ColumnValues(valueField)
	index := make(map[string][]int, len(destKeys))
	for i, k := range destKeys {
		if k == nil {
			continue
		}
		key := idfmt.Stringify(k)
		index[key] = append(index[key], i)
	}

	mapping := make(map[string]string)
	overwritten := 0
	for _, k := range source.ColumnValues(cfg.JoinKey) {
		if k == nil {
			continue
		}
		key := idfmt.Stringify(k)
		for _, i := range index[key] {
			if prev, ok := mapping[key]; ok && prev != idfmt.Stringify(destValues[i]) {
				overwritten++
			}
			mapping[key] = idfmt.Stringify(destValues[i])
		}
	}

	if overwritten > 0 {
		r.logger.Warn("Join mapping overwrote duplicate keys",
			zap.String("mapping", cfg.Key()),
			zap.Int("overwritten", overwritten))
	}

	r.joins[cfg.Key()] = mapping
	r.logger.Info("Created join mapping",
		zap.String("mapping", cfg.Key()),
		zap.Int("entries", len(mapping)))

	return mapping, nil
}

// JoinMapping returns a mapping built by ProcessMappingTable
func (r *Registry) JoinMapping(key string) (map[string]string, bool) {
	m, ok := r.joins[key]
	return m, ok
}

// SetAttribute records the surrogate of one PHI attribute value for a patient
func (r *Registry) SetAttribute(patientID, attribute, original, deidentified string) {
	byAttr, ok := r.attributes[patientID]
	if !ok {
		byAttr = make(map[string]map[string]string)
		r.attributes[patientID] = byAttr
	}
	values, ok := byAttr[attribute]
	if !ok {
		values = make(map[string]string)
		byAttr[attribute] = values
	}
	values[original] = deidentified
}

// Attribute returns the recorded surrogate of a patient's attribute value
func (r *Registry) Attribute(patientID, attribute, original string) (string, bool) {
	v, ok := r.attributes[patientID][attribute][original]
	return v, ok
}

func (r *Registry) readNonEmpty(ctx context.Context, table string) (*store.Table, error) {
	data, err := r.db.ExecuteQuery(ctx, "SELECT * FROM "+r.db.TableName(table))
	if err != nil {
		r.logger.Warn("Table query failed", zap.String("table", table), zap.Error(err))
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	if data.Len() == 0 {
		r.logger.Warn("No data found in table", zap.String("table", table))
		return nil, fmt.Errorf("%w in %s", ErrNoData, table)
	}
	return data, nil
}
