// Package deid drives rule-based de-identification of whole tables and keeps
// the run statistics.
package deid

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/idfmt"
	"github.com/raaihank/phi-sentinel/internal/mapping"
	"github.com/raaihank/phi-sentinel/internal/rules"
	"github.com/raaihank/phi-sentinel/internal/store"
)

// Deidentifier applies loaded rules table by table
type Deidentifier struct {
	db       store.DataStore
	rules    *rules.Engine
	registry *mapping.Registry
	logger   *zap.Logger
	runID    string
	started  time.Time
	stats    Statistics

	sink       TableWriter
	sinkSchema string
	joins      []string
}

// NewDeidentifier creates a run over db with a fresh run id
func NewDeidentifier(db store.DataStore, engine *rules.Engine, registry *mapping.Registry, logger *zap.Logger) *Deidentifier {
	runID := uuid.New().String()
	return &Deidentifier{
		db:       db,
		rules:    engine,
		registry: registry,
		logger:   logger.With(zap.String("run_id", runID)),
		runID:    runID,
		started:  time.Now(),
		stats:    Statistics{FieldsModified: make(map[string]int64)},
	}
}

// SetSink makes modified tables be written to schema through w
func (d *Deidentifier) SetSink(w TableWriter, schema string) {
	d.sink = w
	d.sinkSchema = schema
}

// RunID returns the identifier of this run
func (d *Deidentifier) RunID() string {
	return d.runID
}

// StartedAt returns when the run was created
func (d *Deidentifier) StartedAt() time.Time {
	return d.started
}

// Registry returns the mapping registry used by the run
func (d *Deidentifier) Registry() *mapping.Registry {
	return d.registry
}

// Statistics returns a snapshot of the run counters
func (d *Deidentifier) Statistics() Statistics {
	return d.stats.clone()
}

// ProcessTable applies every matching rule to every column of table.
// A failing data query is treated as an empty table.
func (d *Deidentifier) ProcessTable(ctx context.Context, table string) (*TableResult, error) {
	start := time.Now()
	log := d.logger.With(zap.String("table", table))
	log.Info("Processing table")

	result := &TableResult{Table: table}

	keys, err := d.db.GetPrimaryKeys(ctx, table)
	if err != nil {
		log.Warn("Failed to get primary keys", zap.Error(err))
	}
	if len(keys) > 0 {
		result.PrimaryKey = keys[0]
	} else {
		log.Warn("No primary key found, proceeding without one")
	}

	columns, err := d.db.GetColumns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get columns for %s: %w", table, err)
	}

	data, err := d.db.ExecuteQuery(ctx, "SELECT * FROM "+d.db.TableName(table))
	if err != nil {
		log.Warn("Table query failed, treating as empty", zap.Error(err))
		data = nil
	}
	if data.Len() == 0 {
		log.Warn("No data found in table")
		result.Duration = time.Since(start)
		return result, nil
	}

	result.Rows = data.Len()
	result.Data = data
	d.stats.TotalRecords += int64(data.Len())
	d.stats.TablesProcessed++

	// ids are read before any rule rewrites the id column
	var patientIDs []any
	idField := ""
	if master, ok := d.registry.Master(mapping.KindPatient); ok && data.HasColumn(master.IDField) {
		idField = master.IDField
		patientIDs = data.ColumnValues(idField)
	}

	for _, col := range columns {
		if !data.HasColumn(col.Name) {
			continue
		}

		matched := d.rules.MatchingRules(table, col.Name)
		if len(matched) == 0 {
			continue
		}

		original := data.ColumnValues(col.Name)
		values := data.ColumnValues(col.Name)
		change := ColumnChange{Column: col.Name}
		for _, rule := range matched {
			values = d.rules.Apply(rule, values)
			change.Rules = append(change.Rules, rule.Name)
			log.Debug("Applied rule",
				zap.String("rule", rule.Name),
				zap.String("column", col.Name))
		}
		if err := data.SetColumn(col.Name, values); err != nil {
			return nil, fmt.Errorf("failed to update %s.%s: %w", table, col.Name, err)
		}
		if patientIDs != nil && col.Name != idField {
			if conflicts := d.recordAttributes(col.Name, patientIDs, original, values); conflicts > 0 {
				log.Warn("Attribute surrogates differ from earlier tables",
					zap.String("column", col.Name),
					zap.Int("values", conflicts))
			}
		}

		change.NonNull = countNonNull(values)
		d.stats.FieldsModified[col.Name] += change.NonNull
		result.Columns = append(result.Columns, change)
		result.Modified = true
	}

	if result.Modified {
		d.stats.ModifiedRecords += int64(data.Len())
		log.Info("Table de-identified",
			zap.Int("records", data.Len()),
			zap.Int("columns_modified", len(result.Columns)))

		if err := d.write(ctx, result); err != nil {
			return result, err
		}
	} else {
		log.Info("No modifications needed for table")
	}

	result.Duration = time.Since(start)
	return result, nil
}

// recordAttributes remembers the surrogate each patient's value of attribute
// received. The first surrogate recorded is kept; the number of values that
// now received a different one is returned.
func (d *Deidentifier) recordAttributes(attribute string, ids, original, transformed []any) int {
	conflicts := 0
	for i, id := range ids {
		if id == nil || original[i] == nil || transformed[i] == nil {
			continue
		}
		patient, ok := d.registry.Lookup(mapping.KindPatient, idfmt.Stringify(id))
		if !ok {
			continue
		}
		before, after := idfmt.Stringify(original[i]), idfmt.Stringify(transformed[i])
		if prev, ok := d.registry.Attribute(patient, attribute, before); ok {
			if prev != after {
				conflicts++
			}
			continue
		}
		d.registry.SetAttribute(patient, attribute, before, after)
	}
	return conflicts
}

// ProcessTables processes each table in order. A failing table does not stop
// the rest; all failures are returned together.
func (d *Deidentifier) ProcessTables(ctx context.Context, tables []string) ([]*TableResult, error) {
	var (
		results []*TableResult
		errs    error
	)
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return results, multierr.Append(errs, err)
		}
		result, err := d.ProcessTable(ctx, table)
		if err != nil {
			d.logger.Error("Table processing failed", zap.String("table", table), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("table %s: %w", table, err))
		}
		if result != nil {
			results = append(results, result)
		}
	}
	return results, errs
}

// CreateMasterMapping builds the master mapping for kind from table.idField
func (d *Deidentifier) CreateMasterMapping(ctx context.Context, kind mapping.Kind, table, idField, format string) (*mapping.MasterMapping, error) {
	return d.registry.CreateMasterMapping(ctx, kind, table, idField, format)
}

// ImportMasterMapping loads a mapping file written by mapping.Export and
// installs it as the master mapping for kind, keyed on table.idField
func (d *Deidentifier) ImportMasterMapping(path string, kind mapping.Kind, table, idField string) (*mapping.MasterMapping, error) {
	m, err := mapping.Import(path, kind)
	if err != nil {
		return nil, err
	}
	m.SourceTable = table
	m.IDField = idField
	d.registry.SetMaster(m)
	d.logger.Info("Imported master mapping",
		zap.String("kind", string(kind)),
		zap.String("file", path),
		zap.Int("entries", m.Len()))
	return m, nil
}

// BuildMasterMapping creates the master mapping like CreateMasterMapping. When
// building fails and fallback holds a persisted mapping for kind, that mapping
// is installed and returned instead.
func (d *Deidentifier) BuildMasterMapping(ctx context.Context, kind mapping.Kind, table, idField, format string, fallback MappingLoader) (*mapping.MasterMapping, error) {
	m, err := d.CreateMasterMapping(ctx, kind, table, idField, format)
	if err == nil || fallback == nil {
		return m, err
	}

	previous, loadErr := fallback.LoadMapping(ctx, kind)
	if loadErr != nil {
		return nil, multierr.Append(err, loadErr)
	}
	d.logger.Warn("Using persisted master mapping",
		zap.String("kind", string(kind)),
		zap.Int("entries", previous.Len()),
		zap.Error(err))
	d.registry.SetMaster(previous)
	return previous, nil
}

// ApplyMasterMapping maps table.idField through the master mapping and counts
// the whole table as processed and modified.
func (d *Deidentifier) ApplyMasterMapping(ctx context.Context, kind mapping.Kind, table, idField string) (*TableResult, error) {
	start := time.Now()
	data, applied, err := d.registry.ApplyMasterMapping(ctx, kind, table, idField)
	if err != nil {
		return nil, err
	}

	nonNull := countNonNull(data.ColumnValues(idField))
	d.stats.TotalRecords += int64(applied.Rows)
	d.stats.ModifiedRecords += int64(applied.Rows)
	d.stats.TablesProcessed++
	d.stats.FieldsModified[idField] += nonNull

	result := &TableResult{
		Table:    table,
		Rows:     applied.Rows,
		Modified: true,
		Columns:  []ColumnChange{{Column: idField, Rules: []string{string(kind) + " master mapping"}, NonNull: nonNull}},
		Data:     data,
	}
	if err := d.write(ctx, result); err != nil {
		return result, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

// ProcessMappingTable builds a join mapping between two tables
func (d *Deidentifier) ProcessMappingTable(ctx context.Context, cfg mapping.JoinConfig) (map[string]string, error) {
	return d.registry.ProcessMappingTable(ctx, cfg)
}

// ProcessMappingTables builds every join mapping, continuing past failures
func (d *Deidentifier) ProcessMappingTables(ctx context.Context, cfgs []mapping.JoinConfig) error {
	var errs error
	for _, cfg := range cfgs {
		if _, err := d.ProcessMappingTable(ctx, cfg); err != nil {
			if errors.Is(err, mapping.ErrNoData) {
				d.logger.Warn("Skipping join mapping", zap.String("mapping", cfg.Key()), zap.Error(err))
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("mapping %s: %w", cfg.Key(), err))
			continue
		}
		if !slices.Contains(d.joins, cfg.Key()) {
			d.joins = append(d.joins, cfg.Key())
		}
	}
	return errs
}

// JoinMappingSizes returns the entry count of every join mapping built in this
// run, keyed by mapping key
func (d *Deidentifier) JoinMappingSizes() map[string]int {
	sizes := make(map[string]int, len(d.joins))
	for _, key := range d.joins {
		if m, ok := d.registry.JoinMapping(key); ok {
			sizes[key] = len(m)
		}
	}
	return sizes
}

func (d *Deidentifier) write(ctx context.Context, result *TableResult) error {
	if d.sink == nil || result.Data == nil {
		return nil
	}
	written, err := d.sink.WriteTable(ctx, d.sinkSchema, result.Table, result.Data)
	if err != nil {
		return fmt.Errorf("failed to write de-identified %s: %w", result.Table, err)
	}
	result.Written = written.Table
	return nil
}

func countNonNull(values []any) int64 {
	var n int64
	for _, v := range values {
		if v != nil {
			n++
		}
	}
	return n
}
