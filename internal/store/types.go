package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned when an operation runs before Connect
var ErrNotConnected = errors.New("data store is not connected")

// DataStore is the relational source the pipeline reads from and writes to
type DataStore interface {
	Connect(ctx context.Context) error
	Disconnect() error
	GetTables(ctx context.Context) ([]string, error)
	GetColumns(ctx context.Context, table string) ([]Column, error)
	GetPrimaryKeys(ctx context.Context, table string) ([]string, error)
	ExecuteQuery(ctx context.Context, query string, args ...any) (*Table, error)
	// TableName returns the quoted, schema-qualified name of table for use in statements
	TableName(table string) string
}

// Column describes one column of a table
type Column struct {
	Name       string `json:"name" yaml:"name"`
	Type       string `json:"type" yaml:"type"`
	Nullable   bool   `json:"nullable" yaml:"nullable"`
	PrimaryKey bool   `json:"primary_key" yaml:"primary_key"`
	Default    string `json:"default,omitempty" yaml:"default,omitempty"`
}

// Table is a tabular result with ordered columns and ordered rows
type Table struct {
	Columns []string
	Rows    [][]any
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	Schema          string        `yaml:"schema" mapstructure:"schema"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	BatchSize       int           `yaml:"batch_size" mapstructure:"batch_size"`
}

// NewTable builds an empty table with the given columns
func NewTable(columns ...string) *Table {
	return &Table{Columns: columns}
}

// Len returns the number of rows
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// ColumnIndex returns the position of name, or -1
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the table has a column called name
func (t *Table) HasColumn(name string) bool {
	return t.ColumnIndex(name) >= 0
}

// ColumnValues returns a copy of one column's values in row order
func (t *Table) ColumnValues(name string) []any {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil
	}
	values := make([]any, len(t.Rows))
	for i, row := range t.Rows {
		values[i] = row[idx]
	}
	return values
}

// SetColumn overwrites a column with values, which must have one entry per row
func (t *Table) SetColumn(name string, values []any) error {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return errors.New("unknown column " + name)
	}
	if len(values) != len(t.Rows) {
		return errors.New("column " + name + ": value count does not match row count")
	}
	for i, row := range t.Rows {
		row[idx] = values[i]
	}
	return nil
}

// AddRow appends a row; it must have one value per column
func (t *Table) AddRow(values ...any) {
	row := make([]any, len(t.Columns))
	copy(row, values)
	t.Rows = append(t.Rows, row)
}

// Clone returns a deep copy of the row data
func (t *Table) Clone() *Table {
	out := &Table{
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([][]any, len(t.Rows)),
	}
	for i, row := range t.Rows {
		out.Rows[i] = append([]any(nil), row...)
	}
	return out
}

// WriteResult reports the outcome of WriteTable
type WriteResult struct {
	Table    string        `json:"table"`
	Inserted int64         `json:"inserted"`
	Failed   int64         `json:"failed"`
	Duration time.Duration `json:"duration"`
}
