package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	defaultSchema    = "public"
	defaultBatchSize = 500
	// postgres caps bind parameters per statement
	maxBindParams = 65535
)

// Postgres is a DataStore backed by PostgreSQL
type Postgres struct {
	config Config
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgres creates an unconnected PostgreSQL data store
func NewPostgres(config Config, logger *zap.Logger) *Postgres {
	if config.Schema == "" {
		config.Schema = defaultSchema
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	return &Postgres{
		config: config,
		logger: logger,
	}
}

// Connect opens the connection pool and verifies it
func (p *Postgres) Connect(ctx context.Context) error {
	db, err := sqlx.ConnectContext(ctx, "postgres", p.config.DatabaseURL)
	if err != nil {
		p.logger.Error("Database connection failed",
			zap.String("database_url", MaskDatabaseURL(p.config.DatabaseURL)),
			zap.Error(err))
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	if p.config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(p.config.MaxOpenConns)
	}
	if p.config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(p.config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(p.config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(p.config.ConnMaxIdleTime)

	p.db = db

	p.logger.Info("Data store connected",
		zap.String("database_url", MaskDatabaseURL(p.config.DatabaseURL)),
		zap.String("schema", p.config.Schema),
		zap.Int("max_open_conns", p.config.MaxOpenConns))

	return nil
}

// Disconnect closes the database connection
func (p *Postgres) Disconnect() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// GetTables lists the base tables in the configured schema
func (p *Postgres) GetTables(ctx context.Context) ([]string, error) {
	if p.db == nil {
		return nil, ErrNotConnected
	}

	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`

	var tables []string
	if err := p.db.SelectContext(ctx, &tables, query, p.config.Schema); err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}

type columnRow struct {
	Name     string         `db:"column_name"`
	Type     string         `db:"data_type"`
	Nullable string         `db:"is_nullable"`
	Default  sql.NullString `db:"column_default"`
}

// GetColumns describes the columns of table in ordinal order
func (p *Postgres) GetColumns(ctx context.Context, table string) ([]Column, error) {
	if p.db == nil {
		return nil, ErrNotConnected
	}

	query := `
		SELECT column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`

	var rows []columnRow
	if err := p.db.SelectContext(ctx, &rows, query, p.config.Schema, table); err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", table, err)
	}

	keys, err := p.GetPrimaryKeys(ctx, table)
	if err != nil {
		return nil, err
	}
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}

	columns := make([]Column, 0, len(rows))
	for _, r := range rows {
		columns = append(columns, Column{
			Name:       r.Name,
			Type:       r.Type,
			Nullable:   r.Nullable == "YES",
			PrimaryKey: isKey[r.Name],
			Default:    r.Default.String,
		})
	}
	return columns, nil
}

// GetPrimaryKeys returns the primary-key columns of table in key order
func (p *Postgres) GetPrimaryKeys(ctx context.Context, table string) ([]string, error) {
	if p.db == nil {
		return nil, ErrNotConnected
	}

	query := `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = $1
			AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`

	var keys []string
	if err := p.db.SelectContext(ctx, &keys, query, p.config.Schema, table); err != nil {
		return nil, fmt.Errorf("failed to get primary keys for %s: %w", table, err)
	}
	return keys, nil
}

// ExecuteQuery runs a statement and returns its rows, if any
func (p *Postgres) ExecuteQuery(ctx context.Context, query string, args ...any) (*Table, error) {
	if p.db == nil {
		return nil, ErrNotConnected
	}

	start := time.Now()
	rows, err := p.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	result := &Table{Columns: columns}
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			values[i] = normalizeValue(v)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}

	p.logger.Debug("Query executed",
		zap.Int("columns", len(columns)),
		zap.Int("rows", len(result.Rows)),
		zap.Duration("duration", time.Since(start)))

	return result, nil
}

// WriteTable replaces schema.name with the contents of table. Every column is
// stored as text.
func (p *Postgres) WriteTable(ctx context.Context, schema, name string, table *Table) (*WriteResult, error) {
	if p.db == nil {
		return nil, ErrNotConnected
	}

	start := time.Now()
	target := QualifiedName(schema, name)
	result := &WriteResult{Table: target}

	defs := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		defs[i] = pq.QuoteIdentifier(c) + " TEXT"
	}

	ddl := []string{
		"CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(schema),
		"DROP TABLE IF EXISTS " + target,
		fmt.Sprintf("CREATE TABLE %s (%s)", target, strings.Join(defs, ", ")),
	}
	for _, stmt := range ddl {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return result, fmt.Errorf("failed to prepare %s: %w", target, err)
		}
	}

	batch := p.config.BatchSize
	if width := len(table.Columns); width > 0 && batch*width > maxBindParams {
		batch = maxBindParams / width
	}

	for from := 0; from < len(table.Rows); from += batch {
		to := min(from+batch, len(table.Rows))
		inserted, err := p.insertBatch(ctx, target, table.Columns, table.Rows[from:to])
		if err != nil {
			result.Failed += int64(to - from)
			p.logger.Error("Batch insert failed", zap.String("table", target), zap.Error(err))
			return result, fmt.Errorf("batch insert into %s failed: %w", target, err)
		}
		result.Inserted += inserted
	}

	result.Duration = time.Since(start)
	p.logger.Info("Table written",
		zap.String("table", target),
		zap.Int64("inserted", result.Inserted),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func (p *Postgres) insertBatch(ctx context.Context, target string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 || len(columns) == 0 {
		return 0, nil
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}

	valueStrings := make([]string, 0, len(rows))
	valueArgs := make([]any, 0, len(rows)*len(columns))
	placeholders := make([]string, len(columns))

	for i, row := range rows {
		for j := range columns {
			placeholders[j] = fmt.Sprintf("$%d", i*len(columns)+j+1)
			valueArgs = append(valueArgs, textValue(row[j]))
		}
		valueStrings = append(valueStrings, "("+strings.Join(placeholders, ", ")+")")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		target, strings.Join(quoted, ", "), strings.Join(valueStrings, ","))

	res, err := p.db.ExecContext(ctx, query, valueArgs...)
	if err != nil {
		return 0, err
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		p.logger.Warn("Could not get rows affected", zap.Error(err))
		inserted = int64(len(rows))
	}
	return inserted, nil
}

// TableName qualifies table with the configured schema
func (p *Postgres) TableName(table string) string {
	return QualifiedName(p.config.Schema, table)
}

// QualifiedName quotes and joins identifier parts, skipping empty ones
func QualifiedName(parts ...string) string {
	quoted := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			quoted = append(quoted, pq.QuoteIdentifier(part))
		}
	}
	return strings.Join(quoted, ".")
}

// normalizeValue converts driver byte slices to strings
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func textValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

// MaskDatabaseURL masks the password in a database URL for logging
func MaskDatabaseURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
