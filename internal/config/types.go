package config

import (
	"time"

	"github.com/raaihank/phi-sentinel/internal/cache"
	"github.com/raaihank/phi-sentinel/internal/mapping"
	"github.com/raaihank/phi-sentinel/internal/recognizer"
	"github.com/raaihank/phi-sentinel/internal/rules"
	"github.com/raaihank/phi-sentinel/internal/store"
)

// Config represents the main configuration structure
type Config struct {
	Database  store.Config       `yaml:"database" mapstructure:"database"`
	Detection DetectionConfig    `yaml:"detection" mapstructure:"detection"`
	Profiling ProfilingConfig    `yaml:"profiling" mapstructure:"profiling"`
	Plan      PlanConfig         `yaml:"plan" mapstructure:"plan"`
	Mapping   MappingConfig      `yaml:"mapping" mapstructure:"mapping"`
	Rules     []rules.Definition `yaml:"rules" mapstructure:"rules"`
	Output    OutputConfig       `yaml:"output" mapstructure:"output"`
	Logging   LoggingConfig      `yaml:"logging" mapstructure:"logging"`
}

// DetectionConfig contains PHI detection configuration
type DetectionConfig struct {
	Recognizer recognizer.Config `yaml:"recognizer" mapstructure:"recognizer"`
}

// ProfilingConfig controls column sampling
type ProfilingConfig struct {
	SampleSize int      `yaml:"sample_size" mapstructure:"sample_size"`
	Tables     []string `yaml:"tables" mapstructure:"tables"`
	Columns    []string `yaml:"columns" mapstructure:"columns"`
}

// PlanConfig controls plan execution
type PlanConfig struct {
	TargetSchema string `yaml:"target_schema" mapstructure:"target_schema"`
	Replace      bool   `yaml:"replace" mapstructure:"replace"`
}

// MasterConfig describes one master mapping to build
type MasterConfig struct {
	Kind    mapping.Kind `yaml:"kind" mapstructure:"kind"`
	Table   string       `yaml:"table" mapstructure:"table"`
	IDField string       `yaml:"id_field" mapstructure:"id_field"`
	Format  string       `yaml:"format" mapstructure:"format"`
	// ApplyTo lists tables whose IDField is rewritten with the mapping
	ApplyTo []string `yaml:"apply_to" mapstructure:"apply_to"`
}

// MappingConfig contains identifier mapping configuration
type MappingConfig struct {
	Options    mapping.Options      `yaml:"options" mapstructure:"options"`
	Masters    []MasterConfig       `yaml:"masters" mapstructure:"masters"`
	JoinTables []mapping.JoinConfig `yaml:"join_tables" mapstructure:"join_tables"`
	ExportDir  string               `yaml:"export_dir" mapstructure:"export_dir"`
	// ExportFormat is csv, parquet or json
	ExportFormat string       `yaml:"export_format" mapstructure:"export_format"`
	Cache        cache.Config `yaml:"cache" mapstructure:"cache"`
}

// OutputConfig controls where results go
type OutputConfig struct {
	// Tables to process; empty means every table in the schema
	Tables      []string `yaml:"tables" mapstructure:"tables"`
	WriteTables bool     `yaml:"write_tables" mapstructure:"write_tables"`
	Schema      string   `yaml:"schema" mapstructure:"schema"`
	ReportDir   string   `yaml:"report_dir" mapstructure:"report_dir"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Database: store.Config{
			Schema:          "public",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			BatchSize:       500,
		},
		Detection: DetectionConfig{
			Recognizer: recognizer.Config{
				Enabled:           false,
				Timeout:           10 * time.Second,
				RequestsPerSecond: 10,
				Burst:             5,
			},
		},
		Profiling: ProfilingConfig{
			SampleSize: 1000,
		},
		Plan: PlanConfig{
			TargetSchema: "deidentified",
		},
		Mapping: MappingConfig{
			Options:      mapping.DefaultOptions(),
			ExportFormat: string(mapping.FormatCSV),
			Cache: cache.Config{
				Enabled:        false,
				RedisURL:       "redis://localhost:6379/0",
				MaxConnections: 10,
				MinIdleConns:   2,
				DefaultTTL:     24 * time.Hour,
				KeyPrefix:      "phisentinel",
			},
		},
		Output: OutputConfig{
			Schema:    "deidentified",
			ReportDir: ".",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
	cfg.Logging.File.Path = "logs/phi-sentinel.log"
	return cfg
}
