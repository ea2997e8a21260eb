package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/idfmt"
	"github.com/raaihank/phi-sentinel/internal/mapping"
)

var (
	mu      sync.Mutex
	current *viper.Viper
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	config := GetDefaults()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/phi-sentinel/")
	v.AddConfigPath("$HOME/.phi-sentinel/")

	// Environment variable overrides, e.g. PHISENTINEL_DATABASE_DATABASE_URL
	v.SetEnvPrefix("PHISENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.Lock()
	current = v
	mu.Unlock()

	return config, nil
}

// envKeys are the scalar settings that can be set from the environment
// without appearing in the config file
var envKeys = []string{
	"database.database_url",
	"database.schema",
	"detection.recognizer.enabled",
	"detection.recognizer.endpoint",
	"detection.recognizer.api_key",
	"mapping.cache.enabled",
	"mapping.cache.redis_url",
	"output.schema",
	"output.report_dir",
	"logging.level",
	"logging.format",
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Database.DatabaseURL == "" {
		return fmt.Errorf("database.database_url is required")
	}

	if config.Profiling.SampleSize <= 0 {
		return fmt.Errorf("invalid sample size: %d", config.Profiling.SampleSize)
	}

	if config.Mapping.Options.MaxDateOffset < 0 {
		return fmt.Errorf("invalid max date offset: %d", config.Mapping.Options.MaxDateOffset)
	}

	switch mapping.FileFormat(config.Mapping.ExportFormat) {
	case mapping.FormatCSV, mapping.FormatParquet, mapping.FormatJSON:
	default:
		return fmt.Errorf("invalid export format: %s (must be csv, parquet, or json)", config.Mapping.ExportFormat)
	}

	for i, m := range config.Mapping.Masters {
		if m.Kind != mapping.KindPatient && m.Kind != mapping.KindEncounter {
			return fmt.Errorf("master mapping %d: invalid kind %q (must be patient or encounter)", i, m.Kind)
		}
		if m.Table == "" || m.IDField == "" {
			return fmt.Errorf("master mapping %d: table and id_field are required", i)
		}
		if m.Format != "" {
			if err := idfmt.ValidateCounter(m.Format); err != nil {
				return fmt.Errorf("master mapping %d: %w", i, err)
			}
		}
	}

	for i, j := range config.Mapping.JoinTables {
		if j.SourceTable == "" || j.DestinationTable == "" || j.JoinKey == "" {
			return fmt.Errorf("join table %d: source_table, destination_table and join_key are required", i)
		}
	}

	if config.Mapping.Cache.Enabled && config.Mapping.Cache.RedisURL == "" {
		return fmt.Errorf("mapping.cache.redis_url is required when the cache is enabled")
	}

	if config.Detection.Recognizer.Enabled && config.Detection.Recognizer.Endpoint == "" {
		return fmt.Errorf("detection.recognizer.endpoint is required when the recognizer is enabled")
	}

	if config.Output.WriteTables && config.Output.Schema == "" {
		return fmt.Errorf("output.schema is required when write_tables is set")
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the configuration file loaded last for changes.
// Invalid updates are logged and ignored.
func Watch(logger *zap.Logger, callback func(*Config)) error {
	mu.Lock()
	v := current
	mu.Unlock()
	if v == nil {
		return fmt.Errorf("no configuration loaded")
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("no configuration file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := v.Unmarshal(newConfig); err != nil {
			logger.Error("Failed to reload configuration", zap.String("file", e.Name), zap.Error(err))
			return
		}

		if err := validateConfig(newConfig); err != nil {
			logger.Error("Reloaded configuration is invalid", zap.String("file", e.Name), zap.Error(err))
			return
		}

		logger.Info("Configuration reloaded", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
