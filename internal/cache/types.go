package cache

import (
	"time"

	"github.com/raaihank/phi-sentinel/internal/mapping"
)

// StoredMapping is the cached form of a master mapping
type StoredMapping struct {
	Kind        mapping.Kind    `json:"kind"`
	SourceTable string          `json:"source_table"`
	IDField     string          `json:"id_field"`
	Format      string          `json:"format"`
	Entries     []mapping.Entry `json:"entries"`
	CachedAt    time.Time       `json:"cached_at"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	TotalKeys int64   `json:"total_keys"`
}

// Config contains cache configuration
type Config struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
}
