package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/mapping"
)

// MappingCache externalizes master mappings to Redis so a run can persist
// them before the registry replaces them
type MappingCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
	stats  *cacheStats
}

// cacheStats tracks cache performance metrics
type cacheStats struct {
	hits   int64
	misses int64
}

// NewMappingCache creates a new Redis-based mapping cache
func NewMappingCache(config *Config, logger *zap.Logger) (*MappingCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Configure connection pool
	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	cache := &MappingCache{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
		stats:  &cacheStats{},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cache.ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Mapping cache initialized successfully",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", config.MaxConnections),
		zap.Duration("default_ttl", config.DefaultTTL))

	return cache, nil
}

func (mc *MappingCache) ping(ctx context.Context) error {
	_, err := mc.client.Ping(ctx).Result()
	return err
}

// SaveMapping stores m under its kind, replacing any stored copy
func (mc *MappingCache) SaveMapping(ctx context.Context, m *mapping.MasterMapping) error {
	stored := StoredMapping{
		Kind:        m.Kind,
		SourceTable: m.SourceTable,
		IDField:     m.IDField,
		Format:      m.Format,
		Entries:     m.Entries,
		CachedAt:    time.Now(),
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal mapping for caching: %w", err)
	}

	mappingKey := mc.mappingKey(m.Kind)
	if err := mc.client.Set(ctx, mappingKey, data, mc.config.DefaultTTL).Err(); err != nil {
		mc.logger.Error("Failed to cache mapping", zap.Error(err))
		return fmt.Errorf("failed to cache mapping: %w", err)
	}

	mc.logger.Info("Mapping cached",
		zap.String("key", mappingKey),
		zap.Int("entries", m.Len()))

	return nil
}

// LoadMapping restores a mapping saved by SaveMapping
func (mc *MappingCache) LoadMapping(ctx context.Context, kind mapping.Kind) (*mapping.MasterMapping, error) {
	key := mc.mappingKey(kind)

	data, err := mc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		mc.stats.misses++
		return nil, fmt.Errorf("%w for %s in cache", mapping.ErrNoMapping, kind)
	} else if err != nil {
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}

	var stored StoredMapping
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		mc.logger.Error("Failed to unmarshal cached mapping", zap.Error(err))
		mc.client.Del(ctx, key)
		return nil, fmt.Errorf("corrupt cached mapping: %w", err)
	}

	m, err := mapping.NewMasterMapping(kind, stored.Entries)
	if err != nil {
		return nil, err
	}
	m.SourceTable = stored.SourceTable
	m.IDField = stored.IDField
	m.Format = stored.Format

	mc.stats.hits++
	return m, nil
}

// GetStats returns hit and miss counters
func (mc *MappingCache) GetStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{
		Hits:   mc.stats.hits,
		Misses: mc.stats.misses,
	}

	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	keys, err := mc.client.DBSize(ctx).Result()
	if err == nil {
		stats.TotalKeys = keys
	}

	return stats, nil
}

// Clear removes every key under the configured prefix
func (mc *MappingCache) Clear(ctx context.Context) error {
	pattern := mc.config.KeyPrefix + "*"

	iter := mc.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := mc.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			mc.logger.Error("Failed to delete cache keys", zap.Error(err))
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	mc.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (mc *MappingCache) Close() error {
	if mc.client != nil {
		return mc.client.Close()
	}
	return nil
}

func (mc *MappingCache) mappingKey(kind mapping.Kind) string {
	return fmt.Sprintf("%s:mapping:%s", mc.config.KeyPrefix, kind)
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
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
