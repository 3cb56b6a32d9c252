package domain

import (
	"context"
	"time"
)

// Cache stores derived bytes that can always be rebuilt from the repository,
// such as enriched case views. A miss is (nil, nil), never an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value for ttl. A zero ttl keeps it until evicted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and sizes the cache.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string `yaml:"type"`

	// In-process LRU. With redis and EnableTwoPhase it fronts Redis.
	LocalMaxSize int           `yaml:"local_max_size"`
	LocalTTL     time.Duration `yaml:"local_ttl"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// RedisKeyPrefix namespaces keys when Redis is shared. Defaults to "kestrel:".
	RedisKeyPrefix string `yaml:"redis_key_prefix"`

	EnableTwoPhase bool `yaml:"enable_two_phase"`

	// EnrichedTTL bounds how long an enriched view may be served before it is
	// recomputed from its sources.
	EnrichedTTL time.Duration `yaml:"enriched_ttl"`
}
