// Package cache keeps recomputable views close to the API: an in-process LRU,
// Redis, or the two stacked.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultLocalTTL = 5 * time.Minute

// New builds the configured cache:
//
//	memory                     LRUCache
//	redis                      RedisCache
//	redis + enable_two_phase   Tiered (LRUCache in front of RedisCache)
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		remote, err := NewRedisCache(cfg)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}
		return NewTiered(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
	default:
		return nil, fmt.Errorf("%w: unsupported cache type: %s", domain.ErrConfiguration, cfg.Type)
	}
}

// Tiered reads through a fast local cache to a shared remote one. Local
// entries live at most localTTL, so a replica notices another replica's
// invalidation within that bound. A remote outage degrades to local only.
type Tiered struct {
	local    domain.Cache
	remote   domain.Cache
	localTTL time.Duration
	logger   *slog.Logger
}

// NewTiered stacks local over remote. A zero localTTL means five minutes.
func NewTiered(local, remote domain.Cache, localTTL time.Duration) *Tiered {
	if localTTL <= 0 {
		localTTL = defaultLocalTTL
	}
	return &Tiered{
		local:    local,
		remote:   remote,
		localTTL: localTTL,
		logger:   slog.Default().With("component", "cache"),
	}
}

// Get checks local, then remote, copying remote hits into local.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := t.local.Get(ctx, key); err != nil || val != nil {
		return val, err
	}

	val, err := t.remote.Get(ctx, key)
	if err != nil {
		t.logger.Warn("remote cache read failed", "key", key, "error", err)
		return nil, nil
	}
	if val != nil {
		_ = t.local.Set(ctx, key, val, t.localTTL)
	}
	return val, nil
}

// Set writes both tiers. The local copy never outlives the remote one.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	localTTL := t.localTTL
	if ttl > 0 && ttl < localTTL {
		localTTL = ttl
	}
	if err := t.local.Set(ctx, key, value, localTTL); err != nil {
		return err
	}
	return t.remote.Set(ctx, key, value, ttl)
}

// Delete removes the key from both tiers.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	return errors.Join(t.local.Delete(ctx, key), t.remote.Delete(ctx, key))
}

func (t *Tiered) Ping(ctx context.Context) error {
	if err := t.local.Ping(ctx); err != nil {
		return fmt.Errorf("local cache: %w", err)
	}
	if err := t.remote.Ping(ctx); err != nil {
		return fmt.Errorf("remote cache: %w", err)
	}
	return nil
}

func (t *Tiered) Close() error {
	return errors.Join(t.local.Close(), t.remote.Close())
}
