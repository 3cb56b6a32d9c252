package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnrichedViews caches enriched case documents. An enriched case is a pure
// function of its inputs, so a cached copy is always safe to serve until the
// inputs change and the caller invalidates it.
type EnrichedViews struct {
	cache  domain.Cache
	ttl    time.Duration
	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

// NewEnrichedViews wraps c. A zero ttl keeps entries until evicted.
func NewEnrichedViews(c domain.Cache, ttl time.Duration) *EnrichedViews {
	return &EnrichedViews{cache: c, ttl: ttl}
}

func enrichedKey(caseID string) string {
	return "enriched:" + caseID
}

// Get returns the cached view for caseID, or nil on a miss.
func (v *EnrichedViews) Get(ctx context.Context, caseID string) (*domain.EnrichedCase, error) {
	data, err := v.cache.Get(ctx, enrichedKey(caseID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		v.misses.Add(1)
		return nil, nil
	}

	var ec domain.EnrichedCase
	if err := json.Unmarshal(data, &ec); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		_ = v.cache.Delete(ctx, enrichedKey(caseID))
		v.misses.Add(1)
		return nil, nil
	}
	v.hits.Add(1)
	return &ec, nil
}

// Put stores ec under its case id.
func (v *EnrichedViews) Put(ctx context.Context, ec *domain.EnrichedCase) error {
	if ec == nil || ec.CaseID == "" {
		return fmt.Errorf("%w: enriched case id is required", domain.ErrInvalidInput)
	}
	data, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("failed to encode enriched case %s: %w", ec.CaseID, err)
	}
	return v.cache.Set(ctx, enrichedKey(ec.CaseID), data, v.ttl)
}

// GetOrCompute serves the cached view or computes, stores and returns a new
// one. Concurrent misses for the same case share one computation. Cache
// write failures do not fail the call.
func (v *EnrichedViews) GetOrCompute(ctx context.Context, caseID string, compute func() (*domain.EnrichedCase, error)) (*domain.EnrichedCase, error) {
	if ec, err := v.Get(ctx, caseID); err == nil && ec != nil {
		return ec, nil
	}

	res, err, _ := v.group.Do(caseID, func() (any, error) {
		ec, err := compute()
		if err != nil {
			return nil, err
		}
		_ = v.Put(ctx, ec)
		return ec, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*domain.EnrichedCase), nil
}

// Invalidate drops the cached view for caseID.
func (v *EnrichedViews) Invalidate(ctx context.Context, caseID string) error {
	return v.cache.Delete(ctx, enrichedKey(caseID))
}

// Stats returns hit and miss counts since creation.
func (v *EnrichedViews) Stats() (hits, misses int64) {
	return v.hits.Load(), v.misses.Load()
}
