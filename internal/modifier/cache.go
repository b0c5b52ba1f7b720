package modifier

import (
	"context"
	"sync"
	"time"

	"empirecore/pkg/domain"
)

// cacheKey identifies one aggregation result.
type cacheKey struct {
	subject   string
	target    domain.ModifierTarget
	subTarget domain.ResourceType // zero value when the query has none
	hasSub    bool
}

type cacheEntry struct {
	value float64
	// validUntil is the earliest contributing expiry; zero means the entry
	// never self-invalidates.
	validUntil time.Time
}

// Cache memoizes effective multipliers per (subject, target, sub-target).
// It is a read-path optimization only; correctness-critical writes must go
// through Compute directly or tolerate a stale read until Invalidate runs.
type Cache struct {
	store domain.ModifierStore
	clamp ClampPolicy
	nowFn func() time.Time

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

// NewCache builds a cache over the given store. nowFn may be nil, in which
// case time.Now is used.
func NewCache(store domain.ModifierStore, clamp ClampPolicy, nowFn func() time.Time) *Cache {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Cache{
		store:   store,
		clamp:   clamp,
		nowFn:   nowFn,
		entries: map[cacheKey]cacheEntry{},
	}
}

// GetOrCompute returns the cached multiplier when the entry is still inside
// its validity horizon, otherwise recomputes from the store and caches the
// result.
func (c *Cache) GetOrCompute(ctx context.Context, subject string, target domain.ModifierTarget, subTarget *domain.ResourceType) (float64, error) {
	key := cacheKey{subject: subject, target: target}
	if subTarget != nil {
		key.subTarget = *subTarget
		key.hasSub = true
	}
	now := c.nowFn()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && (entry.validUntil.IsZero() || now.Before(entry.validUntil)) {
		return entry.value, nil
	}

	active, err := c.store.ListActiveModifiers(ctx, subject)
	if err != nil {
		return 0, err
	}
	defs, err := c.definitions(ctx, active)
	if err != nil {
		return 0, err
	}
	value, err := Compute(target, subTarget, active, defs, now, c.clamp)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, validUntil: EarliestExpiry(active, now)}
	c.mu.Unlock()
	return value, nil
}

// Invalidate drops every cached entry for the subject. Call it after any
// active-modifier write for that subject.
func (c *Cache) Invalidate(subject string) {
	c.mu.Lock()
	for key := range c.entries {
		if key.subject == subject {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

func (c *Cache) definitions(ctx context.Context, active []domain.ActiveModifier) (map[string]domain.ModifierDefinition, error) {
	defs := make(map[string]domain.ModifierDefinition, len(active))
	for _, mod := range active {
		if _, ok := defs[mod.ModifierID]; ok {
			continue
		}
		def, err := c.store.GetDefinition(ctx, mod.ModifierID)
		if err != nil {
			return nil, err
		}
		defs[mod.ModifierID] = def
	}
	return defs, nil
}
