package campaigns

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

type cacheEntry struct {
	campaign  Campaign
	missing   bool
	fetchedAt time.Time
}

// Cache fronts a Directory with a short TTL. When the upstream fails, stale
// entries are served instead; campaigns change rarely.
type Cache struct {
	upstream Directory
	ttl      time.Duration
	now      func() time.Time

	mu          sync.Mutex
	entries     map[string]cacheEntry
	active      []Campaign
	activeFetch time.Time
}

// CacheOption customises the cache.
type CacheOption func(*Cache)

// WithCacheClock overrides the clock (tests).
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache wraps upstream with the supplied TTL.
func NewCache(upstream Directory, ttl time.Duration, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	c := &Cache{
		upstream: upstream,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListActive refreshes the active list when stale and primes per-id entries.
func (c *Cache) ListActive(ctx context.Context) ([]Campaign, error) {
	c.mu.Lock()
	if c.active != nil && c.now().Sub(c.activeFetch) < c.ttl {
		out := append([]Campaign(nil), c.active...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	list, err := c.upstream.ListActive(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.active != nil {
			return append([]Campaign(nil), c.active...), nil
		}
		return nil, err
	}
	now := c.now()
	c.active = append([]Campaign(nil), list...)
	c.activeFetch = now
	for _, campaign := range list {
		c.entries[campaign.ID] = cacheEntry{campaign: campaign, fetchedAt: now}
	}
	return append([]Campaign(nil), list...), nil
}

// Get returns a campaign, consulting the upstream when the entry expired.
func (c *Cache) Get(ctx context.Context, id string) (Campaign, error) {
	key := strings.TrimSpace(id)
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		if entry.missing {
			return Campaign{}, ErrNotFound
		}
		return entry.campaign, nil
	}
	c.mu.Unlock()

	campaign, err := c.upstream.Get(ctx, key)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case errors.Is(err, ErrNotFound):
		c.entries[key] = cacheEntry{missing: true, fetchedAt: c.now()}
		return Campaign{}, ErrNotFound
	case err != nil:
		if ok && !entry.missing {
			return entry.campaign, nil
		}
		return Campaign{}, err
	}
	c.entries[key] = cacheEntry{campaign: campaign, fetchedAt: c.now()}
	return campaign, nil
}
