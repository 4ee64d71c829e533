// Package catalog caches provider model listings.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"aigroup/internal/models"
)

// Fetcher loads the model list of one provider.
type Fetcher func(ctx context.Context, providerKey string) ([]models.Model, error)

type entry struct {
	models    []models.Model
	fetchedAt time.Time
}

// Cache keeps one entry per provider and reloads it when it is stale or empty.
// Concurrent reloads of the same provider share a single fetch.
type Cache struct {
	fetch Fetcher
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
}

// New creates a cache. A zero ttl reloads on every call.
func New(fetch Fetcher, ttl time.Duration) *Cache {
	return &Cache{
		fetch:   fetch,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

func (c *Cache) fresh(providerKey string) ([]models.Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[providerKey]
	if !ok || len(e.models) == 0 || c.now().Sub(e.fetchedAt) >= c.ttl {
		return nil, false
	}
	return e.models, true
}

// Models returns the cached list, reloading it first when needed.
func (c *Cache) Models(ctx context.Context, providerKey string) ([]models.Model, error) {
	if list, ok := c.fresh(providerKey); ok {
		return list, nil
	}
	return c.reload(ctx, providerKey)
}

func (c *Cache) reload(ctx context.Context, providerKey string) ([]models.Model, error) {
	v, err, _ := c.group.Do(providerKey, func() (any, error) {
		list, err := c.fetch(ctx, providerKey)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[providerKey] = entry{models: list, fetchedAt: c.now()}
		c.mu.Unlock()
		return list, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s catalog: %w", providerKey, err)
	}
	return v.([]models.Model), nil
}

// Invalidate drops the entry of one provider.
func (c *Cache) Invalidate(providerKey string) {
	c.mu.Lock()
	delete(c.entries, providerKey)
	c.mu.Unlock()
}

// Refresh reloads every given provider. Failures are logged and leave the
// previous entry in place.
func (c *Cache) Refresh(ctx context.Context, providerKeys []string) {
	for _, key := range providerKeys {
		if _, err := c.reload(ctx, key); err != nil {
			slog.WarnContext(ctx, "catalog refresh failed", "provider", key, "error", err)
			continue
		}
		slog.DebugContext(ctx, "catalog refreshed", "provider", key)
	}
}

// Schedule runs Refresh on a cron spec until ctx is done. The returned cron is
// already started.
func (c *Cache) Schedule(ctx context.Context, spec string, providerKeys func() []string) (*cron.Cron, error) {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(spec, func() {
		c.Refresh(ctx, providerKeys())
	}); err != nil {
		return nil, fmt.Errorf("schedule catalog refresh %q: %w", spec, err)
	}
	scheduler.Start()

	go func() {
		<-ctx.Done()
		<-scheduler.Stop().Done()
	}()
	return scheduler, nil
}
