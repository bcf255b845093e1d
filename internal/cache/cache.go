package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
)

type entry struct {
	view    models.StatusView
	expires time.Time
}

// StatusCache holds public status views for a short time. Writers invalidate
// the entry for every order they change. Every invalidation advances the
// epoch, and readers that loaded a view under an older epoch must not cache it.
type StatusCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	epoch   uint64
	ttl     time.Duration
	now     func() time.Time
}

func NewStatusCache(ttl time.Duration) *StatusCache {
	return &StatusCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *StatusCache) Get(id string) (models.StatusView, bool) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expires) {
		return models.StatusView{}, false
	}
	return e.view, true
}

func (c *StatusCache) Set(view models.StatusView) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[view.ID] = entry{view: view, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Epoch returns the current invalidation epoch. Take it before reading the
// order from the store and pass it to SetIfCurrent.
func (c *StatusCache) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// SetIfCurrent stores view only when no invalidation happened since epoch was
// taken. It reports whether the view was stored.
func (c *StatusCache) SetIfCurrent(view models.StatusView, epoch uint64) bool {
	if c.ttl <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	c.entries[view.ID] = entry{view: view, expires: c.now().Add(c.ttl)}
	return true
}

func (c *StatusCache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.epoch++
	c.mu.Unlock()
}

func (c *StatusCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *StatusCache) evict() {
	now := c.now()
	c.mu.Lock()
	for id, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
}

// StartEviction drops expired entries every interval until ctx is done.
func (c *StatusCache) StartEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evict()
		case <-ctx.Done():
			return
		}
	}
}
