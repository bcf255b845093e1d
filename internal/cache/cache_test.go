package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
)

func TestStatusCache(t *testing.T) {
	now := time.Now()
	c := NewStatusCache(time.Minute)
	c.now = func() time.Time { return now }

	_, ok := c.Get("o-1")
	assert.False(t, ok)

	c.Set(models.StatusView{ID: "o-1", Status: models.StatusConfirmed})
	v, ok := c.Get("o-1")
	assert.True(t, ok)
	assert.Equal(t, models.StatusConfirmed, v.Status)

	c.Invalidate("o-1")
	_, ok = c.Get("o-1")
	assert.False(t, ok)

	c.Set(models.StatusView{ID: "o-2"})
	now = now.Add(2 * time.Minute)
	_, ok = c.Get("o-2")
	assert.False(t, ok, "expired entries are not served")

	c.evict()
	assert.Equal(t, 0, c.Len())
}

func TestSetIfCurrentSkipsViewsReadBeforeInvalidate(t *testing.T) {
	c := NewStatusCache(time.Minute)

	epoch := c.Epoch()
	// a writer changes the order while the reader is still loading it
	c.Invalidate("o-1")
	assert.False(t, c.SetIfCurrent(models.StatusView{ID: "o-1", Status: models.StatusCreated}, epoch))
	_, ok := c.Get("o-1")
	assert.False(t, ok, "stale view must not be cached")

	epoch = c.Epoch()
	assert.True(t, c.SetIfCurrent(models.StatusView{ID: "o-1", Status: models.StatusCancelled}, epoch))
	v, ok := c.Get("o-1")
	assert.True(t, ok)
	assert.Equal(t, models.StatusCancelled, v.Status)
}

func TestZeroTTLDisablesCache(t *testing.T) {
	c := NewStatusCache(0)
	c.Set(models.StatusView{ID: "o-1"})
	assert.Equal(t, 0, c.Len())
}

func TestStartEvictionStops(t *testing.T) {
	c := NewStatusCache(time.Millisecond)
	c.Set(models.StatusView{ID: "o-1"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.StartEviction(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
