package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultMaxEntries = 10000

type record struct {
	count       int
	windowStart time.Time
}

// Local is a fixed-window counter kept in process memory. It is per instance,
// so on its own it only bounds a single replica.
type Local struct {
	mu         sync.Mutex
	records    map[string]*record
	window     time.Duration
	max        int
	maxEntries int
	now        func() time.Time
}

func NewLocal(window time.Duration, max int) *Local {
	return &Local{
		records:    make(map[string]*record),
		window:     window,
		max:        max,
		maxEntries: defaultMaxEntries,
		now:        time.Now,
	}
}

func (l *Local) Allow(_ context.Context, key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[key]
	if !ok || now.Sub(rec.windowStart) > l.window {
		if !ok && len(l.records) >= l.maxEntries {
			l.prune(now)
		}
		rec = &record{windowStart: now}
		l.records[key] = rec
	}
	if rec.count >= l.max {
		return Decision{RetryAfter: rec.windowStart.Add(l.window).Sub(now)}
	}
	rec.count++
	return allow()
}

// prune drops expired records. When every record is still inside its window
// the one with the oldest window is evicted so the map never exceeds maxEntries.
func (l *Local) prune(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, rec := range l.records {
		if now.Sub(rec.windowStart) > l.window {
			delete(l.records, k)
			continue
		}
		if oldestKey == "" || rec.windowStart.Before(oldest) {
			oldestKey, oldest = k, rec.windowStart
		}
	}
	if len(l.records) >= l.maxEntries && oldestKey != "" {
		delete(l.records, oldestKey)
	}
}

func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
