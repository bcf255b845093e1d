package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

func allow() Decision { return Decision{Allowed: true} }

type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

type chain []Limiter

// Chain consults limiters in order and denies as soon as one of them does.
func Chain(limiters ...Limiter) Limiter {
	out := make(chain, 0, len(limiters))
	for _, l := range limiters {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (c chain) Allow(ctx context.Context, key string) Decision {
	for _, l := range c {
		if d := l.Allow(ctx, key); !d.Allowed {
			return d
		}
	}
	return allow()
}
