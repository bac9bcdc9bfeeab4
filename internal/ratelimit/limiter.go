// Package ratelimit bounds initiation requests per client with a fixed
// window counter. Counters are best effort: the memory backend is local to
// one instance, the redis backend is shared between instances.
package ratelimit

import (
	"context"
	"time"
)

type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

func decide(count int64, limit int, resetAt time.Time) Decision {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
