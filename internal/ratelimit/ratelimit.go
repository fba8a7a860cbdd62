// Package ratelimit throttles unauthenticated endpoints per client.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var ErrEmptyKey = errors.New("rate_limit_key_empty")

// Policy is a token bucket: Rate tokens per second, at most Burst at once.
type Policy struct {
	Rate  float64
	Burst int
}

// PerMinute spreads n requests over a minute with a burst of n.
func PerMinute(n int) Policy {
	if n <= 0 {
		n = 1
	}
	return Policy{Rate: float64(n) / 60.0, Burst: n}
}

func (p Policy) valid() bool {
	return p.Rate > 0 && p.Burst > 0
}

type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string, policy Policy) (Result, error)
}
