package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const staleAfter = 10 * time.Minute

type localEntry struct {
	limiter  *rate.Limiter
	policy   Policy
	lastSeen time.Time
}

// Local keeps buckets in process memory. Stale keys are dropped on access.
type Local struct {
	mu        sync.Mutex
	entries   map[string]*localEntry
	now       func() time.Time
	lastSweep time.Time
}

func NewLocal() *Local {
	return &Local{
		entries: make(map[string]*localEntry),
		now:     time.Now,
	}
}

func (l *Local) Allow(_ context.Context, key string, policy Policy) (Result, error) {
	if key == "" {
		return Result{}, ErrEmptyKey
	}
	if !policy.valid() {
		policy = PerMinute(policy.Burst)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	entry, ok := l.entries[key]
	if !ok || entry.policy != policy {
		entry = &localEntry{limiter: rate.NewLimiter(rate.Limit(policy.Rate), policy.Burst), policy: policy}
		l.entries[key] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return Result{Allowed: false, RetryAfter: delay}, nil
	}
	return Result{Allowed: true, Remaining: int(entry.limiter.TokensAt(now))}, nil
}

func (l *Local) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for key, entry := range l.entries {
		if now.Sub(entry.lastSeen) > staleAfter {
			delete(l.entries, key)
		}
	}
}
