// Package ratelimit admits or rejects requests against a per-identity
// budget over a fixed time window, counted in the shared atomic store so
// all gateway instances see the same totals.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/haneefojay/api-gateway-service/internal/store"
)

// ErrInvalidIdentity indicates an empty rate-limit identity. This is a
// caller bug, not a store problem.
var ErrInvalidIdentity = errors.New("ratelimit: identity required")

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// Remaining requests in the current window (0 when rejected).
	Remaining int64
	// RetryAfter is set on rejection: time until the window rolls over.
	RetryAfter time.Duration
}

// Limiter counts requests per (identity, window) with a single atomic
// increment. The TTL on the window key equals the window size and is set
// only when the key is created, so the counter expires exactly one window
// after its first request.
type Limiter struct {
	store    store.AtomicStore
	limit    int64
	window   time.Duration
	failOpen bool
	// fallback caps what this one instance admits while the store is
	// unreachable in fail-open mode. Without it a store outage would turn
	// fail-open into "no limit at all".
	fallback *rate.Limiter
	now      func() time.Time
}

// New builds a limiter. failOpen selects the store-outage policy:
// false rejects (protects downstream), true admits through a local
// token bucket sized to the configured budget.
func New(st store.AtomicStore, limit int64, window time.Duration, failOpen bool) *Limiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	burst := int(limit / 10)
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		store:    st,
		limit:    limit,
		window:   window,
		failOpen: failOpen,
		fallback: rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), burst),
		now:      time.Now,
	}
}

// Allow checks the identity's budget for the current window. The request
// exactly at the limit passes; the (limit+1)-th is rejected.
//
// On store failure the configured policy applies: fail-closed returns a
// rejecting decision plus the store error (callers surface 503, not 429);
// fail-open decides locally and returns no error.
func (l *Limiter) Allow(ctx context.Context, identity string) (Decision, error) {
	if identity == "" {
		return Decision{}, ErrInvalidIdentity
	}

	now := l.now()
	windowIndex := now.Unix() / int64(l.window.Seconds())
	key := fmt.Sprintf("rate_limit:%s:%d", identity, windowIndex)

	count, err := l.store.IncrWithTTL(ctx, key, l.window)
	if err != nil {
		if l.failOpen {
			return Decision{Allowed: l.fallback.Allow(), RetryAfter: time.Second}, nil
		}
		return Decision{Allowed: false, RetryAfter: l.window}, fmt.Errorf("ratelimit: %w", err)
	}

	if count > l.limit {
		windowEnd := time.Unix((windowIndex+1)*int64(l.window.Seconds()), 0)
		retryAfter := windowEnd.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	return Decision{Allowed: true, Remaining: l.limit - count}, nil
}

// Limit reports the configured per-window budget.
func (l *Limiter) Limit() int64 { return l.limit }

// Window reports the configured window size.
func (l *Limiter) Window() time.Duration { return l.window }
