package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps every transport-level store failure so callers can
// apply their fail-open/fail-closed policy with errors.Is.
var ErrUnavailable = errors.New("store unavailable")

// Absent is the expected-value marker for CompareAndSet / CompareAndDelete
// meaning "the key must not exist". Stored values are always non-empty JSON,
// so the empty string is free to carry this meaning.
const Absent = ""

// AtomicStore is the shared key-value store all admission components
// coordinate through. Every method is atomic at single-key granularity,
// which is what lets the gateway run as multiple instances without any
// in-process locking between them.
type AtomicStore interface {
	// IncrWithTTL increments the integer counter at key and returns the new
	// value. The TTL is applied only when the increment creates the key, so
	// repeated increments never push the expiry forward. ttl <= 0 means no
	// expiry.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// CompareAndSet writes value iff the current value equals expected
	// (or the key is absent when expected == Absent). Returns false, nil
	// when the comparison fails.
	CompareAndSet(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key iff its current value equals expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value unconditionally. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Keys returns all keys with the given prefix. Read-only; used by the
	// serving path (notification listing), never by an admission decision.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping is used by the health endpoint to validate store connectivity.
	Ping(ctx context.Context) error
}
