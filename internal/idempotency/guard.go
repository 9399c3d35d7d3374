// Package idempotency gives the gateway exactly-once acceptance semantics
// for requests carrying a client-supplied idempotency key. The first
// request claims the key with an atomic create, finishes its work, then
// commits the response; retries replay the committed response instead of
// re-executing side effects.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haneefojay/api-gateway-service/internal/store"
)

// ErrConflict means an identical request is currently in flight: the key
// holds a live IN_PROGRESS record owned by another caller. Retryable.
var ErrConflict = errors.New("idempotency: request already in flight")

const (
	statusInProgress = "in_progress"
	statusCompleted  = "completed"
)

// record is the stored shape for both lifecycle phases. Marshaling is
// deterministic (struct field order), which matters because ownership is
// tracked by comparing exact stored bytes in CAS operations.
type record struct {
	Status    string `json:"status"`
	Owner     string `json:"owner,omitempty"`
	CreatedAt int64  `json:"created_at"`
	Result    string `json:"result,omitempty"`
}

// Ticket proves ownership of an IN_PROGRESS record. Complete and Release
// compare against the exact bytes written at Begin, so a ticket whose
// record was reclaimed (staleness recovery) silently loses.
type Ticket struct {
	key string
	raw string
}

// Guard manages idempotency records in the shared store.
type Guard struct {
	store     store.AtomicStore
	ttl       time.Duration // completed-record retention, default 24h
	staleness time.Duration // in-progress abandonment threshold, default 30s
	now       func() time.Time
}

// New builds a guard. ttl bounds how long a completed result replays;
// staleness is the crash-recovery valve for abandoned IN_PROGRESS records.
func New(st store.AtomicStore, ttl, staleness time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if staleness <= 0 {
		staleness = 30 * time.Second
	}
	return &Guard{store: st, ttl: ttl, staleness: staleness, now: time.Now}
}

// Begin claims the key. Outcomes:
//   - (ticket, "", nil): first sight, caller proceeds and must end with
//     Complete or Release.
//   - (nil, result, nil): a completed record exists, replay the result.
//   - (nil, "", ErrConflict): a live IN_PROGRESS record exists.
//
// An IN_PROGRESS record older than the staleness threshold is treated as
// abandoned and re-acquired with a fresh owner.
func (g *Guard) Begin(ctx context.Context, key string) (*Ticket, string, error) {
	storeKey := "idempotent:" + key
	fresh := record{
		Status:    statusInProgress,
		Owner:     uuid.New().String(),
		CreatedAt: g.now().UnixNano(),
	}
	freshRaw := mustMarshal(fresh)

	created, err := g.store.CompareAndSet(ctx, storeKey, store.Absent, freshRaw, g.ttl)
	if err != nil {
		return nil, "", fmt.Errorf("idempotency: %w", err)
	}
	if created {
		return &Ticket{key: storeKey, raw: freshRaw}, "", nil
	}

	raw, found, err := g.store.Get(ctx, storeKey)
	if err != nil {
		return nil, "", fmt.Errorf("idempotency: %w", err)
	}
	if !found {
		// Expired between the CAS and the read; a retry will claim it.
		return nil, "", ErrConflict
	}

	var existing record
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return nil, "", fmt.Errorf("idempotency: corrupt record for %q: %w", key, err)
	}

	if existing.Status == statusCompleted {
		return nil, existing.Result, nil
	}

	age := g.now().Sub(time.Unix(0, existing.CreatedAt))
	if age < g.staleness {
		return nil, "", ErrConflict
	}

	// Abandoned: take over, but only if nobody beat us to it.
	taken, err := g.store.CompareAndSet(ctx, storeKey, raw, freshRaw, g.ttl)
	if err != nil {
		return nil, "", fmt.Errorf("idempotency: %w", err)
	}
	if !taken {
		return nil, "", ErrConflict
	}
	return &Ticket{key: storeKey, raw: freshRaw}, "", nil
}

// Complete commits the result against the ticket's IN_PROGRESS record.
// If the record was reclaimed in the meantime the commit is dropped: the
// key now belongs to the new owner.
func (g *Guard) Complete(ctx context.Context, t *Ticket, result string) error {
	completed := record{
		Status:    statusCompleted,
		CreatedAt: g.now().UnixNano(),
		Result:    result,
	}
	if _, err := g.store.CompareAndSet(ctx, t.key, t.raw, mustMarshal(completed), g.ttl); err != nil {
		return fmt.Errorf("idempotency: %w", err)
	}
	return nil
}

// Release rolls back a Begin whose operation never ran (for example the
// circuit breaker rejected it), freeing the key for an immediate retry.
func (g *Guard) Release(ctx context.Context, t *Ticket) error {
	if _, err := g.store.CompareAndDelete(ctx, t.key, t.raw); err != nil {
		return fmt.Errorf("idempotency: %w", err)
	}
	return nil
}

func mustMarshal(r record) string {
	b, err := json.Marshal(r)
	if err != nil {
		// record contains only strings and ints; this cannot fail.
		panic(err)
	}
	return string(b)
}
