// Package ledger tracks each accepted notification's lifecycle in the
// shared store. Status only ever moves forward: pending → queued →
// sent|failed. Out-of-order updates are rejected, never silently applied.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/haneefojay/api-gateway-service/internal/store"
)

// Status is a notification's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusQueued  Status = "queued"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

var (
	// ErrNotFound indicates no record exists for the id.
	ErrNotFound = errors.New("ledger: notification not found")
	// ErrInvalidTransition indicates an out-of-order status update. The
	// stored record is left unchanged.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
)

// validNext enumerates the legal forward moves. pending → failed covers a
// publish that never reached the broker. sent and failed are terminal.
var validNext = map[Status][]Status{
	StatusPending: {StatusQueued, StatusFailed},
	StatusQueued:  {StatusSent, StatusFailed},
}

// Record is the stored notification state.
type Record struct {
	NotificationID string    `json:"notification_id"`
	UserID         string    `json:"user_id"`
	Type           string    `json:"notification_type"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Error          string    `json:"error,omitempty"`
}

const keyPrefix = "notification:status:"

// Ledger reads and writes notification records.
type Ledger struct {
	store store.AtomicStore
	ttl   time.Duration // record retention, default 7 days
	now   func() time.Time
}

// New builds a ledger.
func New(st store.AtomicStore, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Ledger{store: st, ttl: ttl, now: time.Now}
}

// Create records a new notification in pending state and returns it with
// a generated id.
func (l *Ledger) Create(ctx context.Context, userID, notificationType string) (Record, error) {
	now := l.now().UTC()
	rec := Record{
		NotificationID: uuid.New().String(),
		UserID:         userID,
		Type:           notificationType,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("ledger: marshal: %w", err)
	}
	if err := l.store.Set(ctx, keyPrefix+rec.NotificationID, string(raw), l.ttl); err != nil {
		return Record{}, fmt.Errorf("ledger: %w", err)
	}
	return rec, nil
}

// Transition moves the record to next, enforcing the monotonic order.
// The write is a compare-and-set against the bytes that were read, so two
// racing updaters cannot lose each other's writes; on contention the loop
// re-reads and re-validates.
func (l *Ledger) Transition(ctx context.Context, id string, next Status, errMsg string) (Record, error) {
	key := keyPrefix + id
	for attempt := 0; attempt < 3; attempt++ {
		raw, found, err := l.store.Get(ctx, key)
		if err != nil {
			return Record{}, fmt.Errorf("ledger: %w", err)
		}
		if !found {
			return Record{}, ErrNotFound
		}

		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return Record{}, fmt.Errorf("ledger: corrupt record %q: %w", id, err)
		}

		if !allowed(rec.Status, next) {
			return Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, next)
		}

		rec.Status = next
		rec.UpdatedAt = l.now().UTC()
		rec.Error = errMsg

		newRaw, err := json.Marshal(rec)
		if err != nil {
			return Record{}, fmt.Errorf("ledger: marshal: %w", err)
		}
		ok, err := l.store.CompareAndSet(ctx, key, raw, string(newRaw), l.ttl)
		if err != nil {
			return Record{}, fmt.Errorf("ledger: %w", err)
		}
		if ok {
			return rec, nil
		}
		// Lost the race; re-read and re-validate against the newer state.
	}
	return Record{}, fmt.Errorf("ledger: transition contention on %q: %w", id, store.ErrUnavailable)
}

// Get returns the current record straight from the store, so a read that
// follows a committed transition always observes it.
func (l *Ledger) Get(ctx context.Context, id string) (Record, error) {
	raw, found, err := l.store.Get(ctx, keyPrefix+id)
	if err != nil {
		return Record{}, fmt.Errorf("ledger: %w", err)
	}
	if !found {
		return Record{}, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("ledger: corrupt record %q: %w", id, err)
	}
	return rec, nil
}

// List returns the user's notifications, newest first, paginated.
// Serving path only; records are few because they expire with the TTL.
func (l *Ledger) List(ctx context.Context, userID string, page, limit int) ([]Record, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	keys, err := l.store.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, 0, fmt.Errorf("ledger: %w", err)
	}

	var records []Record
	for _, key := range keys {
		raw, found, err := l.store.Get(ctx, key)
		if err != nil {
			return nil, 0, fmt.Errorf("ledger: %w", err)
		}
		if !found {
			continue // expired between scan and read
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue // skip corrupt entries on the read path
		}
		if rec.UserID == userID {
			records = append(records, rec)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	total := len(records)
	start := (page - 1) * limit
	if start >= total {
		return []Record{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return records[start:end], total, nil
}

func allowed(from, to Status) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}
