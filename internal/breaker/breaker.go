// Package breaker guards the broker connection with a three-state circuit
// breaker whose state lives in the shared atomic store. Keeping the state
// out of process memory means every gateway instance sees the same circuit,
// and the half-open probe is granted to exactly one caller fleet-wide.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haneefojay/api-gateway-service/internal/store"
)

// ErrOpen is returned by Permit while the circuit is short-circuiting.
// Callers must respond immediately instead of attempting the downstream
// call and waiting for its timeout.
var ErrOpen = errors.New("breaker: circuit open")

// State is the circuit's externally visible condition.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Stored state values carry the transition timestamp so any instance can
// compute cooldown eligibility: "open:<unixnano>" / "half_open:<unixnano>".
// Closed is represented by an absent key or the literal "closed".
const (
	stateClosedValue    = "closed"
	stateOpenPrefix     = "open:"
	stateHalfOpenPrefix = "half_open:"
)

// Breaker coordinates through two store keys: the state value and a
// consecutive-failure counter.
type Breaker struct {
	store     store.AtomicStore
	stateKey  string
	countKey  string
	threshold int64
	cooldown  time.Duration
	now       func() time.Time
}

// New builds a breaker for the named downstream resource.
func New(st store.AtomicStore, name string, threshold int64, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Breaker{
		store:     st,
		stateKey:  "circuit:" + name + ":state",
		countKey:  "circuit:" + name + ":failures",
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Permit reports whether a downstream attempt may proceed. It must be
// called before every attempt, and every permitted attempt must be
// followed by exactly one RecordOutcome.
//
// The OPEN→HALF_OPEN admission is a compare-and-set on the stored state,
// so under concurrent contention exactly one caller becomes the probe;
// everyone else gets ErrOpen.
func (b *Breaker) Permit(ctx context.Context) error {
	raw, found, err := b.store.Get(ctx, b.stateKey)
	if err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	if !found || raw == stateClosedValue {
		return nil
	}

	now := b.now()
	switch {
	case strings.HasPrefix(raw, stateOpenPrefix):
		openedAt, ok := parseTransition(raw, stateOpenPrefix)
		if !ok || now.Sub(openedAt) < b.cooldown {
			return ErrOpen
		}
		// Cooldown elapsed: try to become the probe.
		probe := stateHalfOpenPrefix + strconv.FormatInt(now.UnixNano(), 10)
		won, err := b.store.CompareAndSet(ctx, b.stateKey, raw, probe, 0)
		if err != nil {
			return fmt.Errorf("breaker: %w", err)
		}
		if !won {
			return ErrOpen
		}
		return nil

	case strings.HasPrefix(raw, stateHalfOpenPrefix):
		// A probe is in flight. If its owner died without recording an
		// outcome, the record goes stale after one cooldown and the next
		// caller may take over the probe.
		enteredAt, ok := parseTransition(raw, stateHalfOpenPrefix)
		if ok && now.Sub(enteredAt) >= b.cooldown {
			probe := stateHalfOpenPrefix + strconv.FormatInt(now.UnixNano(), 10)
			won, err := b.store.CompareAndSet(ctx, b.stateKey, raw, probe, 0)
			if err != nil {
				return fmt.Errorf("breaker: %w", err)
			}
			if won {
				return nil
			}
		}
		return ErrOpen

	default:
		// Unknown value; treat as closed rather than wedge all traffic.
		return nil
	}
}

// RecordOutcome feeds the result of a permitted attempt back into the
// circuit. Only downstream failures belong here; the caller must not
// report its own validation errors.
func (b *Breaker) RecordOutcome(ctx context.Context, success bool) error {
	raw, found, err := b.store.Get(ctx, b.stateKey)
	if err != nil {
		return fmt.Errorf("breaker: %w", err)
	}

	now := b.now()
	if found && strings.HasPrefix(raw, stateHalfOpenPrefix) {
		if success {
			// Probe succeeded: close and reset the counter.
			if _, err := b.store.CompareAndSet(ctx, b.stateKey, raw, stateClosedValue, 0); err != nil {
				return fmt.Errorf("breaker: %w", err)
			}
			return b.resetFailures(ctx)
		}
		// Probe failed: reopen and restart the cooldown.
		reopened := stateOpenPrefix + strconv.FormatInt(now.UnixNano(), 10)
		if _, err := b.store.CompareAndSet(ctx, b.stateKey, raw, reopened, 0); err != nil {
			return fmt.Errorf("breaker: %w", err)
		}
		return nil
	}

	if found && strings.HasPrefix(raw, stateOpenPrefix) {
		// A straggler from before the circuit opened; its outcome is moot.
		return nil
	}

	if success {
		return b.resetFailures(ctx)
	}

	failures, err := b.store.IncrWithTTL(ctx, b.countKey, 0)
	if err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	if failures >= b.threshold {
		expected := store.Absent
		if found {
			expected = raw
		}
		opened := stateOpenPrefix + strconv.FormatInt(now.UnixNano(), 10)
		// Losing this CAS means a concurrent failure already opened the
		// circuit, which is the outcome we wanted anyway.
		if _, err := b.store.CompareAndSet(ctx, b.stateKey, expected, opened, 0); err != nil {
			return fmt.Errorf("breaker: %w", err)
		}
	}
	return nil
}

// State reports the current circuit state for health and introspection.
func (b *Breaker) State(ctx context.Context) (State, error) {
	raw, found, err := b.store.Get(ctx, b.stateKey)
	if err != nil {
		return "", fmt.Errorf("breaker: %w", err)
	}
	switch {
	case !found || raw == stateClosedValue:
		return StateClosed, nil
	case strings.HasPrefix(raw, stateOpenPrefix):
		return StateOpen, nil
	case strings.HasPrefix(raw, stateHalfOpenPrefix):
		return StateHalfOpen, nil
	default:
		return StateClosed, nil
	}
}

func (b *Breaker) resetFailures(ctx context.Context) error {
	if err := b.store.Set(ctx, b.countKey, "0", 0); err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	return nil
}

func parseTransition(raw, prefix string) (time.Time, bool) {
	nanos, err := strconv.ParseInt(strings.TrimPrefix(raw, prefix), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}
