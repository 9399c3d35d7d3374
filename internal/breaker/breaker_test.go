package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haneefojay/api-gateway-service/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(threshold int64, cooldown time.Duration) (*Breaker, *testClock) {
	clock := &testClock{t: time.Unix(1700000000, 0)}
	b := New(store.NewMemoryStore(clock.Now), "broker", threshold, cooldown)
	b.now = clock.Now
	return b, clock
}

func recordFailures(t *testing.T, b *Breaker, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if err := b.Permit(ctx); err != nil {
			t.Fatalf("permit before failure %d: %v", i+1, err)
		}
		if err := b.RecordOutcome(ctx, false); err != nil {
			t.Fatalf("record failure %d: %v", i+1, err)
		}
	}
}

func TestOpensAtExactlyThresholdFailures(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)
	ctx := context.Background()

	recordFailures(t, b, 4)
	if s, _ := b.State(ctx); s != StateClosed {
		t.Fatalf("state after 4 failures = %v, want closed", s)
	}

	recordFailures(t, b, 1)
	if s, _ := b.State(ctx); s != StateOpen {
		t.Fatalf("state after 5 failures = %v, want open", s)
	}
	if err := b.Permit(ctx); !errors.Is(err, ErrOpen) {
		t.Fatalf("permit while open = %v, want ErrOpen", err)
	}
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	recordFailures(t, b, 2)
	_ = b.Permit(ctx)
	_ = b.RecordOutcome(ctx, true)
	recordFailures(t, b, 2)

	// 2 failures, success, 2 failures: never 3 consecutive.
	if s, _ := b.State(ctx); s != StateClosed {
		t.Fatalf("state = %v, want closed", s)
	}
}

func TestRejectsUntilCooldownThenAdmitsProbe(t *testing.T) {
	b, clock := newTestBreaker(5, time.Minute)
	ctx := context.Background()

	recordFailures(t, b, 5)

	clock.Advance(10 * time.Second)
	if err := b.Permit(ctx); !errors.Is(err, ErrOpen) {
		t.Fatalf("permit at 10s of 60s cooldown = %v, want ErrOpen", err)
	}

	clock.Advance(51 * time.Second)
	if err := b.Permit(ctx); err != nil {
		t.Fatalf("permit after cooldown = %v, want probe admitted", err)
	}
	if s, _ := b.State(ctx); s != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", s)
	}
}

func TestHalfOpenProbeOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("success closes", func(t *testing.T) {
		b, clock := newTestBreaker(5, time.Minute)
		recordFailures(t, b, 5)
		clock.Advance(time.Minute)
		if err := b.Permit(ctx); err != nil {
			t.Fatal(err)
		}
		_ = b.RecordOutcome(ctx, true)
		if s, _ := b.State(ctx); s != StateClosed {
			t.Fatalf("state = %v, want closed", s)
		}
		// Counter was reset with the close: it takes a full threshold of
		// new failures to open again.
		recordFailures(t, b, 4)
		if s, _ := b.State(ctx); s != StateClosed {
			t.Fatalf("state after 4 post-recovery failures = %v, want closed", s)
		}
	})

	t.Run("failure reopens and restarts cooldown", func(t *testing.T) {
		b, clock := newTestBreaker(5, time.Minute)
		recordFailures(t, b, 5)
		clock.Advance(time.Minute)
		if err := b.Permit(ctx); err != nil {
			t.Fatal(err)
		}
		_ = b.RecordOutcome(ctx, false)
		if s, _ := b.State(ctx); s != StateOpen {
			t.Fatalf("state = %v, want open", s)
		}
		clock.Advance(30 * time.Second)
		if err := b.Permit(ctx); !errors.Is(err, ErrOpen) {
			t.Fatalf("permit 30s into restarted cooldown = %v, want ErrOpen", err)
		}
	})
}

// Exactly one caller may win the half-open probe under contention.
func TestHalfOpenSingleProbeUnderConcurrency(t *testing.T) {
	b, clock := newTestBreaker(5, time.Minute)
	ctx := context.Background()

	recordFailures(t, b, 5)
	clock.Advance(time.Minute)

	var permitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Permit(ctx); err == nil {
				permitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := permitted.Load(); got != 1 {
		t.Fatalf("%d probes permitted during half_open, want exactly 1", got)
	}
}

func TestStaleHalfOpenProbeIsReclaimable(t *testing.T) {
	b, clock := newTestBreaker(5, time.Minute)
	ctx := context.Background()

	recordFailures(t, b, 5)
	clock.Advance(time.Minute)
	if err := b.Permit(ctx); err != nil {
		t.Fatal(err)
	}
	// The probe owner never records an outcome (crashed). After another
	// cooldown the probe slot is reclaimable.
	clock.Advance(time.Minute)
	if err := b.Permit(ctx); err != nil {
		t.Fatalf("permit on stale probe = %v, want re-admission", err)
	}
}

func TestStoreOutagePropagates(t *testing.T) {
	clock := &testClock{t: time.Unix(1700000000, 0)}
	st := store.NewMemoryStore(clock.Now)
	b := New(st, "broker", 5, time.Minute)
	b.now = clock.Now

	st.SetAvailable(false)
	if err := b.Permit(context.Background()); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("permit err = %v, want store.ErrUnavailable", err)
	}
}
