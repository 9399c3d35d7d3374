package idempotency

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

func newTestGuard() (*Guard, *testClock) {
	clock := &testClock{t: time.Unix(1700000000, 0)}
	g := New(store.NewMemoryStore(clock.Now), 24*time.Hour, 30*time.Second)
	g.now = clock.Now
	return g, clock
}

func TestBeginCompleteThenDuplicate(t *testing.T) {
	g, _ := newTestGuard()
	ctx := context.Background()

	ticket, _, err := g.Begin(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if ticket == nil {
		t.Fatal("first Begin did not return a ticket")
	}

	if err := g.Complete(ctx, ticket, `{"notification_id":"n-1"}`); err != nil {
		t.Fatal(err)
	}

	ticket2, result, err := g.Begin(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if ticket2 != nil {
		t.Fatal("retry of a completed key got a ticket")
	}
	if result != `{"notification_id":"n-1"}` {
		t.Fatalf("replayed result = %q", result)
	}
}

func TestInFlightDuplicateConflicts(t *testing.T) {
	g, _ := newTestGuard()
	ctx := context.Background()

	if _, _, err := g.Begin(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := g.Begin(ctx, "k1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second Begin = %v, want ErrConflict", err)
	}
}

func TestStaleInProgressIsReacquired(t *testing.T) {
	g, clock := newTestGuard()
	ctx := context.Background()

	if _, _, err := g.Begin(ctx, "k1"); err != nil {
		t.Fatal(err)
	}

	clock.Advance(31 * time.Second)

	ticket, result, err := g.Begin(ctx, "k1")
	if err != nil {
		t.Fatalf("Begin on abandoned record = %v, want re-acquisition", err)
	}
	if ticket == nil || result != "" {
		t.Fatalf("ticket=%v result=%q, want fresh ticket", ticket, result)
	}
}

func TestReleaseFreesKeyImmediately(t *testing.T) {
	g, _ := newTestGuard()
	ctx := context.Background()

	ticket, _, err := g.Begin(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Release(ctx, ticket); err != nil {
		t.Fatal(err)
	}

	// No staleness wait needed after a rollback.
	if ticket, _, err = g.Begin(ctx, "k1"); err != nil || ticket == nil {
		t.Fatalf("Begin after Release: ticket=%v err=%v", ticket, err)
	}
}

func TestStaleCompleteLosesToNewOwner(t *testing.T) {
	g, clock := newTestGuard()
	ctx := context.Background()

	old, _, err := g.Begin(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(31 * time.Second)
	fresh, _, err := g.Begin(ctx, "k1")
	if err != nil || fresh == nil {
		t.Fatalf("re-acquire: ticket=%v err=%v", fresh, err)
	}

	// The original owner wakes up and commits; its record is gone, so the
	// commit must not clobber the new owner's claim.
	if err := g.Complete(ctx, old, `{"stale":true}`); err != nil {
		t.Fatal(err)
	}
	if _, _, err := g.Begin(ctx, "k1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("Begin = %v, want ErrConflict (new owner still in flight)", err)
	}

	if err := g.Complete(ctx, fresh, `{"stale":false}`); err != nil {
		t.Fatal(err)
	}
	_, result, err := g.Begin(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if result != `{"stale":false}` {
		t.Fatalf("result = %q, want the new owner's commit", result)
	}
}

// Property: N concurrent Begins for one key yield exactly one ticket.
func TestConcurrentBeginsSingleWinner(t *testing.T) {
	g, _ := newTestGuard()
	ctx := context.Background()

	var winners atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, _, err := g.Begin(ctx, "contested")
			if err == nil && ticket != nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("%d Begins won, want exactly 1", got)
	}
}

func TestStoreOutagePropagates(t *testing.T) {
	st := store.NewMemoryStore(nil)
	g := New(st, 0, 0)
	st.SetAvailable(false)

	if _, _, err := g.Begin(context.Background(), "k1"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("Begin err = %v, want store.ErrUnavailable", err)
	}
}
