package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/transfa/payout-service/pkg/sharedstore"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestGuard(store sharedstore.Store) *Guard {
	return NewGuard(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGuard_ConcurrentAcquireHasExactlyOneWinner(t *testing.T) {
	store := sharedstore.NewMemoryStore(nil)
	ctx := context.Background()

	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guard := newTestGuard(store)
			ok, err := guard.Acquire(ctx, WebhookKey("sales", "evt_123"), time.Hour, FailClosed)
			if err != nil {
				t.Errorf("Acquire returned error: %v", err)
				return
			}
			if ok {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := acquired.Load(); got != 1 {
		t.Fatalf("expected exactly one acquirer, got %d", got)
	}
}

func TestGuard_ReleaseAllowsReacquire(t *testing.T) {
	store := sharedstore.NewMemoryStore(nil)
	guard := newTestGuard(store)
	ctx := context.Background()
	key := PayoutPeriodKey(time.Date(2026, 10, 15, 3, 0, 0, 0, time.UTC))

	if ok, _ := guard.Acquire(ctx, key, 24*time.Hour, FailClosed); !ok {
		t.Fatalf("expected first acquire to succeed")
	}
	if ok, _ := guard.Acquire(ctx, key, 24*time.Hour, FailClosed); ok {
		t.Fatalf("expected second acquire to be refused while held")
	}
	if err := guard.Release(ctx, key); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if ok, _ := guard.Acquire(ctx, key, 24*time.Hour, FailClosed); !ok {
		t.Fatalf("expected acquire after release to succeed")
	}
}

func TestGuard_ReacquireAfterTTL(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)}
	store := sharedstore.NewMemoryStore(clock.Now)
	guard := newTestGuard(store)
	ctx := context.Background()

	if ok, _ := guard.Acquire(ctx, "payout_creator:c1:2026-10-15", time.Hour, FailClosed); !ok {
		t.Fatalf("expected acquire to succeed")
	}
	clock.Advance(time.Hour)
	if ok, _ := guard.Acquire(ctx, "payout_creator:c1:2026-10-15", time.Hour, FailClosed); !ok {
		t.Fatalf("expected acquire after ttl to succeed")
	}
}

func TestGuard_StoreUnavailablePolicies(t *testing.T) {
	store := sharedstore.NewMemoryStore(nil)
	store.SetHealthy(false)
	guard := newTestGuard(store)
	ctx := context.Background()

	tests := []struct {
		name   string
		policy FailurePolicy
		want   bool
	}{
		{name: "fail open proceeds", policy: FailOpen, want: true},
		{name: "fail closed refuses", policy: FailClosed, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := guard.Acquire(ctx, "webhook:sales:evt_9", time.Minute, tt.policy)
			if ok != tt.want {
				t.Fatalf("expected acquired=%t, got %t", tt.want, ok)
			}
			if !errors.Is(err, sharedstore.ErrUnavailable) {
				t.Fatalf("expected ErrUnavailable alongside the decision, got %v", err)
			}
		})
	}
}

func TestGuard_WritesProcessMarker(t *testing.T) {
	store := sharedstore.NewMemoryStore(nil)
	guard := newTestGuard(store)

	if _, err := guard.Acquire(context.Background(), "k", time.Minute, FailClosed); err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	value, ok := store.Get("k")
	if !ok {
		t.Fatalf("expected lock value to be stored")
	}
	if value != guard.Marker() {
		t.Fatalf("expected marker %q, got %q", guard.Marker(), value)
	}
}

func TestGuard_EmptyKeyIsRejected(t *testing.T) {
	guard := newTestGuard(sharedstore.NewMemoryStore(nil))
	if _, err := guard.Acquire(context.Background(), "  ", time.Minute, FailOpen); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestKeys(t *testing.T) {
	date := time.Date(2026, 10, 15, 23, 30, 0, 0, time.FixedZone("WAT", 3600))

	tests := []struct {
		name string
		got  string
		want string
	}{
		{name: "webhook", got: WebhookKey(" Sales ", "evt_1"), want: "webhook:sales:evt_1"},
		{name: "period uses utc date", got: PayoutPeriodKey(date), want: "payout_period:2026-10-15"},
		{name: "creator", got: PayoutCreatorKey("c-9", date), want: "payout_creator:c-9:2026-10-15"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, tt.got)
			}
		})
	}
}
