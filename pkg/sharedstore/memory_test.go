package sharedstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryStore_ConcurrentSetNXHasOneWinner(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := store.SetNX(ctx, "webhook:sales:evt_1", "worker", time.Minute)
			if err != nil {
				t.Errorf("SetNX returned error: %v", err)
				return
			}
			if created {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestMemoryStore_ExpiryFollowsClock(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(clock.Now)
	ctx := context.Background()

	if created, _ := store.SetNX(ctx, "k", "v", time.Minute); !created {
		t.Fatalf("expected first SetNX to succeed")
	}
	clock.Advance(59 * time.Second)
	if created, _ := store.SetNX(ctx, "k", "v", time.Minute); created {
		t.Fatalf("expected key to still be held before ttl")
	}
	clock.Advance(time.Second)
	if created, _ := store.SetNX(ctx, "k", "v", time.Minute); !created {
		t.Fatalf("expected key to be free at ttl")
	}
}

func TestMemoryStore_UnhealthyReturnsErrUnavailable(t *testing.T) {
	store := NewMemoryStore(nil)
	store.SetHealthy(false)

	if _, err := store.SetNX(context.Background(), "k", "v", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := store.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from Ping, got %v", err)
	}
}
