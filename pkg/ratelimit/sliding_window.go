package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payout-service/pkg/sharedstore"
)

// StoreWindow is the distributed sliding window. Every check prunes entries at or
// before now-window, records now (rejected calls included) and refreshes the TTL.
type StoreWindow struct {
	store sharedstore.Store
	now   func() time.Time
}

// NewStoreWindow creates a distributed window on store. A nil clock uses time.Now.
func NewStoreWindow(store sharedstore.Store, now func() time.Time) *StoreWindow {
	if now == nil {
		now = time.Now
	}
	return &StoreWindow{store: store, now: now}
}

// Check implements Strategy.
func (w *StoreWindow) Check(ctx context.Context, subject string, limit int, window time.Duration) (Decision, error) {
	now := w.now()
	member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()
	result, err := w.store.AddToWindow(ctx, subject, now, window, member)
	if err != nil {
		return Decision{}, err
	}
	return decide(result.Count, limit, result.Oldest, now, window), nil
}

// LocalWindow is the in-process sliding window used when the store is unreachable.
// One mutex guards the whole map.
type LocalWindow struct {
	mu      sync.Mutex
	windows map[string]*localEntry
	now     func() time.Time
}

type localEntry struct {
	stamps    []time.Time
	expiresAt time.Time
}

// NewLocalWindow creates an empty in-process window. A nil clock uses time.Now.
func NewLocalWindow(now func() time.Time) *LocalWindow {
	if now == nil {
		now = time.Now
	}
	return &LocalWindow{
		windows: make(map[string]*localEntry),
		now:     now,
	}
}

// Check implements Strategy.
func (w *LocalWindow) Check(_ context.Context, subject string, limit int, window time.Duration) (Decision, error) {
	now := w.now()
	cutoff := now.Add(-window)

	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.windows[subject]
	if !ok {
		entry = &localEntry{}
		w.windows[subject] = entry
	}

	kept := entry.stamps[:0]
	for _, stamp := range entry.stamps {
		if stamp.After(cutoff) {
			kept = append(kept, stamp)
		}
	}
	kept = append(kept, now)
	entry.stamps = kept
	entry.expiresAt = now.Add(2 * window)

	return decide(int64(len(entry.stamps)), limit, entry.stamps[0], now, window), nil
}

// Cleanup drops windows whose TTL has passed and returns how many were removed.
func (w *LocalWindow) Cleanup() int {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for key, entry := range w.windows {
		if !now.Before(entry.expiresAt) {
			delete(w.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked subjects.
func (w *LocalWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.windows)
}

// StartJanitor runs Cleanup every interval until ctx is cancelled.
func (w *LocalWindow) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Cleanup()
			}
		}
	}()
}
