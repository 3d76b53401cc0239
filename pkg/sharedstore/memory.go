package sharedstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var errMemoryUnhealthy = errors.New("memory store marked unhealthy")

// MemoryStore is a process-local Store used by tests and single-process tooling.
// It does not coordinate across processes.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]memoryValue
	windows map[string]*memoryWindow
	now     func() time.Time
	healthy atomic.Bool
}

type memoryValue struct {
	value     string
	expiresAt time.Time
}

type memoryWindow struct {
	scores    []int64
	expiresAt time.Time
}

// NewMemoryStore constructs a healthy in-memory store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{
		values:  make(map[string]memoryValue),
		windows: make(map[string]*memoryWindow),
		now:     now,
	}
	s.healthy.Store(true)
	return s
}

// SetHealthy toggles simulated reachability.
func (s *MemoryStore) SetHealthy(healthy bool) {
	s.healthy.Store(healthy)
}

// SetNX implements Store.
func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.check(ctx, "setnx"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.values[key]; ok && (existing.expiresAt.IsZero() || now.Before(existing.expiresAt)) {
		return false, nil
	}
	entry := memoryValue{value: value}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	s.values[key] = entry
	return true, nil
}

// Get returns the live value stored at key.
func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.values[key]
	if !ok {
		return "", false
	}
	if !existing.expiresAt.IsZero() && !s.now().Before(existing.expiresAt) {
		delete(s.values, key)
		return "", false
	}
	return existing.value, true
}

// Del implements Store.
func (s *MemoryStore) Del(ctx context.Context, key string) error {
	if err := s.check(ctx, "del"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	delete(s.windows, key)
	return nil
}

// AddToWindow implements Store.
func (s *MemoryStore) AddToWindow(ctx context.Context, key string, now time.Time, window time.Duration, member string) (WindowResult, error) {
	if err := s.check(ctx, "window"); err != nil {
		return WindowResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || (!w.expiresAt.IsZero() && !s.now().Before(w.expiresAt)) {
		w = &memoryWindow{}
		s.windows[key] = w
	}

	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	kept := w.scores[:0]
	for _, score := range w.scores {
		if score > cutoff {
			kept = append(kept, score)
		}
	}
	kept = append(kept, nowMs)
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })
	w.scores = kept
	w.expiresAt = s.now().Add(2 * window)

	return WindowResult{
		Count:  int64(len(w.scores)),
		Oldest: time.UnixMilli(w.scores[0]),
	}, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.check(ctx, "ping")
}

func (s *MemoryStore) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	if !s.healthy.Load() {
		return unavailable(op, errMemoryUnhealthy)
	}
	return nil
}
