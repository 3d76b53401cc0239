/**
 * @description
 * This package provides an in-process metrics registry shared by the rate limiter,
 * circuit breakers, retry executor and settlement jobs. Counters and duration
 * summaries are keyed by name plus an ordered list of tag values and can be
 * exported as a snapshot for the internal metrics endpoint.
 *
 * @dependencies
 * - strings, sync, sync/atomic, time: Standard Go libraries.
 */
package metrics

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Registry stores counters and duration summaries. A nil *Registry is valid and
// discards everything, so components can be constructed without metrics in tests.
type Registry struct {
	counters  sync.Map
	durations sync.Map
}

type durationSummary struct {
	count      atomic.Int64
	totalNanos atomic.Int64
	maxNanos   atomic.Int64
}

// Snapshot is a point-in-time export of the registry.
type Snapshot struct {
	Counters  map[string]int64           `json:"counters"`
	Durations map[string]DurationSummary `json:"durations"`
}

// DurationSummary is the exported form of a duration series.
type DurationSummary struct {
	Count      int64 `json:"count"`
	TotalNanos int64 `json:"total_nanos"`
	MaxNanos   int64 `json:"max_nanos"`
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Inc increments the counter identified by name and tags.
func (r *Registry) Inc(name string, tags ...string) {
	r.Add(name, 1, tags...)
}

// Add adds delta to the counter identified by name and tags.
func (r *Registry) Add(name string, delta int64, tags ...string) {
	if r == nil {
		return
	}
	counter := r.counter(seriesKey(name, tags))
	if counter == nil {
		return
	}
	counter.Add(delta)
}

// Observe records one duration sample.
func (r *Registry) Observe(name string, d time.Duration, tags ...string) {
	if r == nil {
		return
	}
	entry := r.duration(seriesKey(name, tags))
	if entry == nil {
		return
	}
	nanos := d.Nanoseconds()
	entry.count.Add(1)
	entry.totalNanos.Add(nanos)
	for {
		current := entry.maxNanos.Load()
		if nanos <= current {
			break
		}
		if entry.maxNanos.CompareAndSwap(current, nanos) {
			break
		}
	}
}

// Counter returns the current value of a counter, or zero if it was never written.
func (r *Registry) Counter(name string, tags ...string) int64 {
	if r == nil {
		return 0
	}
	if existing, ok := r.counters.Load(seriesKey(name, tags)); ok {
		if counter, ok := existing.(*atomic.Int64); ok {
			return counter.Load()
		}
	}
	return 0
}

// Snapshot exports all series.
func (r *Registry) Snapshot() Snapshot {
	snap := Snapshot{
		Counters:  map[string]int64{},
		Durations: map[string]DurationSummary{},
	}
	if r == nil {
		return snap
	}

	r.counters.Range(func(key, value any) bool {
		k, ok := key.(string)
		if !ok {
			return true
		}
		if counter, ok := value.(*atomic.Int64); ok && counter != nil {
			snap.Counters[k] = counter.Load()
		}
		return true
	})

	r.durations.Range(func(key, value any) bool {
		k, ok := key.(string)
		if !ok {
			return true
		}
		if entry, ok := value.(*durationSummary); ok && entry != nil {
			snap.Durations[k] = DurationSummary{
				Count:      entry.count.Load(),
				TotalNanos: entry.totalNanos.Load(),
				MaxNanos:   entry.maxNanos.Load(),
			}
		}
		return true
	})

	return snap
}

func seriesKey(name string, tags []string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if len(tags) == 0 {
		return name
	}
	return name + "|" + strings.Join(tags, "|")
}

func (r *Registry) counter(key string) *atomic.Int64 {
	if key == "" {
		return nil
	}
	if existing, ok := r.counters.Load(key); ok {
		if counter, ok := existing.(*atomic.Int64); ok {
			return counter
		}
	}
	counter := &atomic.Int64{}
	actual, _ := r.counters.LoadOrStore(key, counter)
	if stored, ok := actual.(*atomic.Int64); ok {
		return stored
	}
	return counter
}

func (r *Registry) duration(key string) *durationSummary {
	if key == "" {
		return nil
	}
	if existing, ok := r.durations.Load(key); ok {
		if entry, ok := existing.(*durationSummary); ok {
			return entry
		}
	}
	entry := &durationSummary{}
	actual, _ := r.durations.LoadOrStore(key, entry)
	if stored, ok := actual.(*durationSummary); ok {
		return stored
	}
	return entry
}
