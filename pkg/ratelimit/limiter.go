/**
 * @description
 * Package ratelimit implements the tiered sliding-window limiter for the request
 * path. The distributed strategy keeps one sorted set of request timestamps per
 * subject in the shared store; when the store cannot be reached the limiter
 * degrades to an in-process sliding window keyed the same way, which makes limits
 * per-worker instead of global but never disables limiting.
 *
 * @dependencies
 * - pkg/sharedstore: Distributed window storage.
 * - pkg/metrics: Allow/deny counters.
 */
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/transfa/payout-service/pkg/metrics"
	"github.com/transfa/payout-service/pkg/sharedstore"
)

// Decision is the outcome of one check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is the wait, measured on the window's clock, before the oldest
	// counted request leaves the window. Zero when allowed.
	RetryAfter time.Duration
	// Unlimited is set when the caller's tier bypassed limiting entirely.
	Unlimited bool
	// Degraded is set when the in-process fallback made the decision.
	Degraded bool
}

// Strategy checks one subject against one limit. The distributed and the
// in-process windows both implement it, so either can back a Limiter.
type Strategy interface {
	Check(ctx context.Context, subject string, limit int, window time.Duration) (Decision, error)
}

// Request carries everything the limiter needs to decide one inbound call.
type Request struct {
	Subject Subject
	Tier    string
	Path    string
}

// Limiter combines a primary strategy with a fallback and applies the policy.
type Limiter struct {
	primary  Strategy
	fallback Strategy
	policy   Policy
	metrics  *metrics.Registry
	logger   *slog.Logger
	degraded atomic.Bool
}

// NewLimiter builds a limiter. fallback may be nil, in which case store failures
// are returned to the caller.
func NewLimiter(primary, fallback Strategy, policy Policy, registry *metrics.Registry, logger *slog.Logger) *Limiter {
	return &Limiter{
		primary:  primary,
		fallback: fallback,
		policy:   policy,
		metrics:  registry,
		logger:   logger,
	}
}

// Policy returns the policy in use.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Degraded reports whether the health monitor last saw the store as unreachable.
func (l *Limiter) Degraded() bool {
	return l.degraded.Load()
}

// Check runs the sliding window for subject. While the store is known to be down,
// or when the primary call fails, the fallback decides.
func (l *Limiter) Check(ctx context.Context, subject string, limit int, window time.Duration) (Decision, error) {
	if !l.degraded.Load() || l.fallback == nil {
		decision, err := l.primary.Check(ctx, subject, limit, window)
		if err == nil || l.fallback == nil {
			return decision, err
		}
		l.logger.Warn("rate limit store check failed; using in-process window", "subject", subject, "error", err)
		l.metrics.Inc("ratelimit_fallback", "store_error")
	} else {
		l.metrics.Inc("ratelimit_fallback", "degraded")
	}

	decision, err := l.fallback.Check(ctx, subject, limit, window)
	decision.Degraded = true
	return decision, err
}

// Allow resolves the limit for req, short-circuits unlimited tiers and records
// allow/deny counters tagged by subject type and tier.
func (l *Limiter) Allow(ctx context.Context, req Request) (Decision, error) {
	tier := req.Tier
	if tier == "" {
		tier = AnonymousTier
	}

	rule, unlimited := l.policy.Resolve(req.Path, tier)
	if unlimited {
		l.metrics.Inc("ratelimit_decisions", "unlimited", string(req.Subject.Type), tier)
		return Decision{Allowed: true, Unlimited: true}, nil
	}

	// A path override counts in its own window so other routes never spend its budget.
	scope := ""
	if _, ok := l.policy.Paths[req.Path]; ok {
		scope = req.Path
	}
	decision, err := l.Check(ctx, windowKey(req.Subject, rule.Window, scope), rule.Limit, rule.Window)
	if err != nil {
		l.metrics.Inc("ratelimit_errors", string(req.Subject.Type), tier)
		return decision, err
	}

	outcome := "allowed"
	if !decision.Allowed {
		outcome = "rejected"
	}
	l.metrics.Inc("ratelimit_decisions", outcome, string(req.Subject.Type), tier)
	return decision, nil
}

// MonitorHealth pings the store every interval and flips the limiter between the
// distributed and in-process windows. It returns when ctx is cancelled.
func (l *Limiter) MonitorHealth(ctx context.Context, store sharedstore.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.probe(ctx, store)
		}
	}
}

func (l *Limiter) probe(ctx context.Context, store sharedstore.Store) {
	err := store.Ping(ctx)
	if err != nil {
		if !l.degraded.Swap(true) {
			l.logger.Warn("rate limit store unreachable; limits are now per-worker", "error", err)
		}
		return
	}
	if l.degraded.Swap(false) {
		l.logger.Info("rate limit store reachable again; limits are global")
	}
}

func windowKey(subject Subject, window time.Duration, scope string) string {
	key := "ratelimit:" + subject.Key() + ":" + strconv.FormatInt(int64(window/time.Second), 10)
	if scope != "" {
		key += ":" + scope
	}
	return key
}

func decide(count int64, limit int, oldest, now time.Time, window time.Duration) Decision {
	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	decision := Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: int(remaining),
		ResetAt:   oldest.Add(window),
	}
	if !decision.Allowed {
		decision.RetryAfter = time.Second
		if decision.ResetAt.After(now) {
			decision.RetryAfter = decision.ResetAt.Sub(now)
		}
	}
	return decision
}
