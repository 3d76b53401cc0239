/**
 * @description
 * Package idempotency provides short-lived distributed locks keyed by a logical
 * operation id. Webhook handlers and scheduled financial jobs acquire a key before
 * doing work; the first acquirer wins and everyone else skips. Locks are released
 * explicitly on failure so a retry can run, and left to expire on success so the
 * TTL itself prevents re-execution.
 *
 * @dependencies
 * - github.com/google/uuid: Unique suffix for the holder marker.
 * - pkg/sharedstore: The coordination store.
 */
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payout-service/pkg/sharedstore"
)

// FailurePolicy decides what Acquire reports when the store is unreachable.
type FailurePolicy int

const (
	// FailClosed reports the lock as not acquired. Use it for payouts and webhook dedup.
	FailClosed FailurePolicy = iota
	// FailOpen reports the lock as acquired and logs. Use it only where a duplicate
	// execution is harmless.
	FailOpen
)

func (p FailurePolicy) String() string {
	if p == FailOpen {
		return "fail_open"
	}
	return "fail_closed"
}

// ErrEmptyKey is returned when Acquire or Release is called without a key.
var ErrEmptyKey = errors.New("idempotency key is required")

// Guard acquires and releases idempotency locks.
type Guard struct {
	store  sharedstore.Store
	marker string
	logger *slog.Logger
}

// NewGuard creates a guard whose locks are tagged with a marker identifying this process.
func NewGuard(store sharedstore.Store, logger *slog.Logger) *Guard {
	return &Guard{
		store:  store,
		marker: processMarker(),
		logger: logger,
	}
}

// Marker returns the value written into locks held by this process.
func (g *Guard) Marker() string {
	return g.marker
}

// Acquire atomically creates the lock for key if absent. It returns true iff this
// call created it. When the store is unreachable the policy decides the boolean
// and the underlying error is returned alongside it, so fail-closed callers can
// tell "held by someone else" (false, nil) apart from "could not check" (false, err).
func (g *Guard) Acquire(ctx context.Context, key string, ttl time.Duration, policy FailurePolicy) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrEmptyKey
	}

	created, err := g.store.SetNX(ctx, key, g.marker, ttl)
	if err != nil {
		if policy == FailOpen {
			g.logger.Warn("idempotency store unavailable; proceeding without lock", "key", key, "policy", policy.String(), "error", err)
			return true, err
		}
		g.logger.Warn("idempotency store unavailable; refusing lock", "key", key, "policy", policy.String(), "error", err)
		return false, err
	}

	if !created {
		g.logger.Info("idempotency key already held", "key", key)
	}
	return created, nil
}

// Release deletes the lock for key so that a retry can acquire it before the TTL runs out.
func (g *Guard) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	if err := g.store.Del(ctx, key); err != nil {
		g.logger.Error("failed to release idempotency key", "key", key, "error", err)
		return err
	}
	return nil
}

func processMarker() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}
