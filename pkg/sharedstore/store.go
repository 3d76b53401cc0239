/**
 * @description
 * Package sharedstore defines the coordination store contract used by every worker
 * process. It is deliberately small: set-if-absent with expiry, delete, a sliding
 * window primitive over a sorted set, and a reachability probe. Every operation is
 * a network round trip bounded by a short timeout; failures surface as
 * ErrUnavailable so callers can apply their own fail-open or fail-closed policy.
 */
package sharedstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned (wrapped) when the store cannot be reached or times out.
var ErrUnavailable = errors.New("shared store unavailable")

// DefaultTimeout bounds each store round trip.
const DefaultTimeout = 250 * time.Millisecond

// WindowResult describes a sliding window after an insert.
type WindowResult struct {
	// Count is the number of entries inside the window, including the one just added.
	Count int64
	// Oldest is the timestamp of the oldest entry still inside the window.
	Oldest time.Time
}

// Store is the contract shared by the Redis implementation and the in-memory double.
type Store interface {
	// SetNX creates key with value and ttl only if it does not exist. It reports
	// whether this call created the key.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error
	// AddToWindow prunes entries at or before now-window, records member at now and
	// refreshes the key expiry to twice the window.
	AddToWindow(ctx context.Context, key string, now time.Time, window time.Duration, member string) (WindowResult, error)
	// Ping checks reachability.
	Ping(ctx context.Context) error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
