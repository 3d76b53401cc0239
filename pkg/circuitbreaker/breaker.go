/**
 * @description
 * Package circuitbreaker gates calls to one external dependency. A breaker is
 * CLOSED until enough consecutive infrastructure failures land inside the rolling
 * period, then OPEN (calls rejected without touching the network) until the reset
 * timeout passes, then HALF_OPEN where a single probe decides whether to close or
 * reopen. Business failures returned by the dependency count as healthy responses.
 *
 * Breaker state is process-local. Each worker forms its own view of the dependency.
 */
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State of a breaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is matched by errors.Is for every rejection made by an open breaker.
var ErrOpen = errors.New("dependency unavailable: circuit breaker open")

var errPanicked = errors.New("circuitbreaker: call panicked")

// OpenError is returned when a call is rejected without reaching the dependency.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %s is %s", ErrOpen.Error(), e.Name, e.State)
}

// Is lets errors.Is(err, ErrOpen) match.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Settings configure a breaker.
type Settings struct {
	Name             string
	FailureThreshold int
	RollingPeriod    time.Duration
	ResetTimeout     time.Duration
	// IsFailure classifies errors that count toward opening. Nil counts every error.
	IsFailure func(error) bool
	// OnStateChange is invoked outside the breaker lock after each transition.
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

// Snapshot is the observable state of a breaker.
type Snapshot struct {
	Name                  string     `json:"name"`
	State                 State      `json:"state"`
	ConsecutiveFailures   int        `json:"consecutive_failures"`
	OpenedAt              *time.Time `json:"opened_at,omitempty"`
	HalfOpenProbeInFlight bool       `json:"half_open_probe_in_flight"`
	FailureThreshold      int        `json:"failure_threshold"`
	ResetTimeoutSeconds   float64    `json:"reset_timeout_seconds"`
}

// Breaker guards one dependency.
type Breaker struct {
	settings Settings

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	streakStartedAt     time.Time
	openedAt            time.Time
	probeInFlight       bool
}

// New creates a CLOSED breaker, filling zero settings with defaults.
func New(settings Settings) *Breaker {
	if settings.Name == "" {
		settings.Name = "dependency"
	}
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.RollingPeriod <= 0 {
		settings.RollingPeriod = time.Minute
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = 30 * time.Second
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Breaker{settings: settings, state: StateClosed}
}

// Name returns the protected dependency's name.
func (b *Breaker) Name() string {
	return b.settings.Name
}

// State returns the current state, applying the OPEN to HALF_OPEN timeout lazily.
func (b *Breaker) State() State {
	b.mu.Lock()
	moved := b.refreshLocked(b.settings.Now())
	state := b.state
	b.mu.Unlock()
	b.notify(moved)
	return state
}

// Snapshot returns the breaker's state for monitoring.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	moved := b.refreshLocked(b.settings.Now())
	snap := Snapshot{
		Name:                  b.settings.Name,
		State:                 b.state,
		ConsecutiveFailures:   b.consecutiveFailures,
		HalfOpenProbeInFlight: b.probeInFlight,
		FailureThreshold:      b.settings.FailureThreshold,
		ResetTimeoutSeconds:   b.settings.ResetTimeout.Seconds(),
	}
	if !b.openedAt.IsZero() {
		openedAt := b.openedAt
		snap.OpenedAt = &openedAt
	}
	b.mu.Unlock()
	b.notify(moved)
	return snap
}

// Execute runs fn if the breaker admits the call and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	completed := false
	defer func() {
		if completed {
			return
		}
		// A call that panics or exits its goroutine counts as a failure so a
		// HALF_OPEN probe slot is never leaked.
		r := recover()
		b.record(ctx, probe, errPanicked)
		if r != nil {
			panic(r)
		}
	}()
	callErr := fn(ctx)
	completed = true
	b.record(ctx, probe, callErr)
	return callErr
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = fn(ctx)
		return callErr
	})
	return result, err
}

type transition struct {
	from, to State
}

func (b *Breaker) admit() (probe bool, err error) {
	now := b.settings.Now()

	b.mu.Lock()
	moved := b.refreshLocked(now)
	switch b.state {
	case StateOpen:
		retryAfter := b.settings.ResetTimeout - now.Sub(b.openedAt)
		b.mu.Unlock()
		b.notify(moved)
		return false, &OpenError{Name: b.settings.Name, State: StateOpen, RetryAfter: retryAfter}
	case StateHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			b.notify(moved)
			return false, &OpenError{Name: b.settings.Name, State: StateHalfOpen, RetryAfter: time.Second}
		}
		b.probeInFlight = true
		b.mu.Unlock()
		b.notify(moved)
		return true, nil
	default:
		b.mu.Unlock()
		b.notify(moved)
		return false, nil
	}
}

func (b *Breaker) record(ctx context.Context, probe bool, callErr error) {
	now := b.settings.Now()
	cancelled := callErr != nil && errors.Is(callErr, context.Canceled) && ctx.Err() != nil
	failure := callErr != nil && !cancelled && b.countsAsFailure(callErr)

	b.mu.Lock()
	var moved *transition
	switch {
	case probe:
		b.probeInFlight = false
		if cancelled {
			break
		}
		if failure {
			b.openedAt = now
			moved = b.setStateLocked(StateOpen)
		} else {
			b.consecutiveFailures = 0
			b.streakStartedAt = time.Time{}
			b.openedAt = time.Time{}
			moved = b.setStateLocked(StateClosed)
		}
	case b.state != StateClosed || cancelled:
		// Results of calls admitted before the breaker opened do not move it.
	case failure:
		if b.consecutiveFailures == 0 || now.Sub(b.streakStartedAt) > b.settings.RollingPeriod {
			b.consecutiveFailures = 0
			b.streakStartedAt = now
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.settings.FailureThreshold {
			b.openedAt = now
			moved = b.setStateLocked(StateOpen)
		}
	default:
		b.consecutiveFailures = 0
		b.streakStartedAt = time.Time{}
	}
	b.mu.Unlock()
	b.notify(moved)
}

func (b *Breaker) countsAsFailure(err error) bool {
	if b.settings.IsFailure == nil || errors.Is(err, errPanicked) {
		return true
	}
	return b.settings.IsFailure(err)
}

func (b *Breaker) refreshLocked(now time.Time) *transition {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.settings.ResetTimeout {
		b.probeInFlight = false
		return b.setStateLocked(StateHalfOpen)
	}
	return nil
}

func (b *Breaker) setStateLocked(to State) *transition {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(t *transition) {
	if t == nil || b.settings.OnStateChange == nil {
		return
	}
	b.settings.OnStateChange(b.settings.Name, t.from, t.to)
}
