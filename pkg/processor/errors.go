package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrInfrastructure matches (via errors.Is) every error that says the processor
// is unhealthy rather than that it refused the request: timeouts, connection
// failures, HTTP 5xx and 429. Retry policies and the circuit breaker key off it.
var ErrInfrastructure = errors.New("processor infrastructure failure")

// APIError is a non-2xx response from the processor.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
	retryAfter time.Duration
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newAPIError(status int, retryAfterHeader string, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, retryAfter: parseRetryAfter(retryAfterHeader)}
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Type = envelope.Error.Type
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("processor api error: status %d: %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("processor api error: status %d: %s", e.StatusCode, e.Message)
}

// Infrastructure reports whether the response signals processor trouble.
func (e *APIError) Infrastructure() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// Is lets errors.Is(err, ErrInfrastructure) classify the response.
func (e *APIError) Is(target error) bool {
	return target == ErrInfrastructure && e.Infrastructure()
}

// RetryAfter is the server-provided wait, zero when absent.
func (e *APIError) RetryAfter() time.Duration {
	return e.retryAfter
}

// TransportError wraps failures to reach the processor at all.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("processor %s request failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is classifies transport failures as infrastructure, except cancellation by the caller.
func (e *TransportError) Is(target error) bool {
	return target == ErrInfrastructure && !errors.Is(e.Err, context.Canceled)
}

// IsInfrastructure reports whether err should count against the processor's health.
func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInfrastructure) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsBusinessRejection reports whether the processor refused the request itself.
func IsBusinessRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Infrastructure()
}

// FailureCode renders err as a short reason suitable for storing on a payout.
func FailureCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Infrastructure() {
			return "processor_error:" + strconv.Itoa(apiErr.StatusCode)
		}
		if apiErr.Code != "" {
			return "processor_rejected:" + apiErr.Code
		}
		return "processor_rejected:" + strconv.Itoa(apiErr.StatusCode)
	}
	if IsInfrastructure(err) {
		return "processor_unreachable"
	}
	return "processor_error"
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}
