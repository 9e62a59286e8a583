package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels for misuse of closed handles.
var (
	// ErrClosed is returned by operations on a pool after Close.
	ErrClosed = errors.New("pool is closed")
	// ErrLeaseReleased is returned by Query on a lease already released.
	ErrLeaseReleased = errors.New("lease already released")
	// ErrReloadInProgress is returned by Reinitialize while another
	// reinitialization is still running (mapped to 409 by the HTTP layer).
	ErrReloadInProgress = errors.New("reinitialize already in progress")
)

// startupError reports a worker process that never reached readiness.
type startupError struct{ msg string }

func (e startupError) Error() string { return "worker startup: " + e.msg }

// ErrStartup constructs a startupError.
func ErrStartup(msg string) error { return startupError{msg: msg} }

// IsStartup reports whether err indicates a failed worker spawn (return 503
// when the whole fleet is affected).
func IsStartup(err error) bool {
	var e startupError
	return errors.As(err, &e)
}

// timeoutError reports a query that exceeded the configured response window.
type timeoutError struct {
	workerID string
	after    time.Duration
}

func (e timeoutError) Error() string {
	return fmt.Sprintf("query timed out after %s on worker %s", e.after, e.workerID)
}

// ErrQueryTimeout constructs a timeoutError.
func ErrQueryTimeout(workerID string, after time.Duration) error {
	return timeoutError{workerID: workerID, after: after}
}

// IsTimeout reports whether err indicates an exchange that ran out of time
// (return 504). The worker involved is already unhealthy.
func IsTimeout(err error) bool {
	var e timeoutError
	return errors.As(err, &e)
}

// processFailureError reports broken I/O with the engine process.
type processFailureError struct {
	workerID string
	cause    error
}

func (e processFailureError) Error() string {
	return fmt.Sprintf("worker %s process failure: %v", e.workerID, e.cause)
}

func (e processFailureError) Unwrap() error { return e.cause }

// ErrProcessFailure constructs a processFailureError.
func ErrProcessFailure(workerID string, cause error) error {
	return processFailureError{workerID: workerID, cause: cause}
}

// IsProcessFailure reports whether err indicates a crashed or unreachable
// engine process (return 502). The worker involved is already unhealthy.
func IsProcessFailure(err error) bool {
	var e processFailureError
	return errors.As(err, &e)
}

// poolExhaustedError signals that a permit was obtained but no healthy
// worker could be produced for it.
type poolExhaustedError struct {
	occ   Occupancy
	cause error
}

func (e poolExhaustedError) Error() string {
	msg := fmt.Sprintf("pool exhausted: %d available, %d leased, %d/%d alive",
		e.occ.Available, e.occ.Leased, e.occ.Total, e.occ.Max)
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e poolExhaustedError) Unwrap() error { return e.cause }

// ErrPoolExhausted constructs a poolExhaustedError.
func ErrPoolExhausted(occ Occupancy, cause error) error {
	return poolExhaustedError{occ: occ, cause: cause}
}

// IsExhausted reports whether err indicates admission backpressure
// (return 429).
func IsExhausted(err error) bool {
	var e poolExhaustedError
	return errors.As(err, &e)
}

// ExhaustedOccupancy extracts the pool counters recorded on a
// PoolExhausted error for diagnostic payloads.
func ExhaustedOccupancy(err error) (Occupancy, bool) {
	var e poolExhaustedError
	if errors.As(err, &e) {
		return e.occ, true
	}
	return Occupancy{}, false
}

// invalidConfigError reports a rejected pool configuration.
type invalidConfigError struct{ reasons []string }

func (e invalidConfigError) Error() string {
	return "invalid pool config: " + strings.Join(e.reasons, "; ")
}

// IsInvalidConfig reports whether err came from Config.Validate (return 400).
func IsInvalidConfig(err error) bool {
	var e invalidConfigError
	return errors.As(err, &e)
}

// IsCancelled reports whether err is a caller cancellation. Cancellation is
// passed through as the context's own error, never wrapped.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
