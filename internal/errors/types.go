package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownSession is returned when an operation names a session the
// registry no longer holds.
var ErrUnknownSession = errors.New("unknown session")

// Kind classifies supervisor failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAdmissionDenied - policy violation, never retried, no session created
	KindAdmissionDenied
	// KindSpawnFailure - the backend could not start the worker
	KindSpawnFailure
	// KindWorkerFailure - the worker ran and exited nonzero, retryable
	KindWorkerFailure
	// KindTimeout - the worker exceeded its max runtime
	KindTimeout
	// KindUnknownSession - the session is not in the registry
	KindUnknownSession
)

func (k Kind) String() string {
	switch k {
	case KindAdmissionDenied:
		return "admission_denied"
	case KindSpawnFailure:
		return "spawn_failure"
	case KindWorkerFailure:
		return "worker_failure"
	case KindTimeout:
		return "timeout"
	case KindUnknownSession:
		return "unknown_session"
	default:
		return "unknown"
	}
}

// AdmissionDeniedError is a rejection from the admission gate.
type AdmissionDeniedError struct {
	Reason string
}

func (e *AdmissionDeniedError) Error() string {
	return "admission denied: " + e.Reason
}

// Denied builds an AdmissionDeniedError with a formatted reason.
func Denied(format string, args ...any) error {
	return &AdmissionDeniedError{Reason: fmt.Sprintf(format, args...)}
}

// SpawnFailureError reports a backend start failure. The worker never ran.
type SpawnFailureError struct {
	WorkerType string
	Backend    string
	Err        error
}

func (e *SpawnFailureError) Error() string {
	return fmt.Sprintf("spawn %s on %s backend: %v", e.WorkerType, e.Backend, e.Err)
}

func (e *SpawnFailureError) Unwrap() error {
	return e.Err
}

// WorkerFailureError records a nonzero worker exit.
type WorkerFailureError struct {
	ExitCode int
	Signal   string
}

func (e *WorkerFailureError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("worker exited with code %d (signal %s)", e.ExitCode, e.Signal)
	}
	return fmt.Sprintf("worker exited with code %d", e.ExitCode)
}

// TimeoutError records a worker that outlived its max runtime.
type TimeoutError struct {
	Runtime time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("worker exceeded max runtime %s (ran %s)", e.Limit, e.Runtime.Round(time.Millisecond))
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var denied *AdmissionDeniedError
	if errors.As(err, &denied) {
		return KindAdmissionDenied
	}
	var spawn *SpawnFailureError
	if errors.As(err, &spawn) {
		return KindSpawnFailure
	}
	var worker *WorkerFailureError
	if errors.As(err, &worker) {
		return KindWorkerFailure
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return KindTimeout
	}
	if errors.Is(err, ErrUnknownSession) {
		return KindUnknownSession
	}
	return KindUnknown
}

// IsRetryable reports whether the supervisor may start a fresh attempt.
// Only worker failures qualify: spawn failures never ran, timeouts and
// admission denials are terminal by policy.
func IsRetryable(err error) bool {
	return KindOf(err) == KindWorkerFailure
}

// IsAdmissionDenied reports whether err is an admission rejection.
func IsAdmissionDenied(err error) bool {
	return KindOf(err) == KindAdmissionDenied
}

// RejectionReason extracts the rejection reason, or "" when err is not a denial.
func RejectionReason(err error) string {
	var denied *AdmissionDeniedError
	if errors.As(err, &denied) {
		return denied.Reason
	}
	return ""
}
