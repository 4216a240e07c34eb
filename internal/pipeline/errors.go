package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// FailureKind classifies an error for retry purposes.
type FailureKind string

// Failure classifications.
const (
	FailureNone      FailureKind = ""
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// Sentinel errors shared across stores and clients.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidResponse marks an extraction response that could not be
	// parsed. Treated as transient: the service may produce valid output on
	// a retry.
	ErrInvalidResponse = errors.New("extraction service returned invalid response")
	// ErrCheckpointCorrupt marks an unreadable checkpoint. Executors discard
	// it and start the job over; merges are idempotent, so re-processing is
	// safe while resuming from garbage is not.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
)

// RateLimitError signals the source provider asked us to slow down.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// MarkPermanent wraps err so Classify reports it as permanent.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Classify maps an error onto the failure taxonomy. Timeouts, rate limits,
// and unknown network-shaped failures are transient; not-found, corrupt
// checkpoints, and explicitly marked errors are permanent. Context
// cancellation is permanent because retrying a cancelled call cannot succeed.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return FailurePermanent
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCheckpointCorrupt) {
		return FailurePermanent
	}
	if errors.Is(err, context.Canceled) {
		return FailurePermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return FailureTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureTransient
	}
	return FailureTransient
}
