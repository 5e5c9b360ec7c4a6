package domain

import (
	"context"
	"errors"
	"fmt"
)

// VenueErrorKind classifies venue failures
type VenueErrorKind string

const (
	ErrKindTimeout     VenueErrorKind = "timeout"
	ErrKindRateLimited VenueErrorKind = "rate_limited"
	ErrKindRejected    VenueErrorKind = "rejected"
	ErrKindMalformed   VenueErrorKind = "malformed"
	ErrKindUnavailable VenueErrorKind = "unavailable"
)

var (
	// ErrUnknownVenue is returned when a venue is not registered
	ErrUnknownVenue = errors.New("unknown venue")
	// ErrCircuitOpen is reported for venues skipped by their circuit breaker
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrBudgetExhausted is returned once a daily rebalance or gas limit is reached
	ErrBudgetExhausted = errors.New("daily budget exhausted")
)

// VenueError is a typed failure from a venue client
type VenueError struct {
	Err   error
	Venue string
	Op    string
	Kind  VenueErrorKind
}

// NewVenueError wraps err with venue context
func NewVenueError(venue, op string, kind VenueErrorKind, err error) *VenueError {
	return &VenueError{Venue: venue, Op: op, Kind: kind, Err: err}
}

func (e *VenueError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Venue, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *VenueError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the same idempotent read may succeed
func (e *VenueError) Retryable() bool {
	switch e.Kind {
	case ErrKindTimeout, ErrKindRateLimited, ErrKindUnavailable:
		return true
	}
	return false
}

// KindOf classifies any error. Context deadlines count as timeouts;
// unclassified errors are treated as unavailable.
func KindOf(err error) VenueErrorKind {
	if err == nil {
		return ""
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	return ErrKindUnavailable
}

// IsRetryable reports whether err is worth retrying for an idempotent read
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsAmbiguous reports whether a write may have landed despite the error.
// Timeouts leave the on-chain outcome unknown; rejections do not.
func IsAmbiguous(err error) bool {
	return KindOf(err) == ErrKindTimeout
}
