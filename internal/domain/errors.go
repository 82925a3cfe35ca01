package domain

import (
	"errors"
	"fmt"
	"time"
)

// SendErrorKind partitions send outcomes into retry classes.
type SendErrorKind int

const (
	// SendTransient covers network errors and 5xx-equivalents; retried
	// with backoff up to the attempt ceiling.
	SendTransient SendErrorKind = iota
	// SendRateLimited carries a retry_after hint from the platform. It is
	// retryable and does not count toward consecutive failures.
	SendRateLimited
	// SendPermanent covers auth/permission/chat-not-found; the task is
	// dropped immediately.
	SendPermanent
)

func (k SendErrorKind) String() string {
	switch k {
	case SendTransient:
		return "transient"
	case SendRateLimited:
		return "rate_limited"
	case SendPermanent:
		return "permanent"
	}
	return "unknown"
}

// SendError is the tagged error returned by Sender implementations.
type SendError struct {
	Kind       SendErrorKind
	RetryAfter time.Duration // set for SendRateLimited
	Code       int           // platform error code, if any
	Err        error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send %s (code=%d): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("send %s (code=%d)", e.Kind, e.Code)
}

func (e *SendError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable send failure.
func Transient(err error) *SendError { return &SendError{Kind: SendTransient, Err: err} }

// RateLimited wraps err as a rate-limit signal with the platform's
// retry_after delay.
func RateLimited(retryAfter time.Duration, err error) *SendError {
	return &SendError{Kind: SendRateLimited, RetryAfter: retryAfter, Err: err}
}

// Permanent wraps err as a non-retryable send failure.
func Permanent(code int, err error) *SendError {
	return &SendError{Kind: SendPermanent, Code: code, Err: err}
}

// ClassifySend extracts the SendError from err, defaulting unclassified
// errors to transient so that plain network failures retry.
func ClassifySend(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return &SendError{Kind: SendTransient, Err: err}
}

// StoreError marks a persistence failure. Idempotent mutations may be
// retried by the caller.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

var (
	// ErrQueueFull is returned when a dispatch push cannot complete within
	// the listener's patience window; the event is counted and dropped.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrBackpressure rejects sub-HIGH enqueues while the failure-rate
	// circuit is open.
	ErrBackpressure = errors.New("backpressure: failure rate too high")

	// ErrNoEligibleSender means every sender is disabled, rate limited, or
	// past the consecutive-failure ceiling.
	ErrNoEligibleSender = errors.New("no eligible sender")

	// ErrCancelled marks work abandoned during shutdown.
	ErrCancelled = errors.New("cancelled")

	// ErrNotFound is the generic missing-row sentinel for store lookups.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized rejects admin operations from unknown principals.
	ErrUnauthorized = errors.New("unauthorized")
)
