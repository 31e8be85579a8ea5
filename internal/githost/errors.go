package githost

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a remote-call failure. The layers above the client
// use the kind, never the message, to decide between retrying with
// backoff, waiting for a quota reset, or failing permanently.
type Kind int

const (
	// KindUnknown is an unclassified failure. Treated as permanent.
	KindUnknown Kind = iota

	// KindQuotaExceeded means the request quota is exhausted.
	// Retryable; the right delay is the time until the quota resets.
	KindQuotaExceeded

	// KindTransientNetwork is a transport-level failure (connection
	// refused, reset, DNS). Retryable with backoff.
	KindTransientNetwork

	// KindTransientServer is a 5xx from the remote. Retryable with backoff.
	KindTransientServer

	// KindNotFound means the file, ref, or repository does not exist.
	KindNotFound

	// KindPreconditionFailed means an optimistic-concurrency write was
	// rejected because the expected blob hash no longer matches.
	// Permanent for that attempt; triggers conflict handling, not retry.
	KindPreconditionFailed

	// KindValidation means the caller's input was malformed.
	KindValidation

	// KindQueueFull means the request queue rejected the call at capacity.
	KindQueueFull

	// KindQueueTimeout means the call waited in the queue past its deadline.
	KindQueueTimeout

	// KindOffline means connectivity is lost. Persistence suspends
	// rather than failing.
	KindOffline
)

// String returns a stable identifier for the kind.
func (k Kind) String() string {
	switch k {
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindTransientNetwork:
		return "transient_network"
	case KindTransientServer:
		return "transient_server"
	case KindNotFound:
		return "not_found"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindValidation:
		return "validation"
	case KindQueueFull:
		return "queue_full"
	case KindQueueTimeout:
		return "queue_timeout"
	case KindOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// APIError is a classified failure from the remote repository client
// or the request plumbing in front of it.
type APIError struct {
	// Kind is the failure classification.
	Kind Kind

	// Op is the operation that failed (e.g. "write_file").
	Op string

	// StatusCode is the HTTP status, when the call reached the server.
	StatusCode int

	// RetryAfter is the time until the quota resets, when the server
	// reported it. Only meaningful for KindQuotaExceeded.
	RetryAfter time.Duration

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or KindUnknown if err is
// not an APIError (wrapped errors are handled via errors.As).
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// IsRetryable returns true if the error is likely to succeed on retry:
// quota exhaustion (after the reset) and transient network or server
// failures. Everything else fails immediately.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindQuotaExceeded, KindTransientNetwork, KindTransientServer:
		return true
	default:
		return false
	}
}

// RetryAfter returns the server-reported time until the quota resets,
// when the error carries one.
func RetryAfter(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == KindQuotaExceeded && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

// IsNotFound returns true if the error is a KindNotFound failure.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsQuotaExceeded returns true if the error is a KindQuotaExceeded failure.
func IsQuotaExceeded(err error) bool {
	return KindOf(err) == KindQuotaExceeded
}

// IsPreconditionFailed returns true if an optimistic-concurrency write
// was rejected by the remote.
func IsPreconditionFailed(err error) bool {
	return KindOf(err) == KindPreconditionFailed
}

// IsOffline returns true if the error indicates lost connectivity.
func IsOffline(err error) bool {
	return KindOf(err) == KindOffline
}
