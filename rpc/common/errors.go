package common

import (
	"context"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error domain shared by every layer of the client
// --------------------------------------------------------------------------

var (
	// ErrRetryNeeded means the connection dropped while the request was in
	// flight. The request can be resubmitted after a reconnect.
	ErrRetryNeeded = errors.New("connection lost, request must be retried")

	// ErrMalformed means the response failed structural or signature validation
	ErrMalformed = errors.New("malformed response")

	// ErrShutdown means the connection was torn down (host down)
	ErrShutdown = errors.New("connection is shut down")

	// ErrInterrupted means the caller gave up on the request and it was cancelled
	ErrInterrupted = errors.New("request interrupted")

	// ErrTimeout means the server stopped answering and the connection was reset
	ErrTimeout = fmt.Errorf("server unresponsive: %w", ErrRetryNeeded)

	// ErrInvalidSignature is reported when signature verification fails
	ErrInvalidSignature = fmt.Errorf("signature mismatch: %w", ErrMalformed)

	// ErrNoCredits is returned when a fail fast request finds no credit. It
	// is transient, the next response grants new credits.
	ErrNoCredits = fmt.Errorf("no credits available: %w", ErrRetryNeeded)
)

// ErrorKind is the caller visible classification of an error
type ErrorKind int

const (
	KindSuccess ErrorKind = iota
	KindRetry
	KindMalformed
	KindHostDown
	KindInterrupted
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetry:
		return "transient-retry"
	case KindMalformed:
		return "structural-error"
	case KindHostDown:
		return "host-down"
	case KindInterrupted:
		return "interrupted"
	}
	return "other"
}

// KindOf classifies err into one of the caller visible error kinds
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindSuccess
	case errors.Is(err, ErrRetryNeeded):
		return KindRetry
	case errors.Is(err, ErrMalformed):
		return KindMalformed
	case errors.Is(err, ErrShutdown):
		return KindHostDown
	case errors.Is(err, ErrInterrupted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindInterrupted
	}
	return KindOther
}

// IsRetryable reports whether resubmitting the request after a reconnect may succeed
func IsRetryable(err error) bool {
	return KindOf(err) == KindRetry
}
