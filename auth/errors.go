package auth

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a manager failure. The HTTP layer maps each kind to a status.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindUnauthorized
	KindUpstream
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindUpstream:
		return "upstream"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Error is returned by every Manager operation. Message is safe for clients;
// Err carries the cause for logs only.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func badRequest(msg string) *Error {
	return &Error{Kind: KindBadRequest, Message: msg}
}

func unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

func internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

func rateLimited(wait time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: "too many requests", RetryAfter: wait}
}
