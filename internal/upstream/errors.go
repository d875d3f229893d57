package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Failure kinds.
var (
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limited")
	ErrTimeout     = errors.New("timeout")
	ErrUpstream    = errors.New("upstream error")
)

// Error is a classified upstream failure.
type Error struct {
	Source     string
	Kind       error // one of the Err* kinds
	StatusCode int
	RetryAfter time.Duration // server hint, 0 if none
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Source, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	return e.Kind != ErrNotFound
}

// NotFound marks err as a permanent absence (missing mint, pool or listing).
func NotFound(err error) *Error {
	return &Error{Kind: ErrNotFound, Err: err}
}

// RateLimited marks err as a 429-style rejection with an optional retry hint.
func RateLimited(retryAfter time.Duration, err error) *Error {
	return &Error{Kind: ErrRateLimited, StatusCode: 429, RetryAfter: retryAfter, Err: err}
}

// Upstream marks err as a server-side or malformed-payload failure.
func Upstream(status int, err error) *Error {
	return &Error{Kind: ErrUpstream, StatusCode: status, Err: err}
}

// FromStatus classifies an HTTP status code. It returns nil for 2xx/3xx.
func FromStatus(status int, retryAfter time.Duration, err error) *Error {
	switch {
	case status == 429:
		return RateLimited(retryAfter, err)
	case status >= 500:
		e := Upstream(status, err)
		e.RetryAfter = retryAfter
		return e
	case status >= 400:
		e := NotFound(err)
		e.StatusCode = status
		return e
	}
	return nil
}

// classify converts any error returned by an attempt into an *Error.
func classify(source string, err error) *Error {
	var ue *Error
	if errors.As(err, &ue) {
		out := *ue
		out.Source = source
		return &out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Source: source, Kind: ErrTimeout, Err: err}
	}
	return &Error{Source: source, Kind: ErrUpstream, Err: err}
}
