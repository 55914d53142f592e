// Package wnerr defines the error taxonomy used across the core (spec §7):
// InvalidInput, NotFound, AuthZ, Protocol, Network, Storage, Integrity.
package wnerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation/retry decisions.
type Kind int

const (
	InvalidInput Kind = iota
	NotFound
	AuthZ
	Protocol
	Network
	Storage
	Integrity
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	case AuthZ:
		return "authz"
	case Protocol:
		return "protocol"
	case Network:
		return "network"
	case Storage:
		return "storage"
	case Integrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Error is a structured error carrying a kind tag, an operation name and the
// underlying cause. Callers surface Kind + Message to hosts; they never need
// to parse the message to make decisions.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is comparisons against a bare Kind sentinel wrapped in
// an *Error, e.g. errors.Is(err, wnerr.NotFound) is not valid Go (Kind isn't
// an error); use KindOf instead for kind checks.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Storage (the safest,
// non-retryable default) when err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Storage
}

// IsRetryable reports whether the router should retry an event that failed
// with err. Per spec §7, everything except Storage and Integrity is a retry
// candidate.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case Storage, Integrity:
		return false
	default:
		return true
	}
}

func NotFoundf(op, format string, args ...any) *Error {
	return New(NotFound, op, fmt.Errorf(format, args...))
}

func InvalidInputf(op, format string, args ...any) *Error {
	return New(InvalidInput, op, fmt.Errorf(format, args...))
}
