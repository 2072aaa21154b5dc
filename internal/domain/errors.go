package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure so callers never have to inspect messages
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindInvalid
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
	KindRateLimited
	KindLocked
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	case KindLocked:
		return "locked"
	default:
		return "internal"
	}
}

// Expected reports whether the kind is an anticipated client-side outcome.
// Expected failures never count against an endpoint's fault budget.
func (k ErrorKind) Expected() bool {
	return k != KindInternal
}

// HTTPStatus maps the kind onto its transport status
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalid:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden, KindRateLimited:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindLocked:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the constant body sent to clients for the kind
func (k ErrorKind) PublicMessage() string {
	switch k {
	case KindInvalid:
		return "invalid request"
	case KindUnauthenticated:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "already exists"
	case KindRateLimited:
		return "too many requests"
	case KindLocked:
		return "endpoint temporarily unavailable"
	default:
		return "internal server error"
	}
}

// Error carries a kind plus the operation that produced it
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a kinded error for op
func E(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
// Anything unrecognised is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}

// PanicError wraps a value recovered from a panicking handler
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}
