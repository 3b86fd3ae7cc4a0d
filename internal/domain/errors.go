package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a caller-visible failure.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalidRequest    Kind = "INVALID_REQUEST"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindUnauthenticated   Kind = "UNAUTHENTICATED"
	KindInvalidState      Kind = "INVALID_STATE"
	KindConflict          Kind = "CONFLICT"
	KindLimitExceeded     Kind = "LIMIT_EXCEEDED"
)

// Error is a typed, per-request failure. Reason is a stable machine-readable code.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any error of the same kind, so callers can compare against the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound, Reason: string(KindNotFound), Message: "not found"}
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest, Reason: string(KindInvalidRequest), Message: "invalid request"}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds, Reason: string(KindInsufficientFunds), Message: "insufficient funds"}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized, Reason: string(KindUnauthorized), Message: "unauthorized"}
	ErrUnauthenticated   = &Error{Kind: KindUnauthenticated, Reason: string(KindUnauthenticated), Message: "unauthenticated"}
	ErrInvalidState      = &Error{Kind: KindInvalidState, Reason: string(KindInvalidState), Message: "invalid state"}
	ErrConflict          = &Error{Kind: KindConflict, Reason: string(KindConflict), Message: "conflict"}
	ErrLimitExceeded     = &Error{Kind: KindLimitExceeded, Reason: string(KindLimitExceeded), Message: "limit exceeded"}
)

func newError(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Reason: string(kind), Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return newError(KindNotFound, format, args...)
}

func InvalidRequest(format string, args ...any) error {
	return newError(KindInvalidRequest, format, args...)
}

func InsufficientFunds(format string, args ...any) error {
	return newError(KindInsufficientFunds, format, args...)
}

func Unauthorized(format string, args ...any) error {
	return newError(KindUnauthorized, format, args...)
}

func Unauthenticated(format string, args ...any) error {
	return newError(KindUnauthenticated, format, args...)
}

func InvalidState(format string, args ...any) error {
	return newError(KindInvalidState, format, args...)
}

func Conflict(format string, args ...any) error {
	return newError(KindConflict, format, args...)
}

// LimitExceeded carries a specific reason so clients can tell policies apart.
func LimitExceeded(reason, format string, args ...any) error {
	return &Error{Kind: KindLimitExceeded, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of a typed error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
