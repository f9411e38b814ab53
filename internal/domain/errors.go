package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by externally facing operations.
var (
	ErrNotFound        = errors.New("not found")
	ErrScopeMismatch   = errors.New("scope mismatch")
	ErrInvalidState    = errors.New("invalid state")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Error is a typed failure returned by orchestrator operations.
type Error struct {
	Kind error
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return newError(ErrNotFound, op, format, args...)
}

func ScopeMismatch(op, format string, args ...any) error {
	return newError(ErrScopeMismatch, op, format, args...)
}

func InvalidState(op, format string, args ...any) error {
	return newError(ErrInvalidState, op, format, args...)
}

func PayloadTooLarge(op, format string, args ...any) error {
	return newError(ErrPayloadTooLarge, op, format, args...)
}

func InvalidArgument(op, format string, args ...any) error {
	return newError(ErrInvalidArgument, op, format, args...)
}

// Code returns a stable snake_case code for err, or "internal" when err is
// not one of the known kinds.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrScopeMismatch):
		return "scope_mismatch"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	}
	return "internal"
}
