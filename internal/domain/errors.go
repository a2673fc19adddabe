package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAuth           = errors.New("unauthenticated")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrConflict       = errors.New("conflict")
	ErrRelay          = errors.New("relay failed")
	ErrInvalidRequest = errors.New("invalid request")
)

// Error is a classified error whose message may be shown to clients.
// Anything else wrapping a sentinel only shows the sentinel's text.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Kind.Error() + ": " + e.Msg }
func (e *Error) Unwrap() error { return e.Kind }

// Errorf builds a client-facing error of kind.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
