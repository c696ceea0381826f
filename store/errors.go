package store

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuthorization
	KindNotFound
	KindTransient
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is the typed error of the messaging core. Two errors match with errors.Is
// when their kinds are equal, so the sentinels below work as kind tests.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrTransient     = &Error{Kind: KindTransient}
	ErrConflict      = &Error{Kind: KindConflict}
)

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Errorf creates a typed error of given kind.
func Errorf(kind Kind, op string, format string, args ...interface{}) error {
	return newError(kind, op, format, args...)
}

// Wrap annotates err with op, preserving its kind. Untyped errors are returned
// wrapped as is.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op != "" {
			op += ": " + e.Op
		}
		return &Error{Kind: e.Kind, Op: op, Msg: e.Msg, Err: e.Err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// KindOf returns the kind of err, zero if err is not typed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
