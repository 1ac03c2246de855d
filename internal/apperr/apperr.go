package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can decide between recovery and surfacing.
type Kind string

const (
	KindInternal      Kind = "internal"
	KindInvalidInput  Kind = "invalid_input"
	KindTimeout       Kind = "timeout"
	KindNotFound      Kind = "not_found"
	KindUpstream      Kind = "upstream_error"
	KindParse         Kind = "parse_error"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindConfiguration Kind = "configuration_error"
	KindPersistence   Kind = "persistence_error"
)

// Error is a typed failure carrying a stable kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of the outermost typed error, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
