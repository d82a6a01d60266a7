// Package apperr defines the structured error kinds surfaced by the compliance core.
package apperr

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure for callers.
type Kind string

const (
	KindNotFound                 Kind = "not_found"
	KindChainConflict            Kind = "chain_conflict"
	KindReferenceDataUnavailable Kind = "reference_data_unavailable"
	KindPersistenceFailure       Kind = "persistence_failure"
	KindValidation               Kind = "validation_error"
	KindForbidden                Kind = "forbidden"
)

// Error is a single structured failure: kind plus message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: errors.WithStack(err)}
}

func NotFound(format string, args ...any) error {
	return New(KindNotFound, format, args...)
}

func Validation(format string, args ...any) error {
	return New(KindValidation, format, args...)
}

func Forbidden(format string, args ...any) error {
	return New(KindForbidden, format, args...)
}

func ChainConflict(format string, args ...any) error {
	return New(KindChainConflict, format, args...)
}

// Persistence wraps a storage error unless it already carries a kind.
func Persistence(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return errors.WithMessagef(err, format, args...)
	}
	return Wrap(err, KindPersistenceFailure, format, args...)
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
