// Package errs defines the error taxonomy shared by the relay and its clients.
//
// Every error carries a Kind. Callers test for a kind with errors.Is against the
// exported sentinels, e.g. errors.Is(err, errs.ErrAuthorization).
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInternal        Kind = "INTERNAL"
	KindValidation      Kind = "VALIDATION"
	KindAuthorization   Kind = "AUTHORIZATION"
	KindDecryption      Kind = "DECRYPTION"
	KindNotFound        Kind = "NOT_FOUND"
	KindNoRecipientKeys Kind = "NO_RECIPIENT_KEYS"
)

type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so sentinels compare by kind only.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrAuthorization   = &Error{Kind: KindAuthorization}
	ErrDecryption      = &Error{Kind: KindDecryption}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrNoRecipientKeys = &Error{Kind: KindNoRecipientKeys}
)

func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Validation(format string, args ...interface{}) error {
	return New(KindValidation, format, args...)
}

func Authorization(format string, args ...interface{}) error {
	return New(KindAuthorization, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return New(KindNotFound, format, args...)
}

func Decryption(cause error, format string, args ...interface{}) error {
	return Wrap(KindDecryption, cause, format, args...)
}

func NoRecipientKeys(format string, args ...interface{}) error {
	return New(KindNoRecipientKeys, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
