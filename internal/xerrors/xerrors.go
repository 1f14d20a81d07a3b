// Package xerrors defines the error-kind taxonomy shared by every core
// package, so callers can dispatch on kind rather than parse messages.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way the core's callers need to react to it.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindValidation         Kind = "validation"
	KindLockAcquisition    Kind = "lock_acquisition"
	KindOptimisticLock     Kind = "optimistic_lock"
	KindConflict           Kind = "conflict"
	KindInsufficientBlocks Kind = "insufficient_blocks"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindExpired            Kind = "expired"
	KindAlreadySettled     Kind = "already_settled"
	KindTransport          Kind = "transport"
	KindInternal           Kind = "internal"
)

// Error wraps an underlying cause with a Kind and a message.
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

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind, preserving cause for errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or KindInternal if err doesn't carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func NotFound(msg string) *Error           { return New(KindNotFound, msg) }
func Validation(msg string) *Error         { return New(KindValidation, msg) }
func LockAcquisition(msg string) *Error    { return New(KindLockAcquisition, msg) }
func OptimisticLock(msg string) *Error     { return New(KindOptimisticLock, msg) }
func Conflict(msg string) *Error           { return New(KindConflict, msg) }
func InsufficientBlocks(msg string) *Error { return New(KindInsufficientBlocks, msg) }
func InsufficientBalance(msg string) *Error {
	return New(KindInsufficientBalance, msg)
}
func Expired(msg string) *Error        { return New(KindExpired, msg) }
func AlreadySettled(msg string) *Error { return New(KindAlreadySettled, msg) }
func Transport(msg string) *Error      { return New(KindTransport, msg) }
func Internal(msg string) *Error       { return New(KindInternal, msg) }
