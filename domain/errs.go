// Package domain holds the core types and error taxonomy shared by every
// component of the queue core: tickets, queues, appointments, service-time
// samples, subscriber sessions, and the five kinds of error a mutation can
// fail with.
package domain

import (
	"github.com/cockroachdb/errors"
)

// Kind classifies an error the way operators and clients need to react to
// it, independent of the Go type that carries it.
type Kind int

const (
	KindValidation Kind = iota
	KindPrecondition
	KindAuthorization
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition"
	case KindAuthorization:
		return "authorization"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// markers, one per Kind, used with errors.Is/errors.Mark.
var (
	markValidation   = errors.New("validation")
	markPrecondition = errors.New("precondition")
	markAuthorization = errors.New("authorization")
	markTransient    = errors.New("transient")
	markFatal        = errors.New("fatal")
)

// CodedError is a client-visible error: a short machine-readable code and a
// human-readable message, per spec's error handling design.
type CodedError struct {
	kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *CodedError) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *CodedError) Unwrap() error { return e.cause }

// Kind reports which of the five taxonomy kinds this error belongs to.
func (e *CodedError) Kind() Kind { return e.kind }

func newErr(kind Kind, mark error, code, msg string) *CodedError {
	return &CodedError{kind: kind, Code: code, Message: msg, cause: errors.Mark(errors.Newf("%s", msg), mark)}
}

// Validation constructs a validation-kind error: unknown ids, malformed
// requests, ids from the wrong shop.
func Validation(code, msg string) *CodedError { return newErr(KindValidation, markValidation, code, msg) }

// Precondition constructs a precondition-kind error: illegal state
// transition, queue closed, at capacity, duplicate customer.
func Precondition(code, msg string) *CodedError {
	return newErr(KindPrecondition, markPrecondition, code, msg)
}

// Authorization constructs an authorization-kind error: forbidden
// subscription, permission denied.
func Authorization(code, msg string) *CodedError {
	return newErr(KindAuthorization, markAuthorization, code, msg)
}

// Transient constructs a transient-kind error: persistence retries,
// broadcast queue overflow.
func Transient(code, msg string) *CodedError { return newErr(KindTransient, markTransient, code, msg) }

// Fatal constructs a fatal-kind error: invariant violation detected after a
// mutation.
func Fatal(code, msg string) *CodedError { return newErr(KindFatal, markFatal, code, msg) }

// IsPrecondition reports whether err (or something it wraps) is a
// precondition-kind error.
func IsPrecondition(err error) bool { return errors.Is(err, markPrecondition) }

// IsValidation reports whether err (or something it wraps) is a
// validation-kind error.
func IsValidation(err error) bool { return errors.Is(err, markValidation) }

// IsTransient reports whether err (or something it wraps) is a
// transient-kind error.
func IsTransient(err error) bool { return errors.Is(err, markTransient) }

// Well-known codes referenced by spec §7/§8 and the concrete scenarios.
const (
	CodeQueueClosed        = "queue_closed"
	CodeDuplicateCustomer  = "duplicate_customer"
	CodeAtCapacity         = "at_capacity"
	CodeIllegalState       = "illegal_state"
	CodeNotFound           = "not_found"
	CodeWrongShop          = "wrong_shop"
	CodeWrongDay           = "wrong_day"
	CodeForbiddenGroup     = "forbidden_group"
	CodeInvalidToken       = "invalid_token"
	CodeInactiveUser       = "inactive_user"
	CodeProtocolError      = "protocol_error"
	CodeResyncRequired     = "resync_required"
	CodeInvariantViolation = "invariant_violation"
)

// Wrap attaches context to err without changing its Kind classification,
// mirroring cockroachdb/errors.Wrapf used throughout the teacher's stack.
func Wrap(err error, msg string) error {
	return errors.Wrapf(err, "%s", msg)
}
