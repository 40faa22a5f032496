package boost

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the transport boundary.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindBadToken            Kind = "bad_token"
	KindShortDuration       Kind = "short_duration"
	KindNotFound            Kind = "not_found"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindDuplicate           Kind = "duplicate"
	KindNothingAvailable    Kind = "nothing_available"
	KindUpstream            Kind = "upstream"
	KindInternal            Kind = "internal"
)

const (
	internalErrorMessage = "internal error"
	upstreamErrorMessage = "upstream service unavailable"
)

var (
	ErrMissingDatabase     = errors.New("database handle is required")
	ErrMissingIDProvider   = errors.New("id provider is required")
	ErrMissingDependency   = errors.New("required dependency is missing")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyCredited     = errors.New("reward already credited")
	ErrOrderNotFound       = errors.New("order not found")
	ErrPlanNotFound        = errors.New("plan not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrNothingAvailable    = errors.New("no video available to watch")
	ErrInvalidToken        = errors.New("invalid or expired token")
	ErrShortDuration       = errors.New("watch duration too short")
	ErrInvalidInput        = errors.New("invalid input")
	ErrDetailsUnavailable  = errors.New("could not fetch video details")
)

// Error is the failure half of every boost operation result.
type Error struct {
	kind    Kind
	code    string
	message string
	err     error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind reports the failure class.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code is "operation.reason".
func (e *Error) Code() string {
	return e.code
}

// Message is safe to show to clients. Internal and upstream failures without an
// explicit message never expose their cause.
func (e *Error) Message() string {
	if e.message != "" {
		return e.message
	}
	switch e.kind {
	case KindInternal:
		return internalErrorMessage
	case KindUpstream:
		return upstreamErrorMessage
	}
	if e.err != nil {
		return e.err.Error()
	}
	return e.code
}

func newError(kind Kind, operation, reason, message string, cause error) error {
	return &Error{
		kind:    kind,
		code:    fmt.Sprintf("%s.%s", operation, reason),
		message: message,
		err:     cause,
	}
}

// NewError builds an Error for services layered on top of this package.
func NewError(kind Kind, operation, reason, message string, cause error) error {
	return newError(kind, operation, reason, message, cause)
}

// KindOf extracts the Kind of err, treating foreign errors as internal.
func KindOf(err error) Kind {
	var boostErr *Error
	if errors.As(err, &boostErr) {
		return boostErr.kind
	}
	return KindInternal
}

// MessageOf returns the client facing message of err.
func MessageOf(err error) string {
	var boostErr *Error
	if errors.As(err, &boostErr) {
		return boostErr.Message()
	}
	return internalErrorMessage
}
