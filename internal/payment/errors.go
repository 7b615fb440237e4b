package payment

import (
	"errors"
	"fmt"
)

// ErrorCode identifies why a payment operation was refused.
type ErrorCode string

const (
	CodeInvalidParameter     ErrorCode = "INVALID_PARAMETER"
	CodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	CodeNoSuchSuccessPayment ErrorCode = "NO_SUCH_SUCCESS_PAYMENT"
	CodeNoSuchPayment        ErrorCode = "NO_SUCH_PAYMENT"
	CodeNoSuchPaymentMethod  ErrorCode = "NO_SUCH_PAYMENT_METHOD"
	CodeNoSuchPaymentPlugin  ErrorCode = "NO_SUCH_PAYMENT_PLUGIN"
	CodeNoSuchTransaction    ErrorCode = "NO_SUCH_TRANSACTION"
	CodePersistenceFailure   ErrorCode = "PERSISTENCE_FAILURE"
)

// Error categories. Use errors.Is against these to classify an *Error.
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence failure")
)

// Error is returned by the automaton for every refused or failed call.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the category sentinels and other *Error values with the same code.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Category() == ErrValidation
	case ErrNotFound:
		return e.Category() == ErrNotFound
	case ErrPersistence:
		return e.Category() == ErrPersistence
	}
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// Category maps the code to one of ErrValidation, ErrNotFound or ErrPersistence.
func (e *Error) Category() error {
	switch e.Code {
	case CodeInvalidParameter, CodeInvalidTransition, CodeNoSuchSuccessPayment:
		return ErrValidation
	case CodeNoSuchPayment, CodeNoSuchPaymentMethod, CodeNoSuchPaymentPlugin, CodeNoSuchTransaction:
		return ErrNotFound
	default:
		return ErrPersistence
	}
}

// NewError builds an *Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidParameter reports a bad request field.
func InvalidParameter(field, reason string) *Error {
	return NewError(CodeInvalidParameter, "invalid parameter %s: %s", field, reason)
}

// PersistenceFailure wraps a store error that aborted the current call.
func PersistenceFailure(op string, err error) *Error {
	return &Error{Code: CodePersistenceFailure, Message: op, Err: err}
}

// CodeOf returns the code carried by err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
