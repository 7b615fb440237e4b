package plugin

import (
	"context"
	"errors"
	"fmt"
)

// ErrPluginNotFound is matched by every *LookupError.
var ErrPluginNotFound = errors.New("plugin not found")

// LookupError is returned when no adapter is registered under Name.
type LookupError struct {
	Name string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("no payment plugin registered for name %q", e.Name)
}

func (e *LookupError) Is(target error) bool { return target == ErrPluginNotFound }

// FailureKind classifies a failed adapter call.
type FailureKind string

const (
	FailureTimeout   FailureKind = "TIMEOUT"
	FailureRejected  FailureKind = "REJECTED"
	FailureMalformed FailureKind = "MALFORMED_RESPONSE"
)

// InvocationError is returned when the adapter call itself failed.
type InvocationError struct {
	Plugin string
	Kind   FailureKind
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.Plugin, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Rejected builds an InvocationError of kind REJECTED. Adapters use it for
// calls the gateway refused.
func Rejected(pluginName string, err error) *InvocationError {
	return &InvocationError{Plugin: pluginName, Kind: FailureRejected, Err: err}
}

// Malformed builds an InvocationError of kind MALFORMED_RESPONSE.
func Malformed(pluginName string, err error) *InvocationError {
	return &InvocationError{Plugin: pluginName, Kind: FailureMalformed, Err: err}
}

// Timeout builds an InvocationError of kind TIMEOUT.
func Timeout(pluginName string, err error) *InvocationError {
	return &InvocationError{Plugin: pluginName, Kind: FailureTimeout, Err: err}
}

// KindOf returns the failure kind of err, or "" if err is not an InvocationError.
func KindOf(err error) FailureKind {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ""
}

// IsTimeout reports whether err is a timed out invocation.
func IsTimeout(err error) bool {
	if KindOf(err) == FailureTimeout {
		return true
	}
	return KindOf(err) == "" && errors.Is(err, context.DeadlineExceeded)
}
