package mcpfn

import (
	"errors"
	"fmt"
)

var (
	// ErrAwaitTimeout is returned by a bounded Future wait that elapses
	// before the value is resolved.
	ErrAwaitTimeout = errors.New("await timed out")

	// ErrNotConfigured is returned when a hook set was never registered by
	// the provider.
	ErrNotConfigured = errors.New("not configured")

	// ErrNotSupported is returned when a hook set is registered but the
	// requested optional sub-hook is absent.
	ErrNotSupported = errors.New("not supported")
)

// UnknownCapabilityError reports a lookup miss on a capability table: a tool
// or prompt name, or a resource URI no registered handler claims.
type UnknownCapabilityError struct {
	// Kind is "tool", "resource", or "prompt".
	Kind string
	// Name is the name or URI that missed.
	Name string
}

func (e UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown %s: %s", e.Kind, e.Name)
}

// toJSONRPCError converts an arbitrary handler failure into a protocol
// error. A JSONRPCError passes through verbatim, an UnknownCapabilityError
// maps to invalid params, and anything else is wrapped as an internal error
// with the original message kept for operability.
func toJSONRPCError(err error) *JSONRPCError {
	var jerrp *JSONRPCError
	if errors.As(err, &jerrp) {
		return jerrp
	}
	var jerr JSONRPCError
	if errors.As(err, &jerr) {
		return &jerr
	}

	var unknown UnknownCapabilityError
	if errors.As(err, &unknown) {
		return &JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: unknown.Error(),
		}
	}

	return &JSONRPCError{
		Code:    jsonRPCInternalErrorCode,
		Message: err.Error(),
	}
}
