// Package apperr defines the structured error taxonomy shared by every
// component: a Kind tag plus a Context describing where and on what entities
// the error occurred, as required by the error handling design.
package apperr

import "fmt"

type Kind string

const (
	Validation        Kind = "Validation"
	NotFound          Kind = "NotFound"
	PermissionDenied  Kind = "PermissionDenied"
	Conflict          Kind = "Conflict"
	InvalidTransition Kind = "InvalidTransition" // Conflict subtype
	Timeout           Kind = "Timeout"
	RateLimited       Kind = "RateLimited"
	DependencyCycle   Kind = "DependencyCycle"
	ResourceExhausted Kind = "ResourceExhausted"
	Internal          Kind = "Internal"
)

// Context carries structured diagnostic fields alongside an Error.
type Context struct {
	Component string
	Operation string
	EntityIDs []string
	Metadata  map[string]any
}

// Error is the uniform error type returned across component boundaries.
type Error struct {
	Kind    Kind
	Ctx     Context
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s [%s/%s %v]: %v", e.Kind, e.Message, e.Ctx.Component, e.Ctx.Operation, e.Ctx.EntityIDs, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s [%s/%s %v]", e.Kind, e.Message, e.Ctx.Component, e.Ctx.Operation, e.Ctx.EntityIDs)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New constructs an Error of the given kind.
func New(kind Kind, component, operation, message string, entityIDs ...string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Ctx: Context{
			Component: component,
			Operation: operation,
			EntityIDs: entityIDs,
		},
	}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, component, operation string, err error, entityIDs ...string) *Error {
	return &Error{
		Kind:    kind,
		Message: err.Error(),
		Wrapped: err,
		Ctx: Context{
			Component: component,
			Operation: operation,
			EntityIDs: entityIDs,
		},
	}
}

// WithMetadata attaches metadata fields, returning the same *Error for chaining.
func (e *Error) WithMetadata(kv ...any) *Error {
	if e.Ctx.Metadata == nil {
		e.Ctx.Metadata = make(map[string]any, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e.Ctx.Metadata[key] = kv[i+1]
	}
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, otherwise
// returns Internal.
func KindOf(err error) Kind {
	var ae *Error
	if As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// As is a thin wrapper so callers don't need to import errors directly in
// the common case of unwrapping a single *Error.
func As(err error, target **Error) bool {
	for err != nil {
		if ae, ok := err.(*Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
