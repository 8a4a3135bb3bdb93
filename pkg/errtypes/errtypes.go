// Package errtypes contains definitons for common errors.
// It would have nice to call this package errors, err or error
// but errors clashes with github.com/pkg/errors, err is used for any error variable
// and error is a reserved word :)
package errtypes

import "strings"

// NotFound is the error to use when a resource something is not found.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound is the method to check for w
func (e NotFound) IsNotFound() {}

// AlreadyExists is the error to use when a resource already exists.
type AlreadyExists string

func (e AlreadyExists) Error() string { return "error: already exists: " + string(e) }

// IsAlreadyExists implements the IsAlreadyExists interface.
func (e AlreadyExists) IsAlreadyExists() {}

// BadRequest is the error to use when the request is malformed or misses
// required input.
type BadRequest string

func (e BadRequest) Error() string { return "error: bad request: " + string(e) }

// IsBadRequest implements the IsBadRequest interface.
func (e BadRequest) IsBadRequest() {}

// PermissionDenied is the error to use when a caller lacks the rights to
// perform an operation.
type PermissionDenied string

func (e PermissionDenied) Error() string { return "error: permission denied: " + string(e) }

// IsPermissionDenied implements the IsPermissionDenied interface.
func (e PermissionDenied) IsPermissionDenied() {}

// MissingCredential is the error to use when a credential is required but
// none was supplied.
type MissingCredential string

func (e MissingCredential) Error() string { return "error: missing credential: " + string(e) }

// IsMissingCredential implements the IsMissingCredential interface.
func (e MissingCredential) IsMissingCredential() {}

// InvalidCredentials is the error to use when receiving invalid credentials.
type InvalidCredentials string

func (e InvalidCredentials) Error() string { return "error: invalid credentials: " + string(e) }

// IsInvalidCredentials implements the IsInvalidCredentials interface.
func (e InvalidCredentials) IsInvalidCredentials() {}

// Conflict is the error to use when a generated identifier keeps colliding
// with existing rows.
type Conflict string

func (e Conflict) Error() string { return "error: conflict: " + string(e) }

// IsConflict implements the IsConflict interface.
func (e Conflict) IsConflict() {}

// TooLarge is the error to use when a request body exceeds the configured
// upload limit.
type TooLarge string

func (e TooLarge) Error() string { return "error: too large: " + string(e) }

// IsTooLarge implements the IsTooLarge interface.
func (e TooLarge) IsTooLarge() {}

// RangeNotSatisfiable is the error to use when a byte range lies outside
// the stored content.
type RangeNotSatisfiable string

func (e RangeNotSatisfiable) Error() string { return "error: range not satisfiable: " + string(e) }

// IsRangeNotSatisfiable implements the IsRangeNotSatisfiable interface.
func (e RangeNotSatisfiable) IsRangeNotSatisfiable() {}

// NotSupported is the error to use when an action is not supported.
type NotSupported string

func (e NotSupported) Error() string { return "error: not supported: " + string(e) }

// IsNotSupported implements the IsNotSupported interface.
func (e NotSupported) IsNotSupported() {}

// InternalError is the error to use when an unexpected infrastructure
// failure reaches the boundary.
type InternalError string

func (e InternalError) Error() string { return "error: internal error: " + string(e) }

// IsInternalError implements the IsInternalError interface.
func (e InternalError) IsInternalError() {}

// Unavailable is the error to use when a backing system cannot be reached.
type Unavailable string

func (e Unavailable) Error() string { return "error: unavailable: " + string(e) }

// IsUnavailable implements the IsUnavailable interface.
func (e Unavailable) IsUnavailable() {}

type joinErrors []error

// Join combines multiple errors into one, keeping every message.
func Join(err ...error) error {
	return joinErrors(err)
}

func (e joinErrors) Error() string {
	var b strings.Builder
	for i, err := range e {
		b.WriteString(err.Error())
		if i != len(e)-1 {
			b.WriteString(", ")
		}
	}
	return b.String()
}

// IsNotFound is the interface to implement
// to specify that an a resource is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsAlreadyExists is the interface to implement
// to specify that a resource already exists.
type IsAlreadyExists interface {
	IsAlreadyExists()
}

// IsBadRequest is the interface to implement
// to specify that the request was malformed.
type IsBadRequest interface {
	IsBadRequest()
}

// IsPermissionDenied is the interface to implement
// to specify that the caller may not perform an action.
type IsPermissionDenied interface {
	IsPermissionDenied()
}

// IsMissingCredential is the interface to implement
// to specify that a credential was required but absent.
type IsMissingCredential interface {
	IsMissingCredential()
}

// IsInvalidCredentials is the interface to implement
// to specify that credentials were wrong.
type IsInvalidCredentials interface {
	IsInvalidCredentials()
}

// IsConflict is the interface to implement
// to specify that an identifier collision could not be resolved.
type IsConflict interface {
	IsConflict()
}

// IsTooLarge is the interface to implement
// to specify that a payload exceeded the configured limit.
type IsTooLarge interface {
	IsTooLarge()
}

// IsRangeNotSatisfiable is the interface to implement
// to specify that a byte range was out of bounds.
type IsRangeNotSatisfiable interface {
	IsRangeNotSatisfiable()
}

// IsNotSupported is the interface to implement
// to specify that an action is not supported.
type IsNotSupported interface {
	IsNotSupported()
}

// IsInternalError is the interface to implement
// to specify that the failure was unexpected.
type IsInternalError interface {
	IsInternalError()
}

// IsUnavailable is the interface to implement
// to specify that a backing system is down.
type IsUnavailable interface {
	IsUnavailable()
}
