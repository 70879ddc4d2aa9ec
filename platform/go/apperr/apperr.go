package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the response taxonomy. Every error that
// reaches the HTTP edge is translated from its Kind; handlers never pick
// status codes directly.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthN          Kind = "authn"
	KindAuthZ          Kind = "authz"
	KindTenantBoundary Kind = "tenant_boundary"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindDependencyDown Kind = "dependency_down"
	KindInternal       Kind = "internal"
)

// Well-known error codes surfaced to clients.
const (
	CodeTenantUnresolved     = "TENANT_UNRESOLVED"
	CodeTenantBindingMissing = "TENANT_BINDING_MISSING"
	CodeTenantMismatch       = "TENANT_MISMATCH"
	CodeQueueUnavailable     = "QUEUE_UNAVAILABLE"
	CodeAlreadyRefunded      = "ALREADY_REFUNDED"
	CodeInvalidCredentials   = "INVALID_CREDENTIALS"
	CodeTokenExpired         = "TOKEN_EXPIRED"
	CodeReceiptCollision     = "RECEIPT_COLLISION"
	CodePermissionDenied     = "PERMISSION_DENIED"
	CodePasswordChange       = "PASSWORD_CHANGE_REQUIRED"
)

// Error is the tagged error value carried across internal boundaries.
// The zero Details map is omitted from responses.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
	Details map[string]string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails attaches field-level details, e.g. validation failures.
func (e *Error) WithDetails(details map[string]string) *Error {
	e.Details = details
	return e
}

// HTTPStatus maps the error to a response status. Tenant boundary errors are
// 403 only for mismatches; unresolved/unbound tenants are client errors.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthN:
		return http.StatusUnauthorized
	case KindAuthZ:
		return http.StatusForbidden
	case KindTenantBoundary:
		if e.Code == CodeTenantMismatch {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDependencyDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func Validationf(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func AuthN(code, message string) *Error {
	return &Error{Kind: KindAuthN, Code: code, Message: message}
}

func AuthZ(message string) *Error {
	return &Error{Kind: KindAuthZ, Code: CodePermissionDenied, Message: message}
}

func TenantBoundary(code, message string) *Error {
	return &Error{Kind: KindTenantBoundary, Code: code, Message: message}
}

func NotFound(resource string) *Error {
	return &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: resource + " not found"}
}

func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

func DependencyDown(code, message string, err error) *Error {
	return &Error{Kind: KindDependencyDown, Code: code, Message: message, Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL_ERROR", Message: "an unexpected error occurred", Err: err}
}

// Wrap annotates err with a kind and code while preserving the chain.
func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// From extracts an *Error from err's chain, or wraps it as internal.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// KindOf reports the Kind of err, KindInternal for untagged errors.
func KindOf(err error) Kind {
	return From(err).Kind
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}
