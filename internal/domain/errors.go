package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the taxonomy shared by every layer. All
// engine and storage faults are translated into one of these kinds at the
// boundary that observed them; nothing above that boundary inspects raw
// engine or driver error shapes.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindForbidden       Kind = "forbidden"
	KindBadRequest      Kind = "bad_request"
	KindValidation      Kind = "validation"
	KindTooManyRequests Kind = "too_many_requests"
	KindImagePull       Kind = "image_pull"
	KindInternal        Kind = "internal"
)

// Error is a tagged domain error carrying a stable kind and message, plus the
// wrapped lower-level cause for logging.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches domain errors by kind so callers can compare with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// HTTPStatus maps the kind to the status code the transport layer renders.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindBadRequest, KindValidation:
		return http.StatusBadRequest
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	case KindImagePull:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NotFound reports that a referenced container, environment or execution
// does not exist.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Forbidden reports an authenticated but unauthorized access.
func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// BadRequest reports malformed input or an invalid state transition request.
func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Validation reports a precondition failure such as an unsupported language.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// TooManyRequests reports a rate governor rejection.
func TooManyRequests(format string, args ...any) *Error {
	return &Error{Kind: KindTooManyRequests, Message: fmt.Sprintf(format, args...)}
}

// ImagePull wraps a failed image pull as its own kind so callers can
// distinguish registry faults from other engine faults.
func ImagePull(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindImagePull, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Internal wraps any unclassified engine or storage fault.
func Internal(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf returns the kind of err, or KindInternal for non-domain errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}
