// Package apierror defines the failure taxonomy of backend calls and the
// user-presentable message attached to each kind.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a failed backend call.
type Kind int

const (
	// KindUnclassified is any failure not covered by another kind.
	KindUnclassified Kind = iota
	// KindConnectivity means no response was received at all.
	KindConnectivity
	// KindTimeout means the call exceeded its deadline.
	KindTimeout
	// KindUnauthorized means the credential is missing, invalid or expired.
	KindUnauthorized
	// KindForbidden means the credential is valid but insufficient.
	KindForbidden
	// KindNotFound means the referenced resource does not exist.
	KindNotFound
	// KindValidation means the submitted data failed backend validation.
	KindValidation
	// KindServer means the backend reported an internal error.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindTimeout:
		return "timeout"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindServer:
		return "server"
	default:
		return "unclassified"
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrConnectivity = &Error{Kind: KindConnectivity}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrValidation   = &Error{Kind: KindValidation}
	ErrServer       = &Error{Kind: KindServer}
)

// Error is a classified backend failure. Message is the localized text meant
// for the user; Detail carries whatever the backend said, for diagnostics.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

// Unwrap returns the transport error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or KindUnclassified when err is not an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnclassified
}

// ClassifyStatus maps an HTTP status code to exactly one kind. Codes below 400
// are not failures and map to KindUnclassified.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 500 && status <= 599:
		return KindServer
	default:
		return KindUnclassified
	}
}

// ClassifyTransport maps an error from the HTTP transport, where no response
// was received, to a kind.
func ClassifyTransport(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindUnclassified
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindConnectivity
}

// FromStatus builds the error for a failed response.
func FromStatus(c *Catalog, status int, detail string) *Error {
	kind := ClassifyStatus(status)
	return &Error{
		Kind:    kind,
		Status:  status,
		Message: c.Message(kind, status),
		Detail:  detail,
	}
}

// FromTransport builds the error for a call that received no response.
func FromTransport(c *Catalog, err error) *Error {
	kind := ClassifyTransport(err)
	return &Error{
		Kind:    kind,
		Message: c.Message(kind, 0),
		Detail:  err.Error(),
		Err:     err,
	}
}

// Describe renders kind, status and detail for logs.
func Describe(err error) string {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return err.Error()
	}
	if apiErr.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", apiErr.Kind, apiErr.Status, apiErr.Detail)
	}
	return fmt.Sprintf("%s: %s", apiErr.Kind, apiErr.Detail)
}
