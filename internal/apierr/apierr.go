// Package apierr defines the error taxonomy returned by the request pipeline.
// Callers classify failures with errors.Is and errors.As rather than by
// inspecting messages.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthenticated is returned when a request needs credentials and none
	// are stored.
	ErrUnauthenticated = errors.New("unauthenticated: no credentials present")

	// ErrSessionExpired is returned when credential renewal failed. Local
	// session state has been cleared and a fresh login is required.
	ErrSessionExpired = errors.New("session expired: credential renewal failed")
)

// HTTPStatuser provides HTTP status information for errors.
type HTTPStatuser interface {
	Status() (int, string)
}

// TransportError is a network-level failure: the request did not produce an
// HTTP response. It is never retried automatically.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure for %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError is a non-2xx response from the remote API, surfaced as-is.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *APIError) Status() (int, string) {
	return e.StatusCode, http.StatusText(e.StatusCode)
}

// Retryable reports whether a caller-side retry policy may reasonably retry
// the failed operation. Session and authentication failures are never
// retryable: they need a new login.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}

	return false
}

// StatusOf extracts the HTTP status from an error. Errors that carry no status
// report 0.
func StatusOf(err error) int {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		status, _ := statuser.Status()
		return status
	}
	return 0
}
