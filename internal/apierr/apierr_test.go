package apierr_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/carebridge/carebridge-client/internal/apierr"
	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "transport", err: &apierr.TransportError{Method: "GET", Path: "/x", Err: context.DeadlineExceeded}, expected: true},
		{name: "wrapped transport", err: fmt.Errorf("fetch: %w", &apierr.TransportError{Err: errors.New("refused")}), expected: true},
		{name: "server error", err: &apierr.APIError{StatusCode: http.StatusBadGateway}, expected: true},
		{name: "client error", err: &apierr.APIError{StatusCode: http.StatusNotFound}, expected: false},
		{name: "session expired", err: apierr.ErrSessionExpired, expected: false},
		{name: "unauthenticated", err: apierr.ErrUnauthenticated, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, apierr.Retryable(tt.err))
		})
	}
}

func TestStatusOf(t *testing.T) {
	err := fmt.Errorf("query failed: %w", &apierr.APIError{StatusCode: http.StatusConflict, Body: []byte(`{}`)})
	assert.Equal(t, http.StatusConflict, apierr.StatusOf(err))
	assert.Equal(t, 0, apierr.StatusOf(errors.New("plain")))
}

func TestTransportError_Unwrap(t *testing.T) {
	err := &apierr.TransportError{Method: "GET", Path: "/appointments", Err: context.Canceled}

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "transport failure for GET /appointments: context canceled", err.Error())
}

func TestAPIError_Status(t *testing.T) {
	err := &apierr.APIError{StatusCode: http.StatusTeapot}

	status, message := err.Status()
	assert.Equal(t, http.StatusTeapot, status)
	assert.Equal(t, "I'm a teapot", message)
	assert.Equal(t, "api error: 418 I'm a teapot", err.Error())
}
