package refresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/carebridge/carebridge-client/internal/apierr"
	"github.com/carebridge/carebridge-client/internal/credential"
	"github.com/carebridge/carebridge-client/internal/transport"
)

// ErrRenewalRejected is returned when the server refuses the refresh token.
var ErrRenewalRejected = errors.New("refresh token rejected")

// ErrLoginRejected is returned when the server refuses a username and
// password.
var ErrLoginRejected = errors.New("login rejected")

type renewalRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HTTPRenewer renews credentials against the API's renewal endpoint. The
// request carries no Authorization header: the refresh token in the body is
// the only credential.
type HTTPRenewer struct {
	transport transport.Transport
	path      string
	now       func() time.Time
}

func NewHTTPRenewer(tr transport.Transport, path string) *HTTPRenewer {
	return &HTTPRenewer{
		transport: tr,
		path:      path,
		now:       time.Now,
	}
}

func (r *HTTPRenewer) Renew(ctx context.Context, refreshToken string) (credential.Credentials, error) {
	req, err := transport.JSON(http.MethodPost, r.path, renewalRequest{RefreshToken: refreshToken})
	if err != nil {
		return credential.Credentials{}, err
	}

	return exchange(ctx, r.transport, req, ErrRenewalRejected, r.now)
}

// Login exchanges a username and password for credentials at the login
// endpoint.
func Login(ctx context.Context, tr transport.Transport, path, username, password string) (credential.Credentials, error) {
	req, err := transport.JSON(http.MethodPost, path, loginRequest{Username: username, Password: password})
	if err != nil {
		return credential.Credentials{}, err
	}

	return exchange(ctx, tr, req, ErrLoginRejected, time.Now)
}

func exchange(ctx context.Context, tr transport.Transport, req transport.Request, rejected error, now func() time.Time) (credential.Credentials, error) {
	resp, err := tr.Do(ctx, req)
	if err != nil {
		return credential.Credentials{}, err
	}

	switch {
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		return credential.Credentials{}, fmt.Errorf("%w: %w", rejected, &apierr.APIError{StatusCode: resp.Status, Body: resp.Body})
	case !resp.OK():
		return credential.Credentials{}, &apierr.APIError{StatusCode: resp.Status, Body: resp.Body}
	}

	body, err := transport.Decode[credential.TokenResponse](resp)
	if err != nil {
		return credential.Credentials{}, fmt.Errorf("malformed token response: %w", err)
	}

	return body.Credentials(now())
}
