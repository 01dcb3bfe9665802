package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrPartialCredentials is returned when exactly one of the access and
// refresh tokens is present.
var ErrPartialCredentials = errors.New("credentials must carry both an access and a refresh token")

// Credentials is the access/refresh token pair representing an authenticated
// session. The zero value means "no session".
type Credentials struct {
	AccessToken  string    `yaml:"access_token"`
	RefreshToken string    `yaml:"refresh_token"`
	ExpiresAt    time.Time `yaml:"expires_at,omitempty"`
}

// IsZero reports whether no token is present.
func (c Credentials) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Validate enforces that both tokens are present or both are absent.
func (c Credentials) Validate() error {
	if (c.AccessToken == "") != (c.RefreshToken == "") {
		return ErrPartialCredentials
	}
	return nil
}

// ExpiresWithin reports whether the access token expires within skew of now.
// Credentials with unknown expiry never report as expiring: the server's 401
// is the authority in that case.
func (c Credentials) ExpiresWithin(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// Fingerprint identifies the access token in logs and debug output without
// revealing it.
func (c Credentials) Fingerprint() string {
	if c.AccessToken == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(c.AccessToken))
	return hex.EncodeToString(sum[:])[:12]
}

// TokenResponse is the body returned by both the login and renewal endpoints.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// Credentials converts the response into stored credentials. When the server
// omits expires_in, the expiry is taken from the access token's exp claim if
// the token is a JWT.
func (r TokenResponse) Credentials(now time.Time) (Credentials, error) {
	if r.AccessToken == "" || r.RefreshToken == "" {
		return Credentials{}, fmt.Errorf("token response incomplete: %w", ErrPartialCredentials)
	}

	creds := Credentials{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
	}

	if r.ExpiresIn > 0 {
		creds.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	} else if expiry, ok := ExpiryFromToken(r.AccessToken); ok {
		creds.ExpiresAt = expiry
	}

	return creds, nil
}

// ExpiryFromToken reads the exp claim of a JWT access token without verifying
// its signature. The client is not the audience of the token: the signature
// is the server's concern, the expiry is only used to schedule renewal.
func ExpiryFromToken(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}

	return claims.ExpiresAt.Time, true
}
