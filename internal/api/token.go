// ABOUTME: Reads the viewer id and expiry out of the session JWT
// ABOUTME: The token is not verified here; the backend verifies it on every request

package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrMalformedToken = errors.New("malformed session token")
	ErrMissingSubject = errors.New("session token has no subject")
)

// Viewer is the identity carried by a session token.
type Viewer struct {
	ID        string
	ExpiresAt time.Time // zero when the token has no exp claim
}

// Expired reports whether the token is past its expiry at now.
func (v Viewer) Expired(now time.Time) bool {
	return !v.ExpiresAt.IsZero() && !now.Before(v.ExpiresAt)
}

// ViewerFromToken extracts the viewer from the token's sub and exp claims.
// An already expired token returns the viewer together with ErrUnauthorized
// so the caller can skip a round trip that would 401 anyway.
func ViewerFromToken(token string, now time.Time) (Viewer, error) {
	if token == "" {
		return Viewer{}, ErrNoToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Viewer{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Viewer{}, ErrMissingSubject
	}
	v := Viewer{ID: sub}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Viewer{}, fmt.Errorf("%w: exp: %v", ErrMalformedToken, err)
	}
	if exp != nil {
		v.ExpiresAt = exp.Time
	}
	if v.Expired(now) {
		return v, fmt.Errorf("%w: token expired at %s", ErrUnauthorized, v.ExpiresAt.Format(time.RFC3339))
	}
	return v, nil
}
