// Package auth provides Google OAuth authentication with PKCE for Antigravity.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PeekJWTExpiry reads the exp claim out of a JWT without verifying its
// signature. Antigravity's extracted API keys are themselves short-lived
// JWTs; this lets Credentials skip a round-trip through the Antigravity
// database/HTML extractor when the token it already holds is still fresh.
// ok is false for opaque (non-JWT) tokens, e.g. Google's OAuth access tokens.
func PeekJWTExpiry(token string) (exp time.Time, ok bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	expiresAt, err := claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return time.Time{}, false
	}
	return expiresAt.Time, true
}
