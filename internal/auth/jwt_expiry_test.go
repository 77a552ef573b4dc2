package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func makeJWT(t *testing.T, exp time.Time, includeExp bool) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "user-1"}
	if includeExp {
		claims["exp"] = jwt.NewNumericDate(exp)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("failed to build test JWT: %v", err)
	}
	return signed
}

func TestPeekJWTExpiry_ReadsExpWithoutVerifyingSignature(t *testing.T) {
	want := time.Now().Add(time.Hour).Truncate(time.Second)
	token := makeJWT(t, want, true)

	got, ok := PeekJWTExpiry(token)
	if !ok {
		t.Fatal("expected a well-formed JWT with an exp claim to be readable")
	}
	if !got.Equal(want) {
		t.Errorf("expected exp %v, got %v", want, got)
	}
}

func TestPeekJWTExpiry_NoExpClaimIsNotOK(t *testing.T) {
	token := makeJWT(t, time.Time{}, false)
	if _, ok := PeekJWTExpiry(token); ok {
		t.Error("expected a JWT with no exp claim to report ok=false")
	}
}

func TestPeekJWTExpiry_OpaqueTokenIsNotOK(t *testing.T) {
	if _, ok := PeekJWTExpiry("ya29.this-is-not-a-jwt-at-all"); ok {
		t.Error("expected an opaque (non-JWT) token to report ok=false")
	}
}

func TestPeekJWTExpiry_EmptyStringIsNotOK(t *testing.T) {
	if _, ok := PeekJWTExpiry(""); ok {
		t.Error("expected an empty string to report ok=false")
	}
}
