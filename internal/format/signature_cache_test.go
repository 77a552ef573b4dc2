package format

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(redis.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	return client
}

// Testable property #9: CacheSessionSignature only replaces an existing
// entry if the new signature is longer (or equal) or the old one is expired.
func TestCacheSessionSignature_LongerWins(t *testing.T) {
	c := NewSignatureCache(nil)

	c.CacheSessionSignature("sess-1", "short")
	c.CacheSessionSignature("sess-1", "a-much-longer-signature")

	if got := c.GetSessionSignature("sess-1"); got != "a-much-longer-signature" {
		t.Errorf("expected the longer signature to win, got %q", got)
	}
}

func TestCacheSessionSignature_ShorterLoses(t *testing.T) {
	c := NewSignatureCache(nil)

	c.CacheSessionSignature("sess-1", "a-much-longer-signature")
	c.CacheSessionSignature("sess-1", "short")

	if got := c.GetSessionSignature("sess-1"); got != "a-much-longer-signature" {
		t.Errorf("expected the existing longer signature to survive a shorter write, got %q", got)
	}
}

func TestCacheSessionSignature_EqualLengthWins(t *testing.T) {
	c := NewSignatureCache(nil)

	c.CacheSessionSignature("sess-1", "abcde")
	c.CacheSessionSignature("sess-1", "fghij")

	if got := c.GetSessionSignature("sess-1"); got != "fghij" {
		t.Errorf("expected an equal-length new signature to win per new.len >= existing.len, got %q", got)
	}
}

func TestCacheSessionSignature_ExpiredEntryAlwaysReplaced(t *testing.T) {
	c := NewSignatureCache(nil)

	ttl := time.Duration(config.GeminiSignatureCacheTTLMs) * time.Millisecond
	c.sessionCache.set("sess-1", &sessionSigEntry{
		Signature: "a-much-longer-signature",
		Timestamp: time.Now().Add(-ttl - time.Second),
	})

	c.CacheSessionSignature("sess-1", "short")

	if got := c.GetSessionSignature("sess-1"); got != "short" {
		t.Errorf("expected an expired entry to be replaced even by a shorter signature, got %q", got)
	}
}

func TestCacheSessionSignature_EmptyInputsIgnored(t *testing.T) {
	c := NewSignatureCache(nil)
	c.CacheSessionSignature("", "signature")
	c.CacheSessionSignature("sess-1", "")

	if got := c.GetSessionSignature("sess-1"); got != "" {
		t.Errorf("expected no entry to be stored for empty session id or signature, got %q", got)
	}
}

func TestSignatureCache_ToolSignatureRoundTrip(t *testing.T) {
	c := NewSignatureCache(nil)
	c.CacheSignature("tool-1", "sig-abc")

	if got := c.GetCachedSignature("tool-1"); got != "sig-abc" {
		t.Errorf("expected cached tool signature to round-trip, got %q", got)
	}
	if got := c.GetCachedSignature("missing"); got != "" {
		t.Errorf("expected a miss to return empty string, got %q", got)
	}
}

func TestSignatureCache_ContentSignatureRoundTrip(t *testing.T) {
	c := NewSignatureCache(nil)
	c.CacheContentSignature("hash-1", "sig-xyz")

	if got := c.GetContentSignature("hash-1"); got != "sig-xyz" {
		t.Errorf("expected cached content signature to round-trip, got %q", got)
	}
}

func TestSignatureCache_ToolSignatureRoundTripsThroughRedis(t *testing.T) {
	client := setupTestRedis(t)
	c := NewSignatureCache(client)

	c.CacheSignature("tool-1", "sig-redis")
	if got := c.GetCachedSignature("tool-1"); got != "sig-redis" {
		t.Errorf("expected a Redis-backed signature cache to round-trip, got %q", got)
	}
}

func TestSignatureCache_ThinkingSignatureRoundTripsThroughRedis(t *testing.T) {
	client := setupTestRedis(t)
	c := NewSignatureCache(client)

	sig := "a-thinking-signature-that-is-long-enough-to-clear-the-minimum-length"
	c.CacheThinkingSignature(sig, "gemini")
	if got := c.GetCachedSignatureFamily(sig); got != "gemini" {
		t.Errorf("expected a Redis-backed thinking signature cache to round-trip, got %q", got)
	}
}
