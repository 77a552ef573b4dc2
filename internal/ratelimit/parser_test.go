package ratelimit

import "testing"

// Testable property #10: parse_duration_string("1h30m") == 5400 ∧
// parse_duration_string("30s") == 30 ∧ parse_duration_string("2h1m1s") == 7261.
func TestParseDurationString(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1h30m", 5400},
		{"30s", 30},
		{"2h1m1s", 7261},
		{"not a duration", -1},
	}

	for _, c := range cases {
		if got := ParseDurationString(c.in); got != c.want {
			t.Errorf("ParseDurationString(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseRateLimitReason_TosBan(t *testing.T) {
	reason := ParseRateLimitReason("Your account has been suspended for violating our policies", 403)
	if reason != ReasonTosBanned {
		t.Errorf("expected ReasonTosBanned, got %v", reason)
	}
}

func TestParseRateLimitReason_StatusShortcuts(t *testing.T) {
	if got := ParseRateLimitReason("", 529); got != ReasonModelCapacityExhausted {
		t.Errorf("expected 529 to short-circuit to ReasonModelCapacityExhausted, got %v", got)
	}
	if got := ParseRateLimitReason("", 500); got != ReasonServerError {
		t.Errorf("expected 500 to short-circuit to ReasonServerError, got %v", got)
	}
}

func TestParseRateLimitReason_QuotaAndRateLimit(t *testing.T) {
	if got := ParseRateLimitReason("quota_exhausted for this billing period", 429); got != ReasonQuotaExhausted {
		t.Errorf("expected ReasonQuotaExhausted, got %v", got)
	}
	if got := ParseRateLimitReason("rate limit exceeded, please retry", 429); got != ReasonRateLimitExceeded {
		t.Errorf("expected ReasonRateLimitExceeded, got %v", got)
	}
}

func TestIsPermanentAuthFailure(t *testing.T) {
	if !IsPermanentAuthFailure("error: invalid_grant, token has been expired or revoked") {
		t.Error("expected invalid_grant/expired-or-revoked text to be a permanent auth failure")
	}
	if IsPermanentAuthFailure("rate limited, try again later") {
		t.Error("rate-limit text must not be classified as a permanent auth failure")
	}
}

func TestParseResetTime_RetryDelaySeconds(t *testing.T) {
	body := `{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"5s"}]}}`
	ms := parseResetTimeFromBody(body)
	if ms < 4900 || ms > 5100 {
		t.Errorf("expected ~5000ms from a \"5s\" retryDelay, got %d", ms)
	}
}
