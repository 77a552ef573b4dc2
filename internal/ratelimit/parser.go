// Package ratelimit implements the RateLimitTracker component (spec §4.2):
// parsing retry hints out of upstream error bodies/headers, classifying the
// rate-limit reason, and tracking per-account/per-model backoff state.
package ratelimit

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

// Reason represents the type of rate limit encountered.
type Reason string

const (
	ReasonRateLimitExceeded     Reason = "RATE_LIMIT_EXCEEDED"
	ReasonQuotaExhausted        Reason = "QUOTA_EXHAUSTED"
	ReasonModelCapacityExhausted Reason = "MODEL_CAPACITY_EXHAUSTED"
	ReasonServerError           Reason = "SERVER_ERROR"
	ReasonTosBanned             Reason = "TOS_BANNED"
	ReasonNeedsVerification     Reason = "NEEDS_VERIFICATION"
	ReasonUnknown               Reason = "UNKNOWN"
)

var (
	quotaDelayRegex     = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)(ms|s)`)
	quotaTimestampRegex = regexp.MustCompile(`(?i)quotaResetTimeStamp[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
	retrySecondsRegex   = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+([\d.]+)(?:s\b|s")`)
	retryMsRegex        = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+(\d+)(?:\s*ms)?(?:\s|$|[,;}\]])`)
	retryAfterSecRegex  = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
	durationRegex       = regexp.MustCompile(`(?i)(\d+)h(\d+)m(\d+)s|(\d+)m(\d+)s|(\d+)s`)
	isoTimestampRegex   = regexp.MustCompile(`(?i)reset[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
)

// tosBanPatterns and needsVerificationPatterns are data-driven (not inline
// if/else string checks) so new ban phrasings can be added without touching
// control flow (SPEC_FULL §10.1).
var tosBanPatterns = []string{
	"violates our terms of service",
	"account has been suspended",
	"account suspended",
	"terminated for policy violation",
	"permanently disabled",
}

var needsVerificationPatterns = []string{
	"please verify your account",
	"verification required",
	"unusual activity detected",
	"additional verification needed",
}

// ParseResetTime parses reset time from HTTP headers or error message.
// Returns milliseconds or -1 if not found.
func ParseResetTime(headers http.Header, errorText string) int64 {
	var resetMs int64 = -1

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			resetMs = int64(seconds) * 1000
		} else if t, err := time.Parse(time.RFC1123, retryAfter); err == nil {
			if d := t.Sub(time.Now()).Milliseconds(); d > 0 {
				resetMs = d
			}
		}
	}

	if resetMs < 0 {
		if ratelimitReset := headers.Get("x-ratelimit-reset"); ratelimitReset != "" {
			if ts, err := strconv.ParseInt(ratelimitReset, 10, 64); err == nil {
				if d := ts*1000 - time.Now().UnixMilli(); d > 0 {
					resetMs = d
				}
			}
		}
	}

	if resetMs < 0 {
		if resetAfter := headers.Get("x-ratelimit-reset-after"); resetAfter != "" {
			if seconds, err := strconv.Atoi(resetAfter); err == nil && seconds > 0 {
				resetMs = int64(seconds) * 1000
			}
		}
	}

	if resetMs < 0 && errorText != "" {
		resetMs = parseResetTimeFromBody(errorText)
	}

	// Safety-buffer floor: never hand back a reset under 2s once one is found.
	if resetMs >= 0 {
		const floor = 2000
		if resetMs < floor {
			resetMs = floor
		}
	}

	return resetMs
}

func parseResetTimeFromBody(msg string) int64 {
	if match := quotaDelayRegex.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		if strings.ToLower(match[2]) == "s" {
			return int64(value * 1000)
		}
		return int64(value)
	}

	if match := quotaTimestampRegex.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			return t.Sub(time.Now()).Milliseconds()
		}
	}

	if match := retrySecondsRegex.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		return int64(value * 1000)
	}

	if match := retryMsRegex.FindStringSubmatch(msg); match != nil {
		ms, _ := strconv.ParseInt(match[1], 10, 64)
		return ms
	}

	if match := retryAfterSecRegex.FindStringSubmatch(msg); match != nil {
		seconds, _ := strconv.ParseInt(match[1], 10, 64)
		return seconds * 1000
	}

	if match := durationRegex.FindStringSubmatch(msg); match != nil {
		return parseDurationMatch(match)
	}

	if match := isoTimestampRegex.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			if d := t.Sub(time.Now()).Milliseconds(); d > 0 {
				return d
			}
		}
	}

	return -1
}

func parseDurationMatch(match []string) int64 {
	var ms int64 = -1
	switch {
	case match[1] != "":
		hours, _ := strconv.Atoi(match[1])
		minutes, _ := strconv.Atoi(match[2])
		seconds, _ := strconv.Atoi(match[3])
		ms = int64((hours*3600 + minutes*60 + seconds) * 1000)
	case match[4] != "":
		minutes, _ := strconv.Atoi(match[4])
		seconds, _ := strconv.Atoi(match[5])
		ms = int64((minutes*60 + seconds) * 1000)
	case match[6] != "":
		seconds, _ := strconv.Atoi(match[6])
		ms = int64(seconds * 1000)
	}
	return ms
}

// ParseDurationString parses a standalone "1h30m"/"30s"/"2h1m1s"-style
// duration string (no surrounding error text) into seconds. Returns -1 if no
// duration could be parsed. This is the exact contract testable property #10
// exercises directly.
func ParseDurationString(s string) int64 {
	match := durationRegex.FindStringSubmatch(s)
	if match == nil {
		return -1
	}
	ms := parseDurationMatch(match)
	if ms < 0 {
		return -1
	}
	return ms / 1000
}

// ParseRateLimitReason parses the rate limit reason from error text and
// status code, checking status-code shortcuts first, then TOS-ban/needs-
// verification patterns, then the general reason cascade.
func ParseRateLimitReason(errorText string, status int) Reason {
	if status == 529 || status == 503 {
		return ReasonModelCapacityExhausted
	}
	if status == 500 {
		return ReasonServerError
	}

	lower := strings.ToLower(errorText)

	if matchesAny(lower, tosBanPatterns) {
		return ReasonTosBanned
	}
	if matchesAny(lower, needsVerificationPatterns) {
		return ReasonNeedsVerification
	}

	if strings.Contains(lower, "quota_exhausted") ||
		strings.Contains(lower, "quotaresetdelay") ||
		strings.Contains(lower, "quotaresettimestamp") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "daily limit") ||
		strings.Contains(lower, "quota exceeded") {
		return ReasonQuotaExhausted
	}

	if strings.Contains(lower, "model_capacity_exhausted") ||
		strings.Contains(lower, "capacity_exhausted") ||
		strings.Contains(lower, "model is currently overloaded") ||
		strings.Contains(lower, "service temporarily unavailable") {
		return ReasonModelCapacityExhausted
	}

	if strings.Contains(lower, "rate_limit_exceeded") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "throttl") {
		return ReasonRateLimitExceeded
	}

	if strings.Contains(lower, "internal server error") ||
		strings.Contains(lower, "server error") ||
		strings.Contains(lower, "503") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "504") {
		return ReasonServerError
	}

	return ReasonUnknown
}

func matchesAny(lower string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsPermanentAuthFailure detects permanent authentication failures that
// require re-authentication rather than a retry.
func IsPermanentAuthFailure(errorText string) bool {
	lower := strings.ToLower(errorText)
	return utils.ContainsAny(lower,
		"invalid_grant",
		"token revoked",
		"token has been expired or revoked",
		"token_revoked",
		"invalid_client",
		"credentials are invalid")
}

// IsModelCapacityExhausted detects if a 429 is due to model capacity rather
// than the caller's own quota.
func IsModelCapacityExhausted(errorText string) bool {
	lower := strings.ToLower(errorText)
	return utils.ContainsAny(lower,
		"model_capacity_exhausted",
		"capacity_exhausted",
		"model is currently overloaded",
		"service temporarily unavailable")
}
