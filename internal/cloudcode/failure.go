// Package cloudcode provides Cloud Code API client implementation.
package cloudcode

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/account"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/ratelimit"
	"github.com/poemonsense/antigravity-proxy-go/internal/retry"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

// classifyFailure turns a non-200 upstream response into an attemptError,
// shared by the non-streaming and streaming send paths. It layers
// internal/ratelimit's domain-specific reasoning (permanent vs transient auth
// failures, capacity vs quota 429s, smart backoff) on top of the generic
// retry.Decide matrix for anything the 429/401/400 special cases don't
// already cover.
func classifyFailure(ctx context.Context, mgr *account.Manager, sched *account.Scheduler, tracker *ratelimit.Tracker, tok *account.GetTokenResult, model string, status int, headers http.Header, errorText string, protocol retry.Protocol, attemptNum int) *attemptError {
	switch status {
	case 401:
		if ratelimit.IsPermanentAuthFailure(errorText) {
			utils.Error("[CloudCode] Permanent auth failure for %s: %.100s", tok.Account.Email, errorText)
			_ = mgr.MarkInvalid(ctx, tok.Account.Email, "Token revoked - re-authentication required")
			return &attemptError{err: fmt.Errorf("AUTH_INVALID_PERMANENT: %s", errorText), terminal: true}
		}
		sched.MarkRateLimitedAsync(ctx, tok.Account.Email, status, 0, model)
		action := retry.Decide(status, attemptNum, protocol)
		return &attemptError{err: fmt.Errorf("auth error: %s", errorText), delay: action.Delay, excludeAccount: action.RotateAccount}

	case 429:
		resetMs := ratelimit.ParseResetTime(headers, errorText)

		if ratelimit.IsModelCapacityExhausted(errorText) {
			tierIndex := attemptNum - 1
			if tierIndex < 0 {
				tierIndex = 0
			}
			if tierIndex >= len(config.CapacityBackoffTiersMs) {
				tierIndex = len(config.CapacityBackoffTiersMs) - 1
			}
			delay := time.Duration(resetMs) * time.Millisecond
			if resetMs <= 0 {
				delay = time.Duration(config.CapacityBackoffTiersMs[tierIndex]) * time.Millisecond
			}
			return &attemptError{err: fmt.Errorf("MODEL_CAPACITY_EXHAUSTED: %s", errorText), delay: delay}
		}

		if resetMs > 0 && resetMs < 1000 {
			return &attemptError{err: fmt.Errorf("rate limited: %s", errorText), delay: time.Duration(resetMs) * time.Millisecond}
		}

		backoff := tracker.GetRateLimitBackoff(tok.Account.Email, model, resetMs)
		smartBackoffMs := ratelimit.CalculateSmartBackoff(errorText, resetMs, 0)
		sched.MarkRateLimitedAsync(ctx, tok.Account.Email, status, backoff.DelayMs, model)

		if backoff.IsDuplicate {
			utils.Info("[CloudCode] Skipping retry due to recent rate limit on %s (attempt %d), switching account...",
				tok.Account.Email, backoff.Attempt)
			return &attemptError{err: fmt.Errorf("RATE_LIMITED_DEDUP: %s", errorText), delay: time.Duration(smartBackoffMs) * time.Millisecond, excludeAccount: true}
		}
		if smartBackoffMs > config.DefaultCooldownMs {
			utils.Info("[CloudCode] Quota exhausted for %s (%s), switching account after %s delay...",
				tok.Account.Email, utils.FormatDuration(smartBackoffMs), utils.FormatDuration(config.SwitchAccountDelayMs))
			return &attemptError{err: fmt.Errorf("QUOTA_EXHAUSTED: %s", errorText), delay: time.Duration(config.SwitchAccountDelayMs) * time.Millisecond, excludeAccount: true}
		}
		return &attemptError{err: fmt.Errorf("rate limited: %s", errorText), delay: time.Duration(backoff.DelayMs) * time.Millisecond}

	case 400:
		utils.Error("[CloudCode] Invalid request (400): %.200s", errorText)
		return &attemptError{err: fmt.Errorf("invalid_request_error: %s", errorText), terminal: true}

	default:
		action := retry.Decide(status, attemptNum, protocol)
		if action.Strategy == retry.NoRetry {
			return &attemptError{err: fmt.Errorf("API error %d: %s", status, errorText), terminal: true}
		}
		if status >= 500 {
			sched.MarkRateLimitedAsync(ctx, tok.Account.Email, status, 0, model)
		}
		return &attemptError{err: fmt.Errorf("API error %d: %s", status, errorText), delay: action.Delay, excludeAccount: action.RotateAccount}
	}
}
