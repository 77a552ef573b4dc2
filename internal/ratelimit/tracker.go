package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

// State tracks rate-limit state per account+model dedup key.
type State struct {
	Consecutive429 int
	LastAt         time.Time
}

// BackoffResult contains backoff calculation results.
type BackoffResult struct {
	Attempt     int
	DelayMs     int64
	IsDuplicate bool
}

// Lockout records a TOS-ban or needs-verification lockout for an account,
// independent of the per-model backoff state above.
type Lockout struct {
	Reason Reason
	Until  time.Time
}

// Tracker owns the per-(account,model) rate-limit backoff state and the
// per-account lockout table (spec §4.2).
type Tracker struct {
	mu       sync.RWMutex
	states   map[string]*State
	lockouts map[string]*Lockout
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		states:   make(map[string]*State),
		lockouts: make(map[string]*Lockout),
	}
}

// dedupKey returns the deduplication key for rate limit tracking.
func dedupKey(email, model string) string {
	return email + ":" + model
}

// GetRateLimitBackoff calculates rate limit backoff with deduplication and
// exponential backoff.
func (t *Tracker) GetRateLimitBackoff(email, model string, serverRetryAfterMs int64) *BackoffResult {
	now := time.Now()
	key := dedupKey(email, model)

	t.mu.Lock()
	defer t.mu.Unlock()

	previous := t.states[key]

	if previous != nil && now.Sub(previous.LastAt).Milliseconds() < config.RateLimitDedupWindowMs {
		baseDelay := serverRetryAfterMs
		if baseDelay <= 0 {
			baseDelay = config.FirstRetryDelayMs
		}
		backoffDelay := int64(math.Min(float64(baseDelay)*math.Pow(2, float64(previous.Consecutive429-1)), 60000))
		return &BackoffResult{
			Attempt:     previous.Consecutive429,
			DelayMs:     utils.Max(baseDelay, backoffDelay),
			IsDuplicate: true,
		}
	}

	attempt := 1
	if previous != nil && now.Sub(previous.LastAt).Milliseconds() < config.RateLimitStateResetMs {
		attempt = previous.Consecutive429 + 1
	}

	t.states[key] = &State{Consecutive429: attempt, LastAt: now}

	baseDelay := serverRetryAfterMs
	if baseDelay <= 0 {
		baseDelay = config.FirstRetryDelayMs
	}
	backoffDelay := int64(math.Min(float64(baseDelay)*math.Pow(2, float64(attempt-1)), 60000))

	return &BackoffResult{
		Attempt:     attempt,
		DelayMs:     utils.Max(baseDelay, backoffDelay),
		IsDuplicate: false,
	}
}

// ClearRateLimitState clears rate limit state after a successful request.
func (t *Tracker) ClearRateLimitState(email, model string) {
	key := dedupKey(email, model)
	t.mu.Lock()
	delete(t.states, key)
	t.mu.Unlock()
}

// CalculateSmartBackoff calculates smart backoff based on error type.
func CalculateSmartBackoff(errorText string, serverResetMs int64, consecutiveFailures int) int64 {
	if serverResetMs > 0 {
		return utils.Max(serverResetMs, config.MinBackoffMs)
	}

	reason := ParseRateLimitReason(errorText, 0)

	switch reason {
	case ReasonQuotaExhausted:
		tierIndex := utils.MinInt(consecutiveFailures, len(config.QuotaExhaustedBackoffTiersMs)-1)
		return config.QuotaExhaustedBackoffTiersMs[tierIndex]
	case ReasonRateLimitExceeded:
		return config.BackoffByErrorType["RATE_LIMIT_EXCEEDED"]
	case ReasonModelCapacityExhausted:
		return config.BackoffByErrorType["MODEL_CAPACITY_EXHAUSTED"] + utils.GenerateJitter(config.CapacityJitterMaxMs)
	case ReasonServerError:
		return config.BackoffByErrorType["SERVER_ERROR"]
	case ReasonTosBanned:
		return 24 * time.Hour.Milliseconds()
	case ReasonNeedsVerification:
		return time.Hour.Milliseconds()
	default:
		return config.BackoffByErrorType["UNKNOWN"]
	}
}

// SetLockoutUntilISO records a lockout for an account expiring at the given
// ISO8601 timestamp, or falls back to the reason's default duration if the
// timestamp cannot be parsed (spec §4.2's TOS-ban=24h / needs-verify=1h
// defaults).
func (t *Tracker) SetLockoutUntilISO(accountID string, reason Reason, iso string) {
	until, err := utils.ParseISO(iso)
	if err != nil {
		var d time.Duration
		switch reason {
		case ReasonTosBanned:
			d = 24 * time.Hour
		case ReasonNeedsVerification:
			d = time.Hour
		default:
			d = time.Hour
		}
		until = time.Now().Add(d)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lockouts[accountID] = &Lockout{Reason: reason, Until: until}
}

// IsLockedOut reports whether accountID is currently under a TOS-ban or
// needs-verification lockout.
func (t *Tracker) IsLockedOut(accountID string) (bool, *Lockout) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.lockouts[accountID]
	if !ok || time.Now().After(l.Until) {
		return false, nil
	}
	return true, l
}

// CleanupExpired drops stale per-(account,model) backoff states and expired
// lockouts; called periodically by RunBackgroundSweep.
func (t *Tracker) CleanupExpired() {
	cutoff := time.Now().Add(-time.Duration(config.RateLimitStateResetMs) * time.Millisecond)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for key, state := range t.states {
		if state.LastAt.Before(cutoff) {
			delete(t.states, key)
		}
	}
	for accountID, l := range t.lockouts {
		if now.After(l.Until) {
			delete(t.lockouts, accountID)
		}
	}
}

// RunBackgroundSweep runs CleanupExpired on a 60s ticker under a supervised
// errgroup, exiting cleanly when ctx is cancelled. This replaces the
// teacher's unsupervised `go func() { for range ticker.C {...} }()` with one
// that can be waited on and whose panics/errors are not silently dropped.
func (t *Tracker) RunBackgroundSweep(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				t.CleanupExpired()
			}
		}
	})
}
