// Package aimd implements the per-account adaptive rate limiter: an
// additive-increase/multiplicative-decrease working-threshold admission
// scheme with half-open probing, used to discover each account's real
// requests-per-minute capacity without hard-coding it.
package aimd

import (
	"sync"
	"time"
)

// ProbeStrategy is the limiter's recommendation for how eagerly to admit
// the next request relative to the current working threshold.
type ProbeStrategy int

const (
	// Hold means stay at the current threshold; neither expand nor retreat.
	Hold ProbeStrategy = iota
	// Probe means the threshold has gone unchallenged recently; try to expand.
	Probe
	// Backoff means a 429 landed too recently; avoid pressing against the ceiling.
	Backoff
)

const recentBackoffWindow = 5 * time.Second

// Config tunes the AIMD update rule. Alpha is the additive increase step
// applied per clean minute at threshold; Beta is the multiplicative decrease
// factor applied on a 429 (0<Beta<1); MinThreshold is the floor the working
// threshold is never allowed to drop below.
type Config struct {
	Alpha        uint64
	Beta         float64
	MinThreshold uint64
}

// DefaultConfig matches the spec's stated defaults (alpha=1, beta=0.5).
func DefaultConfig() Config {
	return Config{Alpha: 1, Beta: 0.5, MinThreshold: 1}
}

// tracker is the per-account AIMD state (spec §3 "AIMD tracker").
type tracker struct {
	mu sync.Mutex

	confirmedLimit  uint64 // highest threshold ever sustained without a 429
	ceiling         uint64 // requests_this_minute observed at the last 429, if any
	hasCeiling      bool
	workingThreshold uint64
	requestsThisMinute uint64
	minuteStart     time.Time
	lastReset       time.Time // lastSuccessAt tracked implicitly via minute rollover
	last429At       time.Time
	hasLast429      bool
}

// Limiter tracks one AIMD tracker per account id.
type Limiter struct {
	cfg      Config
	mu       sync.RWMutex
	trackers map[string]*tracker
}

// New creates a Limiter with the given config.
func New(cfg Config) *Limiter {
	if cfg.Alpha == 0 {
		cfg.Alpha = 1
	}
	if cfg.Beta <= 0 || cfg.Beta >= 1 {
		cfg.Beta = 0.5
	}
	if cfg.MinThreshold == 0 {
		cfg.MinThreshold = 1
	}
	return &Limiter{cfg: cfg, trackers: make(map[string]*tracker)}
}

func (l *Limiter) get(accountID string) *tracker {
	l.mu.RLock()
	t, ok := l.trackers[accountID]
	l.mu.RUnlock()
	if ok {
		return t
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok = l.trackers[accountID]; ok {
		return t
	}
	t = &tracker{
		workingThreshold: 20, // a conservative initial guess, expands via Probe
		minuteStart:      time.Now(),
	}
	l.trackers[accountID] = t
	return t
}

// rollMinuteLocked advances the rolling 60s window, and if the prior minute
// ended at or above the working threshold without a 429, performs the
// additive increase. Caller must hold t.mu.
func (t *tracker) rollMinuteLocked(cfg Config, now time.Time) {
	if now.Sub(t.minuteStart) < time.Minute {
		return
	}

	sawFullMinuteAtThreshold := t.requestsThisMinute >= t.workingThreshold
	recentlyLimited := t.hasLast429 && now.Sub(t.last429At) < recentBackoffWindow
	if sawFullMinuteAtThreshold && !recentlyLimited {
		next := t.workingThreshold + cfg.Alpha
		if t.hasCeiling && next > t.ceiling {
			next = t.ceiling
		}
		t.workingThreshold = next
		if t.workingThreshold > t.confirmedLimit {
			t.confirmedLimit = t.workingThreshold
		}
	}

	t.requestsThisMinute = 0
	t.minuteStart = now
}

// ShouldAllow reports whether a new request for this account may be admitted
// under the current working threshold (spec §4.4 "On admission check").
func (l *Limiter) ShouldAllow(accountID string) bool {
	t := l.get(accountID)
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.rollMinuteLocked(l.cfg, now)

	if t.requestsThisMinute >= t.workingThreshold {
		return false
	}
	t.requestsThisMinute++
	return true
}

// RecordSuccess advances minute bookkeeping; the actual additive increase
// happens lazily in rollMinuteLocked once a full clean minute has elapsed.
func (l *Limiter) RecordSuccess(accountID string) {
	t := l.get(accountID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollMinuteLocked(l.cfg, time.Now())
}

// RecordRateLimited applies the multiplicative decrease (spec §4.4 "On 429").
func (l *Limiter) RecordRateLimited(accountID string) {
	t := l.get(accountID)
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.ceiling = t.requestsThisMinute
	t.hasCeiling = true

	next := uint64(float64(t.workingThreshold) * l.cfg.Beta)
	if next < l.cfg.MinThreshold {
		next = l.cfg.MinThreshold
	}
	t.workingThreshold = next
	t.last429At = now
	t.hasLast429 = true
}

// ProbeStrategy reports the limiter's current recommendation for this account.
func (l *Limiter) ProbeStrategy(accountID string) ProbeStrategy {
	t := l.get(accountID)
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.hasLast429 && now.Sub(t.last429At) < recentBackoffWindow {
		return Backoff
	}
	if t.requestsThisMinute >= t.workingThreshold {
		return Probe
	}
	return Hold
}

// WorkingThreshold returns the current admission cap for the account.
func (l *Limiter) WorkingThreshold(accountID string) uint64 {
	t := l.get(accountID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.workingThreshold
}

// PersistedState is what gets written across restarts (spec §3 "persisted
// (confirmed_limit, ceiling, age_seconds)").
type PersistedState struct {
	ConfirmedLimit uint64
	Ceiling        uint64
	HasCeiling     bool
	AgeSeconds     int64
}

// Snapshot captures the persistable state for one account.
func (l *Limiter) Snapshot(accountID string) PersistedState {
	t := l.get(accountID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return PersistedState{
		ConfirmedLimit: t.confirmedLimit,
		Ceiling:        t.ceiling,
		HasCeiling:     t.hasCeiling,
		AgeSeconds:     int64(time.Since(t.minuteStart).Seconds()),
	}
}

// restoreHalfLife controls how quickly the age-decayed working threshold
// ramps back up toward the confirmed limit after a restart (SPEC_FULL §10.6).
const restoreHalfLife = 10 * time.Minute

// Restore seeds a tracker from persisted state, age-decaying the working
// threshold upward toward the confirmed limit the longer it has been since
// the state was captured (spec §4.4 "on restore, age-decays working_threshold
// upward").
func (l *Limiter) Restore(accountID string, state PersistedState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	age := time.Duration(state.AgeSeconds) * time.Second
	decayFactor := 1 - 0.5*float64(age)/float64(restoreHalfLife)
	if decayFactor < 0 {
		decayFactor = 0
	}
	if decayFactor > 1 {
		decayFactor = 1
	}

	start := uint64(float64(state.ConfirmedLimit) * (1 - decayFactor))
	if start < l.cfg.MinThreshold {
		start = l.cfg.MinThreshold
	}
	if state.HasCeiling && start > state.Ceiling {
		start = state.Ceiling
	}

	l.trackers[accountID] = &tracker{
		confirmedLimit:   state.ConfirmedLimit,
		ceiling:          state.Ceiling,
		hasCeiling:       state.HasCeiling,
		workingThreshold: start,
		minuteStart:      time.Now(),
	}
}

// Clear drops all per-account state, used in tests and on full reset.
func (l *Limiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trackers = make(map[string]*tracker)
}
