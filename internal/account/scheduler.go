// Package account: scheduler.go implements the TokenManager / Scheduler
// operation, the core routing decision of the proxy. This file corresponds
// to the pseudocode contract "get_token" — it does not replace Manager's
// account bookkeeping, it orchestrates the trackers (circuit breaker, AIMD
// limiter, health tracker, concurrency guard, rate-limit dedup) against the
// account snapshot Manager already maintains.
package account

import (
	"context"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/account/aimd"
	"github.com/poemonsense/antigravity-proxy-go/internal/account/circuit"
	"github.com/poemonsense/antigravity-proxy-go/internal/account/strategies/trackers"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/retry"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// maxSessionFailures dissolves a session binding once its account has
// failed this many consecutive times for that session (spec §4.7 step 2).
const maxSessionFailures = 3

// sessionBinding pins a session to an account, with its own failure tally.
type sessionBinding struct {
	accountID string
	boundAt   time.Time
	failures  int
}

// SmartRoutingConfig mirrors spec §4.7's scheduler state.
type SmartRoutingConfig struct {
	MaxConcurrentPerAccount int
	EnableSessionAffinity   bool
	SessionTTL              time.Duration
}

// GetTokenResult bundles what a successful get_token call returns.
type GetTokenResult struct {
	Account   *redis.Account
	Token     string
	ProjectID string
	Guard     *Guard
}

// AllLimitedError reports that every candidate account is currently
// rate-limited, naming the shortest wait across the pool.
type AllLimitedError struct {
	MinWaitMs int64
}

func (e *AllLimitedError) Error() string {
	return "all accounts rate-limited"
}

// Scheduler is the spec's TokenManager: it merges the account snapshot from
// Manager with the circuit breaker, AIMD limiter, health tracker, and
// concurrency guard to pick one account per request.
type Scheduler struct {
	manager *Manager
	cfg     SmartRoutingConfig

	breaker *circuit.Breaker
	limiter *aimd.Limiter
	health  *trackers.HealthTracker
	guard   *ActiveRequestGuard

	mu       sync.Mutex
	sessions map[string]*sessionBinding
}

// NewScheduler builds a Scheduler bound to mgr's account snapshot.
func NewScheduler(mgr *Manager, cfg *config.Config) *Scheduler {
	routing := SmartRoutingConfig{
		MaxConcurrentPerAccount: cfg.Concurrency.MaxConcurrentPerAccount,
		EnableSessionAffinity:   cfg.EnableSessionAffinity,
		SessionTTL:              time.Duration(cfg.SessionTTLSecs) * time.Second,
	}
	if routing.MaxConcurrentPerAccount <= 0 {
		routing.MaxConcurrentPerAccount = 8
	}

	breakerCfg := circuit.DefaultConfig()
	if cfg.CircuitBreaker.ErrorThreshold > 0 {
		breakerCfg.ErrorThreshold = cfg.CircuitBreaker.ErrorThreshold
	}
	if cfg.CircuitBreaker.OpenDurationMs > 0 {
		breakerCfg.OpenDuration = time.Duration(cfg.CircuitBreaker.OpenDurationMs) * time.Millisecond
	}
	if cfg.CircuitBreaker.RequiredSuccessesInHalfOpen > 0 {
		breakerCfg.RequiredSuccessesInHalfOpen = cfg.CircuitBreaker.RequiredSuccessesInHalfOpen
	}

	aimdCfg := aimd.DefaultConfig()
	if cfg.AIMD.Alpha > 0 {
		aimdCfg.Alpha = cfg.AIMD.Alpha
	}
	if cfg.AIMD.Beta > 0 {
		aimdCfg.Beta = cfg.AIMD.Beta
	}
	if cfg.AIMD.MinThreshold > 0 {
		aimdCfg.MinThreshold = cfg.AIMD.MinThreshold
	}

	healthCfg := config.HealthScoreConfig{}
	if cfg.AccountSelection.HealthScore != nil {
		healthCfg = *cfg.AccountSelection.HealthScore
	}

	return &Scheduler{
		manager:  mgr,
		cfg:      routing,
		breaker:  circuit.New(breakerCfg),
		limiter:  aimd.New(aimdCfg),
		health:   trackers.NewHealthTracker(healthCfg),
		guard:    NewActiveRequestGuard(routing.MaxConcurrentPerAccount),
		sessions: make(map[string]*sessionBinding),
	}
}

var modelAliasSuffixes = regexp.MustCompile(`-(preview|thinking|online)(-\d{2,4}-?\d{2}-?\d{2})?$`)
var modelDateStamp = regexp.MustCompile(`-\d{4}-?\d{2}-?\d{2}$`)

// NormalizeModelID collapses provider-specific aliasing (preview/thinking/
// online tags and trailing date stamps) down to the base model id, per
// spec §4.7 step 1.
func NormalizeModelID(model string) string {
	normalized := modelDateStamp.ReplaceAllString(model, "")
	normalized = modelAliasSuffixes.ReplaceAllString(normalized, "")
	return normalized
}

// GetToken implements spec §4.7's get_token pseudocode.
func (s *Scheduler) GetToken(ctx context.Context, sessionID, modelID string, excluded *retry.Excluded) (*GetTokenResult, error) {
	model := NormalizeModelID(modelID)
	if excluded == nil {
		excluded = retry.NewExcluded()
	}

	if sessionID != "" && s.cfg.EnableSessionAffinity {
		if result, ok := s.tryBoundSession(ctx, sessionID, model, excluded); ok {
			return result, nil
		}
	}

	result, err := s.selectAndBind(ctx, sessionID, model, excluded)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// tryBoundSession handles spec §4.7 step 2: honor an existing session
// binding if the bound account is still eligible and has guard capacity.
func (s *Scheduler) tryBoundSession(ctx context.Context, sessionID, model string, excluded *retry.Excluded) (*GetTokenResult, bool) {
	s.mu.Lock()
	binding, ok := s.sessions[sessionID]
	if ok && binding.failures >= maxSessionFailures {
		delete(s.sessions, sessionID)
		ok = false
	}
	if ok && time.Since(binding.boundAt) > s.cfg.SessionTTL {
		delete(s.sessions, sessionID)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	acc, err := s.manager.GetAccountByEmail(ctx, binding.accountID)
	if err != nil || acc == nil {
		return nil, false
	}
	if !s.isEligible(ctx, acc, model, excluded) {
		return nil, false
	}

	g, admitted := s.guard.Acquire(acc.Email)
	if !admitted {
		return nil, false
	}

	result, err := s.finalizeToken(ctx, acc, g, sessionID, model, excluded)
	if err != nil {
		g.Release()
		return nil, false
	}
	return result, true
}

// selectAndBind runs spec §4.7 steps 3-8: build candidates, score, walk
// for a guard slot, handle exhaustion, refresh the token, bind the session.
func (s *Scheduler) selectAndBind(ctx context.Context, sessionID, model string, excluded *retry.Excluded) (*GetTokenResult, error) {
	for attempt := 0; attempt < 2; attempt++ {
		candidates := s.buildCandidates(ctx, model, excluded)
		if len(candidates) == 0 {
			return nil, &AllLimitedError{MinWaitMs: s.manager.GetMinWaitTimeMs(ctx, model)}
		}

		s.scoreCandidates(candidates, model)

		for _, acc := range candidates {
			g, admitted := s.guard.Acquire(acc.Email)
			if !admitted {
				continue
			}
			result, err := s.finalizeToken(ctx, acc, g, sessionID, model, excluded)
			if err != nil {
				g.Release()
				excluded.Add(acc.Email)
				continue
			}
			return result, nil
		}

		// All candidates exhausted their concurrency slot (step 6).
		minWait := s.minRemainingWaitMs(candidates, model)
		if minWait <= 2000 {
			utils.SleepMs(500)
			if attempt == 0 {
				continue
			}
			// Optimistic reset: one-shot clear of rate-limit state, retried once.
			s.manager.ResetAllRateLimits(ctx)
			continue
		}
		return nil, &AllLimitedError{MinWaitMs: minWait}
	}
	return nil, &AllLimitedError{MinWaitMs: s.manager.GetMinWaitTimeMs(ctx, model)}
}

// finalizeToken performs step 7 (freshness refresh) and step 8 (session
// bind) once a guard slot has been claimed for acc.
func (s *Scheduler) finalizeToken(ctx context.Context, acc *redis.Account, g *Guard, sessionID, model string, excluded *retry.Excluded) (*GetTokenResult, error) {
	token, err := s.manager.GetTokenForAccount(ctx, acc)
	if err != nil {
		s.health.RecordFailure(acc.Email)
		return nil, err
	}

	if sessionID != "" && s.cfg.EnableSessionAffinity {
		s.mu.Lock()
		s.sessions[sessionID] = &sessionBinding{accountID: acc.Email, boundAt: time.Now()}
		s.mu.Unlock()
	}

	return &GetTokenResult{Account: acc, Token: token, ProjectID: acc.ProjectID, Guard: g}, nil
}

// buildCandidates applies spec §4.7 step 3's filters.
func (s *Scheduler) buildCandidates(ctx context.Context, model string, excluded *retry.Excluded) []*redis.Account {
	all := s.manager.GetAllAccounts()
	candidates := make([]*redis.Account, 0, len(all))

	for _, acc := range all {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		if excluded.Contains(acc.Email) {
			continue
		}
		if s.isQuotaProtected(acc, model) {
			continue
		}
		state := s.breaker.CurrentState(acc.Email)
		if state == circuit.Open {
			continue
		}
		if !s.health.IsUsable(acc.Email) {
			continue
		}
		candidates = append(candidates, acc)
	}

	// isRateLimitedForModel consults the per-model Redis TTL entries the
	// rest of Manager already maintains; filtered separately since it
	// needs the manager's accountStore, not just the in-memory snapshot.
	filtered := candidates[:0]
	for _, acc := range candidates {
		if s.manager.isRateLimitedForModel(acc, model) {
			continue
		}
		filtered = append(filtered, acc)
	}
	return filtered
}

func (s *Scheduler) isEligible(ctx context.Context, acc *redis.Account, model string, excluded *retry.Excluded) bool {
	if !acc.Enabled || acc.IsInvalid {
		return false
	}
	if excluded.Contains(acc.Email) {
		return false
	}
	if s.isQuotaProtected(acc, model) {
		return false
	}
	if s.breaker.CurrentState(acc.Email) == circuit.Open {
		return false
	}
	if !s.health.IsUsable(acc.Email) {
		return false
	}
	return !s.manager.isRateLimitedForModel(acc, model)
}

func (s *Scheduler) isQuotaProtected(acc *redis.Account, model string) bool {
	if model == "" || acc.Quota == nil || acc.Quota.Models == nil {
		return false
	}
	info, ok := acc.Quota.Models[model]
	if !ok {
		return false
	}
	threshold := 0.1
	if acc.QuotaThreshold != nil {
		threshold = *acc.QuotaThreshold
	}
	if t, ok := acc.ModelQuotaThresholds[model]; ok {
		threshold = t
	}
	return info.RemainingFraction < threshold
}

// scoreCandidates orders candidates per spec §4.7 step 4's lexicographic
// default: available concurrency desc, min remaining wait desc (i.e. least
// recently limited first), active requests asc, health score desc, then a
// random tiebreak.
func (s *Scheduler) scoreCandidates(candidates []*redis.Account, model string) {
	tiebreak := make(map[string]float64, len(candidates))
	for _, acc := range candidates {
		tiebreak[acc.Email] = rand.Float64()
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aSlots := s.guard.MaxConcurrent() - s.guard.InFlight(a.Email)
		bSlots := s.guard.MaxConcurrent() - s.guard.InFlight(b.Email)
		if aSlots != bSlots {
			return aSlots > bSlots
		}
		aHealth := s.health.GetScore(a.Email)
		bHealth := s.health.GetScore(b.Email)
		if aHealth != bHealth {
			return aHealth > bHealth
		}
		return tiebreak[a.Email] > tiebreak[b.Email]
	})
}

func (s *Scheduler) minRemainingWaitMs(candidates []*redis.Account, model string) int64 {
	var min int64 = -1
	for _, acc := range candidates {
		info := s.manager.GetRateLimitInfo(context.Background(), acc.Email, model)
		if info == nil || !info.IsRateLimited {
			return 0
		}
		wait := info.ResetTime - time.Now().UnixMilli()
		if wait < 0 {
			wait = 0
		}
		if min < 0 || wait < min {
			min = wait
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// MarkRateLimitedAsync implements spec §4.7's mark_rate_limited_async.
func (s *Scheduler) MarkRateLimitedAsync(ctx context.Context, email string, status int, retryAfterMs int64, model string) {
	_ = s.manager.MarkRateLimited(ctx, email, retryAfterMs, model)
	s.limiter.RecordRateLimited(email)
	s.health.RecordRateLimit(email)

	if status >= 500 || status == 401 {
		s.health.RecordFailure(email)
	}
	if status == 0 || status >= 500 || status == 429 {
		s.breaker.RecordFailure(email, statusReason(status))
	}
}

// RecordSuccess implements spec §4.7's record_success.
func (s *Scheduler) RecordSuccess(email, sessionID string) {
	s.limiter.RecordSuccess(email)
	s.health.RecordSuccess(email)
	s.breaker.RecordSuccess(email)

	if sessionID != "" {
		s.mu.Lock()
		if b, ok := s.sessions[sessionID]; ok {
			b.failures = 0
		}
		s.mu.Unlock()
	}
}

// RecordSessionFailure bumps a session's failure tally (dissolved at
// maxSessionFailures per spec §4.7 step 2 on the next GetToken call).
func (s *Scheduler) RecordSessionFailure(sessionID string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.sessions[sessionID]; ok {
		b.failures++
	}
}

func statusReason(status int) string {
	if status == 0 {
		return "transport error"
	}
	return "upstream status " + strconv.Itoa(status)
}
