// Package cloudcode provides Cloud Code API client implementation.
// This file corresponds to src/cloudcode/message-handler.js in the Node.js version.
package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/account"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/internal/ratelimit"
	"github.com/poemonsense/antigravity-proxy-go/internal/retry"
	"github.com/poemonsense/antigravity-proxy-go/internal/upstream"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// MessageHandler handles non-streaming message requests. Unlike the
// teacher's version (which called Manager.SelectAccount directly and did its
// own raw http.Client dispatch + inline status-code branching), admission
// goes through the Scheduler so the circuit breaker, AIMD limiter, health
// tracker, and ActiveRequestGuard all see live traffic, and transport goes
// through upstream.Client so endpoint failover and connection pooling apply.
type MessageHandler struct {
	accountManager *account.Manager
	scheduler      *account.Scheduler
	tracker        *ratelimit.Tracker
	upstream       *upstream.Client
	cfg            *config.Config
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(accountManager *account.Manager, scheduler *account.Scheduler, tracker *ratelimit.Tracker, up *upstream.Client, cfg *config.Config) *MessageHandler {
	return &MessageHandler{
		accountManager: accountManager,
		scheduler:      scheduler,
		tracker:        tracker,
		upstream:       up,
		cfg:            cfg,
	}
}

// attemptError describes the outcome of one upstream attempt that did not
// succeed: whether it is worth retrying, how long to wait first, and whether
// the account that just failed should be excluded from future candidates for
// the remainder of this inbound request.
type attemptError struct {
	err            error
	terminal       bool
	delay          time.Duration
	excludeAccount bool
}

// SendMessage sends a non-streaming request to Cloud Code with multi-account
// support. Uses the SSE endpoint for thinking models (the plain JSON endpoint
// doesn't return thinking blocks).
func (h *MessageHandler) SendMessage(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool, protocol retry.Protocol) (*anthropic.MessagesResponse, error) {
	return h.sendWithRetry(ctx, anthropicRequest, fallbackEnabled, protocol, retry.NewExcluded())
}

func (h *MessageHandler) sendWithRetry(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool, protocol retry.Protocol, excluded *retry.Excluded) (*anthropic.MessagesResponse, error) {
	model := anthropicRequest.Model
	sessionID := DeriveSessionID(anthropicRequest)

	for attempt := 1; attempt <= retry.MaxRetryAttempts; attempt++ {
		tok, err := h.scheduler.GetToken(ctx, sessionID, model, excluded)
		if err != nil {
			var allLimited *account.AllLimitedError
			if errors.As(err, &allLimited) {
				if resp, done, rerr := h.handleAllLimited(ctx, anthropicRequest, fallbackEnabled, protocol, allLimited); done {
					return resp, rerr
				}
				continue
			}
			return nil, err
		}

		resp, attErr := h.attempt(ctx, tok, anthropicRequest, model, protocol, attempt)
		tok.Guard.Release()

		if attErr == nil {
			h.scheduler.RecordSuccess(tok.Account.Email, sessionID)
			return resp, nil
		}

		h.scheduler.RecordSessionFailure(sessionID)
		if attErr.terminal {
			return nil, attErr.err
		}
		if attErr.excludeAccount {
			excluded.Add(tok.Account.Email)
		}
		if attErr.delay > 0 {
			utils.SleepMs(attErr.delay.Milliseconds())
		}
	}

	if fallbackEnabled {
		if fallbackModel, ok := config.GetFallbackModel(model); ok {
			utils.Warn("[CloudCode] Max retries exceeded for %s, attempting fallback to %s", model, fallbackModel)
			fallbackRequest := *anthropicRequest
			fallbackRequest.Model = fallbackModel
			return h.sendWithRetry(ctx, &fallbackRequest, false, protocol, retry.NewExcluded())
		}
	}
	return nil, fmt.Errorf("max retries exceeded")
}

// handleAllLimited implements spec §4.7's wait-or-fallback-or-error branch
// for the case where the Scheduler reports every candidate account
// rate-limited. done=true means the caller should return (resp, rerr)
// directly rather than looping again.
func (h *MessageHandler) handleAllLimited(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool, protocol retry.Protocol, allLimited *account.AllLimitedError) (*anthropic.MessagesResponse, bool, error) {
	model := anthropicRequest.Model
	if allLimited.MinWaitMs <= config.MaxWaitBeforeErrorMs {
		utils.Warn("[CloudCode] All accounts rate-limited. Waiting %s...", utils.FormatDuration(allLimited.MinWaitMs))
		utils.SleepMs(allLimited.MinWaitMs + 500)
		return nil, false, nil
	}

	if fallbackEnabled {
		if fallbackModel, ok := config.GetFallbackModel(model); ok {
			utils.Warn("[CloudCode] All accounts exhausted for %s (%s wait). Attempting fallback to %s",
				model, utils.FormatDuration(allLimited.MinWaitMs), fallbackModel)
			fallbackRequest := *anthropicRequest
			fallbackRequest.Model = fallbackModel
			resp, err := h.sendWithRetry(ctx, &fallbackRequest, false, protocol, retry.NewExcluded())
			return resp, true, err
		}
	}

	resetTime := time.Now().Add(time.Duration(allLimited.MinWaitMs) * time.Millisecond).Format(time.RFC3339)
	return nil, true, fmt.Errorf("RESOURCE_EXHAUSTED: Rate limited on %s. Quota will reset after %s. Next available: %s",
		model, utils.FormatDuration(allLimited.MinWaitMs), resetTime)
}

// attempt makes one round of upstream calls (walking endpoint failover) for
// the account already bound by the Scheduler, returning either a parsed
// response or an attemptError describing what the retry loop should do next.
func (h *MessageHandler) attempt(ctx context.Context, tok *account.GetTokenResult, req *anthropic.MessagesRequest, model string, protocol retry.Protocol, attemptNum int) (*anthropic.MessagesResponse, *attemptError) {
	projectID := tok.ProjectID
	if projectID == "" {
		projectID = config.DefaultProjectID
	}

	payload, err := BuildCloudCodeRequest(req, projectID)
	if err != nil {
		return nil, &attemptError{err: err, terminal: true}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, &attemptError{err: err, terminal: true}
	}

	isThinking := config.IsThinkingModel(model)
	accept := "application/json"
	path := "/v1internal:generateContent"
	if isThinking {
		accept = "text/event-stream"
		path = "/v1internal:streamGenerateContent?alt=sse"
	}
	headers := BuildHeaders(tok.Token, model, accept)

	endpoints := h.upstream.AvailableEndpoints()
	if len(endpoints) == 0 {
		return nil, &attemptError{err: fmt.Errorf("all upstream endpoints in cooldown"), delay: time.Second}
	}

	var lastErr *attemptError
	for _, endpoint := range endpoints {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+path, bytes.NewReader(payloadBytes))
		if err != nil {
			return nil, &attemptError{err: err, terminal: true}
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := h.upstream.Do(ctx, httpReq, tok.Account.Email, "")
		if err != nil {
			h.upstream.RecordEndpointFailure(endpoint)
			action := retry.DecideTransport(attemptNum, protocol)
			utils.Warn("[CloudCode] Network error at %s: %v", endpoint, err)
			lastErr = &attemptError{err: err, delay: action.Delay, excludeAccount: action.RotateAccount}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			h.upstream.RecordEndpointFailure(endpoint)
			errorText := string(bodyBytes)
			utils.Warn("[CloudCode] Error at %s: %d - %s", endpoint, resp.StatusCode, errorText)
			attErr := classifyFailure(ctx, h.accountManager, h.scheduler, h.tracker, tok, model, resp.StatusCode, resp.Header, errorText, protocol, attemptNum)
			if attErr.terminal || attErr.excludeAccount {
				return nil, attErr
			}
			lastErr = attErr
			continue
		}

		h.upstream.RecordEndpointSuccess(endpoint)

		var result *anthropic.MessagesResponse
		if isThinking {
			result, err = ParseThinkingSSEResponse(resp.Body, model)
		} else {
			var data map[string]interface{}
			err = json.NewDecoder(resp.Body).Decode(&data)
			if err == nil {
				result = format.ConvertGoogleToAnthropic(format.GoogleResponseFromMap(data), model)
			}
		}
		resp.Body.Close()
		if err != nil {
			if IsEmptyResponseError(err) {
				lastErr = &attemptError{err: err, delay: 500 * time.Millisecond}
				continue
			}
			return nil, &attemptError{err: err, terminal: true}
		}

		h.tracker.ClearRateLimitState(tok.Account.Email, model)
		h.accountManager.NotifySuccess(tok.Account, model)
		return result, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &attemptError{err: fmt.Errorf("no endpoints available"), delay: time.Second}
}

