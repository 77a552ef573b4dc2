// Package cloudcode provides Cloud Code API client implementation.
// This file corresponds to src/cloudcode/streaming-handler.js in the Node.js version.
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
	"github.com/poemonsense/antigravity-proxy-go/internal/ratelimit"
	"github.com/poemonsense/antigravity-proxy-go/internal/retry"
	"github.com/poemonsense/antigravity-proxy-go/internal/streampeek"
	"github.com/poemonsense/antigravity-proxy-go/internal/upstream"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// StreamingHandler handles streaming message requests. It shares the same
// Scheduler/upstream.Client/retry engine plumbing as MessageHandler, and
// additionally runs every upstream stream through streampeek.Peek before
// committing to forward it, so a stream that opens empty or with an embedded
// error can still fail over to another account exactly like a non-streaming
// response would, instead of only discovering the problem after reading to
// EOF.
type StreamingHandler struct {
	accountManager *account.Manager
	scheduler      *account.Scheduler
	tracker        *ratelimit.Tracker
	upstream       *upstream.Client
	cfg            *config.Config
	peekCfg        streampeek.Config
}

// NewStreamingHandler creates a new StreamingHandler.
func NewStreamingHandler(accountManager *account.Manager, scheduler *account.Scheduler, tracker *ratelimit.Tracker, up *upstream.Client, cfg *config.Config) *StreamingHandler {
	return &StreamingHandler{
		accountManager: accountManager,
		scheduler:      scheduler,
		tracker:        tracker,
		upstream:       up,
		cfg:            cfg,
		peekCfg:        streampeek.DefaultConfig(),
	}
}

// SendMessageStream sends a streaming request to Cloud Code with multi-account support.
// Returns a channel of SSE events.
func (h *StreamingHandler) SendMessageStream(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool, protocol retry.Protocol) (<-chan *SSEEvent, <-chan error) {
	events := make(chan *SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		if err := h.streamWithRetry(ctx, anthropicRequest, fallbackEnabled, protocol, retry.NewExcluded(), events); err != nil {
			errs <- err
		}
	}()

	return events, errs
}

func (h *StreamingHandler) streamWithRetry(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool, protocol retry.Protocol, excluded *retry.Excluded, events chan<- *SSEEvent) error {
	model := anthropicRequest.Model
	sessionID := DeriveSessionID(anthropicRequest)

	for attempt := 1; attempt <= retry.MaxRetryAttempts; attempt++ {
		tok, err := h.scheduler.GetToken(ctx, sessionID, model, excluded)
		if err != nil {
			var allLimited *account.AllLimitedError
			if errors.As(err, &allLimited) {
				done, rerr := h.handleAllLimited(ctx, anthropicRequest, fallbackEnabled, protocol, allLimited, events)
				if done {
					return rerr
				}
				continue
			}
			return err
		}

		attErr := h.attemptStream(ctx, tok, anthropicRequest, model, protocol, attempt, events)
		tok.Guard.Release()

		if attErr == nil {
			h.scheduler.RecordSuccess(tok.Account.Email, sessionID)
			return nil
		}

		h.scheduler.RecordSessionFailure(sessionID)
		if attErr.terminal {
			return attErr.err
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
			utils.Warn("[CloudCode] All retries exhausted for %s. Attempting fallback to %s (streaming)", model, fallbackModel)
			fallbackRequest := *anthropicRequest
			fallbackRequest.Model = fallbackModel
			return h.streamWithRetry(ctx, &fallbackRequest, false, protocol, retry.NewExcluded(), events)
		}
	}

	utils.Error("[CloudCode] Max retries exceeded for %s, emitting empty-response fallback", model)
	emitEmptyResponseFallback(events, model)
	return nil
}

func (h *StreamingHandler) handleAllLimited(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool, protocol retry.Protocol, allLimited *account.AllLimitedError, events chan<- *SSEEvent) (bool, error) {
	model := anthropicRequest.Model
	if allLimited.MinWaitMs <= config.MaxWaitBeforeErrorMs {
		utils.Warn("[CloudCode] All accounts rate-limited. Waiting %s...", utils.FormatDuration(allLimited.MinWaitMs))
		utils.SleepMs(allLimited.MinWaitMs + 500)
		return false, nil
	}

	if fallbackEnabled {
		if fallbackModel, ok := config.GetFallbackModel(model); ok {
			utils.Warn("[CloudCode] All accounts exhausted for %s (%s wait). Attempting fallback to %s (streaming)",
				model, utils.FormatDuration(allLimited.MinWaitMs), fallbackModel)
			fallbackRequest := *anthropicRequest
			fallbackRequest.Model = fallbackModel
			return true, h.streamWithRetry(ctx, &fallbackRequest, false, protocol, retry.NewExcluded(), events)
		}
	}

	resetTime := time.Now().Add(time.Duration(allLimited.MinWaitMs) * time.Millisecond).Format(time.RFC3339)
	return true, fmt.Errorf("RESOURCE_EXHAUSTED: Rate limited on %s. Quota will reset after %s. Next available: %s",
		model, utils.FormatDuration(allLimited.MinWaitMs), resetTime)
}

// attemptStream issues the streaming request for the account the Scheduler
// already bound, peeks the first real frame before forwarding anything to
// events, and only then streams the rest through to completion.
func (h *StreamingHandler) attemptStream(ctx context.Context, tok *account.GetTokenResult, req *anthropic.MessagesRequest, model string, protocol retry.Protocol, attemptNum int, events chan<- *SSEEvent) *attemptError {
	projectID := tok.ProjectID
	if projectID == "" {
		projectID = config.DefaultProjectID
	}

	payload, err := BuildCloudCodeRequest(req, projectID)
	if err != nil {
		return &attemptError{err: err, terminal: true}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return &attemptError{err: err, terminal: true}
	}

	headers := BuildHeaders(tok.Token, model, "text/event-stream")

	endpoints := h.upstream.AvailableEndpoints()
	if len(endpoints) == 0 {
		return &attemptError{err: fmt.Errorf("all upstream endpoints in cooldown"), delay: time.Second}
	}

	var lastErr *attemptError
	for _, endpoint := range endpoints {
		url := endpoint + "/v1internal:streamGenerateContent?alt=sse"

		httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
		if err != nil {
			return &attemptError{err: err, terminal: true}
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
			utils.Warn("[CloudCode] Stream error at %s: %d - %s", endpoint, resp.StatusCode, errorText)
			attErr := classifyFailure(ctx, h.accountManager, h.scheduler, h.tracker, tok, model, resp.StatusCode, resp.Header, errorText, protocol, attemptNum)
			if attErr.terminal || attErr.excludeAccount {
				return attErr
			}
			lastErr = attErr
			continue
		}

		peeked, err := streampeek.Peek(ctx, resp.Body, h.peekCfg)
		if err != nil {
			resp.Body.Close()
			h.upstream.RecordEndpointFailure(endpoint)
			var retryable *streampeek.RetryableError
			if errors.As(err, &retryable) {
				utils.Warn("[CloudCode] Stream peek failed at %s (%s), retrying...", endpoint, retryable.Reason)
				lastErr = &attemptError{err: err, delay: 500 * time.Millisecond}
				continue
			}
			return &attemptError{err: err, terminal: true}
		}

		h.upstream.RecordEndpointSuccess(endpoint)

		sseErr := h.forward(peeked.Stream, model, events)
		resp.Body.Close()
		if sseErr != nil {
			if IsEmptyResponseError(sseErr) {
				utils.Warn("[CloudCode] Empty response after peek, retrying...")
				lastErr = &attemptError{err: sseErr, delay: 500 * time.Millisecond}
				continue
			}
			return &attemptError{err: sseErr, terminal: true}
		}

		h.tracker.ClearRateLimitState(tok.Account.Email, model)
		h.accountManager.NotifySuccess(tok.Account, model)
		return nil
	}

	if lastErr != nil {
		return lastErr
	}
	return &attemptError{err: fmt.Errorf("no endpoints available"), delay: time.Second}
}

// forward drains a peeked SSE stream into events, surfacing the parser's
// terminal error (if any) to the caller.
func (h *StreamingHandler) forward(stream io.Reader, model string, events chan<- *SSEEvent) error {
	sseEvents, sseErrs := StreamSSEResponse(stream, model)
	for event := range sseEvents {
		events <- event
	}
	return <-sseErrs
}

// emitEmptyResponseFallback emits a fallback message when all retry attempts fail.
func emitEmptyResponseFallback(events chan<- *SSEEvent, model string) {
	messageID := "msg_" + generateHexID(16)

	events <- &SSEEvent{
		Type: "message_start",
		Message: &anthropic.MessagesResponse{
			ID:           messageID,
			Type:         "message",
			Role:         "assistant",
			Content:      []anthropic.ContentBlock{},
			Model:        model,
			StopReason:   "",
			StopSequence: nil,
			Usage:        &anthropic.Usage{InputTokens: 0, OutputTokens: 0},
		},
	}

	events <- &SSEEvent{
		Type:  "content_block_start",
		Index: 0,
		ContentBlock: &anthropic.ContentBlock{
			Type: "text",
			Text: "",
		},
	}

	events <- &SSEEvent{
		Type:  "content_block_delta",
		Index: 0,
		Delta: map[string]interface{}{
			"type": "text_delta",
			"text": "[No response after retries - please try again]",
		},
	}

	events <- &SSEEvent{Type: "content_block_stop", Index: 0}

	events <- &SSEEvent{
		Type: "message_delta",
		Delta: map[string]interface{}{
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
		},
		Usage: &anthropic.Usage{OutputTokens: 0},
	}

	events <- &SSEEvent{Type: "message_stop"}
}
