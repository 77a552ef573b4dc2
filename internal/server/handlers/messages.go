// Package handlers provides HTTP request handlers for the server.
// This file handles the /v1/messages, /v1/chat/completions, and
// /v1beta/models/{model}:generateContent endpoints. All three funnel
// through the same cloudcode.Client once their request body has been
// translated into the common anthropic.MessagesRequest shape.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/antigravity-proxy-go/internal/account"
	"github.com/poemonsense/antigravity-proxy-go/internal/cloudcode"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/internal/retry"
	"github.com/poemonsense/antigravity-proxy-go/internal/server/sse"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// MessagesHandler handles the /v1/messages, /v1/chat/completions, and Gemini
// generateContent endpoints.
type MessagesHandler struct {
	accountManager  *account.Manager
	cloudCodeClient *cloudcode.Client
	cfg             *config.Config
	fallbackEnabled bool
}

// NewMessagesHandler creates a new MessagesHandler
func NewMessagesHandler(
	accountManager *account.Manager,
	cloudCodeClient *cloudcode.Client,
	cfg *config.Config,
	fallbackEnabled bool,
) *MessagesHandler {
	return &MessagesHandler{
		accountManager:  accountManager,
		cloudCodeClient: cloudCodeClient,
		cfg:             cfg,
		fallbackEnabled: fallbackEnabled,
	}
}

// Messages handles POST /v1/messages - Anthropic Messages API compatible
func (h *MessagesHandler) Messages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "invalid_request_error",
				"message": "Invalid request body: " + err.Error(),
			},
		})
		return
	}

	h.serveAnthropicRequest(c, &req)
}

// ChatCompletions handles POST /v1/chat/completions - OpenAI compatible
func (h *MessagesHandler) ChatCompletions(c *gin.Context) {
	ctx := c.Request.Context()

	var req format.OpenAIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "Invalid request body: " + err.Error(), "type": "invalid_request_error"}})
		return
	}

	anthropicReq := format.ConvertOpenAIToAnthropic(&req)
	anthropicReq.Model = h.resolveModel(anthropicReq.Model)

	if anthropicReq.Stream {
		h.streamOpenAI(c, anthropicReq)
		return
	}

	response, err := h.cloudCodeClient.SendMessage(ctx, anthropicReq, h.fallbackEnabled, retry.ProtocolOpenAI)
	if err != nil {
		_, statusCode, errorMessage := h.handleAPIError(err)
		c.JSON(statusCode, gin.H{"error": gin.H{"message": errorMessage, "type": "api_error"}})
		return
	}

	c.JSON(http.StatusOK, format.ConvertAnthropicToOpenAI(response, time.Now().Unix()))
}

// GeminiGenerateContent handles POST /v1beta/models/{model}:generateContent
// and :streamGenerateContent (the action is encoded in the same path
// parameter since Gin routes on colons literally).
func (h *MessagesHandler) GeminiGenerateContent(c *gin.Context) {
	ctx := c.Request.Context()

	modelAction := c.Param("model")
	model, action := splitModelAction(modelAction)

	var req format.GeminiRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "Invalid request body: " + err.Error(), "code": 400}})
		return
	}

	anthropicReq := format.ConvertGeminiRequestToAnthropic(h.resolveModel(model), &req)

	if action == "streamGenerateContent" {
		h.streamGemini(c, anthropicReq)
		return
	}

	response, err := h.cloudCodeClient.SendMessage(ctx, anthropicReq, h.fallbackEnabled, retry.ProtocolGemini)
	if err != nil {
		_, statusCode, errorMessage := h.handleAPIError(err)
		c.JSON(statusCode, gin.H{"error": gin.H{"message": errorMessage, "code": statusCode}})
		return
	}

	c.JSON(http.StatusOK, format.ConvertAnthropicToGeminiResponse(response))
}

// toAnthropicSSEEvent adapts a cloudcode.SSEEvent (whose Delta is a loosely
// typed map, since it is decoded straight off the upstream Gemini SSE frame)
// into the strongly typed anthropic.SSEEvent the format-package stream
// converters expect.
func toAnthropicSSEEvent(e *cloudcode.SSEEvent) *anthropic.SSEEvent {
	out := &anthropic.SSEEvent{
		Type:         anthropic.SSEEventType(e.Type),
		Index:        e.Index,
		Message:      e.Message,
		ContentBlock: e.ContentBlock,
		Usage:        e.Usage,
	}
	if e.Delta != nil {
		d := &anthropic.ContentDelta{}
		if v, ok := e.Delta["type"].(string); ok {
			d.Type = v
		}
		if v, ok := e.Delta["text"].(string); ok {
			d.Text = v
		}
		if v, ok := e.Delta["thinking"].(string); ok {
			d.Thinking = v
		}
		if v, ok := e.Delta["signature"].(string); ok {
			d.Signature = v
		}
		if v, ok := e.Delta["partial_json"].(string); ok {
			d.PartialJSON = v
		}
		if v, ok := e.Delta["stop_reason"].(string); ok {
			d.StopReason = v
		}
		if v, ok := e.Delta["thoughtSignature"].(string); ok {
			d.ThoughtSignature = v
		}
		out.Delta = d
	}
	return out
}

// splitModelAction splits a Gin `:model` param of the form
// "gemini-2.5-pro:generateContent" into its model and action parts.
func splitModelAction(modelAction string) (model, action string) {
	idx := strings.LastIndex(modelAction, ":")
	if idx < 0 {
		return modelAction, "generateContent"
	}
	return modelAction[:idx], modelAction[idx+1:]
}

// resolveModel applies the configured model mapping the same way the
// Anthropic path does, so all three client protocols share one mapping table.
func (h *MessagesHandler) resolveModel(requestedModel string) string {
	if requestedModel == "" {
		requestedModel = "claude-3-5-sonnet-20241022"
	}
	if h.cfg.ModelMapping != nil {
		if mapping, ok := h.cfg.ModelMapping[requestedModel]; ok && mapping != "" {
			utils.Info("[Server] Mapping model %s -> %s", requestedModel, mapping)
			return mapping
		}
	}
	return requestedModel
}

func (h *MessagesHandler) serveAnthropicRequest(c *gin.Context, req *anthropic.MessagesRequest) {
	reqCtx := c.Request.Context()
	req.Model = h.resolveModel(req.Model)

	// Model validation is a read-only lookup against whichever account happens
	// to be available - it must not consume an ActiveRequestGuard slot or
	// touch the Scheduler's admission bookkeeping, so it stays on the
	// Manager's plain account list rather than going through Scheduler.GetToken.
	if available := h.accountManager.GetAvailableAccounts(req.Model); len(available) > 0 {
		acc := available[0]
		token, err := h.accountManager.GetTokenForAccount(reqCtx, acc)
		if err == nil {
			projectID := ""
			if acc.Subscription != nil {
				projectID = acc.Subscription.ProjectID
			}
			if !cloudcode.IsValidModel(reqCtx, req.Model, token, projectID) {
				h.sendError(c, http.StatusBadRequest, "invalid_request_error",
					"Invalid model: "+req.Model+". Use /v1/models to see available models.")
				return
			}
		}
	}

	if h.accountManager.IsAllRateLimited(req.Model) {
		utils.Warn("[Server] All accounts rate-limited for %s. Resetting state for optimistic retry.", req.Model)
		h.accountManager.ResetAllRateLimits(reqCtx)
	}

	if len(req.Messages) == 0 {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error",
			"messages is required and must be an array")
		return
	}

	if len(req.Messages) == 1 && len(req.Messages[0].Content) == 1 {
		if req.Messages[0].Content[0].Type == "text" && req.Messages[0].Content[0].Text == "count" {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
	}

	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}

	utils.Info("[API] Request for model: %s, stream: %t", req.Model, req.Stream)

	if utils.IsDebug() {
		utils.Debug("[API] Message structure:")
		for i, msg := range req.Messages {
			types := make([]string, 0, len(msg.Content))
			for _, block := range msg.Content {
				types = append(types, block.Type)
			}
			utils.Debug("  [%d] %s: %s", i, msg.Role, strings.Join(types, ", "))
		}
	}

	if req.Stream {
		h.handleStreamingResponse(c, req)
	} else {
		h.handleNonStreamingResponse(c, req)
	}
}

// handleStreamingResponse handles streaming SSE responses
func (h *MessagesHandler) handleStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	events, errs := h.cloudCodeClient.SendMessageStream(ctx, req, h.fallbackEnabled, retry.ProtocolAnthropic)

	var firstEvent *cloudcode.SSEEvent
	var firstErr error

	select {
	case event, ok := <-events:
		if !ok {
			select {
			case err := <-errs:
				firstErr = err
			default:
				firstErr = cloudcode.NewEmptyResponseError("No response received")
			}
		} else {
			firstEvent = event
		}
	case err := <-errs:
		firstErr = err
	}

	if firstErr != nil {
		utils.Error("[API] Initial stream error: %v", firstErr)
		errorType, statusCode, errorMessage := parseError(firstErr)
		c.JSON(statusCode, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    errorType,
				"message": errorMessage,
			},
		})
		return
	}

	sseWriter, err := sse.NewWriter(c.Writer)
	if err != nil {
		utils.Error("[API] Failed to create SSE writer: %v", err)
		h.sendError(c, http.StatusInternalServerError, "api_error", "Streaming not supported")
		return
	}

	c.Status(http.StatusOK)
	sseWriter.SetHeaders()
	c.Writer.Flush()

	if firstEvent != nil {
		if err := sseWriter.WriteEvent(firstEvent.Type, firstEvent); err != nil {
			utils.Error("[API] Error writing first SSE event: %v", err)
			return
		}
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := sseWriter.WriteEvent(event.Type, event); err != nil {
				utils.Error("[API] Error writing SSE event: %v", err)
				return
			}
		case err := <-errs:
			if err != nil {
				utils.Error("[API] Mid-stream error: %v", err)
				errorType, _, errorMessage := parseError(err)
				sseWriter.WriteError(errorType, errorMessage)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// streamOpenAI drains the same anthropic.SSEEvent stream the Anthropic path
// uses and re-emits it as OpenAI chat.completion.chunk frames.
func (h *MessagesHandler) streamOpenAI(c *gin.Context, req *anthropic.MessagesRequest) {
	reqCtx := c.Request.Context()
	events, errs := h.cloudCodeClient.SendMessageStream(reqCtx, req, h.fallbackEnabled, retry.ProtocolOpenAI)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.sendError(c, http.StatusInternalServerError, "api_error", "Streaming not supported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher.Flush()

	converter := format.NewOpenAIStreamConverter(req.Model, time.Now().Unix())
	writeChunk := func(chunk *format.OpenAIChunk) bool {
		data, err := json.Marshal(chunk)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				fmt.Fprint(c.Writer, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			for _, chunk := range converter.Convert(toAnthropicSSEEvent(event)) {
				if !writeChunk(chunk) {
					return
				}
			}
		case err := <-errs:
			if err != nil {
				utils.Error("[API] OpenAI mid-stream error: %v", err)
			}
			fmt.Fprint(c.Writer, "data: [DONE]\n\n")
			flusher.Flush()
			return
		case <-reqCtx.Done():
			return
		}
	}
}

// streamGemini drains the anthropic.SSEEvent stream and re-emits it as
// Gemini-shaped candidate chunks (one GoogleResponse JSON object per event
// carrying new content, matching streamGenerateContent's JSON-array framing
// simplified to one-object-per-line SSE since that is what most Gemini SDKs
// actually consume over HTTP/1.1).
func (h *MessagesHandler) streamGemini(c *gin.Context, req *anthropic.MessagesRequest) {
	reqCtx := c.Request.Context()
	events, errs := h.cloudCodeClient.SendMessageStream(reqCtx, req, h.fallbackEnabled, retry.ProtocolGemini)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.sendError(c, http.StatusInternalServerError, "api_error", "Streaming not supported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Status(http.StatusOK)
	flusher.Flush()

	var textAccum, thinkingAccum strings.Builder

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			aEvent := toAnthropicSSEEvent(event)
			if aEvent.Delta != nil {
				switch aEvent.Delta.Type {
				case "text_delta":
					textAccum.WriteString(aEvent.Delta.Text)
				case "thinking_delta":
					thinkingAccum.WriteString(aEvent.Delta.Thinking)
				}
			}
			resp := &anthropic.MessagesResponse{
				Model:      req.Model,
				StopReason: "",
			}
			if thinkingAccum.Len() > 0 {
				resp.Content = append(resp.Content, anthropic.ContentBlock{Type: "thinking", Thinking: thinkingAccum.String()})
			}
			if textAccum.Len() > 0 {
				resp.Content = append(resp.Content, anthropic.ContentBlock{Type: "text", Text: textAccum.String()})
			}
			chunk := format.ConvertAnthropicToGeminiResponse(resp)
			data, err := json.Marshal(chunk)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case err := <-errs:
			if err != nil {
				utils.Error("[API] Gemini mid-stream error: %v", err)
			}
			return
		case <-reqCtx.Done():
			return
		}
	}
}

// handleNonStreamingResponse handles non-streaming responses
func (h *MessagesHandler) handleNonStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	response, err := h.cloudCodeClient.SendMessage(ctx, req, h.fallbackEnabled, retry.ProtocolAnthropic)
	if err != nil {
		utils.Error("[API] Error: %v", err)
		errorType, statusCode, errorMessage := h.handleAPIError(err)
		h.sendError(c, statusCode, errorType, errorMessage)
		return
	}

	c.JSON(http.StatusOK, response)
}

// handleAPIError handles API errors with optional token refresh
func (h *MessagesHandler) handleAPIError(err error) (string, int, string) {
	errorType, statusCode, errorMessage := parseError(err)

	if errorType == "authentication_error" {
		utils.Warn("[API] Token might be expired, attempting refresh...")
		h.accountManager.ClearTokenCache()
		h.accountManager.ClearProjectCache()
		errorMessage = "Token was expired and has been refreshed. Please retry your request."
	}

	utils.Warn("[API] Returning error response: %d %s - %s", statusCode, errorType, errorMessage)
	return errorType, statusCode, errorMessage
}

// sendError sends an error JSON response
func (h *MessagesHandler) sendError(c *gin.Context, statusCode int, errorType, message string) {
	c.JSON(statusCode, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errorType,
			"message": message,
		},
	})
}

// CountTokens handles POST /v1/messages/count_tokens
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "not_implemented",
			"message": "Token counting is not implemented. Use /v1/messages with max_tokens or configure your client to skip token counting.",
		},
	})
}

// parseError parses an error and returns error type, status code, and message
func parseError(err error) (string, int, string) {
	errorType := "api_error"
	statusCode := 500
	errorMessage := err.Error()

	msg := err.Error()

	if strings.Contains(msg, "401") || strings.Contains(msg, "UNAUTHENTICATED") {
		errorType = "authentication_error"
		statusCode = 401
		errorMessage = "Authentication failed. Make sure Antigravity is running with a valid token."
	} else if strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "QUOTA_EXHAUSTED") {
		errorType = "invalid_request_error"
		statusCode = 400

		model := "the model"
		if idx := strings.Index(msg, "Rate limited on "); idx >= 0 {
			end := strings.Index(msg[idx:], ".")
			if end > 0 {
				model = msg[idx+len("Rate limited on "):idx+end]
			}
		}

		if idx := strings.Index(msg, "quota will reset after "); idx >= 0 {
			rest := msg[idx+len("quota will reset after "):]
			if end := strings.IndexAny(rest, ".,"); end > 0 {
				duration := rest[:end]
				errorMessage = "You have exhausted your capacity on " + model + ". Quota will reset after " + duration + "."
			} else {
				errorMessage = "You have exhausted your capacity on " + model + ". Please wait for your quota to reset."
			}
		} else {
			errorMessage = "You have exhausted your capacity on " + model + ". Please wait for your quota to reset."
		}
	} else if strings.Contains(msg, "invalid_request_error") || strings.Contains(msg, "INVALID_ARGUMENT") {
		errorType = "invalid_request_error"
		statusCode = 400
		if idx := strings.Index(msg, `"message":"`); idx >= 0 {
			rest := msg[idx+len(`"message":"`):]
			if end := strings.Index(rest, `"`); end > 0 {
				errorMessage = rest[:end]
			}
		}
	} else if strings.Contains(msg, "All endpoints failed") {
		errorType = "api_error"
		statusCode = 503
		errorMessage = "Unable to connect to Claude API. Check that Antigravity is running."
	} else if strings.Contains(msg, "PERMISSION_DENIED") {
		errorType = "permission_error"
		statusCode = 403
	}

	return errorType, statusCode, errorMessage
}

// RefreshTokenHandler handles POST /refresh-token
type RefreshTokenHandler struct {
	accountManager *account.Manager
}

// NewRefreshTokenHandler creates a new RefreshTokenHandler
func NewRefreshTokenHandler(accountManager *account.Manager) *RefreshTokenHandler {
	return &RefreshTokenHandler{
		accountManager: accountManager,
	}
}

// RefreshToken handles POST /refresh-token
func (h *RefreshTokenHandler) RefreshToken(c *gin.Context) {
	h.accountManager.ClearTokenCache()
	h.accountManager.ClearProjectCache()

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Token caches cleared and refreshed",
	})
}

// SerializeRequest converts a request to JSON for logging
func SerializeRequest(req *anthropic.MessagesRequest) string {
	data, err := json.Marshal(req)
	if err != nil {
		return "{}"
	}
	return string(data)
}
