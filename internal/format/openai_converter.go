// Package format provides conversion between Anthropic and Google Generative AI formats.
// This file bridges the OpenAI Chat Completions wire protocol onto the same
// anthropic.MessagesRequest/Response intermediate the Anthropic-facing handler
// already uses, so the Gemini translation pipeline in request_converter.go and
// response_converter.go only has to be written once.
package format

import (
	"encoding/json"
	"strings"

	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// OpenAIMessage is one entry of an OpenAI chat completion request's
// "messages" array. Content may be a plain string or a list of parts; both
// shapes are handled by unmarshalOpenAIContent.
type OpenAIMessage struct {
	Role       string              `json:"role"`
	Content    json.RawMessage     `json:"content,omitempty"`
	Name       string              `json:"name,omitempty"`
	ToolCalls  []OpenAIToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string              `json:"tool_call_id,omitempty"`
}

// OpenAIContentPart is one element of a multi-part OpenAI message content array.
type OpenAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *OpenAIImageURL `json:"image_url,omitempty"`
}

// OpenAIImageURL carries a data: URL or remote image reference.
type OpenAIImageURL struct {
	URL string `json:"url"`
}

// OpenAIToolCall mirrors an OpenAI tool_calls entry. Index identifies which
// tool call a streamed delta belongs to and is only populated in chunks.
type OpenAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function OpenAIFunctionCall `json:"function"`
}

// OpenAIFunctionCall carries the function name and JSON-encoded arguments.
type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OpenAITool mirrors an OpenAI tools[] declaration.
type OpenAITool struct {
	Type     string             `json:"type"`
	Function OpenAIFunctionSpec `json:"function"`
}

// OpenAIFunctionSpec is the function body of an OpenAITool.
type OpenAIFunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// OpenAIRequest represents a request to POST /v1/chat/completions.
type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
}

// OpenAIChoice is one completion choice in a chat.completion response.
type OpenAIChoice struct {
	Index        int                 `json:"index"`
	Message      *OpenAIRespMessage  `json:"message,omitempty"`
	Delta        *OpenAIRespMessage  `json:"delta,omitempty"`
	FinishReason *string             `json:"finish_reason"`
}

// OpenAIRespMessage is the assistant message body of a choice.
type OpenAIRespMessage struct {
	Role             string           `json:"role,omitempty"`
	Content          string           `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []OpenAIToolCall `json:"tool_calls,omitempty"`
}

// OpenAIUsage mirrors OpenAI's token accounting fields.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIResponse represents a non-streaming chat.completion response.
type OpenAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

// OpenAIChunk represents one chat.completion.chunk SSE data frame.
type OpenAIChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
}

func unmarshalOpenAIContent(raw json.RawMessage) []anthropic.ContentBlock {
	if len(raw) == 0 {
		return nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil
		}
		return []anthropic.ContentBlock{{Type: "text", Text: asString}}
	}

	var parts []OpenAIContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}

	blocks := make([]anthropic.ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			mediaType, data := decodeDataURL(p.ImageURL.URL)
			if data == "" {
				continue
			}
			blocks = append(blocks, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: mediaType,
					Data:      data,
				},
			})
		}
	}
	return blocks
}

// decodeDataURL splits a "data:<mime>;base64,<payload>" URL into its parts.
// Returns an empty data string for any other URL scheme (remote fetch is not
// supported; the proxy never makes outbound fetches on a client's behalf).
func decodeDataURL(url string) (mediaType, data string) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", ""
	}
	rest := url[len(prefix):]
	semi := strings.IndexByte(rest, ';')
	comma := strings.IndexByte(rest, ',')
	if semi < 0 || comma < 0 || comma < semi {
		return "", ""
	}
	return rest[:semi], rest[comma+1:]
}

// ConvertOpenAIToAnthropic translates an OpenAI chat completion request into
// the anthropic.MessagesRequest shape the rest of the translation pipeline
// consumes, so Gemini-bound requests only need one request-side converter
// (ConvertAnthropicToGoogle).
func ConvertOpenAIToAnthropic(req *OpenAIRequest) *anthropic.MessagesRequest {
	out := &anthropic.MessagesRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}

	if len(req.Stop) > 0 {
		var single string
		if err := json.Unmarshal(req.Stop, &single); err == nil {
			if single != "" {
				out.StopSequences = []string{single}
			}
		} else {
			var multi []string
			if err := json.Unmarshal(req.Stop, &multi); err == nil {
				out.StopSequences = multi
			}
		}
	}

	var systemParts []string
	messages := make([]anthropic.Message, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == "system" {
			blocks := unmarshalOpenAIContent(m.Content)
			for _, b := range blocks {
				if b.Type == "text" && b.Text != "" {
					systemParts = append(systemParts, b.Text)
				}
			}
			continue
		}

		if m.Role == "tool" {
			messages = append(messages, anthropic.Message{
				Role: "user",
				Content: []anthropic.ContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   extractPlainText(m.Content),
				}},
			})
			continue
		}

		role := m.Role
		if role == "assistant" {
			content := unmarshalOpenAIContent(m.Content)
			for _, tc := range m.ToolCalls {
				content = append(content, anthropic.ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage(tc.Function.Arguments),
				})
			}
			messages = append(messages, anthropic.Message{Role: "assistant", Content: content})
			continue
		}

		messages = append(messages, anthropic.Message{Role: "user", Content: unmarshalOpenAIContent(m.Content)})
	}

	if len(systemParts) > 0 {
		out.System = strings.Join(systemParts, "\n\n")
	}
	out.Messages = messages

	if len(req.Tools) > 0 {
		tools := make([]anthropic.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, anthropic.Tool{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				InputSchema: t.Function.Parameters,
			})
		}
		out.Tools = tools
	}

	return out
}

func extractPlainText(raw json.RawMessage) string {
	blocks := unmarshalOpenAIContent(raw)
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ConvertAnthropicToOpenAI translates a completed anthropic.MessagesResponse
// into an OpenAI-shaped chat.completion response.
func ConvertAnthropicToOpenAI(resp *anthropic.MessagesResponse, createdUnix int64) *OpenAIResponse {
	msg := &OpenAIRespMessage{Role: "assistant"}
	var toolCalls []OpenAIToolCall

	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			msg.ReasoningContent += block.Thinking
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, OpenAIToolCall{
				ID:   block.ID,
				Type: "function",
				Function: OpenAIFunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}
	msg.Content = text.String()
	msg.ToolCalls = toolCalls

	finishReason := mapAnthropicStopReasonToOpenAI(resp.StopReason, len(toolCalls) > 0)

	var usage *OpenAIUsage
	if resp.Usage != nil {
		usage = &OpenAIUsage{
			PromptTokens:     resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens + resp.Usage.OutputTokens,
		}
	}

	return &OpenAIResponse{
		ID:      "chatcmpl-" + generateRandomHex(12),
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   resp.Model,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: &finishReason,
		}},
		Usage: usage,
	}
}

func mapAnthropicStopReasonToOpenAI(stopReason string, hasToolCalls bool) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	case "stop_sequence":
		return "stop"
	case "content_filter":
		return "content_filter"
	default:
		if hasToolCalls {
			return "tool_calls"
		}
		return "stop"
	}
}

// OpenAIStreamConverter turns the anthropic.SSEEvent stream already produced
// by cloudcode.Client.SendMessageStream into OpenAI chat.completion.chunk
// frames, reusing the Gemini->Anthropic state machine instead of
// re-implementing Gemini part tracking a second time.
type OpenAIStreamConverter struct {
	id           string
	model        string
	created      int64
	sentRole     bool
	toolCallIdx  map[string]int
	nextToolIdx  int
}

// NewOpenAIStreamConverter creates a converter for one streamed response.
func NewOpenAIStreamConverter(model string, createdUnix int64) *OpenAIStreamConverter {
	return &OpenAIStreamConverter{
		id:          "chatcmpl-" + generateRandomHex(12),
		model:       model,
		created:     createdUnix,
		toolCallIdx: make(map[string]int),
	}
}

// Convert maps one anthropic.SSEEvent to zero or more OpenAI chunks.
func (c *OpenAIStreamConverter) Convert(event *anthropic.SSEEvent) []*OpenAIChunk {
	var chunks []*OpenAIChunk

	emit := func(delta *OpenAIRespMessage, finish *string) {
		chunks = append(chunks, &OpenAIChunk{
			ID:      c.id,
			Object:  "chat.completion.chunk",
			Created: c.created,
			Model:   c.model,
			Choices: []OpenAIChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		})
	}

	switch event.Type {
	case anthropic.SSEEventMessageStart:
		if !c.sentRole {
			emit(&OpenAIRespMessage{Role: "assistant"}, nil)
			c.sentRole = true
		}
	case anthropic.SSEEventContentBlockStart:
		if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
			idx := c.nextToolIdx
			c.nextToolIdx++
			c.toolCallIdx[event.ContentBlock.ID] = idx
			emit(&OpenAIRespMessage{
				ToolCalls: []OpenAIToolCall{{
					Index: &idx,
					ID:    event.ContentBlock.ID,
					Type:  "function",
					Function: OpenAIFunctionCall{
						Name: event.ContentBlock.Name,
					},
				}},
			}, nil)
		}
	case anthropic.SSEEventContentBlockDelta:
		if event.Delta == nil {
			break
		}
		switch event.Delta.Type {
		case "text_delta":
			emit(&OpenAIRespMessage{Content: event.Delta.Text}, nil)
		case "thinking_delta":
			emit(&OpenAIRespMessage{ReasoningContent: event.Delta.Thinking}, nil)
		case "input_json_delta":
			idx := c.nextToolIdx - 1
			if idx < 0 {
				idx = 0
			}
			emit(&OpenAIRespMessage{
				ToolCalls: []OpenAIToolCall{{
					Index:    &idx,
					Function: OpenAIFunctionCall{Arguments: event.Delta.PartialJSON},
				}},
			}, nil)
		}
	case anthropic.SSEEventMessageDelta:
		if event.Delta != nil && event.Delta.StopReason != "" {
			reason := mapAnthropicStopReasonToOpenAI(event.Delta.StopReason, len(c.toolCallIdx) > 0)
			emit(&OpenAIRespMessage{}, &reason)
		}
	}

	return chunks
}
