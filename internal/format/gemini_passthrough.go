// Package format provides conversion between Anthropic and Google Generative AI formats.
// This file handles clients that already speak the Gemini generateContent
// wire shape. Per spec, the request side is "primarily a passthrough" — the
// client's contents/systemInstruction/tools are already shaped like the
// upstream Gemini request, so this file only has to bridge them through the
// anthropic.MessagesRequest intermediate the account-selection and retry
// machinery already understands, then mirror the response back out as a
// GoogleResponse-shaped candidates array instead of an Anthropic message.
package format

import (
	"encoding/json"

	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// GeminiRequest is the inbound client request to
// /v1beta/models/{model}:generateContent or :streamGenerateContent.
type GeminiRequest struct {
	Contents          []GoogleContent   `json:"contents"`
	SystemInstruction *GoogleContent    `json:"systemInstruction,omitempty"`
	Tools             []GoogleTool      `json:"tools,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// ConvertGeminiRequestToAnthropic bridges an inbound Gemini-shaped request
// into the common anthropic.MessagesRequest intermediate so it can travel
// through the same account-selection, retry, and ConvertAnthropicToGoogle
// pipeline as Anthropic- and OpenAI-originated requests.
func ConvertGeminiRequestToAnthropic(model string, req *GeminiRequest) *anthropic.MessagesRequest {
	out := &anthropic.MessagesRequest{
		Model:     model,
		MaxTokens: 65536,
	}

	if req.SystemInstruction != nil {
		var sys string
		for _, part := range req.SystemInstruction.Parts {
			sys += part.Text
		}
		if sys != "" {
			out.System = sys
		}
	}

	messages := make([]anthropic.Message, 0, len(req.Contents))
	for _, content := range req.Contents {
		role := "user"
		if content.Role == "model" {
			role = "assistant"
		}

		blocks := make([]anthropic.ContentBlock, 0, len(content.Parts))
		for _, part := range content.Parts {
			switch {
			case part.Text != "" && part.Thought:
				blocks = append(blocks, anthropic.ContentBlock{
					Type:      "thinking",
					Thinking:  part.Text,
					Signature: part.ThoughtSignature,
				})
			case part.Text != "":
				blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: part.Text})
			case part.FunctionCall != nil:
				argsJSON, _ := json.Marshal(part.FunctionCall.Args)
				blocks = append(blocks, anthropic.ContentBlock{
					Type:             "tool_use",
					ID:               part.FunctionCall.ID,
					Name:             part.FunctionCall.Name,
					Input:            argsJSON,
					ThoughtSignature: part.ThoughtSignature,
				})
			case part.FunctionResponse != nil:
				result := ""
				if r, ok := part.FunctionResponse.Response["result"].(string); ok {
					result = r
				}
				blocks = append(blocks, anthropic.ContentBlock{
					Type:      "tool_result",
					ToolUseID: part.FunctionResponse.ID,
					Content:   result,
				})
			case part.InlineData != nil:
				blocks = append(blocks, anthropic.ContentBlock{
					Type: "image",
					Source: &anthropic.ImageSource{
						Type:      "base64",
						MediaType: part.InlineData.MimeType,
						Data:      part.InlineData.Data,
					},
				})
			}
		}
		messages = append(messages, anthropic.Message{Role: role, Content: blocks})
	}
	out.Messages = messages

	if len(req.Tools) > 0 {
		tools := make([]anthropic.Tool, 0)
		for _, t := range req.Tools {
			for _, fn := range t.FunctionDeclarations {
				paramsJSON, _ := json.Marshal(fn.Parameters)
				tools = append(tools, anthropic.Tool{
					Name:        fn.Name,
					Description: fn.Description,
					InputSchema: paramsJSON,
				})
			}
		}
		out.Tools = tools
	}

	if req.GenerationConfig != nil {
		out.Temperature = req.GenerationConfig.Temperature
		out.TopP = req.GenerationConfig.TopP
		out.TopK = req.GenerationConfig.TopK
		out.StopSequences = req.GenerationConfig.StopSequences
		if req.GenerationConfig.MaxOutputTokens > 0 {
			out.MaxTokens = req.GenerationConfig.MaxOutputTokens
		}
	}

	return out
}

// ConvertAnthropicToGeminiResponse mirrors a completed anthropic.MessagesResponse
// back out as a GoogleResponse the Gemini-speaking client expects from
// :generateContent.
func ConvertAnthropicToGeminiResponse(resp *anthropic.MessagesResponse) *GoogleResponse {
	parts := make([]ResponsePart, 0, len(resp.Content))
	for _, block := range resp.Content {
		switch block.Type {
		case "thinking":
			parts = append(parts, ResponsePart{Text: block.Thinking, Thought: true, ThoughtSignature: block.Signature})
		case "text":
			parts = append(parts, ResponsePart{Text: block.Text})
		case "tool_use":
			var args map[string]interface{}
			_ = json.Unmarshal(block.Input, &args)
			parts = append(parts, ResponsePart{
				FunctionCall: &ResponseFuncCall{Name: block.Name, Args: args, ID: block.ID},
			})
		case "image":
			if block.Source != nil {
				parts = append(parts, ResponsePart{
					InlineData: &InlineData{MimeType: block.Source.MediaType, Data: block.Source.Data},
				})
			}
		}
	}

	finishReason := mapAnthropicStopReasonToGeminiFinish(resp.StopReason)

	var usage *UsageMetadata
	if resp.Usage != nil {
		usage = &UsageMetadata{
			PromptTokenCount:        resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens,
			CandidatesTokenCount:    resp.Usage.OutputTokens,
			CachedContentTokenCount: resp.Usage.CacheReadInputTokens,
		}
	}

	return &GoogleResponse{
		Candidates: []Candidate{{
			Content:      &CandidateContent{Parts: parts, Role: "model"},
			FinishReason: finishReason,
		}},
		UsageMetadata: usage,
	}
}

func mapAnthropicStopReasonToGeminiFinish(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return "STOP"
	}
}
