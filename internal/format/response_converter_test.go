package format

import (
	"encoding/json"
	"testing"
)

func TestConvertGoogleToAnthropic_SafetyFinishReasonMapsToContentFilter(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content:      &CandidateContent{Parts: []ResponsePart{{Text: "hi"}}, Role: "model"},
			FinishReason: "SAFETY",
		}},
	}
	got := ConvertGoogleToAnthropic(resp, "gemini-test")
	if got.StopReason != "content_filter" {
		t.Errorf("expected SAFETY to map to content_filter, got %q", got.StopReason)
	}
}

func TestConvertGoogleToAnthropic_RecitationFinishReasonMapsToContentFilter(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content:      &CandidateContent{Parts: []ResponsePart{{Text: "hi"}}, Role: "model"},
			FinishReason: "RECITATION",
		}},
	}
	got := ConvertGoogleToAnthropic(resp, "gemini-test")
	if got.StopReason != "content_filter" {
		t.Errorf("expected RECITATION to map to content_filter, got %q", got.StopReason)
	}
}

func TestConvertGoogleToAnthropic_ToolUseTakesPrecedenceOverEndTurn(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &CandidateContent{
				Parts: []ResponsePart{{FunctionCall: &ResponseFuncCall{Name: "grep", Args: map[string]interface{}{"pattern": "foo"}}}},
				Role:  "model",
			},
			FinishReason: "STOP",
		}},
	}
	got := ConvertGoogleToAnthropic(resp, "gemini-test")
	if got.StopReason != "tool_use" {
		t.Errorf("expected a tool call to force stop_reason=tool_use, got %q", got.StopReason)
	}
}

func TestConvertGoogleToAnthropic_MaxTokens(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content:      &CandidateContent{Parts: []ResponsePart{{Text: "hi"}}, Role: "model"},
			FinishReason: "MAX_TOKENS",
		}},
	}
	got := ConvertGoogleToAnthropic(resp, "gemini-test")
	if got.StopReason != "max_tokens" {
		t.Errorf("expected MAX_TOKENS to map to max_tokens, got %q", got.StopReason)
	}
}

func TestConvertGoogleToAnthropic_EmptyContentGetsPlaceholder(t *testing.T) {
	resp := &GoogleResponse{Candidates: []Candidate{{FinishReason: "STOP"}}}
	got := ConvertGoogleToAnthropic(resp, "gemini-test")
	if len(got.Content) != 1 || got.Content[0].Type != "text" {
		t.Fatalf("expected a single placeholder text block, got %+v", got.Content)
	}
}

func decodeArgs(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("failed to decode tool args: %v", err)
	}
	return m
}

func TestConvertGoogleToAnthropic_RemapsGrepQueryToPattern(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &CandidateContent{
				Parts: []ResponsePart{{FunctionCall: &ResponseFuncCall{
					Name: "Grep",
					Args: map[string]interface{}{"query": "TODO", "paths": []interface{}{"src/"}},
				}}},
				Role: "model",
			},
			FinishReason: "STOP",
		}},
	}
	got := ConvertGoogleToAnthropic(resp, "gemini-test")
	toolBlock := got.Content[0]
	args := decodeArgs(t, toolBlock.Input)
	if args["pattern"] != "TODO" {
		t.Errorf("expected query to be remapped to pattern, got %v", args["pattern"])
	}
	if args["path"] != "src/" {
		t.Errorf("expected paths array to collapse to a single path, got %v", args["path"])
	}
	if _, ok := args["query"]; ok {
		t.Error("expected query field to be removed after remap")
	}
	if _, ok := args["paths"]; ok {
		t.Error("expected paths field to be removed after remap")
	}
}

func TestConvertGoogleToAnthropic_RemapsReadPathToFilePath(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &CandidateContent{
				Parts: []ResponsePart{{FunctionCall: &ResponseFuncCall{
					Name: "Read",
					Args: map[string]interface{}{"path": "main.go"},
				}}},
				Role: "model",
			},
			FinishReason: "STOP",
		}},
	}
	got := ConvertGoogleToAnthropic(resp, "gemini-test")
	args := decodeArgs(t, got.Content[0].Input)
	if args["file_path"] != "main.go" {
		t.Errorf("expected path to be remapped to file_path, got %v", args["file_path"])
	}
	if _, ok := args["path"]; ok {
		t.Error("expected path field to be removed after remap")
	}
}

func TestRemapToolArgs_LsDefaultsToCurrentDir(t *testing.T) {
	args := map[string]interface{}{}
	remapToolArgs("LS", args)
	if args["path"] != "." {
		t.Errorf("expected LS with no path to default to \".\", got %v", args["path"])
	}
}

func TestRemapToolArgs_SearchAliasesToGrepBehavior(t *testing.T) {
	args := map[string]interface{}{"description": "find the handler"}
	remapToolArgs("search", args)
	if args["pattern"] != "find the handler" {
		t.Errorf("expected \"search\" to alias Grep's remap behavior, got %v", args["pattern"])
	}
}

func TestRemapToolArgs_NilArgsIsNoop(t *testing.T) {
	remapToolArgs("grep", nil)
}
