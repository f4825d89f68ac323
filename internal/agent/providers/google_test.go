package providers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/coachd/internal/agent"
	"google.golang.org/genai"
)

func TestConvertToGeminiContents(t *testing.T) {
	contents := convertToGeminiContents(testRequest().Messages)
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if contents[1].Role != genai.RoleModel || contents[1].Parts[0].FunctionCall.Name != "fetch_history" {
		t.Fatalf("unexpected model content %+v", contents[1])
	}
	resp := contents[2].Parts[0].FunctionResponse
	if resp == nil || resp.Name != "fetch_history" || resp.ID != "call_1" || resp.Response["output"] != "3 runs" {
		t.Fatalf("unexpected function response %+v", resp)
	}
}

func TestConvertToGeminiContentsErrorResult(t *testing.T) {
	contents := convertToGeminiContents([]agent.CompletionMessage{{
		Role:   agent.RoleUser,
		Blocks: []agent.ContentBlock{{Type: agent.BlockToolResult, ToolCallID: "x", Text: "boom", IsError: true}},
	}})
	if got := contents[0].Parts[0].FunctionResponse.Response["error"]; got != "boom" {
		t.Fatalf("error response = %v", got)
	}
}

func TestBuildGeminiConfig(t *testing.T) {
	req := testRequest()
	req.ToolChoice = agent.ToolChoice{Name: "idle"}
	config := buildGeminiConfig(req)
	if config.ToolConfig.FunctionCallingConfig.Mode != genai.FunctionCallingConfigModeAny {
		t.Fatalf("mode = %v", config.ToolConfig.FunctionCallingConfig.Mode)
	}
	if names := config.ToolConfig.FunctionCallingConfig.AllowedFunctionNames; len(names) != 1 || names[0] != "idle" {
		t.Fatalf("allowed = %v", names)
	}
	if len(config.SystemInstruction.Parts) != 2 || config.MaxOutputTokens != 1024 {
		t.Fatalf("unexpected config %+v", config)
	}
}

func TestGoogleComplete(t *testing.T) {
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "models/gemini-2.0-flash:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
  "candidates": [{
    "content": {"role": "model", "parts": [{"functionCall": {"name": "idle", "args": {"summary": "ok"}}}]},
    "finishReason": "STOP"
  }],
  "usageMetadata": {"promptTokenCount": 300, "candidatesTokenCount": 12, "cachedContentTokenCount": 100},
  "modelVersion": "gemini-2.0-flash-001"
}`)
	}))
	defer server.Close()

	provider, err := NewGoogleProvider(context.Background(), GoogleConfig{APIKey: "k", BaseURL: server.URL, Retry: fastRetry(1)})
	if err != nil {
		t.Fatalf("NewGoogleProvider() error = %v", err)
	}
	resp, err := provider.Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.ToolCall.Name != "idle" || string(resp.ToolCall.Input) != `{"summary":"ok"}` {
		t.Fatalf("ToolCall = %+v", resp.ToolCall)
	}
	want := agent.Usage{InputTokens: 200, OutputTokens: 12, CacheReadTokens: 100}
	if resp.Usage != want || resp.Model != "gemini-2.0-flash-001" || resp.StopReason != "STOP" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !strings.Contains(body, `"ANY"`) {
		t.Fatalf("request did not force a function call: %s", body)
	}
}

func TestGoogleWrapError(t *testing.T) {
	p := &GoogleProvider{}
	err := p.wrapError(genai.APIError{Code: 429, Message: "quota", Status: "RESOURCE_EXHAUSTED"}, "gemini")
	if perr, ok := GetProviderError(err); !ok || perr.Reason != FailoverRateLimit || perr.Status != 429 {
		t.Fatalf("unexpected error %+v", err)
	}
}
