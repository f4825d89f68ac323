package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/coachd/internal/agent"
	openai "github.com/sashabaranov/go-openai"
)

func TestConvertToOpenAIMessages(t *testing.T) {
	req := testRequest()
	msgs := convertToOpenAIMessages(req.System, req.Messages)
	if len(msgs) != 4 {
		t.Fatalf("expected system, user, assistant, tool; got %d", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "You are a running coach.\n\nToday is Monday." {
		t.Fatalf("system message = %+v", msgs[0])
	}
	if msgs[2].Role != openai.ChatMessageRoleAssistant || len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Function.Arguments != `{"days":7}` {
		t.Fatalf("assistant message = %+v", msgs[2])
	}
	if msgs[3].Role != openai.ChatMessageRoleTool || msgs[3].ToolCallID != "call_1" || msgs[3].Content != "3 runs" {
		t.Fatalf("tool message = %+v", msgs[3])
	}
}

func TestConvertToOpenAIMessagesResultThenText(t *testing.T) {
	msgs := convertToOpenAIMessages(nil, []agent.CompletionMessage{{
		Role: agent.RoleUser,
		Blocks: []agent.ContentBlock{
			{Type: agent.BlockToolResult, ToolCallID: "c1", Text: "ok"},
			agent.TextBlock("knowledge: weekly mileage 30km"),
		},
	}})
	if len(msgs) != 2 || msgs[0].Role != openai.ChatMessageRoleTool || msgs[1].Role != openai.ChatMessageRoleUser {
		t.Fatalf("tool result must precede attached text: %+v", msgs)
	}
}

func TestOpenAICompleteRequiresTool(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1,
  "model": "gpt-4o-2024-08-06",
  "choices": [{
    "index": 0,
    "message": {"role": "assistant", "tool_calls": [
      {"id": "call_9", "type": "function", "function": {"name": "ask", "arguments": "{\"question\":\"how far?\"}"}}
    ]},
    "finish_reason": "tool_calls"
  }],
  "usage": {"prompt_tokens": 200, "completion_tokens": 20, "total_tokens": 220, "prompt_tokens_details": {"cached_tokens": 150}}
}`)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: server.URL + "/v1", Retry: fastRetry(1)})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	resp, err := provider.Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.ToolCall.Name != "ask" || resp.ToolCall.ID != "call_9" || string(resp.ToolCall.Input) != `{"question":"how far?"}` {
		t.Fatalf("ToolCall = %+v", resp.ToolCall)
	}
	want := agent.Usage{InputTokens: 50, OutputTokens: 20, CacheReadTokens: 150}
	if resp.Usage != want || resp.Model != "gpt-4o-2024-08-06" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if body["tool_choice"] != "required" || body["parallel_tool_calls"] != false {
		t.Fatalf("request = %v", body)
	}
	if body["model"] != defaultOpenAIModel {
		t.Fatalf("model = %v", body["model"])
	}
}

func TestOpenAIToolChoiceNamed(t *testing.T) {
	choice, ok := openAIToolChoice(agent.ToolChoice{Name: "load_knowledge"}).(openai.ToolChoice)
	if !ok || choice.Function.Name != "load_knowledge" {
		t.Fatalf("unexpected choice %#v", choice)
	}
}

func TestWrapOpenAIError(t *testing.T) {
	p := &OpenAIProvider{}
	err := p.wrapError(&openai.APIError{HTTPStatusCode: 429, Code: "rate_limit_exceeded", Message: "slow down"}, "gpt-4o")
	perr, ok := GetProviderError(err)
	if !ok || perr.Reason != FailoverRateLimit || perr.Message != "slow down" {
		t.Fatalf("unexpected error %+v", err)
	}

	err = p.wrapError(&openai.RequestError{HTTPStatusCode: 502, Err: io.ErrUnexpectedEOF}, "gpt-4o")
	if perr, ok := GetProviderError(err); !ok || perr.Reason != FailoverServerError {
		t.Fatalf("unexpected error %+v", err)
	}
}

func TestNewOpenAIProviderRequiresKey(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}
