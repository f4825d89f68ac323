package providers

import (
	"encoding/json"

	"github.com/haasonsaas/coachd/internal/agent"
)

// testRequest mirrors what the context assembler produces: cached tools,
// cached instructions and reference, one tool round trip and a cached
// final message.
func testRequest() *agent.CompletionRequest {
	return &agent.CompletionRequest{
		System: []agent.SystemBlock{
			{Name: "instructions", Text: "You are a running coach.", Cache: true},
			{Name: "reference", Text: "Today is Monday.", Cache: true},
		},
		Messages: []agent.CompletionMessage{
			{Role: agent.RoleUser, Blocks: []agent.ContentBlock{agent.TextBlock("plan my week")}},
			{Role: agent.RoleAssistant, Blocks: []agent.ContentBlock{{
				Type:       agent.BlockToolUse,
				ToolCallID: "call_1",
				ToolName:   "fetch_history",
				Input:      json.RawMessage(`{"days":7}`),
			}}},
			{Role: agent.RoleUser, Blocks: []agent.ContentBlock{
				{Type: agent.BlockToolResult, ToolCallID: "call_1", Text: "3 runs", Cache: true},
			}},
		},
		Tools: []agent.ToolDefinition{
			{Name: "fetch_history", Description: "Load history", Schema: json.RawMessage(`{"type":"object","properties":{"days":{"type":"integer"}}}`)},
			{Name: "idle", Description: "Finish", Schema: json.RawMessage(`{"type":"object"}`), Cache: true},
		},
		MaxTokens: 1024,
	}
}
