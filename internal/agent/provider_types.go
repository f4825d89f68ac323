package agent

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNoToolCall is returned by providers when the model answered without
// invoking a tool even though one was forced. The response is returned
// alongside it when one was received, so its usage can still be recorded.
var ErrNoToolCall = errors.New("model response contained no tool call")

// LLMProvider defines the interface for Large Language Model backends.
//
// Every call forces the model to invoke exactly one tool, so the response is
// a single tool call rather than free text. Implementations must be safe for
// concurrent use.
type LLMProvider interface {
	// Name returns the provider name used in events and metrics.
	Name() string

	// Complete sends the request and returns the single tool call the model made.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates ContentBlock variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one piece of message content.
//
// Text blocks use Text. Tool use blocks set ToolCallID, ToolName and Input.
// Tool result blocks set ToolCallID, Text and IsError.
type ContentBlock struct {
	Type       BlockType       `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`

	// Cache marks a prompt caching breakpoint after this block.
	Cache bool `json:"cache,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// CompletionMessage is a single message in the conversation sent to a provider.
type CompletionMessage struct {
	Role   Role           `json:"role"`
	Blocks []ContentBlock `json:"blocks"`
}

// SystemBlock is a segment of the system prompt.
type SystemBlock struct {
	// Name labels the segment, for example "instructions" or "reference".
	Name  string `json:"name"`
	Text  string `json:"text"`
	Cache bool   `json:"cache,omitempty"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
	Cache       bool            `json:"cache,omitempty"`
}

// ToolChoice constrains which tool the model must call. The zero value
// forces some tool from the offered set.
type ToolChoice struct {
	// Name forces a specific tool when set.
	Name string `json:"name,omitempty"`
}

// CompletionRequest contains all parameters for one model call.
type CompletionRequest struct {
	// Model overrides the provider's default model when set.
	Model      string              `json:"model,omitempty"`
	System     []SystemBlock       `json:"system,omitempty"`
	Messages   []CompletionMessage `json:"messages"`
	Tools      []ToolDefinition    `json:"tools"`
	MaxTokens  int                 `json:"max_tokens,omitempty"`
	ToolChoice ToolChoice          `json:"tool_choice"`
}

// Breakpoints counts the cache breakpoints set on the request.
func (r *CompletionRequest) Breakpoints() int {
	count := 0
	for _, tool := range r.Tools {
		if tool.Cache {
			count++
		}
	}
	for _, block := range r.System {
		if block.Cache {
			count++
		}
	}
	for _, msg := range r.Messages {
		for _, block := range msg.Blocks {
			if block.Cache {
				count++
			}
		}
	}
	return count
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Usage reports token consumption for one model call.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens"`
}

// CompletionResponse is the validated result of a model call.
type CompletionResponse struct {
	Provider   string   `json:"provider"`
	Model      string   `json:"model"`
	StopReason string   `json:"stop_reason,omitempty"`
	ToolCall   ToolCall `json:"tool_call"`

	// Dropped holds extra tool calls the model made despite being asked
	// for one. They are never executed.
	Dropped []ToolCall `json:"dropped,omitempty"`

	Usage Usage `json:"usage"`
}

// SingleToolCall enforces the one-call-per-response contract. The first call
// wins and any others are returned as dropped.
func SingleToolCall(calls []ToolCall) (ToolCall, []ToolCall, error) {
	if len(calls) == 0 {
		return ToolCall{}, nil, ErrNoToolCall
	}
	if len(calls[0].Input) == 0 {
		calls[0].Input = json.RawMessage(`{}`)
	}
	return calls[0], calls[1:], nil
}
