package models

import "encoding/json"

// UserMessagePayload is the payload of a user_message event.
type UserMessagePayload struct {
	Text string `json:"text"`
}

// LLMRequestPayload summarizes an assembled prompt. It is never replayed.
type LLMRequestPayload struct {
	Iteration    int    `json:"iteration"`
	Model        string `json:"model"`
	MessageCount int    `json:"message_count"`
	ToolCount    int    `json:"tool_count"`
	Breakpoints  int    `json:"breakpoints"`
}

// LLMResponsePayload records usage and cost for one model call.
type LLMResponsePayload struct {
	Iteration  int          `json:"iteration"`
	Provider   string       `json:"provider"`
	Model      string       `json:"model"`
	StopReason string       `json:"stop_reason,omitempty"`
	ToolName   string       `json:"tool_name,omitempty"`
	Usage      SessionUsage `json:"usage"`
}

// ToolCallPayload records a single tool invocation requested by the model.
type ToolCallPayload struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultPayload records the outcome of dispatching a tool call.
// Content is the delimited text fed back to the model.
type ToolResultPayload struct {
	CallID   string          `json:"call_id"`
	Name     string          `json:"name"`
	Success  bool            `json:"success"`
	Content  string          `json:"content"`
	Data     json.RawMessage `json:"data,omitempty"`
	Artifact *Artifact       `json:"artifact,omitempty"`
	Warning  string          `json:"warning,omitempty"`
}

// KnowledgePayload carries an auxiliary data block appended by the
// knowledge initializer. Params describe the scope of the data.
type KnowledgePayload struct {
	Source string          `json:"source"`
	Params map[string]any  `json:"params,omitempty"`
	Text   string          `json:"text"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ArtifactPayload records the creation of an artifact.
type ArtifactPayload struct {
	Artifact Artifact `json:"artifact"`
}

// ErrorPayload records a fatal loop error.
type ErrorPayload struct {
	Message   string `json:"message"`
	Phase     string `json:"phase,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
}
