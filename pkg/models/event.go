package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies what an event records.
type EventKind string

const (
	EventUserMessage EventKind = "user_message"
	EventLLMRequest  EventKind = "llm_request"
	EventLLMResponse EventKind = "llm_response"
	EventToolCall    EventKind = "tool_call"
	EventToolResult  EventKind = "tool_result"
	EventKnowledge   EventKind = "knowledge"
	EventArtifact    EventKind = "artifact"
	EventError       EventKind = "error"
)

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventUserMessage, EventLLMRequest, EventLLMResponse, EventToolCall,
		EventToolResult, EventKnowledge, EventArtifact, EventError:
		return true
	default:
		return false
	}
}

// IsObservability reports whether events of this kind are excluded from
// prompt reconstruction.
func (k EventKind) IsObservability() bool {
	return k == EventLLMRequest || k == EventLLMResponse || k == EventError
}

// ContextKinds returns the kinds replayed into the prompt, in no particular order.
func ContextKinds() []EventKind {
	return []EventKind{
		EventUserMessage,
		EventToolCall,
		EventToolResult,
		EventKnowledge,
		EventArtifact,
	}
}

// Event is a single immutable entry of a session's history.
//
// Sequence is strictly increasing and gapless per session, starting at 1.
type Event struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Sequence   int64           `json:"sequence"`
	Kind       EventKind       `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	DurationMs *int64          `json:"duration_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s (seq %d) has empty payload", e.Kind, e.Sequence)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload (seq %d): %w", e.Kind, e.Sequence, err)
	}
	return nil
}

// EncodePayload marshals a payload for storage. Raw JSON is passed through.
func EncodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid raw payload")
		}
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}
