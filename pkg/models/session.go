// Package models provides domain types for the coachd session engine.
package models

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionError:
		return true
	default:
		return false
	}
}

// Session represents one conversation owned by a single caller.
//
// The usage totals are derived from llm_response events and exist for cheap
// listing; the event log stays the source of truth.
type Session struct {
	ID      string        `json:"id"`
	OwnerID string        `json:"owner_id"`
	Title   string        `json:"title,omitempty"`
	Status  SessionStatus `json:"status"`

	// ContextStartSequence is the sequence after which events are replayed
	// into the prompt. Zero replays the full history.
	ContextStartSequence int64 `json:"context_start_sequence"`

	Usage     SessionUsage `json:"usage"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SessionUsage aggregates token usage and cost across a session's model calls.
type SessionUsage struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Add returns the sum of u and other.
func (u SessionUsage) Add(other SessionUsage) SessionUsage {
	return SessionUsage{
		InputTokens:      u.InputTokens + other.InputTokens,
		OutputTokens:     u.OutputTokens + other.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens + other.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + other.CacheWriteTokens,
		CostUSD:          u.CostUSD + other.CostUSD,
	}
}

// User is the authenticated caller identity.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}
