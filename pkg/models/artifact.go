package models

import (
	"encoding/json"
	"time"
)

// Artifact is a structured, typed payload created by a tool and delivered to
// the user later by reference. Artifacts are never mutated; a revision is a
// new artifact with a new ID.
type Artifact struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}
