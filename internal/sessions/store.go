// Package sessions implements the event-sourced session store.
//
// A session's history is an append-only log of events with a gapless,
// strictly increasing per-session sequence number. Sequence allocation is
// optimistic: writers read the current maximum, insert max+1, and retry with
// jittered backoff when the (session_id, sequence_number) unique constraint
// rejects the insert because a concurrent writer got there first.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/coachd/pkg/models"
)

var (
	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSequenceConflict is returned when a concurrent writer claimed the
	// sequence number an append tried to use.
	ErrSequenceConflict = errors.New("sequence number conflict")

	// ErrInvalidEventKind is returned when appending an unknown event kind.
	ErrInvalidEventKind = errors.New("invalid event kind")
)

// MaxAppendAttempts bounds how many times an append retries on sequence conflicts.
const MaxAppendAttempts = 5

// Store persists sessions and their event logs.
//
// There is intentionally no way to update or delete an event.
type Store interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, ownerID string, opts ListOptions) ([]*models.Session, error)
	UpdateStatus(ctx context.Context, id string, status models.SessionStatus) error
	AddUsage(ctx context.Context, id string, usage models.SessionUsage) error

	// Append writes a new event at the next sequence number for the session.
	Append(ctx context.Context, sessionID string, kind models.EventKind, payload any, opts AppendOptions) (*models.Event, error)

	// Events returns events ordered by sequence ascending.
	Events(ctx context.Context, sessionID string, filter EventFilter) ([]*models.Event, error)

	Close() error
}

// ListOptions controls session listing.
type ListOptions struct {
	Status models.SessionStatus
	Limit  int
	Offset int

	// IdleBefore restricts the listing to sessions not updated since this time.
	IdleBefore time.Time
}

// AppendOptions carries optional event metadata.
type AppendOptions struct {
	Duration time.Duration
}

// EventFilter selects events from a session log.
type EventFilter struct {
	// Kinds restricts the result to these kinds. Empty means all kinds.
	Kinds []models.EventKind

	// AfterSequence skips events with sequence <= AfterSequence.
	AfterSequence int64

	// Limit caps the number of events returned. Zero means no limit.
	Limit int
}

// ContextFilter returns the filter used for prompt reconstruction.
func ContextFilter(afterSequence int64) EventFilter {
	return EventFilter{Kinds: models.ContextKinds(), AfterSequence: afterSequence}
}

func (f EventFilter) matches(ev *models.Event) bool {
	if ev.Sequence <= f.AfterSequence {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, kind := range f.Kinds {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func durationMillis(d time.Duration) *int64 {
	if d <= 0 {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}
