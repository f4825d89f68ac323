package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/coachd/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for tests and local runs.
//
// Reading the current maximum and inserting happen in separate critical
// sections, mirroring a database without serializable isolation, so racing
// writers are resolved by the same conflict/retry path as the SQL store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	events   map[string][]*models.Event

	alloc sequenceAllocator

	// beforeInsert runs between the read and the insert of each attempt.
	// Tests use it to force interleavings.
	beforeInsert func(sessionID string, seq int64)
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		events:   map[string][]*models.Event{},
		alloc:    newSequenceAllocator(nil),
	}
}

// WithLogger sets the logger used for conflict diagnostics.
func (m *MemoryStore) WithLogger(logger *slog.Logger) *MemoryStore {
	m.alloc = newSequenceAllocator(logger)
	return m
}

// OnConflict registers an observer for sequence conflicts.
func (m *MemoryStore) OnConflict(fn ConflictObserver) {
	m.alloc.onConflict = fn
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.OwnerID == "" {
		return errors.New("session owner is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	if session.Status == "" {
		session.Status = models.SessionActive
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	session.UpdatedAt = session.CreatedAt

	clone := *session
	m.sessions[session.ID] = &clone
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	clone := *session
	return &clone, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, ownerID string, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Session
	for _, session := range m.sessions {
		if ownerID != "" && session.OwnerID != ownerID {
			continue
		}
		if opts.Status != "" && session.Status != opts.Status {
			continue
		}
		if !opts.IdleBefore.IsZero() && !session.UpdatedAt.Before(opts.IdleBefore) {
			continue
		}
		clone := *session
		out = append(out, &clone)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status models.SessionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid session status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.Status = status
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AddUsage(ctx context.Context, id string, usage models.SessionUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.Usage = session.Usage.Add(usage)
	return nil
}

func (m *MemoryStore) Append(ctx context.Context, sessionID string, kind models.EventKind, payload any, opts AppendOptions) (*models.Event, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventKind, kind)
	}
	data, err := models.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	return m.alloc.append(ctx, sessionID, func(ctx context.Context) (*models.Event, error) {
		seq, err := m.nextSequence(sessionID)
		if err != nil {
			return nil, err
		}
		if m.beforeInsert != nil {
			m.beforeInsert(sessionID, seq)
		}

		ev := &models.Event{
			ID:         uuid.NewString(),
			SessionID:  sessionID,
			Sequence:   seq,
			Kind:       kind,
			Payload:    data,
			DurationMs: durationMillis(opts.Duration),
			CreatedAt:  time.Now().UTC(),
		}
		if err := m.insert(ev); err != nil {
			return nil, err
		}
		clone := *ev
		return &clone, nil
	})
}

func (m *MemoryStore) nextSequence(sessionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return 0, ErrSessionNotFound
	}
	log := m.events[sessionID]
	if len(log) == 0 {
		return 1, nil
	}
	return log[len(log)-1].Sequence + 1, nil
}

// insert enforces the (session_id, sequence_number) uniqueness constraint.
func (m *MemoryStore) insert(ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[ev.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	log := m.events[ev.SessionID]
	if n := len(log); n > 0 && log[n-1].Sequence >= ev.Sequence {
		return fmt.Errorf("%w: session %s sequence %d", ErrSequenceConflict, ev.SessionID, ev.Sequence)
	}
	m.events[ev.SessionID] = append(log, ev)
	session.UpdatedAt = ev.CreatedAt
	return nil
}

func (m *MemoryStore) Events(ctx context.Context, sessionID string, filter EventFilter) ([]*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	var out []*models.Event
	for _, ev := range m.events[sessionID] {
		if !filter.matches(ev) {
			continue
		}
		clone := *ev
		out = append(out, &clone)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
