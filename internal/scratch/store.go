// Package scratch holds per-session working state that tools share within a
// session, such as intermediate calculations the model wants to reuse.
//
// Scratch state is not history: it is never replayed into the prompt and is
// lost on restart. Anything the user must see belongs in an event.
package scratch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/coachd/internal/agent"
)

// ErrTooManyKeys is returned when a session already holds MaxKeys entries.
var ErrTooManyKeys = errors.New("scratch key limit reached")

// Options configures a MemoryStore.
type Options struct {
	// TTL expires entries not written for this long. Zero keeps them forever.
	TTL time.Duration

	// MaxKeys caps entries per session. Default: 64
	MaxKeys int

	// MaxValueBytes caps a single value. Default: 64KiB
	MaxValueBytes int
}

type entry struct {
	value   json.RawMessage
	written time.Time
}

// MemoryStore is an in-process agent.ScratchStore.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]map[string]entry
	opts     Options
	now      func() time.Time
}

// NewMemoryStore creates a store.
func NewMemoryStore(opts Options) *MemoryStore {
	if opts.TTL < 0 {
		opts.TTL = 0
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 64
	}
	if opts.MaxValueBytes <= 0 {
		opts.MaxValueBytes = 64 * 1024
	}
	return &MemoryStore{
		sessions: make(map[string]map[string]entry),
		opts:     opts,
		now:      time.Now,
	}
}

var _ agent.ScratchStore = (*MemoryStore)(nil)

func (s *MemoryStore) Get(ctx context.Context, sessionID, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := s.sessions[sessionID]
	e, ok := values[key]
	if !ok {
		return nil, false, nil
	}
	if s.expired(e, s.now()) {
		delete(values, key)
		return nil, false, nil
	}
	out := make(json.RawMessage, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, sessionID, key string, value json.RawMessage) error {
	if key == "" {
		return errors.New("scratch key is required")
	}
	if len(value) > s.opts.MaxValueBytes {
		return errors.New("scratch value too large")
	}
	if !json.Valid(value) {
		return errors.New("scratch value must be valid JSON")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	values := s.sessions[sessionID]
	if values == nil {
		values = make(map[string]entry)
		s.sessions[sessionID] = values
	}
	s.prune(values, now)
	if _, exists := values[key]; !exists && len(values) >= s.opts.MaxKeys {
		return ErrTooManyKeys
	}
	stored := make(json.RawMessage, len(value))
	copy(stored, value)
	values[key] = entry{value: stored, written: now}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := s.sessions[sessionID]
	delete(values, key)
	if len(values) == 0 {
		delete(s.sessions, sessionID)
	}
	return nil
}

// Keys returns the live keys of a session.
func (s *MemoryStore) Keys(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := s.sessions[sessionID]
	s.prune(values, s.now())
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	return keys
}

// Forget drops all state of a session.
func (s *MemoryStore) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *MemoryStore) expired(e entry, now time.Time) bool {
	return s.opts.TTL > 0 && now.Sub(e.written) >= s.opts.TTL
}

func (s *MemoryStore) prune(values map[string]entry, now time.Time) {
	if s.opts.TTL <= 0 {
		return
	}
	for k, e := range values {
		if s.expired(e, now) {
			delete(values, k)
		}
	}
}
