package sessions

import (
	"errors"
	"strings"
	"sync"
)

// ErrSessionBusy is returned when a turn is already running for a session.
var ErrSessionBusy = errors.New("session: another turn is in progress")

// TurnLocker admits at most one running turn per session within a process.
// It never waits: a second caller gets ErrSessionBusy immediately.
//
// Event sequence numbers stay collision-free across processes regardless;
// this only prevents interleaved turns from the same server.
type TurnLocker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewTurnLocker creates an empty locker.
func NewTurnLocker() *TurnLocker {
	return &TurnLocker{active: make(map[string]struct{})}
}

// TryAcquire claims the session and returns the release function.
func (l *TurnLocker) TryAcquire(sessionID string) (func(), error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("session_id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[sessionID]; busy {
		return nil, ErrSessionBusy
	}
	l.active[sessionID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, sessionID)
			l.mu.Unlock()
		})
	}, nil
}

// Active returns the number of sessions with a running turn.
func (l *TurnLocker) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}
