package service

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"formdesk-server/service/formsession"
	"formdesk-server/service/widget"

	"go.uber.org/multierr"
)

var ErrSessionNotFound = errors.New("session not found")

// Session ties a form session to the widget bridge of the page driving it.
type Session struct {
	ID         string
	Controller *formsession.Controller
	Bridge     *widget.Bridge
	CreatedAt  time.Time

	lastSeen atomic.Int64
}

// Touch records activity on the session.
func (s *Session) Touch(t time.Time) {
	s.lastSeen.Store(t.UnixNano())
}

func (s *Session) LastSeen() time.Time {
	if ns := s.lastSeen.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return s.CreatedAt
}

type SessionRegistry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
	}
}

func (r *SessionRegistry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, exists := r.sessions[id]
	return s, exists
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Idle returns the ids of sessions last seen before cutoff.
func (r *SessionRegistry) Idle(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, s := range r.sessions {
		if s.LastSeen().Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Remove closes the session's controller and forgets it.
func (r *SessionRegistry) Remove(id string) error {
	r.mu.Lock()
	s, exists := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !exists {
		return ErrSessionNotFound
	}
	return s.Controller.Close()
}

func (r *SessionRegistry) CloseAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var err error
	for id, s := range sessions {
		if cerr := s.Controller.Close(); cerr != nil {
			slog.Error("failed to close session", "sessionid", id, "err", cerr)
			err = multierr.Append(err, cerr)
		}
	}
	return err
}
