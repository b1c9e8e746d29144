package formstor

import (
	"context"
	"fmt"
	"sync"

	"formdesk-server/service/form"
)

// FormStorage keeps forms saved locally, newest last, per session.
type FormStorage interface {
	Save(ctx context.Context, sessionID string, p form.Payload) error
	List(ctx context.Context, sessionID string) []form.Payload
	Delete(ctx context.Context, sessionID string) error
}

type FormMemoryStorage struct {
	data map[string][]form.Payload
	mu   sync.RWMutex
}

var _ FormStorage = (*FormMemoryStorage)(nil)

var defaultStor FormStorage = NewFormMemoryStorage()

func Default() FormStorage {
	if defaultStor == nil {
		defaultStor = NewFormMemoryStorage()
	}
	return defaultStor
}

func NewFormMemoryStorage() *FormMemoryStorage {
	return &FormMemoryStorage{
		data: make(map[string][]form.Payload),
	}
}

func (s *FormMemoryStorage) Save(ctx context.Context, sessionID string, p form.Payload) error {
	if sessionID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	p.Schema = p.Schema.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sessionID] = append(s.data[sessionID], p)
	return nil
}

func (s *FormMemoryStorage) List(ctx context.Context, sessionID string) []form.Payload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	saved := s.data[sessionID]
	if len(saved) == 0 {
		return nil
	}
	out := make([]form.Payload, len(saved))
	copy(out, saved)
	return out
}

func (s *FormMemoryStorage) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sessionID)
	return nil
}
