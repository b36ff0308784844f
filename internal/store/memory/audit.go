package memory

import (
	"context"
	"sync"

	"directory-auth/internal/audit"
)

type AuditStore struct {
	mu     sync.RWMutex
	events []audit.Event
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns the appended events in order.
func (s *AuditStore) Events() []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *AuditStore) ByCategory(category audit.Category) []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}
