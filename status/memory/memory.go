// Package memory is the reference in-memory implementation of status.Store,
// used by tests and suitable for a single-process host that does not need
// delivery status to survive a restart.
package memory

import (
	"context"
	"sync"

	"github.com/mailstrom-dev/mailstrom/status"
)

// Store is a thread-safe, in-memory status.Store.
type Store struct {
	mu       sync.RWMutex
	messages map[string]status.InternalStatus
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{messages: make(map[string]status.InternalStatus)}
}

// Store implements status.Store.
func (s *Store) Store(_ context.Context, rec status.InternalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[rec.MessageID] = rec.Clone()
	return nil
}

// Retrieve implements status.Store.
func (s *Store) Retrieve(_ context.Context, messageID string) (*status.InternalStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.messages[messageID]
	if !ok {
		return nil, nil
	}
	cloned := rec.Clone()
	return &cloned, nil
}

// RetrieveAllIncomplete implements status.Store.
func (s *Store) RetrieveAllIncomplete(_ context.Context) ([]status.InternalStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []status.InternalStatus
	for _, rec := range s.messages {
		if rec.Incomplete() {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}
