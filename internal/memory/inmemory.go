package memory

import (
	"context"
	"sync"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]State
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]State)}
}

func (s *InMemoryStore) Load(_ context.Context, userID string) (State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.records[userID]
	if !ok {
		return State{}, false, nil
	}
	return st.Clone(), true, nil
}

func (s *InMemoryStore) Save(_ context.Context, userID string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UserID = userID
	s.records[userID] = state.Clone()
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
