package identity

import (
	"context"
	"sync"
)

// Store persists the active identity across restarts. Load returns nil, nil
// when nothing is stored.
type Store interface {
	Load(ctx context.Context) (*AgentIdentity, error)
	Save(ctx context.Context, id *AgentIdentity) error
	Delete(ctx context.Context) error
}

type MemoryStore struct {
	mu sync.Mutex
	id *AgentIdentity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(context.Context) (*AgentIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, nil
}

func (s *MemoryStore) Save(_ context.Context, id *AgentIdentity) error {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(context.Context) error {
	s.mu.Lock()
	s.id = nil
	s.mu.Unlock()
	return nil
}
