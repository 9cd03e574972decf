package activity

import (
	"context"
	"strings"
	"sync"
)

// Store persists per-address activity state. Load returns a zero State (not
// an error) for an address that was never saved.
type Store interface {
	Load(ctx context.Context, address string) (*State, error)
	Save(ctx context.Context, state *State) error
}

// normalize lowercases addresses so keys are case-insensitive.
func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*State)}
}

func (s *MemoryStore) Load(_ context.Context, address string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[normalize(address)]; ok {
		return st.Clone(), nil
	}
	return &State{Address: normalize(address)}, nil
}

func (s *MemoryStore) Save(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := state.Clone()
	st.Address = normalize(st.Address)
	s.states[st.Address] = st
	return nil
}
