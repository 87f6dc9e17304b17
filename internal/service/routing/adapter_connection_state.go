package routing

import (
	"sync"

	"github.com/krobus00/basket-gateway/internal/entity"
)

// AdapterConnectionState is the per-adapter connection table. Adapters are
// kept in registration order so every fan-out walks them deterministically.
type AdapterConnectionState struct {
	mu         sync.RWMutex
	registered []entity.AdapterID
	known      map[entity.AdapterID]struct{}
	states     map[entity.AdapterID]entity.ConnectionState
}

type AdapterStateSnapshot struct {
	AdapterID entity.AdapterID       `json:"adapter_id"`
	State     entity.ConnectionState `json:"state,omitempty"`
}

func NewAdapterConnectionState() *AdapterConnectionState {
	return &AdapterConnectionState{
		known:  make(map[entity.AdapterID]struct{}),
		states: make(map[entity.AdapterID]entity.ConnectionState),
	}
}

func (s *AdapterConnectionState) Register(ids ...entity.AdapterID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.known[id]; ok {
			continue
		}
		s.known[id] = struct{}{}
		s.registered = append(s.registered, id)
	}
}

func (s *AdapterConnectionState) IsRegistered(id entity.AdapterID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.known[id]
	return ok
}

func (s *AdapterConnectionState) Registered() []entity.AdapterID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]entity.AdapterID(nil), s.registered...)
}

// Update applies fn to the current state of id under the write lock. fn
// returns the next state and whether to store it.
func (s *AdapterConnectionState) Update(id entity.AdapterID, fn func(current entity.ConnectionState, found bool) (entity.ConnectionState, bool)) (entity.ConnectionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, found := s.states[id]
	next, apply := fn(current, found)
	if !apply {
		return current, false
	}
	s.states[id] = next
	return current, true
}

func (s *AdapterConnectionState) Get(id entity.AdapterID) (entity.ConnectionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[id]
	return state, ok
}

// InState returns the adapters currently in state, in registration order.
func (s *AdapterConnectionState) InState(state entity.ConnectionState) []entity.AdapterID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []entity.AdapterID
	for _, id := range s.registered {
		if s.states[id] == state {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *AdapterConnectionState) Count(state entity.ConnectionState) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, st := range s.states {
		if st == state {
			count++
		}
	}
	return count
}

func (s *AdapterConnectionState) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.registered {
		if _, ok := s.states[id]; ok {
			s.states[id] = entity.ConnectionStateDisconnected
		}
	}
}

func (s *AdapterConnectionState) Snapshot() []AdapterStateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make([]AdapterStateSnapshot, 0, len(s.registered))
	for _, id := range s.registered {
		snapshot = append(snapshot, AdapterStateSnapshot{AdapterID: id, State: s.states[id]})
	}
	return snapshot
}
