package cart

import (
	"sync"

	"github.com/ashureev/storefront-core/internal/domain"
)

// Reduce applies action to state and returns the new state. state is not modified.
func Reduce(state domain.CartState, action Action) domain.CartState {
	next := state.Clone()
	if next.Lines == nil {
		next.Lines = []domain.CartLine{}
	}
	if action == nil {
		return next
	}
	next.Lines = action.reduce(next.Lines)
	return next
}

// Store owns the single in-memory CartState.
type Store struct {
	mu    sync.RWMutex
	state domain.CartState
}

// NewStore creates an empty cart owned by origin.
func NewStore(origin domain.Origin) *Store {
	return &Store{state: domain.CartState{Lines: []domain.CartLine{}, Origin: origin}}
}

// Dispatch reduces action into the current state and returns a snapshot of the result.
func (s *Store) Dispatch(action Action) domain.CartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Reduce(s.state, action)
	return s.state.Clone()
}

// Preview returns the state action would produce without committing it.
func (s *Store) Preview(action Action) domain.CartState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Reduce(s.state, action)
}

// State returns a snapshot of the current cart.
func (s *Store) State() domain.CartState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// SetOrigin switches the authoritative store.
func (s *Store) SetOrigin(origin domain.Origin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Origin = origin
}

// Origin returns the current authoritative store.
func (s *Store) Origin() domain.Origin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Origin
}

// Total is computed from the current lines on every call.
func (s *Store) Total() float64 {
	return s.State().Total()
}

// ItemCount is computed from the current lines on every call.
func (s *Store) ItemCount() int {
	return s.State().ItemCount()
}
