package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/ports"
)

// MemoryCeremonyStore is an in-memory PendingCeremony table
type MemoryCeremonyStore struct {
	mu         sync.Mutex
	ceremonies map[string]*core.PendingCeremony
}

// NewMemoryCeremonyStore creates an empty ceremony store
func NewMemoryCeremonyStore() *MemoryCeremonyStore {
	return &MemoryCeremonyStore{
		ceremonies: make(map[string]*core.PendingCeremony),
	}
}

// Put stores a new pending ceremony
func (s *MemoryCeremonyStore) Put(ctx context.Context, ceremony *core.PendingCeremony) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.ceremonies {
		if ceremony.CreatedAt.After(c.ExpiresAt) {
			delete(s.ceremonies, id)
		}
	}
	if _, exists := s.ceremonies[ceremony.ID]; exists {
		return core.ErrAlreadyExists
	}
	c := *ceremony
	s.ceremonies[ceremony.ID] = &c
	return nil
}

// Get returns a copy of the ceremony
func (s *MemoryCeremonyStore) Get(ctx context.Context, id string, now time.Time) (*core.PendingCeremony, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.lookupLocked(id, now)
	if err != nil {
		return nil, err
	}
	cp := *c
	return &cp, nil
}

// Claim moves a ChallengeIssued ceremony to AssertionReceived
func (s *MemoryCeremonyStore) Claim(ctx context.Context, id string, now time.Time) (*core.PendingCeremony, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.lookupLocked(id, now)
	if err != nil {
		return nil, err
	}
	if c.State != core.StateChallengeIssued {
		return nil, core.ErrCeremonyAlreadyComplete
	}
	c.State = core.StateAssertionReceived
	cp := *c
	return &cp, nil
}

// Transition moves the ceremony to state if it is currently in one of from
func (s *MemoryCeremonyStore) Transition(ctx context.Context, id string, from []core.CeremonyState, state core.CeremonyState, failure string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.ceremonies[id]
	if !ok {
		return core.ErrCeremonyNotFound
	}
	if !slices.Contains(from, c.State) {
		return core.ErrCeremonyAlreadyComplete
	}
	c.State = state
	c.Failure = failure
	return nil
}

// Finish records a terminal state
func (s *MemoryCeremonyStore) Finish(ctx context.Context, id string, state core.CeremonyState, failure string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.ceremonies[id]
	if !ok {
		return core.ErrCeremonyNotFound
	}
	if c.State.Terminal() {
		return nil
	}
	c.State = state
	c.Failure = failure
	return nil
}

func (s *MemoryCeremonyStore) lookupLocked(id string, now time.Time) (*core.PendingCeremony, error) {
	c, ok := s.ceremonies[id]
	if !ok {
		return nil, core.ErrCeremonyNotFound
	}
	if now.After(c.ExpiresAt) {
		delete(s.ceremonies, id)
		return nil, core.ErrChallengeExpired
	}
	return c, nil
}

var _ ports.CeremonyStore = (*MemoryCeremonyStore)(nil)
