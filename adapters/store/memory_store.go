package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/passkeyd/ports"
)

// MemoryStore is an in-memory implementation of the Store interface
type MemoryStore struct {
	invalidatedTokens map[string]time.Time
	mu                sync.RWMutex
	now               func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() ports.Store {
	return newMemoryStore(time.Now)
}

func newMemoryStore(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		invalidatedTokens: make(map[string]time.Time),
		now:               now,
	}
}

// InvalidateToken marks a token as invalidated
func (s *MemoryStore) InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, exp := range s.invalidatedTokens {
		if now.After(exp) {
			delete(s.invalidatedTokens, id)
		}
	}

	expiryTime := now.Add(expiry)
	// Never shorten an existing invalidation
	if stored, exists := s.invalidatedTokens[tokenID]; exists && stored.After(expiryTime) {
		return nil
	}
	s.invalidatedTokens[tokenID] = expiryTime
	return nil
}

// IsTokenInvalidated checks if a token is invalidated
func (s *MemoryStore) IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiryTime, exists := s.invalidatedTokens[tokenID]
	if !exists {
		return false, nil
	}

	// Check if the token invalidation has expired
	if s.now().After(expiryTime) {
		return false, nil
	}

	return true, nil
}
