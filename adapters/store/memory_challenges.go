package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/ports"
)

// DefaultRetention is how long a challenge is remembered past its expiry so
// late consumers get Expired or AlreadyUsed instead of NotFound.
const DefaultRetention = time.Minute

type challengeEntry struct {
	challenge core.Challenge
	used      bool
}

// MemoryChallengeStore keeps challenges in a map guarded by a mutex.
// Expired entries are purged lazily on Put and Consume.
type MemoryChallengeStore struct {
	mu        sync.Mutex
	entries   map[string]*challengeEntry
	retention time.Duration
}

// NewMemoryChallengeStore creates an empty challenge store
func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{
		entries:   make(map[string]*challengeEntry),
		retention: DefaultRetention,
	}
}

// Put stores a freshly issued challenge
func (s *MemoryChallengeStore) Put(ctx context.Context, challenge *core.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked(challenge.IssuedAt)
	if _, exists := s.entries[challenge.ID]; exists {
		return core.ErrAlreadyExists
	}
	s.entries[challenge.ID] = &challengeEntry{challenge: *challenge}
	return nil
}

// Consume fetches and invalidates a challenge in one step
func (s *MemoryChallengeStore) Consume(ctx context.Context, id string, now time.Time) (*core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked(now)
	entry, ok := s.entries[id]
	if !ok {
		return nil, core.ErrChallengeNotFound
	}
	if entry.used {
		return nil, core.ErrChallengeAlreadyUsed
	}
	entry.used = true

	if entry.challenge.Expired(now) {
		return nil, core.ErrChallengeExpired
	}

	c := entry.challenge
	return &c, nil
}

// Purge drops every entry past its retention window
func (s *MemoryChallengeStore) Purge(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(now)
	return nil
}

// Len returns the number of remembered challenges
func (s *MemoryChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryChallengeStore) purgeLocked(now time.Time) {
	for id, entry := range s.entries {
		if now.After(entry.challenge.ExpiresAt.Add(s.retention)) {
			delete(s.entries, id)
		}
	}
}

var _ ports.ChallengeStore = (*MemoryChallengeStore)(nil)
