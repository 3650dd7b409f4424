package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/ports"
)

// DefaultChallengeTTL bounds how long a ceremony challenge may be answered
const DefaultChallengeTTL = 5 * time.Minute

// ChallengeService issues and retires single-use ceremony challenges
type ChallengeService struct {
	store ports.ChallengeStore
	ttl   time.Duration
	now   func() time.Time
}

// NewChallengeService creates a challenge service backed by store
func NewChallengeService(store ports.ChallengeStore, ttl time.Duration) *ChallengeService {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeService{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Issue generates a new challenge for purpose, optionally bound to a user
func (s *ChallengeService) Issue(ctx context.Context, purpose core.Purpose, userHint string) (*core.Challenge, error) {
	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := s.now()
	challenge := &core.Challenge{
		ID:        uuid.New().String(),
		Nonce:     base64.RawURLEncoding.EncodeToString(nonceBytes),
		Purpose:   purpose,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
		UserHint:  userHint,
	}

	if err := s.store.Put(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}
	return challenge, nil
}

// Consume fetches and retires a challenge. Only the first call succeeds.
func (s *ChallengeService) Consume(ctx context.Context, id string) (*core.Challenge, error) {
	return s.store.Consume(ctx, id, s.now())
}
