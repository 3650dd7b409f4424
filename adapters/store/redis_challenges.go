package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/ports"
)

type challengeRecord struct {
	ID        string    `json:"id"`
	Nonce     string    `json:"nonce"`
	Purpose   string    `json:"purpose"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UserHint  string    `json:"user_hint,omitempty"`
}

// RedisChallengeStore stores challenges as JSON strings. Consumption is
// guarded by a SETNX marker so only one caller can take a challenge.
type RedisChallengeStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisChallengeStore creates a challenge store on top of client
func NewRedisChallengeStore(client *redis.Client) *RedisChallengeStore {
	return &RedisChallengeStore{
		client:    client,
		prefix:    DefaultPrefix + "challenge:",
		retention: DefaultRetention,
	}
}

// Put stores a freshly issued challenge
func (s *RedisChallengeStore) Put(ctx context.Context, challenge *core.Challenge) error {
	payload, err := json.Marshal(challengeRecord{
		ID:        challenge.ID,
		Nonce:     challenge.Nonce,
		Purpose:   string(challenge.Purpose),
		IssuedAt:  challenge.IssuedAt,
		ExpiresAt: challenge.ExpiresAt,
		UserHint:  challenge.UserHint,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	ttl := challenge.ExpiresAt.Add(s.retention).Sub(challenge.IssuedAt)
	ok, err := s.client.SetNX(ctx, s.prefix+challenge.ID, payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	if !ok {
		return core.ErrAlreadyExists
	}
	return nil
}

// Consume fetches and invalidates a challenge in one step
func (s *RedisChallengeStore) Consume(ctx context.Context, id string, now time.Time) (*core.Challenge, error) {
	payload, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}

	var rec challengeRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode challenge: %w", err)
	}

	ttl := rec.ExpiresAt.Add(s.retention).Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	first, err := s.client.SetNX(ctx, s.prefix+id+":used", "1", ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mark challenge used: %w", err)
	}
	if !first {
		return nil, core.ErrChallengeAlreadyUsed
	}

	challenge := &core.Challenge{
		ID:        rec.ID,
		Nonce:     rec.Nonce,
		Purpose:   core.Purpose(rec.Purpose),
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: rec.ExpiresAt,
		UserHint:  rec.UserHint,
	}
	if challenge.Expired(now) {
		return nil, core.ErrChallengeExpired
	}
	return challenge, nil
}

// Purge is a no-op; redis expires keys on its own
func (s *RedisChallengeStore) Purge(ctx context.Context, now time.Time) error {
	return nil
}

var _ ports.ChallengeStore = (*RedisChallengeStore)(nil)
