package ports

import (
	"context"
	"time"

	"github.com/layer-3/passkeyd/core"
)

// Store interface for token invalidation
type Store interface {
	InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error
	IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error)
}

// ChallengeStore holds issued challenges until they are consumed.
//
// Consume must be atomic per id: exactly one caller receives the challenge,
// every later caller gets core.ErrChallengeAlreadyUsed until the entry is purged.
type ChallengeStore interface {
	Put(ctx context.Context, challenge *core.Challenge) error
	Consume(ctx context.Context, id string, now time.Time) (*core.Challenge, error)
	Purge(ctx context.Context, now time.Time) error
}

// CeremonyStore is the PendingCeremony table
type CeremonyStore interface {
	Put(ctx context.Context, ceremony *core.PendingCeremony) error
	Get(ctx context.Context, id string, now time.Time) (*core.PendingCeremony, error)

	// Claim atomically moves a ChallengeIssued ceremony to AssertionReceived.
	// Any other state yields core.ErrCeremonyAlreadyComplete.
	Claim(ctx context.Context, id string, now time.Time) (*core.PendingCeremony, error)

	// Transition moves the ceremony to state only when its current state is
	// one of from. Any other state yields core.ErrCeremonyAlreadyComplete.
	Transition(ctx context.Context, id string, from []core.CeremonyState, state core.CeremonyState, failure string) error

	// Finish records a terminal state. Finishing an already terminal ceremony is a no-op.
	Finish(ctx context.Context, id string, state core.CeremonyState, failure string) error
}

// Repository is the user/credential/session persistence backend
type Repository interface {
	GetUser(ctx context.Context, id string) (*core.User, error)

	// CreateUserWithCredential creates both rows atomically.
	// A credential id that already exists yields core.ErrAlreadyExists.
	CreateUserWithCredential(ctx context.Context, user *core.User, cred *core.Credential) error
	GetCredential(ctx context.Context, credentialID string) (*core.Credential, error)

	// AdvanceSignCount stores counter only if it is strictly greater than the
	// stored one, otherwise it returns core.ErrCounterReplay.
	AdvanceSignCount(ctx context.Context, credentialID string, counter uint32, usedAt time.Time) error

	CreateSession(ctx context.Context, session *core.Session) error
	GetSession(ctx context.Context, id string) (*core.Session, error)
	TouchSession(ctx context.Context, id string, usedAt time.Time) error
}
