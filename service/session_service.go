package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/ports"
	"github.com/layer-3/passkeyd/token"
)

const (
	DefaultSessionTTL = 30 * 24 * time.Hour
	DefaultCacheTTL   = 30 * time.Second
	DefaultCacheSize  = 10000

	// minRevocationTTL keeps revocation records around for tokens that are
	// already expired, to absorb clock skew between instances.
	minRevocationTTL = time.Hour
)

// SessionConfig tunes the session issuer. Zero values select defaults;
// a negative CacheTTL disables the validation cache.
type SessionConfig struct {
	TTL       time.Duration
	CacheTTL  time.Duration
	CacheSize int
}

// SessionService mints, validates and revokes session tokens
type SessionService struct {
	tokenizer ports.Tokenizer
	store     ports.Store
	repo      ports.Repository
	eventPub  ports.EventPublisher
	logger    *slog.Logger
	metrics   *Metrics

	cache      *validationCache
	sessionTTL time.Duration
	now        func() time.Time
}

// NewSessionService creates a new session service
func NewSessionService(
	cfg SessionConfig,
	tokenizer ports.Tokenizer,
	store ports.Store,
	repo ports.Repository,
	eventPub ports.EventPublisher,
	logger *slog.Logger,
	metrics *Metrics,
) *SessionService {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{
		tokenizer:  tokenizer,
		store:      store,
		repo:       repo,
		eventPub:   eventPub,
		logger:     logger.With("component", "sessions"),
		metrics:    metrics,
		cache:      newValidationCache(cfg.CacheTTL, cfg.CacheSize),
		sessionTTL: cfg.TTL,
		now:        time.Now,
	}
}

// Issue creates and persists a new session for userID
func (s *SessionService) Issue(ctx context.Context, userID, deviceFingerprint string) (*core.Session, error) {
	now := s.now()
	session := &core.Session{
		ID:                uuid.New().String(),
		UserID:            userID,
		IssuedAt:          now,
		ExpiresAt:         now.Add(s.sessionTTL),
		LastUsedAt:        now,
		DeviceFingerprint: deviceFingerprint,
	}

	tok, err := s.tokenizer.SessionToToken(session)
	if err != nil {
		return nil, fmt.Errorf("failed to create session token: %w", err)
	}
	session.Token = tok

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	return session, nil
}

// ValidateFormat is the local structural check; it never leaves the process
func (s *SessionService) ValidateFormat(raw string) error {
	_, _, err := token.ValidateFormat(raw)
	return err
}

// ValidateWithAuthority is the authoritative check: signature, expiry,
// revocation list and the stored session record. Storage failures yield
// core.ErrAuthorityUnavailable, which callers must not treat as invalid.
func (s *SessionService) ValidateWithAuthority(ctx context.Context, raw string) (*core.Session, error) {
	session, cached, err := s.validate(ctx, raw)
	s.metrics.observeValidation(err, cached)
	return session, err
}

func (s *SessionService) validate(ctx context.Context, raw string) (*core.Session, bool, error) {
	if err := s.ValidateFormat(raw); err != nil {
		return nil, false, err
	}

	now := s.now()
	key := cacheKey(raw)
	if session, expired := s.cache.get(key, now); expired {
		return nil, false, core.ErrTokenExpired
	} else if session != nil {
		return session, true, nil
	}

	session, err := s.tokenizer.TokenToSession(raw)
	if err != nil {
		return nil, false, err
	}
	if !session.Valid(now) {
		return nil, false, core.ErrTokenExpired
	}

	revoked, err := s.store.IsTokenInvalidated(ctx, session.ID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", core.ErrAuthorityUnavailable, err)
	}
	if revoked {
		return nil, false, core.ErrTokenRevoked
	}

	record, err := s.repo.GetSession(ctx, session.ID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, false, core.ErrTokenRevoked
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", core.ErrAuthorityUnavailable, err)
	}
	if record.UserID != session.UserID {
		return nil, false, core.ErrSignatureMismatch
	}

	if err := s.repo.TouchSession(ctx, session.ID, now); err != nil {
		s.logger.Warn("failed to touch session", "session_id", session.ID, "error", err)
	}
	session.Token = raw
	session.LastUsedAt = now

	s.cache.put(key, session, now)
	return session, false, nil
}

// Restore validates raw authoritatively and loads its owner
func (s *SessionService) Restore(ctx context.Context, raw string) (*core.Session, *core.User, error) {
	session, err := s.ValidateWithAuthority(ctx, raw)
	if err != nil {
		return nil, nil, err
	}

	user, err := s.repo.GetUser(ctx, session.UserID)
	if errors.Is(err, core.ErrNotFound) {
		s.cache.evict(cacheKey(raw))
		return nil, nil, core.ErrTokenRevoked
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", core.ErrAuthorityUnavailable, err)
	}
	return session, user, nil
}

// Revoke marks the session behind raw as revoked. Revoking twice is not an
// error, and expired tokens may still be revoked.
func (s *SessionService) Revoke(ctx context.Context, raw string) error {
	if err := s.ValidateFormat(raw); err != nil {
		return err
	}

	session, err := s.tokenizer.InspectToken(raw)
	if err != nil {
		return err
	}

	remaining := session.ExpiresAt.Sub(s.now())
	if remaining < minRevocationTTL {
		remaining = minRevocationTTL
	}

	if err := s.store.InvalidateToken(ctx, session.ID, remaining); err != nil {
		return fmt.Errorf("%w: %v", core.ErrAuthorityUnavailable, err)
	}
	s.cache.evictSession(session.ID)

	// The session is already revoked; a failed publish only delays other listeners.
	if s.eventPub != nil {
		if err := s.eventPub.PublishLogout(ctx, session.UserID, session.ID); err != nil {
			s.logger.Warn("failed to publish logout event", "session_id", session.ID, "error", err)
		}
	}

	return nil
}

// ForgetSession drops cached validations of a session revoked by another
// instance, so the next validation goes back to the revocation list.
func (s *SessionService) ForgetSession(ctx context.Context, userID, sessionID string) error {
	s.cache.evictSession(sessionID)
	s.logger.Debug("forgot relayed session", "session_id", sessionID, "user_id", userID)
	return nil
}

// Refresh revokes the session behind raw and issues a replacement
func (s *SessionService) Refresh(ctx context.Context, raw string) (*core.Session, error) {
	session, err := s.ValidateWithAuthority(ctx, raw)
	if err != nil {
		return nil, err
	}

	if err := s.Revoke(ctx, raw); err != nil {
		return nil, err
	}

	return s.Issue(ctx, session.UserID, session.DeviceFingerprint)
}
