// Package sessionstore is the client-side owner of the current session
// token. It is the only component that writes session data; everything
// else reads through Load and forgets through Clear.
package sessionstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/layer-3/passkeyd/token"
)

// Keys of the persisted record
const (
	KeyToken       = "session.token"
	KeyIssuedAt    = "session.issued_at"
	KeyExpiresAt   = "session.expires_at"
	KeyLastUsedAt  = "session.last_used_at"
	KeyFingerprint = "session.fingerprint"

	// KeyBackup holds the raw token in the secondary slot
	KeyBackup = "session.token.backup"
)

var recordKeys = []string{KeyToken, KeyIssuedAt, KeyExpiresAt, KeyLastUsedAt, KeyFingerprint}

// DefaultTTL applies when a token carries no expiry claim
const DefaultTTL = 30 * 24 * time.Hour

// fingerprintKey separates session fingerprints from any other blake3 use
var fingerprintKey = [32]byte{
	'p', 'a', 's', 's', 'k', 'e', 'y', 'd', '.', 's', 'e', 's', 's', 'i', 'o', 'n',
	'.', 'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't', 0, 0, 0, 0,
}

// Record is the current session and its metadata
type Record struct {
	Token       string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	LastUsedAt  time.Time
	Fingerprint string
}

// Options configures a Store
type Options struct {
	// Device identifies this installation; it is mixed into the fingerprint
	Device string
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// Store persists the current session token
type Store struct {
	mu      sync.Mutex
	primary Storage
	backup  Storage
	cached  *Record

	device string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// New creates a store writing to a durable primary slot and a
// less durable backup slot. A nil backup gets an in-memory slot.
func New(primary, backup Storage, opts Options) *Store {
	if backup == nil {
		backup = NewMemoryStorage()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		primary: primary,
		backup:  backup,
		device:  opts.Device,
		ttl:     opts.TTL,
		logger:  opts.Logger.With("component", "sessionstore"),
		now:     opts.Now,
	}
}

// Fingerprint binds a token to a device
func Fingerprint(device, tok string) string {
	h, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("sessionstore: blake3 keyed hash: " + err.Error())
	}
	h.Write([]byte(device))
	h.Write([]byte{0})
	h.Write([]byte(tok))
	return hex.EncodeToString(h.Sum(nil))
}

// Save replaces the current session with tok. Tokens that fail the local
// format check are refused.
func (s *Store) Save(tok string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(tok)
}

func (s *Store) saveLocked(tok string) error {
	_, claims, err := token.ValidateFormat(tok)
	if err != nil {
		return fmt.Errorf("refusing to save token: %w", err)
	}

	now := s.now()
	rec := &Record{
		Token:       tok,
		IssuedAt:    claims.Issued(),
		ExpiresAt:   claims.Expires(),
		LastUsedAt:  now,
		Fingerprint: Fingerprint(s.device, tok),
	}
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = now
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.IssuedAt.Add(s.ttl)
	}

	values := map[string]string{
		KeyToken:       rec.Token,
		KeyIssuedAt:    formatTime(rec.IssuedAt),
		KeyExpiresAt:   formatTime(rec.ExpiresAt),
		KeyLastUsedAt:  formatTime(rec.LastUsedAt),
		KeyFingerprint: rec.Fingerprint,
	}
	for _, key := range recordKeys {
		if err := s.primary.Set(key, values[key]); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}
	if err := s.backup.Set(KeyBackup, tok); err != nil {
		s.logger.Warn("failed to write backup token", "error", err)
	}

	s.cached = rec
	return nil
}

// Load returns the current token. Expired or tampered sessions are
// cleared and reported as absent.
func (s *Store) Load() (string, bool) {
	rec, ok := s.Current()
	if !ok {
		return "", false
	}
	return rec.Token, true
}

// Current returns the current record with its metadata
func (s *Store) Current() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cached != nil {
		if !now.Before(s.cached.ExpiresAt) {
			s.logger.Info("session expired")
			s.clearLocked()
			return Record{}, false
		}
		s.cached.LastUsedAt = now
		return *s.cached, true
	}

	rec, err := s.readPrimaryLocked()
	switch {
	case err == nil:
	case errors.Is(err, errMissing):
		rec, err = s.recoverLocked()
		if err != nil {
			if !errors.Is(err, errMissing) {
				s.logger.Warn("session recovery failed", "error", err)
				s.clearLocked()
			}
			return Record{}, false
		}
	default:
		s.logger.Warn("stored session unreadable", "error", err)
		s.clearLocked()
		return Record{}, false
	}

	if rec.Fingerprint != Fingerprint(s.device, rec.Token) {
		s.logger.Warn("session fingerprint mismatch")
		s.clearLocked()
		return Record{}, false
	}
	if !now.Before(rec.ExpiresAt) {
		s.logger.Info("session expired")
		s.clearLocked()
		return Record{}, false
	}

	rec.LastUsedAt = now
	if err := s.primary.Set(KeyLastUsedAt, formatTime(now)); err != nil {
		s.logger.Debug("failed to update last used", "error", err)
	}
	s.cached = rec
	return *rec, true
}

// Clear forgets the session everywhere. It is safe to call repeatedly.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Store) clearLocked() {
	s.cached = nil
	for _, key := range recordKeys {
		if err := s.primary.Delete(key); err != nil {
			s.logger.Warn("failed to delete session key", "key", key, "error", err)
		}
	}
	if err := s.backup.Delete(KeyBackup); err != nil {
		s.logger.Warn("failed to delete backup token", "error", err)
	}
}

var errMissing = errors.New("no stored session")

func (s *Store) readPrimaryLocked() (*Record, error) {
	tok, ok, err := s.primary.Get(KeyToken)
	if err != nil {
		return nil, err
	}
	if !ok || tok == "" {
		return nil, errMissing
	}

	rec := &Record{Token: tok}
	fields := []struct {
		key string
		dst *time.Time
	}{
		{KeyIssuedAt, &rec.IssuedAt},
		{KeyExpiresAt, &rec.ExpiresAt},
		{KeyLastUsedAt, &rec.LastUsedAt},
	}
	for _, f := range fields {
		raw, ok, err := s.primary.Get(f.key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("missing %s", f.key)
		}
		t, err := parseTime(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.key, err)
		}
		*f.dst = t
	}

	fp, _, err := s.primary.Get(KeyFingerprint)
	if err != nil {
		return nil, err
	}
	rec.Fingerprint = fp
	return rec, nil
}

// recoverLocked restores the session from the backup slot and re-saves it
func (s *Store) recoverLocked() (*Record, error) {
	tok, ok, err := s.backup.Get(KeyBackup)
	if err != nil {
		return nil, err
	}
	if !ok || tok == "" {
		return nil, errMissing
	}

	if err := s.saveLocked(tok); err != nil {
		return nil, err
	}
	s.logger.Info("session recovered from backup")
	rec := *s.cached
	return &rec, nil
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
