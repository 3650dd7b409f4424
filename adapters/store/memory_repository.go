package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/ports"
)

// MemoryRepository is an in-memory implementation of ports.Repository
type MemoryRepository struct {
	mu          sync.RWMutex
	users       map[string]core.User
	credentials map[string]core.Credential
	sessions    map[string]core.Session
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:       make(map[string]core.User),
		credentials: make(map[string]core.Credential),
		sessions:    make(map[string]core.Session),
	}
}

func (r *MemoryRepository) GetUser(ctx context.Context, id string) (*core.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &u, nil
}

func (r *MemoryRepository) CreateUserWithCredential(ctx context.Context, user *core.User, cred *core.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[user.ID]; exists {
		return core.ErrAlreadyExists
	}
	if _, exists := r.credentials[cred.CredentialID]; exists {
		return core.ErrAlreadyExists
	}
	r.users[user.ID] = *user
	c := *cred
	c.Transports = append([]string(nil), cred.Transports...)
	r.credentials[cred.CredentialID] = c
	return nil
}

func (r *MemoryRepository) GetCredential(ctx context.Context, credentialID string) (*core.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.credentials[credentialID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &c, nil
}

func (r *MemoryRepository) AdvanceSignCount(ctx context.Context, credentialID string, counter uint32, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.credentials[credentialID]
	if !ok {
		return core.ErrNotFound
	}
	if counter <= c.SignCount {
		return core.ErrCounterReplay
	}
	c.SignCount = counter
	c.LastUsedAt = usedAt
	r.credentials[credentialID] = c
	return nil
}

func (r *MemoryRepository) CreateSession(ctx context.Context, session *core.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return core.ErrAlreadyExists
	}
	s := *session
	s.Token = ""
	r.sessions[session.ID] = s
	return nil
}

func (r *MemoryRepository) GetSession(ctx context.Context, id string) (*core.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) TouchSession(ctx context.Context, id string, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return core.ErrNotFound
	}
	if usedAt.After(s.LastUsedAt) {
		s.LastUsedAt = usedAt
		r.sessions[id] = s
	}
	return nil
}

var _ ports.Repository = (*MemoryRepository)(nil)
