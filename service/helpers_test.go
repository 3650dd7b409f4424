package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/layer-3/passkeyd/adapters/store"
	"github.com/layer-3/passkeyd/adapters/tokenizer"
	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/ports"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeVerifier accepts any response except the literal "reject" and echoes
// the reported credential id and counter.
type fakeVerifier struct{}

func (fakeVerifier) RegistrationOptions(ch *core.Challenge, userID string, _ core.DeviceInfo) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"challenge": ch.Nonce, "user": userID})
}

func (fakeVerifier) LoginOptions(ch *core.Challenge) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"challenge": ch.Nonce})
}

func (fakeVerifier) VerifyRegistration(_ context.Context, _ *core.Challenge, _ string, a core.Assertion) (*core.VerifiedCredential, error) {
	if string(a.Response) == `"reject"` {
		return nil, core.ErrSignatureInvalid
	}
	return &core.VerifiedCredential{CredentialID: a.CredentialID, PublicKey: []byte("pk-" + a.CredentialID), Counter: a.Counter}, nil
}

func (fakeVerifier) VerifyLogin(_ context.Context, _ *core.Challenge, cred *core.Credential, a core.Assertion) (*core.VerifiedCredential, error) {
	if string(a.Response) == `"reject"` {
		return nil, errors.New("bad signature")
	}
	return &core.VerifiedCredential{CredentialID: cred.CredentialID, PublicKey: cred.PublicKey, Counter: a.Counter}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events [][2]string
	err    error
}

func (p *recordingPublisher) PublishLogout(_ context.Context, userID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, [2]string{userID, sessionID})
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// countingStore records calls to the revocation list
type countingStore struct {
	ports.Store
	mu    sync.Mutex
	calls int
	err   error
}

func (s *countingStore) IsTokenInvalidated(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.Store.IsTokenInvalidated(ctx, id)
}

func (s *countingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	clock      *testClock
	repo       *store.MemoryRepository
	revocation *countingStore
	ceremonies *store.MemoryCeremonyStore
	challenges *ChallengeService
	sessions   *SessionService
	coord      *Coordinator
	events     *recordingPublisher
}

func newFixture(t *testing.T, verifier ports.Verifier) *fixture {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	f := &fixture{
		clock:      newTestClock(),
		repo:       store.NewMemoryRepository(),
		revocation: &countingStore{Store: store.NewMemoryStore()},
		ceremonies: store.NewMemoryCeremonyStore(),
		events:     &recordingPublisher{},
	}

	f.challenges = NewChallengeService(store.NewMemoryChallengeStore(), 0)
	f.challenges.now = f.clock.Now

	f.sessions = NewSessionService(SessionConfig{},
		tokenizer.NewJWTTokenizerWithClock(key, f.clock.Now),
		f.revocation, f.repo, f.events, nil, nil)
	f.sessions.now = f.clock.Now

	f.coord = NewCoordinator(f.challenges, f.ceremonies, f.repo, verifier, f.sessions, 0, nil, nil)
	f.coord.now = f.clock.Now
	return f
}

// register runs a full registration ceremony for credentialID
func (f *fixture) register(t *testing.T, credentialID string) *core.SessionGrant {
	t.Helper()
	ctx := context.Background()

	start, err := f.coord.Start(ctx, core.PurposeRegister, core.DeviceInfo{Label: "laptop", Fingerprint: "fp-1"})
	require.NoError(t, err)

	grant, err := f.coord.Complete(ctx, start.CeremonyID, core.Assertion{
		CredentialID: credentialID,
		Challenge:    start.Challenge.Nonce,
	})
	require.NoError(t, err)
	return grant
}
