package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/passkeyd/core"
)

func TestSessionService_IssueAndValidate(t *testing.T) {
	f := newFixture(t, fakeVerifier{})
	ctx := context.Background()

	session, err := f.sessions.Issue(ctx, "user-1", "fp")
	require.NoError(t, err)
	require.NoError(t, f.sessions.ValidateFormat(session.Token))
	assert.Equal(t, DefaultSessionTTL, session.ExpiresAt.Sub(session.IssuedAt))

	got, err := f.sessions.ValidateWithAuthority(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, "fp", got.DeviceFingerprint)
	assert.Equal(t, 1, f.revocation.Calls())

	// second call is served from the validation cache
	_, err = f.sessions.ValidateWithAuthority(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, f.revocation.Calls())
}

func TestSessionService_TwoSegmentsNeverReachAuthority(t *testing.T) {
	f := newFixture(t, fakeVerifier{})
	ctx := context.Background()

	session, err := f.sessions.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	parts := strings.Split(session.Token, ".")
	tampered := parts[0] + "." + parts[1]

	assert.ErrorIs(t, f.sessions.ValidateFormat(tampered), core.ErrWrongSegmentCount)
	_, err = f.sessions.ValidateWithAuthority(ctx, tampered)
	assert.ErrorIs(t, err, core.ErrWrongSegmentCount)
	assert.Equal(t, 0, f.revocation.Calls())
}

func TestSessionService_ExpiredRegardlessOfCache(t *testing.T) {
	f := newFixture(t, fakeVerifier{})
	ctx := context.Background()

	session, err := f.sessions.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	_, err = f.sessions.ValidateWithAuthority(ctx, session.Token)
	require.NoError(t, err)
	require.Equal(t, 1, f.sessions.cache.len())

	f.clock.Advance(DefaultSessionTTL + time.Second)
	_, err = f.sessions.ValidateWithAuthority(ctx, session.Token)
	assert.ErrorIs(t, err, core.ErrTokenExpired)
	assert.Equal(t, 0, f.sessions.cache.len())

	// still expired once the cache entry is gone
	_, err = f.sessions.ValidateWithAuthority(ctx, session.Token)
	assert.ErrorIs(t, err, core.ErrTokenExpired)
}

func TestSessionService_Revoke(t *testing.T) {
	f := newFixture(t, fakeVerifier{})
	ctx := context.Background()

	session, err := f.sessions.Issue(ctx, "user-1", "")
	require.NoError(t, err)
	_, err = f.sessions.ValidateWithAuthority(ctx, session.Token)
	require.NoError(t, err)

	require.NoError(t, f.sessions.Revoke(ctx, session.Token))
	assert.Equal(t, 0, f.sessions.cache.len())

	_, err = f.sessions.ValidateWithAuthority(ctx, session.Token)
	assert.ErrorIs(t, err, core.ErrTokenRevoked)

	require.NoError(t, f.sessions.Revoke(ctx, session.Token))
	assert.Equal(t, 2, f.events.count())
	assert.Equal(t, [2]string{"user-1", session.ID}, f.events.events[0])
}

func TestSessionService_RevokeSurvivesPublishFailure(t *testing.T) {
	f := newFixture(t, fakeVerifier{})
	f.events.err = errors.New("broker down")
	ctx := context.Background()

	session, err := f.sessions.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	require.NoError(t, f.sessions.Revoke(ctx, session.Token))
	_, err = f.sessions.ValidateWithAuthority(ctx, session.Token)
	assert.ErrorIs(t, err, core.ErrTokenRevoked)
}

func TestSessionService_RevokeExpiredToken(t *testing.T) {
	f := newFixture(t, fakeVerifier{})
	ctx := context.Background()

	session, err := f.sessions.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	f.clock.Advance(DefaultSessionTTL * 2)
	assert.NoError(t, f.sessions.Revoke(ctx, session.Token))
}

func TestSessionService_RevokeGarbage(t *testing.T) {
	f := newFixture(t, fakeVerifier{})

	err := f.sessions.Revoke(context.Background(), "a.b")
	assert.ErrorIs(t, err, core.ErrWrongSegmentCount)
	assert.Zero(t, f.events.count())
}

func TestSessionService_AuthorityUnavailable(t *testing.T) {
	f := newFixture(t, fakeVerifier{})
	ctx := context.Background()

	session, err := f.sessions.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	f.revocation.err = errors.New("connection refused")
	_, err = f.sessions.ValidateWithAuthority(ctx, session.Token)
	assert.ErrorIs(t, err, core.ErrAuthorityUnavailable)
	assert.NotErrorIs(t, err, core.ErrTokenRevoked)
	assert.Equal(t, "network_unavailable", core.Code(err))
}

func TestSessionService_UnknownSession(t *testing.T) {
	f := newFixture(t, fakeVerifier{})
	ctx := context.Background()

	session, err := f.sessions.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	// signed by the right key but never persisted
	other := newFixture(t, fakeVerifier{})
	other.sessions.tokenizer = f.sessions.tokenizer
	_, err = other.sessions.ValidateWithAuthority(ctx, session.Token)
	assert.ErrorIs(t, err, core.ErrTokenRevoked)
}

func TestSessionService_ForeignKey(t *testing.T) {
	f := newFixture(t, fakeVerifier{})
	other := newFixture(t, fakeVerifier{})
	ctx := context.Background()

	session, err := other.sessions.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	_, err = f.sessions.ValidateWithAuthority(ctx, session.Token)
	assert.ErrorIs(t, err, core.ErrSignatureMismatch)
}

func TestSessionService_Refresh(t *testing.T) {
	f := newFixture(t, fakeVerifier{})
	ctx := context.Background()

	session, err := f.sessions.Issue(ctx, "user-1", "fp")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	fresh, err := f.sessions.Refresh(ctx, session.Token)
	require.NoError(t, err)
	assert.NotEqual(t, session.ID, fresh.ID)
	assert.Equal(t, "user-1", fresh.UserID)
	assert.Equal(t, "fp", fresh.DeviceFingerprint)
	assert.True(t, fresh.ExpiresAt.After(session.ExpiresAt))

	_, err = f.sessions.ValidateWithAuthority(ctx, session.Token)
	assert.ErrorIs(t, err, core.ErrTokenRevoked)
	_, err = f.sessions.ValidateWithAuthority(ctx, fresh.Token)
	assert.NoError(t, err)
}

func TestSessionService_Restore(t *testing.T) {
	f := newFixture(t, fakeVerifier{})
	grant := f.register(t, "cred-1")

	session, user, err := f.sessions.Restore(context.Background(), grant.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, grant.User.ID, user.ID)
	assert.Equal(t, grant.Session.ID, session.ID)
}

func TestSessionService_ForgetSessionAfterRemoteRevoke(t *testing.T) {
	f := newFixture(t, fakeVerifier{})
	ctx := context.Background()

	// a second instance sharing the revocation list and repository
	other := NewSessionService(SessionConfig{}, f.sessions.tokenizer, f.revocation, f.repo, nil, nil, nil)
	other.now = f.clock.Now

	session, err := other.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	_, err = f.sessions.ValidateWithAuthority(ctx, session.Token)
	require.NoError(t, err)

	require.NoError(t, other.Revoke(ctx, session.Token))

	// still cached locally until the relayed event arrives
	_, err = f.sessions.ValidateWithAuthority(ctx, session.Token)
	require.NoError(t, err)

	require.NoError(t, f.sessions.ForgetSession(ctx, "user-1", session.ID))
	_, err = f.sessions.ValidateWithAuthority(ctx, session.Token)
	assert.ErrorIs(t, err, core.ErrTokenRevoked)
}
