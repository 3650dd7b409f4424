package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/passkeyd/core"
)

type stubValidator map[string]error

func (v stubValidator) ValidateWithAuthority(_ context.Context, token string) (*core.Session, error) {
	if err, ok := v[token]; ok && err != nil {
		return nil, err
	}
	if _, ok := v[token]; !ok {
		return nil, core.ErrSignatureMismatch
	}
	return &core.Session{ID: "session-" + token, UserID: "user-" + token}, nil
}

func startGateway(t *testing.T, v Validator) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	srv := httptest.NewServer(NewGateway(nil, hub, v, GatewayConfig{AuthTimeout: time.Second}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func recv(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := readFrame(ctx, conn)
	require.NoError(t, err)
	return f
}

func TestGateway_AuthPingAndRevoke(t *testing.T) {
	hub, url := startGateway(t, stubValidator{"good": nil})
	conn := dial(t, url)

	send(t, conn, Frame{Type: TypeAuth, Token: "good"})
	ok := recv(t, conn)
	assert.Equal(t, TypeAuthOK, ok.Type)
	assert.Equal(t, "user-good", ok.UserID)

	send(t, conn, Frame{Type: TypePing})
	assert.Equal(t, TypePong, recv(t, conn).Type)

	send(t, conn, Frame{Type: "chat.message"})
	unsupported := recv(t, conn)
	assert.Equal(t, TypeError, unsupported.Type)
	assert.Equal(t, "unsupported", unsupported.Code)

	require.Eventually(t, func() bool { return hub.Connected("user-good") == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.PublishLogout(context.Background(), "user-good", "session-good"))

	revoked := recv(t, conn)
	assert.Equal(t, TypeSessionRevoked, revoked.Type)
	assert.Equal(t, "session-good", revoked.SessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	require.Eventually(t, func() bool { return hub.Connected("user-good") == 0 }, time.Second, 10*time.Millisecond)
}

type sessionTable map[string]*core.Session

func (v sessionTable) ValidateWithAuthority(_ context.Context, token string) (*core.Session, error) {
	if s, ok := v[token]; ok {
		return s, nil
	}
	return nil, core.ErrTokenRevoked
}

func TestGateway_RevokeOnlyTouchesThatSession(t *testing.T) {
	hub, url := startGateway(t, sessionTable{
		"phone":  {ID: "session-phone", UserID: "alice"},
		"laptop": {ID: "session-laptop", UserID: "alice"},
	})

	phone := dial(t, url)
	send(t, phone, Frame{Type: TypeAuth, Token: "phone"})
	require.Equal(t, TypeAuthOK, recv(t, phone).Type)

	laptop := dial(t, url)
	send(t, laptop, Frame{Type: TypeAuth, Token: "laptop"})
	require.Equal(t, TypeAuthOK, recv(t, laptop).Type)

	require.Eventually(t, func() bool { return hub.Connected("alice") == 2 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.PublishLogout(context.Background(), "alice", "session-phone"))

	revoked := recv(t, phone)
	assert.Equal(t, TypeSessionRevoked, revoked.Type)
	assert.Equal(t, "session-phone", revoked.SessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := phone.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	require.Eventually(t, func() bool { return hub.Connected("alice") == 1 }, time.Second, 10*time.Millisecond)

	// the laptop socket is still open and answers the next frame in order
	send(t, laptop, Frame{Type: TypePing})
	assert.Equal(t, TypePong, recv(t, laptop).Type)
}

func TestGateway_RejectsBadToken(t *testing.T) {
	_, url := startGateway(t, stubValidator{"revoked": core.ErrTokenRevoked})
	conn := dial(t, url)

	send(t, conn, Frame{Type: TypeAuth, Token: "revoked"})
	f := recv(t, conn)
	assert.Equal(t, TypeAuthError, f.Type)
	assert.Equal(t, "revoked", f.Code)
}

func TestGateway_AuthorityUnavailable(t *testing.T) {
	_, url := startGateway(t, stubValidator{"flaky": core.ErrAuthorityUnavailable})
	conn := dial(t, url)

	send(t, conn, Frame{Type: TypeAuth, Token: "flaky"})
	f := recv(t, conn)
	assert.Equal(t, TypeAuthError, f.Type)
	assert.Equal(t, "network_unavailable", f.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusTryAgainLater, websocket.CloseStatus(err))
}

func TestGateway_FirstFrameMustBeAuth(t *testing.T) {
	_, url := startGateway(t, stubValidator{})
	conn := dial(t, url)

	send(t, conn, Frame{Type: TypePing})
	f := recv(t, conn)
	assert.Equal(t, TypeAuthError, f.Type)
	assert.Equal(t, "auth_required", f.Code)
}

func TestHub_PublishWithoutSockets(t *testing.T) {
	hub := NewHub(nil)
	assert.NoError(t, hub.PublishLogout(context.Background(), "nobody", "s"))
	assert.Equal(t, 0, hub.Connected("nobody"))
}
