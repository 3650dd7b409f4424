// Package ws is the server side of the realtime channel: a websocket
// gateway that authenticates sockets with session tokens and pushes
// session events to them.
package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
)

// Frame types. The type field is the only dispatch key.
const (
	TypeAuth           = "auth"
	TypeAuthOK         = "auth_ok"
	TypeAuthError      = "auth_error"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeSessionRevoked = "session_revoked"
	TypeError          = "error"
)

// Frame is one realtime message
type Frame struct {
	Type      string          `json:"type"`
	Token     string          `json:"token,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const maxFrameBytes = 64 << 10

func readFrame(ctx context.Context, conn *websocket.Conn) (Frame, error) {
	var f Frame
	_, data, err := conn.Read(ctx)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, errBadJSON{err}
	}
	return f, nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f Frame, timeout time.Duration) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "invalid frame: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }
