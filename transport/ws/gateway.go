package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/layer-3/passkeyd/core"
)

const (
	defaultAuthTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	defaultSendQueue    = 16
)

// Validator performs the authoritative session check
type Validator interface {
	ValidateWithAuthority(ctx context.Context, token string) (*core.Session, error)
}

// GatewayConfig tunes the websocket gateway. Zero values select defaults.
type GatewayConfig struct {
	OriginPatterns  []string
	AuthTimeout     time.Duration
	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
}

// Gateway is the websocket entrypoint for realtime clients
type Gateway struct {
	log       *slog.Logger
	hub       *Hub
	validator Validator
	cfg       GatewayConfig
}

// NewGateway constructs a gateway that registers sockets on hub
func NewGateway(log *slog.Logger, hub *Hub, validator Validator, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = defaultReadIdle
	}
	return &Gateway{log: log, hub: hub, validator: validator, cfg: cfg}
}

// ServeHTTP upgrades the request and runs the socket until it closes
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.OriginPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session, ok := g.authenticate(ctx, conn)
	if !ok {
		return
	}

	c := newClient(uuid.NewString(), session.UserID, session.ID, defaultSendQueue)
	g.hub.add(c)
	defer g.hub.remove(c)

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			c.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	if err := writeFrame(ctx, conn, Frame{Type: TypeAuthOK, UserID: session.UserID, SessionID: session.ID}, g.cfg.WriteTimeout); err != nil {
		g.log.Info("ws.write.fail", "client_id", c.id, "err", err)
		return
	}
	g.log.Info("ws.connected", "client_id", c.id, "user_id", session.UserID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				shutdown(websocket.StatusPolicyViolation, "dropped")
				return
			case f := <-c.send:
				if err := writeFrame(ctx, conn, f, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "client_id", c.id, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
				if f.Type == TypeSessionRevoked {
					shutdown(websocket.StatusPolicyViolation, "session revoked")
					return
				}
			}
		}
	}()

	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		f, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			var bad errBadJSON
			if errors.As(err, &bad) {
				c.enqueue(Frame{Type: TypeError, Code: "bad_json", Message: "invalid JSON"})
				continue
			}
			if status := websocket.CloseStatus(err); status != -1 {
				shutdown(websocket.StatusNormalClosure, "peer closed")
			} else {
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break
		}

		switch f.Type {
		case TypePing:
			c.enqueue(Frame{Type: TypePong})
		case TypeAuth:
			// re-authentication on an open socket only confirms the current session
			c.enqueue(Frame{Type: TypeAuthOK, UserID: c.userID, SessionID: c.sessionID})
		default:
			c.enqueue(Frame{Type: TypeError, Code: "unsupported", Message: "unsupported type: " + f.Type})
		}
	}

	<-writerDone
	g.log.Info("ws.disconnected", "client_id", c.id, "user_id", c.userID)
}

// authenticate waits for the auth frame and validates its token
func (g *Gateway) authenticate(ctx context.Context, conn *websocket.Conn) (*core.Session, bool) {
	authCtx, cancel := context.WithTimeout(ctx, g.cfg.AuthTimeout)
	defer cancel()

	f, err := readFrame(authCtx, conn)
	if err != nil {
		g.log.Info("ws.auth.read_fail", "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "auth frame required")
		return nil, false
	}
	if f.Type != TypeAuth || f.Token == "" {
		g.reject(ctx, conn, "auth_required", "first frame must be auth", websocket.StatusPolicyViolation)
		return nil, false
	}

	session, err := g.validator.ValidateWithAuthority(authCtx, f.Token)
	if err != nil {
		status := websocket.StatusPolicyViolation
		if errors.Is(err, core.ErrAuthorityUnavailable) {
			status = websocket.StatusTryAgainLater
		}
		g.reject(ctx, conn, core.Code(err), err.Error(), status)
		return nil, false
	}
	return session, true
}

func (g *Gateway) reject(ctx context.Context, conn *websocket.Conn, code, msg string, status websocket.StatusCode) {
	g.log.Info("ws.auth.reject", "code", code)
	_ = writeFrame(ctx, conn, Frame{Type: TypeAuthError, Code: code, Message: msg}, g.cfg.WriteTimeout)
	_ = conn.Close(status, code)
}
