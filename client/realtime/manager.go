// Package realtime keeps one authenticated websocket to the server open,
// reconnecting with exponential backoff when it drops.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
)

// State of the channel
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	// ErrReconnectExhausted is returned by Run once the attempt ceiling is hit
	ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")
	// ErrSessionRejected is returned by Run when the server closes the socket
	// because the session was refused or revoked and the token source still
	// holds that session.
	ErrSessionRejected = errors.New("realtime: session rejected")
	// ErrNotConnected is returned by Send while no socket is open
	ErrNotConnected = errors.New("realtime: not connected")
)

const (
	defaultBaseDelay    = time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMaxAttempts  = 10
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	maxFrameBytes       = 64 << 10
)

// TokenSource supplies the session token sent in the auth frame
type TokenSource interface {
	Load() (string, bool)
}

// Config tunes the manager. Zero values select defaults.
type Config struct {
	URL          string
	Tokens       TokenSource
	HTTPClient   *http.Client
	BaseDelay    time.Duration // first reconnect delay, doubled per attempt
	MaxDelay     time.Duration
	MaxAttempts  int // consecutive failed reconnects before giving up
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration // negative disables keepalive pings
	Logger       *slog.Logger
	OnState      func(State)
}

// Manager owns the realtime connection
type Manager struct {
	cfg       Config
	log       *slog.Logger
	listeners registry

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	attempts int
	backoff  *backoff.ExponentialBackOff
	sent     string // token of the last auth frame

	wait func(ctx context.Context, d time.Duration) error
}

// New creates a disconnected manager
func New(cfg Config) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.MaxDelay,
	}
	b.Reset()

	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "realtime"),
		backoff: b,
		wait:    sleep,
	}
}

// Subscribe registers fn for frames of type typ; an empty typ receives every
// frame. The returned func unsubscribes and may be called from inside fn.
func (m *Manager) Subscribe(typ string, fn Listener) (unsubscribe func()) {
	return m.listeners.add(typ, fn)
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive failed reconnects
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()

	if changed {
		m.log.Debug("realtime.state", "state", s)
		if m.cfg.OnState != nil {
			m.cfg.OnState(s)
		}
	}
}

// Run connects and keeps reconnecting until ctx ends, the attempt ceiling is
// reached or the server rejects the current session. A rejection of a token
// that has since been replaced, e.g. by a refresh, reconnects right away.
func (m *Manager) Run(ctx context.Context) error {
	defer m.setState(StateDisconnected)

	for {
		err := m.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrSessionRejected) {
			if !m.tokenReplaced() {
				m.log.Warn("realtime.session.rejected", "err", err)
				return err
			}
			m.log.Info("realtime.session.replaced")
			continue
		}

		delay, ok := m.nextDelay()
		if !ok {
			m.log.Error("realtime.reconnect.exhausted", "attempts", m.cfg.MaxAttempts, "err", err)
			return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
		}
		m.log.Warn("realtime.reconnect.scheduled", "in", delay, "attempt", m.Attempts(), "err", err)

		if err := m.wait(ctx, delay); err != nil {
			return nil
		}
	}
}

// tokenReplaced reports whether the token source now holds a different token
// than the one the last socket authenticated with
func (m *Manager) tokenReplaced() bool {
	if m.cfg.Tokens == nil {
		return false
	}
	tok, ok := m.cfg.Tokens.Load()
	m.mu.Lock()
	defer m.mu.Unlock()
	return ok && m.sent != "" && tok != m.sent
}

func (m *Manager) nextDelay() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts >= m.cfg.MaxAttempts {
		return 0, false
	}
	m.attempts++
	return m.backoff.NextBackOff(), true
}

func (m *Manager) resetAttempts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = 0
	m.backoff.Reset()
}

func (m *Manager) connectOnce(ctx context.Context) error {
	m.setState(StateConnecting)

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dctx, m.cfg.URL, &websocket.DialOptions{HTTPClient: m.cfg.HTTPClient})
	cancel()
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.resetAttempts()
	m.setState(StateConnected)
	m.log.Info("realtime.connected", "url", m.cfg.URL)

	err = m.serve(ctx, conn)

	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
	_ = conn.CloseNow()
	m.setState(StateDisconnected)
	return err
}

func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := m.authenticate(sctx, conn); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	if m.cfg.PingInterval > 0 {
		go m.keepalive(sctx, conn)
	}

	for {
		_, data, err := conn.Read(sctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return fmt.Errorf("%w: %v", ErrSessionRejected, err)
			}
			return err
		}

		var head typedFrame
		if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
			m.log.Warn("realtime.frame.invalid", "err", err)
			continue
		}
		m.listeners.dispatch(Frame{Type: head.Type, Raw: data})
	}
}

// authenticate sends the auth frame when a session token is present
func (m *Manager) authenticate(ctx context.Context, conn *websocket.Conn) error {
	if m.cfg.Tokens == nil {
		return nil
	}
	tok, ok := m.cfg.Tokens.Load()
	if !ok {
		m.log.Debug("realtime.auth.skipped")
		return nil
	}
	if err := m.write(ctx, conn, authFrame{Type: TypeAuth, Token: tok}); err != nil {
		return err
	}
	m.mu.Lock()
	m.sent = tok
	m.mu.Unlock()
	return nil
}

// Reauthenticate resends the auth frame on the open socket, e.g. after the
// session was refreshed.
func (m *Manager) Reauthenticate(ctx context.Context) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return m.authenticate(ctx, conn)
}

// Send writes v as a JSON frame on the open socket
func (m *Manager) Send(ctx context.Context, v any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return m.write(ctx, conn, v)
}

func (m *Manager) write(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (m *Manager) keepalive(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(m.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.write(ctx, conn, typedFrame{Type: TypePing}); err != nil {
				m.log.Debug("realtime.ping.fail", "err", err)
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
