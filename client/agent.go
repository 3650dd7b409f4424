// Package client ties the client-side pieces together: it drives passkey
// ceremonies against the server, keeps the resulting session in the
// session store and exposes restore and logout for an application.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/layer-3/passkeyd/client/sessionstore"
	"github.com/layer-3/passkeyd/client/transport"
	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/token"
)

// ErrNoSession is returned when no session is stored
var ErrNoSession = errors.New("no stored session")

// Ceremony is handed to the Authenticator to drive the device
type Ceremony struct {
	ID        string
	Purpose   core.Purpose
	Challenge string // base64url nonce the authenticator signs over
	Options   json.RawMessage
	ExpiresAt time.Time
}

// Authenticator performs the device interaction of a ceremony. Returning
// an error wrapping core.ErrCanceled reports that the user backed out.
type Authenticator interface {
	Authenticate(ctx context.Context, c Ceremony) (core.Assertion, error)
}

// AuthenticatorFunc adapts a function to Authenticator
type AuthenticatorFunc func(ctx context.Context, c Ceremony) (core.Assertion, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, c Ceremony) (core.Assertion, error) {
	return f(ctx, c)
}

// User is the account as the server reports it
type User struct {
	ID          string    `json:"id"`
	DID         string    `json:"did"`
	DisplayName string    `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Grant is the outcome of a completed ceremony
type Grant struct {
	Action    core.Action
	User      User
	ExpiresAt time.Time
}

type session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type startResponse struct {
	CeremonyID string          `json:"ceremonyId"`
	Options    json.RawMessage `json:"ceremonyOptions"`
	Challenge  struct {
		Nonce     string    `json:"nonce"`
		ExpiresAt time.Time `json:"expiresAt"`
	} `json:"challenge"`
}

type grantResponse struct {
	Action  core.Action `json:"action"`
	Session session     `json:"session"`
	User    User        `json:"user"`
}

type errorBody struct {
	Code  string     `json:"code"`
	Stage core.Stage `json:"stage"`
}

// Agent is the application-facing client
type Agent struct {
	http   *transport.Client
	store  *sessionstore.Store
	auth   Authenticator
	device core.DeviceInfo
	log    *slog.Logger
}

// NewAgent wires an agent. device is sent with every ceremony start.
func NewAgent(client *transport.Client, store *sessionstore.Store, auth Authenticator, device core.DeviceInfo, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		http:   client,
		store:  store,
		auth:   auth,
		device: device,
		log:    logger.With("component", "agent"),
	}
}

// Register runs a registration ceremony and stores the new session
func (a *Agent) Register(ctx context.Context) (*Grant, error) {
	return a.ceremony(ctx, core.PurposeRegister)
}

// Login runs a login ceremony and stores the new session
func (a *Agent) Login(ctx context.Context) (*Grant, error) {
	return a.ceremony(ctx, core.PurposeLogin)
}

func (a *Agent) ceremony(ctx context.Context, purpose core.Purpose) (*Grant, error) {
	var start startResponse
	if err := a.call(ctx, http.MethodPost, "/auth/"+string(purpose)+"/start", true,
		map[string]any{"deviceInfo": a.device}, &start); err != nil {
		return nil, remoteError(err, core.StageChallenge)
	}

	assertion, err := a.auth.Authenticate(ctx, Ceremony{
		ID:        start.CeremonyID,
		Purpose:   purpose,
		Challenge: start.Challenge.Nonce,
		Options:   start.Options,
		ExpiresAt: start.Challenge.ExpiresAt,
	})
	if err != nil {
		a.cancel(ctx, start.CeremonyID)
		if ctx.Err() != nil || errors.Is(err, core.ErrCanceled) {
			return nil, &core.CeremonyError{Stage: core.StageDevice, Err: core.ErrCanceled}
		}
		if !errors.Is(err, core.ErrUnsupported) && !errors.Is(err, core.ErrSecurityContextInvalid) {
			err = fmt.Errorf("%w: %v", core.ErrUnsupported, err)
		}
		return nil, &core.CeremonyError{Stage: core.StageDevice, Err: err}
	}

	var grant grantResponse
	if err := a.call(ctx, http.MethodPost, "/auth/"+string(purpose)+"/complete", true, map[string]any{
		"ceremonyId": start.CeremonyID,
		"assertion":  assertion,
	}, &grant); err != nil {
		return nil, remoteError(err, core.StageVerification)
	}

	if err := a.store.Save(grant.Session.Token); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	a.http.Purge()
	a.log.Info("ceremony completed", "action", grant.Action, "user_id", grant.User.ID)

	return &Grant{Action: grant.Action, User: grant.User, ExpiresAt: grant.Session.ExpiresAt}, nil
}

// cancel tells the server the ceremony was abandoned. Best effort.
func (a *Agent) cancel(ctx context.Context, ceremonyID string) {
	ctx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer done()
	if err := a.call(ctx, http.MethodPost, "/auth/ceremony/cancel", true,
		map[string]string{"ceremonyId": ceremonyID}, nil); err != nil {
		a.log.Warn("failed to cancel ceremony", "ceremony_id", ceremonyID, "error", err)
	}
}

// Restore checks the stored session: locally first, then with the server.
// Sessions the server rejects are cleared. When the server cannot be
// reached the session is kept and core.ErrAuthorityUnavailable is returned.
func (a *Agent) Restore(ctx context.Context) (*User, error) {
	tok, ok := a.store.Load()
	if !ok {
		return nil, ErrNoSession
	}
	if err := a.validateFormat(tok); err != nil {
		return nil, err
	}

	var res struct {
		Valid bool   `json:"valid"`
		Code  string `json:"code"`
		User  *User  `json:"user"`
	}
	req, err := transport.JSONRequest(http.MethodPost, "/auth/session/restore", map[string]string{"token": tok})
	if err != nil {
		return nil, err
	}
	req.NoAuth = true
	req.Idempotent = true

	resp, err := a.http.Do(ctx, req)
	if err != nil {
		if transport.IsClass(err, transport.ClassClientError) || transport.IsClass(err, transport.ClassUnauthorized) {
			return nil, err
		}
		a.log.Info("session kept, authority unreachable", "error", err)
		return nil, fmt.Errorf("%w: %v", core.ErrAuthorityUnavailable, err)
	}
	if resp.Degraded {
		return nil, fmt.Errorf("%w: degraded response", core.ErrAuthorityUnavailable)
	}
	if err := resp.JSON(&res); err != nil {
		return nil, fmt.Errorf("failed to decode restore response: %w", err)
	}

	if !res.Valid || res.User == nil {
		a.store.Clear()
		if sentinel := core.FromCode(res.Code); sentinel != nil {
			return nil, sentinel
		}
		return nil, core.ErrTokenRevoked
	}
	return res.User, nil
}

// Refresh swaps the stored session for a new one
func (a *Agent) Refresh(ctx context.Context) error {
	tok, ok := a.store.Load()
	if !ok {
		return ErrNoSession
	}
	if err := a.validateFormat(tok); err != nil {
		return err
	}

	var res struct {
		Session session `json:"session"`
	}
	if err := a.call(ctx, http.MethodPost, "/auth/session/refresh", false, map[string]string{"token": tok}, &res); err != nil {
		return remoteError(err, "")
	}
	if err := a.store.Save(res.Session.Token); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	a.http.Purge()
	return nil
}

// Logout revokes the session on the server and always forgets it locally.
// A failed revocation is returned after the local session is gone.
func (a *Agent) Logout(ctx context.Context) error {
	tok, ok := a.store.Load()
	if !ok {
		return nil
	}

	err := a.call(ctx, http.MethodPost, "/auth/logout", false, map[string]string{"token": tok}, nil)
	a.store.Clear()
	a.http.Purge()

	if err != nil {
		a.log.Warn("remote logout failed, session cleared locally", "error", err)
		return fmt.Errorf("remote logout: %w", err)
	}
	return nil
}

// Me returns the signed-in user
func (a *Agent) Me(ctx context.Context) (*User, error) {
	var res struct {
		User User `json:"user"`
	}
	if err := a.call(ctx, http.MethodGet, "/api/me", false, nil, &res); err != nil {
		return nil, remoteError(err, "")
	}
	return &res.User, nil
}

// Token returns the stored session token
func (a *Agent) Token() (string, bool) {
	return a.store.Load()
}

func (a *Agent) validateFormat(tok string) error {
	if _, _, err := token.ValidateFormat(tok); err != nil {
		a.log.Warn("stored session malformed, clearing", "error", err)
		a.store.Clear()
		return err
	}
	return nil
}

func (a *Agent) request(ctx context.Context, method, path string, noAuth bool, body any) (*transport.Response, error) {
	req, err := transport.JSONRequest(method, path, body)
	if err != nil {
		return nil, err
	}
	req.NoAuth = noAuth
	return a.http.Do(ctx, req)
}

func (a *Agent) call(ctx context.Context, method, path string, noAuth bool, body, out any) error {
	resp, err := a.request(ctx, method, path, noAuth, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := resp.JSON(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// remoteError turns a server error body back into the shared sentinels
func remoteError(err error, fallback core.Stage) error {
	var terr *transport.Error
	if !errors.As(err, &terr) || len(terr.Body) == 0 {
		return err
	}
	var body errorBody
	if json.Unmarshal(terr.Body, &body) != nil {
		return err
	}
	sentinel := core.FromCode(body.Code)
	if sentinel == nil {
		return err
	}

	wrapped := fmt.Errorf("%w: %w", sentinel, terr)
	stage := body.Stage
	if stage == "" {
		stage = fallback
	}
	if stage == "" || sentinel == core.ErrAuthorityUnavailable || !isCeremonyCode(body.Code) {
		return wrapped
	}
	return &core.CeremonyError{Stage: stage, Err: wrapped}
}

func isCeremonyCode(code string) bool {
	switch code {
	case "challenge_expired", "already_used", "challenge_mismatch", "signature_invalid",
		"counter_replay", "canceled", "unsupported", "security_context_invalid":
		return true
	}
	return false
}
