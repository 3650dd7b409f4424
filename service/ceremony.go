package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/ports"
)

// DefaultCeremonyTTL is the hard expiry of a pending ceremony
const DefaultCeremonyTTL = 5 * time.Minute

// StartResult is handed to the client to drive the authenticator
type StartResult struct {
	CeremonyID string
	Challenge  *core.Challenge
	Options    json.RawMessage
}

// Coordinator drives the register/login ceremony state machine
type Coordinator struct {
	challenges *ChallengeService
	ceremonies ports.CeremonyStore
	repo       ports.Repository
	verifier   ports.Verifier
	sessions   *SessionService
	logger     *slog.Logger
	metrics    *Metrics

	ceremonyTTL time.Duration
	now         func() time.Time
}

// NewCoordinator wires a coordinator from its collaborators
func NewCoordinator(
	challenges *ChallengeService,
	ceremonies ports.CeremonyStore,
	repo ports.Repository,
	verifier ports.Verifier,
	sessions *SessionService,
	ceremonyTTL time.Duration,
	logger *slog.Logger,
	metrics *Metrics,
) *Coordinator {
	if ceremonyTTL <= 0 {
		ceremonyTTL = DefaultCeremonyTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		challenges:  challenges,
		ceremonies:  ceremonies,
		repo:        repo,
		verifier:    verifier,
		sessions:    sessions,
		logger:      logger.With("component", "ceremony"),
		metrics:     metrics,
		ceremonyTTL: ceremonyTTL,
		now:         time.Now,
	}
}

// Start issues a challenge and records a pending ceremony for purpose
func (c *Coordinator) Start(ctx context.Context, purpose core.Purpose, device core.DeviceInfo) (*StartResult, error) {
	challenge, err := c.challenges.Issue(ctx, purpose, "")
	if err != nil {
		return nil, &core.CeremonyError{Stage: core.StageChallenge, Err: err}
	}

	var (
		userID  string
		options json.RawMessage
	)
	switch purpose {
	case core.PurposeRegister:
		userID = ulid.Make().String()
		options, err = c.verifier.RegistrationOptions(challenge, userID, device)
	case core.PurposeLogin:
		options, err = c.verifier.LoginOptions(challenge)
	default:
		return nil, &core.CeremonyError{Stage: core.StageChallenge, Err: fmt.Errorf("%w: purpose %q", core.ErrUnsupported, purpose)}
	}
	if err != nil {
		stage := core.StageChallenge
		if errors.Is(err, core.ErrUnsupported) {
			stage = core.StageDevice
		}
		return nil, &core.CeremonyError{Stage: stage, Err: err}
	}

	now := c.now()
	pending := &core.PendingCeremony{
		ID:          uuid.New().String(),
		ChallengeID: challenge.ID,
		Purpose:     purpose,
		State:       core.StateChallengeIssued,
		Device:      device,
		UserID:      userID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.ceremonyTTL),
	}
	if err := c.ceremonies.Put(ctx, pending); err != nil {
		return nil, &core.CeremonyError{Stage: core.StageChallenge, Err: fmt.Errorf("failed to store ceremony: %w", err)}
	}

	c.logger.Debug("ceremony started", "ceremony_id", pending.ID, "purpose", purpose)
	return &StartResult{
		CeremonyID: pending.ID,
		Challenge:  challenge,
		Options:    options,
	}, nil
}

// Complete verifies the assertion for ceremonyID and issues a session.
// Whatever the outcome, the pending ceremony ends in a terminal state.
func (c *Coordinator) Complete(ctx context.Context, ceremonyID string, assertion core.Assertion) (*core.SessionGrant, error) {
	pending, err := c.ceremonies.Claim(ctx, ceremonyID, c.now())
	if err != nil {
		return nil, claimError(err)
	}

	grant, err := c.complete(ctx, pending, assertion)

	state, failure := core.StateCompleted, ""
	if err != nil {
		state, failure = core.StateFailed, core.Code(err)
	}
	if ferr := c.ceremonies.Finish(context.WithoutCancel(ctx), pending.ID, state, failure); ferr != nil {
		c.logger.Error("failed to finish ceremony", "ceremony_id", pending.ID, "error", ferr)
	}
	c.metrics.observeCeremony(pending.Purpose, err)

	if err != nil {
		c.logger.Info("ceremony failed", "ceremony_id", pending.ID, "stage", core.StageOf(err), "error", err)
		return nil, err
	}
	c.logger.Info("ceremony completed", "ceremony_id", pending.ID, "action", grant.Action, "user_id", grant.User.ID)
	return grant, nil
}

func (c *Coordinator) complete(ctx context.Context, pending *core.PendingCeremony, assertion core.Assertion) (*core.SessionGrant, error) {
	if ctx.Err() != nil {
		return nil, &core.CeremonyError{Stage: core.StageDevice, Err: core.ErrCanceled}
	}

	challenge, err := c.challenges.Consume(ctx, pending.ChallengeID)
	if err != nil {
		return nil, claimError(err)
	}
	if assertion.Challenge != challenge.Nonce {
		return nil, &core.CeremonyError{Stage: core.StageVerification, Err: core.ErrChallengeMismatch}
	}

	cred, err := c.repo.GetCredential(ctx, assertion.CredentialID)
	switch {
	case err == nil:
		return c.login(ctx, pending, challenge, cred, assertion)
	case errors.Is(err, core.ErrNotFound):
		return c.register(ctx, pending, challenge, assertion)
	default:
		return nil, fmt.Errorf("failed to look up credential: %w", err)
	}
}

func (c *Coordinator) login(ctx context.Context, pending *core.PendingCeremony, challenge *core.Challenge, cred *core.Credential, assertion core.Assertion) (*core.SessionGrant, error) {
	verified, err := c.verifier.VerifyLogin(ctx, challenge, cred, assertion)
	if err != nil {
		return nil, verificationError(ctx, err)
	}
	if verified.CredentialID != cred.CredentialID {
		return nil, &core.CeremonyError{Stage: core.StageVerification, Err: core.ErrSignatureInvalid}
	}
	if verified.Counter <= cred.SignCount {
		return nil, &core.CeremonyError{Stage: core.StageVerification, Err: core.ErrCounterReplay}
	}
	if err := c.markVerified(ctx, pending); err != nil {
		return nil, err
	}

	if err := c.repo.AdvanceSignCount(ctx, cred.CredentialID, verified.Counter, c.now()); err != nil {
		if errors.Is(err, core.ErrCounterReplay) {
			return nil, &core.CeremonyError{Stage: core.StageVerification, Err: err}
		}
		return nil, fmt.Errorf("failed to update sign counter: %w", err)
	}

	user, err := c.repo.GetUser(ctx, cred.OwnerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential owner: %w", err)
	}

	session, err := c.sessions.Issue(ctx, user.ID, pending.Device.Fingerprint)
	if err != nil {
		return nil, err
	}
	return &core.SessionGrant{Action: core.ActionLogin, Session: session, User: user}, nil
}

func (c *Coordinator) register(ctx context.Context, pending *core.PendingCeremony, challenge *core.Challenge, assertion core.Assertion) (*core.SessionGrant, error) {
	userID := pending.UserID
	if userID == "" {
		userID = ulid.Make().String()
	}

	verified, err := c.verifier.VerifyRegistration(ctx, challenge, userID, assertion)
	if err != nil {
		return nil, verificationError(ctx, err)
	}
	if verified.CredentialID != assertion.CredentialID {
		return nil, &core.CeremonyError{Stage: core.StageVerification, Err: core.ErrSignatureInvalid}
	}
	if err := c.markVerified(ctx, pending); err != nil {
		return nil, err
	}

	now := c.now()
	displayName := pending.Device.DisplayName
	if displayName == "" {
		displayName = pending.Device.Label
	}
	user := &core.User{
		ID:          userID,
		DID:         "did:passkeyd:" + userID,
		DisplayName: displayName,
		CreatedAt:   now,
	}
	cred := &core.Credential{
		CredentialID:    verified.CredentialID,
		PublicKey:       verified.PublicKey,
		SignCount:       verified.Counter,
		DeviceLabel:     pending.Device.Label,
		OwnerUserID:     userID,
		AttestationType: verified.AttestationType,
		Transports:      verified.Transports,
		CreatedAt:       now,
		LastUsedAt:      now,
	}

	if err := c.repo.CreateUserWithCredential(ctx, user, cred); err != nil {
		if errors.Is(err, core.ErrAlreadyExists) {
			return nil, &core.CeremonyError{
				Stage: core.StageVerification,
				Err:   fmt.Errorf("%w: credential already registered", core.ErrSignatureInvalid),
			}
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	session, err := c.sessions.Issue(ctx, user.ID, pending.Device.Fingerprint)
	if err != nil {
		return nil, err
	}
	return &core.SessionGrant{Action: core.ActionRegister, Session: session, User: user}, nil
}

// markVerified commits the ceremony before any user, credential or session
// is written. It fails with Canceled when a cancel got there first.
func (c *Coordinator) markVerified(ctx context.Context, pending *core.PendingCeremony) error {
	err := c.ceremonies.Transition(ctx, pending.ID, []core.CeremonyState{core.StateAssertionReceived}, core.StateVerified, "")
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrCeremonyAlreadyComplete):
		return &core.CeremonyError{Stage: core.StageDevice, Err: core.ErrCanceled}
	default:
		return claimError(err)
	}
}

var cancelable = []core.CeremonyState{core.StateChallengeIssued, core.StateAssertionReceived}

// Cancel ends a pending ceremony as Failed(Canceled) and retires its challenge.
// Canceling a failed ceremony is a no-op; a ceremony that already passed
// verification cannot be canceled and yields ErrCeremonyAlreadyComplete.
func (c *Coordinator) Cancel(ctx context.Context, ceremonyID string) error {
	pending, err := c.ceremonies.Get(ctx, ceremonyID, c.now())
	if err != nil {
		return claimError(err)
	}
	if done, err := cancelOutcome(pending.State); done {
		return err
	}

	err = c.ceremonies.Transition(ctx, pending.ID, cancelable, core.StateFailed, core.Code(core.ErrCanceled))
	if errors.Is(err, core.ErrCeremonyAlreadyComplete) {
		current, gerr := c.ceremonies.Get(ctx, ceremonyID, c.now())
		if gerr != nil {
			return claimError(gerr)
		}
		_, err = cancelOutcome(current.State)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to cancel ceremony: %w", err)
	}
	if _, err := c.challenges.Consume(ctx, pending.ChallengeID); err != nil {
		c.logger.Debug("challenge already retired", "ceremony_id", pending.ID, "error", err)
	}
	c.metrics.observeCeremony(pending.Purpose, core.ErrCanceled)
	c.logger.Info("ceremony canceled", "ceremony_id", pending.ID)
	return nil
}

// cancelOutcome reports whether a ceremony in state is past canceling and
// what Cancel returns for it
func cancelOutcome(state core.CeremonyState) (bool, error) {
	switch state {
	case core.StateFailed:
		return true, nil
	case core.StateVerified, core.StateCompleted:
		return true, &core.CeremonyError{Stage: core.StageChallenge, Err: core.ErrCeremonyAlreadyComplete}
	default:
		return false, nil
	}
}

// Status returns the current state of a ceremony
func (c *Coordinator) Status(ctx context.Context, ceremonyID string) (*core.PendingCeremony, error) {
	pending, err := c.ceremonies.Get(ctx, ceremonyID, c.now())
	if err != nil {
		return nil, claimError(err)
	}
	return pending, nil
}

// claimError maps store lookups onto challenge-stage ceremony errors
func claimError(err error) error {
	switch {
	case errors.Is(err, core.ErrCeremonyNotFound),
		errors.Is(err, core.ErrChallengeNotFound),
		errors.Is(err, core.ErrChallengeExpired):
		return &core.CeremonyError{Stage: core.StageChallenge, Err: core.ErrChallengeExpired}
	case errors.Is(err, core.ErrCeremonyAlreadyComplete),
		errors.Is(err, core.ErrChallengeAlreadyUsed):
		return &core.CeremonyError{Stage: core.StageChallenge, Err: core.ErrChallengeAlreadyUsed}
	default:
		return fmt.Errorf("failed to load ceremony: %w", err)
	}
}

func verificationError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil, errors.Is(err, core.ErrCanceled):
		return &core.CeremonyError{Stage: core.StageDevice, Err: core.ErrCanceled}
	case errors.Is(err, core.ErrUnsupported):
		return &core.CeremonyError{Stage: core.StageDevice, Err: err}
	case errors.Is(err, core.ErrChallengeMismatch):
		return &core.CeremonyError{Stage: core.StageVerification, Err: err}
	default:
		if !errors.Is(err, core.ErrSignatureInvalid) {
			err = fmt.Errorf("%w: %v", core.ErrSignatureInvalid, err)
		}
		return &core.CeremonyError{Stage: core.StageVerification, Err: err}
	}
}
