package verifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/ports"
)

// Config describes the relying party
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

// DeriveConfig extracts rpID and rpOrigins from a base URL.
// Returns localhost defaults if URL is empty or invalid.
func DeriveConfig(baseURL string) (rpID string, rpOrigins []string) {
	rpID = "localhost"
	rpOrigins = []string{"http://localhost", "https://localhost"}

	if baseURL == "" {
		return rpID, rpOrigins
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return rpID, rpOrigins
	}

	host := parsed.Hostname()
	if host == "" {
		return rpID, rpOrigins
	}

	return host, []string{baseURL}
}

// WebAuthn verifies passkey ceremonies with go-webauthn. Challenges come
// from the challenge store; the library never generates its own.
type WebAuthn struct {
	w *webauthn.WebAuthn
}

// NewWebAuthn builds a verifier for the relying party described by cfg
func NewWebAuthn(cfg Config) (*WebAuthn, error) {
	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure webauthn: %w", err)
	}
	return &WebAuthn{w: w}, nil
}

// passkeyUser adapts a user id and its credential to webauthn.User
type passkeyUser struct {
	id          string
	name        string
	credentials []webauthn.Credential
}

func (u *passkeyUser) WebAuthnID() []byte {
	return []byte(u.id)
}

func (u *passkeyUser) WebAuthnName() string {
	return u.name
}

func (u *passkeyUser) WebAuthnDisplayName() string {
	return u.name
}

func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

// RegistrationOptions returns PublicKeyCredentialCreationOptions bound to challenge
func (v *WebAuthn) RegistrationOptions(challenge *core.Challenge, userID string, device core.DeviceInfo) (json.RawMessage, error) {
	nonce, err := decodeNonce(challenge.Nonce)
	if err != nil {
		return nil, err
	}

	name := device.DisplayName
	if name == "" {
		name = userID
	}
	creation, _, err := v.w.BeginRegistration(&passkeyUser{id: userID, name: name},
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			ResidentKey:             protocol.ResidentKeyRequirementRequired,
			UserVerification:        protocol.VerificationPreferred,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to begin registration: %w", err)
	}
	creation.Response.Challenge = protocol.URLEncodedBase64(nonce)

	return json.Marshal(creation)
}

// LoginOptions returns PublicKeyCredentialRequestOptions bound to challenge
func (v *WebAuthn) LoginOptions(challenge *core.Challenge) (json.RawMessage, error) {
	nonce, err := decodeNonce(challenge.Nonce)
	if err != nil {
		return nil, err
	}

	assertion, _, err := v.w.BeginDiscoverableLogin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin login: %w", err)
	}
	assertion.Response.Challenge = protocol.URLEncodedBase64(nonce)

	return json.Marshal(assertion)
}

// VerifyRegistration checks an attestation response and extracts the new credential
func (v *WebAuthn) VerifyRegistration(ctx context.Context, challenge *core.Challenge, userID string, a core.Assertion) (*core.VerifiedCredential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBytes(a.Response)
	if err != nil {
		return nil, fmt.Errorf("%w: parse attestation: %v", core.ErrSignatureInvalid, err)
	}
	if parsed.ID != a.CredentialID {
		return nil, fmt.Errorf("%w: credential id does not match response", core.ErrSignatureInvalid)
	}

	session := webauthn.SessionData{
		Challenge:        challenge.Nonce,
		UserID:           []byte(userID),
		UserVerification: protocol.VerificationPreferred,
	}
	cred, err := v.w.CreateCredential(&passkeyUser{id: userID, name: userID}, session, parsed)
	if err != nil {
		return nil, classify(err)
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	return &core.VerifiedCredential{
		CredentialID:    encodeID(cred.ID),
		PublicKey:       cred.PublicKey,
		Counter:         cred.Authenticator.SignCount,
		AttestationType: cred.AttestationType,
		Transports:      transports,
	}, nil
}

// VerifyLogin checks an assertion response against a stored credential
func (v *WebAuthn) VerifyLogin(ctx context.Context, challenge *core.Challenge, stored *core.Credential, a core.Assertion) (*core.VerifiedCredential, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBytes(a.Response)
	if err != nil {
		return nil, fmt.Errorf("%w: parse assertion: %v", core.ErrSignatureInvalid, err)
	}
	if parsed.ID != a.CredentialID {
		return nil, fmt.Errorf("%w: credential id does not match response", core.ErrSignatureInvalid)
	}

	rawID, err := base64.RawURLEncoding.DecodeString(stored.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("%w: stored credential id: %v", core.ErrSignatureInvalid, err)
	}
	user := &passkeyUser{
		id:   stored.OwnerUserID,
		name: stored.OwnerUserID,
		credentials: []webauthn.Credential{{
			ID:              rawID,
			PublicKey:       stored.PublicKey,
			AttestationType: stored.AttestationType,
			Authenticator:   webauthn.Authenticator{SignCount: stored.SignCount},
		}},
	}

	session := webauthn.SessionData{
		Challenge:        challenge.Nonce,
		UserVerification: protocol.VerificationPreferred,
	}
	_, cred, err := v.w.ValidatePasskeyLogin(func(_, userHandle []byte) (webauthn.User, error) {
		if len(userHandle) > 0 && string(userHandle) != stored.OwnerUserID {
			return nil, errors.New("user handle mismatch")
		}
		return user, nil
	}, session, parsed)
	if err != nil {
		return nil, classify(err)
	}

	return &core.VerifiedCredential{
		CredentialID:    stored.CredentialID,
		PublicKey:       stored.PublicKey,
		Counter:         cred.Authenticator.SignCount,
		AttestationType: stored.AttestationType,
	}, nil
}

// classify maps library errors onto the ceremony taxonomy
func classify(err error) error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		switch perr.Type {
		case protocol.ErrChallengeMismatch.Type:
			return fmt.Errorf("%w: %s", core.ErrChallengeMismatch, perr.Details)
		case protocol.ErrNotImplemented.Type:
			return fmt.Errorf("%w: %s", core.ErrUnsupported, perr.Details)
		}
	}
	return fmt.Errorf("%w: %v", core.ErrSignatureInvalid, err)
}

func decodeNonce(nonce string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid challenge nonce: %w", err)
	}
	return b, nil
}

func encodeID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

var _ ports.Verifier = (*WebAuthn)(nil)
