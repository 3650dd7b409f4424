package core

import (
	"errors"
	"fmt"
)

// Ceremony errors. Terminal for the current attempt and never retried.
var (
	ErrChallengeExpired        = errors.New("challenge has expired")
	ErrChallengeNotFound       = errors.New("challenge not found")
	ErrChallengeAlreadyUsed    = errors.New("challenge already used")
	ErrChallengeMismatch       = errors.New("challenge mismatch")
	ErrSignatureInvalid        = errors.New("invalid signature")
	ErrCounterReplay           = errors.New("sign counter replay")
	ErrCanceled                = errors.New("ceremony canceled")
	ErrUnsupported             = errors.New("authenticator not supported")
	ErrSecurityContextInvalid  = errors.New("insecure context")
	ErrCeremonyNotFound        = errors.New("ceremony not found")
	ErrCeremonyAlreadyComplete = errors.New("ceremony already completed")
)

// Session errors. Require a fresh ceremony.
var (
	// ErrMalformedToken is wrapped by every local format failure
	ErrMalformedToken       = errors.New("malformed token")
	ErrTokenEmpty           = fmt.Errorf("%w: empty", ErrMalformedToken)
	ErrWrongSegmentCount    = fmt.Errorf("%w: must have three segments", ErrMalformedToken)
	ErrMalformedHeader      = fmt.Errorf("%w: bad header", ErrMalformedToken)
	ErrMalformedClaims      = fmt.Errorf("%w: bad claims", ErrMalformedToken)
	ErrMissingSignature     = fmt.Errorf("%w: signature is missing", ErrMalformedToken)
	ErrTokenExpired         = errors.New("token has expired")
	ErrTokenRevoked         = errors.New("token has been revoked")
	ErrSignatureMismatch    = errors.New("token signature mismatch")
	ErrAuthorityUnavailable = errors.New("session authority unavailable")
)

// Persistence errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Stage identifies which step of a ceremony failed
type Stage string

const (
	StageChallenge    Stage = "challenge"
	StageDevice       Stage = "device"
	StageVerification Stage = "verification"
)

// CeremonyError wraps a ceremony failure with the stage it happened in
type CeremonyError struct {
	Stage Stage
	Err   error
}

func (e *CeremonyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *CeremonyError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage recorded on err, or "" when err is not a ceremony error
func StageOf(err error) Stage {
	var ce *CeremonyError
	if errors.As(err, &ce) {
		return ce.Stage
	}
	return ""
}

// Code returns a stable machine-readable code for the known sentinels
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrChallengeExpired), errors.Is(err, ErrCeremonyNotFound), errors.Is(err, ErrChallengeNotFound):
		return "challenge_expired"
	case errors.Is(err, ErrChallengeAlreadyUsed), errors.Is(err, ErrCeremonyAlreadyComplete):
		return "already_used"
	case errors.Is(err, ErrChallengeMismatch):
		return "challenge_mismatch"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrCounterReplay):
		return "counter_replay"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, ErrSecurityContextInvalid):
		return "security_context_invalid"
	case errors.Is(err, ErrMalformedToken):
		return "malformed_token"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature_mismatch"
	case errors.Is(err, ErrAuthorityUnavailable):
		return "network_unavailable"
	default:
		return "internal"
	}
}

var codes = map[string]error{
	"challenge_expired":        ErrChallengeExpired,
	"already_used":             ErrChallengeAlreadyUsed,
	"challenge_mismatch":       ErrChallengeMismatch,
	"signature_invalid":        ErrSignatureInvalid,
	"counter_replay":           ErrCounterReplay,
	"canceled":                 ErrCanceled,
	"unsupported":              ErrUnsupported,
	"security_context_invalid": ErrSecurityContextInvalid,
	"malformed_token":          ErrMalformedToken,
	"expired":                  ErrTokenExpired,
	"revoked":                  ErrTokenRevoked,
	"signature_mismatch":       ErrSignatureMismatch,
	"network_unavailable":      ErrAuthorityUnavailable,
}

// FromCode maps a machine code back to its sentinel, or nil when unknown
func FromCode(code string) error {
	return codes[code]
}
