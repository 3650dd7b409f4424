package ports

import (
	"context"
	"encoding/json"

	"github.com/layer-3/passkeyd/core"
)

// Verifier is the trusted platform-authenticator primitive.
//
// Options build the parameters handed to the client authenticator;
// Verify* check the returned response against the challenge.
// Rejections must wrap core.ErrSignatureInvalid, core.ErrChallengeMismatch
// or core.ErrUnsupported.
type Verifier interface {
	RegistrationOptions(challenge *core.Challenge, userID string, device core.DeviceInfo) (json.RawMessage, error)
	LoginOptions(challenge *core.Challenge) (json.RawMessage, error)

	VerifyRegistration(ctx context.Context, challenge *core.Challenge, userID string, assertion core.Assertion) (*core.VerifiedCredential, error)
	VerifyLogin(ctx context.Context, challenge *core.Challenge, cred *core.Credential, assertion core.Assertion) (*core.VerifiedCredential, error)
}
