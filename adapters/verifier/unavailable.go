package verifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/ports"
)

// Unavailable stands in for a verifier that could not be configured.
// Every call fails with core.ErrUnsupported so ceremonies end cleanly.
type Unavailable struct {
	Reason string
}

func (u Unavailable) err() error {
	if u.Reason == "" {
		return core.ErrUnsupported
	}
	return fmt.Errorf("%w: %s", core.ErrUnsupported, u.Reason)
}

func (u Unavailable) RegistrationOptions(*core.Challenge, string, core.DeviceInfo) (json.RawMessage, error) {
	return nil, u.err()
}

func (u Unavailable) LoginOptions(*core.Challenge) (json.RawMessage, error) {
	return nil, u.err()
}

func (u Unavailable) VerifyRegistration(context.Context, *core.Challenge, string, core.Assertion) (*core.VerifiedCredential, error) {
	return nil, u.err()
}

func (u Unavailable) VerifyLogin(context.Context, *core.Challenge, *core.Credential, core.Assertion) (*core.VerifiedCredential, error) {
	return nil, u.err()
}

var _ ports.Verifier = Unavailable{}
