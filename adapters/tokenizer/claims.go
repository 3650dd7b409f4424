package tokenizer

import "github.com/golang-jwt/jwt/v5"

// SessionClaims combines standard claims with session-specific ones
type SessionClaims struct {
	jwt.RegisteredClaims
	DeviceFingerprint string `json:"dfp,omitempty"` // Fingerprint of the device the session was issued to
}
