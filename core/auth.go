package core

import (
	"encoding/json"
	"time"
)

// Purpose tells which ceremony a challenge was issued for
type Purpose string

const (
	PurposeRegister Purpose = "register"
	PurposeLogin    Purpose = "login"
)

// Challenge is a single-use random value bound to one ceremony
type Challenge struct {
	ID        string    // Unique identifier for the challenge
	Nonce     string    // base64url random value the authenticator signs over
	Purpose   Purpose   // Register or Login
	IssuedAt  time.Time // When the challenge was created
	ExpiresAt time.Time // When the challenge expires
	UserHint  string    // Optional user the challenge is bound to
}

// Expired reports whether the challenge can no longer be accepted at now
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// CeremonyState is the state of one ceremony attempt
type CeremonyState string

const (
	StateChallengeIssued   CeremonyState = "challenge_issued"
	StateAssertionReceived CeremonyState = "assertion_received"
	StateVerified          CeremonyState = "verified"
	StateCompleted         CeremonyState = "completed"
	StateFailed            CeremonyState = "failed"
)

// Terminal reports whether no further transition is possible
func (s CeremonyState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// DeviceInfo describes the client device starting a ceremony
type DeviceInfo struct {
	Label       string `json:"label,omitempty"`
	Platform    string `json:"platform,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// PendingCeremony tracks a ceremony between start and completion
type PendingCeremony struct {
	ID          string
	ChallengeID string
	Purpose     Purpose
	State       CeremonyState
	Device      DeviceInfo
	UserID      string // pre-allocated user id for registration ceremonies
	Failure     string // failure code once State is Failed
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Assertion is what the client returns after the authenticator interaction
type Assertion struct {
	CredentialID string          `json:"credentialId"`
	Challenge    string          `json:"challenge"`
	Counter      uint32          `json:"counter"`
	Response     json.RawMessage `json:"response,omitempty"`
}

// VerifiedCredential is the result of a successful verification
type VerifiedCredential struct {
	CredentialID    string
	PublicKey       []byte
	Counter         uint32
	AttestationType string
	Transports      []string
}

// Credential is the public-key record bound to one authenticator and one user
type Credential struct {
	CredentialID    string
	PublicKey       []byte
	SignCount       uint32
	DeviceLabel     string
	OwnerUserID     string
	AttestationType string
	Transports      []string
	CreatedAt       time.Time
	LastUsedAt      time.Time
}

// User is created on the first successful registration ceremony
type User struct {
	ID          string
	DID         string
	DisplayName string
	CreatedAt   time.Time
}

// Session represents an authenticated user session
type Session struct {
	ID                string    // Unique session identifier, also the token JTI
	Token             string    // Signed session token
	UserID            string    // Owner of the session
	IssuedAt          time.Time // When the session was created
	ExpiresAt         time.Time // When the session expires
	LastUsedAt        time.Time // Last authoritative validation
	DeviceFingerprint string    // Fingerprint of the device the ceremony ran on
}

// Valid reports whether the session has not yet expired at now
func (s *Session) Valid(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// Action is the outcome kind of a completed ceremony
type Action string

const (
	ActionRegister Action = "register"
	ActionLogin    Action = "login"
)

// SessionGrant is returned by a successful ceremony completion
type SessionGrant struct {
	Action  Action
	Session *Session
	User    *User
}
