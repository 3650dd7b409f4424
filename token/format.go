// Package token performs the cheap, local structural checks on session
// tokens. Nothing here touches the network or verifies signatures; a token
// that passes ValidateFormat is well-formed, not trustworthy.
package token

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/layer-3/passkeyd/core"
)

// Header is the decoded first segment of a session token
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
}

// Claims is the decoded second segment of a session token
type Claims struct {
	Subject   string `json:"sub"`
	ID        string `json:"jti,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	Device    string `json:"dfp,omitempty"`
}

// Issued returns the issuance time, zero when absent
func (c Claims) Issued() time.Time {
	if c.IssuedAt == 0 {
		return time.Time{}
	}
	return time.Unix(c.IssuedAt, 0)
}

// Expires returns the expiry time, zero when absent
func (c Claims) Expires() time.Time {
	if c.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(c.ExpiresAt, 0)
}

var parser = jwt.NewParser()

// ValidateFormat checks that raw is three dot-separated segments whose
// header and claims decode as JSON and whose signature is present.
func ValidateFormat(raw string) (Header, Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Header{}, Claims{}, core.ErrTokenEmpty
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Header{}, Claims{}, core.ErrWrongSegmentCount
	}

	var header Header
	headerBytes, err := parser.DecodeSegment(parts[0])
	if err != nil || json.Unmarshal(headerBytes, &header) != nil || header.Alg == "" {
		return Header{}, Claims{}, core.ErrMalformedHeader
	}

	var claims Claims
	claimsBytes, err := parser.DecodeSegment(parts[1])
	if err != nil || json.Unmarshal(claimsBytes, &claims) != nil || claims.Subject == "" {
		return Header{}, Claims{}, core.ErrMalformedClaims
	}

	if parts[2] == "" {
		return Header{}, Claims{}, core.ErrMissingSignature
	}
	if _, err := parser.DecodeSegment(parts[2]); err != nil {
		return Header{}, Claims{}, core.ErrMissingSignature
	}

	return header, claims, nil
}

// Valid is a convenience wrapper around ValidateFormat
func Valid(raw string) bool {
	_, _, err := ValidateFormat(raw)
	return err == nil
}
