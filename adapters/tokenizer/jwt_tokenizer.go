package tokenizer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/ports"
)

const AudienceSession = "session:access"

// JWTTokenizer implements the Tokenizer interface using ES256 JWTs
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
	now     func() time.Time
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey) ports.Tokenizer {
	return NewJWTTokenizerWithClock(signKey, time.Now)
}

// NewJWTTokenizerWithClock creates a JWT tokenizer that validates expiry against now
func NewJWTTokenizerWithClock(signKey *ecdsa.PrivateKey, now func() time.Time) *JWTTokenizer {
	return &JWTTokenizer{signKey: signKey, now: now}
}

// SessionToToken converts a Session to a signed JWT
func (j *JWTTokenizer) SessionToToken(session *core.Session) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.UserID,
			ID:        session.ID,
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(session.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceSession},
		},
		DeviceFingerprint: session.DeviceFingerprint,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	return signedToken, nil
}

// TokenToSession verifies a session token and returns the session it encodes
func (j *JWTTokenizer) TokenToSession(tokenStr string) (*core.Session, error) {
	return j.parse(tokenStr, jwt.WithTimeFunc(j.now))
}

// InspectToken verifies the signature of a token without checking its expiry
func (j *JWTTokenizer) InspectToken(tokenStr string) (*core.Session, error) {
	return j.parse(tokenStr, jwt.WithoutClaimsValidation())
}

func (j *JWTTokenizer) parse(tokenStr string, opts ...jwt.ParserOption) (*core.Session, error) {
	opts = append(opts, jwt.WithAudience(AudienceSession), jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))

	// Parse token with custom claims
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, opts...)

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %v", core.ErrTokenExpired, err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", core.ErrMalformedClaims, err)
		default:
			return nil, fmt.Errorf("%w: %v", core.ErrSignatureMismatch, err)
		}
	}

	// Validate token
	if !token.Valid {
		return nil, core.ErrSignatureMismatch
	}

	// Extract claims
	claims, ok := token.Claims.(*SessionClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, core.ErrMalformedClaims
	}

	return &core.Session{
		ID:                claims.ID,
		Token:             tokenStr,
		UserID:            claims.Subject,
		IssuedAt:          claims.IssuedAt.Time,
		ExpiresAt:         claims.ExpiresAt.Time,
		DeviceFingerprint: claims.DeviceFingerprint,
	}, nil
}
