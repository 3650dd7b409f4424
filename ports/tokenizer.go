package ports

import "github.com/layer-3/passkeyd/core"

// Tokenizer converts between sessions and signed session tokens
type Tokenizer interface {
	SessionToToken(session *core.Session) (string, error)

	// TokenToSession verifies the signature and expiry of token
	TokenToSession(token string) (*core.Session, error)

	// InspectToken verifies the signature but ignores expiry
	InspectToken(token string) (*core.Session, error)
}
