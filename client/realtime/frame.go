package realtime

import "encoding/json"

// Frame types the manager itself understands. Any other type is an
// application event and only reaches subscribers.
const (
	TypeAuth           = "auth"
	TypeAuthOK         = "auth_ok"
	TypeAuthError      = "auth_error"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeSessionRevoked = "session_revoked"
)

// Frame is an inbound message. Raw holds the whole frame so listeners can
// decode the fields they care about.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the whole frame into v
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}

type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type typedFrame struct {
	Type string `json:"type"`
}
