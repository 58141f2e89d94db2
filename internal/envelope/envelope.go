package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Frame types carried on the wire between users, servers and peers.
const (
	TypeServerHelloJoin = "SERVER_HELLO_JOIN"
	TypeServerWelcome   = "SERVER_WELCOME"
	TypeServerAnnounce  = "SERVER_ANNOUNCE"
	TypeHeartbeat       = "HEARTBEAT"
	TypeUserAdvertise   = "USER_ADVERTISE"
	TypeUserRemove      = "USER_REMOVE"
	TypeHello           = "HELLO"
	TypeError           = "ERROR"
	TypeMsgDirect       = "MSG_DIRECT"
	TypeMsgPublic       = "MSG_PUBLIC_CHANNEL"
	TypeUserDeliver     = "USER_DELIVER"
	TypePeerDeliver     = "PEER_DELIVER"
	TypeFileStart       = "FILE_START"
	TypeFileChunk       = "FILE_CHUNK"
	TypeFileEnd         = "FILE_END"
)

// Error codes surfaced back to the immediate sender of a bad frame.
const (
	CodeNameInUse        = "NAME_IN_USE"
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeUnknownType      = "UNKNOWN_TYPE"
	CodeUserOffline      = "USER_OFFLINE"
	CodeUnknownUser      = "UNKNOWN_USER"
)

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrInvalidSignature = errors.New("invalid signature")
)

var knownTypes = map[string]struct{}{
	TypeServerHelloJoin: {},
	TypeServerWelcome:   {},
	TypeServerAnnounce:  {},
	TypeHeartbeat:       {},
	TypeUserAdvertise:   {},
	TypeUserRemove:      {},
	TypeHello:           {},
	TypeError:           {},
	TypeMsgDirect:       {},
	TypeMsgPublic:       {},
	TypeUserDeliver:     {},
	TypePeerDeliver:     {},
	TypeFileStart:       {},
	TypeFileChunk:       {},
	TypeFileEnd:         {},
}

// Envelope is the signed, typed unit of protocol communication. The signature
// covers (type, from, payload); To and ID ride outside the signed region so a
// relay can deduplicate without touching the signed bytes.
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	ID      string          `json:"id,omitempty"`
	Ts      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
	Sig     string          `json:"sig,omitempty"`
}

// New builds an unsigned envelope with a fresh UUIDv4 id and current
// timestamp. The payload is marshalled immediately so a bad payload fails at
// build time rather than on the write path.
func New(frameType, from, to string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &Envelope{
		Type:    frameType,
		From:    from,
		To:      to,
		ID:      uuid.NewString(),
		Ts:      time.Now().UnixMilli(),
		Payload: raw,
	}, nil
}

// Encode serialises the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses raw bytes into an envelope and checks the outer shape: the
// type must be one of the closed set and from/payload must be present.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if _, ok := knownTypes[env.Type]; !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, env.Type)
	}
	if env.From == "" {
		return nil, fmt.Errorf("%w: missing from", ErrMalformedFrame)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedFrame)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &probe); err != nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformedFrame)
	}
	return &env, nil
}

// SigRequired reports whether a frame type must carry a valid signature
// before any routing decision is made. HELLO and SERVER_HELLO_JOIN are exempt
// because they introduce the sender's key; SERVER_WELCOME is the unsigned half
// of that same exchange, and ERROR replies stay unsigned so a server can
// reject a frame from a sender whose key it never learned.
func SigRequired(frameType string) bool {
	switch frameType {
	case TypeHello, TypeServerHelloJoin, TypeServerWelcome, TypeError:
		return false
	}
	return true
}

// Deduplicated reports whether a frame type is subject to seen-id
// suppression. Flooded frames can loop back through a second path; direct
// frames are included so a retried send cannot deliver twice.
func Deduplicated(frameType string) bool {
	switch frameType {
	case TypeUserAdvertise, TypeUserRemove, TypeMsgDirect, TypeMsgPublic,
		TypeFileStart, TypeFileChunk, TypeFileEnd:
		return true
	}
	return false
}
