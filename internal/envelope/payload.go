package envelope

import (
	"encoding/json"
	"fmt"
)

// HelloPayload opens a user session. Token is only checked when the node is
// configured to require operator-issued tokens.
type HelloPayload struct {
	UserID string `json:"user_id"`
	PubKey string `json:"pubkey"`
	Token  string `json:"token,omitempty"`
}

// HelloAckPayload answers a successful HELLO with the server's identity and
// key so the client can verify later server frames.
type HelloAckPayload struct {
	UserID   string `json:"user_id"`
	ServerID string `json:"server_id"`
	PubKey   string `json:"pubkey"`
}

// ErrorPayload reports a per-frame failure to the immediate sender.
type ErrorPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// PeerDescriptor identifies a reachable mesh server.
type PeerDescriptor struct {
	ServerID string `json:"server_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	PubKey   string `json:"pubkey"`
}

// JoinPayload is sent by a joining server to an introducer.
type JoinPayload struct {
	PeerDescriptor
}

// WelcomePayload lists the introducer's own descriptor plus every peer it
// currently knows, so the joiner can dial the rest of the mesh.
type WelcomePayload struct {
	PeerDescriptor
	Peers []PeerDescriptor `json:"peers"`
}

// AnnouncePayload is broadcast by a server once it has joined. The embedded
// key makes the announce self-certifying: receivers verify the envelope
// signature against it before trusting the descriptor.
type AnnouncePayload struct {
	PeerDescriptor
}

// HeartbeatPayload keeps a peer link alive.
type HeartbeatPayload struct {
	ServerID string `json:"server_id"`
}

// AdvertisePayload gossips that a user is connected to ServerID. The user's
// public key travels with the fact so any server on the mesh can verify
// frames that user signs.
type AdvertisePayload struct {
	UserID   string `json:"user_id"`
	ServerID string `json:"server_id"`
	PubKey   string `json:"pubkey"`
}

// RemovePayload gossips that a user left ServerID.
type RemovePayload struct {
	UserID   string `json:"user_id"`
	ServerID string `json:"server_id"`
}

// ChatPayload carries an opaque ciphertext. Servers relay it untouched.
type ChatPayload struct {
	Ciphertext string `json:"ciphertext"`
}

// DeliverPayload wraps a complete user-signed envelope for the hop between
// servers (PEER_DELIVER) or down to the recipient's client (USER_DELIVER).
type DeliverPayload struct {
	Envelope json.RawMessage `json:"envelope"`
}

// FileStartPayload opens a chunked relay keyed by TransferID.
type FileStartPayload struct {
	TransferID  string `json:"transfer_id"`
	Name        string `json:"name"`
	Size        int64  `json:"size,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	Mime        string `json:"mime,omitempty"`
}

// FileChunkPayload carries one opaque chunk of an active transfer.
type FileChunkPayload struct {
	TransferID string `json:"transfer_id"`
	Index      int    `json:"index"`
	Data       string `json:"data"`
}

// FileEndPayload closes a transfer.
type FileEndPayload struct {
	TransferID  string `json:"transfer_id"`
	TotalChunks int    `json:"total_chunks,omitempty"`
}

// ParsePayload decodes the envelope payload into its typed shape and checks
// the fields that shape requires. Unknown types and missing fields report
// ErrMalformedFrame; the caller must not act on the frame.
func ParsePayload(e *Envelope) (any, error) {
	switch e.Type {
	case TypeHello:
		// The HELLO ack reuses the HELLO frame type; its server_id field
		// tells the two payload shapes apart.
		var ack HelloAckPayload
		if json.Unmarshal(e.Payload, &ack) == nil && ack.ServerID != "" {
			return decodeRequired(e, &ack, func() bool { return ack.UserID != "" && ack.PubKey != "" })
		}
		var p HelloPayload
		return decodeRequired(e, &p, func() bool { return p.UserID != "" && p.PubKey != "" })
	case TypeError:
		var p ErrorPayload
		return decodeRequired(e, &p, func() bool { return p.Code != "" })
	case TypeServerHelloJoin:
		var p JoinPayload
		return decodeRequired(e, &p, func() bool { return p.valid() })
	case TypeServerWelcome:
		var p WelcomePayload
		return decodeRequired(e, &p, func() bool {
			if !p.valid() {
				return false
			}
			for _, d := range p.Peers {
				if !d.valid() {
					return false
				}
			}
			return true
		})
	case TypeServerAnnounce:
		var p AnnouncePayload
		return decodeRequired(e, &p, func() bool { return p.valid() })
	case TypeHeartbeat:
		var p HeartbeatPayload
		return decodeRequired(e, &p, func() bool { return p.ServerID != "" })
	case TypeUserAdvertise:
		var p AdvertisePayload
		return decodeRequired(e, &p, func() bool { return p.UserID != "" && p.ServerID != "" && p.PubKey != "" })
	case TypeUserRemove:
		var p RemovePayload
		return decodeRequired(e, &p, func() bool { return p.UserID != "" && p.ServerID != "" })
	case TypeMsgDirect, TypeMsgPublic:
		var p ChatPayload
		return decodeRequired(e, &p, func() bool { return p.Ciphertext != "" })
	case TypeUserDeliver, TypePeerDeliver:
		var p DeliverPayload
		return decodeRequired(e, &p, func() bool { return len(p.Envelope) > 0 })
	case TypeFileStart:
		var p FileStartPayload
		return decodeRequired(e, &p, func() bool { return p.TransferID != "" && p.Name != "" })
	case TypeFileChunk:
		var p FileChunkPayload
		return decodeRequired(e, &p, func() bool { return p.TransferID != "" && p.Data != "" })
	case TypeFileEnd:
		var p FileEndPayload
		return decodeRequired(e, &p, func() bool { return p.TransferID != "" })
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, e.Type)
}

func (d PeerDescriptor) valid() bool {
	return d.ServerID != "" && d.Host != "" && d.Port > 0 && d.PubKey != ""
}

func decodeRequired[T any](e *Envelope, out *T, complete func() bool) (T, error) {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return *out, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, e.Type, err)
	}
	if !complete() {
		return *out, fmt.Errorf("%w: %s payload missing fields", ErrMalformedFrame, e.Type)
	}
	return *out, nil
}
