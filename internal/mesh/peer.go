package mesh

import (
	"crypto/rsa"
	"time"

	"overlay-chat/internal/envelope"
)

// Link is one reliable ordered frame stream to a peer server. The concrete
// implementation is transport.Conn; tests substitute in-memory links.
type Link interface {
	Send(*envelope.Envelope) error
	Receive() (*envelope.Envelope, error)
	Close() error
}

// State tracks a peer link through its lifecycle. Reaped and Failed are
// terminal for the entry they mark; a later handshake under the same server
// id installs a fresh entry.
type State int

const (
	StateConnecting State = iota
	StateEstablished
	StateDegraded
	StateReaped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateDegraded:
		return "degraded"
	case StateReaped:
		return "reaped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Peer is one server-to-server link, owned exclusively by the Manager.
type Peer struct {
	ID   string
	Host string
	Port int
	Key  *rsa.PublicKey

	Conn                  Link
	State                 State
	LastHeartbeatSent     time.Time
	LastHeartbeatReceived time.Time
}

// PeerInfo is the read-only view served on /peers and used by tests.
type PeerInfo struct {
	ID       string    `json:"id"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	State    string    `json:"state"`
	LastSeen time.Time `json:"last_seen"`
}
