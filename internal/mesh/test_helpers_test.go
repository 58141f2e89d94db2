package mesh

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"overlay-chat/internal/dedup"
	"overlay-chat/internal/envelope"
	"overlay-chat/internal/keyring"
	"overlay-chat/internal/metrics"
	"overlay-chat/internal/presence"
)

type fakeLink struct {
	mu     sync.Mutex
	sent   []*envelope.Envelope
	in     chan *envelope.Envelope
	closed bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{in: make(chan *envelope.Envelope, 16)}
}

func (l *fakeLink) Send(env *envelope.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("link closed")
	}
	l.sent = append(l.sent, env)
	return nil
}

func (l *fakeLink) Receive() (*envelope.Envelope, error) {
	env, ok := <-l.in
	if !ok {
		return nil, errors.New("link closed")
	}
	return env, nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.in)
	}
	return nil
}

func (l *fakeLink) sentFrames() []*envelope.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*envelope.Envelope, len(l.sent))
	copy(out, l.sent)
	return out
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type testNode struct {
	manager  *Manager
	key      *rsa.PrivateKey
	pubPEM   string
	presence *presence.Directory
	keys     *keyring.Keyring
	metrics  *metrics.Metrics
}

func newTestNode(t *testing.T, selfID string) *testNode {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubPEM, err := keyring.EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	keys := keyring.New()
	dir := presence.NewDirectory()
	counters := metrics.New()
	manager, err := NewManager(Options{
		SelfID:   selfID,
		Host:     "127.0.0.1",
		Port:     9470,
		Key:      key,
		Keyring:  keys,
		Presence: dir,
		Seen:     dedup.NewCache(64),
		Metrics:  counters,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(manager.Close)
	return &testNode{manager: manager, key: key, pubPEM: pubPEM, presence: dir, keys: keys, metrics: counters}
}

// installPeer seeds the peer table directly so lifecycle tests can drive
// Sweep and Reap without a live handshake.
func (n *testNode) installPeer(t *testing.T, id string, state State, conn Link, lastSeen time.Time) (*Peer, *rsa.PrivateKey) {
	t.Helper()
	other, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate peer key: %v", err)
	}
	peer := &Peer{
		ID:                    id,
		Host:                  "127.0.0.1",
		Port:                  9471,
		Key:                   &other.PublicKey,
		Conn:                  conn,
		State:                 state,
		LastHeartbeatReceived: lastSeen,
	}
	n.manager.mu.Lock()
	n.manager.peers[id] = peer
	n.manager.mu.Unlock()
	n.keys.Add(id, &other.PublicKey)
	return peer, other
}

func (n *testNode) peerState(id string) State {
	n.manager.mu.RLock()
	defer n.manager.mu.RUnlock()
	peer, ok := n.manager.peers[id]
	if !ok {
		return StateFailed
	}
	return peer.State
}

func joinFrame(t *testing.T, selfID string, key *rsa.PrivateKey) *envelope.Envelope {
	t.Helper()
	pubPEM, err := keyring.EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	env, err := envelope.New(envelope.TypeServerHelloJoin, selfID, "", envelope.JoinPayload{
		PeerDescriptor: envelope.PeerDescriptor{ServerID: selfID, Host: "127.0.0.1", Port: 9471, PubKey: pubPEM},
	})
	if err != nil {
		t.Fatalf("build join: %v", err)
	}
	return env
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
