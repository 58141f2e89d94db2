package router

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
	"overlay-chat/internal/mesh"
	"overlay-chat/internal/metrics"
	"overlay-chat/internal/presence"
	"overlay-chat/internal/session"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []*envelope.Envelope
	in     chan *envelope.Envelope
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan *envelope.Envelope, 16)}
}

func (c *fakeConn) Send(env *envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("conn closed")
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Receive() (*envelope.Envelope, error) {
	env, ok := <-c.in
	if !ok {
		return nil, errors.New("conn closed")
	}
	return env, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

func (c *fakeConn) sentFrames() []*envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*envelope.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) lastOfType(frameType string) *envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Type == frameType {
			return c.sent[i]
		}
	}
	return nil
}

func (c *fakeConn) countOfType(frameType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, env := range c.sent {
		if env.Type == frameType {
			n++
		}
	}
	return n
}

type broadcastCall struct {
	env    *envelope.Envelope
	except string
}

type fakeMesh struct {
	mu         sync.Mutex
	selfID     string
	key        *rsa.PrivateKey
	broadcasts []broadcastCall
	sendTo     map[string][]*envelope.Envelope
	sendErr    error
	frames     chan mesh.Frame
	announces  []*envelope.Envelope
}

func newFakeMesh(selfID string, key *rsa.PrivateKey) *fakeMesh {
	return &fakeMesh{
		selfID: selfID,
		key:    key,
		sendTo: make(map[string][]*envelope.Envelope),
		frames: make(chan mesh.Frame, 16),
	}
}

func (m *fakeMesh) Broadcast(env *envelope.Envelope, exceptID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, broadcastCall{env: env, except: exceptID})
}

func (m *fakeMesh) SendTo(id string, env *envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sendTo[id] = append(m.sendTo[id], env)
	return nil
}

func (m *fakeMesh) Resign(env *envelope.Envelope) (*envelope.Envelope, error) {
	clone := &envelope.Envelope{
		Type:    env.Type,
		From:    m.selfID,
		To:      env.To,
		ID:      env.ID,
		Ts:      env.Ts,
		Payload: env.Payload,
	}
	if err := clone.Sign(m.key); err != nil {
		return nil, err
	}
	return clone, nil
}

func (m *fakeMesh) HandleAnnounce(env *envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announces = append(m.announces, env)
	return nil
}

func (m *fakeMesh) Frames() <-chan mesh.Frame { return m.frames }

func (m *fakeMesh) broadcastCalls() []broadcastCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]broadcastCall, len(m.broadcasts))
	copy(out, m.broadcasts)
	return out
}

func (m *fakeMesh) sentTo(id string) []*envelope.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*envelope.Envelope, len(m.sendTo[id]))
	copy(out, m.sendTo[id])
	return out
}

type testRig struct {
	router   *Router
	mesh     *fakeMesh
	sessions *session.Registry
	presence *presence.Directory
	keys     *keyring.Keyring
	seen     *dedup.Cache
	metrics  *metrics.Metrics
	key      *rsa.PrivateKey
	peerKeys map[string]*rsa.PrivateKey
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rig := &testRig{
		mesh:     newFakeMesh("srv-a", key),
		sessions: session.NewRegistry(),
		presence: presence.NewDirectory(),
		keys:     keyring.New(),
		seen:     dedup.NewCache(64),
		metrics:  metrics.New(),
		key:      key,
		peerKeys: make(map[string]*rsa.PrivateKey),
	}
	rig.router, err = New(Options{
		SelfID:   "srv-a",
		Key:      key,
		Sessions: rig.sessions,
		Presence: rig.presence,
		Mesh:     rig.mesh,
		Seen:     rig.seen,
		Keys:     rig.keys,
		Metrics:  rig.metrics,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return rig
}

// addPeerServer installs a peer server's key so hop frames from it verify.
func (rig *testRig) addPeerServer(t *testing.T, id string) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate peer key: %v", err)
	}
	rig.keys.Add(id, &key.PublicKey)
	rig.peerKeys[id] = key
	return key
}

func newUserKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate user key: %v", err)
	}
	pemKey, err := keyring.EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("encode user key: %v", err)
	}
	return key, pemKey
}

func helloFrame(t *testing.T, userID, pemKey, token string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.TypeHello, userID, "", envelope.HelloPayload{
		UserID: userID, PubKey: pemKey, Token: token,
	})
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}
	return env
}

// registerLocal joins a user through the real HELLO path and returns its
// connection and signing key.
func (rig *testRig) registerLocal(t *testing.T, userID string) (*fakeConn, *rsa.PrivateKey) {
	t.Helper()
	key, pemKey := newUserKey(t)
	conn := newFakeConn()
	if _, ok := rig.router.registerUser(conn, helloFrame(t, userID, pemKey, "")); !ok {
		t.Fatalf("register %s failed", userID)
	}
	return conn, key
}

func signedUserFrame(t *testing.T, key *rsa.PrivateKey, frameType, from, to string, payload any) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(frameType, from, to, payload)
	if err != nil {
		t.Fatalf("build %s: %v", frameType, err)
	}
	if err := env.Sign(key); err != nil {
		t.Fatalf("sign %s: %v", frameType, err)
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
