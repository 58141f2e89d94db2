package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"overlay-chat/internal/envelope"
	"overlay-chat/internal/keyring"
	"overlay-chat/internal/ui"
)

type fakeConn struct {
	in chan *envelope.Envelope

	mu     sync.Mutex
	sent   []*envelope.Envelope
	closed bool
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan *envelope.Envelope, 16)}
}

func (f *fakeConn) Send(env *envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("conn closed")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) Receive() (*envelope.Envelope, error) {
	env, ok := <-f.in
	if !ok {
		return nil, errors.New("conn closed")
	}
	return env, nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.in)
	})
	return nil
}

func (f *fakeConn) sentFrames() []*envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*envelope.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeConn) lastOfType(frameType string) *envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == frameType {
			return f.sent[i]
		}
	}
	return nil
}

type fakeSink struct {
	mu       sync.Mutex
	messages []ui.Message
	system   []string
	rosters  [][]ui.Presence
}

func (f *fakeSink) ShowMessage(msg ui.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeSink) ShowSystem(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.system = append(f.system, text)
}

func (f *fakeSink) UpdateRoster(users []ui.Presence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rosters = append(f.rosters, users)
}

func (f *fakeSink) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeSink) lastMessage() (ui.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ui.Message{}, false
	}
	return f.messages[len(f.messages)-1], true
}

func (f *fakeSink) systemCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.system)
}

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// connectedClient drives a full HELLO handshake against a fake conn and
// returns the client with its server-side key for crafting deliveries.
func connectedClient(t *testing.T, userID string) (*Client, *fakeConn, *fakeSink, *rsa.PrivateKey) {
	t.Helper()
	sink := &fakeSink{}
	c, err := New(Options{UserID: userID, Key: testKey(t), Sink: sink})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	conn := newFakeConn()
	serverKey := testKey(t)
	conn.in <- helloAck(t, userID, serverKey)
	if err := c.Connect(context.Background(), conn); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c, conn, sink, serverKey
}

func helloAck(t *testing.T, userID string, serverKey *rsa.PrivateKey) *envelope.Envelope {
	t.Helper()
	pubPEM, err := keyring.EncodePublicKey(&serverKey.PublicKey)
	if err != nil {
		t.Fatalf("encode server key: %v", err)
	}
	ack, err := envelope.New(envelope.TypeHello, "srv-a", userID, envelope.HelloAckPayload{
		UserID:   userID,
		ServerID: "srv-a",
		PubKey:   pubPEM,
	})
	if err != nil {
		t.Fatalf("build ack: %v", err)
	}
	if err := ack.Sign(serverKey); err != nil {
		t.Fatalf("sign ack: %v", err)
	}
	return ack
}

func advertise(t *testing.T, userID string, userKey *rsa.PrivateKey, serverKey *rsa.PrivateKey) *envelope.Envelope {
	t.Helper()
	pubPEM, err := keyring.EncodePublicKey(&userKey.PublicKey)
	if err != nil {
		t.Fatalf("encode user key: %v", err)
	}
	env, err := envelope.New(envelope.TypeUserAdvertise, "srv-a", "", envelope.AdvertisePayload{
		UserID:   userID,
		ServerID: "srv-a",
		PubKey:   pubPEM,
	})
	if err != nil {
		t.Fatalf("build advertise: %v", err)
	}
	if err := env.Sign(serverKey); err != nil {
		t.Fatalf("sign advertise: %v", err)
	}
	return env
}

func userDeliver(t *testing.T, to string, serverKey *rsa.PrivateKey, inner *envelope.Envelope) *envelope.Envelope {
	t.Helper()
	raw, err := inner.Encode()
	if err != nil {
		t.Fatalf("encode inner: %v", err)
	}
	env, err := envelope.New(envelope.TypeUserDeliver, "srv-a", to, envelope.DeliverPayload{Envelope: raw})
	if err != nil {
		t.Fatalf("build deliver: %v", err)
	}
	if err := env.Sign(serverKey); err != nil {
		t.Fatalf("sign deliver: %v", err)
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
	t.Fatal("condition never met")
}
