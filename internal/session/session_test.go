package session

import (
	"errors"
	"sync"
	"testing"

	"overlay-chat/internal/envelope"
)

type recordingConn struct {
	mu   sync.Mutex
	sent []*envelope.Envelope
	fail bool
}

func (c *recordingConn) Send(env *envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("link down")
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *recordingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func heartbeat(t *testing.T) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.TypeHeartbeat, "srv", "", envelope.HeartbeatPayload{ServerID: "srv"})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Register("alice", &recordingConn{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := reg.Register("alice", &recordingConn{}); !errors.Is(err, ErrNameInUse) {
		t.Fatalf("duplicate register should report ErrNameInUse, got %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("losing register must not disturb the live session")
	}
}

func TestRemoveGuardsAgainstStaleConn(t *testing.T) {
	reg := NewRegistry()
	oldConn := &recordingConn{}
	reg.Register("alice", oldConn)
	reg.Remove("alice", oldConn)

	newConn := &recordingConn{}
	reg.Register("alice", newConn)
	if reg.Remove("alice", oldConn) {
		t.Fatalf("a stale worker must not tear down the reconnected session")
	}
	if reg.Len() != 1 {
		t.Fatalf("reconnected session should survive, have %d", reg.Len())
	}
}

func TestDeliverReportsOffline(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Deliver("ghost", heartbeat(t)); !errors.Is(err, ErrOffline) {
		t.Fatalf("unknown user should be offline, got %v", err)
	}
	dead := &recordingConn{fail: true}
	reg.Register("alice", dead)
	if err := reg.Deliver("alice", heartbeat(t)); !errors.Is(err, ErrOffline) {
		t.Fatalf("send failure should surface as offline, got %v", err)
	}
}

func TestBroadcastSkipsNamedSession(t *testing.T) {
	reg := NewRegistry()
	alice := &recordingConn{}
	bob := &recordingConn{}
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	reg.Broadcast(heartbeat(t), "alice")
	if alice.count() != 0 {
		t.Fatalf("sender should not receive its own broadcast")
	}
	if bob.count() != 1 {
		t.Fatalf("expected exactly one frame at bob, got %d", bob.count())
	}
}

func TestListIsSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("carol", &recordingConn{})
	reg.Register("alice", &recordingConn{})
	reg.Register("bob", &recordingConn{})
	got := reg.List()
	want := []string{"alice", "bob", "carol"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
