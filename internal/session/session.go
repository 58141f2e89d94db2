package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"overlay-chat/internal/envelope"
)

var (
	ErrNameInUse = errors.New("name in use")
	ErrOffline   = errors.New("user offline")
)

// Sender pushes a frame down a live client connection.
type Sender interface {
	Send(*envelope.Envelope) error
}

// UserSession is one locally-attached client.
type UserSession struct {
	ID       string
	Conn     Sender
	JoinedAt time.Time
}

// Registry tracks the users connected directly to this server.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*UserSession
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*UserSession)}
}

// Register creates a session for id. A live session under the same id wins:
// the caller reports NAME_IN_USE and keeps the new connection open so the
// client can retry under another identity.
func (r *Registry) Register(id string, conn Sender) (*UserSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNameInUse, id)
	}
	sess := &UserSession{ID: id, Conn: conn, JoinedAt: time.Now()}
	r.sessions[id] = sess
	return sess, nil
}

// Remove drops the session for id, but only if conn still owns it. That
// guards the race where a client reconnects before its old worker finishes
// tearing down.
func (r *Registry) Remove(id string, conn Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok || (conn != nil && sess.Conn != conn) {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Deliver sends env to the local session for id.
func (r *Registry) Deliver(id string, env *envelope.Envelope) error {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrOffline, id)
	}
	if err := sess.Conn.Send(env); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOffline, id, err)
	}
	return nil
}

// Broadcast fans env out to every local session except the one named.
func (r *Registry) Broadcast(env *envelope.Envelope, exceptID string) {
	r.mu.RLock()
	targets := make([]*UserSession, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if id == exceptID {
			continue
		}
		targets = append(targets, sess)
	}
	r.mu.RUnlock()
	for _, sess := range targets {
		_ = sess.Conn.Send(env)
	}
}

// List returns the ids of connected users, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
