package router

import (
	"log"
	"sort"
	"sync"
	"time"

	"overlay-chat/internal/envelope"
)

// FileState tracks a relay session through its lifecycle.
type FileState int

const (
	FileStarted FileState = iota
	FileInProgress
	FileCompleted
	FileAborted
)

func (s FileState) String() string {
	switch s {
	case FileStarted:
		return "started"
	case FileInProgress:
		return "in-progress"
	case FileCompleted:
		return "completed"
	case FileAborted:
		return "aborted"
	}
	return "unknown"
}

// FileSession is bookkeeping for one chunked relay. The server never buffers
// or reorders chunk data; this exists only to bound memory via the idle sweep
// and to surface transfer state on /stats-style views.
type FileSession struct {
	TransferID   string
	Sender       string
	Recipient    string
	TotalChunks  int
	Received     int
	State        FileState
	LastActivity time.Time
}

type fileTable struct {
	mu       sync.Mutex
	sessions map[string]*FileSession
}

func newFileTable() *fileTable {
	return &fileTable{sessions: make(map[string]*FileSession)}
}

// trackFile updates relay bookkeeping for a FILE_* frame. A chunk for an
// unknown transfer opens a session implicitly so a relay that never saw the
// START still bounds its state.
func (r *Router) trackFile(env *envelope.Envelope) {
	parsed, err := envelope.ParsePayload(env)
	if err != nil {
		return
	}
	now := time.Now()
	t := r.files
	t.mu.Lock()
	defer t.mu.Unlock()
	switch p := parsed.(type) {
	case envelope.FileStartPayload:
		t.sessions[p.TransferID] = &FileSession{
			TransferID:   p.TransferID,
			Sender:       env.From,
			Recipient:    env.To,
			TotalChunks:  p.TotalChunks,
			State:        FileStarted,
			LastActivity: now,
		}
	case envelope.FileChunkPayload:
		sess, ok := t.sessions[p.TransferID]
		if !ok {
			sess = &FileSession{TransferID: p.TransferID, Sender: env.From, Recipient: env.To}
			t.sessions[p.TransferID] = sess
		}
		sess.Received++
		sess.State = FileInProgress
		sess.LastActivity = now
	case envelope.FileEndPayload:
		if sess, ok := t.sessions[p.TransferID]; ok {
			sess.State = FileCompleted
			// completed sessions are discarded immediately; nothing persists
			delete(t.sessions, p.TransferID)
			log.Printf("router: transfer %s completed after %d chunks", sess.TransferID, sess.Received)
		}
	}
}

// sweepFiles aborts and discards sessions with no activity inside the idle
// window, so a transfer to an offline recipient cannot leak memory.
func (r *Router) sweepFiles(now time.Time) {
	t := r.files
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sess := range t.sessions {
		if now.Sub(sess.LastActivity) > r.fileIdle {
			sess.State = FileAborted
			delete(t.sessions, id)
			log.Printf("router: transfer %s aborted after idle timeout", id)
		}
	}
}

// FileSessions returns a snapshot of active relays sorted by transfer id.
func (r *Router) FileSessions() []FileSession {
	t := r.files
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FileSession, 0, len(t.sessions))
	for _, sess := range t.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransferID < out[j].TransferID })
	return out
}
