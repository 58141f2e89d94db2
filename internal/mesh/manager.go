package mesh

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"overlay-chat/internal/crypto"
	"overlay-chat/internal/dedup"
	"overlay-chat/internal/envelope"
	"overlay-chat/internal/keyring"
	"overlay-chat/internal/metrics"
	"overlay-chat/internal/presence"
	"overlay-chat/internal/transport"
)

const (
	defaultHeartbeatEvery = 15 * time.Second
	defaultReapAfter      = 45 * time.Second
	incomingBuffer        = 128
)

var (
	ErrInvalidHandshake = errors.New("invalid handshake")
	ErrNoRoute          = errors.New("no live link to peer")
)

// Frame is a verified-shape envelope read off a peer link, handed to the
// router together with the link it arrived on.
type Frame struct {
	PeerID string
	Conn   Link
	Env    *envelope.Envelope
}

// Options wires the Manager to the shared state it mutates.
type Options struct {
	SelfID   string
	Host     string
	Port     int
	Key      *rsa.PrivateKey
	Keyring  *keyring.Keyring
	Presence *presence.Directory
	Seen     *dedup.Cache
	Box      *crypto.Box
	Metrics  *metrics.Metrics

	HeartbeatEvery time.Duration
	ReapAfter      time.Duration
}

// Manager owns the peer table and drives bootstrap, announce, heartbeat and
// reaping. Frames other than heartbeats are forwarded on Incoming for the
// router to dispatch.
type Manager struct {
	selfID   string
	host     string
	port     int
	key      *rsa.PrivateKey
	pubPEM   string
	keys     *keyring.Keyring
	presence *presence.Directory
	seen     *dedup.Cache
	box      *crypto.Box
	metrics  *metrics.Metrics

	heartbeatEvery time.Duration
	reapAfter      time.Duration

	mu    sync.RWMutex
	peers map[string]*Peer

	Incoming chan Frame
	quit     chan struct{}
	quitOnce sync.Once
}

func NewManager(opts Options) (*Manager, error) {
	pubPEM, err := keyring.EncodePublicKey(&opts.Key.PublicKey)
	if err != nil {
		return nil, err
	}
	hb := opts.HeartbeatEvery
	if hb <= 0 {
		hb = defaultHeartbeatEvery
	}
	reap := opts.ReapAfter
	if reap <= 0 {
		reap = defaultReapAfter
	}
	return &Manager{
		selfID:         opts.SelfID,
		host:           opts.Host,
		port:           opts.Port,
		key:            opts.Key,
		pubPEM:         pubPEM,
		keys:           opts.Keyring,
		presence:       opts.Presence,
		seen:           opts.Seen,
		box:            opts.Box,
		metrics:        opts.Metrics,
		heartbeatEvery: hb,
		reapAfter:      reap,
		peers:          make(map[string]*Peer),
		Incoming:       make(chan Frame, incomingBuffer),
		quit:           make(chan struct{}),
	}, nil
}

func (m *Manager) SelfID() string { return m.selfID }

// Frames exposes the stream of routable frames read off peer links.
func (m *Manager) Frames() <-chan Frame { return m.Incoming }

func (m *Manager) descriptor() envelope.PeerDescriptor {
	return envelope.PeerDescriptor{ServerID: m.selfID, Host: m.host, Port: m.port, PubKey: m.pubPEM}
}

// Join bootstraps into the mesh through an introducer: send
// SERVER_HELLO_JOIN, take the SERVER_WELCOME peer list, dial everyone on it,
// then announce ourselves on every link we reached.
func (m *Manager) Join(ctx context.Context, introducerURL string) error {
	conn, err := transport.Dial(ctx, introducerURL, m.box)
	if err != nil {
		return err
	}
	welcome, err := m.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	for _, d := range welcome.Peers {
		desc := d
		go m.connect(ctx, desc)
	}
	m.Announce()
	return nil
}

// handshake runs the joining half of the bootstrap exchange on conn and
// registers the welcoming server as an established peer.
func (m *Manager) handshake(conn Link) (*envelope.WelcomePayload, error) {
	join, err := envelope.New(envelope.TypeServerHelloJoin, m.selfID, "", envelope.JoinPayload{PeerDescriptor: m.descriptor()})
	if err != nil {
		return nil, err
	}
	if err := conn.Send(join); err != nil {
		return nil, err
	}
	reply, err := conn.Receive()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if reply.Type != envelope.TypeServerWelcome {
		return nil, fmt.Errorf("%w: expected SERVER_WELCOME, got %s", ErrInvalidHandshake, reply.Type)
	}
	parsed, err := envelope.ParsePayload(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	welcome := parsed.(envelope.WelcomePayload)
	if welcome.ServerID != reply.From || welcome.ServerID == m.selfID {
		return nil, fmt.Errorf("%w: descriptor does not match sender", ErrInvalidHandshake)
	}
	pub, err := keyring.ParsePublicKey(welcome.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if !m.register(welcome.PeerDescriptor, pub, conn) {
		return nil, fmt.Errorf("%w: duplicate link lost tie-break", ErrInvalidHandshake)
	}
	return &welcome, nil
}

// connect dials one peer learned from a welcome and runs the same join
// exchange against it. Discovery is transitive: unknown peers listed in its
// welcome are dialed too.
func (m *Manager) connect(ctx context.Context, d envelope.PeerDescriptor) {
	if d.ServerID == m.selfID || !m.markConnecting(d) {
		return
	}
	conn, err := transport.Dial(ctx, transport.MeshURL(d.Host, d.Port), m.box)
	if err != nil {
		log.Printf("mesh: dial peer %s: %v", d.ServerID, err)
		m.markFailed(d.ServerID)
		return
	}
	welcome, err := m.handshake(conn)
	if err != nil {
		log.Printf("mesh: handshake with %s: %v", d.ServerID, err)
		_ = conn.Close()
		m.markFailed(d.ServerID)
		return
	}
	if announce := m.announceEnvelope(); announce != nil {
		_ = m.SendTo(welcome.ServerID, announce)
	}
	for _, next := range welcome.Peers {
		desc := next
		go m.connect(ctx, desc)
	}
}

// AcceptPeer runs the introducer half of the bootstrap exchange on an inbound
// mesh connection, then keeps reading frames from the new peer. A handshake
// that fails leaves no peer state behind.
func (m *Manager) AcceptPeer(conn Link) error {
	env, err := conn.Receive()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if env.Type != envelope.TypeServerHelloJoin {
		m.sendError(conn, envelope.CodeUnknownType, "expected SERVER_HELLO_JOIN")
		_ = conn.Close()
		return fmt.Errorf("%w: first frame %s", ErrInvalidHandshake, env.Type)
	}
	parsed, err := envelope.ParsePayload(env)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	join := parsed.(envelope.JoinPayload)
	if join.ServerID != env.From || join.ServerID == m.selfID {
		_ = conn.Close()
		return fmt.Errorf("%w: descriptor does not match sender", ErrInvalidHandshake)
	}
	pub, err := keyring.ParsePublicKey(join.PubKey)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}

	welcome, err := envelope.New(envelope.TypeServerWelcome, m.selfID, join.ServerID, envelope.WelcomePayload{
		PeerDescriptor: m.descriptor(),
		Peers:          m.descriptors(join.ServerID),
	})
	if err != nil {
		_ = conn.Close()
		return err
	}
	if !m.register(join.PeerDescriptor, pub, conn) {
		return nil // duplicate link resolved by tie-break, nothing more to do
	}
	if err := conn.Send(welcome); err != nil {
		m.linkDown(join.ServerID, conn)
		return err
	}

	// Bring the joiner up to date on presence it missed.
	for _, adv := range m.presence.Advertises() {
		hop, err := m.Resign(adv)
		if err != nil {
			continue
		}
		_ = conn.Send(hop)
	}
	return nil
}

// register installs a fresh peer entry for d over conn and starts its read
// worker. On a duplicate live link the connection initiated by the lower
// server id wins; register reports false when the new link lost.
func (m *Manager) register(d envelope.PeerDescriptor, pub *rsa.PublicKey, conn Link) bool {
	now := time.Now()
	m.mu.Lock()
	if existing, ok := m.peers[d.ServerID]; ok && existing.Conn != nil && existing.Conn != conn {
		if m.selfID < d.ServerID {
			m.mu.Unlock()
			_ = conn.Close()
			return false
		}
		_ = existing.Conn.Close()
	}
	peer := &Peer{
		ID:                    d.ServerID,
		Host:                  d.Host,
		Port:                  d.Port,
		Key:                   pub,
		Conn:                  conn,
		State:                 StateEstablished,
		LastHeartbeatSent:     now,
		LastHeartbeatReceived: now,
	}
	m.peers[d.ServerID] = peer
	m.mu.Unlock()

	m.keys.Add(d.ServerID, pub)
	log.Printf("mesh: peer %s established (%s:%d)", d.ServerID, d.Host, d.Port)
	go m.readLoop(peer, conn)
	return true
}

func (m *Manager) markConnecting(d envelope.PeerDescriptor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.peers[d.ServerID]; ok {
		switch existing.State {
		case StateConnecting, StateEstablished, StateDegraded:
			return false
		}
	}
	m.peers[d.ServerID] = &Peer{ID: d.ServerID, Host: d.Host, Port: d.Port, State: StateConnecting}
	return true
}

func (m *Manager) markFailed(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if peer, ok := m.peers[id]; ok && peer.State == StateConnecting {
		peer.State = StateFailed
	}
}

func (m *Manager) readLoop(peer *Peer, conn Link) {
	for {
		env, err := conn.Receive()
		if err != nil {
			if errors.Is(err, envelope.ErrMalformedFrame) {
				m.sendError(conn, envelope.CodeUnknownType, "malformed frame")
				continue
			}
			m.linkDown(peer.ID, conn)
			return
		}
		if env.Type == envelope.TypeHeartbeat {
			m.handleHeartbeat(peer.ID, env)
			continue
		}
		select {
		case m.Incoming <- Frame{PeerID: peer.ID, Conn: conn, Env: env}:
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) handleHeartbeat(peerID string, env *envelope.Envelope) {
	pub, ok := m.keys.Get(env.From)
	if !ok || env.Verify(pub) != nil {
		m.metrics.IncInvalid()
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	peer, ok := m.peers[peerID]
	if !ok || peer.State == StateReaped {
		return
	}
	peer.LastHeartbeatReceived = time.Now()
	if peer.State == StateDegraded {
		peer.State = StateEstablished
	}
}

// HandleAnnounce processes a SERVER_ANNOUNCE. The announce is self-certifying:
// the signature must verify against the key embedded in the descriptor and
// the descriptor must name the envelope sender. Unknown reachable peers are
// dialed so announces knit partial meshes together.
func (m *Manager) HandleAnnounce(env *envelope.Envelope) error {
	parsed, err := envelope.ParsePayload(env)
	if err != nil {
		return err
	}
	announce := parsed.(envelope.AnnouncePayload)
	if announce.ServerID != env.From || announce.ServerID == m.selfID {
		return fmt.Errorf("%w: announce for %s from %s", ErrInvalidHandshake, announce.ServerID, env.From)
	}
	pub, err := keyring.ParsePublicKey(announce.PubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if err := env.Verify(pub); err != nil {
		return err
	}

	m.mu.Lock()
	peer, ok := m.peers[announce.ServerID]
	if ok && peer.State != StateReaped && peer.State != StateFailed {
		peer.Host = announce.Host
		peer.Port = announce.Port
		peer.LastHeartbeatReceived = time.Now()
		if peer.State == StateDegraded {
			peer.State = StateEstablished
		}
		m.mu.Unlock()
		m.keys.Add(announce.ServerID, pub)
		return nil
	}
	m.mu.Unlock()

	go m.connect(context.Background(), announce.PeerDescriptor)
	return nil
}

// Announce broadcasts our descriptor to every established peer.
func (m *Manager) Announce() {
	if env := m.announceEnvelope(); env != nil {
		m.Broadcast(env, "")
	}
}

func (m *Manager) announceEnvelope() *envelope.Envelope {
	env, err := envelope.New(envelope.TypeServerAnnounce, m.selfID, "*", envelope.AnnouncePayload{PeerDescriptor: m.descriptor()})
	if err != nil {
		return nil
	}
	if err := env.Sign(m.key); err != nil {
		return nil
	}
	return env
}

// Resign clones env with this server as the sender and a fresh signature,
// keeping id, timestamp and payload intact. Gossip frames are authenticated
// hop by hop this way while deduplication still keys on the original id.
func (m *Manager) Resign(env *envelope.Envelope) (*envelope.Envelope, error) {
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

// Broadcast sends env to every established peer except the one named.
func (m *Manager) Broadcast(env *envelope.Envelope, exceptID string) {
	m.mu.RLock()
	targets := make([]*Peer, 0, len(m.peers))
	for id, peer := range m.peers {
		if id == exceptID || peer.State != StateEstablished || peer.Conn == nil {
			continue
		}
		targets = append(targets, peer)
	}
	m.mu.RUnlock()
	for _, peer := range targets {
		if err := peer.Conn.Send(env); err != nil {
			m.linkDown(peer.ID, peer.Conn)
		}
	}
}

// SendTo sends env to one peer, failing with ErrNoRoute when no established
// link exists. Undeliverable frames are not buffered.
func (m *Manager) SendTo(id string, env *envelope.Envelope) error {
	m.mu.RLock()
	peer, ok := m.peers[id]
	var conn Link
	if ok && peer.State == StateEstablished {
		conn = peer.Conn
	}
	m.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNoRoute, id)
	}
	if err := conn.Send(env); err != nil {
		m.linkDown(id, conn)
		return fmt.Errorf("%w: %s: %v", ErrNoRoute, id, err)
	}
	return nil
}

// Run drives the heartbeat and reap sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		case <-ticker.C:
			m.sendHeartbeats()
			m.Sweep(time.Now())
		}
	}
}

func (m *Manager) sendHeartbeats() {
	env, err := envelope.New(envelope.TypeHeartbeat, m.selfID, "", envelope.HeartbeatPayload{ServerID: m.selfID})
	if err != nil {
		return
	}
	if err := env.Sign(m.key); err != nil {
		return
	}
	now := time.Now()
	m.mu.RLock()
	targets := make([]*Peer, 0, len(m.peers))
	for _, peer := range m.peers {
		if peer.Conn == nil {
			continue
		}
		if peer.State == StateEstablished || peer.State == StateDegraded {
			peer.LastHeartbeatSent = now
			targets = append(targets, peer)
		}
	}
	m.mu.RUnlock()
	for _, peer := range targets {
		if err := peer.Conn.Send(env); err != nil {
			m.linkDown(peer.ID, peer.Conn)
		}
	}
}

// Sweep applies the liveness policy at time now: one missed heartbeat
// interval degrades a link, silence past the reap threshold removes it.
func (m *Manager) Sweep(now time.Time) {
	degradeAfter := 2 * m.heartbeatEvery
	var reap []string
	m.mu.Lock()
	for id, peer := range m.peers {
		silence := now.Sub(peer.LastHeartbeatReceived)
		switch peer.State {
		case StateEstablished:
			if silence > m.reapAfter {
				reap = append(reap, id)
			} else if silence > degradeAfter {
				peer.State = StateDegraded
				log.Printf("mesh: peer %s degraded after %s silence", id, silence.Round(time.Second))
			}
		case StateDegraded:
			if silence > m.reapAfter {
				reap = append(reap, id)
			}
		}
	}
	m.mu.Unlock()
	for _, id := range reap {
		m.Reap(id)
	}
}

// Reap tears down a peer link, removes it from routing, and purges every
// presence record the peer owned. Reaping an already-reaped peer is a no-op.
func (m *Manager) Reap(id string) {
	m.mu.Lock()
	peer, ok := m.peers[id]
	if !ok || peer.State == StateReaped {
		m.mu.Unlock()
		return
	}
	conn := peer.Conn
	peer.Conn = nil
	peer.State = StateReaped
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	purged := m.presence.PurgeOwner(id)
	for _, userID := range purged {
		m.keys.Remove(userID)
	}
	m.keys.Remove(id)
	m.metrics.IncReaped()
	log.Printf("mesh: reaped peer %s, purged %d presence records", id, len(purged))
}

// linkDown records an I/O failure on conn, which follows the same
// degraded-then-reaped path as heartbeat silence.
func (m *Manager) linkDown(id string, conn Link) {
	_ = conn.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	peer, ok := m.peers[id]
	if !ok || peer.Conn != conn {
		return
	}
	peer.Conn = nil
	if peer.State == StateEstablished {
		peer.State = StateDegraded
		log.Printf("mesh: link to %s down", id)
	}
}

func (m *Manager) descriptors(exceptID string) []envelope.PeerDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]envelope.PeerDescriptor, 0, len(m.peers))
	for id, peer := range m.peers {
		if id == exceptID || peer.State != StateEstablished || peer.Key == nil {
			continue
		}
		pubPEM, err := keyring.EncodePublicKey(peer.Key)
		if err != nil {
			continue
		}
		out = append(out, envelope.PeerDescriptor{ServerID: id, Host: peer.Host, Port: peer.Port, PubKey: pubPEM})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Snapshot returns the peer table for /peers and tests.
func (m *Manager) Snapshot() []PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, peer := range m.peers {
		out = append(out, PeerInfo{
			ID:       peer.ID,
			Host:     peer.Host,
			Port:     peer.Port,
			State:    peer.State.String(),
			LastSeen: peer.LastHeartbeatReceived,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) sendError(conn Link, code, detail string) {
	env, err := envelope.New(envelope.TypeError, m.selfID, "", envelope.ErrorPayload{Code: code, Detail: detail})
	if err != nil {
		return
	}
	_ = conn.Send(env)
}

// Close stops the manager and tears down every live link.
func (m *Manager) Close() {
	m.quitOnce.Do(func() { close(m.quit) })
	m.mu.Lock()
	conns := make([]Link, 0, len(m.peers))
	for _, peer := range m.peers {
		if peer.Conn != nil {
			conns = append(conns, peer.Conn)
			peer.Conn = nil
		}
	}
	m.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}
