package router

import (
	"context"
	"crypto/rsa"
	"errors"
	"log"
	"time"

	"overlay-chat/internal/authutil"
	"overlay-chat/internal/dedup"
	"overlay-chat/internal/envelope"
	"overlay-chat/internal/keyring"
	"overlay-chat/internal/mesh"
	"overlay-chat/internal/metrics"
	"overlay-chat/internal/presence"
	"overlay-chat/internal/session"
)

// Conn is one client connection as the router sees it. The concrete
// implementation is transport.Conn; tests substitute in-memory fakes.
type Conn interface {
	Receive() (*envelope.Envelope, error)
	Send(*envelope.Envelope) error
	Close() error
}

// PeerMesh is the slice of the mesh manager the router drives.
type PeerMesh interface {
	Broadcast(env *envelope.Envelope, exceptID string)
	SendTo(id string, env *envelope.Envelope) error
	Resign(env *envelope.Envelope) (*envelope.Envelope, error)
	HandleAnnounce(env *envelope.Envelope) error
	Frames() <-chan mesh.Frame
}

const (
	defaultFileIdle   = 60 * time.Second
	defaultSweepEvery = 15 * time.Second
)

// Options wires the router to the shared state it consults.
type Options struct {
	SelfID   string
	Key      *rsa.PrivateKey
	Sessions *session.Registry
	Presence *presence.Directory
	Mesh     PeerMesh
	Seen     *dedup.Cache
	Keys     *keyring.Keyring
	Metrics  *metrics.Metrics
	Auth     *authutil.Tokens // nil means open registration

	FileIdle   time.Duration
	SweepEvery time.Duration
}

// Router decides, for each verified frame, between local delivery, a
// targeted peer forward, and mesh-wide fan-out. One bad frame, peer or user
// must never affect delivery to anyone else, so every failure here stays
// scoped to the frame or link that caused it.
type Router struct {
	selfID   string
	key      *rsa.PrivateKey
	pubPEM   string
	sessions *session.Registry
	presence *presence.Directory
	mesh     PeerMesh
	seen     *dedup.Cache
	keys     *keyring.Keyring
	metrics  *metrics.Metrics
	auth     *authutil.Tokens

	files      *fileTable
	fileIdle   time.Duration
	sweepEvery time.Duration
}

func New(opts Options) (*Router, error) {
	pubPEM, err := keyring.EncodePublicKey(&opts.Key.PublicKey)
	if err != nil {
		return nil, err
	}
	fileIdle := opts.FileIdle
	if fileIdle <= 0 {
		fileIdle = defaultFileIdle
	}
	sweepEvery := opts.SweepEvery
	if sweepEvery <= 0 {
		sweepEvery = defaultSweepEvery
	}
	return &Router{
		selfID:     opts.SelfID,
		key:        opts.Key,
		pubPEM:     pubPEM,
		sessions:   opts.Sessions,
		presence:   opts.Presence,
		mesh:       opts.Mesh,
		seen:       opts.Seen,
		keys:       opts.Keys,
		metrics:    opts.Metrics,
		auth:       opts.Auth,
		files:      newFileTable(),
		fileIdle:   fileIdle,
		sweepEvery: sweepEvery,
	}, nil
}

// Run consumes frames from the mesh and drives the file-session sweep until
// ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepFiles(time.Now())
		case frame, ok := <-r.mesh.Frames():
			if !ok {
				return
			}
			r.handlePeerFrame(frame)
		}
	}
}

// HandleUserConn is the worker for one client connection. The first accepted
// frame must be a HELLO; a name collision keeps the connection open so the
// client can retry under a different identity.
func (r *Router) HandleUserConn(conn Conn) {
	defer conn.Close()
	userID := ""
	for {
		env, err := conn.Receive()
		if err != nil {
			if errors.Is(err, envelope.ErrMalformedFrame) {
				r.sendError(conn, envelope.CodeUnknownType, "malformed frame")
				continue
			}
			break
		}
		if userID == "" {
			if env.Type != envelope.TypeHello {
				r.sendError(conn, envelope.CodeUnknownType, "HELLO required")
				continue
			}
			if uid, ok := r.registerUser(conn, env); ok {
				userID = uid
			}
			continue
		}
		r.handleUserFrame(userID, conn, env)
	}
	if userID != "" {
		r.dropUser(userID, conn)
	}
}

// registerUser validates a HELLO and installs the session. On any rejection
// an ERROR goes back over conn and no state is left behind.
func (r *Router) registerUser(conn Conn, env *envelope.Envelope) (string, bool) {
	parsed, err := envelope.ParsePayload(env)
	if err != nil {
		r.sendError(conn, envelope.CodeUnknownType, "bad HELLO payload")
		return "", false
	}
	hello := parsed.(envelope.HelloPayload)
	if env.From != hello.UserID {
		r.sendError(conn, envelope.CodeInvalidSignature, "sender does not match user_id")
		return "", false
	}
	if r.auth != nil {
		claim, err := r.auth.Validate(hello.Token)
		if err != nil || claim != hello.UserID {
			r.sendError(conn, envelope.CodeInvalidSignature, "token rejected")
			return "", false
		}
	}
	pub, err := keyring.ParsePublicKey(hello.PubKey)
	if err != nil {
		r.sendError(conn, envelope.CodeInvalidSignature, "bad public key")
		return "", false
	}
	if _, err := r.sessions.Register(hello.UserID, conn); err != nil {
		r.sendError(conn, envelope.CodeNameInUse, hello.UserID)
		return "", false
	}
	r.keys.Add(hello.UserID, pub)

	adv, err := envelope.New(envelope.TypeUserAdvertise, r.selfID, "", envelope.AdvertisePayload{
		UserID:   hello.UserID,
		ServerID: r.selfID,
		PubKey:   hello.PubKey,
	})
	if err == nil && adv.Sign(r.key) == nil {
		r.presence.Advertise(hello.UserID, r.selfID, adv.Ts, adv)
		r.seen.Remember(adv.ID)
		r.mesh.Broadcast(adv, "")
		r.sessions.Broadcast(adv, hello.UserID)
	}

	ack, err := envelope.New(envelope.TypeHello, r.selfID, hello.UserID, envelope.HelloAckPayload{
		UserID:   hello.UserID,
		ServerID: r.selfID,
		PubKey:   r.pubPEM,
	})
	if err == nil {
		_ = ack.Sign(r.key)
		_ = conn.Send(ack)
	}
	log.Printf("router: user %s joined", hello.UserID)
	return hello.UserID, true
}

// dropUser tears down a session and gossips the departure.
func (r *Router) dropUser(userID string, conn Conn) {
	if !r.sessions.Remove(userID, conn) {
		return
	}
	now := time.Now().UnixMilli()
	r.presence.Remove(userID, now)
	r.keys.Remove(userID)

	rm, err := envelope.New(envelope.TypeUserRemove, r.selfID, "", envelope.RemovePayload{
		UserID:   userID,
		ServerID: r.selfID,
	})
	if err == nil && rm.Sign(r.key) == nil {
		r.seen.Remember(rm.ID)
		r.mesh.Broadcast(rm, "")
		r.sessions.Broadcast(rm, "")
	}
	log.Printf("router: user %s left", userID)
}

func (r *Router) handleUserFrame(userID string, conn Conn, env *envelope.Envelope) {
	if env.From != userID {
		r.sendError(conn, envelope.CodeInvalidSignature, "sender mismatch")
		return
	}
	if envelope.SigRequired(env.Type) {
		pub, ok := r.keys.Get(userID)
		if !ok || env.Verify(pub) != nil {
			r.metrics.IncInvalid()
			r.sendError(conn, envelope.CodeInvalidSignature, "")
			return
		}
	}
	if envelope.Deduplicated(env.Type) && r.seen.Seen(env.ID) {
		r.metrics.IncDuplicate()
		return
	}

	switch env.Type {
	case envelope.TypeMsgDirect:
		r.routeDirect(conn, env)
	case envelope.TypeMsgPublic:
		r.fanoutPublic(env, userID, "")
	case envelope.TypeFileStart, envelope.TypeFileChunk, envelope.TypeFileEnd:
		r.trackFile(env)
		if env.To == "" {
			r.fanoutPublic(env, userID, "")
		} else {
			r.routeDirect(conn, env)
		}
	case envelope.TypeHello:
		// already registered; a second HELLO under another name is a conflict
		r.sendError(conn, envelope.CodeNameInUse, userID)
	default:
		r.sendError(conn, envelope.CodeUnknownType, env.Type)
	}
}

func (r *Router) handlePeerFrame(frame mesh.Frame) {
	env := frame.Env
	switch env.Type {
	case envelope.TypeServerAnnounce:
		if err := r.mesh.HandleAnnounce(env); err != nil {
			r.metrics.IncInvalid()
			log.Printf("router: announce from %s rejected: %v", frame.PeerID, err)
		}
		return
	case envelope.TypeUserAdvertise, envelope.TypeUserRemove, envelope.TypePeerDeliver:
		// hop frames are re-signed by the relaying server, so the sender
		// must be the peer on the other end of this link
		if env.From != frame.PeerID || !r.verify(env) {
			r.metrics.IncInvalid()
			r.sendError(frame.Conn, envelope.CodeInvalidSignature, "")
			return
		}
	case envelope.TypeMsgPublic, envelope.TypeFileStart, envelope.TypeFileChunk, envelope.TypeFileEnd:
		// end-user frames keep the originating user's signature across hops
		if !r.verify(env) {
			r.metrics.IncInvalid()
			r.sendError(frame.Conn, envelope.CodeInvalidSignature, "")
			return
		}
	default:
		r.sendError(frame.Conn, envelope.CodeUnknownType, env.Type)
		return
	}

	if envelope.Deduplicated(env.Type) && r.seen.Seen(env.ID) {
		r.metrics.IncDuplicate()
		return
	}

	switch env.Type {
	case envelope.TypeUserAdvertise:
		r.applyAdvertise(frame, env)
	case envelope.TypeUserRemove:
		r.applyRemove(frame, env)
	case envelope.TypePeerDeliver:
		r.applyPeerDeliver(frame, env)
	case envelope.TypeMsgPublic:
		r.fanoutPublic(env, "", frame.PeerID)
	case envelope.TypeFileStart, envelope.TypeFileChunk, envelope.TypeFileEnd:
		r.trackFile(env)
		if env.To == "" {
			r.fanoutPublic(env, "", frame.PeerID)
		}
	}
}

func (r *Router) verify(env *envelope.Envelope) bool {
	pub, ok := r.keys.Get(env.From)
	return ok && env.Verify(pub) == nil
}

// applyAdvertise merges a gossiped presence fact and floods it onward only
// when it changed local state, excluding the link it arrived from.
func (r *Router) applyAdvertise(frame mesh.Frame, env *envelope.Envelope) {
	parsed, err := envelope.ParsePayload(env)
	if err != nil {
		r.sendError(frame.Conn, envelope.CodeUnknownType, "bad USER_ADVERTISE payload")
		return
	}
	adv := parsed.(envelope.AdvertisePayload)
	if err := r.keys.AddPEM(adv.UserID, adv.PubKey); err != nil {
		r.sendError(frame.Conn, envelope.CodeUnknownType, "bad advertised key")
		return
	}
	if !r.presence.Advertise(adv.UserID, adv.ServerID, env.Ts, env) {
		return
	}
	hop, err := r.mesh.Resign(env)
	if err != nil {
		return
	}
	r.mesh.Broadcast(hop, frame.PeerID)
	r.sessions.Broadcast(hop, "")
}

func (r *Router) applyRemove(frame mesh.Frame, env *envelope.Envelope) {
	parsed, err := envelope.ParsePayload(env)
	if err != nil {
		r.sendError(frame.Conn, envelope.CodeUnknownType, "bad USER_REMOVE payload")
		return
	}
	rm := parsed.(envelope.RemovePayload)
	if !r.presence.Remove(rm.UserID, env.Ts) {
		return
	}
	r.keys.Remove(rm.UserID)
	hop, err := r.mesh.Resign(env)
	if err != nil {
		return
	}
	r.mesh.Broadcast(hop, frame.PeerID)
	r.sessions.Broadcast(hop, "")
}

// applyPeerDeliver unwraps a forwarded frame. Addressed to us it goes down to
// the local recipient; addressed elsewhere it is relayed one more hop.
func (r *Router) applyPeerDeliver(frame mesh.Frame, env *envelope.Envelope) {
	parsed, err := envelope.ParsePayload(env)
	if err != nil {
		r.sendError(frame.Conn, envelope.CodeUnknownType, "bad PEER_DELIVER payload")
		return
	}
	wrapped := parsed.(envelope.DeliverPayload)
	inner, err := envelope.Decode(wrapped.Envelope)
	if err != nil {
		r.sendError(frame.Conn, envelope.CodeUnknownType, "bad wrapped envelope")
		return
	}
	if env.To != "" && env.To != r.selfID {
		hop, err := r.mesh.Resign(env)
		if err != nil {
			return
		}
		if err := r.mesh.SendTo(env.To, hop); err != nil {
			r.metrics.IncDropped()
			r.sendError(frame.Conn, envelope.CodeUserOffline, inner.To)
		} else {
			r.metrics.IncForwarded()
		}
		return
	}
	if envelope.Deduplicated(inner.Type) && r.seen.Seen(inner.ID) {
		r.metrics.IncDuplicate()
		return
	}
	switch inner.Type {
	case envelope.TypeFileStart, envelope.TypeFileChunk, envelope.TypeFileEnd:
		r.trackFile(inner)
	}
	if _, ok := r.presence.Lookup(inner.To); !ok {
		r.metrics.IncDropped()
		r.sendError(frame.Conn, envelope.CodeUnknownUser, inner.To)
		return
	}
	if err := r.deliverLocal(inner.To, inner); err != nil {
		r.metrics.IncDropped()
		r.sendError(frame.Conn, envelope.CodeUserOffline, inner.To)
		return
	}
	r.metrics.IncDelivered()
}

// routeDirect sends a user-signed frame toward env.To: straight to a local
// session, or wrapped as PEER_DELIVER for the owning server. With no live
// route the frame is dropped and the origin told, never buffered.
func (r *Router) routeDirect(replyConn session.Sender, env *envelope.Envelope) {
	if env.To == "" {
		r.sendError(replyConn, envelope.CodeUnknownUser, "missing recipient")
		return
	}
	owner, ok := r.presence.Lookup(env.To)
	if !ok {
		r.metrics.IncDropped()
		r.sendError(replyConn, envelope.CodeUnknownUser, env.To)
		return
	}
	if owner == r.selfID {
		if err := r.deliverLocal(env.To, env); err != nil {
			r.metrics.IncDropped()
			r.sendError(replyConn, envelope.CodeUserOffline, env.To)
			return
		}
		r.metrics.IncDelivered()
		return
	}
	wrapped, err := r.wrapDeliver(envelope.TypePeerDeliver, owner, env)
	if err != nil {
		return
	}
	if err := r.mesh.SendTo(owner, wrapped); err != nil {
		r.metrics.IncDropped()
		r.sendError(replyConn, envelope.CodeUserOffline, env.To)
		return
	}
	r.metrics.IncForwarded()
}

// fanoutPublic delivers env to every local session except the sender and
// floods it to every established peer except the link it came from. The id
// is recorded before forwarding so a copy looping back is dropped silently.
func (r *Router) fanoutPublic(env *envelope.Envelope, exceptUser, exceptPeer string) {
	r.seen.Remember(env.ID)
	r.sessions.Broadcast(env, exceptUser)
	r.mesh.Broadcast(env, exceptPeer)
	r.metrics.IncForwarded()
}

// deliverLocal wraps env as USER_DELIVER and pushes it to the recipient's
// session. Payload bytes inside env stay opaque end to end.
func (r *Router) deliverLocal(userID string, env *envelope.Envelope) error {
	deliver, err := r.wrapDeliver(envelope.TypeUserDeliver, userID, env)
	if err != nil {
		return err
	}
	return r.sessions.Deliver(userID, deliver)
}

func (r *Router) wrapDeliver(kind, to string, inner *envelope.Envelope) (*envelope.Envelope, error) {
	raw, err := inner.Encode()
	if err != nil {
		return nil, err
	}
	out, err := envelope.New(kind, r.selfID, to, envelope.DeliverPayload{Envelope: raw})
	if err != nil {
		return nil, err
	}
	if err := out.Sign(r.key); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Router) sendError(conn session.Sender, code, detail string) {
	env, err := envelope.New(envelope.TypeError, r.selfID, "", envelope.ErrorPayload{Code: code, Detail: detail})
	if err != nil {
		return
	}
	_ = conn.Send(env)
}
