package client

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"overlay-chat/internal/crypto"
	"overlay-chat/internal/envelope"
	"overlay-chat/internal/keyring"
	"overlay-chat/internal/ui"
)

// chunkSize is the plaintext size of one FILE_CHUNK before base64.
const chunkSize = 32 * 1024

var (
	ErrNameInUse    = errors.New("user id already taken")
	ErrNotConnected = errors.New("not connected")
)

// Conn is one framed stream to a mesh node. The concrete implementation is
// transport.Conn; tests substitute in-memory fakes.
type Conn interface {
	Send(env *envelope.Envelope) error
	Receive() (*envelope.Envelope, error)
	Close() error
}

// Options configures a chat client.
type Options struct {
	UserID string
	Key    *rsa.PrivateKey
	Token  string      // operator token, required only by -require-auth nodes
	Box    *crypto.Box // seals chat text end to end; nil sends plaintext
	Sink   ui.Sink

	HistorySize int
}

type rosterEntry struct {
	server string
	online bool
}

type transfer struct {
	name   string
	from   string
	chunks int
}

// Client speaks the user side of the protocol: it registers a session with
// HELLO, signs every outgoing frame with the user's key, and feeds whatever
// the node delivers into the configured display sink.
type Client struct {
	userID string
	token  string
	key    *rsa.PrivateKey
	pubPEM string
	box    *crypto.Box
	sink   ui.Sink
	keys   *keyring.Keyring

	historySize int

	mu        sync.Mutex
	conn      Conn
	serverID  string
	serverKey *rsa.PublicKey
	roster    map[string]rosterEntry
	history   []ui.Message
	transfers map[string]*transfer
}

func New(opts Options) (*Client, error) {
	if opts.UserID == "" || opts.Key == nil {
		return nil, errors.New("user id and key required")
	}
	if opts.Sink == nil {
		return nil, errors.New("display sink required")
	}
	pubPEM, err := keyring.EncodePublicKey(&opts.Key.PublicKey)
	if err != nil {
		return nil, err
	}
	size := opts.HistorySize
	if size <= 0 {
		size = 200
	}
	return &Client{
		userID:      opts.UserID,
		token:       opts.Token,
		key:         opts.Key,
		pubPEM:      pubPEM,
		box:         opts.Box,
		sink:        opts.Sink,
		keys:        keyring.New(),
		historySize: size,
		roster:      make(map[string]rosterEntry),
		transfers:   make(map[string]*transfer),
	}, nil
}

// Connect registers this user over conn and blocks until the node accepts or
// rejects the HELLO. Presence gossip arriving before the ack is applied so
// the roster is warm by the time Connect returns.
func (c *Client) Connect(ctx context.Context, conn Conn) error {
	hello, err := envelope.New(envelope.TypeHello, c.userID, "", envelope.HelloPayload{
		UserID: c.userID,
		PubKey: c.pubPEM,
		Token:  c.token,
	})
	if err != nil {
		return err
	}
	if err := hello.Sign(c.key); err != nil {
		return err
	}
	if err := conn.Send(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, err := conn.Receive()
		if err != nil {
			return fmt.Errorf("await hello ack: %w", err)
		}
		switch env.Type {
		case envelope.TypeHello:
			parsed, err := envelope.ParsePayload(env)
			if err != nil {
				return fmt.Errorf("bad hello ack: %w", err)
			}
			ack := parsed.(envelope.HelloAckPayload)
			serverKey, err := keyring.ParsePublicKey(ack.PubKey)
			if err != nil {
				return fmt.Errorf("bad server key: %w", err)
			}
			c.mu.Lock()
			c.conn = conn
			c.serverID = ack.ServerID
			c.serverKey = serverKey
			c.mu.Unlock()
			c.keys.Add(ack.ServerID, serverKey)
			return nil
		case envelope.TypeError:
			parsed, err := envelope.ParsePayload(env)
			if err != nil {
				return fmt.Errorf("registration rejected: %w", err)
			}
			p := parsed.(envelope.ErrorPayload)
			if p.Code == envelope.CodeNameInUse {
				return fmt.Errorf("%w: %s", ErrNameInUse, p.Detail)
			}
			return fmt.Errorf("registration rejected: %s %s", p.Code, p.Detail)
		case envelope.TypeUserAdvertise:
			c.applyAdvertise(env)
		default:
			// anything else before the ack is stale gossip; drop it
		}
	}
}

// Run consumes frames from the node until the connection drops or ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		env, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeUserDeliver:
		c.handleDeliver(env)
	case envelope.TypeMsgPublic:
		c.handlePublic(env)
	case envelope.TypeUserAdvertise:
		c.applyAdvertise(env)
	case envelope.TypeUserRemove:
		c.applyRemove(env)
	case envelope.TypeFileStart, envelope.TypeFileChunk, envelope.TypeFileEnd:
		c.handleFile(env)
	case envelope.TypeError:
		if parsed, err := envelope.ParsePayload(env); err == nil {
			p := parsed.(envelope.ErrorPayload)
			c.sink.ShowSystem(fmt.Sprintf("server error %s: %s", p.Code, p.Detail))
		}
	}
}

// handleDeliver unwraps a USER_DELIVER. The wrapper is signed by our own
// node; the inner frame keeps the originating user's signature.
func (c *Client) handleDeliver(env *envelope.Envelope) {
	c.mu.Lock()
	serverID, serverKey := c.serverID, c.serverKey
	c.mu.Unlock()
	if env.From != serverID || env.Verify(serverKey) != nil {
		c.sink.ShowSystem("dropped a delivery with a bad server signature")
		return
	}
	parsed, err := envelope.ParsePayload(env)
	if err != nil {
		return
	}
	inner, err := envelope.Decode(parsed.(envelope.DeliverPayload).Envelope)
	if err != nil {
		return
	}
	switch inner.Type {
	case envelope.TypeMsgDirect:
		c.showChat(inner, "dm")
	case envelope.TypeMsgPublic:
		c.showChat(inner, "public")
	case envelope.TypeFileStart, envelope.TypeFileChunk, envelope.TypeFileEnd:
		c.handleFile(inner)
	}
}

func (c *Client) handlePublic(env *envelope.Envelope) {
	// the node verified the sender before fanning out; verify again only
	// when gossip has given us the sender's key
	if pub, ok := c.keys.Get(env.From); ok && env.Verify(pub) != nil {
		c.sink.ShowSystem(fmt.Sprintf("dropped a message with a bad signature from %s", env.From))
		return
	}
	c.showChat(env, "public")
}

func (c *Client) showChat(env *envelope.Envelope, kind string) {
	parsed, err := envelope.ParsePayload(env)
	if err != nil {
		return
	}
	chat, ok := parsed.(envelope.ChatPayload)
	if !ok {
		return
	}
	text, err := c.box.Open([]byte(chat.Ciphertext))
	if err != nil {
		c.sink.ShowSystem(fmt.Sprintf("could not decrypt a message from %s", env.From))
		return
	}
	msg := ui.Message{
		From: env.From,
		Text: string(text),
		Kind: kind,
		Time: time.UnixMilli(env.Ts),
	}
	if kind == "public" {
		msg.Channel = env.To
	}
	c.remember(msg)
	c.sink.ShowMessage(msg)
}

func (c *Client) handleFile(env *envelope.Envelope) {
	parsed, err := envelope.ParsePayload(env)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch p := parsed.(type) {
	case envelope.FileStartPayload:
		c.transfers[p.TransferID] = &transfer{name: p.Name, from: env.From}
		c.sink.ShowSystem(fmt.Sprintf("%s is sending %s", env.From, p.Name))
	case envelope.FileChunkPayload:
		if tx, ok := c.transfers[p.TransferID]; ok {
			tx.chunks++
		}
	case envelope.FileEndPayload:
		tx, ok := c.transfers[p.TransferID]
		if !ok {
			return
		}
		delete(c.transfers, p.TransferID)
		c.sink.ShowMessage(ui.Message{
			From: tx.from,
			Text: fmt.Sprintf("sent %s (%d chunks)", tx.name, tx.chunks),
			Kind: "file",
			Time: time.UnixMilli(env.Ts),
		})
	}
}

func (c *Client) applyAdvertise(env *envelope.Envelope) {
	parsed, err := envelope.ParsePayload(env)
	if err != nil {
		return
	}
	adv := parsed.(envelope.AdvertisePayload)
	if err := c.keys.AddPEM(adv.UserID, adv.PubKey); err != nil {
		return
	}
	c.mu.Lock()
	c.roster[adv.UserID] = rosterEntry{server: adv.ServerID, online: true}
	c.mu.Unlock()
	c.sink.UpdateRoster(c.Roster())
}

func (c *Client) applyRemove(env *envelope.Envelope) {
	parsed, err := envelope.ParsePayload(env)
	if err != nil {
		return
	}
	rm := parsed.(envelope.RemovePayload)
	c.keys.Remove(rm.UserID)
	c.mu.Lock()
	delete(c.roster, rm.UserID)
	c.mu.Unlock()
	c.sink.UpdateRoster(c.Roster())
}

// SendDirect seals text for one recipient and signs the frame. The local
// echo goes through the sink so the sender sees their own line.
func (c *Client) SendDirect(to, text string) error {
	env, err := c.chatEnvelope(envelope.TypeMsgDirect, to, text)
	if err != nil {
		return err
	}
	if err := c.send(env); err != nil {
		return err
	}
	msg := ui.Message{From: c.userID, Text: text, Kind: "dm", Time: time.Now()}
	c.remember(msg)
	c.sink.ShowMessage(msg)
	return nil
}

// SendPublic floods text to every user on the mesh. Channel may be empty for
// the default room.
func (c *Client) SendPublic(channel, text string) error {
	env, err := c.chatEnvelope(envelope.TypeMsgPublic, channel, text)
	if err != nil {
		return err
	}
	if err := c.send(env); err != nil {
		return err
	}
	msg := ui.Message{From: c.userID, Channel: channel, Text: text, Kind: "public", Time: time.Now()}
	c.remember(msg)
	c.sink.ShowMessage(msg)
	return nil
}

// SendFile streams data as a chunked transfer. An empty recipient floods the
// file to the whole mesh.
func (c *Client) SendFile(to, name string, data []byte) error {
	transferID := uuid.NewString()
	total := (len(data) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	start, err := c.signedEnvelope(envelope.TypeFileStart, to, envelope.FileStartPayload{
		TransferID:  transferID,
		Name:        name,
		Size:        int64(len(data)),
		TotalChunks: total,
	})
	if err != nil {
		return err
	}
	if err := c.send(start); err != nil {
		return err
	}

	for i := 0; i < total; i++ {
		end := (i + 1) * chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk, err := c.signedEnvelope(envelope.TypeFileChunk, to, envelope.FileChunkPayload{
			TransferID: transferID,
			Index:      i,
			Data:       base64.StdEncoding.EncodeToString(data[i*chunkSize : end]),
		})
		if err != nil {
			return err
		}
		if err := c.send(chunk); err != nil {
			return err
		}
	}

	fin, err := c.signedEnvelope(envelope.TypeFileEnd, to, envelope.FileEndPayload{
		TransferID:  transferID,
		TotalChunks: total,
	})
	if err != nil {
		return err
	}
	return c.send(fin)
}

// Roster returns the known users sorted by id.
func (c *Client) Roster() []ui.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ui.Presence, 0, len(c.roster))
	for id, entry := range c.roster {
		out = append(out, ui.Presence{UserID: id, Server: entry.server, Online: entry.online})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// History returns a copy of the in-memory scrollback, oldest first.
func (c *Client) History() []ui.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ui.Message, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Client) chatEnvelope(frameType, to, text string) (*envelope.Envelope, error) {
	sealed, err := c.box.Seal([]byte(text))
	if err != nil {
		return nil, err
	}
	return c.signedEnvelope(frameType, to, envelope.ChatPayload{Ciphertext: string(sealed)})
}

func (c *Client) signedEnvelope(frameType, to string, payload any) (*envelope.Envelope, error) {
	env, err := envelope.New(frameType, c.userID, to, payload)
	if err != nil {
		return nil, err
	}
	if err := env.Sign(c.key); err != nil {
		return nil, err
	}
	return env, nil
}

func (c *Client) send(env *envelope.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(env)
}

func (c *Client) remember(msg ui.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, msg)
	if len(c.history) > c.historySize {
		c.history = c.history[len(c.history)-c.historySize:]
	}
}
