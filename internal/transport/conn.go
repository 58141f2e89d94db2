package transport

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"overlay-chat/internal/crypto"
	"overlay-chat/internal/envelope"
)

// Conn frames envelopes over one WebSocket connection. Writes are serialised
// with a mutex; reads stay on the single worker that owns the connection.
// When a link box is configured every frame is sealed before it leaves.
type Conn struct {
	ws        *websocket.Conn
	box       *crypto.Box
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, box *crypto.Box) *Conn {
	return &Conn{ws: ws, box: box}
}

// Send encodes, seals and writes one envelope.
func (c *Conn) Send(env *envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	payload, err := c.box.Seal(data)
	if err != nil {
		return fmt.Errorf("seal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Receive blocks for the next envelope. A malformed frame is reported as an
// error wrapping envelope.ErrMalformedFrame; the connection stays usable and
// the caller decides whether to answer with an ERROR frame.
func (c *Conn) Receive() (*envelope.Envelope, error) {
	_, payload, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	data, err := c.box.Open(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: unseal: %v", envelope.ErrMalformedFrame, err)
	}
	return envelope.Decode(data)
}

// Close tears the connection down; safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}

// RemoteAddr names the far end for log lines.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
