package transport

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"overlay-chat/internal/crypto"
)

// MeshURL builds the peer endpoint URL for a server reachable at host:port.
func MeshURL(host string, port int) string {
	return fmt.Sprintf("ws://%s:%d/mesh", host, port)
}

// Dial opens an outbound framed connection; peers dial /mesh, clients /ws.
func Dial(ctx context.Context, rawURL string, box *crypto.Box) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return NewConn(ws, box), nil
}
