package transport

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog"
	"github.com/gorilla/websocket"

	"overlay-chat/internal/crypto"
)

// ListenerOptions wires the listener to the connection handlers and any extra
// HTTP routes the node wants to expose next to the two upgrade endpoints.
type ListenerOptions struct {
	Addr    string
	Box     *crypto.Box
	OnUser  func(*Conn)
	OnPeer  func(*Conn)
	Routes  func(chi.Router)
	LogName string
}

// Listener serves the node's HTTP surface: /ws for user clients, /mesh for
// peer servers, plus the operational routes mounted by the caller.
type Listener struct {
	addr     string
	box      *crypto.Box
	onUser   func(*Conn)
	onPeer   func(*Conn)
	upgrader websocket.Upgrader
	srv      *http.Server
	bound    chan struct{}
	boundTo  net.Addr
}

func NewListener(opts ListenerOptions) *Listener {
	l := &Listener{
		addr:   opts.Addr,
		box:    opts.Box,
		onUser: opts.OnUser,
		onPeer: opts.OnPeer,
		bound:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	name := opts.LogName
	if name == "" {
		name = "meshd"
	}
	logger := httplog.NewLogger(name, httplog.Options{Concise: true})

	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Get("/ws", l.upgrade(func(c *Conn) { l.onUser(c) }))
	r.Get("/mesh", l.upgrade(func(c *Conn) { l.onPeer(c) }))
	if opts.Routes != nil {
		opts.Routes(r)
	}

	l.srv = &http.Server{Addr: opts.Addr, Handler: r}
	return l
}

func (l *Listener) upgrade(handle func(*Conn)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("upgrade %s from %s: %v", r.URL.Path, r.RemoteAddr, err)
			return
		}
		go handle(NewConn(ws, l.box))
	}
}

// Start binds the listen address and begins serving in the background.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.boundTo = ln.Addr()
	close(l.bound)
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("listener stopped: %v", err)
		}
	}()
	log.Printf("listening on %s", l.boundTo)
	return nil
}

// Addr reports the bound address once Start has succeeded.
func (l *Listener) Addr() net.Addr {
	select {
	case <-l.bound:
		return l.boundTo
	default:
		return nil
	}
}

// Shutdown stops accepting and drains in-flight requests.
func (l *Listener) Shutdown(ctx context.Context) error {
	return l.srv.Shutdown(ctx)
}
