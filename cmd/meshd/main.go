package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"overlay-chat/internal/authutil"
	"overlay-chat/internal/config"
	"overlay-chat/internal/crypto"
	"overlay-chat/internal/dedup"
	"overlay-chat/internal/keyring"
	"overlay-chat/internal/keystore"
	"overlay-chat/internal/mesh"
	"overlay-chat/internal/metrics"
	"overlay-chat/internal/presence"
	"overlay-chat/internal/router"
	"overlay-chat/internal/session"
	"overlay-chat/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := keystore.Open(cfg.KeystorePath, cfg.KeyPassphrase)
	if err != nil {
		log.Fatalf("open keystore: %v", err)
	}
	defer store.Close()

	serverID, err := store.ServerID()
	if err != nil {
		log.Fatalf("server id: %v", err)
	}
	key, err := store.EnsureKey(serverID)
	if err != nil {
		log.Fatalf("server keypair: %v", err)
	}
	log.Printf("server %s starting", serverID)

	box, err := crypto.NewBox(cfg.LinkSecret)
	if err != nil {
		log.Fatalf("link box: %v", err)
	}

	keys := keyring.New()
	directory := presence.NewDirectory()
	sessions := session.NewRegistry()
	seen := dedup.NewCache(cfg.SeenCacheSize)
	counters := metrics.New()

	manager, err := mesh.NewManager(mesh.Options{
		SelfID:         serverID,
		Host:           cfg.AdvertiseHost,
		Port:           cfg.AdvertisePort,
		Key:            key,
		Keyring:        keys,
		Presence:       directory,
		Seen:           seen,
		Box:            box,
		Metrics:        counters,
		HeartbeatEvery: cfg.HeartbeatEvery,
		ReapAfter:      cfg.ReapAfter,
	})
	if err != nil {
		log.Fatalf("mesh manager: %v", err)
	}

	var auth *authutil.Tokens
	if cfg.RequireAuth {
		auth = authutil.NewTokens(cfg.AuthSecret, 0)
	}

	rt, err := router.New(router.Options{
		SelfID:   serverID,
		Key:      key,
		Sessions: sessions,
		Presence: directory,
		Mesh:     manager,
		Seen:     seen,
		Keys:     keys,
		Metrics:  counters,
		Auth:     auth,
		FileIdle: cfg.FileIdle,
	})
	if err != nil {
		log.Fatalf("router: %v", err)
	}

	listener := transport.NewListener(transport.ListenerOptions{
		Addr:   cfg.ListenAddr,
		Box:    box,
		OnUser: func(c *transport.Conn) { rt.HandleUserConn(c) },
		OnPeer: func(c *transport.Conn) {
			if err := manager.AcceptPeer(c); err != nil {
				log.Printf("peer handshake from %s rejected: %v", c.RemoteAddr(), err)
			}
		},
		Routes: func(r chi.Router) {
			r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "server_id": serverID})
			})
			r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, counters.Snapshot())
			})
			r.Get("/users", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, sessions.List())
			})
			r.Get("/peers", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{
					"peers":    manager.Snapshot(),
					"presence": directory.Snapshot(),
				})
			})
		},
	})
	if err := listener.Start(); err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go manager.Run(ctx)
	go rt.Run(ctx)

	if cfg.Introducer != "" {
		if err := manager.Join(ctx, cfg.Introducer); err != nil {
			log.Printf("join via %s failed: %v", cfg.Introducer, err)
		}
	}

	<-ctx.Done()
	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := listener.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	manager.Close()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write json: %v", err)
	}
}
