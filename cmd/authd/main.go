package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/httplog"

	"overlay-chat/internal/authserver"
	"overlay-chat/internal/authutil"
)

func main() {
	addr := flag.String("listen", envOr("AUTH_LISTEN", ":9471"), "address the token service listens on")
	secret := flag.String("secret", os.Getenv("MESH_AUTH_SECRET"), "secret shared with mesh nodes running -require-auth")
	ttl := flag.Duration("token-ttl", 24*time.Hour, "lifetime of issued tokens")
	flag.Parse()

	if *secret == "" {
		log.Fatal("a signing secret is required: set MESH_AUTH_SECRET or -secret")
	}

	srv := authserver.New(authutil.NewTokens(*secret, *ttl))
	logger := httplog.NewLogger("authd", httplog.Options{Concise: true})

	server := &http.Server{
		Addr:    *addr,
		Handler: httplog.RequestLogger(logger)(srv.Router()),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("token service running at %s", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("token service stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
