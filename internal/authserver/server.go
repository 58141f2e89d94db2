package authserver

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"overlay-chat/internal/authutil"
)

// Server is the operator-facing token service. Mesh nodes started with
// -require-auth share a secret with it; a user registers here once, logs in,
// and presents the issued token in their HELLO. Accounts live in memory only.
type Server struct {
	tokens  *authutil.Tokens
	metrics *Metrics

	mu    sync.RWMutex
	users map[string]string // user id -> bcrypt hash
}

func New(tokens *authutil.Tokens) *Server {
	return &Server{
		tokens:  tokens,
		metrics: &Metrics{},
		users:   make(map[string]string),
	}
}

// MetricsSnapshot exposes the current counters for tests and logging.
func (s *Server) MetricsSnapshot() MetricsSnapshot {
	return s.metrics.snapshot()
}

// Router wires up chi routes, middleware, and handlers ready for
// http.ListenAndServe.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(s.loggingMiddleware())

	r.Post("/register", s.registerHandler())
	r.Post("/login", s.loginHandler())
	r.Get("/healthz", s.healthHandler())

	r.With(s.authenticated()).Get("/whoami", s.whoamiHandler())

	return r
}
