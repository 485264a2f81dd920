// Package api is the External Interfaces layer (spec §4, component C8):
// the REST surface (§6.1) and WebSocket event stream (§6.2) in front of
// pkg/lifecycle and pkg/store. The teacher has no HTTP surface of its own;
// this package is grounded on the go-chi/chi + go-chi/cors stack this
// repository carries (the jordigilh-kubernaut example pulls both into the
// pack) using the libraries' own documented idioms — a chi.Router with
// cors.Handler as the outermost middleware, one handler per route.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/existential-birds/amelia/pkg/eventbus"
	"github.com/existential-birds/amelia/pkg/lifecycle"
	"github.com/existential-birds/amelia/pkg/store"
)

// Server wires the Lifecycle Service, Store, and Event Bus behind an
// http.Handler implementing spec §6.1/§6.2.
type Server struct {
	lifecycle           *lifecycle.Service
	store               store.Store
	bus                 *eventbus.Bus
	log                 *zap.Logger
	websocketIdleTimeout time.Duration
	router              chi.Router
}

// Option configures optional Server behavior.
type Option func(*Server)

// WithLogger attaches a structured logger; without it, the Server logs nothing.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithWebsocketIdleTimeout overrides the default websocket idle timeout
// (spec §6.2's websocket_idle_timeout_seconds).
func WithWebsocketIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.websocketIdleTimeout = d }
}

// NewServer builds the Server and its route table.
func NewServer(svc *lifecycle.Service, db store.Store, bus *eventbus.Bus, opts ...Option) *Server {
	s := &Server{
		lifecycle:            svc,
		store:                db,
		bus:                  bus,
		log:                  zap.NewNop(),
		websocketIdleTimeout: 300 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	}))

	r.Post("/workflows", s.handleCreateWorkflow)
	r.Get("/workflows", s.handleListWorkflows)
	r.Get("/workflows/{id}", s.handleGetWorkflow)
	r.Post("/workflows/{id}/approve", s.handleApprove)
	r.Post("/workflows/{id}/reject", s.handleReject)
	r.Post("/workflows/{id}/cancel", s.handleCancel)
	r.Get("/workflows/{id}/events", s.handleListEvents)
	r.Get("/health/live", s.handleHealthLive)
	r.Get("/health/ready", s.handleHealthReady)
	r.Get("/ws/events", s.handleWebsocket)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
