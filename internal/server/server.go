// Package server exposes the explorer session over a local HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/consequence/explorer/internal/agent"
	"github.com/consequence/explorer/internal/assertion"
	"github.com/consequence/explorer/internal/bus"
	"github.com/consequence/explorer/internal/identity"
	"github.com/consequence/explorer/internal/peers"
	"github.com/consequence/explorer/internal/session"
)

const version = "0.1.0"

// DefaultWait bounds how long a handler waits for a correlated peer response.
const DefaultWait = 10 * time.Second

var errTimeout = errors.New("server: timed out waiting for peer")

// Announcer reports whether the API is advertised on the LAN.
type Announcer interface {
	IsBroadcasting() bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAnnouncer reports announcement status on /api/status.
func WithAnnouncer(a Announcer) Option {
	return func(s *Server) { s.announcer = a }
}

// WithWait overrides DefaultWait.
func WithWait(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.wait = d
		}
	}
}

// Server handles the explorer API and the event stream.
type Server struct {
	addr      string
	client    *session.Client
	agent     *agent.Agent
	registry  *peers.Registry
	announcer Announcer
	logger    *slog.Logger
	wait      time.Duration

	httpServer *http.Server

	watchMu   sync.Mutex
	watchKey  string
	watchStop bus.Cancel
	streamsMu sync.Mutex
	streams   map[*stream]struct{}
}

// New creates a server for addr. Nothing listens until Start.
func New(addr string, client *session.Client, a *agent.Agent, registry *peers.Registry, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		client:   client,
		agent:    a,
		registry: registry,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		wait:     DefaultWait,
		streams:  make(map[*stream]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	// Public keys are base64 and may contain "//".
	router.SkipClean(true)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/peers", s.handleGetPeers).Methods("GET")

	api.HandleFunc("/personas", s.handleGetPersonas).Methods("GET")
	api.HandleFunc("/personas", s.handleDeletePersonas).Methods("DELETE")
	api.HandleFunc("/personas/import", s.handleImportPersonas).Methods("POST")
	api.HandleFunc("/personas/select", s.handleSelectPersona).Methods("POST")

	api.HandleFunc("/tip", s.handleGetTip).Methods("GET")
	api.HandleFunc("/premises/current", s.handleGetCurrentPremise).Methods("GET")
	api.HandleFunc("/premises/genesis", s.handleGetGenesisPremise).Methods("GET")
	api.HandleFunc("/premises/{height:[0-9]+}", s.handleFetchPremise).Methods("POST")

	api.HandleFunc("/graph", s.handleGetGraph).Methods("GET")
	api.HandleFunc("/graph", s.handleRequestGraph).Methods("POST")

	api.HandleFunc("/profile/{key:.+}", s.handleGetProfile).Methods("GET")
	api.HandleFunc("/assertions", s.handlePushAssertion).Methods("POST")
	api.HandleFunc("/assertions/{id}", s.handleGetAssertion).Methods("GET")
	api.HandleFunc("/keys/{key:.+}/assertions", s.handleGetKeyAssertions).Methods("GET")
	api.HandleFunc("/keys/{key:.+}/pending", s.handleGetPending).Methods("GET")

	router.HandleFunc("/ws/events", s.handleEvents)

	// Wrapped outside the router so preflights reach it without a route.
	return corsMiddleware(router)
}

// Start serves the API until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("explorer api listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the graph watch, the event streams and the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopWatch()
	s.closeStreams()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// await starts a correlated request and waits for its first response. The
// subscription is always released before returning.
func await[T any](ctx context.Context, wait time.Duration, start func(fn func(T)) (bus.Cancel, error)) (T, error) {
	var zero T
	results := make(chan T, 1)

	cancel, err := start(func(v T) {
		select {
		case results <- v:
		default:
		}
	})
	if err != nil {
		return zero, err
	}
	if cancel != nil {
		defer cancel()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case v := <-results:
		return v, nil
	case <-timer.C:
		return zero, errTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var invalid *assertion.ValidationError

	switch {
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrNoTip):
		return http.StatusServiceUnavailable
	case errors.Is(err, errTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrNoPersonas), errors.Is(err, agent.ErrNoPersonas):
		return http.StatusConflict
	case errors.Is(err, agent.ErrPassphraseMismatch):
		return http.StatusForbidden
	case errors.Is(err, identity.ErrWeakPassphrase):
		return http.StatusUnprocessableEntity
	case errors.As(err, &invalid),
		errors.Is(err, session.ErrMissingKey),
		errors.Is(err, agent.ErrSelection):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Middleware

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
