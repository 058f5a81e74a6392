// Package server is chatgate's HTTP surface: the REST API, server-sent
// event and WebSocket streaming, user administration and /metrics.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/chatgate/chatgate/pkg/models"
	"github.com/chatgate/chatgate/pkg/relay"
)

// Completer answers chat requests.
type Completer interface {
	ListModels(ctx context.Context) ([]models.ModelSummary, error)
	Complete(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, models.CacheStatus, error)
	CompleteStreaming(ctx context.Context, req models.ChatRequest, sink relay.Sink) error
}

// Identity authenticates clients and manages accounts.
type Identity interface {
	VerifyCredentials(ctx context.Context, username, password string) (*models.Principal, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	CreateUser(ctx context.Context, in models.UserInput) (*models.User, error)
	UpdateUser(ctx context.Context, id int64, in models.UserInput) (*models.User, error)
	DeleteUser(ctx context.Context, id int64) error
	GetPreferences(ctx context.Context, id int64) (models.Preferences, error)
	UpdatePreferences(ctx context.Context, id int64, prefs models.Preferences) error
}

// Options configures a Server.
type Options struct {
	Listen   string
	Proxy    Completer
	Identity Identity
	// Gatherer is served at MetricsPath when set.
	Gatherer    prometheus.Gatherer
	MetricsPath string
	Logger      logrus.FieldLogger
}

// CacheHeader reports whether a non-streaming completion was cached.
const CacheHeader = "X-Chatgate-Cache"

// maxBodySize bounds JSON request bodies.
const maxBodySize = 4 << 20

// Server routes client requests to the proxy and identity store.
type Server struct {
	listen   string
	proxy    Completer
	identity Identity
	log      logrus.FieldLogger
	router   *mux.Router
	upgrader websocket.Upgrader
}

// New creates a Server with all routes registered.
func New(opts Options) *Server {
	s := &Server{
		listen:   opts.Listen,
		proxy:    opts.Proxy,
		identity: opts.Identity,
		log:      opts.Logger,
		router:   mux.NewRouter(),
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}

	r := s.router
	r.Use(s.logRequests)
	r.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	if opts.Gatherer != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/api/auth/check", s.handleAuthCheck).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.requireAuth)
	authed.HandleFunc("/api/models", s.handleModels).Methods(http.MethodGet)
	authed.HandleFunc("/api/chat", s.handleChat).Methods(http.MethodPost)
	authed.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	authed.HandleFunc("/api/preferences", s.handleGetPreferences).Methods(http.MethodGet)
	authed.HandleFunc("/api/preferences", s.handlePutPreferences).Methods(http.MethodPut)

	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(s.requireAuth, requireAdmin)
	admin.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users", s.handleCreateUser).Methods(http.MethodPost)
	admin.HandleFunc("/users/{id:[0-9]+}", s.handleUpdateUser).Methods(http.MethodPut)
	admin.HandleFunc("/users/{id:[0-9]+}", s.handleDeleteUser).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found", "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// Request contexts derive from ctx, so open streams end with it.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("listen", s.listen).Info("chatgate listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return false
	}
	return true
}
