// Package server implements the HTTP control plane: the auth gateway
// endpoints, session and request management, relay administration, the
// operator event stream, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frostr-org/igloo-server/internal/auth"
	"github.com/frostr-org/igloo-server/internal/broker"
	"github.com/frostr-org/igloo-server/internal/config"
	"github.com/frostr-org/igloo-server/internal/db"
	"github.com/frostr-org/igloo-server/internal/identity"
	"github.com/frostr-org/igloo-server/internal/queue"
	"github.com/frostr-org/igloo-server/internal/session"
	"github.com/frostr-org/igloo-server/internal/transport"
)

const version = "1.0.0"

// Server is the HTTP control plane for one broker instance.
type Server struct {
	cfg       *config.Config
	store     *db.Store
	userID    int64
	gateway   *auth.Gateway
	broker    *broker.Broker
	sessions  *session.Store
	queue     *queue.Queue
	adapter   *identity.Adapter
	pool      *transport.Pool
	router    *chi.Mux
	startedAt time.Time

	// Optional — set before Start() is called.
	events *EventBroadcaster
}

// New creates the control-plane server. userID is the broker user owning
// the persisted state.
func New(cfg *config.Config, store *db.Store, userID int64, gw *auth.Gateway, bk *broker.Broker,
	sessions *session.Store, q *queue.Queue, adapter *identity.Adapter, pool *transport.Pool) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		userID:    userID,
		gateway:   gw,
		broker:    bk,
		sessions:  sessions,
		queue:     q,
		adapter:   adapter,
		pool:      pool,
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// SetEventBroadcaster attaches the broadcaster for the /api/events SSE
// endpoint.
func (s *Server) SetEventBroadcaster(eb *EventBroadcaster) { s.events = eb }

// Start runs the HTTP server until ctx is cancelled. A listen failure (for
// example the port already being bound) is returned so the caller can exit
// non-zero.
func (s *Server) Start(ctx context.Context) error {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: /api/events is a long-lived SSE stream; per-write
		// deadlines are set through http.ResponseController instead.
		IdleTimeout: 60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr, "headless", s.cfg.Headless)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Health check.
	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	// Public surface: server status, auth discovery, login, onboarding.
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/auth/status", s.handleAuthStatus)
	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/onboard", s.handleOnboard)

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Everything that can see or steer the signer requires a session token
	// or the API key.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/api/auth/logout", s.handleLogout)

		r.Get("/api/nip46/sessions", s.handleListSessions)
		r.Post("/api/nip46/sessions", s.handleConnect)
		r.Get("/api/nip46/sessions/{pubkey}", s.handleGetSession)
		r.Put("/api/nip46/sessions/{pubkey}/policy", s.handleUpdatePolicy)
		r.Put("/api/nip46/sessions/{pubkey}/status", s.handleSessionStatus)
		r.Delete("/api/nip46/sessions/{pubkey}", s.handleRevokeSession)
		r.Post("/api/nip46/connect", s.handleConnect)

		r.Get("/api/nip46/requests", s.handleListRequests)
		r.Post("/api/nip46/requests/{id}/approve", s.handleApprove)
		r.Post("/api/nip46/requests/{id}/deny", s.handleDeny)
		r.Post("/api/nip46/requests/approve", s.handleApproveBulk)
		r.Post("/api/nip46/requests/deny", s.handleDenyBulk)

		r.Get("/api/nip46/transport", s.handleTransport)
		r.Post("/api/nip46/transport/reset", s.handleTransportReset)
		r.Get("/api/nip46/signer", s.handleSignerStatus)
		r.Post("/api/nip46/signer", s.handleSetSigner)

		r.Get("/api/relays", s.handleGetRelays)
		r.Post("/api/relays", s.handleAddRelay)
		r.Delete("/api/relays", s.handleRemoveRelay)
		r.Post("/api/relays/test", s.handleTestRelay)

		r.Get("/api/events", s.handleEventStream)
	})

	if s.cfg.Headless {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprintf(w, "igloo-server — remote signing broker (headless)\nAPI under /api\n")
		})
	} else {
		fs := http.FileServer(http.Dir(s.cfg.StaticDir))
		r.Handle("/*", fs)
	}

	return r
}

// ─── Status ───────────────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	connected := 0
	for _, st := range s.pool.Statuses() {
		if st.Connected {
			connected++
		}
	}
	jsonResponse(w, map[string]any{
		"status":           "ok",
		"version":          version,
		"started_at":       s.startedAt.Unix(),
		"auth_enabled":     s.gateway.Enabled(),
		"signer_ready":     s.adapter.Ready(),
		"relays":           len(s.pool.Relays()),
		"relays_connected": connected,
	}, http.StatusOK)
}

// ─── Auth middleware ──────────────────────────────────────────────────────────

// requireAuth accepts a session token in X-Session-Token or the static API
// key as a bearer token. With authentication disabled and no API key set,
// everything passes — local single-user deployments behind a firewall.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.gateway.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		if token := r.Header.Get("X-Session-Token"); token != "" {
			if _, ok := s.gateway.CheckToken(token); ok {
				next.ServeHTTP(w, r)
				return
			}
			errorResponse(w, "session expired", http.StatusUnauthorized)
			return
		}
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			if s.gateway.CheckAPIKey(strings.TrimPrefix(h, "Bearer ")) {
				next.ServeHTTP(w, r)
				return
			}
		}
		errorResponse(w, "unauthorized", http.StatusUnauthorized)
	})
}

// ─── Utility functions ────────────────────────────────────────────────────────

func jsonResponse(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, msg string, status int) {
	jsonResponse(w, map[string]string{"error": msg}, status)
}

// rateLimited writes the 429 with Retry-After when err wraps a rate-limit
// rejection. Reports whether it handled the error.
func rateLimited(w http.ResponseWriter, err error) bool {
	var rl *auth.RateLimitedError
	if !errors.As(err, &rl) {
		return false
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds()+0.5)))
	errorResponse(w, "too many attempts", http.StatusTooManyRequests)
	return true
}

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// corsMiddleware adds CORS headers for browser-based operator UIs.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Session-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Unwrap allows http.ResponseController to reach the underlying ResponseWriter
// so SetWriteDeadline works correctly (e.g. for long-lived SSE connections).
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Flush forwards to the wrapped writer so the SSE stream keeps flushing
// through the logging middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
