// Package api exposes the swap service over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"gitlab.com/distributed_lab/logan/v3"

	"atomic-pek/internal/events"
	"atomic-pek/internal/observability"
	"atomic-pek/internal/swap"
)

const (
	defaultStreamRefresh = 5 * time.Second
	shutdownTimeout      = 10 * time.Second
)

// Options carries the server's collaborators.
type Options struct {
	Service *swap.Service
	// Hub feeds /swap_stream. Without it streams only refresh periodically.
	Hub *events.Hub
	// Metrics serves /metrics. Defaults to the default Prometheus registry.
	Metrics http.Handler
	// StreamRefresh is how often a stream re-reads the swap between events.
	StreamRefresh time.Duration
	// AdminToken is the bearer token /swap_abort requires. Empty disables it.
	AdminToken string
	Log        *logan.Entry
}

// Server is the HTTP surface of the service.
type Server struct {
	svc           *swap.Service
	hub           *events.Hub
	metrics       http.Handler
	streamRefresh time.Duration
	adminToken    string
	log           *logan.Entry
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = observability.Handler()
	}
	if opts.StreamRefresh <= 0 {
		opts.StreamRefresh = defaultStreamRefresh
	}
	return &Server{
		svc:           opts.Service,
		hub:           opts.Hub,
		metrics:       opts.Metrics,
		streamRefresh: opts.StreamRefresh,
		adminToken:    opts.AdminToken,
		log:           opts.Log.WithField("service", "api"),
	}
}

// Handler returns the routed handler. Public routes allow any origin; the
// admin route does not answer CORS at all.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", s.metrics)

	mux.HandleFunc("POST /start_swap", s.handleStart)
	mux.HandleFunc("GET /swap_status/{id}", s.handleStatus)
	mux.HandleFunc("GET /swap_stream/{id}", s.handleStream)

	root := http.NewServeMux()
	root.Handle("/", withCORS(mux))
	root.Handle("POST /swap_abort/{id}", s.requireAdmin(http.HandlerFunc(s.handleAbort)))
	root.HandleFunc("/swap_abort/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
	})
	return root
}

// requireAdmin admits requests carrying the admin bearer token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusForbidden, msgAdminDisabled)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("HTTP server stopped")
	return nil
}

// withCORS allows any origin, as the web UI is served elsewhere.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
