// Package server exposes the relay's operational HTTP API: probes, metrics
// and administration of registered tool servers.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petal-labs/toolrelay/cache"
	"github.com/petal-labs/toolrelay/tool"
	"github.com/petal-labs/toolrelay/worker"
)

// PoolStatuser reports the local worker pool state.
type PoolStatuser interface {
	Status(ctx context.Context) (worker.PoolStatus, error)
}

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Store    tool.Store
	Registry *tool.Registry
	// Cache backs the sync-request queue and worker membership. Optional.
	Cache cache.Cache
	Pool  PoolStatuser
	AppID string
	// Gatherer feeds /metrics (default: prometheus.DefaultGatherer).
	Gatherer prometheus.Gatherer
	// AdminToken, when set, is required as a bearer token on /api routes.
	AdminToken string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the relay HTTP API server.
type Server struct {
	store      tool.Store
	registry   *tool.Registry
	cache      cache.Cache
	pool       PoolStatuser
	appID      string
	gatherer   prometheus.Gatherer
	adminToken string
	maxBody    int64
	logger     *slog.Logger
	router     chi.Router
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		store:      cfg.Store,
		registry:   cfg.Registry,
		cache:      cfg.Cache,
		pool:       cfg.Pool,
		appID:      cfg.AppID,
		gatherer:   gatherer,
		adminToken: cfg.AdminToken,
		maxBody:    maxBody,
		logger:     logger,
	}
	s.router = s.routes()
	return s
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.maxBodyMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/servers", s.handleListServers)
		r.Post("/servers", s.handleRegisterServer)
		r.Get("/servers/{namespace}", s.handleGetServer)
		r.Get("/servers/{namespace}/tools", s.handleListTools)
		r.Post("/sync", s.handleEnqueueSync)
		r.Get("/workers", s.handleWorkers)
	})
	return r
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
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("server: listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// --- Middleware ---

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

// writeToolError maps registry errors onto HTTP statuses.
func writeToolError(w http.ResponseWriter, err error) {
	code := tool.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case tool.ErrorCodeValidation:
		status = http.StatusUnprocessableEntity
	case tool.ErrorCodeNotFound:
		status = http.StatusNotFound
	case tool.ErrorCodeRemote:
		status = http.StatusBadGateway
	}
	writeError(w, status, code, err.Error())
}
