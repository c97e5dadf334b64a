// Package server provides the HTTP front end for the response cache.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/response-cache/cache"
	"github.com/wolfeidau/response-cache/fetch"
	"github.com/wolfeidau/response-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Cache serves and stores responses. Required.
	Cache *cache.Cache

	// Client fetches upstream URLs on a miss. Required.
	Client fetch.Doer

	// DefaultTTL is used by fetches that do not pass a ttl parameter.
	// Default: cache.DefaultTTL
	DefaultTTL time.Duration

	// AuthToken, when set, is required as a Bearer token on every endpoint
	// except /health and /metrics.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the response cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	cache      *cache.Cache
	client     fetch.Doer
	downloader *fetch.Downloader
	handler    http.Handler
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Cache == nil {
		return nil, errors.New("server: cache is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("server: client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = cache.DefaultTTL
	}

	s := &Server{
		config:     cfg,
		logger:     cfg.Logger,
		cache:      cfg.Cache,
		client:     cfg.Client,
		downloader: fetch.NewDownloader(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // upstream fetches can be slow
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /fetch", s.handleFetch)
	mux.HandleFunc("GET /entries", s.handleListEntries)
	mux.HandleFunc("DELETE /entries", s.handleDeleteEntry)
	mux.HandleFunc("POST /trim", s.handleTrim)
}

// Handler returns the server's root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, kind, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		tags.Endpoint = deriveEndpoint(r.URL.Path)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"endpoint", tags.Endpoint,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.Kind != "" {
			attrs = append(attrs, "kind", tags.Kind)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts periodic trimming, if configured on the cache, and serves
// until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.cache.Start(ctx); err != nil {
		return fmt.Errorf("starting cache trimmer: %w", err)
	}

	s.logger.Info("starting server", "address", s.config.Address, "root", s.cache.Root())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server. The cache is left open for
// the caller to close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter so http.ResponseController
// can reach it.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveEndpoint names the route for logs and metrics.
func deriveEndpoint(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case path == "/fetch":
		return "fetch"
	case path == "/trim":
		return "trim"
	case strings.HasPrefix(path, "/entries"):
		return "entries"
	default:
		return "unknown"
	}
}
