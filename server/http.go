// Package server provides the HTTP front end of the segment cache: the slot
// table, HLS playlists built on demand, their segments and cover art.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/segment-cache/catalog"
	"github.com/wolfeidau/segment-cache/expiry"
	"github.com/wolfeidau/segment-cache/journal"
	"github.com/wolfeidau/segment-cache/pipeline"
	"github.com/wolfeidau/segment-cache/slot"
	"github.com/wolfeidau/segment-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8000")
	Address string

	// BaseURL prefixes segment URIs in served playlists.
	BaseURL string

	// AdminToken protects POST /refresh when set.
	AdminToken string

	// RetryAfter is advertised when a slot is busy building elsewhere.
	// Default: 5 seconds
	RetryAfter time.Duration

	// WriteTimeout bounds a whole response, including any build it waits
	// for. Default: 15 minutes
	WriteTimeout time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Builder produces ready playlists.
type Builder interface {
	EnsureReady(ctx context.Context, key string) (*pipeline.Ready, error)
	Refresh(ctx context.Context, key string) (*pipeline.Ready, error)
}

// Catalog serves and reloads the slot table.
type Catalog interface {
	Metadata() *catalog.Metadata
	Refresh(ctx context.Context) (*catalog.Metadata, error)
}

// SlotStats summarises the published slots.
type SlotStats interface {
	GetStats(ctx context.Context) (*expiry.Stats, error)
}

// BuildLoad reports encode permit usage.
type BuildLoad interface {
	Active() int
	Limit() int
}

// History is the build journal.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	ForKey(ctx context.Context, key string, limit int) ([]journal.Entry, error)
	Stats(ctx context.Context) (journal.Stats, error)
}

// Deps are the server's collaborators. Stats, Load and History are
// optional.
type Deps struct {
	Cache   *slot.Cache
	Builder Builder
	Catalog Catalog
	Stats   SlotStats
	Load    BuildLoad
	History History
}

// Server is the HTTP server for the segment cache.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	cache   *slot.Cache
	builder Builder
	catalog Catalog
	stats   SlotStats
	load    BuildLoad
	history History
}

// New creates a new server with the given configuration.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Cache == nil || deps.Builder == nil || deps.Catalog == nil {
		return nil, errors.New("server: cache, builder and catalog are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8000"
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		cache:   deps.Cache,
		builder: deps.Builder,
		catalog: deps.Catalog,
		stats:   deps.Stats,
		load:    deps.Load,
		history: deps.History,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(cors(mux))

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /builds", s.handleBuilds)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /metadata.json", s.handleMetadata)
	mux.HandleFunc("POST /refresh", s.adminOnly(s.handleRefresh))

	mux.HandleFunc("GET /segments/{slot}/{generation}/{segment}", s.handleGenerationSegment)
	mux.HandleFunc("GET /segments/{slot}/{segment}", s.handleSegment)
	mux.HandleFunc("GET /covers/{cover}", s.handleCover)

	// {slot}.m3u8
	mux.HandleFunc("GET /{playlist}", s.handlePlaylist)
}

// Handler returns the fully wrapped handler.
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

		// Inject request tags so handlers can set cache_result, route and slot.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Route != "" {
			attrs = append(attrs, "route", tags.Route)
		}
		if tags.Slot != "" {
			attrs = append(attrs, "slot", tags.Slot)
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

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address, "base_url", s.config.BaseURL)
	return s.httpServer.ListenAndServe()
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting server", "address", ln.Addr().String(), "base_url", s.config.BaseURL)
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
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

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
