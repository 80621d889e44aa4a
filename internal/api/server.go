// Package api provides the HTTP surface of the hub.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"programista_hub/internal/domain"
	"programista_hub/internal/search"
	"programista_hub/internal/service"
	"programista_hub/internal/source/provider"
)

type Searcher interface {
	Search(req search.Request) (search.Result, error)
	Providers() ([]domain.ProviderInfo, int64)
	Channels(provider string, kind domain.Kind) ([]search.ChannelInfo, int64)
}

type ManifestSource interface {
	Latest(ctx context.Context) (*provider.Manifest, error)
}

type SyncController interface {
	Trigger(trigger domain.Trigger) (*service.Flight, bool, error)
	Status() service.Status
}

type RunLister interface {
	List(ctx context.Context, limit int) ([]domain.SyncRun, error)
}

type KeyCreator interface {
	Create(ctx context.Context, key *domain.APIKey) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type IndexVersioner interface {
	Version() int64
}

// Deps are the services behind the routes. Webhook and Metrics are
// optional handlers mounted as is.
type Deps struct {
	Search   Searcher
	Manifest ManifestSource
	Sync     SyncController
	Runs     RunLister
	Keys     KeyCreator
	DB       Pinger
	Index    IndexVersioner
	Webhook  http.Handler
	Metrics  http.Handler
	Logger   *slog.Logger
}

// ServerOption configures the API server
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares  []func(http.Handler) http.Handler
	apiKeyHeader string
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithAPIKeyHeader sets the header name reported to registering clients.
func WithAPIKeyHeader(name string) ServerOption {
	return func(cfg *serverConfig) {
		cfg.apiKeyHeader = name
	}
}

type routes struct {
	deps         Deps
	apiKeyHeader string
	logger       *slog.Logger
}

// NewServer creates the router with every hub route mounted.
func NewServer(deps Deps, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		apiKeyHeader: "X-Programista-Key",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &routes{deps: deps, apiKeyHeader: cfg.apiKeyHeader, logger: logger}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", rt.health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Webhook != nil {
		r.Method(http.MethodPost, "/webhook/providers", deps.Webhook)
	}
	r.Post("/register", rt.register)

	r.Get("/providers", rt.listProviders)
	r.Get("/providers/latest", rt.latestManifest)
	r.Get("/channels", rt.listChannels)

	r.Get("/search", rt.searchQuery)
	r.Post("/search", rt.searchBody)

	r.Post("/sync", rt.triggerSync)
	r.Get("/sync/status", rt.syncStatus)
	r.Get("/sync/runs", rt.listRuns)

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
