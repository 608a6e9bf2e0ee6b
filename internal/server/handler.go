// Package server implements the kgserve HTTP surface: the REST query API,
// health and readiness probes, Prometheus metrics, document assets and the
// admin reload endpoint. GraphQL is mounted from the graphql subpackage.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilupskalvis/kgserve/internal/assets"
	"github.com/kilupskalvis/kgserve/internal/kgerr"
	"github.com/kilupskalvis/kgserve/internal/loader"
	"github.com/kilupskalvis/kgserve/internal/models"
	"github.com/kilupskalvis/kgserve/internal/query"
)

// Loader is the part of the loader the HTTP surface drives.
type Loader interface {
	Reload(ctx context.Context) (*loader.Result, error)
	Status() loader.Status
	Ready() bool
}

// ServerConfig holds configurable limits for the server.
type ServerConfig struct {
	AdminToken        string // enables /admin/ when set
	RequestsPerMinute int    // per-client rate limit on query routes, 0 disables
	ReloadTimeout     time.Duration
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReloadTimeout: 10 * time.Minute,
	}
}

// Deps are the collaborators the handler serves from.
type Deps struct {
	Query      *query.Service
	Loader     Loader
	Assets     assets.Store          // nil disables /docs/
	GraphQL    http.Handler          // nil disables /graphql
	Registerer prometheus.Registerer // nil disables HTTP metrics
	Gatherer   prometheus.Gatherer   // nil disables /metrics
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(deps Deps, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	ready := readyMiddleware(deps.Loader.Ready)

	// Execution order: ready -> rl -> handler
	withQuery := func(h http.Handler) http.Handler {
		return applyMiddleware(h, ready, rl.middleware)
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", makeReadyzHandler(deps.Loader))
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}

	// Admin endpoints
	if cfg.AdminToken != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /admin/reload", makeAdminReloadHandler(deps.Loader, cfg, logger))
		adminMux.HandleFunc("GET /admin/status", makeAdminStatusHandler(deps.Loader))
		mux.Handle("/admin/", adminAuth(cfg.AdminToken, adminMux))
	}

	// Query API
	api := &restAPI{q: deps.Query, logger: logger}
	mux.Handle("GET /api/v1/entities", withQuery(http.HandlerFunc(api.listEntities)))
	mux.Handle("GET /api/v1/entities/{id...}", withQuery(http.HandlerFunc(api.getEntity)))
	mux.Handle("GET /api/v1/relationships", withQuery(http.HandlerFunc(api.listRelationships)))
	mux.Handle("GET /api/v1/relationships/lookup", withQuery(http.HandlerFunc(api.getRelationship)))
	mux.Handle("GET /api/v1/bundle", withQuery(http.HandlerFunc(api.getBundle)))

	if deps.GraphQL != nil {
		mux.Handle("GET /graphql", withQuery(deps.GraphQL))
		mux.Handle("POST /graphql", withQuery(deps.GraphQL))
	}

	if deps.Assets != nil {
		mux.Handle("GET /docs/{path...}", makeDocsHandler(deps.Assets))
	}

	// Apply global middleware
	handler := applyMiddleware(mux,
		requestIDMiddleware,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		newHTTPMetrics(deps.Registerer).middleware,
	)

	cleanup := func() {
		rl.Stop()
	}

	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// --- Health Handlers ---

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func makeReadyzHandler(ld Loader) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := ld.Status()
		code := http.StatusOK
		if !status.Ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	}
}

// --- Admin Handlers ---

type reloadResponse struct {
	Action          loader.Action        `json:"action"`
	Bundle          *models.BundleRecord `json:"bundle"`
	Entities        int                  `json:"entities"`
	Relationships   int                  `json:"relationships"`
	Documents       int                  `json:"documents"`
	AssetsPublished int                  `json:"assets_published"`
	AssetsSkipped   int                  `json:"assets_skipped"`
	AssetsPruned    int                  `json:"assets_pruned"`
	DurationMS      int64                `json:"duration_ms"`
}

func makeAdminReloadHandler(ld Loader, cfg *ServerConfig, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// A dropped client connection must not abort a load halfway.
		ctx := context.WithoutCancel(r.Context())
		if cfg.ReloadTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.ReloadTimeout)
			defer cancel()
		}

		logger.Info("reload requested", "request_id", RequestID(r.Context()))
		res, err := ld.Reload(ctx)
		if err != nil {
			code, kind := errorStatus(err)
			writeError(w, code, kind, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, &reloadResponse{
			Action:          res.Action,
			Bundle:          res.Record,
			Entities:        res.Entities,
			Relationships:   res.Relationships,
			Documents:       res.Documents,
			AssetsPublished: res.AssetsPublished,
			AssetsSkipped:   res.AssetsSkipped,
			AssetsPruned:    res.AssetsPruned,
			DurationMS:      res.Duration.Milliseconds(),
		})
	}
}

func makeAdminStatusHandler(ld Loader) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, ld.Status())
	}
}

// --- Helpers ---

// errorStatus maps an error to an HTTP status and a stable error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, loader.ErrNoSource):
		return http.StatusConflict, "no_source"
	case errors.Is(err, kgerr.ErrBundleConflict):
		return http.StatusConflict, kgerr.KindName(err)
	case errors.Is(err, kgerr.ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "storage_unavailable"
	}
	if kind := kgerr.KindName(err); kind != "internal" {
		return http.StatusUnprocessableEntity, kind
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeJSON encodes v without HTML escaping so opaque property payloads are
// returned exactly as stored.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal_error","message":"encode response"}` + "\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
