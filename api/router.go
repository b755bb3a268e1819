// Package api exposes a shard over HTTP.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/indexshard"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// Logger receives one record per request. Nil discards.
	Logger *indexshard.Logger
	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration
}

// NewRouter returns the HTTP handler for one shard.
//
// Routes:
//
//	GET    /health              liveness and shard state
//	GET    /shard               ShardStats
//	POST   /shard/refresh       refresh the engine
//	POST   /shard/flush         flush (?force=true&wait=true)
//	PUT    /shard/routing       apply a routing entry and persist it
//	PUT    /shard/docs/{id}     index a document (?version=N)
//	GET    /shard/docs/{id}     realtime get (?realtime=false for refreshed)
//	DELETE /shard/docs/{id}     delete a document (?version=N)
//	GET    /metrics             Prometheus exposition
func NewRouter(shard *indexshard.IndexShard, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = indexshard.NoopLogger()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	h := &handler{shard: shard}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", h.health)

	r.Route("/shard", func(r chi.Router) {
		r.Get("/", h.stats)
		r.Post("/refresh", h.refresh)
		r.Post("/flush", h.flush)
		r.Put("/routing", h.updateRouting)

		r.Route("/docs/{id}", func(r chi.Router) {
			r.Put("/", h.indexDoc)
			r.Get("/", h.getDoc)
			r.Delete("/", h.deleteDoc)
		})
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func requestLogger(logger *indexshard.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			args := []any{
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
			}

			// Health probes and scrapes stay at DEBUG.
			switch {
			case r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/metrics"):
				logger.Debug("request completed", args...)
			case ww.Status() >= http.StatusInternalServerError:
				logger.Warn("request completed", args...)
			default:
				logger.Info("request completed", args...)
			}
		})
	}
}
