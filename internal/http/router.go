// Package httpapi wires the status server (Gin) to the sync engine. The
// server is a diagnostic surface for the host application and its tooling:
// queue inspection, mutation cancellation, engine state, health, and
// Prometheus metrics. It is not the backend write API the dispatcher talks
// to.
//
// Middleware ordering follows observability-first composition: tracing,
// then correlation ID, then logging, then recovery, so every failure is
// captured with full request context.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/stockroomhq/go-stockroom-sync/internal/config"
	"github.com/stockroomhq/go-stockroom-sync/internal/domain"
	"github.com/stockroomhq/go-stockroom-sync/internal/engine"
	"github.com/stockroomhq/go-stockroom-sync/internal/http/handlers"
	"github.com/stockroomhq/go-stockroom-sync/internal/http/middleware"
)

// queueShim adapts the engine's store to the handlers.QueueStore interface,
// keeping handlers decoupled from the storage backend.
type queueShim struct {
	store engine.Store
}

func (s queueShim) List(ctx context.Context, status domain.Status, offset, limit int) ([]domain.Mutation, error) {
	return s.store.List(ctx, status, offset, limit)
}

func (s queueShim) Get(ctx context.Context, key string) (*domain.Mutation, error) {
	return s.store.Get(ctx, key)
}

func (s queueShim) CancelPending(ctx context.Context, key string) error {
	return s.store.CancelPending(ctx, key)
}

func (s queueShim) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	return s.store.CountByStatus(ctx)
}

// statusShim projects the engine snapshot into the handlers' view.
type statusShim struct {
	eng *engine.Engine
}

func (s statusShim) Info(ctx context.Context) (handlers.EngineInfo, error) {
	snap, err := s.eng.Snapshot(ctx)
	if err != nil {
		return handlers.EngineInfo{}, err
	}
	depth := make(map[string]int64, len(snap.Counts))
	for st, n := range snap.Counts {
		depth[string(st)] = n
	}
	info := handlers.EngineInfo{
		InstanceID:    snap.InstanceID,
		Online:        snap.Online,
		Leader:        snap.Leader,
		StoreBackend:  snap.StoreBackend,
		QueueDepth:    depth,
		OverflowDepth: snap.OverflowDepth,
	}
	if snap.Leader {
		info.LeaseHolder = snap.InstanceID
	}
	return info, nil
}

// RegisterRoutes attaches middleware and endpoints to the given Gin engine.
//
// Middleware order:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: panics to JSON 500 (after logger)
//  5. Body size limiter
//  6. Metrics + /metrics endpoint
//  7. Gzip
//  8. Rate limiter (per client IP)
//  9. CORS and security headers
func RegisterRoutes(r *gin.Engine, eng *engine.Engine, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	if cfg.RateRPS > 0 {
		rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP())
		r.Use(rl.Handler())
	}

	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(queueShim{store: eng.Store()}, statusShim{eng: eng})

	api := r.Group("/api/v1")
	{
		api.GET("/queue", h.ListQueue)
		api.GET("/queue/:key", h.GetMutation)
		api.DELETE("/queue/:key", h.CancelMutation)
		api.GET("/status", h.GetStatus)
	}
}

// limitBody caps the request body size for all endpoints.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
