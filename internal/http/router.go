// Package httpapi wires the HTTP transport (Gin) to the sync engine's
// services, middleware, and route handlers. It centralizes cross-cutting
// concerns such as tracing, correlation IDs, logging/redaction, panic
// recovery, metrics, CORS, security headers, idempotency, and rate limiting.
//
// Route layout:
//   - /health, /metrics, /swagger/*any (when enabled)
//   - /webhooks/:integration               provider push notifications
//   - {APIBasePath}/...                    user-facing API (X-User-ID)
//   - /admin/...                           operator views (bearer JWT)
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/http/handlers"
	"github.com/tbourn/go-sync-engine/internal/http/middleware"
	"github.com/tbourn/go-sync-engine/internal/repo"
)

// Services are the engine components the HTTP layer calls. DB backs
// idempotency records.
type Services struct {
	DB          *gorm.DB
	Sync        handlers.SyncRunner
	Webhooks    handlers.NotificationReceiver
	Connections handlers.ConnectionManager
	Health      handlers.HealthReporter
	Metrics     handlers.MetricsReader
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. UserIdentity: X-User-ID into context (logging and rate keys need it)
//  4. AccessLog: structured logs with redaction
//  5. Recovery: capture panics after logger
//  6. Body size limiter
//  7. Metrics
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per user/IP, bypass on replay)
//  10. CORS and Security headers
func RegisterRoutes(r *gin.Engine, svc Services, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Caller identity from the authenticating gateway
	r.Use(middleware.UserIdentity())

	// 4) Structured logging with redaction; probes only log failures
	r.Use(middleware.AccessLog(middleware.AccessLogOptions{
		SkipPaths: []string{"/health", "/metrics"},
	}))

	// 5) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 6) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) Idempotency validation (before rate limiting)
	var lookup middleware.IdempotencyLookup
	if svc.DB != nil {
		lookup = func(ctx context.Context, userID, key string, now time.Time) (bool, error) {
			return repo.HasIdempotencyKey(ctx, svc.DB, userID, key, now)
		}
	}
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, lookup))

	// 9) Token-bucket rate limiter per user/IP. Push notifications arrive from
	// a few provider IPs and are validated per channel instead.
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	apiLimit := rl.Handler()
	r.Use(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/webhooks/") {
			c.Next()
			return
		}
		apiLimit(c)
	})

	// 10) CORS posture and security headers
	r.Use(corsMiddleware(cfg.CORS)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(handlers.Deps{
		Sync:           svc.Sync,
		Webhooks:       svc.Webhooks,
		Connections:    svc.Connections,
		Health:         svc.Health,
		Metrics:        svc.Metrics,
		DB:             svc.DB,
		IdempotencyTTL: cfg.IdempotencyTTL,
		ManualLimiter: middleware.NewWindowLimiter(cfg.Sync.ManualSyncWindow, middleware.KeyByUserOrIP(),
			handlers.ErrCodeManualSyncLimited, "one manual sync per window"),
	})

	// Provider push notifications (authenticated by channel token)
	r.POST("/webhooks/:integration", h.ReceiveWebhook)

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath) // e.g. "/api/v1"
	{
		api.POST("/sync/manual", h.ManualSync)

		api.POST("/integrations/:integration/connect", h.ConnectIntegration)
		api.DELETE("/integrations/:integration", h.DisconnectIntegration)
		api.GET("/integrations/:integration/status", middleware.NoStore(), h.IntegrationStatus)
	}

	// Operator views
	admin := r.Group("/admin", middleware.AdminAuth(cfg.AdminJWTSecret), middleware.NoStore(), gzip.Gzip(gzip.DefaultCompression))
	{
		admin.GET("/sync-health", h.SyncHealth)
		admin.GET("/sync-metrics", h.SyncMetrics)
	}
}

// corsMiddleware returns the CORS chain. With no allowlist every origin is
// allowed without credentials; otherwise allowed origins are echoed.
func corsMiddleware(cc config.CORSConfig) []gin.HandlerFunc {
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderUserID, middleware.HeaderIdempotencyKey}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "Retry-After", "Idempotency-Replayed"}
	methods := []string{"GET", "POST", "DELETE", "OPTIONS"}

	if len(cc.AllowedOrigins) == 0 {
		return []gin.HandlerFunc{
			// Force ACAO: * even without an Origin header (simple health checks).
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins:  true,
				AllowMethods:     methods,
				AllowHeaders:     allowHeaders,
				ExposeHeaders:    exposeHeaders,
				AllowCredentials: false, // must remain false with AllowAllOrigins
				MaxAge:           12 * time.Hour,
			}),
		}
	}

	allowed := make(map[string]struct{}, len(cc.AllowedOrigins))
	for _, o := range cc.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(cors.Config{
			AllowOrigins:     cc.AllowedOrigins,
			AllowMethods:     methods,
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}),
	}
}

// limitBody caps the request body size using http.MaxBytesReader. Requests
// exceeding the cap cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
