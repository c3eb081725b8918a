package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	_ "github.com/tbourn/go-sync-engine/docs"
	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/http/middleware"
	"github.com/tbourn/go-sync-engine/internal/repo"
	"github.com/tbourn/go-sync-engine/internal/services"
)

// fakeEngine satisfies every handler contract.
type fakeEngine struct {
	syncCalls int
}

func (f *fakeEngine) RunSync(_ context.Context, userID string, integ domain.Integration, trigger domain.TriggerType) (services.SyncOutcome, error) {
	f.syncCalls++
	return services.SyncOutcome{MetricID: "m-live", UserID: userID, Integration: integ, Trigger: trigger, Result: domain.ResultSuccess}, nil
}

func (f *fakeEngine) OnNotificationReceived(context.Context, services.Notification) (services.NotificationResult, error) {
	return services.NotificationResult{Enqueued: true}, nil
}

func (f *fakeEngine) Connect(_ context.Context, userID string, integ domain.Integration) (*services.ConnectionStatus, error) {
	return &services.ConnectionStatus{UserID: userID, Integration: integ, Connected: true}, nil
}

func (f *fakeEngine) Disconnect(context.Context, string, domain.Integration) error { return nil }

func (f *fakeEngine) Status(_ context.Context, userID string, integ domain.Integration) (*services.ConnectionStatus, error) {
	return &services.ConnectionStatus{UserID: userID, Integration: integ}, nil
}

func (f *fakeEngine) Report(_ context.Context, window time.Duration) (*services.HealthReport, error) {
	return &services.HealthReport{Window: window.String()}, nil
}

func (f *fakeEngine) Get(_ context.Context, id string) (*domain.SyncMetric, error) {
	return &domain.SyncMetric{ID: id, Integration: domain.IntegrationCalendar, Result: domain.ResultSuccess}, nil
}

func (f *fakeEngine) ListPage(context.Context, repo.MetricFilter, int, int) ([]domain.SyncMetric, int64, error) {
	return nil, 0, nil
}

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:routerdb_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func baseConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		RateRPS:        100,
		RateBurst:      10,
		IdempotencyTTL: time.Hour,
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
		Sync:           config.DefaultSyncConfig(),
	}
}

func newRouter(t *testing.T, cfg config.Config) (*gin.Engine, *fakeEngine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	eng := &fakeEngine{}
	db := newTestDB(t)
	RegisterRoutes(r, Services{
		DB:          db,
		Sync:        eng,
		Webhooks:    eng,
		Connections: eng,
		Health:      eng,
		Metrics:     eng,
	}, cfg)
	return r, eng, db
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r, _, _ := newRouter(t, baseConfig())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("pipeline headers missing: %v", w.Header())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := baseConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r, _, _ := newRouter(t, cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func TestRegisterRoutes_EngineEndpoints(t *testing.T) {
	r, eng, _ := newRouter(t, baseConfig())

	send := func(method, path, user string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		var body io.Reader
		if method == http.MethodPost {
			body = bytes.NewBufferString(`{"integration":"google_calendar"}`)
		}
		req := httptest.NewRequest(method, path, body)
		req.Header.Set("Content-Type", "application/json")
		if user != "" {
			req.Header.Set(middleware.HeaderUserID, user)
		}
		r.ServeHTTP(w, req)
		return w
	}

	if w := send(http.MethodPost, "/api/v1/sync/manual", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous manual sync: %d", w.Code)
	}
	if w := send(http.MethodPost, "/api/v1/sync/manual", "u1"); w.Code != http.StatusOK || eng.syncCalls != 1 {
		t.Fatalf("manual sync: %d calls=%d", w.Code, eng.syncCalls)
	}
	if w := send(http.MethodPost, "/webhooks/google_calendar", ""); w.Code != http.StatusOK {
		t.Fatalf("webhook: %d", w.Code)
	}
	if w := send(http.MethodPost, "/api/v1/integrations/google_contacts/connect", "u1"); w.Code != http.StatusOK {
		t.Fatalf("connect: %d", w.Code)
	}
	w := send(http.MethodGet, "/api/v1/integrations/google_contacts/status", "u1")
	if w.Code != http.StatusOK || w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("status: %d cache=%q", w.Code, w.Header().Get("Cache-Control"))
	}
	if w := send(http.MethodDelete, "/api/v1/integrations/google_contacts", "u1"); w.Code != http.StatusNoContent {
		t.Fatalf("disconnect: %d", w.Code)
	}
}

func TestRegisterRoutes_AdminAuthAndGzip(t *testing.T) {
	cfg := baseConfig()
	cfg.AdminJWTSecret = "s3cret"
	r, _, _ := newRouter(t, cfg)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/sync-health", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", w.Code)
	}

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.AdminClaims{
		Role:             "admin",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatal(err)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/sync-metrics", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept-Encoding", "gzip")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("admin: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Content-Encoding") != "gzip" || w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("headers = %v", w.Header())
	}
}

func TestRegisterRoutes_ReplayBypassesRateLimit(t *testing.T) {
	cfg := baseConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	r, eng, db := newRouter(t, cfg)

	if _, err := repo.CreateIdempotency(context.Background(), db, "u1", domain.IntegrationCalendar, "k1", "m-old", http.StatusOK, time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}

	send := func(key string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/manual", bytes.NewBufferString(`{"integration":"google_calendar"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.HeaderUserID, "u1")
		if key != "" {
			req.Header.Set(middleware.HeaderIdempotencyKey, key)
		}
		r.ServeHTTP(w, req)
		return w
	}

	if w := send(""); w.Code != http.StatusOK {
		t.Fatalf("first: %d", w.Code)
	}
	if w := send(""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second: %d", w.Code)
	}
	w := send("k1")
	if w.Code != http.StatusOK || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay: %d %v", w.Code, w.Header())
	}
	if eng.syncCalls != 1 {
		t.Fatalf("sync calls = %d", eng.syncCalls)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

func TestRegisterRoutes_WebhooksSkipAPILimit(t *testing.T) {
	cfg := baseConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	r, _, _ := newRouter(t, cfg)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/google_calendar", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("notification %d: %d", i, w.Code)
		}
	}
}

func TestRegisterRoutes_SwaggerServesRegisteredDoc(t *testing.T) {
	cfg := baseConfig()
	cfg.SwaggerEnabled = true
	r, _, _ := newRouter(t, cfg)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("doc.json status=%d", w.Code)
	}
	for _, path := range []string{"/api/v1/sync/manual", "/webhooks/{integration}", "/admin/sync-health"} {
		if !strings.Contains(w.Body.String(), path) {
			t.Fatalf("doc.json missing %s", path)
		}
	}

	cfg.SwaggerEnabled = false
	r, _, _ = newRouter(t, cfg)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("swagger disabled: status=%d", w.Code)
	}
}
