package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apphttp "conversion_dispatch_backend/internal/http"
	"conversion_dispatch_backend/platform/config"
	"conversion_dispatch_backend/platform/logger"
	"conversion_dispatch_backend/platform/metrics"

	"github.com/gin-gonic/gin"
)

type stubHealth struct{ err error }

func (s stubHealth) Ping(context.Context) error { return s.err }

type recordingModule struct{ registered bool }

func (m *recordingModule) Name() string { return "recording" }

func (m *recordingModule) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.registered = true
	ctx.Admin.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
}

func testApp(health apphttp.HealthChecker, modules ...apphttp.Module) *apphttp.App {
	return &apphttp.App{
		Config:  &config.Config{JWTAccessSecret: "router-test-secret", CORSAllowAll: true, WebhookRateLimit: 10, WebhookRateBurst: 10},
		Logger:  logger.Discard(),
		Health:  health,
		Metrics: metrics.New(),
		Modules: modules,
	}
}

func TestOpsEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := New(testApp(stubHealth{}))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatalf("expected go collector output")
	}
}

func TestReadinessFailsWhenDatabaseIsDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := NewOps(logger.Discard(), stubHealth{err: errors.New("down")}, nil)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mod := &recordingModule{}
	engine := New(testApp(stubHealth{}, mod))
	if !mod.registered {
		t.Fatalf("expected module routes to be registered")
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/ping", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id on every response")
	}
}
