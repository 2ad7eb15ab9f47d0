package integrations

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"conversion_dispatch_backend/platform/httpkit"
	"conversion_dispatch_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func newTestRouter(t *testing.T, orgID uuid.UUID) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, _, _ := newTestService(t)

	r := gin.New()
	admin := r.Group("/api/v1/admin", func(c *gin.Context) {
		c.Set(httpkit.ContextUserIDKey, uuid.New())
		c.Set(httpkit.ContextTenantIDKey, orgID)
		c.Set(httpkit.ContextRolesKey, []string{httpkit.RoleAdmin})
		c.Next()
	})
	NewHandler(svc, validator.New()).RegisterRoutes(admin)
	return r
}

func TestHandlerSaveAndList(t *testing.T) {
	r := newTestRouter(t, uuid.New())

	body := `{"secrets":{"pixel_id":"1234","access_token":"EAAB-token"}}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/admin/integrations/CAPI", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "EAAB-token") {
		t.Fatalf("response leaked a secret: %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/integrations", nil))
	var resp struct {
		Items []IntegrationResponse `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Status != "PENDING" || resp.Items[0].Platform != "capi" {
		t.Fatalf("unexpected list %+v", resp.Items)
	}
}

func TestHandlerRejectsUnknownPlatformAndBadBody(t *testing.T) {
	r := newTestRouter(t, uuid.New())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/admin/integrations/tiktok", strings.NewReader(`{"secrets":{"a":"b"}}`)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown platform, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/admin/integrations/offline", strings.NewReader(`{"secrets":{}}`)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty secrets, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/admin/integrations/offline", strings.NewReader(`{"secrets":{"customer_id":"1"}}`)))
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "refresh_token") {
		t.Fatalf("expected missing fields listed, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandlerDisable(t *testing.T) {
	r := newTestRouter(t, uuid.New())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/integrations/capi/disable", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before save, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/admin/integrations/capi", strings.NewReader(`{"secrets":{"pixel_id":"1","access_token":"t"}}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("save: %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/integrations/capi/disable", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}
