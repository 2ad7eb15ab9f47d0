package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"conversion_dispatch_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type memKeyStore struct {
	mu   sync.Mutex
	keys map[string]APIKey
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{keys: map[string]APIKey{}}
}

func (s *memKeyStore) add(plaintext string, key APIKey) APIKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	key.KeyHash = HashKey(plaintext)
	s.keys[key.KeyHash] = key
	return key
}

func (s *memKeyStore) Create(_ context.Context, p CreateKeyParams) (APIKey, error) {
	key := APIKey{
		ID:             uuid.New(),
		OrganizationID: p.OrganizationID,
		Name:           p.Name,
		KeyHash:        p.KeyHash,
		KeyPrefix:      p.KeyPrefix,
		Scopes:         p.Scopes,
		AllowedDomains: p.AllowedDomains,
		IsActive:       true,
		ExpiresAt:      p.ExpiresAt,
		CreatedAt:      time.Now(),
	}
	s.mu.Lock()
	s.keys[p.KeyHash] = key
	s.mu.Unlock()
	return key, nil
}

func (s *memKeyStore) GetByHash(_ context.Context, keyHash string) (APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyHash]
	if !ok {
		return APIKey{}, ErrAPIKeyNotFound
	}
	return key, nil
}

func (s *memKeyStore) ListByOrganization(_ context.Context, orgID uuid.UUID) ([]APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []APIKey
	for _, k := range s.keys {
		if k.OrganizationID == orgID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *memKeyStore) Revoke(_ context.Context, keyID, orgID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, k := range s.keys {
		if k.ID == keyID && k.OrganizationID == orgID {
			k.IsActive = false
			s.keys[h] = k
			return nil
		}
	}
	return ErrAPIKeyNotFound
}

var fixedNow = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func newAuthRouter(store KeyStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/events", APIKeyAuthMiddleware(store, func() time.Time { return fixedNow }), func(c *gin.Context) {
		org, _ := c.Get(ctxOrgID)
		if c.Request.Context().Value(logger.OrganizationIDKey) != org.(uuid.UUID).String() {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusAccepted)
	})
	return r
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	store := newMemKeyStore()
	org := uuid.New()
	past := fixedNow.Add(-time.Minute)
	future := fixedNow.Add(time.Hour)

	store.add("whk_good", APIKey{OrganizationID: org, Scopes: []string{ScopeEventsWrite}, IsActive: true, ExpiresAt: &future})
	store.add("whk_revoked", APIKey{OrganizationID: org, Scopes: []string{ScopeEventsWrite}, IsActive: false})
	store.add("whk_expired", APIKey{OrganizationID: org, Scopes: []string{ScopeEventsWrite}, IsActive: true, ExpiresAt: &past})
	store.add("whk_noscope", APIKey{OrganizationID: org, Scopes: []string{"events:read"}, IsActive: true})
	store.add("whk_domain", APIKey{OrganizationID: org, Scopes: []string{ScopeEventsWrite}, IsActive: true, AllowedDomains: []string{"*.example.com"}})

	tests := []struct {
		name   string
		key    string
		origin string
		want   int
	}{
		{"missing key", "", "", http.StatusUnauthorized},
		{"unknown key", "whk_nope", "", http.StatusUnauthorized},
		{"revoked key", "whk_revoked", "", http.StatusUnauthorized},
		{"expired key", "whk_expired", "", http.StatusUnauthorized},
		{"missing scope", "whk_noscope", "", http.StatusForbidden},
		{"domain not allowed", "whk_domain", "https://evil.test", http.StatusForbidden},
		{"domain allowed", "whk_domain", "https://shop.example.com", http.StatusAccepted},
		{"valid key", "whk_good", "", http.StatusAccepted},
	}

	r := newAuthRouter(store)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/events", nil)
			if tt.key != "" {
				req.Header.Set(HeaderAPIKey, tt.key)
			}
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestIsDomainAllowed(t *testing.T) {
	tests := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{"https://example.com", []string{"example.com"}, true},
		{"https://EXAMPLE.com/path", []string{" example.com "}, true},
		{"https://a.example.com", []string{"*.example.com"}, true},
		{"https://example.com", []string{"*.example.com"}, true},
		{"https://notexample.com", []string{"*.example.com"}, false},
		{"https://anything.test", []string{"*"}, true},
		{"", []string{"*"}, false},
		{"not a url", []string{"example.com"}, false},
	}
	for _, tt := range tests {
		if got := isDomainAllowed(tt.origin, tt.allowed); got != tt.want {
			t.Fatalf("isDomainAllowed(%q, %v) = %v, want %v", tt.origin, tt.allowed, got, tt.want)
		}
	}
}
