package webhook

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"conversion_dispatch_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

const (
	HeaderAPIKey = "X-Webhook-API-Key"

	ctxOrgID = "webhookOrgID"
	ctxKeyID = "webhookKeyID"
)

// APIKeyAuthMiddleware validates the X-Webhook-API-Key header
// and sets the organization context on the gin context.
func APIKeyAuthMiddleware(store KeyStore, now func() time.Time) gin.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(c *gin.Context) {
		apiKey := c.GetHeader(HeaderAPIKey)
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			return
		}

		key, err := store.GetByHash(c.Request.Context(), HashKey(apiKey))
		if err != nil || !key.IsActive {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}
		if key.Expired(now()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key expired"})
			return
		}
		if !slices.Contains(key.Scopes, ScopeEventsWrite) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing scope " + ScopeEventsWrite})
			return
		}

		// Domain validation (if allowed_domains is configured).
		// Non-browser callers send no Origin; fall back to Referer.
		if len(key.AllowedDomains) > 0 {
			origin := c.GetHeader("Origin")
			if origin == "" {
				origin = c.GetHeader("Referer")
			}
			if !isDomainAllowed(origin, key.AllowedDomains) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "domain not allowed"})
				return
			}
		}

		c.Set(ctxOrgID, key.OrganizationID)
		c.Set(ctxKeyID, key.ID)
		ctx := context.WithValue(c.Request.Context(), logger.OrganizationIDKey, key.OrganizationID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// isDomainAllowed checks if the origin matches any of the allowed domains.
// Supports exact match and wildcard subdomains (e.g., "*.example.com").
func isDomainAllowed(origin string, allowedDomains []string) bool {
	if origin == "" {
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return false
	}

	for _, domain := range allowedDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		switch {
		case domain == "*":
			return true
		case strings.HasPrefix(domain, "*."):
			if strings.HasSuffix(host, domain[1:]) || host == domain[2:] {
				return true
			}
		case host == domain:
			return true
		}
	}
	return false
}
