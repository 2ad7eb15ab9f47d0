package webhook

import (
	apphttp "conversion_dispatch_backend/internal/http"
	"conversion_dispatch_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Module is the webhook bounded context module implementing http.Module.
type Module struct {
	handler *Handler
	store   KeyStore
}

// NewModule creates and initializes the webhook module with all its dependencies.
func NewModule(pool *pgxpool.Pool, eval Evaluator, val *validator.Validator) *Module {
	return newModule(NewRepository(pool), eval, val)
}

func newModule(store KeyStore, eval Evaluator, val *validator.Validator) *Module {
	return &Module{handler: NewHandler(eval, store, val), store: store}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "webhook"
}

// RegisterRoutes mounts webhook routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	// Public event intake (API key auth, no JWT)
	chain := []gin.HandlerFunc{}
	if ctx.WebhookRateLimiter != nil {
		chain = append(chain, ctx.WebhookRateLimiter.RateLimit())
	}
	chain = append(chain, APIKeyAuthMiddleware(m.store, nil))
	webhookGroup := ctx.V1.Group("/webhook", chain...)
	webhookGroup.POST("/events", m.handler.HandleEvent)

	// Admin API key management (JWT auth + admin role)
	adminGroup := ctx.Admin.Group("/webhook/keys")
	adminGroup.POST("", m.handler.HandleCreateAPIKey)
	adminGroup.GET("", m.handler.HandleListAPIKeys)
	adminGroup.DELETE("/:keyId", m.handler.HandleRevokeAPIKey)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
