package integrations

import (
	"conversion_dispatch_backend/internal/events"
	apphttp "conversion_dispatch_backend/internal/http"
	"conversion_dispatch_backend/platform/crypto"
	"conversion_dispatch_backend/platform/logger"
	"conversion_dispatch_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module is the integrations bounded context module implementing http.Module.
type Module struct {
	handler *Handler
	service *Service
}

func NewModule(pool *pgxpool.Pool, sealer *crypto.Sealer, eventBus events.Bus, val *validator.Validator, log *logger.Logger) *Module {
	svc := NewService(NewRepository(pool), sealer, eventBus, log)
	return &Module{handler: NewHandler(svc, val), service: svc}
}

func (m *Module) Name() string {
	return "integrations"
}

// Service exposes the credential store to the dispatch workers.
func (m *Module) Service() *Service {
	return m.service
}

func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.Admin)
}

var _ apphttp.Module = (*Module)(nil)
