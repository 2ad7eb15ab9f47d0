// Package audit keeps a per-attempt trail of dispatch outcomes so operators can
// see why an event was or was not delivered.
package audit

import (
	"context"

	"conversion_dispatch_backend/internal/events"
	apphttp "conversion_dispatch_backend/internal/http"
	"conversion_dispatch_backend/platform/logger"
	"conversion_dispatch_backend/platform/sanitize"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module records dispatch attempts from the event bus and serves them to admins.
type Module struct {
	store   Store
	handler *Handler
	log     *logger.Logger
}

func NewModule(pool *pgxpool.Pool, log *logger.Logger) *Module {
	return newModule(NewRepository(pool), log)
}

func newModule(store Store, log *logger.Logger) *Module {
	if log == nil {
		log = logger.Discard()
	}
	return &Module{store: store, handler: NewHandler(store), log: log}
}

func (m *Module) Name() string {
	return "audit"
}

func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.Admin)
}

// RegisterHandlers subscribes the module to dispatch and integration events.
func (m *Module) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.DispatchAttempted{}.EventName(), m)
	bus.Subscribe(events.IntegrationStatusChanged{}.EventName(), m)
}

// Handle routes events to the appropriate handler method.
func (m *Module) Handle(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.DispatchAttempted:
		return m.handleDispatchAttempted(ctx, e)
	case events.IntegrationStatusChanged:
		m.handleIntegrationStatusChanged(e)
		return nil
	default:
		m.log.Warn("unhandled event type", "event", event.EventName())
		return nil
	}
}

func (m *Module) handleDispatchAttempted(ctx context.Context, e events.DispatchAttempted) error {
	entry := Entry{
		OrganizationID:    e.OrganizationID,
		ConversionEventID: e.ConversionEventID,
		Platform:          e.Platform,
		Outcome:           e.Outcome,
		Attempt:           e.Attempt,
		ErrorCode:         optional(e.ErrorCode),
		Message:           optional(sanitize.Truncate(e.Message, maxMessageLength)),
		DurationMs:        int(e.Duration.Milliseconds()),
	}
	if err := m.store.Insert(ctx, entry); err != nil {
		m.log.DatabaseError("insert dispatch audit", err)
		return err
	}
	return nil
}

func (m *Module) handleIntegrationStatusChanged(e events.IntegrationStatusChanged) {
	if e.To == "ERROR" {
		m.log.Warn("integration rejected by destination",
			"organization_id", e.OrganizationID, "platform", e.Platform, "reason", e.Reason)
		return
	}
	m.log.Info("integration status changed",
		"organization_id", e.OrganizationID, "platform", e.Platform, "from", e.From, "to", e.To)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}


var _ apphttp.Module = (*Module)(nil)
var _ events.Handler = (*Module)(nil)
