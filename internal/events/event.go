// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"time"

	"conversion_dispatch_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// =============================================================================
// Valuation Domain Events
// =============================================================================

// ConversionEventRecorded is published after a lead and its conversion event commit.
type ConversionEventRecorded struct {
	BaseEvent
	OrganizationID    uuid.UUID `json:"organizationId"`
	LeadID            uuid.UUID `json:"leadId"`
	ConversionEventID uuid.UUID `json:"conversionEventId"`
	FunnelEvent       string    `json:"eventName"`
	EventID           string    `json:"eventId"`
	NormalizedScore   int       `json:"normalizedScore"`
	AdjustedValue     string    `json:"adjustedValue"`
	Currency          string    `json:"currency"`
}

func (e ConversionEventRecorded) EventName() string { return "valuation.conversion_event.recorded" }

// =============================================================================
// Dispatch Domain Events
// =============================================================================

// DispatchAttempted is published once per delivery attempt, whatever the outcome.
type DispatchAttempted struct {
	BaseEvent
	OrganizationID    uuid.UUID     `json:"organizationId"`
	ConversionEventID uuid.UUID     `json:"conversionEventId"`
	Platform          string        `json:"platform"`
	Outcome           string        `json:"outcome"`
	Attempt           int           `json:"attempt"`
	ErrorCode         string        `json:"errorCode,omitempty"`
	Message           string        `json:"message,omitempty"`
	Duration          time.Duration `json:"duration"`
}

func (e DispatchAttempted) EventName() string { return "dispatch.attempted" }

// =============================================================================
// Integrations Domain Events
// =============================================================================

// IntegrationStatusChanged is published when a credential moves between statuses.
type IntegrationStatusChanged struct {
	BaseEvent
	OrganizationID uuid.UUID `json:"organizationId"`
	Platform       string    `json:"platform"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Reason         string    `json:"reason,omitempty"`
}

func (e IntegrationStatusChanged) EventName() string { return "integrations.status.changed" }
