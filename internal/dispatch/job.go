// Package dispatch delivers conversion events to the advertising platforms.
//
// Each platform has its own durable asynq queue and its own bounded worker pool.
// A Job is an immutable snapshot taken when the event was recorded; later edits
// to the lead or event never reach a job that is already queued.
package dispatch

import (
	"fmt"
	"strings"
	"time"

	"conversion_dispatch_backend/platform/pii"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Platform identifies a destination.
type Platform string

const (
	// PlatformCAPI is the server-to-server pixel events destination.
	PlatformCAPI Platform = "capi"
	// PlatformOffline is the offline click-conversion upload destination.
	PlatformOffline Platform = "offline"
)

// Platforms lists every destination in a stable order.
var Platforms = []Platform{PlatformCAPI, PlatformOffline}

// ParsePlatform accepts a platform name in any case.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown platform %q", s)
	}
	return p, nil
}

func (p Platform) Valid() bool {
	return p == PlatformCAPI || p == PlatformOffline
}

// DeliveryStatus is the per-platform status of a conversion event.
// It only ever moves from PENDING to one of the final values.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "PENDING"
	StatusSent    DeliveryStatus = "SENT"
	StatusSkipped DeliveryStatus = "SKIPPED"
	StatusFailed  DeliveryStatus = "FAILED"
)

func (s DeliveryStatus) Final() bool {
	return s == StatusSent || s == StatusSkipped || s == StatusFailed
}

// ClickIDs are the ad-click identifiers captured on the landing page.
type ClickIDs struct {
	GCLID  string `json:"gclid,omitempty"`
	GBRAID string `json:"gbraid,omitempty"`
	WBRAID string `json:"wbraid,omitempty"`
	FBC    string `json:"fbc,omitempty"`
	FBP    string `json:"fbp,omitempty"`
}

// HasOfflineClickID reports whether an offline-upload match key is present.
func (c ClickIDs) HasOfflineClickID() bool {
	return c.GCLID != "" || c.GBRAID != "" || c.WBRAID != ""
}

// Source describes where the conversion happened.
type Source struct {
	URL       string `json:"url,omitempty"`
	ClientIP  string `json:"clientIp,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Job is the queue-resident snapshot of one event for one platform.
type Job struct {
	ConversionEventID uuid.UUID             `json:"conversionEventId"`
	OrganizationID    uuid.UUID             `json:"organizationId"`
	LeadID            uuid.UUID             `json:"leadId"`
	Platform          Platform              `json:"platform"`
	EventName         string                `json:"eventName"`
	EventID           string                `json:"eventId"`
	EventTime         time.Time             `json:"eventTime"`
	Value             decimal.Decimal       `json:"value"`
	Currency          string                `json:"currency"`
	Identifiers       pii.HashedIdentifiers `json:"identifiers"`
	ClickIDs          ClickIDs              `json:"clickIds"`
	Source            Source                `json:"source"`
	SnapshotAt        time.Time             `json:"snapshotAt"`
}

// TaskID is the queue-level dedup key: one task per event per platform.
func (j Job) TaskID() string {
	return string(j.Platform) + ":" + j.ConversionEventID.String()
}

// ForPlatform returns a copy of the snapshot addressed to p.
func (j Job) ForPlatform(p Platform) Job {
	j.Platform = p
	return j
}
