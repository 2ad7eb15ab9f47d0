package valuation

import (
	"strings"
	"time"

	"conversion_dispatch_backend/internal/dispatch"
	"conversion_dispatch_backend/internal/scoring"
	"conversion_dispatch_backend/platform/pii"
	"conversion_dispatch_backend/platform/sanitize"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventRequest is the inbound conversion event body.
type EventRequest struct {
	EventName  string            `json:"eventName" validate:"required,max=100"`
	EventID    string            `json:"eventId" validate:"omitempty,max=128"`
	OccurredAt *time.Time        `json:"occurredAt"`
	Email      string            `json:"email" validate:"omitempty,max=254"`
	Phone      string            `json:"phone" validate:"omitempty,max=32"`
	FirstName  string            `json:"firstName" validate:"omitempty,max=100"`
	LastName   string            `json:"lastName" validate:"omitempty,max=100"`
	Country    string            `json:"country" validate:"omitempty,len=2,alpha"`
	Fields     map[string]string `json:"fields" validate:"omitempty,max=100"`
	Facts      map[string]any    `json:"facts" validate:"omitempty,max=100"`
	UTM        UTMParams         `json:"utm"`
	ClickIDs   ClickIDParams     `json:"clickIds"`
	PageURL    string            `json:"pageUrl" validate:"omitempty,url,max=2048"`
	UserAgent  string            `json:"userAgent" validate:"omitempty,max=512"`
}

type UTMParams struct {
	Source   string `json:"source" validate:"omitempty,max=255"`
	Medium   string `json:"medium" validate:"omitempty,max=255"`
	Campaign string `json:"campaign" validate:"omitempty,max=255"`
	Term     string `json:"term" validate:"omitempty,max=255"`
	Content  string `json:"content" validate:"omitempty,max=255"`
}

type ClickIDParams struct {
	GCLID  string `json:"gclid" validate:"omitempty,max=512"`
	GBRAID string `json:"gbraid" validate:"omitempty,max=512"`
	WBRAID string `json:"wbraid" validate:"omitempty,max=512"`
	FBC    string `json:"fbc" validate:"omitempty,max=512"`
	FBP    string `json:"fbp" validate:"omitempty,max=512"`
}

// ToInput converts the request. clientIP is taken from the connection, not the body.
func (r EventRequest) ToInput(orgID uuid.UUID, clientIP string, raw []byte) Input {
	in := Input{
		OrganizationID: orgID,
		EventName:      strings.TrimSpace(r.EventName),
		EventID:        strings.TrimSpace(r.EventID),
		PII: pii.Raw{
			Email:     r.Email,
			Phone:     r.Phone,
			FirstName: sanitize.Text(r.FirstName),
			LastName:  sanitize.Text(r.LastName),
			Region:    strings.ToUpper(r.Country),
		},
		Facts: r.Facts,
		UTM: map[string]string{
			"source":   sanitize.Text(r.UTM.Source),
			"medium":   sanitize.Text(r.UTM.Medium),
			"campaign": sanitize.Text(r.UTM.Campaign),
			"term":     sanitize.Text(r.UTM.Term),
			"content":  sanitize.Text(r.UTM.Content),
		},
		ClickIDs: dispatch.ClickIDs{
			GCLID:  strings.TrimSpace(r.ClickIDs.GCLID),
			GBRAID: strings.TrimSpace(r.ClickIDs.GBRAID),
			WBRAID: strings.TrimSpace(r.ClickIDs.WBRAID),
			FBC:    strings.TrimSpace(r.ClickIDs.FBC),
			FBP:    strings.TrimSpace(r.ClickIDs.FBP),
		},
		Source: dispatch.Source{
			URL:       r.PageURL,
			ClientIP:  clientIP,
			UserAgent: r.UserAgent,
		},
		RawPayload: raw,
	}
	if r.OccurredAt != nil {
		in.OccurredAt = *r.OccurredAt
	}
	return in
}

type EventResponse struct {
	LeadID            string            `json:"leadId"`
	ConversionEventID string            `json:"conversionEventId"`
	EventID           string            `json:"eventId"`
	Scoring           ScoringBreakdown  `json:"scoring"`
	Value             ValueBreakdown    `json:"value"`
	Dispatch          map[string]string `json:"dispatch"`
}

type ScoringBreakdown struct {
	RawScore        int                   `json:"rawScore"`
	NormalizedScore int                   `json:"normalizedScore"`
	Multiplier      decimal.Decimal       `json:"multiplier"`
	AppliedRules    []scoring.AppliedRule `json:"appliedRules"`
}

type ValueBreakdown struct {
	BaseValue     decimal.Decimal `json:"baseValue"`
	AdjustedValue decimal.Decimal `json:"adjustedValue"`
	Currency      string          `json:"currency"`
	MatchedStep   bool            `json:"matchedFunnelStep"`
	Segment       *SegmentRef     `json:"segment"`
}

type SegmentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func NewEventResponse(o Outcome) EventResponse {
	applied := o.Score.AppliedRules
	if applied == nil {
		applied = []scoring.AppliedRule{}
	}
	resp := EventResponse{
		LeadID:            o.LeadID.String(),
		ConversionEventID: o.ConversionEventID.String(),
		EventID:           o.EventID,
		Scoring: ScoringBreakdown{
			RawScore:        o.Score.RawScore,
			NormalizedScore: o.Score.NormalizedScore,
			Multiplier:      o.Score.Multiplier,
			AppliedRules:    applied,
		},
		Value: ValueBreakdown{
			BaseValue:     o.BaseValue,
			AdjustedValue: o.AdjustedValue,
			Currency:      o.Currency,
			MatchedStep:   o.MatchedStep,
		},
		Dispatch: make(map[string]string, len(o.Dispatch)),
	}
	if o.Segment != nil {
		resp.Value.Segment = &SegmentRef{ID: o.Segment.ID.String(), Name: o.Segment.Name}
	}
	for p, proj := range o.Dispatch {
		resp.Dispatch[string(p)] = string(proj)
	}
	return resp
}
