// Package valuation turns one inbound conversion event into a scored, valued
// lead and its dispatch jobs, persisted in a single transaction.
package valuation

import (
	"context"
	"errors"
	"time"

	"conversion_dispatch_backend/internal/dispatch"
	"conversion_dispatch_backend/internal/events"
	"conversion_dispatch_backend/internal/funnel"
	"conversion_dispatch_backend/internal/scoring"
	"conversion_dispatch_backend/platform/apperr"
	"conversion_dispatch_backend/platform/crypto"
	"conversion_dispatch_backend/platform/logger"
	"conversion_dispatch_backend/platform/metrics"
	"conversion_dispatch_backend/platform/pii"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultLatencyBudget = 100 * time.Millisecond
	enqueueTimeout       = 2 * time.Second

	reasonNoClickID = "no click id"
)

// ErrDuplicateEvent is returned by Store.Create when the event id already exists.
var ErrDuplicateEvent = errors.New("conversion event already recorded")

// Projection is the per-platform state reported to the caller. It never
// claims delivery.
type Projection string

const (
	ProjectionQueued  Projection = "queued"
	ProjectionSkipped Projection = "skipped"
)

// Config is everything an organization has set up for valuation.
// HasFunnel is false and Metrics nil when the organization has none.
type Config struct {
	Funnel    []funnel.Step
	HasFunnel bool
	Metrics   *funnel.Metrics
	Rules     []scoring.Rule
	Segments  []scoring.Segment
}

// Input is one inbound conversion event.
type Input struct {
	OrganizationID uuid.UUID
	EventName      string
	EventID        string
	OccurredAt     time.Time
	PII            pii.Raw
	Facts          map[string]any
	UTM            map[string]string
	ClickIDs       dispatch.ClickIDs
	Source         dispatch.Source
	// RawPayload is the request body; it is stored only encrypted.
	RawPayload []byte
}

// Outcome is the synchronous result returned to the caller.
type Outcome struct {
	LeadID            uuid.UUID
	ConversionEventID uuid.UUID
	EventID           string
	Score             scoring.Result
	BaseValue         decimal.Decimal
	AdjustedValue     decimal.Decimal
	Currency          string
	MatchedStep       bool
	Segment           *scoring.Segment
	Dispatch          map[dispatch.Platform]Projection
}

type Lead struct {
	ID               uuid.UUID
	OrganizationID   uuid.UUID
	EmailHash        string
	PhoneHash        string
	RawScore         int
	NormalizedScore  int
	Multiplier       decimal.Decimal
	BaseValue        decimal.Decimal
	AdjustedValue    decimal.Decimal
	Currency         string
	SegmentID        *uuid.UUID
	EncryptedPayload []byte
}

type ConversionEvent struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	LeadID         uuid.UUID
	EventName      string
	EventID        string
	Value          decimal.Decimal
	Currency       string
	OccurredAt     time.Time
	// Skipped lists platforms that start SKIPPED with the given reason.
	Skipped map[dispatch.Platform]string
}

type CreateParams struct {
	Lead  Lead
	Event ConversionEvent
	Jobs  []dispatch.Job
}

// Store loads organization config and persists lead, event and outbox rows atomically.
type Store interface {
	LoadConfig(ctx context.Context, orgID uuid.UUID) (Config, error)
	// Create returns the outbox row id per platform, or ErrDuplicateEvent.
	Create(ctx context.Context, p CreateParams) (map[dispatch.Platform]uuid.UUID, error)
}

// OutboxMarker flags outbox rows the fast path already put on the queue.
type OutboxMarker interface {
	MarkEnqueued(ctx context.Context, ids ...uuid.UUID) error
}

type Deps struct {
	Store         Store
	Enqueuer      dispatch.JobEnqueuer
	Outbox        OutboxMarker
	Sealer        *crypto.Sealer
	Bus           events.Bus
	Metrics       *metrics.Metrics
	LatencyBudget time.Duration
	Log           *logger.Logger
}

type Service struct {
	store    Store
	enqueuer dispatch.JobEnqueuer
	outbox   OutboxMarker
	sealer   *crypto.Sealer
	bus      events.Bus
	metrics  *metrics.Metrics
	budget   time.Duration
	log      *logger.Logger
	now      func() time.Time
}

func NewService(deps Deps) *Service {
	budget := deps.LatencyBudget
	if budget <= 0 {
		budget = DefaultLatencyBudget
	}
	log := deps.Log
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		store:    deps.Store,
		enqueuer: deps.Enqueuer,
		outbox:   deps.Outbox,
		sealer:   deps.Sealer,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		budget:   budget,
		log:      log,
		now:      time.Now,
	}
}

// Evaluate scores, values and persists one event, then hands its jobs to the
// queue. Errors returned are from before or during persistence; nothing after
// the commit is surfaced.
func (s *Service) Evaluate(ctx context.Context, in Input) (Outcome, error) {
	start := s.now()

	cfg, err := s.store.LoadConfig(ctx, in.OrganizationID)
	if err != nil {
		return Outcome{}, err
	}
	if !cfg.HasFunnel {
		return Outcome{}, apperr.Configuration("organization has no current funnel")
	}
	if cfg.Metrics == nil {
		return Outcome{}, apperr.Configuration("organization has no current business metrics")
	}

	hashed := pii.Hash(in.PII)
	facts := buildFacts(in, hashed)
	score := scoring.Score(cfg.Rules, facts)

	values, err := funnel.Compute(cfg.Funnel, *cfg.Metrics)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.KindConfiguration, "funnel is misconfigured", err)
	}
	base := funnel.FallbackValue(*cfg.Metrics)
	step, matched := funnel.ValueForEvent(values, in.EventName)
	if matched {
		base = step.BaseValue
	}
	baseValue := decimal.NewFromFloat(base).Round(2)
	adjustedValue := baseValue.Mul(score.Multiplier).Round(2)
	segment := scoring.ClassifySegment(cfg.Segments, facts)

	sealed, err := s.sealer.Seal(in.RawPayload)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.KindInternal, "encrypt payload", err)
	}

	out := Outcome{
		LeadID:            uuid.New(),
		ConversionEventID: uuid.New(),
		EventID:           in.EventID,
		Score:             score,
		BaseValue:         baseValue,
		AdjustedValue:     adjustedValue,
		Currency:          cfg.Metrics.Currency,
		MatchedStep:       matched,
		Segment:           segment,
		Dispatch:          map[dispatch.Platform]Projection{},
	}
	if out.EventID == "" {
		out.EventID = uuid.NewString()
	}
	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = start
	}

	snapshot := dispatch.Job{
		ConversionEventID: out.ConversionEventID,
		OrganizationID:    in.OrganizationID,
		LeadID:            out.LeadID,
		EventName:         in.EventName,
		EventID:           out.EventID,
		EventTime:         occurredAt.UTC(),
		Value:             adjustedValue,
		Currency:          out.Currency,
		Identifiers:       hashed,
		ClickIDs:          in.ClickIDs,
		Source:            in.Source,
		SnapshotAt:        start.UTC(),
	}
	jobs := []dispatch.Job{snapshot.ForPlatform(dispatch.PlatformCAPI)}
	out.Dispatch[dispatch.PlatformCAPI] = ProjectionQueued
	skipped := map[dispatch.Platform]string{}
	if in.ClickIDs.HasOfflineClickID() {
		jobs = append(jobs, snapshot.ForPlatform(dispatch.PlatformOffline))
		out.Dispatch[dispatch.PlatformOffline] = ProjectionQueued
	} else {
		skipped[dispatch.PlatformOffline] = reasonNoClickID
		out.Dispatch[dispatch.PlatformOffline] = ProjectionSkipped
	}

	lead := Lead{
		ID:               out.LeadID,
		OrganizationID:   in.OrganizationID,
		EmailHash:        hashed.Email,
		PhoneHash:        hashed.Phone,
		RawScore:         score.RawScore,
		NormalizedScore:  score.NormalizedScore,
		Multiplier:       score.Multiplier,
		BaseValue:        baseValue,
		AdjustedValue:    adjustedValue,
		Currency:         out.Currency,
		EncryptedPayload: sealed,
	}
	if segment != nil {
		lead.SegmentID = &segment.ID
	}

	outboxIDs, err := s.store.Create(ctx, CreateParams{
		Lead: lead,
		Event: ConversionEvent{
			ID:             out.ConversionEventID,
			OrganizationID: in.OrganizationID,
			LeadID:         out.LeadID,
			EventName:      in.EventName,
			EventID:        out.EventID,
			Value:          adjustedValue,
			Currency:       out.Currency,
			OccurredAt:     occurredAt,
			Skipped:        skipped,
		},
		Jobs: jobs,
	})
	if errors.Is(err, ErrDuplicateEvent) {
		return Outcome{}, apperr.Conflict("event id already recorded").WithDetails(map[string]string{"eventId": out.EventID})
	}
	if err != nil {
		return Outcome{}, err
	}

	elapsed := s.now().Sub(start)
	s.metrics.ObserveValuation(elapsed)
	if elapsed > s.budget {
		s.log.SlowValuation(in.OrganizationID.String(), elapsed, s.budget)
	}

	s.enqueue(ctx, jobs, outboxIDs)
	s.publish(ctx, out, in)
	return out, nil
}

// enqueue is the fast path: rows it cannot place stay pending for the relay.
func (s *Service) enqueue(ctx context.Context, jobs []dispatch.Job, outboxIDs map[dispatch.Platform]uuid.UUID) {
	if s.enqueuer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()

	var enqueued []uuid.UUID
	for _, job := range jobs {
		if err := s.enqueuer.Enqueue(ctx, job); err != nil {
			s.log.Warn("fast-path enqueue failed; relay will retry",
				"platform", job.Platform, "conversion_event_id", job.ConversionEventID, "error", err)
			continue
		}
		if id, ok := outboxIDs[job.Platform]; ok {
			enqueued = append(enqueued, id)
		}
	}
	if len(enqueued) == 0 || s.outbox == nil {
		return
	}
	if err := s.outbox.MarkEnqueued(ctx, enqueued...); err != nil {
		// The relay re-enqueues; the task id makes that a no-op.
		s.log.Warn("mark outbox enqueued failed", "error", err)
	}
}

func (s *Service) publish(ctx context.Context, out Outcome, in Input) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.ConversionEventRecorded{
		BaseEvent:         events.NewBaseEvent(),
		OrganizationID:    in.OrganizationID,
		LeadID:            out.LeadID,
		ConversionEventID: out.ConversionEventID,
		FunnelEvent:       in.EventName,
		EventID:           out.EventID,
		NormalizedScore:   out.Score.NormalizedScore,
		AdjustedValue:     out.AdjustedValue.StringFixed(2),
		Currency:          out.Currency,
	})
}
