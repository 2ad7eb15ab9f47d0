package valuation

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"conversion_dispatch_backend/internal/dispatch"
	"conversion_dispatch_backend/internal/events"
	"conversion_dispatch_backend/internal/funnel"
	"conversion_dispatch_backend/internal/scoring"
	"conversion_dispatch_backend/platform/apperr"
	"conversion_dispatch_backend/platform/crypto"
	"conversion_dispatch_backend/platform/logger"
	"conversion_dispatch_backend/platform/pii"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const testSecret = "0123456789abcdef0123456789abcdef-valuation"

type fakeStore struct {
	cfg       Config
	loadErr   error
	duplicate bool

	mu      sync.Mutex
	created []CreateParams
}

func (f *fakeStore) LoadConfig(context.Context, uuid.UUID) (Config, error) {
	return f.cfg, f.loadErr
}

func (f *fakeStore) Create(_ context.Context, p CreateParams) (map[dispatch.Platform]uuid.UUID, error) {
	if f.duplicate {
		return nil, ErrDuplicateEvent
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, p)
	ids := map[dispatch.Platform]uuid.UUID{}
	for _, j := range p.Jobs {
		ids[j.Platform] = uuid.New()
	}
	return ids, nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []dispatch.Job
	fail map[dispatch.Platform]bool
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job dispatch.Job) error {
	if f.fail[job.Platform] {
		return errors.New("redis unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeOutbox struct {
	marked []uuid.UUID
}

func (f *fakeOutbox) MarkEnqueued(_ context.Context, ids ...uuid.UUID) error {
	f.marked = append(f.marked, ids...)
	return nil
}

// exampleConfig is a two-step funnel with a target CAC of 1000.
func exampleConfig() Config {
	return Config{
		HasFunnel: true,
		Funnel: []funnel.Step{
			{ID: uuid.New(), Order: 0, EventName: "lead_submitted", ConversionRate: 50},
			{ID: uuid.New(), Order: 1, EventName: "purchase", ConversionRate: 100},
		},
		Metrics: &funnel.Metrics{LTV: 3000, LTVCACRatio: 3, GrossMargin: 100, Currency: "USD"},
		Rules: []scoring.Rule{
			{ID: uuid.New(), Field: "email_type", Condition: scoring.ParseCondition("equals:business"), Points: 15, Enabled: true},
		},
		Segments: []scoring.Segment{
			{ID: uuid.New(), Name: "B2B", Multiplier: decimal.RequireFromString("1.2"), Field: "email_type", Condition: scoring.ParseCondition("equals:business")},
		},
	}
}

type harness struct {
	svc      *Service
	store    *fakeStore
	enqueuer *fakeEnqueuer
	outbox   *fakeOutbox
	bus      *events.InMemoryBus
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	sealer, err := crypto.NewSealer(testSecret, crypto.PurposeLeadPayload)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	h := &harness{
		store:    &fakeStore{cfg: cfg},
		enqueuer: &fakeEnqueuer{},
		outbox:   &fakeOutbox{},
		bus:      events.NewInMemoryBus(nil),
	}
	h.svc = NewService(Deps{
		Store:    h.store,
		Enqueuer: h.enqueuer,
		Outbox:   h.outbox,
		Sealer:   sealer,
		Bus:      h.bus,
	})
	return h
}

func businessLead() Input {
	return Input{
		OrganizationID: uuid.New(),
		EventName:      "Lead_Submitted",
		EventID:        "evt-1",
		PII:            pii.Raw{Email: "Jane@Acme.io", Phone: "+14155552671"},
		RawPayload:     []byte(`{"email":"Jane@Acme.io","phone":"+14155552671"}`),
	}
}

func TestEvaluateScoresValuesAndPersists(t *testing.T) {
	h := newHarness(t, exampleConfig())

	out, err := h.svc.Evaluate(context.Background(), businessLead())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if out.Score.NormalizedScore != 15 || !out.Score.Multiplier.Equal(decimal.RequireFromString("0.39")) {
		t.Fatalf("unexpected score %+v", out.Score)
	}
	if !out.BaseValue.Equal(decimal.NewFromInt(500)) || !out.AdjustedValue.Equal(decimal.RequireFromString("195")) {
		t.Fatalf("expected 500 -> 195, got %s -> %s", out.BaseValue, out.AdjustedValue)
	}
	if !out.MatchedStep || out.Currency != "USD" {
		t.Fatalf("unexpected value breakdown %+v", out)
	}
	if out.Segment == nil || out.Segment.Name != "B2B" {
		t.Fatalf("expected B2B segment, got %+v", out.Segment)
	}

	if len(h.store.created) != 1 {
		t.Fatalf("expected one create, got %d", len(h.store.created))
	}
	created := h.store.created[0]
	if created.Lead.EmailHash == "" || strings.Contains(created.Lead.EmailHash, "@") {
		t.Fatalf("expected hashed email, got %q", created.Lead.EmailHash)
	}
	if bytes.Contains(created.Lead.EncryptedPayload, []byte("Jane@Acme.io")) {
		t.Fatalf("payload stored in clear")
	}
	if created.Lead.SegmentID == nil || *created.Lead.SegmentID != out.Segment.ID {
		t.Fatalf("expected segment on lead")
	}
	if created.Event.EventID != "evt-1" || !created.Event.Value.Equal(out.AdjustedValue) {
		t.Fatalf("unexpected event %+v", created.Event)
	}
}

func TestEvaluateQueuesOnlyEligiblePlatforms(t *testing.T) {
	h := newHarness(t, exampleConfig())

	out, err := h.svc.Evaluate(context.Background(), businessLead())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Dispatch[dispatch.PlatformCAPI] != ProjectionQueued || out.Dispatch[dispatch.PlatformOffline] != ProjectionSkipped {
		t.Fatalf("unexpected projection %v", out.Dispatch)
	}
	created := h.store.created[0]
	if len(created.Jobs) != 1 || created.Jobs[0].Platform != dispatch.PlatformCAPI {
		t.Fatalf("expected a single capi job, got %+v", created.Jobs)
	}
	if created.Event.Skipped[dispatch.PlatformOffline] == "" {
		t.Fatalf("expected offline to start SKIPPED")
	}
	if len(h.enqueuer.jobs) != 1 || len(h.outbox.marked) != 1 {
		t.Fatalf("expected fast-path enqueue of one job, got %d jobs, %d marked", len(h.enqueuer.jobs), len(h.outbox.marked))
	}

	in := businessLead()
	in.EventID = "evt-2"
	in.ClickIDs = dispatch.ClickIDs{GCLID: "Cj0KCQ"}
	out, err = h.svc.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Dispatch[dispatch.PlatformOffline] != ProjectionQueued {
		t.Fatalf("expected offline queued with a click id")
	}
	jobs := h.store.created[1].Jobs
	if len(jobs) != 2 {
		t.Fatalf("expected two jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.EventID != "evt-2" || j.Identifiers.Email == "" || !j.Value.Equal(out.AdjustedValue) {
			t.Fatalf("job snapshot incomplete: %+v", j)
		}
	}
}

func TestEvaluateMissingConfiguration(t *testing.T) {
	cfg := exampleConfig()
	cfg.HasFunnel = false
	h := newHarness(t, cfg)

	_, err := h.svc.Evaluate(context.Background(), businessLead())
	if apperr.GetKind(err) != apperr.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}

	cfg = exampleConfig()
	cfg.Metrics = nil
	h = newHarness(t, cfg)
	_, err = h.svc.Evaluate(context.Background(), businessLead())
	if apperr.GetKind(err) != apperr.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(h.store.created) != 0 || len(h.enqueuer.jobs) != 0 {
		t.Fatalf("nothing may be persisted or queued")
	}
}

func TestEvaluateUsesFallbackForUnknownEvent(t *testing.T) {
	h := newHarness(t, exampleConfig())
	in := businessLead()
	in.EventName = "newsletter_signup"

	out, err := h.svc.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.MatchedStep || !out.BaseValue.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected fallback ltv/ratio = 1000, got %s", out.BaseValue)
	}
}

func TestEvaluateEmptyFunnelIsValid(t *testing.T) {
	cfg := exampleConfig()
	cfg.Funnel = nil
	h := newHarness(t, cfg)

	out, err := h.svc.Evaluate(context.Background(), businessLead())
	if err != nil {
		t.Fatalf("empty funnel must not fail: %v", err)
	}
	if out.MatchedStep {
		t.Fatalf("expected fallback value")
	}
}

func TestEvaluateDuplicateEventID(t *testing.T) {
	h := newHarness(t, exampleConfig())
	h.store.duplicate = true

	_, err := h.svc.Evaluate(context.Background(), businessLead())
	if apperr.GetKind(err) != apperr.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(h.enqueuer.jobs) != 0 {
		t.Fatalf("duplicate must not enqueue")
	}
}

func TestEnqueueFailureIsNotSurfaced(t *testing.T) {
	h := newHarness(t, exampleConfig())
	h.enqueuer.fail = map[dispatch.Platform]bool{dispatch.PlatformCAPI: true}

	in := businessLead()
	in.ClickIDs = dispatch.ClickIDs{GBRAID: "0AAAAA"}
	if _, err := h.svc.Evaluate(context.Background(), in); err != nil {
		t.Fatalf("enqueue failure must not fail the request: %v", err)
	}
	if len(h.outbox.marked) != 1 {
		t.Fatalf("only the enqueued row may be marked, got %d", len(h.outbox.marked))
	}
}

func TestEvaluateGeneratesEventID(t *testing.T) {
	h := newHarness(t, exampleConfig())
	in := businessLead()
	in.EventID = ""

	out, err := h.svc.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if _, err := uuid.Parse(out.EventID); err != nil {
		t.Fatalf("expected generated event id, got %q", out.EventID)
	}
}

func TestCallerFactsCannotSpoofDerivedFlags(t *testing.T) {
	cfg := exampleConfig()
	cfg.Rules = []scoring.Rule{
		{ID: uuid.New(), Field: "has_email", Condition: scoring.ParseCondition("is_true"), Points: 40, Enabled: true},
		{ID: uuid.New(), Field: "budget", Condition: scoring.ParseCondition("greater_than:1000"), Points: 20, Enabled: true},
	}
	h := newHarness(t, cfg)

	in := businessLead()
	in.PII = pii.Raw{}
	in.Facts = map[string]any{"has_email": true, "budget": 5000.0, "nested": map[string]any{"x": 1}}

	out, err := h.svc.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Score.RawScore != 20 {
		t.Fatalf("expected only the budget rule, got %d", out.Score.RawScore)
	}
}

func TestMixedCaseFieldsMatchCallerFacts(t *testing.T) {
	cfg := exampleConfig()
	// Admins may save fields as "Company_Size"; LoadConfig keys them like facts.
	cfg.Rules = []scoring.Rule{
		{ID: uuid.New(), Field: scoring.FieldKey(" Company_Size "), Condition: scoring.ParseCondition("equals:50+"), Points: 30, Enabled: true},
	}
	cfg.Segments = []scoring.Segment{
		{ID: uuid.New(), Name: "Enterprise", Multiplier: decimal.NewFromInt(1), Field: scoring.FieldKey("Company_Size"), Condition: scoring.ParseCondition("equals:50+")},
	}
	h := newHarness(t, cfg)

	in := businessLead()
	in.Facts = map[string]any{"COMPANY_SIZE": "50+"}

	out, err := h.svc.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Score.RawScore != 30 {
		t.Fatalf("expected the company_size rule to match, got %d", out.Score.RawScore)
	}
	if out.Segment == nil || out.Segment.Name != "Enterprise" {
		t.Fatalf("expected Enterprise segment, got %+v", out.Segment)
	}
}

func TestAdjustedValueRoundTrip(t *testing.T) {
	for points := -10; points <= 110; points += 7 {
		cfg := exampleConfig()
		cfg.Rules = []scoring.Rule{{ID: uuid.New(), Field: "event_name", Condition: scoring.ParseCondition("exists"), Points: points, Enabled: true}}
		h := newHarness(t, cfg)

		out, err := h.svc.Evaluate(context.Background(), businessLead())
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		recovered := out.AdjustedValue.Div(out.Score.Multiplier)
		tolerance := decimal.RequireFromString("0.005").Div(out.Score.Multiplier)
		if recovered.Sub(out.BaseValue).Abs().GreaterThan(tolerance) {
			t.Fatalf("points %d: %s / %s = %s, want %s", points, out.AdjustedValue, out.Score.Multiplier, recovered, out.BaseValue)
		}
	}
}

func TestSlowValuationIsLoggedNotFailed(t *testing.T) {
	h := newHarness(t, exampleConfig())
	var buf bytes.Buffer
	h.svc.log = logger.NewWithWriter("production", &buf)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.svc.now = func() time.Time {
		clock = clock.Add(150 * time.Millisecond)
		return clock
	}

	if _, err := h.svc.Evaluate(context.Background(), businessLead()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !strings.Contains(buf.String(), "valuation_latency_exceeded") || !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Fatalf("expected a WARN latency log, got %s", buf.String())
	}
	if strings.Contains(buf.String(), "Jane@Acme.io") {
		t.Fatalf("raw email logged")
	}
}

func TestEvaluatePublishesRecordedEvent(t *testing.T) {
	h := newHarness(t, exampleConfig())
	var got events.ConversionEventRecorded
	h.bus.Subscribe(events.ConversionEventRecorded{}.EventName(), events.HandlerFunc(func(_ context.Context, e events.Event) error {
		got = e.(events.ConversionEventRecorded)
		return nil
	}))

	out, err := h.svc.Evaluate(context.Background(), businessLead())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	h.bus.Wait()
	if got.ConversionEventID != out.ConversionEventID || got.AdjustedValue != "195.00" || got.FunnelEvent != "Lead_Submitted" {
		t.Fatalf("unexpected event %+v", got)
	}
}
