package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conversion_dispatch_backend/internal/events"
	"conversion_dispatch_backend/platform/logger"
	"conversion_dispatch_backend/platform/metrics"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Outcome is the result of one attempt as recorded in logs, metrics and audit.
type Outcome string

const (
	OutcomeAlreadyFinal Outcome = "already_final"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeDispatched   Outcome = "dispatched"
	OutcomeRetryable    Outcome = "retryable_error"
	OutcomeTerminal     Outcome = "terminal_error"
	OutcomeExhausted    Outcome = "failed_exhausted"
)

// Result is what an adapter reports for a delivery the destination accepted.
type Result struct {
	Skipped  bool
	Reason   string
	Accepted int
	Rejected int
}

// Adapter builds the destination payload from a job and sends it.
// Errors must be *TransientError or *TerminalError; anything else is retried.
type Adapter interface {
	Platform() Platform
	Deliver(ctx context.Context, job Job, cred Credential) (Result, error)
}

// CredentialStatus is the lifecycle state of an integration credential.
type CredentialStatus string

const (
	CredentialPending  CredentialStatus = "PENDING"
	CredentialActive   CredentialStatus = "ACTIVE"
	CredentialError    CredentialStatus = "ERROR"
	CredentialDisabled CredentialStatus = "DISABLED"
)

// Credential is a decrypted per-organization, per-platform secret bundle.
type Credential struct {
	Status  CredentialStatus
	Secrets map[string]string
}

// Dispatchable reports whether jobs may be sent with this credential.
func (c *Credential) Dispatchable() bool {
	return c != nil && (c.Status == CredentialPending || c.Status == CredentialActive)
}

// Secret returns one value from the bundle.
func (c Credential) Secret(key string) string {
	return c.Secrets[key]
}

// Credentials is the integration store as seen by the workers.
type Credentials interface {
	// Credential returns nil, nil when the organization has none for p.
	Credential(ctx context.Context, orgID uuid.UUID, p Platform) (*Credential, error)
	MarkActive(ctx context.Context, orgID uuid.UUID, p Platform) error
	MarkError(ctx context.Context, orgID uuid.UUID, p Platform, reason string) error
}

// StatusStore persists per-platform delivery status on the conversion event.
// Mark* only move a PENDING status; they report whether a row changed.
type StatusStore interface {
	Status(ctx context.Context, eventID uuid.UUID, p Platform) (DeliveryStatus, error)
	RecordAttempt(ctx context.Context, eventID uuid.UUID, p Platform) error
	RecordError(ctx context.Context, eventID uuid.UUID, p Platform, message string) error
	MarkSent(ctx context.Context, eventID uuid.UUID, p Platform) (bool, error)
	MarkSkipped(ctx context.Context, eventID uuid.UUID, p Platform, reason string) (bool, error)
	MarkFailed(ctx context.Context, eventID uuid.UUID, p Platform, reason string) (bool, error)
}

// Attempt numbers start at 1. Max is the total number of attempts allowed.
type Attempt struct {
	Number int
	Max    int
}

func (a Attempt) Last() bool {
	return a.Max > 0 && a.Number >= a.Max
}

// Processor runs one platform's per-attempt state machine.
type Processor struct {
	adapter Adapter
	status  StatusStore
	creds   Credentials
	bus     events.Bus
	breaker *Breaker
	metrics *metrics.Metrics
	log     *logger.Logger
}

type ProcessorDeps struct {
	Adapter     Adapter
	Status      StatusStore
	Credentials Credentials
	Bus         events.Bus
	Breaker     *Breaker
	Metrics     *metrics.Metrics
	Log         *logger.Logger
}

func NewProcessor(deps ProcessorDeps) *Processor {
	log := deps.Log
	if log == nil {
		log = logger.Discard()
	}
	return &Processor{
		adapter: deps.Adapter,
		status:  deps.Status,
		creds:   deps.Credentials,
		bus:     deps.Bus,
		breaker: deps.Breaker,
		metrics: deps.Metrics,
		log:     log,
	}
}

func (p *Processor) Platform() Platform {
	return p.adapter.Platform()
}

// ProcessTask implements asynq.Handler.
func (p *Processor) ProcessTask(ctx context.Context, task *asynq.Task) error {
	job, err := ParseDeliverPayload(task)
	if err != nil {
		return fmt.Errorf("decode job: %v: %w", err, asynq.SkipRetry)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		maxRetry = defaultMaxRetry
	}

	_, err = p.Handle(ctx, job, Attempt{Number: retried + 1, Max: maxRetry + 1})
	if IsTerminal(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// Handle executes one attempt. It is safe to run again for the same job: a
// final status short-circuits, and the destination dedups on the event id.
// A returned error means the attempt should be retried unless it is terminal.
func (p *Processor) Handle(ctx context.Context, job Job, attempt Attempt) (Outcome, error) {
	platform := p.adapter.Platform()
	eventID := job.ConversionEventID

	current, err := p.status.Status(ctx, eventID, platform)
	if err != nil {
		return p.retryOrExhaust(ctx, job, attempt, Transient("status_lookup", err), 0)
	}
	if current.Final() {
		p.log.Debug("dispatch already final", "platform", platform, "conversion_event_id", eventID, "status", current)
		return OutcomeAlreadyFinal, nil
	}

	if err := p.status.RecordAttempt(ctx, eventID, platform); err != nil {
		return p.retryOrExhaust(ctx, job, attempt, Transient("status_update", err), 0)
	}

	cred, err := p.creds.Credential(ctx, job.OrganizationID, platform)
	if err != nil {
		return p.retryOrExhaust(ctx, job, attempt, Transient("credential_lookup", err), 0)
	}
	if !cred.Dispatchable() {
		return p.skip(ctx, job, attempt, "integration not active", 0)
	}

	start := time.Now()
	res, err := p.breaker.Execute(func() (Result, error) {
		return p.adapter.Deliver(ctx, job, *cred)
	})
	elapsed := time.Since(start)
	p.metrics.ObserveDispatch(string(platform), elapsed)

	if err == nil {
		if res.Skipped {
			return p.skip(ctx, job, attempt, res.Reason, elapsed)
		}
		return p.sent(ctx, job, attempt, cred, res, elapsed)
	}

	if term, ok := AsTerminal(err); ok {
		return p.terminal(ctx, job, attempt, term, elapsed)
	}

	var transient *TransientError
	if !errors.As(err, &transient) {
		err = Transient("unclassified", err)
	}
	return p.retryOrExhaust(ctx, job, attempt, err, elapsed)
}

func (p *Processor) sent(ctx context.Context, job Job, attempt Attempt, cred *Credential, res Result, elapsed time.Duration) (Outcome, error) {
	platform := p.adapter.Platform()
	if _, err := p.status.MarkSent(ctx, job.ConversionEventID, platform); err != nil {
		return "", Transient("status_update", err)
	}
	if cred.Status == CredentialPending {
		if err := p.creds.MarkActive(ctx, job.OrganizationID, platform); err != nil {
			p.log.Warn("activate integration failed", "platform", platform, "organization_id", job.OrganizationID, "error", err)
		}
	}

	msg := ""
	if res.Rejected > 0 {
		msg = fmt.Sprintf("partial: %d accepted, %d rejected", res.Accepted, res.Rejected)
	}
	p.record(ctx, job, attempt, OutcomeDispatched, "", msg, elapsed)
	return OutcomeDispatched, nil
}

func (p *Processor) skip(ctx context.Context, job Job, attempt Attempt, reason string, elapsed time.Duration) (Outcome, error) {
	if _, err := p.status.MarkSkipped(ctx, job.ConversionEventID, p.adapter.Platform(), reason); err != nil {
		return "", Transient("status_update", err)
	}
	p.record(ctx, job, attempt, OutcomeSkipped, "", reason, elapsed)
	return OutcomeSkipped, nil
}

func (p *Processor) terminal(ctx context.Context, job Job, attempt Attempt, term *TerminalError, elapsed time.Duration) (Outcome, error) {
	platform := p.adapter.Platform()
	if _, err := p.status.MarkFailed(ctx, job.ConversionEventID, platform, term.Error()); err != nil {
		p.log.Error("record terminal failure", "platform", platform, "conversion_event_id", job.ConversionEventID, "error", err)
	}
	if term.AuthClass {
		if err := p.creds.MarkError(ctx, job.OrganizationID, platform, term.Error()); err != nil {
			p.log.Error("flag integration error", "platform", platform, "organization_id", job.OrganizationID, "error", err)
		}
	}
	p.record(ctx, job, attempt, OutcomeTerminal, term.Code, term.Message, elapsed)
	return OutcomeTerminal, term
}

func (p *Processor) retryOrExhaust(ctx context.Context, job Job, attempt Attempt, err error, elapsed time.Duration) (Outcome, error) {
	platform := p.adapter.Platform()
	code := errorCode(err)

	if attempt.Last() {
		if _, markErr := p.status.MarkFailed(ctx, job.ConversionEventID, platform, "retries exhausted: "+err.Error()); markErr != nil {
			p.log.Error("record exhausted failure", "platform", platform, "conversion_event_id", job.ConversionEventID, "error", markErr)
		}
		p.record(ctx, job, attempt, OutcomeExhausted, code, err.Error(), elapsed)
		return OutcomeExhausted, err
	}

	if recErr := p.status.RecordError(ctx, job.ConversionEventID, platform, err.Error()); recErr != nil {
		p.log.Warn("record retryable error", "platform", platform, "conversion_event_id", job.ConversionEventID, "error", recErr)
	}
	p.record(ctx, job, attempt, OutcomeRetryable, code, err.Error(), elapsed)
	return OutcomeRetryable, err
}

func (p *Processor) record(ctx context.Context, job Job, attempt Attempt, outcome Outcome, code, message string, elapsed time.Duration) {
	platform := string(p.adapter.Platform())
	p.log.DispatchOutcome(platform, job.EventID, string(outcome), attempt.Number, code)
	p.metrics.DispatchOutcome(platform, string(outcome))

	if p.bus == nil {
		return
	}
	p.bus.Publish(ctx, events.DispatchAttempted{
		BaseEvent:         events.NewBaseEvent(),
		OrganizationID:    job.OrganizationID,
		ConversionEventID: job.ConversionEventID,
		Platform:          platform,
		Outcome:           string(outcome),
		Attempt:           attempt.Number,
		ErrorCode:         code,
		Message:           message,
		Duration:          elapsed,
	})
}
