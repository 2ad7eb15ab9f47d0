package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
)

type processorFixture struct {
	proc    *Processor
	adapter *fakeAdapter
	status  *fakeStatusStore
	creds   *fakeCredentials
	bus     *recordingBus
	job     Job
}

func newProcessorFixture(platform Platform, credStatus CredentialStatus) *processorFixture {
	adapter := &fakeAdapter{platform: platform}
	status := newFakeStatusStore()
	creds := &fakeCredentials{cred: &Credential{Status: credStatus, Secrets: map[string]string{}}}
	bus := &recordingBus{}

	return &processorFixture{
		proc: NewProcessor(ProcessorDeps{
			Adapter:     adapter,
			Status:      status,
			Credentials: creds,
			Bus:         bus,
		}),
		adapter: adapter,
		status:  status,
		creds:   creds,
		bus:     bus,
		job: Job{
			ConversionEventID: uuid.New(),
			OrganizationID:    uuid.New(),
			LeadID:            uuid.New(),
			Platform:          platform,
			EventName:         "lead",
			EventID:           "evt-123",
			EventTime:         time.Now().UTC(),
			Value:             decimal.RequireFromString("195.00"),
			Currency:          "EUR",
		},
	}
}

func TestHandleDispatchesAndActivatesPendingCredential(t *testing.T) {
	f := newProcessorFixture(PlatformCAPI, CredentialPending)
	f.adapter.result = Result{Accepted: 1}

	outcome, err := f.proc.Handle(context.Background(), f.job, Attempt{Number: 1, Max: 9})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeDispatched {
		t.Fatalf("expected dispatched, got %s", outcome)
	}
	status, attempts := f.status.get(f.job.ConversionEventID, PlatformCAPI)
	if status != StatusSent || attempts != 1 {
		t.Fatalf("expected SENT after 1 attempt, got %s after %d", status, attempts)
	}
	if f.creds.activated != 1 {
		t.Fatalf("expected pending credential to be activated once, got %d", f.creds.activated)
	}
	if audits := f.bus.attempts(); len(audits) != 1 || audits[0].Outcome != string(OutcomeDispatched) {
		t.Fatalf("expected one dispatched audit event, got %+v", audits)
	}
}

func TestHandleSkipsWithoutTouchingCredential(t *testing.T) {
	f := newProcessorFixture(PlatformOffline, CredentialActive)
	f.adapter.result = Result{Skipped: true, Reason: "no click id or hashed identifier"}

	outcome, err := f.proc.Handle(context.Background(), f.job, Attempt{Number: 1, Max: 9})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %s", outcome)
	}
	if status, _ := f.status.get(f.job.ConversionEventID, PlatformOffline); status != StatusSkipped {
		t.Fatalf("expected SKIPPED, got %s", status)
	}
	if f.creds.activated != 0 || len(f.creds.errored) != 0 {
		t.Fatalf("expected integration status untouched")
	}
	if f.creds.cred.Status != CredentialActive {
		t.Fatalf("expected credential to stay ACTIVE, got %s", f.creds.cred.Status)
	}
}

func TestHandleTimeoutIsRetryable(t *testing.T) {
	f := newProcessorFixture(PlatformCAPI, CredentialActive)
	f.adapter.err = Transient("timeout", context.DeadlineExceeded)

	outcome, err := f.proc.Handle(context.Background(), f.job, Attempt{Number: 1, Max: 9})
	if outcome != OutcomeRetryable {
		t.Fatalf("expected retryable, got %s", outcome)
	}
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if IsTerminal(err) {
		t.Fatalf("timeout must not be terminal")
	}
	status, attempts := f.status.get(f.job.ConversionEventID, PlatformCAPI)
	if status != StatusPending || attempts != 1 {
		t.Fatalf("expected PENDING with attempt counter 1, got %s/%d", status, attempts)
	}

	if _, err := f.proc.Handle(context.Background(), f.job, Attempt{Number: 2, Max: 9}); err == nil {
		t.Fatalf("expected second attempt to fail again")
	}
	if _, attempts := f.status.get(f.job.ConversionEventID, PlatformCAPI); attempts != 2 {
		t.Fatalf("expected attempt counter 2, got %d", attempts)
	}
}

func TestHandleTerminalAuthErrorFlagsIntegration(t *testing.T) {
	f := newProcessorFixture(PlatformCAPI, CredentialActive)
	f.adapter.err = TerminalAuth("190", "Invalid OAuth access token")

	outcome, err := f.proc.Handle(context.Background(), f.job, Attempt{Number: 1, Max: 9})
	if outcome != OutcomeTerminal {
		t.Fatalf("expected terminal, got %s", outcome)
	}
	if !IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if status, _ := f.status.get(f.job.ConversionEventID, PlatformCAPI); status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", status)
	}
	if len(f.creds.errored) != 1 || f.creds.cred.Status != CredentialError {
		t.Fatalf("expected integration flipped to ERROR, got %+v", f.creds)
	}
}

func TestProcessTaskSkipsRetryOnTerminalError(t *testing.T) {
	f := newProcessorFixture(PlatformCAPI, CredentialActive)
	f.adapter.err = TerminalAuth("190", "Invalid OAuth access token")

	task, err := NewDeliverTask(f.job)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	err = f.proc.ProcessTask(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestProcessTaskKeepsRetryingTransientError(t *testing.T) {
	f := newProcessorFixture(PlatformCAPI, CredentialActive)
	f.adapter.err = Transient("http_503", errors.New("service unavailable"))

	task, _ := NewDeliverTask(f.job)
	err := f.proc.ProcessTask(context.Background(), task)
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestHandleNonTerminalNonTransientErrorIsRetried(t *testing.T) {
	f := newProcessorFixture(PlatformCAPI, CredentialActive)
	f.adapter.err = errors.New("something odd")

	outcome, err := f.proc.Handle(context.Background(), f.job, Attempt{Number: 1, Max: 9})
	if outcome != OutcomeRetryable {
		t.Fatalf("expected retryable, got %s", outcome)
	}
	var transient *TransientError
	if !errors.As(err, &transient) || transient.Code != "unclassified" {
		t.Fatalf("expected unclassified transient error, got %v", err)
	}
}

func TestHandleExhaustedRetriesRecordsFailure(t *testing.T) {
	f := newProcessorFixture(PlatformOffline, CredentialActive)
	f.adapter.err = Transient("http_500", errors.New("internal"))

	outcome, err := f.proc.Handle(context.Background(), f.job, Attempt{Number: 9, Max: 9})
	if outcome != OutcomeExhausted || err == nil {
		t.Fatalf("expected exhausted with error, got %s %v", outcome, err)
	}
	if status, _ := f.status.get(f.job.ConversionEventID, PlatformOffline); status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", status)
	}
	if len(f.creds.errored) != 0 {
		t.Fatalf("exhausted retries must not flag the integration")
	}
}

func TestHandleStatusWriteFailureOnLastAttemptStillMarksFailed(t *testing.T) {
	f := newProcessorFixture(PlatformCAPI, CredentialActive)
	f.status.attemptErr = errors.New("connection reset")

	outcome, err := f.proc.Handle(context.Background(), f.job, Attempt{Number: 9, Max: 9})
	if outcome != OutcomeExhausted || err == nil {
		t.Fatalf("expected exhausted with error, got %s %v", outcome, err)
	}
	if status, _ := f.status.get(f.job.ConversionEventID, PlatformCAPI); status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", status)
	}
	if f.adapter.calls != 0 {
		t.Fatalf("destination must not be called, got %d calls", f.adapter.calls)
	}

	// Earlier attempts stay retryable.
	g := newProcessorFixture(PlatformCAPI, CredentialActive)
	g.status.attemptErr = errors.New("connection reset")
	outcome, err = g.proc.Handle(context.Background(), g.job, Attempt{Number: 2, Max: 9})
	if outcome != OutcomeRetryable || errorCode(err) != "status_update" {
		t.Fatalf("expected retryable status_update error, got %s %v", outcome, err)
	}
	if status, _ := g.status.get(g.job.ConversionEventID, PlatformCAPI); status != StatusPending {
		t.Fatalf("expected PENDING before the last attempt, got %s", status)
	}
}

func TestHandleFinalStatusShortCircuits(t *testing.T) {
	f := newProcessorFixture(PlatformCAPI, CredentialActive)
	f.adapter.result = Result{Accepted: 1}

	if _, err := f.proc.Handle(context.Background(), f.job, Attempt{Number: 1, Max: 9}); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	outcome, err := f.proc.Handle(context.Background(), f.job, Attempt{Number: 1, Max: 9})
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if outcome != OutcomeAlreadyFinal {
		t.Fatalf("expected already_final, got %s", outcome)
	}
	if f.adapter.calls != 1 {
		t.Fatalf("expected destination called once, got %d", f.adapter.calls)
	}
	if _, attempts := f.status.get(f.job.ConversionEventID, PlatformCAPI); attempts != 1 {
		t.Fatalf("expected attempts to stay 1, got %d", attempts)
	}
}

func TestHandleSkipsInactiveOrMissingCredential(t *testing.T) {
	for _, cred := range []*Credential{nil, {Status: CredentialDisabled}, {Status: CredentialError}} {
		f := newProcessorFixture(PlatformCAPI, CredentialActive)
		f.creds.cred = cred

		outcome, err := f.proc.Handle(context.Background(), f.job, Attempt{Number: 1, Max: 9})
		if err != nil || outcome != OutcomeSkipped {
			t.Fatalf("credential %+v: expected skipped, got %s %v", cred, outcome, err)
		}
		if f.adapter.calls != 0 {
			t.Fatalf("credential %+v: destination must not be called", cred)
		}
	}
}

func TestBreakerOpensAfterConsecutiveTransientFailures(t *testing.T) {
	f := newProcessorFixture(PlatformCAPI, CredentialActive)
	f.proc.breaker = NewBreaker(PlatformCAPI, nil)
	f.adapter.err = Transient("http_502", errors.New("bad gateway"))

	for i := range breakerConsecutiveFailures {
		job := f.job
		job.ConversionEventID = uuid.New()
		if _, err := f.proc.Handle(context.Background(), job, Attempt{Number: 1, Max: 9}); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}

	job := f.job
	job.ConversionEventID = uuid.New()
	_, err := f.proc.Handle(context.Background(), job, Attempt{Number: 1, Max: 9})
	var transient *TransientError
	if !errors.As(err, &transient) || transient.Code != "circuit_open" {
		t.Fatalf("expected circuit_open, got %v", err)
	}
	if f.adapter.calls != breakerConsecutiveFailures {
		t.Fatalf("expected %d destination calls, got %d", breakerConsecutiveFailures, f.adapter.calls)
	}
}

func TestBreakerIgnoresTerminalErrors(t *testing.T) {
	f := newProcessorFixture(PlatformCAPI, CredentialActive)
	f.proc.breaker = NewBreaker(PlatformCAPI, nil)
	f.adapter.err = Terminal("100", "Invalid parameter")

	for range breakerConsecutiveFailures + 2 {
		job := f.job
		job.ConversionEventID = uuid.New()
		_, _ = f.proc.Handle(context.Background(), job, Attempt{Number: 1, Max: 9})
	}
	if f.adapter.calls != breakerConsecutiveFailures+2 {
		t.Fatalf("expected breaker to stay closed, got %d calls", f.adapter.calls)
	}
}
