package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"conversion_dispatch_backend/internal/outbox"
	"conversion_dispatch_backend/platform/logger"
	"conversion_dispatch_backend/platform/metrics"

	"github.com/google/uuid"
)

// OutboxSource is the part of the outbox repository the relay needs.
type OutboxSource interface {
	ClaimPending(ctx context.Context, limit int) ([]outbox.Record, error)
	MarkEnqueued(ctx context.Context, ids ...uuid.UUID) error
	MarkPending(ctx context.Context, id uuid.UUID, lastError *string) error
}

// Relay moves committed outbox rows onto the platform queues. It covers the
// window where the API committed an event but its own enqueue never happened.
type Relay struct {
	source   OutboxSource
	enqueuer JobEnqueuer
	interval time.Duration
	batch    int
	metrics  *metrics.Metrics
	log      *logger.Logger
}

func NewRelay(source OutboxSource, enqueuer JobEnqueuer, interval time.Duration, batch int, m *metrics.Metrics, log *logger.Logger) *Relay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch < 1 {
		batch = 50
	}
	return &Relay{
		source:   source,
		enqueuer: enqueuer,
		interval: interval,
		batch:    batch,
		metrics:  m,
		log:      log,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if _, err := r.RelayOnce(ctx); err != nil {
			r.log.Warn("outbox claim failed", "error", err)
		}
	}
}

// RelayOnce claims one batch and enqueues it. Rows that fail, or that were not
// reached before ctx was cancelled, go back to pending.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	records, err := r.source.ClaimPending(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	// Row bookkeeping must land even when shutdown cancels ctx mid-batch.
	markCtx := context.WithoutCancel(ctx)

	relayed := 0
	for _, rec := range records {
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.release(markCtx, rec, ctxErr)
			continue
		}
		if err := r.relay(ctx, rec); err != nil {
			r.release(markCtx, rec, err)
			r.log.Warn("outbox relay failed", "outbox_id", rec.ID, "platform", rec.Platform, "error", err)
			continue
		}
		if err := r.source.MarkEnqueued(markCtx, rec.ID); err != nil {
			// The lease expires and the row is relayed again; the task ID dedupes it.
			r.log.Error("outbox mark enqueued failed", "outbox_id", rec.ID, "error", err)
		}
		r.metrics.OutboxRelayed(rec.Platform)
		relayed++
	}
	return relayed, nil
}

func (r *Relay) release(ctx context.Context, rec outbox.Record, cause error) {
	msg := cause.Error()
	if err := r.source.MarkPending(ctx, rec.ID, &msg); err != nil {
		r.log.Error("outbox release failed", "outbox_id", rec.ID, "error", err)
	}
}

func (r *Relay) relay(ctx context.Context, rec outbox.Record) error {
	var job Job
	if err := json.Unmarshal(rec.Payload, &job); err != nil {
		return fmt.Errorf("decode outbox payload: %w", err)
	}
	platform, err := ParsePlatform(rec.Platform)
	if err != nil {
		return err
	}
	job.Platform = platform
	return r.enqueuer.Enqueue(ctx, job)
}
