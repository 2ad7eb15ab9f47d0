// Package outbox stores dispatch jobs in the same transaction as the conversion
// event they belong to. A relay moves pending rows onto the queue.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conversion_dispatch_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusProcessing     Status = "processing"
	StatusEnqueued       Status = "enqueued"
	errRepoNotConfigured        = "outbox repository not configured"
)

// DefaultClaimLease is how long a claimed row may stay in processing before
// another relay takes it over.
const DefaultClaimLease = 5 * time.Minute

type Record struct {
	ID                uuid.UUID
	OrganizationID    uuid.UUID
	ConversionEventID uuid.UUID
	Platform          string
	Payload           json.RawMessage
	Status            Status
	Attempts          int
	CreatedAt         time.Time
}

type InsertParams struct {
	OrganizationID    uuid.UUID
	ConversionEventID uuid.UUID
	Platform          string
	Payload           any
}

type Repository struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, lease: DefaultClaimLease}
}

// Insert writes one pending row using q, normally the caller's transaction.
func Insert(ctx context.Context, q db.Querier, p InsertParams) (uuid.UUID, error) {
	if p.OrganizationID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("organizationId is required")
	}
	if p.ConversionEventID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("conversionEventId is required")
	}
	if p.Platform == "" {
		return uuid.Nil, fmt.Errorf("platform is required")
	}

	payloadBytes, err := json.Marshal(p.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal payload: %w", err)
	}

	var id uuid.UUID
	err = q.QueryRow(ctx,
		`INSERT INTO dispatch_outbox (organization_id, conversion_event_id, platform, payload, status)
		 VALUES ($1, $2, $3, $4, 'pending')
		 RETURNING id`,
		p.OrganizationID, p.ConversionEventID, p.Platform, payloadBytes,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// ClaimPending moves up to limit pending rows to processing and returns them.
// Rows left in processing longer than the claim lease (a relay that died
// between claim and enqueue) are claimed again. Concurrent relays never claim
// the same row.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]Record, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New(errRepoNotConfigured)
	}
	if limit < 1 {
		limit = 50
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `WITH cte AS (
		SELECT id
		FROM dispatch_outbox
		WHERE status = 'pending'
		   OR (status = 'processing' AND claimed_at < now() - make_interval(secs => $2))
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE dispatch_outbox o
	SET status = 'processing', claimed_at = now(), attempts = o.attempts + 1, updated_at = now()
	FROM cte
	WHERE o.id = cte.id
	RETURNING o.id, o.organization_id, o.conversion_event_id, o.platform, o.payload, o.status, o.attempts, o.created_at`,
		limit, r.lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(&rec.ID, &rec.OrganizationID, &rec.ConversionEventID, &rec.Platform, &rec.Payload, &status, &rec.Attempts, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Status = Status(status)
		results = append(results, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

// MarkEnqueued records a successful enqueue for the given rows, either from the
// API fast path (pending) or from the relay (processing). Claims already
// counted the attempt.
func (r *Repository) MarkEnqueued(ctx context.Context, ids ...uuid.UUID) error {
	if r == nil || r.pool == nil {
		return errors.New(errRepoNotConfigured)
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE dispatch_outbox
		 SET status = 'enqueued',
		     attempts = CASE WHEN status = 'pending' THEN attempts + 1 ELSE attempts END,
		     last_error = NULL, claimed_at = NULL, updated_at = now()
		 WHERE id = ANY($1) AND status IN ('pending', 'processing')`,
		ids,
	)
	return err
}

// MarkPending returns a claimed row to the relay with the reason it failed.
func (r *Repository) MarkPending(ctx context.Context, id uuid.UUID, lastError *string) error {
	if r == nil || r.pool == nil {
		return errors.New(errRepoNotConfigured)
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE dispatch_outbox
		 SET status = 'pending', last_error = $2, claimed_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id, lastError,
	)
	return err
}
