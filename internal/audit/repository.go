package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxMessageLength = 2000

// Entry is one recorded delivery attempt.
type Entry struct {
	ID                uuid.UUID
	OrganizationID    uuid.UUID
	ConversionEventID uuid.UUID
	Platform          string
	Outcome           string
	Attempt           int
	ErrorCode         *string
	Message           *string
	DurationMs        int
	CreatedAt         time.Time
}

// Store is the persistence the module needs.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	ListByEvent(ctx context.Context, orgID, conversionEventID uuid.UUID) ([]Entry, error)
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, e Entry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dispatch_audit
			(organization_id, conversion_event_id, platform, outcome, attempt, error_code, message, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.OrganizationID, e.ConversionEventID, e.Platform, e.Outcome, e.Attempt, e.ErrorCode, e.Message, e.DurationMs)
	if err != nil {
		return fmt.Errorf("insert dispatch audit: %w", err)
	}
	return nil
}

func (r *Repository) ListByEvent(ctx context.Context, orgID, conversionEventID uuid.UUID) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, organization_id, conversion_event_id, platform, outcome, attempt, error_code, message, duration_ms, created_at
		FROM dispatch_audit
		WHERE organization_id = $1 AND conversion_event_id = $2
		ORDER BY created_at, attempt`, orgID, conversionEventID)
	if err != nil {
		return nil, fmt.Errorf("list dispatch audit: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.ConversionEventID, &e.Platform, &e.Outcome, &e.Attempt,
			&e.ErrorCode, &e.Message, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ Store = (*Repository)(nil)
