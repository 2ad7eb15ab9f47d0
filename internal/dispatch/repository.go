package dispatch

import (
	"context"
	"errors"
	"fmt"

	"conversion_dispatch_backend/platform/sanitize"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxStoredErrorLen = 1000

// StatusRepository keeps per-platform delivery columns on conversion_events.
type StatusRepository struct {
	pool *pgxpool.Pool
}

func NewStatusRepository(pool *pgxpool.Pool) *StatusRepository {
	return &StatusRepository{pool: pool}
}

// columnPrefix is safe to interpolate: it only ever returns a fixed literal.
func columnPrefix(p Platform) (string, error) {
	switch p {
	case PlatformCAPI:
		return "capi", nil
	case PlatformOffline:
		return "offline", nil
	default:
		return "", fmt.Errorf("unknown platform %q", p)
	}
}

func (r *StatusRepository) Status(ctx context.Context, eventID uuid.UUID, p Platform) (DeliveryStatus, error) {
	col, err := columnPrefix(p)
	if err != nil {
		return "", err
	}

	var status string
	err = r.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s_status FROM conversion_events WHERE id = $1`, col),
		eventID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("conversion event %s not found", eventID)
	}
	if err != nil {
		return "", err
	}
	return DeliveryStatus(status), nil
}

func (r *StatusRepository) RecordAttempt(ctx context.Context, eventID uuid.UUID, p Platform) error {
	col, err := columnPrefix(p)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE conversion_events
		 SET %[1]s_attempts = %[1]s_attempts + 1
		 WHERE id = $1 AND %[1]s_status = 'PENDING'`, col),
		eventID,
	)
	return err
}

func (r *StatusRepository) RecordError(ctx context.Context, eventID uuid.UUID, p Platform, message string) error {
	col, err := columnPrefix(p)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE conversion_events
		 SET %[1]s_last_error = $2
		 WHERE id = $1 AND %[1]s_status = 'PENDING'`, col),
		eventID, truncate(message),
	)
	return err
}

func (r *StatusRepository) MarkSent(ctx context.Context, eventID uuid.UUID, p Platform) (bool, error) {
	col, err := columnPrefix(p)
	if err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE conversion_events
		 SET %[1]s_status = 'SENT', %[1]s_last_error = NULL, %[1]s_sent_at = now()
		 WHERE id = $1 AND %[1]s_status = 'PENDING'`, col),
		eventID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *StatusRepository) MarkSkipped(ctx context.Context, eventID uuid.UUID, p Platform, reason string) (bool, error) {
	return r.markFinal(ctx, eventID, p, StatusSkipped, reason)
}

func (r *StatusRepository) MarkFailed(ctx context.Context, eventID uuid.UUID, p Platform, reason string) (bool, error) {
	return r.markFinal(ctx, eventID, p, StatusFailed, reason)
}

func (r *StatusRepository) markFinal(ctx context.Context, eventID uuid.UUID, p Platform, status DeliveryStatus, reason string) (bool, error) {
	col, err := columnPrefix(p)
	if err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE conversion_events
		 SET %[1]s_status = $2, %[1]s_last_error = $3
		 WHERE id = $1 AND %[1]s_status = 'PENDING'`, col),
		eventID, string(status), truncate(reason),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func truncate(s string) string {
	return sanitize.Truncate(s, maxStoredErrorLen)
}
