package integrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conversion_dispatch_backend/internal/dispatch"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one stored credential bundle. Secret is sealed.
type Record struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Platform       dispatch.Platform
	Secret         string
	Status         dispatch.CredentialStatus
	StatusReason   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store is the persistence the service needs.
type Store interface {
	Get(ctx context.Context, orgID uuid.UUID, p dispatch.Platform) (*Record, error)
	List(ctx context.Context, orgID uuid.UUID) ([]Record, error)
	Upsert(ctx context.Context, orgID uuid.UUID, p dispatch.Platform, sealed string) (Record, error)
	// Transition moves the status to `to` only when the current status is in
	// `from`. It returns the previous status and whether a row changed.
	Transition(ctx context.Context, orgID uuid.UUID, p dispatch.Platform, from []dispatch.CredentialStatus, to dispatch.CredentialStatus, reason *string) (dispatch.CredentialStatus, bool, error)
}

// Repository provides database operations for integration credentials.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const credentialColumns = `id, organization_id, platform, secret, status, status_reason, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	var platform, status string
	if err := row.Scan(&r.ID, &r.OrganizationID, &platform, &r.Secret, &status, &r.StatusReason, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Record{}, err
	}
	r.Platform = dispatch.Platform(platform)
	r.Status = dispatch.CredentialStatus(status)
	return r, nil
}

// Get returns nil, nil when the organization has no credential for p.
func (r *Repository) Get(ctx context.Context, orgID uuid.UUID, p dispatch.Platform) (*Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `
		SELECT `+credentialColumns+`
		FROM integration_credentials
		WHERE organization_id = $1 AND platform = $2`, orgID, string(p)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get integration credential: %w", err)
	}
	return &rec, nil
}

func (r *Repository) List(ctx context.Context, orgID uuid.UUID) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+credentialColumns+`
		FROM integration_credentials
		WHERE organization_id = $1
		ORDER BY platform`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list integration credentials: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan integration credential: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Upsert stores a new bundle and resets the status to PENDING.
func (r *Repository) Upsert(ctx context.Context, orgID uuid.UUID, p dispatch.Platform, sealed string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `
		INSERT INTO integration_credentials (organization_id, platform, secret, status)
		VALUES ($1, $2, $3, 'PENDING')
		ON CONFLICT (organization_id, platform) DO UPDATE
		SET secret = EXCLUDED.secret, status = 'PENDING', status_reason = NULL, updated_at = now()
		RETURNING `+credentialColumns, orgID, string(p), sealed))
	if err != nil {
		return Record{}, fmt.Errorf("upsert integration credential: %w", err)
	}
	return rec, nil
}

func (r *Repository) Transition(ctx context.Context, orgID uuid.UUID, p dispatch.Platform, from []dispatch.CredentialStatus, to dispatch.CredentialStatus, reason *string) (dispatch.CredentialStatus, bool, error) {
	fromValues := make([]string, len(from))
	for i, s := range from {
		fromValues[i] = string(s)
	}

	var previous string
	err := r.pool.QueryRow(ctx, `
		UPDATE integration_credentials AS ic
		SET status = $3, status_reason = $4, updated_at = now()
		FROM (
			SELECT id, status FROM integration_credentials
			WHERE organization_id = $1 AND platform = $2 AND status = ANY($5)
			FOR UPDATE
		) AS old
		WHERE ic.id = old.id
		RETURNING old.status`, orgID, string(p), string(to), reason, fromValues).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("update integration status: %w", err)
	}
	return dispatch.CredentialStatus(previous), true, nil
}

var _ Store = (*Repository)(nil)
