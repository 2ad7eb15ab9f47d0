package valuation

import (
	"context"
	"errors"
	"fmt"

	"conversion_dispatch_backend/internal/dispatch"
	"conversion_dispatch_backend/internal/funnel"
	"conversion_dispatch_backend/internal/outbox"
	"conversion_dispatch_backend/internal/scoring"
	"conversion_dispatch_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the pgx-backed Store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadConfig reads funnel, metrics, rules and segments in one round trip.
func (r *Repository) LoadConfig(ctx context.Context, orgID uuid.UUID) (Config, error) {
	batch := &pgx.Batch{}
	batch.Queue(`
		SELECT f.id, s.id, s.step_order, s.event_name, s.conversion_rate::float8, s.monthly_volume
		FROM funnels f
		LEFT JOIN funnel_steps s ON s.funnel_id = f.id
		WHERE f.organization_id = $1 AND f.is_current
		ORDER BY s.step_order`, orgID)
	batch.Queue(`
		SELECT ltv::float8, ltv_cac_ratio::float8, gross_margin::float8, currency
		FROM business_metrics
		WHERE organization_id = $1 AND effective_to IS NULL`, orgID)
	batch.Queue(`
		SELECT id, field, condition, points, sort_order
		FROM scoring_rules
		WHERE organization_id = $1 AND enabled
		ORDER BY sort_order, id`, orgID)
	batch.Queue(`
		SELECT id, name, multiplier, rule_field, rule_condition, sort_order
		FROM audience_segments
		WHERE organization_id = $1 AND is_active
		ORDER BY sort_order, id`, orgID)

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	var cfg Config
	if err := readFunnel(br, &cfg); err != nil {
		return Config{}, fmt.Errorf("load funnel: %w", err)
	}

	var m funnel.Metrics
	err := br.QueryRow().Scan(&m.LTV, &m.LTVCACRatio, &m.GrossMargin, &m.Currency)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return Config{}, fmt.Errorf("load business metrics: %w", err)
	default:
		cfg.Metrics = &m
	}

	rules, err := br.Query()
	if err != nil {
		return Config{}, fmt.Errorf("load scoring rules: %w", err)
	}
	for rules.Next() {
		var rule scoring.Rule
		var condition string
		if err := rules.Scan(&rule.ID, &rule.Field, &condition, &rule.Points, &rule.Order); err != nil {
			rules.Close()
			return Config{}, fmt.Errorf("scan scoring rule: %w", err)
		}
		rule.Field = scoring.FieldKey(rule.Field)
		rule.Condition = scoring.ParseCondition(condition)
		rule.Enabled = true
		cfg.Rules = append(cfg.Rules, rule)
	}
	rules.Close()
	if err := rules.Err(); err != nil {
		return Config{}, fmt.Errorf("load scoring rules: %w", err)
	}

	segments, err := br.Query()
	if err != nil {
		return Config{}, fmt.Errorf("load segments: %w", err)
	}
	defer segments.Close()
	for segments.Next() {
		var seg scoring.Segment
		var condition string
		if err := segments.Scan(&seg.ID, &seg.Name, &seg.Multiplier, &seg.Field, &condition, &seg.Order); err != nil {
			return Config{}, fmt.Errorf("scan segment: %w", err)
		}
		seg.Field = scoring.FieldKey(seg.Field)
		seg.Condition = scoring.ParseCondition(condition)
		cfg.Segments = append(cfg.Segments, seg)
	}
	if err := segments.Err(); err != nil {
		return Config{}, fmt.Errorf("load segments: %w", err)
	}
	return cfg, nil
}

// readFunnel consumes the funnel result. A current funnel without steps still
// counts as configured.
func readFunnel(br pgx.BatchResults, cfg *Config) error {
	rows, err := br.Query()
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var funnelID uuid.UUID
		var stepID *uuid.UUID
		var order, volume *int
		var eventName *string
		var rate *float64
		if err := rows.Scan(&funnelID, &stepID, &order, &eventName, &rate, &volume); err != nil {
			return err
		}
		cfg.HasFunnel = true
		if stepID == nil {
			continue
		}
		cfg.Funnel = append(cfg.Funnel, funnel.Step{
			ID:             *stepID,
			Order:          *order,
			EventName:      *eventName,
			ConversionRate: *rate,
			MonthlyVolume:  *volume,
		})
	}
	return rows.Err()
}

// Create writes lead, event and one outbox row per job in one transaction.
func (r *Repository) Create(ctx context.Context, p CreateParams) (map[dispatch.Platform]uuid.UUID, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertLead(ctx, tx, p.Lead); err != nil {
		return nil, err
	}
	if err := insertEvent(ctx, tx, p.Event); err != nil {
		return nil, err
	}

	ids := make(map[dispatch.Platform]uuid.UUID, len(p.Jobs))
	for _, job := range p.Jobs {
		id, err := outbox.Insert(ctx, tx, outbox.InsertParams{
			OrganizationID:    job.OrganizationID,
			ConversionEventID: job.ConversionEventID,
			Platform:          string(job.Platform),
			Payload:           job,
		})
		if err != nil {
			return nil, fmt.Errorf("insert %s outbox row: %w", job.Platform, err)
		}
		ids[job.Platform] = id
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

func insertLead(ctx context.Context, q db.Querier, l Lead) error {
	_, err := q.Exec(ctx, `
		INSERT INTO leads (id, organization_id, email_hash, phone_hash, raw_score, normalized_score,
			multiplier, base_value, adjusted_value, currency, segment_id, encrypted_payload)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12)`,
		l.ID, l.OrganizationID, l.EmailHash, l.PhoneHash, l.RawScore, l.NormalizedScore,
		l.Multiplier, l.BaseValue, l.AdjustedValue, l.Currency, l.SegmentID, l.EncryptedPayload)
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, q db.Querier, e ConversionEvent) error {
	capiStatus, capiReason := initialStatus(e.Skipped, dispatch.PlatformCAPI)
	offlineStatus, offlineReason := initialStatus(e.Skipped, dispatch.PlatformOffline)

	_, err := q.Exec(ctx, `
		INSERT INTO conversion_events (id, organization_id, lead_id, event_name, event_id, value, currency, occurred_at,
			capi_status, capi_last_error, offline_status, offline_last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.OrganizationID, e.LeadID, e.EventName, e.EventID, e.Value, e.Currency, e.OccurredAt,
		capiStatus, capiReason, offlineStatus, offlineReason)
	if db.IsUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("insert conversion event: %w", err)
	}
	return nil
}

func initialStatus(skipped map[dispatch.Platform]string, p dispatch.Platform) (string, *string) {
	reason, ok := skipped[p]
	if !ok {
		return string(dispatch.StatusPending), nil
	}
	return string(dispatch.StatusSkipped), &reason
}

var (
	_ Store        = (*Repository)(nil)
	_ OutboxMarker = (*outbox.Repository)(nil)
)
