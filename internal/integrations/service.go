// Package integrations stores per-organization destination credentials and
// owns their lifecycle: saved (PENDING), proven (ACTIVE), rejected by the
// destination (ERROR) or switched off by an admin (DISABLED).
package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"conversion_dispatch_backend/internal/dispatch"
	"conversion_dispatch_backend/internal/dispatch/capi"
	"conversion_dispatch_backend/internal/dispatch/offline"
	"conversion_dispatch_backend/internal/events"
	"conversion_dispatch_backend/platform/apperr"
	"conversion_dispatch_backend/platform/crypto"
	"conversion_dispatch_backend/platform/logger"
	"conversion_dispatch_backend/platform/sanitize"

	"github.com/google/uuid"
)

const maxReasonLength = 500

// requiredSecrets lists the keys a bundle must carry per platform.
var requiredSecrets = map[dispatch.Platform][]string{
	dispatch.PlatformCAPI: {capi.SecretPixelID, capi.SecretAccessToken},
	dispatch.PlatformOffline: {
		offline.SecretCustomerID,
		offline.SecretDeveloperToken,
		offline.SecretClientID,
		offline.SecretClientSecret,
		offline.SecretRefreshToken,
		offline.SecretConversionAction,
	},
}

// Summary is a credential without its secret values.
type Summary struct {
	Platform  dispatch.Platform
	Status    dispatch.CredentialStatus
	Reason    string
	Keys      []string
	UpdatedAt time.Time
}

type Service struct {
	store  Store
	sealer *crypto.Sealer
	bus    events.Bus
	log    *logger.Logger
}

func NewService(store Store, sealer *crypto.Sealer, bus events.Bus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{store: store, sealer: sealer, bus: bus, log: log}
}

// Credential implements dispatch.Credentials.
func (s *Service) Credential(ctx context.Context, orgID uuid.UUID, p dispatch.Platform) (*dispatch.Credential, error) {
	rec, err := s.store.Get(ctx, orgID, p)
	if err != nil || rec == nil {
		return nil, err
	}
	secrets, err := s.open(rec.Secret)
	if err != nil {
		return nil, fmt.Errorf("open %s credential: %w", p, err)
	}
	return &dispatch.Credential{Status: rec.Status, Secrets: secrets}, nil
}

// MarkActive promotes a PENDING credential after its first accepted delivery.
func (s *Service) MarkActive(ctx context.Context, orgID uuid.UUID, p dispatch.Platform) error {
	return s.transition(ctx, orgID, p, []dispatch.CredentialStatus{dispatch.CredentialPending}, dispatch.CredentialActive, "")
}

// MarkError records a destination rejection of the credential itself.
func (s *Service) MarkError(ctx context.Context, orgID uuid.UUID, p dispatch.Platform, reason string) error {
	return s.transition(ctx, orgID, p, []dispatch.CredentialStatus{dispatch.CredentialPending, dispatch.CredentialActive}, dispatch.CredentialError, reason)
}

// Save validates and stores a bundle, resetting the status to PENDING.
func (s *Service) Save(ctx context.Context, orgID uuid.UUID, p dispatch.Platform, secrets map[string]string) (Summary, error) {
	if !p.Valid() {
		return Summary{}, apperr.Validation("unknown platform")
	}
	cleaned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		if v = strings.TrimSpace(v); v != "" {
			cleaned[k] = v
		}
	}
	var missing []string
	for _, key := range requiredSecrets[p] {
		if cleaned[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Summary{}, apperr.Validation("missing credential fields").WithDetails(map[string]any{"missing": missing})
	}

	raw, err := json.Marshal(cleaned)
	if err != nil {
		return Summary{}, apperr.Wrap(apperr.KindInternal, "encode credential", err)
	}
	sealed, err := s.sealer.SealString(raw)
	if err != nil {
		return Summary{}, apperr.Wrap(apperr.KindInternal, "seal credential", err)
	}

	previous, err := s.store.Get(ctx, orgID, p)
	if err != nil {
		return Summary{}, err
	}
	rec, err := s.store.Upsert(ctx, orgID, p, sealed)
	if err != nil {
		return Summary{}, err
	}

	from := dispatch.CredentialStatus("")
	if previous != nil {
		from = previous.Status
	}
	s.publish(ctx, orgID, p, from, dispatch.CredentialPending, "credential saved")
	return summarize(rec, sortedKeys(cleaned)), nil
}

// Disable stops all dispatch for the platform until credentials are saved again.
func (s *Service) Disable(ctx context.Context, orgID uuid.UUID, p dispatch.Platform) error {
	if !p.Valid() {
		return apperr.Validation("unknown platform")
	}
	rec, err := s.store.Get(ctx, orgID, p)
	if err != nil {
		return err
	}
	if rec == nil {
		return apperr.NotFound("integration not configured")
	}
	return s.transition(ctx, orgID, p,
		[]dispatch.CredentialStatus{dispatch.CredentialPending, dispatch.CredentialActive, dispatch.CredentialError},
		dispatch.CredentialDisabled, "disabled by admin")
}

func (s *Service) List(ctx context.Context, orgID uuid.UUID) ([]Summary, error) {
	recs, err := s.store.List(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(recs))
	for _, rec := range recs {
		secrets, err := s.open(rec.Secret)
		if err != nil {
			s.log.Warn("integration credential unreadable", "platform", rec.Platform, "organization_id", orgID, "error", err)
		}
		out = append(out, summarize(rec, sortedKeys(secrets)))
	}
	return out, nil
}

func (s *Service) transition(ctx context.Context, orgID uuid.UUID, p dispatch.Platform, from []dispatch.CredentialStatus, to dispatch.CredentialStatus, reason string) error {
	var reasonPtr *string
	if reason != "" {
		reason = sanitize.Truncate(reason, maxReasonLength)
		reasonPtr = &reason
	}
	previous, changed, err := s.store.Transition(ctx, orgID, p, from, to, reasonPtr)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	s.log.Info("integration status changed", "platform", p, "organization_id", orgID, "from", previous, "to", to)
	s.publish(ctx, orgID, p, previous, to, reason)
	return nil
}

func (s *Service) publish(ctx context.Context, orgID uuid.UUID, p dispatch.Platform, from, to dispatch.CredentialStatus, reason string) {
	if s.bus == nil || from == to {
		return
	}
	s.bus.Publish(ctx, events.IntegrationStatusChanged{
		BaseEvent:      events.NewBaseEvent(),
		OrganizationID: orgID,
		Platform:       string(p),
		From:           string(from),
		To:             string(to),
		Reason:         reason,
	})
}

func (s *Service) open(sealed string) (map[string]string, error) {
	raw, err := s.sealer.OpenString(sealed)
	if err != nil {
		return nil, err
	}
	var secrets map[string]string
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return nil, err
	}
	return secrets, nil
}

func summarize(rec Record, keys []string) Summary {
	sum := Summary{Platform: rec.Platform, Status: rec.Status, Keys: keys, UpdatedAt: rec.UpdatedAt}
	if rec.StatusReason != nil {
		sum.Reason = *rec.StatusReason
	}
	return sum
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

var _ dispatch.Credentials = (*Service)(nil)
