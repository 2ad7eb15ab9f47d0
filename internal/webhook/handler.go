package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"conversion_dispatch_backend/internal/valuation"
	"conversion_dispatch_backend/platform/httpkit"
	"conversion_dispatch_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest   = "invalid request body"
	msgValidationFailed = "validation failed"
	msgNoOrgContext     = "missing organization context"

	maxEventBodyBytes = 64 << 10
)

// Evaluator values an accepted event and schedules its delivery.
type Evaluator interface {
	Evaluate(ctx context.Context, in valuation.Input) (valuation.Outcome, error)
}

// Handler handles webhook HTTP requests.
type Handler struct {
	eval  Evaluator
	store KeyStore
	val   *validator.Validator
	now   func() time.Time
}

// NewHandler creates a new webhook handler.
func NewHandler(eval Evaluator, store KeyStore, val *validator.Validator) *Handler {
	return &Handler{eval: eval, store: store, val: val, now: time.Now}
}

// HandleEvent values one inbound conversion event.
// POST /api/v1/webhook/events
func (h *Handler) HandleEvent(c *gin.Context) {
	orgID, ok := webhookOrgID(c)
	if !ok {
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxEventBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpkit.Error(c, http.StatusRequestEntityTooLarge, "request body too large", nil)
			return
		}
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}

	var req valuation.EventRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if len(req.Fields) > 0 {
		ExtractFields(req.Fields).Apply(&req.FirstName, &req.LastName, &req.Email, &req.Phone, &req.Country)
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.FieldErrors(err))
		return
	}

	out, err := h.eval.Evaluate(c.Request.Context(), req.ToInput(orgID, c.ClientIP(), raw))
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, valuation.NewEventResponse(out))
}

// ---- Admin API Key Management (JWT authenticated) ----

// CreateAPIKeyRequest is the request body for creating a new API key.
type CreateAPIKeyRequest struct {
	Name           string     `json:"name" validate:"required,min=1,max=100"`
	Scopes         []string   `json:"scopes" validate:"omitempty,max=10,dive,oneof=events:write"`
	AllowedDomains []string   `json:"allowedDomains" validate:"max=20,dive,max=200"`
	ExpiresAt      *time.Time `json:"expiresAt"`
}

// APIKeyResponse is returned when listing or creating API keys.
type APIKeyResponse struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	KeyPrefix      string     `json:"keyPrefix"`
	Scopes         []string   `json:"scopes"`
	AllowedDomains []string   `json:"allowedDomains"`
	IsActive       bool       `json:"isActive"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// CreateAPIKeyResponse includes the plaintext key (shown only once).
type CreateAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

// HandleCreateAPIKey creates a new webhook API key.
// POST /api/v1/admin/webhook/keys
func (h *Handler) HandleCreateAPIKey(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	var req CreateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.FieldErrors(err))
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(h.now()) {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, map[string]string{"ExpiresAt": "future"})
		return
	}

	plaintext, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		httpkit.Error(c, http.StatusInternalServerError, "failed to generate API key", nil)
		return
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = []string{ScopeEventsWrite}
	}
	domains := req.AllowedDomains
	if domains == nil {
		domains = []string{}
	}

	key, err := h.store.Create(c.Request.Context(), CreateKeyParams{
		OrganizationID: identity.TenantID(),
		Name:           req.Name,
		KeyHash:        hash,
		KeyPrefix:      prefix,
		Scopes:         scopes,
		AllowedDomains: domains,
		ExpiresAt:      req.ExpiresAt,
	})
	if httpkit.HandleError(c, err) {
		return
	}

	c.JSON(http.StatusCreated, CreateAPIKeyResponse{
		APIKeyResponse: toAPIKeyResponse(key),
		Key:            plaintext,
	})
}

// HandleListAPIKeys lists all webhook API keys for the organization.
// GET /api/v1/admin/webhook/keys
func (h *Handler) HandleListAPIKeys(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	keys, err := h.store.ListByOrganization(c.Request.Context(), identity.TenantID())
	if httpkit.HandleError(c, err) {
		return
	}

	result := make([]APIKeyResponse, len(keys))
	for i, k := range keys {
		result[i] = toAPIKeyResponse(k)
	}
	httpkit.OK(c, gin.H{"items": result})
}

// HandleRevokeAPIKey deactivates a webhook API key.
// DELETE /api/v1/admin/webhook/keys/:keyId
func (h *Handler) HandleRevokeAPIKey(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	keyID, err := uuid.Parse(c.Param("keyId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid key ID", nil)
		return
	}

	if err := h.store.Revoke(c.Request.Context(), keyID, identity.TenantID()); err != nil {
		if errors.Is(err, ErrAPIKeyNotFound) {
			httpkit.Error(c, http.StatusNotFound, "API key not found", nil)
			return
		}
		httpkit.HandleError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func toAPIKeyResponse(key APIKey) APIKeyResponse {
	scopes := key.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	domains := key.AllowedDomains
	if domains == nil {
		domains = []string{}
	}
	return APIKeyResponse{
		ID:             key.ID,
		Name:           key.Name,
		KeyPrefix:      key.KeyPrefix,
		Scopes:         scopes,
		AllowedDomains: domains,
		IsActive:       key.IsActive,
		ExpiresAt:      key.ExpiresAt,
		CreatedAt:      key.CreatedAt,
	}
}

func webhookOrgID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ctxOrgID)
	orgID, isUUID := v.(uuid.UUID)
	if !ok || !isUUID {
		httpkit.Error(c, http.StatusUnauthorized, msgNoOrgContext, nil)
		return uuid.UUID{}, false
	}
	return orgID, true
}
