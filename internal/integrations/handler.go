package integrations

import (
	"net/http"
	"time"

	"conversion_dispatch_backend/internal/dispatch"
	"conversion_dispatch_backend/platform/httpkit"
	"conversion_dispatch_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgUnknownPlatform  = "unknown platform"
)

type SaveCredentialRequest struct {
	Secrets map[string]string `json:"secrets" validate:"required,min=1,dive,keys,required,max=64,endkeys,max=4096"`
}

type IntegrationResponse struct {
	Platform  string    `json:"platform"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Keys      []string  `json:"keys"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Handler struct {
	svc *Service
	val *validator.Validator
}

func NewHandler(svc *Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/integrations", h.List)
	rg.PUT("/integrations/:platform", h.Save)
	rg.POST("/integrations/:platform/disable", h.Disable)
}

func (h *Handler) List(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	items, err := h.svc.List(c.Request.Context(), identity.TenantID())
	if httpkit.HandleError(c, err) {
		return
	}

	resp := make([]IntegrationResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, toResponse(item))
	}
	httpkit.OK(c, gin.H{"items": resp})
}

func (h *Handler) Save(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	platform, err := dispatch.ParsePlatform(c.Param("platform"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgUnknownPlatform, nil)
		return
	}

	var req SaveCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.FieldErrors(err))
		return
	}

	saved, err := h.svc.Save(c.Request.Context(), identity.TenantID(), platform, req.Secrets)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, toResponse(saved))
}

func (h *Handler) Disable(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	platform, err := dispatch.ParsePlatform(c.Param("platform"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgUnknownPlatform, nil)
		return
	}

	if err := h.svc.Disable(c.Request.Context(), identity.TenantID(), platform); httpkit.HandleError(c, err) {
		return
	}
	c.Status(http.StatusNoContent)
}

func toResponse(s Summary) IntegrationResponse {
	keys := s.Keys
	if keys == nil {
		keys = []string{}
	}
	return IntegrationResponse{
		Platform:  string(s.Platform),
		Status:    string(s.Status),
		Reason:    s.Reason,
		Keys:      keys,
		UpdatedAt: s.UpdatedAt,
	}
}
