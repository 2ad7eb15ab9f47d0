package audit

import (
	"net/http"
	"time"

	"conversion_dispatch_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type EntryResponse struct {
	Platform   string    `json:"platform"`
	Outcome    string    `json:"outcome"`
	Attempt    int       `json:"attempt"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	Message    string    `json:"message,omitempty"`
	DurationMs int       `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/dispatch/audit", h.ListByEvent)
}

// ListByEvent returns the attempt history of one conversion event.
func (h *Handler) ListByEvent(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	eventID, err := uuid.Parse(c.Query("eventId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "eventId must be a conversion event id", nil)
		return
	}

	entries, err := h.store.ListByEvent(c.Request.Context(), identity.TenantID(), eventID)
	if httpkit.HandleError(c, err) {
		return
	}

	items := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		item := EntryResponse{
			Platform:   e.Platform,
			Outcome:    e.Outcome,
			Attempt:    e.Attempt,
			DurationMs: e.DurationMs,
			CreatedAt:  e.CreatedAt,
		}
		if e.ErrorCode != nil {
			item.ErrorCode = *e.ErrorCode
		}
		if e.Message != nil {
			item.Message = *e.Message
		}
		items = append(items, item)
	}
	httpkit.OK(c, gin.H{"items": items})
}
