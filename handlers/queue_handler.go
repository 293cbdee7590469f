package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"capacity-system/services"
)

type QueueHandler struct {
	app          *pocketbase.PocketBase
	queueService *services.QueueService
}

func NewQueueHandler(app *pocketbase.PocketBase, queueService *services.QueueService) *QueueHandler {
	return &QueueHandler{
		app:          app,
		queueService: queueService,
	}
}

// JoinWaitingQueue - join the waiting queue for a plan with no free capacity
func (h *QueueHandler) JoinWaitingQueue(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		PlanType string `json:"plan_type"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.PlanType == "" {
		return apis.NewBadRequestError("plan_type is required", nil)
	}

	entry, err := h.queueService.Enqueue(
		e.Request.Context(),
		e.Auth.Id,
		e.Auth.GetString("email"),
		e.Auth.GetString("name"),
		req.PlanType,
	)
	if err != nil {
		return toAPIError(err)
	}

	position, _, err := h.queueService.PositionOf(e.Request.Context(), e.Auth.Id, req.PlanType)
	if err != nil {
		position = 0
	}

	return e.JSON(http.StatusOK, map[string]any{
		"message":                  "Joined waiting queue",
		"entry_id":                 entry.ID,
		"plan_type":                entry.PlanType,
		"position":                 position,
		"estimated_available_date": entry.EstimatedAvailableDate,
		"expires_at":               entry.ExpiresAt,
	})
}

// GetPosition - current 1-based position among waiting entries
func (h *QueueHandler) GetPosition(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	planType := e.Request.PathValue("planType")
	if planType == "" {
		return apis.NewBadRequestError("Plan type required", nil)
	}

	position, entry, err := h.queueService.PositionOf(e.Request.Context(), e.Auth.Id, planType)
	if err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"entry_id":                 entry.ID,
		"plan_type":                entry.PlanType,
		"status":                   entry.Status,
		"position":                 position,
		"estimated_available_date": entry.EstimatedAvailableDate,
		"expires_at":               entry.ExpiresAt,
	})
}
