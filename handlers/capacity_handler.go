package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"capacity-system/services"
)

type CapacityHandler struct {
	app      *pocketbase.PocketBase
	capacity *services.CapacityService
	metrics  *services.MetricsService
}

func NewCapacityHandler(app *pocketbase.PocketBase, capacity *services.CapacityService, metrics *services.MetricsService) *CapacityHandler {
	return &CapacityHandler{
		app:      app,
		capacity: capacity,
		metrics:  metrics,
	}
}

// CheckAvailability - read-only admission probe for one plan
func (h *CapacityHandler) CheckAvailability(e *core.RequestEvent) error {
	planType := e.Request.PathValue("planType")
	if planType == "" {
		return apis.NewBadRequestError("Plan type required", nil)
	}

	availability, err := h.capacity.CheckAvailability(e.Request.Context(), planType)
	if err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, availability)
}

// GetStatus - public system status, no raw load numbers
func (h *CapacityHandler) GetStatus(e *core.RequestEvent) error {
	status, err := h.metrics.PublicStatus(e.Request.Context())
	if err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, status)
}

// Reserve - admit an order, holding its plan weight
func (h *CapacityHandler) Reserve(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		PlanType string `json:"plan_type"`
		OrderID  string `json:"order_id"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.PlanType == "" || req.OrderID == "" {
		return apis.NewBadRequestError("plan_type and order_id are required", nil)
	}

	reservation, err := h.capacity.Reserve(e.Request.Context(), req.PlanType, req.OrderID, e.Auth.Id)
	if err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, reservation)
}
