package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"

	"capacity-system/config"
	"capacity-system/models"
	"capacity-system/services"
)

type AdminHandler struct {
	app       *pocketbase.PocketBase
	capacity  *services.CapacityService
	queue     *services.QueueService
	processor *services.QueueProcessor
	plans     *services.PlanService
	audit     *services.AuditService
	metrics   *services.MetricsService
	config    *config.Config
}

func NewAdminHandler(
	app *pocketbase.PocketBase,
	capacity *services.CapacityService,
	queue *services.QueueService,
	processor *services.QueueProcessor,
	plans *services.PlanService,
	audit *services.AuditService,
	metrics *services.MetricsService,
	cfg *config.Config,
) *AdminHandler {
	return &AdminHandler{
		app:       app,
		capacity:  capacity,
		queue:     queue,
		processor: processor,
		plans:     plans,
		audit:     audit,
		metrics:   metrics,
		config:    cfg,
	}
}

func (h *AdminHandler) requireSuperuser(e *core.RequestEvent) error {
	if !e.HasSuperuserAuth() {
		return apis.NewForbiddenError("Superuser access required", nil)
	}
	return nil
}

// GetMetrics - full capacity rollup with raw numbers
func (h *AdminHandler) GetMetrics(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	snapshot, err := h.metrics.Snapshot(e.Request.Context())
	if err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, snapshot)
}

// UpsertPlanConfig - create or update one plan's parameters
func (h *AdminHandler) UpsertPlanConfig(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	planType := e.Request.PathValue("planType")
	if planType == "" {
		return apis.NewBadRequestError("Plan type required", nil)
	}

	var req struct {
		Weight                int    `json:"weight"`
		EstimatedDeliveryDays int    `json:"estimated_delivery_days"`
		Price                 string `json:"price"`
		IsActive              bool   `json:"is_active"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		price = decimal.Zero
	}

	plan, err := h.plans.Upsert(e.Request.Context(), models.PlanConfig{
		PlanType:              planType,
		Weight:                req.Weight,
		EstimatedDeliveryDays: req.EstimatedDeliveryDays,
		Price:                 price,
		IsActive:              req.IsActive,
	}, e.Auth.Id)
	if err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, plan)
}

// SetStatus - flip the accepting-orders kill-switch
func (h *AdminHandler) SetStatus(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	var req struct {
		AcceptingOrders bool   `json:"accepting_orders"`
		Reason          string `json:"reason"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	err := h.capacity.SetAcceptingOrders(e.Request.Context(), req.AcceptingOrders, e.Auth.Id, req.Reason)
	if err != nil {
		return toAPIError(err)
	}

	if req.AcceptingOrders {
		go h.processor.Run(context.Background())
	}

	return e.JSON(http.StatusOK, map[string]any{
		"accepting_orders": req.AcceptingOrders,
	})
}

// SetCapacity - update the ceiling and the advisory thresholds
func (h *AdminHandler) SetCapacity(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	var req struct {
		MaxCapacity       int `json:"max_capacity"`
		WarningThreshold  int `json:"warning_threshold"`
		CriticalThreshold int `json:"critical_threshold"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	err := h.capacity.SetCapacity(e.Request.Context(), req.MaxCapacity, req.WarningThreshold, req.CriticalThreshold, e.Auth.Id)
	if err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{"message": "Capacity updated"})
}

// Release - free an order's held weight
func (h *AdminHandler) Release(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	var req struct {
		PlanType string `json:"plan_type"`
		OrderID  string `json:"order_id"`
		Reason   string `json:"reason"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.Reason == "" {
		req.Reason = "admin release"
	}

	result, err := h.capacity.Release(e.Request.Context(), req.PlanType, req.OrderID, e.Auth.Id, req.Reason)
	if err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, result)
}

// GetHistory - paginated audit ledger with filters
func (h *AdminHandler) GetHistory(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	q := e.Request.URL.Query()
	filter := services.HistoryFilter{
		Action:   q.Get("action"),
		PlanType: q.Get("plan_type"),
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = t
		}
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("perPage"))

	entries, total, err := h.audit.History(e.Request.Context(), filter)
	if err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"items": entries,
		"total": total,
	})
}

// ListQueue - all queue entries, optionally filtered by status/plan
func (h *AdminHandler) ListQueue(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	q := e.Request.URL.Query()
	entries, err := h.queue.List(e.Request.Context(), models.QueueStatus(q.Get("status")), q.Get("plan_type"))
	if err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"items": entries,
		"total": len(entries),
	})
}

// RemoveQueueEntry - hard-delete one entry and notify its owner
func (h *AdminHandler) RemoveQueueEntry(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	id := e.Request.PathValue("id")
	if id == "" {
		return apis.NewBadRequestError("Entry id required", nil)
	}

	var req struct {
		Reason string `json:"reason"`
	}
	_ = e.BindBody(&req)
	if req.Reason == "" {
		req.Reason = "removed by administrator"
	}

	if err := h.queue.Remove(e.Request.Context(), id, req.Reason); err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{"message": "Entry removed"})
}

// NotifyQueue - bulk re-notify by entry id list; without ids, run
// promotion now instead of waiting for the safety net
func (h *AdminHandler) NotifyQueue(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	var req struct {
		EntryIDs []string `json:"entry_ids"`
	}
	_ = e.BindBody(&req)

	if len(req.EntryIDs) > 0 {
		sent := h.queue.ReNotify(e.Request.Context(), req.EntryIDs)
		return e.JSON(http.StatusOK, map[string]any{"renotified": sent})
	}

	promoted, err := h.processor.Run(e.Request.Context())
	if err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{"promoted": promoted})
}

// CleanupQueue - sweep expired and terminal entries now
func (h *AdminHandler) CleanupQueue(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	removed, err := h.queue.SweepExpired(e.Request.Context())
	if err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{"removed": removed})
}

// Initialize - create the state record and seed default plans
func (h *AdminHandler) Initialize(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	if err := h.capacity.EnsureState(e.Request.Context(), h.config); err != nil {
		return toAPIError(err)
	}
	seeded, err := h.plans.SeedDefaults(e.Request.Context())
	if err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"message":      "Initialized",
		"plans_seeded": seeded,
	})
}

// ForceAdjust - write current load directly, bypassing reserve/release
func (h *AdminHandler) ForceAdjust(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	var req struct {
		CurrentLoad int    `json:"current_load"`
		Reason      string `json:"reason"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.Reason == "" {
		return apis.NewBadRequestError("A reason is required for force adjustments", nil)
	}

	err := h.capacity.ForceAdjust(e.Request.Context(), req.CurrentLoad, e.Auth.Id, req.Reason)
	if err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{"current_load": req.CurrentLoad})
}

// VerifyLedger - replay the audit ledger and compare against live load
func (h *AdminHandler) VerifyLedger(e *core.RequestEvent) error {
	if err := h.requireSuperuser(e); err != nil {
		return err
	}

	replayed, err := h.audit.ReplayLoad(e.Request.Context())
	if err != nil {
		return toAPIError(err)
	}
	live, err := h.capacity.CurrentLoad(e.Request.Context())
	if err != nil {
		return toAPIError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"replayed_load": replayed,
		"live_load":     live,
		"consistent":    replayed == live,
	})
}
