package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"

	"capacity-system/internal/status"
	"capacity-system/models"
)

// PlanSource provides plan configuration to the admission and promotion
// paths.
type PlanSource interface {
	Get(ctx context.Context, planType string) (*models.PlanConfig, error)
	ActivePlans(ctx context.Context) ([]models.PlanConfig, error)
}

// PlanService is the plan catalog over the plan_configs collection.
// Configs are created by seeding, mutated only by administrators and
// deactivated instead of deleted.
type PlanService struct {
	app    core.App
	audit  AuditRecorder
	loadFn func(ctx context.Context) (int, error)
}

func NewPlanService(app core.App, audit AuditRecorder) *PlanService {
	return &PlanService{app: app, audit: audit}
}

// BindLoadReader lets config-change audit rows carry the load at the time
// of the change. Optional; zero is recorded otherwise.
func (s *PlanService) BindLoadReader(fn func(ctx context.Context) (int, error)) {
	s.loadFn = fn
}

func (s *PlanService) Get(ctx context.Context, planType string) (*models.PlanConfig, error) {
	if planType == "" {
		return nil, status.ErrValidation
	}

	record, err := s.app.FindFirstRecordByFilter(
		"plan_configs",
		"plan_type = {:plan}",
		dbx.Params{"plan": planType},
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, status.ErrPlanNotFound
		}
		return nil, fmt.Errorf("%w: load plan config: %v", status.ErrPersistence, err)
	}

	return planFromRecord(record), nil
}

// ActivePlans returns active configs sorted by planType so queue
// processing walks plans in a stable order.
func (s *PlanService) ActivePlans(ctx context.Context) ([]models.PlanConfig, error) {
	records, err := s.app.FindRecordsByFilter(
		"plan_configs",
		"is_active = true",
		"+plan_type",
		0,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list active plans: %v", status.ErrPersistence, err)
	}

	plans := make([]models.PlanConfig, 0, len(records))
	for _, r := range records {
		plans = append(plans, *planFromRecord(r))
	}
	return plans, nil
}

// Upsert creates or updates a plan config and appends a zero-delta
// manual_adjustment audit row describing the new parameters.
func (s *PlanService) Upsert(ctx context.Context, cfg models.PlanConfig, adminID string) (*models.PlanConfig, error) {
	if cfg.PlanType == "" || cfg.Weight <= 0 || cfg.EstimatedDeliveryDays <= 0 {
		return nil, status.ErrValidation
	}

	record, err := s.app.FindFirstRecordByFilter(
		"plan_configs",
		"plan_type = {:plan}",
		dbx.Params{"plan": cfg.PlanType},
	)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: load plan config: %v", status.ErrPersistence, err)
		}
		collection, cerr := s.app.FindCollectionByNameOrId("plan_configs")
		if cerr != nil {
			return nil, fmt.Errorf("%w: plan collection lookup: %v", status.ErrPersistence, cerr)
		}
		record = core.NewRecord(collection)
		record.Set("plan_type", cfg.PlanType)
	}

	record.Set("weight", cfg.Weight)
	record.Set("estimated_delivery_days", cfg.EstimatedDeliveryDays)
	record.Set("price", cfg.Price.String())
	record.Set("is_active", cfg.IsActive)

	if err := s.app.Save(record); err != nil {
		return nil, fmt.Errorf("%w: save plan config: %v", status.ErrPersistence, err)
	}

	load := 0
	if s.loadFn != nil {
		load, _ = s.loadFn(ctx)
	}

	auditErr := s.audit.Record(ctx, &models.AuditEntry{
		Action:       models.AuditManualAdjustment,
		PlanType:     cfg.PlanType,
		WeightChange: 0,
		PreviousLoad: load,
		NewLoad:      load,
		AdminID:      adminID,
		Reason: fmt.Sprintf("plan config updated: weight=%d delivery_days=%d active=%t",
			cfg.Weight, cfg.EstimatedDeliveryDays, cfg.IsActive),
	})
	if auditErr != nil {
		return nil, auditErr
	}

	return planFromRecord(record), nil
}

// SeedDefaults inserts the standard plan set only when the catalog is
// empty. Safe to call on every process start.
func (s *PlanService) SeedDefaults(ctx context.Context) (int, error) {
	var total int
	err := s.app.RecordQuery("plan_configs").Select("count(*)").Row(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: count plan configs: %v", status.ErrPersistence, err)
	}
	if total > 0 {
		return 0, nil
	}

	collection, err := s.app.FindCollectionByNameOrId("plan_configs")
	if err != nil {
		return 0, fmt.Errorf("%w: plan collection lookup: %v", status.ErrPersistence, err)
	}

	inserted := 0
	for _, plan := range models.DefaultPlans() {
		record := core.NewRecord(collection)
		record.Set("plan_type", plan.PlanType)
		record.Set("weight", plan.Weight)
		record.Set("estimated_delivery_days", plan.EstimatedDeliveryDays)
		record.Set("price", plan.Price.String())
		record.Set("is_active", plan.IsActive)

		if err := s.app.Save(record); err != nil {
			return inserted, fmt.Errorf("%w: seed plan %s: %v", status.ErrPersistence, plan.PlanType, err)
		}
		inserted++
	}

	return inserted, nil
}

func planFromRecord(r *core.Record) *models.PlanConfig {
	price, _ := decimal.NewFromString(r.GetString("price"))
	return &models.PlanConfig{
		PlanType:              r.GetString("plan_type"),
		Weight:                r.GetInt("weight"),
		EstimatedDeliveryDays: r.GetInt("estimated_delivery_days"),
		Price:                 price,
		IsActive:              r.GetBool("is_active"),
		Updated:               r.GetDateTime("updated").Time(),
	}
}
