package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Known plan types. Plans are seeded once and only ever deactivated,
// never deleted, so the set stays closed.
const (
	PlanBasico      = "basico"
	PlanEstandar    = "estandar"
	PlanPremium     = "premium"
	PlanEmpresarial = "empresarial"
)

type PlanConfig struct {
	PlanType              string          `json:"plan_type"`
	Weight                int             `json:"weight"`
	EstimatedDeliveryDays int             `json:"estimated_delivery_days"`
	Price                 decimal.Decimal `json:"price"`
	IsActive              bool            `json:"is_active"`
	Updated               time.Time       `json:"updated"`
}

func IsKnownPlan(planType string) bool {
	switch planType {
	case PlanBasico, PlanEstandar, PlanPremium, PlanEmpresarial:
		return true
	}
	return false
}

// DefaultPlans is the standard plan set inserted by the idempotent seeding.
func DefaultPlans() []PlanConfig {
	return []PlanConfig{
		{PlanType: PlanBasico, Weight: 10, EstimatedDeliveryDays: 7, Price: decimal.NewFromInt(290), IsActive: true},
		{PlanType: PlanEstandar, Weight: 20, EstimatedDeliveryDays: 10, Price: decimal.NewFromInt(490), IsActive: true},
		{PlanType: PlanPremium, Weight: 30, EstimatedDeliveryDays: 14, Price: decimal.NewFromInt(890), IsActive: true},
		{PlanType: PlanEmpresarial, Weight: 50, EstimatedDeliveryDays: 21, Price: decimal.NewFromInt(1490), IsActive: true},
	}
}
