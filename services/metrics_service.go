package services

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"capacity-system/models"
)

// PlanStatus is the per-plan slice of the public status payload.
type PlanStatus struct {
	PlanType              string `json:"planType"`
	Available             bool   `json:"available"`
	Reason                string `json:"reason,omitempty"`
	EstimatedDeliveryDays int    `json:"estimatedDeliveryDays"`
	QueueDepth            int64  `json:"queueDepth"`
}

// PublicStatus is what unauthenticated clients see. It carries the
// advisory level and per-plan availability but never raw load or limits.
type PublicStatus struct {
	AcceptingOrders bool         `json:"acceptingOrders"`
	Level           string       `json:"level"`
	Plans           []PlanStatus `json:"plans"`
}

// Snapshot is the admin-facing rollup with full numbers. Remaining maps
// each plan to the count of further orders of that plan's weight that
// still fit under maxCapacity.
type Snapshot struct {
	State          models.CapacityState `json:"state"`
	Level          string               `json:"level"`
	UtilizationPct decimal.Decimal      `json:"utilizationPct"`
	Remaining      map[string]int       `json:"remaining"`
	Waiting        map[string]int64     `json:"waiting"`
	Notified       map[string]int64     `json:"notified"`
	RecentAudit    []models.AuditEntry  `json:"recentAudit"`
}

// AuditReader is the read side of the audit ledger used by the rollup.
type AuditReader interface {
	Recent(ctx context.Context, n int) ([]models.AuditEntry, error)
}

// MetricsService aggregates capacity, queue and audit reads into the two
// status payloads.
type MetricsService struct {
	capacity *CapacityService
	queue    *QueueService
	plans    PlanSource
	audit    AuditReader
}

func NewMetricsService(capacity *CapacityService, queue *QueueService, plans PlanSource, audit AuditReader) *MetricsService {
	return &MetricsService{capacity: capacity, queue: queue, plans: plans, audit: audit}
}

func (s *MetricsService) PublicStatus(ctx context.Context) (*PublicStatus, error) {
	state, err := s.capacity.State(ctx)
	if err != nil {
		return nil, err
	}

	plans, err := s.plans.ActivePlans(ctx)
	if err != nil {
		return nil, err
	}

	out := &PublicStatus{
		AcceptingOrders: state.IsAcceptingOrders,
		Level:           state.Level(),
		Plans:           make([]PlanStatus, 0, len(plans)),
	}

	for _, plan := range plans {
		availability, err := s.capacity.CheckAvailability(ctx, plan.PlanType)
		if err != nil {
			return nil, fmt.Errorf("availability for %s: %w", plan.PlanType, err)
		}
		depth, err := s.queue.Depth(ctx, plan.PlanType)
		if err != nil {
			return nil, err
		}
		out.Plans = append(out.Plans, PlanStatus{
			PlanType:              plan.PlanType,
			Available:             availability.Available,
			Reason:                availability.Reason,
			EstimatedDeliveryDays: plan.EstimatedDeliveryDays,
			QueueDepth:            depth,
		})
	}

	return out, nil
}

func (s *MetricsService) Snapshot(ctx context.Context) (*Snapshot, error) {
	state, err := s.capacity.State(ctx)
	if err != nil {
		return nil, err
	}

	plans, err := s.plans.ActivePlans(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		State:          *state,
		Level:          state.Level(),
		UtilizationPct: state.UtilizationPct(),
		Remaining:      map[string]int{},
		Waiting:        map[string]int64{},
		Notified:       map[string]int64{},
	}

	for _, plan := range plans {
		snap.Remaining[plan.PlanType] = state.Remaining(plan.Weight)

		waiting, err := s.queue.Depth(ctx, plan.PlanType)
		if err != nil {
			return nil, err
		}
		snap.Waiting[plan.PlanType] = waiting

		notified, err := s.queue.Redis.ZCard(ctx, notifiedKey(plan.PlanType)).Result()
		if err != nil {
			return nil, err
		}
		snap.Notified[plan.PlanType] = notified
	}

	recent, err := s.audit.Recent(ctx, 20)
	if err != nil {
		return nil, err
	}
	snap.RecentAudit = recent

	return snap, nil
}
