package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync/atomic"
	"time"

	"capacity-system/config"
	"capacity-system/internal/status"
)

// QueueProcessor drains waiting queues into free capacity. A run walks
// active plans in stable order and promotes entries FIFO until the next
// head no longer fits. Runs are serialized by an atomic guard so the
// release hook and the safety-net ticker cannot overlap.
type QueueProcessor struct {
	capacity *CapacityService
	queue    *QueueService
	plans    PlanSource
	notifier Notifier
	Config   *config.Config

	running atomic.Bool
}

func NewQueueProcessor(capacity *CapacityService, queue *QueueService, plans PlanSource, notifier Notifier, cfg *config.Config) *QueueProcessor {
	return &QueueProcessor{
		capacity: capacity,
		queue:    queue,
		plans:    plans,
		notifier: notifier,
		Config:   cfg,
	}
}

// Run promotes as many waiting entries as current capacity allows and
// returns the number promoted. Concurrent calls are collapsed: a run
// already in flight makes this one a no-op.
func (p *QueueProcessor) Run(ctx context.Context) (int, error) {
	if !p.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer p.running.Store(false)

	plans, err := p.plans.ActivePlans(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active plans: %w", err)
	}

	promoted := 0
	for _, plan := range plans {
		n, err := p.drainPlan(ctx, plan.PlanType)
		promoted += n
		if errors.Is(err, status.ErrNotAcceptingOrders) {
			slog.Info("Queue processing halted, orders not accepted", "promoted", promoted)
			return promoted, nil
		}
		if err != nil {
			return promoted, err
		}
	}

	if promoted > 0 {
		slog.Info("Queue processing promoted entries", "count", promoted)
	}
	return promoted, nil
}

// drainPlan promotes the plan's queue head until it stops fitting.
// ErrCapacityExceeded ends this plan; a lighter plan later in the walk
// may still fit.
func (p *QueueProcessor) drainPlan(ctx context.Context, planType string) (int, error) {
	promoted := 0
	for {
		entry, err := p.queue.NextWaiting(ctx, planType)
		if err != nil {
			return promoted, err
		}
		if entry == nil {
			return promoted, nil
		}

		_, err = p.capacity.Reserve(ctx, planType, promotionOrderID(entry.ID), entry.UserID)
		switch {
		case err == nil:
		case errors.Is(err, status.ErrCapacityExceeded):
			return promoted, nil
		case errors.Is(err, status.ErrNotAcceptingOrders):
			return promoted, status.ErrNotAcceptingOrders
		case errors.Is(err, status.ErrPlanInactive), errors.Is(err, status.ErrPlanNotFound):
			// Plan went away under us; leave its queue for the sweep.
			return promoted, nil
		default:
			return promoted, fmt.Errorf("promote entry %s: %w", entry.ID, err)
		}

		notified, err := p.queue.MarkNotified(ctx, entry.ID)
		if err != nil {
			// Capacity is held but the entry did not move. Release so the
			// slot is not leaked, then surface the failure.
			slog.Error("Promotion state update failed, releasing reservation",
				"entry_id", entry.ID,
				"error", err,
			)
			if _, rerr := p.capacity.Release(ctx, planType, promotionOrderID(entry.ID), "", "promotion rollback"); rerr != nil {
				slog.Error("Promotion rollback failed", "entry_id", entry.ID, "error", rerr)
			}
			return promoted, err
		}

		p.notifier.NotifyPromotion(notified)
		promoted++

		slog.Info("Queue entry promoted",
			"entry_id", entry.ID,
			"user_id", entry.UserID,
			"plan_type", planType,
		)
	}
}

// SafetyNetLoop re-runs promotion on a timer in case a release hook was
// lost (process restart between the Redis write and the hook firing).
func (p *QueueProcessor) SafetyNetLoop(ctx context.Context) {
	ticker := time.NewTicker(p.Config.ProcessorInterval)
	defer ticker.Stop()

	log.Println("Queue processor safety net started")

	for {
		select {
		case <-ticker.C:
			if _, err := p.Run(ctx); err != nil {
				log.Printf("Scheduled queue processing failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("Queue processor safety net stopping")
			return
		}
	}
}

// promotionOrderID derives the synthetic order id that holds capacity for
// a promoted entry until its real order completes or times out.
func promotionOrderID(entryID string) string {
	return "wq-" + entryID
}
