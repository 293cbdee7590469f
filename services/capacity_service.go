package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"capacity-system/config"
	"capacity-system/internal/status"
	"capacity-system/models"
	"capacity-system/monitoring"
)

const (
	capacityStateKey  = "capacity:state"
	capacityOrdersKey = "capacity:orders"
)

// reserveStockScript performs the availability check and the load
// increment as one atomic unit, with per-order idempotency. Returns
// {code, previousLoad, newLoad, message}:
//
//	 1 reserved
//	 0 duplicate order, previously reserved weight in slot 2
//	-1 kill-switch engaged
//	-2 capacity exceeded, slot 2 = load, slot 3 = max
const reserveStockScript = `
local reserved = redis.call('HGET', KEYS[2], ARGV[1])
if reserved then
  local load = tonumber(redis.call('HGET', KEYS[1], 'current_load') or '0')
  return {0, tonumber(reserved), load, 'duplicate_order'}
end
if redis.call('HGET', KEYS[1], 'is_accepting') == '0' then
  return {-1, 0, 0, 'not_accepting'}
end
local load = tonumber(redis.call('HGET', KEYS[1], 'current_load') or '0')
local max = tonumber(redis.call('HGET', KEYS[1], 'max_capacity') or '0')
local weight = tonumber(ARGV[2])
if load + weight > max then
  return {-2, load, max, 'capacity_exceeded'}
end
redis.call('HSET', KEYS[1], 'current_load', load + weight, 'last_updated', ARGV[3])
redis.call('HSET', KEYS[2], ARGV[1], weight)
return {1, load, load + weight, 'reserved'}
`

// releaseStockScript is the idempotent inverse. Returns {code,
// previousLoad, newLoad, message}: 1 released, 2 released but floored at
// zero, 0 order was never reserved or already released.
const releaseStockScript = `
local reserved = redis.call('HGET', KEYS[2], ARGV[1])
if not reserved then
  local load = tonumber(redis.call('HGET', KEYS[1], 'current_load') or '0')
  return {0, load, load, 'already_released'}
end
local weight = tonumber(reserved)
local load = tonumber(redis.call('HGET', KEYS[1], 'current_load') or '0')
local newload = load - weight
local code = 1
if newload < 0 then
  newload = 0
  code = 2
end
redis.call('HSET', KEYS[1], 'current_load', newload, 'last_updated', ARGV[2])
redis.call('HDEL', KEYS[2], ARGV[1])
return {code, load, newload, 'released'}
`

// CapacityService owns the global CapacityState record and every
// admit/reject decision. All load mutations go through Lua scripts so
// concurrent request handlers never observe a half-applied update.
type CapacityService struct {
	Redis   *redis.Client
	plans   PlanSource
	audit   AuditRecorder
	monitor *monitoring.Monitor

	onFirstRelease func(ctx context.Context)
	now            func() time.Time
}

func NewCapacityService(redisClient *redis.Client, plans PlanSource, audit AuditRecorder) *CapacityService {
	return &CapacityService{
		Redis: redisClient,
		plans: plans,
		audit: audit,
		now:   time.Now,
	}
}

func (s *CapacityService) SetMonitor(m *monitoring.Monitor) {
	s.monitor = m
}

// SetReleaseHook registers the queue processor trigger. Invoked once per
// first successful release of an order, never on idempotent repeats.
func (s *CapacityService) SetReleaseHook(fn func(ctx context.Context)) {
	s.onFirstRelease = fn
}

// EnsureState creates the singleton state record on first use.
func (s *CapacityService) EnsureState(ctx context.Context, cfg *config.Config) error {
	n, err := s.Redis.Exists(ctx, capacityStateKey).Result()
	if err != nil {
		return fmt.Errorf("%w: check capacity state: %v", status.ErrPersistence, err)
	}
	if n > 0 {
		return nil
	}

	err = s.Redis.HSet(ctx, capacityStateKey, map[string]any{
		"current_load":       0,
		"max_capacity":       cfg.DefaultMaxCapacity,
		"warning_threshold":  cfg.DefaultWarningThreshold,
		"critical_threshold": cfg.DefaultCriticalThreshold,
		"is_accepting":       "1",
		"notes":              "",
		"last_updated":       s.now().Unix(),
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: initialize capacity state: %v", status.ErrPersistence, err)
	}

	slog.Info("Capacity state initialized",
		"max_capacity", cfg.DefaultMaxCapacity,
		"warning_threshold", cfg.DefaultWarningThreshold,
		"critical_threshold", cfg.DefaultCriticalThreshold,
	)
	return nil
}

// State returns the latest committed state. Stale reads are fine here;
// only the Lua scripts need a serialized view.
func (s *CapacityService) State(ctx context.Context) (*models.CapacityState, error) {
	m, err := s.Redis.HGetAll(ctx, capacityStateKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read capacity state: %v", status.ErrPersistence, err)
	}
	if len(m) == 0 {
		return nil, status.ErrNotFound
	}
	return models.CapacityStateFromHash(m), nil
}

// CurrentLoad is a cheap probe used by config-change auditing.
func (s *CapacityService) CurrentLoad(ctx context.Context) (int, error) {
	load, err := s.Redis.HGet(ctx, capacityStateKey, "current_load").Int()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("%w: read current load: %v", status.ErrPersistence, err)
	}
	return load, nil
}

// CheckAvailability is a read-only admission probe. It never mutates
// state; callers may poll it freely before deciding to reserve.
func (s *CapacityService) CheckAvailability(ctx context.Context, planType string) (*models.Availability, error) {
	plan, err := s.plans.Get(ctx, planType)
	if err != nil {
		return nil, err
	}

	result := &models.Availability{
		PlanType:              planType,
		EstimatedDeliveryDays: plan.EstimatedDeliveryDays,
	}

	if !plan.IsActive {
		result.Reason = models.ReasonPlanInactive
		return result, nil
	}

	state, err := s.State(ctx)
	if err != nil {
		return nil, err
	}

	switch {
	case !state.IsAcceptingOrders:
		result.Reason = models.ReasonNotAccepting
	case state.CurrentLoad+plan.Weight > state.MaxCapacity:
		result.Reason = models.ReasonCapacityExceeded
	default:
		result.Available = true
	}

	return result, nil
}

// Reserve admits an order, incrementing the load by the plan weight.
// Idempotent per orderID: a retried call returns the original outcome
// without double-counting.
func (s *CapacityService) Reserve(ctx context.Context, planType, orderID, userID string) (*models.Reservation, error) {
	if planType == "" || orderID == "" {
		return nil, status.ErrValidation
	}

	plan, err := s.plans.Get(ctx, planType)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, status.ErrPlanInactive
	}

	now := s.now()
	start := time.Now()
	res, err := s.Redis.Eval(ctx, reserveStockScript,
		[]string{capacityStateKey, capacityOrdersKey},
		orderID, plan.Weight, now.Unix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: reserve script: %v", status.ErrPersistence, err)
	}
	s.trackDuration("reserve", time.Since(start))

	code, prev, next, ok := parseScriptResult(res)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected reserve result %v", status.ErrPersistence, res)
	}

	reservation := &models.Reservation{
		OrderID:           orderID,
		PlanType:          planType,
		ReservedWeight:    plan.Weight,
		EstimatedDelivery: now.AddDate(0, 0, plan.EstimatedDeliveryDays),
	}

	switch code {
	case 1:
		s.track("reserve", planType, "success")
		err := s.audit.Record(ctx, &models.AuditEntry{
			Action:       models.AuditReserve,
			PlanType:     planType,
			WeightChange: plan.Weight,
			PreviousLoad: prev,
			NewLoad:      next,
			Reason:       fmt.Sprintf("order %s reserved for user %s", orderID, userID),
		})
		if err != nil {
			return nil, err
		}
		return reservation, nil
	case 0:
		// Retried call from the payment pipeline; the original result
		// stands and no new audit row is written.
		reservation.ReservedWeight = prev
		reservation.AlreadyReserved = true
		return reservation, nil
	case -1:
		s.track("reserve", planType, "rejected")
		return nil, status.ErrNotAcceptingOrders
	case -2:
		s.track("reserve", planType, "rejected")
		return nil, status.ErrCapacityExceeded
	}

	return nil, fmt.Errorf("%w: unexpected reserve result %v", status.ErrPersistence, res)
}

// Release frees an order's capacity and, on the first release of that
// order, triggers queue processing. Repeated releases are successful
// no-ops that do not re-trigger the processor.
func (s *CapacityService) Release(ctx context.Context, planType, orderID, adminID, reason string) (*models.ReleaseResult, error) {
	if planType == "" || orderID == "" {
		return nil, status.ErrValidation
	}

	start := time.Now()
	res, err := s.Redis.Eval(ctx, releaseStockScript,
		[]string{capacityStateKey, capacityOrdersKey},
		orderID, s.now().Unix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: release script: %v", status.ErrPersistence, err)
	}
	s.trackDuration("release", time.Since(start))

	code, prev, next, ok := parseScriptResult(res)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected release result %v", status.ErrPersistence, res)
	}

	result := &models.ReleaseResult{OrderID: orderID}

	switch code {
	case 0:
		result.AlreadyReleased = true
		return result, nil
	case 1, 2:
		result.WeightReleased = prev - next
		if code == 2 {
			// The ledger said more weight was reserved than the state
			// carries. The floor keeps the invariant, but this points at
			// a direct admin edit or a missed audit row upstream.
			slog.Error("Release drove load below zero, floored",
				"order_id", orderID,
				"plan_type", planType,
				"previous_load", prev,
			)
			reason = reason + " (load floored at zero)"
		}

		s.track("release", planType, "success")
		err := s.audit.Record(ctx, &models.AuditEntry{
			Action:       models.AuditRelease,
			PlanType:     planType,
			WeightChange: next - prev,
			PreviousLoad: prev,
			NewLoad:      next,
			AdminID:      adminID,
			Reason:       fmt.Sprintf("order %s released: %s", orderID, reason),
		})
		if err != nil {
			return nil, err
		}

		if s.onFirstRelease != nil {
			go s.onFirstRelease(context.Background())
		}
		return result, nil
	}

	return nil, fmt.Errorf("%w: unexpected release result %v", status.ErrPersistence, res)
}

// SetAcceptingOrders flips the admin kill-switch. Independent of load.
func (s *CapacityService) SetAcceptingOrders(ctx context.Context, accepting bool, adminID, reason string) error {
	load, err := s.CurrentLoad(ctx)
	if err != nil {
		return err
	}

	flag := "0"
	if accepting {
		flag = "1"
	}
	err = s.Redis.HSet(ctx, capacityStateKey,
		"is_accepting", flag,
		"last_updated", s.now().Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: set accepting flag: %v", status.ErrPersistence, err)
	}

	s.track("set_accepting", "", "success")
	return s.audit.Record(ctx, &models.AuditEntry{
		Action:       models.AuditManualAdjustment,
		WeightChange: 0,
		PreviousLoad: load,
		NewLoad:      load,
		AdminID:      adminID,
		Reason:       fmt.Sprintf("accepting orders set to %t: %s", accepting, reason),
	})
}

// SetCapacity updates the ceiling and the advisory thresholds. Setting
// maxCapacity below the current load is allowed but flagged in the audit
// reason.
func (s *CapacityService) SetCapacity(ctx context.Context, max, warning, critical int, adminID string) error {
	if max <= 0 || warning <= 0 || warning >= critical || critical > max {
		return status.ErrValidation
	}

	load, err := s.CurrentLoad(ctx)
	if err != nil {
		return err
	}

	err = s.Redis.HSet(ctx, capacityStateKey,
		"max_capacity", max,
		"warning_threshold", warning,
		"critical_threshold", critical,
		"last_updated", s.now().Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: set capacity: %v", status.ErrPersistence, err)
	}

	reason := fmt.Sprintf("capacity set to max=%d warning=%d critical=%d", max, warning, critical)
	if max < load {
		reason += fmt.Sprintf(" (below current load %d)", load)
	}

	s.track("set_capacity", "", "success")
	return s.audit.Record(ctx, &models.AuditEntry{
		Action:       models.AuditCapacityChanged,
		WeightChange: 0,
		PreviousLoad: load,
		NewLoad:      load,
		AdminID:      adminID,
		Reason:       reason,
	})
}

// ForceAdjust writes currentLoad directly. This is the explicit admin
// override path; the normal admission path never moves load except
// through reserve/release.
func (s *CapacityService) ForceAdjust(ctx context.Context, newLoad int, adminID, reason string) error {
	if newLoad < 0 || adminID == "" {
		return status.ErrValidation
	}

	prev, err := s.CurrentLoad(ctx)
	if err != nil {
		return err
	}

	err = s.Redis.HSet(ctx, capacityStateKey,
		"current_load", newLoad,
		"last_updated", s.now().Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: force adjust: %v", status.ErrPersistence, err)
	}

	slog.Warn("Capacity load force-adjusted",
		"admin_id", adminID,
		"previous_load", prev,
		"new_load", newLoad,
		"reason", reason,
	)

	s.track("force_adjust", "", "success")
	return s.audit.Record(ctx, &models.AuditEntry{
		Action:       models.AuditManualAdjustment,
		WeightChange: newLoad - prev,
		PreviousLoad: prev,
		NewLoad:      newLoad,
		AdminID:      adminID,
		Reason:       reason,
	})
}

func (s *CapacityService) track(operation, planType, result string) {
	if s.monitor != nil {
		s.monitor.TrackOperation(operation, planType, result)
	}
}

func (s *CapacityService) trackDuration(operation string, d time.Duration) {
	if s.monitor != nil {
		s.monitor.TrackDuration(operation, d)
	}
}

// parseScriptResult decodes the {code, prev, next} reply of the capacity
// scripts. ok is false when the reply does not have that shape, which
// callers must treat as a persistence failure rather than any outcome.
func parseScriptResult(res any) (code, prev, next int, ok bool) {
	values, isSlice := res.([]any)
	if !isSlice || len(values) < 3 {
		return 0, 0, 0, false
	}
	toInt := func(v any) (int, bool) {
		switch n := v.(type) {
		case int64:
			return int(n), true
		case int:
			return n, true
		}
		return 0, false
	}

	var okCode, okPrev, okNext bool
	code, okCode = toInt(values[0])
	prev, okPrev = toInt(values[1])
	next, okNext = toInt(values[2])
	return code, prev, next, okCode && okPrev && okNext
}
