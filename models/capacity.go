package models

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// CapacityState is the single global record tracking committed production
// load. It lives in one Redis hash and every reserve/release goes through
// a Lua script, so concurrent writers always observe a serialized view.
type CapacityState struct {
	CurrentLoad       int       `json:"current_load"`
	MaxCapacity       int       `json:"max_capacity"`
	WarningThreshold  int       `json:"warning_threshold"`
	CriticalThreshold int       `json:"critical_threshold"`
	IsAcceptingOrders bool      `json:"is_accepting_orders"`
	Notes             string    `json:"notes"`
	LastUpdated       time.Time `json:"last_updated"`
}

// Capacity levels derived from the advisory thresholds. They color the
// admin dashboard and never gate admission.
const (
	LevelOK       = "ok"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

func (s *CapacityState) Level() string {
	switch {
	case s.CurrentLoad >= s.CriticalThreshold:
		return LevelCritical
	case s.CurrentLoad >= s.WarningThreshold:
		return LevelWarning
	}
	return LevelOK
}

// UtilizationPct returns currentLoad/maxCapacity as a percentage rounded
// to two decimals.
func (s *CapacityState) UtilizationPct() decimal.Decimal {
	if s.MaxCapacity <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.CurrentLoad)).
		Div(decimal.NewFromInt(int64(s.MaxCapacity))).
		Mul(decimal.NewFromInt(100)).
		Round(2)
}

// Remaining returns how many more orders of the given weight fit before
// maxCapacity, floored at zero.
func (s *CapacityState) Remaining(weight int) int {
	if weight <= 0 {
		return 0
	}
	free := s.MaxCapacity - s.CurrentLoad
	if free < 0 {
		return 0
	}
	return free / weight
}

// CapacityStateFromHash parses the Redis hash representation.
func CapacityStateFromHash(m map[string]string) *CapacityState {
	state := &CapacityState{Notes: m["notes"]}
	state.CurrentLoad, _ = strconv.Atoi(m["current_load"])
	state.MaxCapacity, _ = strconv.Atoi(m["max_capacity"])
	state.WarningThreshold, _ = strconv.Atoi(m["warning_threshold"])
	state.CriticalThreshold, _ = strconv.Atoi(m["critical_threshold"])
	state.IsAcceptingOrders = m["is_accepting"] == "1"
	if ts, err := strconv.ParseInt(m["last_updated"], 10, 64); err == nil {
		state.LastUpdated = time.Unix(ts, 0).UTC()
	}
	return state
}

// Availability is the result of a read-only admission probe.
type Availability struct {
	PlanType              string `json:"plan_type"`
	Available             bool   `json:"available"`
	Reason                string `json:"reason,omitempty"`
	EstimatedDeliveryDays int    `json:"estimated_delivery_days,omitempty"`
}

// Probe rejection reasons surfaced to callers.
const (
	ReasonNotAccepting     = "not accepting orders"
	ReasonPlanInactive     = "plan inactive"
	ReasonCapacityExceeded = "capacity exceeded"
)

// Reservation is the result of a successful (or idempotently repeated)
// reserveStock call.
type Reservation struct {
	OrderID           string    `json:"order_id"`
	PlanType          string    `json:"plan_type"`
	ReservedWeight    int       `json:"reserved_weight"`
	EstimatedDelivery time.Time `json:"estimated_delivery"`
	AlreadyReserved   bool      `json:"already_reserved"`
}

// ReleaseResult reports a releaseStock outcome. AlreadyReleased marks the
// idempotent no-op path, which must not re-trigger queue processing.
type ReleaseResult struct {
	OrderID         string `json:"order_id"`
	WeightReleased  int    `json:"weight_released"`
	AlreadyReleased bool   `json:"already_released"`
}
