package models

import "time"

// Audit actions. Every capacity-affecting operation appends exactly one
// entry; configuration updates append manual_adjustment rows with a zero
// weight change.
const (
	AuditReserve          = "reserve"
	AuditRelease          = "release"
	AuditManualAdjustment = "manual_adjustment"
	AuditCapacityChanged  = "capacity_changed"
)

// AuditEntry is immutable once written. NewLoad must always equal
// PreviousLoad + WeightChange.
type AuditEntry struct {
	ID           string    `json:"id"`
	Action       string    `json:"action"`
	PlanType     string    `json:"plan_type,omitempty"`
	WeightChange int       `json:"weight_change"`
	PreviousLoad int       `json:"previous_load"`
	NewLoad      int       `json:"new_load"`
	AdminID      string    `json:"admin_id,omitempty"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// Consistent reports whether the entry's load delta adds up.
func (e *AuditEntry) Consistent() bool {
	return e.NewLoad == e.PreviousLoad+e.WeightChange
}

// ReplayLoad folds weight changes over the given entries, oldest first,
// starting from the oldest entry's previous load. Used by reconciliation
// to rebuild the current load from the ledger.
func ReplayLoad(entries []AuditEntry) int {
	if len(entries) == 0 {
		return 0
	}
	load := entries[0].PreviousLoad
	for _, e := range entries {
		load += e.WeightChange
		if load < 0 {
			load = 0
		}
	}
	return load
}
