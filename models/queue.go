package models

import (
	"time"

	"capacity-system/internal/status"
)

// QueueStatus is the explicit lifecycle of a waiting queue entry.
type QueueStatus string

const (
	StatusWaiting   QueueStatus = "waiting"
	StatusNotified  QueueStatus = "notified"
	StatusExpired   QueueStatus = "expired"
	StatusConverted QueueStatus = "converted"
)

// Allowed transitions. Everything else is rejected at the boundary; there
// is no way back to waiting.
var queueTransitions = map[QueueStatus][]QueueStatus{
	StatusWaiting:  {StatusNotified, StatusExpired},
	StatusNotified: {StatusConverted, StatusExpired},
}

func (s QueueStatus) CanTransitionTo(next QueueStatus) bool {
	for _, allowed := range queueTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// QueueEntry is one deferred reservation request. Ordering within a plan
// is strictly by RequestedAt.
type QueueEntry struct {
	ID                     string      `json:"id"`
	UserID                 string      `json:"user_id"`
	Email                  string      `json:"email"`
	Name                   string      `json:"name"`
	PlanType               string      `json:"plan_type"`
	Status                 QueueStatus `json:"status"`
	RequestedAt            time.Time   `json:"requested_at"`
	EstimatedAvailableDate time.Time   `json:"estimated_available_date"`
	ExpiresAt              time.Time   `json:"expires_at"`
	NotificationSent       bool        `json:"notification_sent"`
}

// Transition moves the entry to the next status, enforcing the transition
// table.
func (e *QueueEntry) Transition(next QueueStatus) error {
	if !e.Status.CanTransitionTo(next) {
		return status.ErrInvalidTransition
	}
	e.Status = next
	return nil
}

/// Stale reports whether the entry should be removed by the cleanup sweep:
// past its expiry horizon while still pending, or already terminal.
func (e *QueueEntry) Stale(now time.Time) bool {
	switch e.Status {
	case StatusExpired, StatusConverted:
		return true
	case StatusWaiting, StatusNotified:
		return now.After(e.ExpiresAt)
	}
	return false
}
