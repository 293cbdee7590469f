package status

import "errors"

var (
	ErrValidation         = errors.New("request: invalid request")
	ErrNotAcceptingOrders = errors.New("capacity: not accepting orders")
	ErrCapacityExceeded   = errors.New("capacity: capacity exceeded")
	ErrPlanInactive       = errors.New("plan: plan inactive")
	ErrPlanNotFound       = errors.New("plan: plan not found")
	ErrNotFound           = errors.New("lookup: not found")
	ErrDuplicateQueue     = errors.New("queue: user already queued for plan")
	ErrInvalidTransition  = errors.New("queue: invalid status transition")
	ErrConflict           = errors.New("state: conflicting state")
	ErrPersistence        = errors.New("store: persistence failure")
)
