package handlers

import (
	"errors"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/tools/router"

	"capacity-system/internal/status"
)

// toAPIError maps service sentinels onto HTTP responses. Business
// rejections (full capacity, kill-switch, duplicates) are conflicts, not
// client mistakes.
func toAPIError(err error) *router.ApiError {
	switch {
	case errors.Is(err, status.ErrValidation):
		return apis.NewBadRequestError(err.Error(), nil)
	case errors.Is(err, status.ErrPlanNotFound), errors.Is(err, status.ErrNotFound):
		return apis.NewNotFoundError(err.Error(), nil)
	case errors.Is(err, status.ErrNotAcceptingOrders),
		errors.Is(err, status.ErrCapacityExceeded),
		errors.Is(err, status.ErrPlanInactive),
		errors.Is(err, status.ErrDuplicateQueue),
		errors.Is(err, status.ErrInvalidTransition),
		errors.Is(err, status.ErrConflict):
		return apis.NewApiError(http.StatusConflict, err.Error(), nil)
	}
	return apis.NewApiError(http.StatusInternalServerError, "Something went wrong", nil)
}
