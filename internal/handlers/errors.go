package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ledgerline/backend/internal/services"
)

// writeServiceError maps a service error kind to its HTTP status.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
	case errors.Is(err, services.ErrInsufficientFunds):
		services.SendErrorResponse(w, "Insufficient funds", http.StatusBadRequest, nil)
	case errors.Is(err, services.ErrAuthorization):
		services.SendErrorResponse(w, "You do not have permission to access this account", http.StatusForbidden, nil)
	case errors.Is(err, services.ErrNotFound):
		services.SendErrorResponse(w, "Not found", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrTransientStore):
		w.Header().Set("Retry-After", "1")
		services.SendErrorResponse(w, "Service temporarily unavailable, please retry", http.StatusServiceUnavailable, nil)
	default:
		logger.Error("request failed", zap.Error(err))
		services.SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}
