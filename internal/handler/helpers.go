package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/furquan101/expense-dashboard/internal/domain"

	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var validation *domain.ErrValidation
	var notConnected *domain.ErrNotConnected
	var tokenInvalid *domain.ErrTokenInvalid
	var stepUp *domain.ErrStepUpRequired
	var providerDown *domain.ErrProviderUnavailable
	var archiveDown *domain.ErrArchiveUnavailable
	var external *domain.ErrExternalService

	switch {
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notConnected):
		logger.Debug("not connected", zap.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &tokenInvalid):
		logger.Warn("token invalid", zap.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &stepUp):
		logger.Warn("step-up authentication required")
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &providerDown):
		logger.Error("provider unavailable", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &archiveDown):
		logger.Error("archive unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &external):
		logger.Error("external service error", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
