package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-crmsync/internal/domain"
	"github.com/smallbiznis/valora-crmsync/internal/http/middleware"
)

// Error codes returned to clients. Details stay in the logs under the correlation id.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeConfigError    = "config_error"
	CodeUpstreamError  = "upstream_error"
	CodeDatastoreError = "datastore_error"
	CodeInternalError  = "internal_error"
)

// classify maps an error onto an HTTP status and a public code.
func classify(err error) (int, string) {
	var (
		upstream *domain.UpstreamError
		store    *domain.StoreError
	)
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrUnsupportedProvider):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, domain.ErrConnectionNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrSyncInProgress), errors.Is(err, domain.ErrStateConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, domain.ErrProviderNotConfigured):
		return http.StatusInternalServerError, CodeConfigError
	case errors.As(err, &upstream):
		return http.StatusInternalServerError, CodeUpstreamError
	case errors.As(err, &store):
		return http.StatusInternalServerError, CodeDatastoreError
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}

// respondError logs err in full and writes the sanitized body. extra is merged into it.
func respondError(c *gin.Context, logger *zap.Logger, err error, extra gin.H) {
	status, code := classify(err)
	correlationID := middleware.RequestID(c)

	log := logger.Warn
	if status >= http.StatusInternalServerError {
		log = logger.Error
	}
	log("request failed",
		zap.String("correlation_id", correlationID),
		zap.String("path", c.FullPath()),
		zap.String("code", code),
		zap.Error(err),
	)

	body := gin.H{"ok": false, "error": code, "correlationId": correlationID}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}

func invalidBody(c *gin.Context, logger *zap.Logger, err error) {
	respondError(c, logger, errors.Join(domain.ErrInvalidRequest, err), nil)
}
