package api

import (
	"errors"
	"math"
	"net/http"

	"ugc/server/internal/batch"
	"ugc/server/internal/history"
	"ugc/server/internal/job"
	"ugc/server/internal/provider"
	"ugc/server/internal/store"

	"github.com/gin-gonic/gin"
)

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"success":  true,
		"data":     data,
		"trace_id": traceIDFromContext(c),
	})
}

func writeError(c *gin.Context, status int, code, message string, retryable bool, details map[string]any) {
	c.JSON(status, gin.H{
		"success": false,
		"error": APIError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
			Details:   details,
		},
		"trace_id": traceIDFromContext(c),
	})
}

func writeUnauthorized(c *gin.Context) {
	writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", false, nil)
}

// writeServiceError maps domain errors to HTTP responses.
func writeServiceError(c *gin.Context, err error) {
	var pErr *provider.Error
	if errors.As(err, &pErr) {
		writeProviderError(c, pErr)
		return
	}
	switch {
	case errors.Is(err, job.ErrTooManyRunningJobs):
		writeError(c, http.StatusTooManyRequests, "USER_JOB_LIMIT", "Too many running jobs", true, nil)
	case errors.Is(err, job.ErrForbidden):
		writeError(c, http.StatusForbidden, "FORBIDDEN", "No access to this resource", false, nil)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, history.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Not found", false, nil)
	case errors.Is(err, history.ErrEmptyBatch):
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Batch has no texts", false, nil)
	case errors.Is(err, batch.ErrTooManyItems):
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), false, nil)
	case errors.Is(err, history.ErrWriteFailed):
		writeError(c, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Could not save changes", true, nil)
	case errors.Is(err, job.ErrShuttingDown):
		writeError(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", true, nil)
	default:
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error", false, nil)
	}
}

func writeProviderError(c *gin.Context, err *provider.Error) {
	details := map[string]any{"provider": err.Provider}
	if err.Code != "" {
		details["provider_code"] = err.Code
	}
	if err.Remedy != "" {
		details["remedy"] = err.Remedy
	}
	switch err.Kind {
	case provider.KindValidation:
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Message, false, details)
	case provider.KindAuth:
		writeError(c, http.StatusBadGateway, "PROVIDER_AUTH", err.UserMessage(), false, details)
	case provider.KindRateLimit:
		wait := err.RetryAfter
		if wait <= 0 {
			wait = provider.DefaultRetryAfter
		}
		details["retry_after_sec"] = int(math.Ceil(wait.Seconds()))
		writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", err.UserMessage(), true, details)
	case provider.KindNotFound:
		writeError(c, http.StatusUnprocessableEntity, "MODEL_NOT_FOUND", err.UserMessage(), false, details)
	case provider.KindTimeout:
		writeError(c, http.StatusGatewayTimeout, "PROVIDER_TIMEOUT", err.UserMessage(), true, details)
	case provider.KindCanceled:
		writeError(c, http.StatusConflict, "CANCELED", err.UserMessage(), false, details)
	default:
		writeError(c, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", err.UserMessage(), true, details)
	}
}
