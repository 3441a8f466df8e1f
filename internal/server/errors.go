package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/plotline/plotline/internal/cache"
	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
	jobdomain "github.com/plotline/plotline/internal/importjob/domain"
	mappingdomain "github.com/plotline/plotline/internal/mapping/domain"
	quotadomain "github.com/plotline/plotline/internal/quota/domain"
	scheduledomain "github.com/plotline/plotline/internal/schedule/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Quota   string `json:"quota,omitempty"`
	Current int64  `json:"current,omitempty"`
	Limit   int64  `json:"limit,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid_request")
)

// ErrorHandlingMiddleware turns the last gin error into a JSON response.
// Handlers abort with domain errors and never write status codes themselves.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var exceeded *quotadomain.ExceededError
	if errors.As(err, &exceeded) {
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: exceeded.Error(),
			Quota:   string(exceeded.Quota),
			Current: exceeded.Current,
			Limit:   exceeded.Limit,
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "unauthorized"}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: "forbidden"}
	case errors.Is(err, mappingdomain.ErrMappingInvalid):
		return http.StatusUnprocessableEntity, errorPayload{Type: "mapping_invalid", Message: err.Error()}
	case errors.Is(err, datasetdomain.ErrParse),
		errors.Is(err, datasetdomain.ErrUnsupportedFormat),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}
	case errors.Is(err, scheduledomain.ErrScheduleDisabled):
		return http.StatusConflict, errorPayload{Type: "schedule_disabled", Message: err.Error()}
	case errors.Is(err, datasetdomain.ErrDatasetNotFound),
		errors.Is(err, mappingdomain.ErrMappingNotFound),
		errors.Is(err, jobdomain.ErrJobNotFound),
		errors.Is(err, scheduledomain.ErrScheduleNotFound),
		errors.Is(err, cache.ErrUnknownCache),
		errors.Is(err, cache.ErrEntryNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}
