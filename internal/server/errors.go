package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	creditdomain "github.com/craftlabs/craft/internal/credit/domain"
	"github.com/craftlabs/craft/internal/queue"
	"github.com/craftlabs/craft/internal/scheduler"
	subdomain "github.com/craftlabs/craft/internal/subscription/domain"
	webhookdomain "github.com/craftlabs/craft/internal/webhook/domain"
)

type errorPayload struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Balance  *int64 `json:"balance,omitempty"`
	Required *int64 `json:"required,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
)

// ErrorHandlingMiddleware renders the last handler error after the chain
// finishes. Handlers only call AbortWithError; the status mapping lives here.
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
	if insufficient, ok := creditdomain.IsInsufficientBalance(err); ok {
		return http.StatusPaymentRequired, errorPayload{
			Type:     "insufficient_balance",
			Message:  "insufficient balance",
			Balance:  &insufficient.Balance,
			Required: &insufficient.Required,
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrInvalidUser),
		errors.Is(err, webhookdomain.ErrInvalidPayload),
		errors.Is(err, webhookdomain.ErrInvalidEvent):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, webhookdomain.ErrInvalidSignature),
		errors.Is(err, webhookdomain.ErrTimestampOutOfRange):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "signature verification failed",
		}
	case errors.Is(err, webhookdomain.ErrProviderNotFound),
		errors.Is(err, webhookdomain.ErrEventNotFound),
		errors.Is(err, creditdomain.ErrUserNotFound),
		errors.Is(err, subdomain.ErrSubscriptionNotFound),
		errors.Is(err, queue.ErrJobNotFound),
		errors.Is(err, scheduler.ErrJobNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, scheduler.ErrJobLocked):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "job already running",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
