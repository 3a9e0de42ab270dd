package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/VideoCall/internal/domain"
)

func statusFor(err error) int {
	if errors.Is(err, domain.ErrNotJoined) {
		return http.StatusConflict
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch domain.Classify(err) {
	case domain.FailureValidation:
		return http.StatusBadRequest
	case domain.FailureDevice, domain.FailureAlreadyConnected:
		return http.StatusConflict
	case domain.FailureClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// abortWithError writes the user-facing view of err.
func abortWithError(c *gin.Context, err error) {
	ce := domain.NewCallError(err)
	if ce == nil {
		ce = &domain.CallError{Kind: domain.Classify(err), Message: domain.MsgUnexpected, Err: err}
	}
	msg := ce.Message
	if msg == "" {
		msg = domain.MsgUnexpected
	}
	c.AbortWithStatusJSON(statusFor(err), gin.H{
		"error": gin.H{
			"kind":      ce.Kind,
			"message":   msg,
			"retryable": ce.Retryable(),
		},
	})
}
