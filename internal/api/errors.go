package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/wire"
	"go.uber.org/zap"
)

// RetryAfter is the hint sent with 503 responses, in seconds.
const RetryAfter = 2

// StatusOf maps the error taxonomy onto HTTP.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, conversation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, conversation.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *API) respondError(c *gin.Context, op string, err error) {
	status := StatusOf(err)
	body := wire.NewError(c.GetString(ctxRequestID), err)
	switch status {
	case http.StatusServiceUnavailable:
		c.Header("Retry-After", strconv.Itoa(RetryAfter))
		a.logger.Warn(op+" failed", zap.Error(err), zap.String("request_id", body.RequestID))
	case http.StatusInternalServerError:
		a.logger.Error(op+" failed", zap.Error(err), zap.String("request_id", body.RequestID))
		body.Message = "internal error"
	default:
		a.logger.Debug(op+" rejected", zap.Error(err), zap.Int("status", status))
	}
	c.AbortWithStatusJSON(status, body)
}

func abortUnauthenticated(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, wire.Error{
		RequestID: c.GetString(ctxRequestID),
		Code:      wire.CodeUnauthorized,
		Message:   err.Error(),
	})
}
