package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/matheus3301/dealroom/internal/chat"
	"go.uber.org/zap"
)

// Headers set by the gateway in front of the service.
const (
	HeaderParticipantID   = "X-Participant-ID"
	HeaderParticipantRole = "X-Participant-Role"
	HeaderRequestID       = "X-Request-ID"
)

const (
	ctxRequestID = "dealroom.request_id"
	ctxIdentity  = "dealroom.identity"
)

// RequestID propagates X-Request-ID, minting one when absent.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set(HeaderRequestID, id)
		c.Set(ctxRequestID, id)
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		logger.Info("http",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.GetString(ctxRequestID)))
	}
}

// Authenticate reads the identity headers. A request without a valid
// identity stops here with 401.
func Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := chat.Identity{
			ParticipantID: c.GetHeader(HeaderParticipantID),
			Role:          c.GetHeader(HeaderParticipantRole),
		}
		if id.Role == "" {
			id.Role = chat.RoleParticipant
		}
		if err := id.Validate(); err != nil {
			abortUnauthenticated(c, err)
			return
		}
		c.Set(ctxIdentity, id)
		c.Next()
	}
}

func identity(c *gin.Context) chat.Identity {
	v, _ := c.Get(ctxIdentity)
	id, _ := v.(chat.Identity)
	return id
}
