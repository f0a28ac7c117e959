package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat-relay/internal/middleware"
	"chat-relay/internal/observability"
	"chat-relay/internal/telemetry"
	"chat-relay/internal/ws"
)

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(observability.RequestIDKey); id != "" {
		return id
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(observability.RequestIDKey, requestID)
	return requestID
}

func usernameFromContext(c *gin.Context) string {
	return c.GetString(middleware.UsernameKey)
}

func emitAudit(c *gin.Context, audit *telemetry.AuditEmitter, level, text string, fields map[string]string) {
	if audit == nil {
		return
	}
	audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), usernameFromContext(c), fields)
}

// relayStatus maps relay errors to HTTP statuses.
func relayStatus(err error) int {
	switch {
	case errors.Is(err, ws.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, ws.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ws.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
