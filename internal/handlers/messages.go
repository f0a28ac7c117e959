package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"chat-relay/internal/repositories"
	"chat-relay/internal/rooms"
	"chat-relay/internal/telemetry"
	"chat-relay/internal/ws"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// MessageHandler serves direct-message history and deletion.
type MessageHandler struct {
	messages repositories.MessageRepository
	relay    *ws.Relay
	audit    *telemetry.AuditEmitter
}

// NewMessageHandler constructs a MessageHandler.
func NewMessageHandler(messages repositories.MessageRepository, relay *ws.Relay, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{messages: messages, relay: relay, audit: audit}
}

// GetMessages handles GET /messages/:peer. Deleted messages stay in place as placeholders.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	peer := c.Param("peer")
	if !rooms.ValidUsername(peer) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer"})
		return
	}

	msgs, err := h.relay.History(c.Request.Context(), usernameFromContext(c), rooms.Direct(peer), historyLimit(c))
	if err != nil {
		c.JSON(relayStatus(err), gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ClearMessages handles DELETE /messages/:peer.
func (h *MessageHandler) ClearMessages(c *gin.Context) {
	peer := c.Param("peer")
	if !rooms.ValidUsername(peer) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer"})
		return
	}

	self := usernameFromContext(c)
	removed, err := h.messages.ClearDirectMessages(c.Request.Context(), self, peer)
	if err != nil {
		log.Error().Err(err).Str("username", self).Str("peer", peer).Msg("failed to clear history")
		emitAudit(c, h.audit, "ERROR", "internal error", nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not clear history"})
		return
	}

	emitAudit(c, h.audit, "INFO", "Conversation cleared", map[string]string{"peer": peer, "removed": strconv.FormatInt(removed, 10)})
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// DeleteMessage handles DELETE /messages/single/:id. Only the sender may delete.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	msg, err := h.relay.Delete(c.Request.Context(), usernameFromContext(c), c.Param("id"))
	if err != nil {
		status := relayStatus(err)
		if status == http.StatusForbidden {
			emitAudit(c, h.audit, "WARN", "not allowed to delete message", map[string]string{"message_id": c.Param("id")})
		}
		c.JSON(status, gin.H{"error": "could not delete message"})
		return
	}

	emitAudit(c, h.audit, "INFO", "Message deleted", map[string]string{"message_id": msg.ID})
	c.JSON(http.StatusOK, msg)
}

func historyLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
