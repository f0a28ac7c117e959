package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
	"chat-relay/internal/rooms"
	"chat-relay/internal/telemetry"
	"chat-relay/internal/ws"
)

// GroupHandler manages group-related endpoints.
type GroupHandler struct {
	groupRepo repositories.GroupRepository
	relay     *ws.Relay
	hub       *ws.Hub
	audit     *telemetry.AuditEmitter
}

// NewGroupHandler constructs a GroupHandler.
func NewGroupHandler(groupRepo repositories.GroupRepository, relay *ws.Relay, hub *ws.Hub, audit *telemetry.AuditEmitter) *GroupHandler {
	return &GroupHandler{
		groupRepo: groupRepo,
		relay:     relay,
		hub:       hub,
		audit:     audit,
	}
}

// CreateGroup handles POST /groups.
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	var req struct {
		Name    string   `json:"name" binding:"required"`
		Members []string `json:"members"`
		Avatar  string   `json:"avatar"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload", nil)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	group, err := h.groupRepo.CreateGroup(c.Request.Context(), usernameFromContext(c), req.Name, req.Avatar, req.Members)
	if errors.Is(err, repositories.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown member"})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to create group")
		h.emitAudit(c, "ERROR", "internal error", nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create group"})
		return
	}

	h.emitAudit(c, "INFO", "Group created", map[string]string{"group_id": group.ID})
	c.JSON(http.StatusCreated, group)
}

// ListGroups returns groups the caller belongs to.
func (h *GroupHandler) ListGroups(c *gin.Context) {
	groups, err := h.groupRepo.ListGroupsForUser(c.Request.Context(), usernameFromContext(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load groups"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// GetGroup handles GET /groups/:group_id (members only).
func (h *GroupHandler) GetGroup(c *gin.Context) {
	group, ok := h.loadGroup(c)
	if !ok {
		return
	}
	if !group.HasMember(usernameFromContext(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member"})
		return
	}
	c.JSON(http.StatusOK, group)
}

// GetGroupMessages returns messages in the group.
func (h *GroupHandler) GetGroupMessages(c *gin.Context) {
	msgs, err := h.relay.History(c.Request.Context(), usernameFromContext(c), rooms.Group(c.Param("group_id")), historyLimit(c))
	if err != nil {
		status := relayStatus(err)
		if status == http.StatusForbidden {
			h.emitAudit(c, "ERROR", "not allowed", nil)
		}
		c.JSON(status, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// AddMember handles POST /groups/:group_id/members. Any member may add others.
func (h *GroupHandler) AddMember(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	group, ok := h.loadGroup(c)
	if !ok {
		return
	}
	if !group.HasMember(usernameFromContext(c)) {
		h.emitAudit(c, "ERROR", "not allowed to add member", nil)
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member"})
		return
	}

	if err := h.groupRepo.AddMember(c.Request.Context(), group.ID, req.Username); err != nil {
		h.writeRepoError(c, err, "could not add member")
		return
	}

	h.emitAudit(c, "INFO", "Group member added", map[string]string{"group_id": group.ID, "member": req.Username})
	h.respondWithGroup(c, group.ID)
}

// RemoveMember handles DELETE /groups/:group_id/members/:username. The creator
// may remove anyone but themselves; a member may remove themselves to leave.
func (h *GroupHandler) RemoveMember(c *gin.Context) {
	group, ok := h.loadGroup(c)
	if !ok {
		return
	}

	caller := usernameFromContext(c)
	target := c.Param("username")
	if target == group.Creator {
		c.JSON(http.StatusForbidden, gin.H{"error": "the creator cannot leave the group"})
		return
	}
	if caller != group.Creator && caller != target {
		h.emitAudit(c, "ERROR", "not allowed to remove member", map[string]string{"group_id": group.ID})
		c.JSON(http.StatusForbidden, gin.H{"error": "only the creator can remove other members"})
		return
	}

	if err := h.groupRepo.RemoveMember(c.Request.Context(), group.ID, target); err != nil {
		h.writeRepoError(c, err, "could not remove member")
		return
	}
	h.hub.EvictUser(rooms.GroupRoom(group.ID), target)

	h.emitAudit(c, "INFO", "Group member removed", map[string]string{"group_id": group.ID, "member": target})
	h.respondWithGroup(c, group.ID)
}

// DeleteGroup handles DELETE /groups/:group_id. Only the creator may delete;
// messages are kept.
func (h *GroupHandler) DeleteGroup(c *gin.Context) {
	group, ok := h.loadGroup(c)
	if !ok {
		return
	}
	if group.Creator != usernameFromContext(c) {
		h.emitAudit(c, "ERROR", "not allowed to delete group", map[string]string{"group_id": group.ID})
		c.JSON(http.StatusForbidden, gin.H{"error": "only the creator can delete the group"})
		return
	}

	if err := h.groupRepo.DeleteGroup(c.Request.Context(), group.ID); err != nil {
		h.writeRepoError(c, err, "could not delete group")
		return
	}
	h.hub.CloseRoom(rooms.GroupRoom(group.ID))

	h.emitAudit(c, "INFO", "Group deleted", map[string]string{"group_id": group.ID})
	c.Status(http.StatusNoContent)
}

func (h *GroupHandler) loadGroup(c *gin.Context) (models.Group, bool) {
	group, err := h.groupRepo.GetGroup(c.Request.Context(), c.Param("group_id"))
	if err != nil {
		h.writeRepoError(c, err, "group not found")
		return models.Group{}, false
	}
	return group, true
}

func (h *GroupHandler) respondWithGroup(c *gin.Context, groupID string) {
	group, err := h.groupRepo.GetGroup(c.Request.Context(), groupID)
	if err != nil {
		h.writeRepoError(c, err, "group not found")
		return
	}
	c.JSON(http.StatusOK, group)
}

func (h *GroupHandler) writeRepoError(c *gin.Context, err error, text string) {
	status := http.StatusInternalServerError
	if errors.Is(err, repositories.ErrGroupNotFound) || errors.Is(err, repositories.ErrUserNotFound) {
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("group_id", c.Param("group_id")).Msg(text)
		h.emitAudit(c, "ERROR", "internal error", nil)
	}
	c.JSON(status, gin.H{"error": text})
}

func (h *GroupHandler) emitAudit(c *gin.Context, level, text string, fields map[string]string) {
	emitAudit(c, h.audit, level, text, fields)
}
