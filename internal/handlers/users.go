package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/cache"
	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
)

// Presence reports whether a user is connected.
type Presence interface {
	Online(username string) bool
}

// UserHandler serves the user directory and contact lists.
type UserHandler struct {
	users    repositories.UserRepository
	avatars  *cache.Avatars
	presence Presence
}

// NewUserHandler constructs a UserHandler. avatars and presence may be nil.
func NewUserHandler(users repositories.UserRepository, avatars *cache.Avatars, presence Presence) *UserHandler {
	return &UserHandler{users: users, avatars: avatars, presence: presence}
}

type userResponse struct {
	models.User
	Online bool `json:"online"`
}

func (h *UserHandler) view(users []models.User) []userResponse {
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		online := h.presence != nil && h.presence.Online(u.Username)
		out = append(out, userResponse{User: u, Online: online})
	}
	return out
}

// ListUsers handles GET /users.
func (h *UserHandler) ListUsers(c *gin.Context) {
	users, err := h.users.ListUsers(c.Request.Context(), usernameFromContext(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": h.view(users)})
}

// Me handles GET /users/me.
func (h *UserHandler) Me(c *gin.Context) {
	user, err := h.users.GetUser(c.Request.Context(), usernameFromContext(c))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// UpdateMe handles PATCH /users/me.
func (h *UserHandler) UpdateMe(c *gin.Context) {
	var req struct {
		Avatar string `json:"avatar"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	username := usernameFromContext(c)
	if err := h.users.UpdateAvatar(c.Request.Context(), username, req.Avatar); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "could not update profile"})
		return
	}
	if h.avatars != nil {
		h.avatars.Invalidate(c.Request.Context(), username)
	}
	h.Me(c)
}

// ListContacts handles GET /contacts.
func (h *UserHandler) ListContacts(c *gin.Context) {
	contacts, err := h.users.ListContacts(c.Request.Context(), usernameFromContext(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load contacts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": h.view(contacts)})
}

// AddContact handles POST /contacts.
func (h *UserHandler) AddContact(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	self := usernameFromContext(c)
	if req.Username == self {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot add yourself"})
		return
	}

	if err := h.users.AddContact(c.Request.Context(), self, req.Username); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "could not add contact"})
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveContact handles DELETE /contacts/:username.
func (h *UserHandler) RemoveContact(c *gin.Context) {
	if err := h.users.RemoveContact(c.Request.Context(), usernameFromContext(c), c.Param("username")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "contact not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
