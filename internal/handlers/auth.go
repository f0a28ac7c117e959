package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"chat-relay/internal/auth"
	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
	"chat-relay/internal/rooms"
	"chat-relay/internal/telemetry"
)

const minPasswordLength = 6

// AuthHandler registers users and issues tokens.
type AuthHandler struct {
	users  repositories.UserRepository
	tokens *auth.Tokens
	audit  *telemetry.AuditEmitter
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(users repositories.UserRepository, tokens *auth.Tokens, audit *telemetry.AuditEmitter) *AuthHandler {
	return &AuthHandler{users: users, tokens: tokens, audit: audit}
}

type credentials struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      models.User `json:"user"`
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !rooms.ValidUsername(req.Username) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username must be 3-32 letters, digits, '.', '_' or '-'"})
		return
	}
	if len(req.Password) < minPasswordLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password too short"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not register"})
		return
	}

	user, err := h.users.CreateUser(c.Request.Context(), req.Username, string(hash))
	if errors.Is(err, repositories.ErrUserExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("username", req.Username).Msg("failed to create user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not register"})
		return
	}

	h.respondWithToken(c, http.StatusCreated, user)
	emitAudit(c, h.audit, "INFO", "User registered", map[string]string{"username": user.Username})
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.GetUser(c.Request.Context(), req.Username)
	if err != nil && !errors.Is(err, repositories.ErrUserNotFound) {
		log.Error().Err(err).Str("username", req.Username).Msg("failed to load user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not log in"})
		return
	}
	if err != nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		emitAudit(c, h.audit, "WARN", "Login failed", map[string]string{"username": req.Username})
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	h.respondWithToken(c, http.StatusOK, user)
}

func (h *AuthHandler) respondWithToken(c *gin.Context, status int, user models.User) {
	token, expiresAt, err := h.tokens.Issue(user.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	c.JSON(status, tokenResponse{Token: token, ExpiresAt: expiresAt, User: user})
}
