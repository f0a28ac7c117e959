package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/auth"
	"chat-relay/internal/memstore"
	"chat-relay/internal/mocks"
	"chat-relay/internal/models"
)

func setupAuthRouter(handler *AuthHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/auth/register", handler.Register)
	r.POST("/auth/login", handler.Login)
	return r
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRegisterThenLogin(t *testing.T) {
	tokens := auth.NewTokens("secret", time.Hour)
	router := setupAuthRouter(NewAuthHandler(memstore.New(), tokens, nil))

	rec := postJSON(router, "/auth/register", `{"username":"alice","password":"hunter22"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.User.Username)
	assert.NotContains(t, rec.Body.String(), "hunter22")

	username, err := tokens.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)

	rec = postJSON(router, "/auth/register", `{"username":"alice","password":"another1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = postJSON(router, "/auth/login", `{"username":"alice","password":"hunter22"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(router, "/auth/login", `{"username":"alice","password":"wrong-pass"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = postJSON(router, "/auth/login", `{"username":"nobody","password":"hunter22"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	router := setupAuthRouter(NewAuthHandler(memstore.New(), auth.NewTokens("secret", time.Hour), nil))

	assert.Equal(t, http.StatusBadRequest, postJSON(router, "/auth/register", `{"username":"a:b","password":"hunter22"}`).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(router, "/auth/register", `{"username":"alice","password":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(router, "/auth/register", `{}`).Code)
}

func TestLoginStoreError(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	users.On("GetUser", mock.Anything, "alice").Return(models.User{}, assert.AnError).Once()
	router := setupAuthRouter(NewAuthHandler(users, auth.NewTokens("secret", time.Hour), nil))

	rec := postJSON(router, "/auth/login", `{"username":"alice","password":"hunter22"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	users.AssertExpectations(t)
}
