package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/middleware"
	"chat-relay/internal/mocks"
	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
	"chat-relay/internal/rooms"
	"chat-relay/internal/ws"
)

func createGroup(t *testing.T, env *testEnv, creator string, members ...string) models.Group {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/groups", creator, map[string]any{"name": "team", "members": members})
	require.Equal(t, http.StatusCreated, rec.Code)
	var group models.Group
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &group))
	return group
}

func TestCreateGroupIncludesCreator(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	group := createGroup(t, env, "alice", "bob")

	assert.Equal(t, "alice", group.Creator)
	assert.ElementsMatch(t, []string{"alice", "bob"}, group.Members)

	rec := env.do(t, http.MethodPost, "/groups", "alice", map[string]any{"name": "x", "members": []string{"ghost"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOnlyCreatorCanDeleteGroup(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	group := createGroup(t, env, "alice", "bob")

	rec := env.do(t, http.MethodDelete, "/groups/"+group.ID, "bob", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	unchanged, err := env.store.GetGroup(context.Background(), group.ID)
	require.NoError(t, err)
	assert.Equal(t, group.Members, unchanged.Members)
	assert.Equal(t, group.Name, unchanged.Name)

	rec = env.do(t, http.MethodDelete, "/groups/"+group.ID, "alice", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, err = env.store.GetGroup(context.Background(), group.ID)
	assert.ErrorIs(t, err, repositories.ErrGroupNotFound)
	assert.Equal(t, []string{"Group created", "not allowed to delete group", "Group deleted"}, env.auditTexts())
}

func TestMemberLeavesGroupAndStopsReceiving(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	group := createGroup(t, env, "alice", "bob")

	bob := &recordingPeer{name: "bob"}
	env.hub.Connect(bob)
	env.hub.Join(rooms.GroupRoom(group.ID), bob)

	rec := env.do(t, http.MethodDelete, "/groups/"+group.ID+"/members/bob", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated models.Group
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.NotContains(t, updated.Members, "bob")

	_, err := env.relay.Send(context.Background(), "alice", models.OutboundMessage{To: group.ID, IsGroup: true, Text: "still there?"})
	require.NoError(t, err)
	assert.Empty(t, bob.received())

	_, err = env.relay.Send(context.Background(), "bob", models.OutboundMessage{To: group.ID, IsGroup: true, Text: "hello?"})
	assert.ErrorIs(t, err, ws.ErrForbidden)
}

func TestRemoveMemberRules(t *testing.T) {
	env := newTestEnv(t, "alice", "bob", "carol")
	group := createGroup(t, env, "alice", "bob", "carol")

	rec := env.do(t, http.MethodDelete, "/groups/"+group.ID+"/members/carol", "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodDelete, "/groups/"+group.ID+"/members/alice", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodDelete, "/groups/"+group.ID+"/members/carol", "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/groups/"+group.ID+"/members/carol", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddMemberRequiresMembership(t *testing.T) {
	env := newTestEnv(t, "alice", "bob", "carol")
	group := createGroup(t, env, "alice")

	rec := env.do(t, http.MethodPost, "/groups/"+group.ID+"/members", "carol", map[string]string{"username": "carol"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/groups/"+group.ID+"/members", "alice", map[string]string{"username": "bob"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/groups/"+group.ID, "bob", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/groups/"+group.ID, "carol", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGroupMessagesMembersOnly(t *testing.T) {
	env := newTestEnv(t, "alice", "bob", "carol")
	group := createGroup(t, env, "alice", "bob")
	_, err := env.relay.Send(context.Background(), "bob", models.OutboundMessage{To: group.ID, IsGroup: true, Text: "hey"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/groups/"+group.ID+"/messages", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hey", resp.Messages[0].Text)

	rec = env.do(t, http.MethodGet, "/groups/"+group.ID+"/messages", "carol", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(t, http.MethodGet, "/groups/999/messages", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListGroupsRepoError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	groupRepo := new(mocks.GroupRepositoryMock)
	handler := NewGroupHandler(groupRepo, nil, nil, nil)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.UsernameKey, "alice")
		c.Next()
	})
	r.GET("/groups", handler.ListGroups)

	groupRepo.On("ListGroupsForUser", mock.Anything, "alice").Return(([]models.Group)(nil), assert.AnError).Once()

	env := &testEnv{router: r}
	rec := env.do(t, http.MethodGet, "/groups", "alice", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	groupRepo.AssertExpectations(t)
}
