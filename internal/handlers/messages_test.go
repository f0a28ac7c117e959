package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/models"
)

func TestGetMessagesOrderedWithPlaceholders(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	ctx := context.Background()
	first, err := env.relay.Send(ctx, "alice", models.OutboundMessage{To: "bob", Text: "one"})
	require.NoError(t, err)
	_, err = env.relay.Send(ctx, "bob", models.OutboundMessage{To: "alice", Text: "two", ReplyTo: first.ID})
	require.NoError(t, err)
	_, err = env.relay.Delete(ctx, "alice", first.ID)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/messages/alice?limit=10", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.True(t, resp.Messages[0].Deleted)
	assert.Empty(t, resp.Messages[0].Text)
	assert.Equal(t, "two", resp.Messages[1].Text)
	require.NotNil(t, resp.Messages[1].ReplyTo)
	require.NotNil(t, resp.Messages[1].ReplyTo.Preview)
	assert.True(t, resp.Messages[1].ReplyTo.Preview.Deleted)
	assert.True(t, resp.Messages[0].Timestamp.Before(resp.Messages[1].Timestamp))
}

func TestDeleteMessageSenderOnly(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	msg, err := env.relay.Send(context.Background(), "alice", models.OutboundMessage{To: "bob", Text: "secret"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodDelete, "/messages/single/"+msg.ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	stored, err := env.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret", stored.Text)

	rec = env.do(t, http.MethodDelete, "/messages/single/404", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/messages/single/"+msg.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deleted models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deleted))
	assert.True(t, deleted.Deleted)
	assert.Equal(t, "alice", deleted.From)
}

func TestClearMessages(t *testing.T) {
	env := newTestEnv(t, "alice", "bob", "carol")
	ctx := context.Background()
	_, err := env.relay.Send(ctx, "alice", models.OutboundMessage{To: "bob", Text: "a"})
	require.NoError(t, err)
	_, err = env.relay.Send(ctx, "alice", models.OutboundMessage{To: "carol", Text: "b"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodDelete, "/messages/bob", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":1}`, rec.Body.String())

	left, err := env.store.ListDirectMessages(ctx, "alice", "carol", 0)
	require.NoError(t, err)
	assert.Len(t, left, 1)

	rec = env.do(t, http.MethodGet, "/messages/a:b", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
