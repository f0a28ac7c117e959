package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/auth"
	"chat-relay/internal/models"
	"chat-relay/internal/rooms"
)

func newTestServer(t *testing.T) (*httptest.Server, *auth.Tokens, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	relay, hub, _ := newTestRelay(t, "alice", "bob")
	tokens := auth.NewTokens("test-secret", time.Hour)

	router := gin.New()
	router.GET("/ws", NewHandler(hub, relay, tokens, time.Second).Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, tokens, hub
}

func dial(t *testing.T, srv *httptest.Server, tokens *auth.Tokens, username string) *websocket.Conn {
	t.Helper()
	token, _, err := tokens.Issue(username)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, eventType string, data any) {
	t.Helper()
	payload, err := models.EncodeFrame(eventType, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func readUntil(t *testing.T, conn *websocket.Conn, eventType string) models.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame models.Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame.Type == eventType {
			return frame
		}
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	srv, _, hub := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, hub.Snapshot())
}

func TestSocketSendThenLateJoinSeesHistory(t *testing.T) {
	srv, tokens, _ := newTestServer(t)

	alice := dial(t, srv, tokens, "alice")
	readUntil(t, alice, models.EventOnlineUsers)

	writeFrame(t, alice, models.EventJoinRoom, models.JoinRoomData{WithUser: "bob"})
	var joined models.JoinedData
	require.NoError(t, json.Unmarshal(readUntil(t, alice, models.EventJoined).Data, &joined))
	assert.Equal(t, "alice:bob", joined.Room)
	assert.Empty(t, joined.History)

	writeFrame(t, alice, models.EventMessage, models.OutboundMessage{To: "bob", Text: "hi", ClientID: "c1"})
	var echo models.Message
	require.NoError(t, json.Unmarshal(readUntil(t, alice, models.EventMessage).Data, &echo))
	assert.Equal(t, "c1", echo.ClientID)
	assert.Equal(t, "hi", echo.Text)

	bob := dial(t, srv, tokens, "bob")
	writeFrame(t, bob, models.EventJoinRoom, models.JoinRoomData{WithUser: "alice"})
	require.NoError(t, json.Unmarshal(readUntil(t, bob, models.EventJoined).Data, &joined))
	assert.Equal(t, "alice:bob", joined.Room)
	require.Len(t, joined.History, 1)
	assert.Equal(t, echo.ID, joined.History[0].ID)
	assert.Equal(t, "alice", joined.History[0].From)
}

func TestSocketReportsRejectedSend(t *testing.T) {
	srv, tokens, _ := newTestServer(t)
	alice := dial(t, srv, tokens, "alice")

	writeFrame(t, alice, models.EventMessage, models.OutboundMessage{To: "bob", ClientID: "c9"})
	var data models.ErrorData
	require.NoError(t, json.Unmarshal(readUntil(t, alice, models.EventError).Data, &data))
	assert.Equal(t, "invalid_message", data.Code)
	assert.Equal(t, "c9", data.ClientID)
}

func TestJoinGroupUndoneWhenRemovedMidJoin(t *testing.T) {
	relay, hub, store := newTestRelay(t, "alice", "bob")
	ctx := context.Background()
	group, err := store.CreateGroup(ctx, "alice", "team", "", []string{"bob"})
	require.NoError(t, err)
	h := NewHandler(hub, relay, auth.NewTokens("test-secret", time.Hour), time.Second)
	bob := newPeer("bob")
	room := rooms.GroupRoom(group.ID)

	// bob passed the history check, then alice removed him before he subscribed
	_, err = relay.History(ctx, "bob", rooms.Group(group.ID), HistoryLimit)
	require.NoError(t, err)
	require.NoError(t, store.RemoveMember(ctx, group.ID, "bob"))
	assert.Equal(t, 0, hub.EvictUser(room, "bob"))

	err = h.subscribe(ctx, bob, rooms.Group(group.ID))
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, hub.Members(room))

	_, err = relay.Send(ctx, "alice", models.OutboundMessage{To: group.ID, IsGroup: true, Text: "bob is gone"})
	require.NoError(t, err)
	assert.Empty(t, bob.messages(t))
}

func TestJoinGroupKeepsMember(t *testing.T) {
	relay, hub, store := newTestRelay(t, "alice", "bob")
	ctx := context.Background()
	group, err := store.CreateGroup(ctx, "alice", "team", "", []string{"bob"})
	require.NoError(t, err)
	h := NewHandler(hub, relay, auth.NewTokens("test-secret", time.Hour), time.Second)

	require.NoError(t, h.subscribe(ctx, newPeer("bob"), rooms.Group(group.ID)))
	assert.Equal(t, []string{"bob"}, hub.Members(rooms.GroupRoom(group.ID)))
}
