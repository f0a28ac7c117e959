package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/memstore"
	"chat-relay/internal/middleware"
	"chat-relay/internal/mocks"
	"chat-relay/internal/models"
	"chat-relay/internal/telemetry"
	"chat-relay/internal/ws"
)

type testEnv struct {
	broker *mocks.PublisherMock
	store  *memstore.Store
	hub    *ws.Hub
	relay  *ws.Relay
	router *gin.Engine
}

func newTestEnv(t *testing.T, users ...string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := memstore.New()
	for _, u := range users {
		_, err := store.CreateUser(context.Background(), u, "hash")
		require.NoError(t, err)
	}
	hub := ws.NewHub(store)
	relay := ws.NewRelay(hub, store, store, store, nil, nil)
	broker := new(mocks.PublisherMock).AcceptAll()
	audit := telemetry.NewAuditEmitter(broker, "audit.chat", "chat-relay", "test")

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.UsernameKey, c.GetHeader("X-Test-User"))
		c.Next()
	})
	messages := NewMessageHandler(store, relay, audit)
	r.GET("/messages/:peer", messages.GetMessages)
	r.DELETE("/messages/:peer", messages.ClearMessages)
	r.DELETE("/messages/single/:id", messages.DeleteMessage)

	groups := NewGroupHandler(store, relay, hub, audit)
	r.POST("/groups", groups.CreateGroup)
	r.GET("/groups", groups.ListGroups)
	r.GET("/groups/:group_id", groups.GetGroup)
	r.GET("/groups/:group_id/messages", groups.GetGroupMessages)
	r.POST("/groups/:group_id/members", groups.AddMember)
	r.DELETE("/groups/:group_id/members/:username", groups.RemoveMember)
	r.DELETE("/groups/:group_id", groups.DeleteGroup)

	return &testEnv{broker: broker, store: store, hub: hub, relay: relay, router: r}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type recordingPeer struct {
	name string
	mu   sync.Mutex
	msgs []models.Message
}

func (p *recordingPeer) Username() string { return p.name }

func (p *recordingPeer) Send(payload []byte) error {
	var frame models.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}
	if frame.Type != models.EventMessage {
		return nil
	}
	var msg models.Message
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		return err
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	return nil
}

func (p *recordingPeer) received() []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Message(nil), p.msgs...)
}

func (e *testEnv) auditTexts() []string {
	var out []string
	for _, ev := range e.broker.Published("audit.chat") {
		out = append(out, ev.(telemetry.AuditEnvelope).Payload.Text)
	}
	return out
}
