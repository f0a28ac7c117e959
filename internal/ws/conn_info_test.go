package ws

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnInfoLifecycleEvent(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("X-Device-ID", "laptop")
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	info := newConnInfo(req, "alice", "req-1", "trace-1", start)
	info.ConnID = "c-1"
	ev := info.lifecycleEvent(socketDisconnected, "eof", start.Add(1500*time.Millisecond))

	assert.Equal(t, "ws_events", ev.EventType)
	assert.Equal(t, socketDisconnected, ev.EventName)
	payload := ev.Payload.(map[string]any)
	socket := payload["ws"].(map[string]any)
	assert.Equal(t, int64(1500), socket["duration_ms"])
	assert.Equal(t, "eof", socket["reason"])
	assert.Equal(t, "alice", payload["identity"].(map[string]any)["username"])
}
