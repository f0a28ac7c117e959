package ws

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"chat-relay/internal/observability"
)

// Lifecycle event names published for every socket.
const (
	socketConnected    = "ws_connect"
	socketDisconnected = "ws_disconnect"
	socketFailed       = "ws_error"
)

// ConnInfo is the identity and request context captured at upgrade time.
type ConnInfo struct {
	ConnID      string
	Username    string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func newConnInfo(r *http.Request, username, requestID, traceID string, now time.Time) ConnInfo {
	return ConnInfo{
		Username:    username,
		DeviceID:    observability.DeviceIDFromRequest(r),
		IP:          observability.IPFromRequest(r),
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: now,
	}
}

// MarshalZerologObject lets a ConnInfo be logged with zerolog's Object.
func (i ConnInfo) MarshalZerologObject(e *zerolog.Event) {
	e.Str("conn_id", i.ConnID).
		Str("username", i.Username).
		Str("device_id", i.DeviceID).
		Str("ip", i.IP).
		Str("request_id", i.RequestID)
}

// lifecycleEvent builds the broker envelope for a socket lifecycle change.
func (i ConnInfo) lifecycleEvent(name, reason string, now time.Time) observability.EventEnvelope {
	return observability.EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		Payload: map[string]any{
			"ws": map[string]any{
				"event":       name,
				"conn_id":     i.ConnID,
				"duration_ms": now.Sub(i.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]any{
				"username":  i.Username,
				"device_id": i.DeviceID,
				"ip":        i.IP,
			},
		},
	}
}
