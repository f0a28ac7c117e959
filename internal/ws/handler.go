package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"chat-relay/internal/auth"
	"chat-relay/internal/models"
	"chat-relay/internal/observability"
	"chat-relay/internal/rooms"
)

const (
	defaultFrameTimeout = 5 * time.Second
	// HistoryLimit bounds the history carried by a joined frame.
	HistoryLimit = 50

	wsRoutingKey = "ws_events.sockets"
)

// Handler upgrades authenticated requests and runs the socket protocol.
type Handler struct {
	hub          *Hub
	relay        *Relay
	tokens       *auth.Tokens
	frameTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewHandler constructs a Handler. A non-positive frameTimeout uses the default.
func NewHandler(hub *Hub, relay *Relay, tokens *auth.Tokens, frameTimeout time.Duration) *Handler {
	if frameTimeout <= 0 {
		frameTimeout = defaultFrameTimeout
	}
	return &Handler{
		hub:          hub,
		relay:        relay,
		tokens:       tokens,
		frameTimeout: frameTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handle verifies the bearer credential before upgrading. Rejected handshakes
// never touch hub state.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-relay/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	username, err := h.tokens.Verify(auth.BearerToken(c.GetHeader("Authorization"), c.Query("token")))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("username", username).Msg("websocket upgrade failed")
		return
	}

	info := newConnInfo(c.Request, username, c.GetString(observability.RequestIDKey), span.SpanContext().TraceID().String(), time.Now())
	conn := NewConnection(wsConn, info)
	conn.prepareRead()
	conn.Start()
	h.hub.Connect(conn)

	observability.IncWSActive()
	observability.IncWSEvent(socketConnected)
	publishWSEvent(ctx, conn.Info(), socketConnected, "")
	log.Info().Object("conn", conn.Info()).Msg("websocket connected")

	go h.readLoop(conn)
}

func (h *Handler) readLoop(conn *Connection) {
	var closeReason string
	defer func() {
		h.hub.Disconnect(context.Background(), conn)
		conn.Close(websocket.CloseNormalClosure, "")
		observability.DecWSActive()
		observability.IncWSEvent(socketDisconnected)
		publishWSEvent(context.Background(), conn.Info(), socketDisconnected, closeReason)
		log.Info().Object("conn", conn.Info()).Str("reason", closeReason).Msg("websocket disconnected")
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent(socketFailed)
				publishWSEvent(context.Background(), conn.Info(), socketFailed, closeReason)
			}
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(conn, ErrInvalidMessage, "malformed frame", "")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.frameTimeout)
		h.dispatch(ctx, conn, frame)
		cancel()
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *Connection, frame models.Frame) {
	observability.IncWSEvent(frame.Type)
	self := conn.Username()

	switch frame.Type {
	case models.EventJoinRoom:
		var data models.JoinRoomData
		if err := json.Unmarshal(frame.Data, &data); err != nil || !rooms.ValidUsername(data.WithUser) {
			h.sendError(conn, ErrInvalidMessage, "withUser is required", "")
			return
		}
		h.join(ctx, conn, rooms.Direct(data.WithUser))

	case models.EventJoinGroup:
		var data models.JoinGroupData
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.GroupID == "" {
			h.sendError(conn, ErrInvalidMessage, "groupId is required", "")
			return
		}
		h.join(ctx, conn, rooms.Group(data.GroupID))

	case models.EventLeaveRoom:
		var data models.LeaveRoomData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			h.sendError(conn, ErrInvalidMessage, "malformed leaveRoom", "")
			return
		}
		if data.GroupID != "" {
			h.hub.Leave(rooms.GroupRoom(data.GroupID), conn)
		} else if data.WithUser != "" {
			h.hub.Leave(rooms.DirectRoom(self, data.WithUser), conn)
		}

	case models.EventMessage:
		var out models.OutboundMessage
		if err := json.Unmarshal(frame.Data, &out); err != nil {
			h.sendError(conn, ErrInvalidMessage, "malformed message", "")
			return
		}
		if _, err := h.relay.Send(ctx, self, out); err != nil {
			log.Warn().Err(err).Str("from", self).Str("to", out.To).Str("client_id", out.ClientID).Msg("send rejected")
			h.sendError(conn, err, err.Error(), out.ClientID)
		}

	default:
		h.sendError(conn, ErrInvalidMessage, "unknown event "+frame.Type, "")
	}
}

// join loads the conversation history first so that group membership is
// checked before the peer is subscribed. Membership is checked again once
// subscribed: a removal that ran in between found nothing to evict.
func (h *Handler) join(ctx context.Context, conn *Connection, conv rooms.Conversation) {
	self := conn.Username()
	history, err := h.relay.History(ctx, self, conv, HistoryLimit)
	if err != nil {
		h.sendError(conn, err, err.Error(), "")
		return
	}

	room := conv.Room(self)
	if err := h.subscribe(ctx, conn, conv); err != nil {
		log.Info().Err(err).Str("username", self).Str("room", room).Msg("membership lost while joining")
		h.sendError(conn, err, err.Error(), "")
		return
	}

	data := models.JoinedData{Room: room, History: history}
	if conv.IsGroup() {
		data.GroupID = conv.GroupID()
	} else {
		data.With = conv.Peer()
	}
	payload, err := models.EncodeFrame(models.EventJoined, data)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("failed to encode joined frame")
		return
	}
	_ = conn.Send(payload)
}

// subscribe joins peer to the room of conv and undoes it when the user is no
// longer allowed in.
func (h *Handler) subscribe(ctx context.Context, peer Peer, conv rooms.Conversation) error {
	room := conv.Room(peer.Username())
	h.hub.Join(room, peer)
	if !conv.IsGroup() {
		return nil
	}
	if err := h.relay.Authorize(ctx, peer.Username(), conv); err != nil {
		h.hub.Leave(room, peer)
		return err
	}
	return nil
}

func (h *Handler) sendError(conn *Connection, err error, text, clientID string) {
	payload, encErr := models.EncodeFrame(models.EventError, models.ErrorData{
		Code:     ErrorCode(err),
		Error:    text,
		ClientID: clientID,
	})
	if encErr != nil {
		return
	}
	_ = conn.Send(payload)
}

func publishWSEvent(ctx context.Context, info ConnInfo, event, reason string) {
	envelope := info.lifecycleEvent(event, reason, time.Now())
	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	if err := observability.PublishEvent(ctx, wsRoutingKey, envelope, headers); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("failed to publish websocket event")
	}
}
