package models

import "encoding/json"

// Socket frame types.
const (
	EventJoinRoom       = "joinRoom"
	EventJoinGroup      = "joinGroup"
	EventLeaveRoom      = "leaveRoom"
	EventMessage        = "message"
	EventOnlineUsers    = "online_users"
	EventJoined         = "joined"
	EventMessageDeleted = "message_deleted"
	EventError          = "error"
)

// Frame is the envelope exchanged over websocket connections in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals data into a typed frame.
func EncodeFrame(eventType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: eventType, Data: raw})
}

// JoinRoomData asks to join the direct room shared with WithUser.
type JoinRoomData struct {
	WithUser string `json:"withUser"`
}

// JoinGroupData asks to join a group room.
type JoinGroupData struct {
	GroupID string `json:"groupId"`
}

// LeaveRoomData names either a direct peer or a group to leave.
type LeaveRoomData struct {
	WithUser string `json:"withUser,omitempty"`
	GroupID  string `json:"groupId,omitempty"`
}

// OutboundMessage is a send request emitted by a client.
type OutboundMessage struct {
	To         string      `json:"to"`
	Text       string      `json:"text"`
	ReplyTo    string      `json:"replyTo,omitempty"`
	IsGroup    bool        `json:"isGroup"`
	ClientID   string      `json:"clientId"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// OnlineUsersData is the full presence snapshot.
type OnlineUsersData struct {
	Users []string `json:"users"`
}

// JoinedData acknowledges a join and carries the recent history of the room.
type JoinedData struct {
	Room    string    `json:"room"`
	With    string    `json:"with,omitempty"`
	GroupID string    `json:"groupId,omitempty"`
	History []Message `json:"history"`
}

// MessageDeletedData announces a soft delete.
type MessageDeletedData struct {
	ID   string `json:"id"`
	Room string `json:"room"`
}

// ErrorData reports a refused client frame.
type ErrorData struct {
	Code     string `json:"code"`
	Error    string `json:"error"`
	ClientID string `json:"clientId,omitempty"`
}
