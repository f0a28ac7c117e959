// Package rooms derives canonical broadcast room names for conversations.
package rooms

import (
	"regexp"
	"sort"
	"strings"

	"chat-relay/internal/models"
)

// Separator joins the two participants of a direct room. It is not a valid
// username character, so direct rooms never collide with each other or with
// group ids.
const Separator = ":"

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

// ValidUsername reports whether s may be used as an identity.
func ValidUsername(s string) bool {
	return usernamePattern.MatchString(s)
}

// DirectRoom returns the room shared by a and b regardless of argument order.
func DirectRoom(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, Separator)
}

// GroupRoom returns the room of a group, which is its id.
func GroupRoom(groupID string) string {
	return groupID
}

// Conversation is either a direct chat with a peer or a group chat.
type Conversation struct {
	peer    string
	groupID string
}

// Direct returns the conversation with username.
func Direct(username string) Conversation {
	return Conversation{peer: username}
}

// Group returns the conversation of a group.
func Group(groupID string) Conversation {
	return Conversation{groupID: groupID}
}

// IsGroup reports whether c is a group chat.
func (c Conversation) IsGroup() bool { return c.groupID != "" }

// Peer is the other participant of a direct chat.
func (c Conversation) Peer() string { return c.peer }

// GroupID is the id of a group chat.
func (c Conversation) GroupID() string { return c.groupID }

// IsZero reports whether c names no conversation.
func (c Conversation) IsZero() bool { return c.peer == "" && c.groupID == "" }

// Target is the recipient key used on the wire: the peer or the group id.
func (c Conversation) Target() string {
	if c.IsGroup() {
		return c.groupID
	}
	return c.peer
}

// Room returns the canonical room name as seen by self.
func (c Conversation) Room(self string) string {
	if c.IsGroup() {
		return GroupRoom(c.groupID)
	}
	return DirectRoom(self, c.peer)
}

func (c Conversation) String() string {
	if c.IsGroup() {
		return "group:" + c.groupID
	}
	return "direct:" + c.peer
}

// ConversationOf derives the conversation a message belongs to from self's view.
func ConversationOf(msg models.Message, self string) Conversation {
	if msg.IsGroup {
		return Group(msg.To)
	}
	if msg.From == self {
		return Direct(msg.To)
	}
	return Direct(msg.From)
}

// RoomOf returns the room a persisted message is broadcast to.
func RoomOf(msg models.Message) string {
	if msg.IsGroup {
		return GroupRoom(msg.To)
	}
	return DirectRoom(msg.From, msg.To)
}
