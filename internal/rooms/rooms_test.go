package rooms

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chat-relay/internal/models"
)

func TestDirectRoomIsOrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"bob", "alice"},
		{"Zed", "amy"},
		{"user_1", "user.2"},
		{"same", "same"},
	}
	for _, p := range pairs {
		assert.Equal(t, DirectRoom(p[0], p[1]), DirectRoom(p[1], p[0]), "pair %v", p)
	}
	assert.Equal(t, "alice:bob", DirectRoom("bob", "alice"))
}

func TestGroupRoomIsIdentity(t *testing.T) {
	assert.Equal(t, "42", GroupRoom("42"))
}

func TestValidUsernameRejectsSeparator(t *testing.T) {
	assert.True(t, ValidUsername("alice"))
	assert.False(t, ValidUsername("al:ice"))
	assert.False(t, ValidUsername("ab"))
	assert.False(t, ValidUsername(""))
}

func TestConversationOf(t *testing.T) {
	inbound := models.Message{From: "bob", To: "alice"}
	outbound := models.Message{From: "alice", To: "bob"}
	group := models.Message{From: "bob", To: "7", IsGroup: true}

	assert.Equal(t, Direct("bob"), ConversationOf(inbound, "alice"))
	assert.Equal(t, Direct("bob"), ConversationOf(outbound, "alice"))
	assert.Equal(t, Group("7"), ConversationOf(group, "alice"))

	assert.Equal(t, "alice:bob", ConversationOf(inbound, "alice").Room("alice"))
	assert.Equal(t, RoomOf(inbound), RoomOf(outbound))
	assert.Equal(t, "7", RoomOf(group))
}
