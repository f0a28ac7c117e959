package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/rooms"
)

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand("  hello there ")
	require.NoError(t, err)
	assert.Equal(t, command{kind: cmdSend, text: "hello there"}, cmd)

	cmd, err = parseCommand("/open @bob")
	require.NoError(t, err)
	assert.Equal(t, rooms.Direct("bob"), cmd.conv)

	cmd, err = parseCommand("/open #g42")
	require.NoError(t, err)
	assert.Equal(t, rooms.Group("g42"), cmd.conv)

	cmd, err = parseCommand("/reply 3 sure")
	require.NoError(t, err)
	assert.Equal(t, command{kind: cmdReply, index: 3, text: "sure"}, cmd)

	cmd, err = parseCommand("/delete 2")
	require.NoError(t, err)
	assert.Equal(t, cmdDelete, cmd.kind)
	assert.Equal(t, 2, cmd.index)
}

func TestParseCommandRejectsMalformed(t *testing.T) {
	for _, line := range []string{"", "/open bob", "/open #", "/reply x hi", "/reply 2", "/delete", "/frobnicate"} {
		_, err := parseCommand(line)
		assert.ErrorIs(t, err, errUsage, line)
	}
}
