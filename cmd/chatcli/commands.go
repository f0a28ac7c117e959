package main

import (
	"errors"
	"strconv"
	"strings"

	"chat-relay/internal/rooms"
)

type commandKind int

const (
	cmdSend commandKind = iota
	cmdOpen
	cmdReply
	cmdRetry
	cmdDelete
	cmdUsers
	cmdGroups
	cmdQuit
)

type command struct {
	kind  commandKind
	conv  rooms.Conversation
	index int
	text  string
}

var errUsage = errors.New("commands: /open @user|#group, /reply N text, /retry, /delete N, /users, /groups, /quit")

// parseCommand interprets one line of input. Plain text is a send.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errUsage
	}
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdSend, text: line}, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/open":
		switch {
		case strings.HasPrefix(rest, "@") && rooms.ValidUsername(rest[1:]):
			return command{kind: cmdOpen, conv: rooms.Direct(rest[1:])}, nil
		case strings.HasPrefix(rest, "#") && len(rest) > 1:
			return command{kind: cmdOpen, conv: rooms.Group(rest[1:])}, nil
		}
	case "/reply":
		num, text, _ := strings.Cut(rest, " ")
		n, err := strconv.Atoi(num)
		if err == nil && n > 0 && strings.TrimSpace(text) != "" {
			return command{kind: cmdReply, index: n, text: strings.TrimSpace(text)}, nil
		}
	case "/retry":
		return command{kind: cmdRetry}, nil
	case "/delete":
		n, err := strconv.Atoi(rest)
		if err == nil && n > 0 {
			return command{kind: cmdDelete, index: n}, nil
		}
	case "/users":
		return command{kind: cmdUsers}, nil
	case "/groups":
		return command{kind: cmdGroups}, nil
	case "/quit", "/q":
		return command{kind: cmdQuit}, nil
	}
	return command{}, errUsage
}
