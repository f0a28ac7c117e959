package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chat-relay/internal/client"
	"chat-relay/internal/models"
	"chat-relay/internal/rooms"
)

const requestTimeout = 10 * time.Second

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	sideStyle    = lipgloss.NewStyle().Width(26).PaddingRight(2).BorderStyle(lipgloss.NormalBorder()).BorderRight(true)
	activeStyle  = lipgloss.NewStyle().Bold(true)
	unreadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	replyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	selfStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	partnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("111"))
)

type eventMsg client.Event

type statusMsg string

type model struct {
	ctx     context.Context
	session *client.Session
	input   textinput.Model
	status  string
	width   int
	height  int
}

func newModel(ctx context.Context, session *client.Session) model {
	input := textinput.New()
	input.Placeholder = "/open @user or #group, then type a message"
	input.CharLimit = 2000
	input.Focus()
	return model{ctx: ctx, session: session, input: input}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForEvent())
}

func (m model) waitForEvent() tea.Cmd {
	events := m.session.Events()
	return func() tea.Msg {
		select {
		case ev := <-events:
			return eventMsg(ev)
		case <-m.ctx.Done():
			return tea.Quit()
		}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = msg.Width - 4
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := m.input.Value()
			m.input.Reset()
			return m.run(line)
		}

	case eventMsg:
		if text := describe(client.Event(msg), m.session.Unread().Current()); text != "" {
			m.status = text
		}
		return m, m.waitForEvent()

	case statusMsg:
		m.status = string(msg)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) run(line string) (tea.Model, tea.Cmd) {
	cmd, err := parseCommand(line)
	if err != nil {
		m.status = err.Error()
		return m, nil
	}
	current := m.session.Unread().Current()
	if current.IsZero() && (cmd.kind == cmdSend || cmd.kind == cmdReply || cmd.kind == cmdDelete || cmd.kind == cmdRetry) {
		m.status = "open a conversation first"
		return m, nil
	}

	switch cmd.kind {
	case cmdQuit:
		return m, tea.Quit

	case cmdOpen:
		if err := m.session.Open(cmd.conv); err != nil {
			m.status = "open failed: " + err.Error()
		}
		return m, nil

	case cmdSend:
		if _, err := m.session.Send(current, cmd.text, "", nil); err != nil {
			m.status = "send failed: " + err.Error()
		}
		return m, nil

	case cmdReply:
		target, ok := m.entryAt(current, cmd.index)
		if !ok || target.Message.ID == "" {
			m.status = "no confirmed message with that number"
			return m, nil
		}
		if _, err := m.session.Send(current, cmd.text, target.Message.ID, nil); err != nil {
			m.status = "send failed: " + err.Error()
		}
		return m, nil

	case cmdRetry:
		clientID := lastFailed(m.session.Store().Messages(current))
		if clientID == "" {
			m.status = "nothing to retry"
			return m, nil
		}
		if _, err := m.session.Retry(clientID); err != nil {
			m.status = "retry failed: " + err.Error()
		}
		return m, nil

	case cmdDelete:
		target, ok := m.entryAt(current, cmd.index)
		if !ok || target.Message.ID == "" {
			m.status = "no confirmed message with that number"
			return m, nil
		}
		return m, m.request(func(ctx context.Context) string {
			if err := m.session.Delete(ctx, target.Message.ID); err != nil {
				return "delete failed: " + err.Error()
			}
			return "deleted"
		})

	case cmdUsers:
		return m, m.request(func(ctx context.Context) string {
			users, err := m.session.ListUsers(ctx)
			if err != nil {
				return "users: " + err.Error()
			}
			names := make([]string, 0, len(users))
			for _, u := range users {
				mark := ""
				if u.Online {
					mark = "*"
				}
				names = append(names, "@"+u.Username+mark)
			}
			return "users: " + strings.Join(names, " ")
		})

	case cmdGroups:
		return m, m.request(func(ctx context.Context) string {
			groups, err := m.session.ListGroups(ctx)
			if err != nil {
				return "groups: " + err.Error()
			}
			names := make([]string, 0, len(groups))
			for _, g := range groups {
				names = append(names, fmt.Sprintf("#%s (%s)", g.ID, g.Name))
			}
			return "groups: " + strings.Join(names, " ")
		})
	}
	return m, nil
}

func (m model) request(fn func(ctx context.Context) string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		return statusMsg(fn(ctx))
	}
}

func (m model) entryAt(conv rooms.Conversation, index int) (client.Entry, bool) {
	entries := m.session.Store().Messages(conv)
	if index < 1 || index > len(entries) {
		return client.Entry{}, false
	}
	return entries[index-1], true
}

func lastFailed(entries []client.Entry) string {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Status == client.Failed {
			return entries[i].Message.ClientID
		}
	}
	return ""
}

func describe(ev client.Event, current rooms.Conversation) string {
	switch ev.Kind {
	case client.EventConnected:
		return "connected"
	case client.EventDisconnected:
		return "connection lost, reconnecting"
	case client.EventFailed:
		return "a message failed to send, /retry to resend"
	case client.EventServerError:
		return "server: " + ev.Err.Error
	case client.EventHistory:
		if ev.Conversation == current {
			return "opened " + label(current)
		}
	}
	return ""
}

func label(conv rooms.Conversation) string {
	if conv.IsGroup() {
		return "#" + conv.GroupID()
	}
	return "@" + conv.Peer()
}

func (m model) View() string {
	self := m.session.Self()
	current := m.session.Unread().Current()

	header := headerStyle.Render(fmt.Sprintf("%s  |  %d online", self, len(m.session.Online())))
	body := lipgloss.JoinHorizontal(lipgloss.Top, m.sidebar(current), m.timeline(self, current))
	status := statusStyle.Render(m.status)

	return lipgloss.JoinVertical(lipgloss.Left, header, "", body, "", status, m.input.View())
}

func (m model) sidebar(current rooms.Conversation) string {
	var b strings.Builder
	b.WriteString(dimStyle.Render("conversations") + "\n")

	convs := m.session.Store().Conversations()
	if !current.IsZero() && !containsConv(convs, current) {
		convs = append([]rooms.Conversation{current}, convs...)
	}
	unread := m.session.Unread()
	for _, conv := range convs {
		line := label(conv)
		if conv == current {
			line = activeStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		if n := unread.Count(conv); n > 0 {
			line += " " + unreadStyle.Render(fmt.Sprintf("(%d)", n))
		}
		b.WriteString(line + "\n")
	}
	return sideStyle.Render(b.String())
}

func containsConv(list []rooms.Conversation, conv rooms.Conversation) bool {
	for _, c := range list {
		if c == conv {
			return true
		}
	}
	return false
}

func (m model) timeline(self string, current rooms.Conversation) string {
	if current.IsZero() {
		return dimStyle.Render("  no conversation open")
	}

	entries := m.session.Store().Messages(current)
	msgs := make([]models.Message, len(entries))
	for i, e := range entries {
		msgs[i] = e.Message
	}
	resolved := client.ResolveReplies(msgs, m.session.Decrypt)

	limit := m.height - 8
	start := 0
	if limit > 0 && len(resolved) > limit {
		start = len(resolved) - limit
	}

	var b strings.Builder
	for i := start; i < len(resolved); i++ {
		r := resolved[i]
		if r.Reply != nil {
			b.WriteString(replyStyle.Render(fmt.Sprintf("     | %s: %s", r.Reply.From, r.Reply.Text)) + "\n")
		}
		sender := partnerStyle.Render(r.Message.From)
		if r.Message.From == self {
			sender = selfStyle.Render(r.Message.From)
		}
		line := fmt.Sprintf("%3d %s %s: %s", i+1, dimStyle.Render(r.Message.Timestamp.Local().Format("15:04")), sender, r.Text)
		switch entries[i].Status {
		case client.Pending:
			line += dimStyle.Render(" (sending)")
		case client.Failed:
			line += failedStyle.Render(" (failed to send)")
		}
		b.WriteString("  " + line + "\n")
	}
	return b.String()
}
