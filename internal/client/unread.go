package client

import (
	"sync"

	"chat-relay/internal/models"
	"chat-relay/internal/rooms"
)

// Notifier is told about every message that raised an unread counter.
type Notifier interface {
	Notify(conv rooms.Conversation, msg models.Message)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(conv rooms.Conversation, msg models.Message)

func (f NotifierFunc) Notify(conv rooms.Conversation, msg models.Message) { f(conv, msg) }

// Unread counts messages per conversation that arrived while another one was open.
// Callers feed it only messages Store.Receive reported as new.
type Unread struct {
	mu       sync.Mutex
	self     string
	open     rooms.Conversation
	counts   map[rooms.Conversation]int
	notifier Notifier
}

// NewUnread creates a tracker for self. notifier may be nil.
func NewUnread(self string, notifier Notifier) *Unread {
	return &Unread{self: self, counts: map[rooms.Conversation]int{}, notifier: notifier}
}

// Observe records msg under conv and reports whether the counter moved.
func (u *Unread) Observe(conv rooms.Conversation, msg models.Message) bool {
	u.mu.Lock()
	if msg.From == u.self || conv == u.open {
		u.mu.Unlock()
		return false
	}
	u.counts[conv]++
	notifier := u.notifier
	u.mu.Unlock()

	if notifier != nil {
		notifier.Notify(conv, msg)
	}
	return true
}

// Open makes conv the visible conversation and clears its counter.
func (u *Unread) Open(conv rooms.Conversation) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.open = conv
	delete(u.counts, conv)
}

// Current returns the open conversation.
func (u *Unread) Current() rooms.Conversation {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.open
}

// Count returns the unread counter of conv.
func (u *Unread) Count(conv rooms.Conversation) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[conv]
}

// Snapshot returns a copy of all non-zero counters.
func (u *Unread) Snapshot() map[rooms.Conversation]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[rooms.Conversation]int, len(u.counts))
	for k, v := range u.counts {
		out[k] = v
	}
	return out
}

// Total sums every counter.
func (u *Unread) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	total := 0
	for _, v := range u.counts {
		total += v
	}
	return total
}
