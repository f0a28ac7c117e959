package client

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-relay/internal/models"
	"chat-relay/internal/rooms"
)

// DefaultAckTimeout is how long a send may stay pending before it is marked failed.
const DefaultAckTimeout = 10 * time.Second

var (
	ErrUnknownSend = errors.New("client: unknown correlation id")
	ErrNotFailed   = errors.New("client: send has not failed")
)

// Status tracks a locally composed message through acknowledgement.
type Status int

const (
	Pending Status = iota
	Confirmed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one message of a conversation timeline.
type Entry struct {
	Message models.Message
	Status  Status
	SentAt  time.Time
}

// Timeline is the ordered view of one conversation.
type Timeline struct {
	entries    []Entry
	byClientID map[string]int
	byID       map[string]int
}

func newTimeline() *Timeline {
	return &Timeline{byClientID: map[string]int{}, byID: map[string]int{}}
}

func (t *Timeline) append(e Entry) int {
	t.entries = append(t.entries, e)
	idx := len(t.entries) - 1
	t.index(idx)
	return idx
}

func (t *Timeline) index(idx int) {
	e := t.entries[idx]
	if e.Message.ClientID != "" {
		t.byClientID[e.Message.ClientID] = idx
	}
	if e.Message.ID != "" {
		t.byID[e.Message.ID] = idx
	}
}

// unconfirmed finds the oldest pending or failed local entry carrying the
// same content as msg and sent no earlier than skew before it.
func (t *Timeline) unconfirmed(msg models.Message, skew time.Duration) (int, bool) {
	for i, e := range t.entries {
		if e.Status == Confirmed || e.Message.ID != "" {
			continue
		}
		if msg.Timestamp.Before(e.SentAt.Add(-skew)) {
			continue
		}
		if e.Message.Text == msg.Text && e.Message.ReplyID() == msg.ReplyID() && attachmentName(e.Message) == attachmentName(msg) {
			return i, true
		}
	}
	return 0, false
}

func attachmentName(m models.Message) string {
	if m.Attachment == nil {
		return ""
	}
	return m.Attachment.Name
}

func (t *Timeline) reindex() {
	t.byClientID = make(map[string]int, len(t.entries))
	t.byID = make(map[string]int, len(t.entries))
	for i := range t.entries {
		t.index(i)
	}
}

// Store keeps every conversation timeline of the signed-in user and reconciles
// optimistic sends with server echoes.
type Store struct {
	mu         sync.Mutex
	self       string
	timelines  map[rooms.Conversation]*Timeline
	pending    map[string]rooms.Conversation
	located    map[string]rooms.Conversation
	ackTimeout time.Duration
	now        func() time.Time
	newID      func() string
}

// NewStore creates an empty store for self. A non-positive ackTimeout uses DefaultAckTimeout.
func NewStore(self string, ackTimeout time.Duration) *Store {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Store{
		self:       self,
		timelines:  map[rooms.Conversation]*Timeline{},
		pending:    map[string]rooms.Conversation{},
		located:    map[string]rooms.Conversation{},
		ackTimeout: ackTimeout,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Self returns the username the store belongs to.
func (s *Store) Self() string { return s.self }

func (s *Store) timeline(conv rooms.Conversation) *Timeline {
	t, ok := s.timelines[conv]
	if !ok {
		t = newTimeline()
		s.timelines[conv] = t
	}
	return t
}

// Compose appends a pending entry and returns the frame payload to transmit.
func (s *Store) Compose(conv rooms.Conversation, text, replyTo string, attachment *models.Attachment) models.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := models.OutboundMessage{
		To:         conv.Target(),
		Text:       text,
		ReplyTo:    replyTo,
		IsGroup:    conv.IsGroup(),
		ClientID:   s.newID(),
		Attachment: attachment,
	}
	now := s.now()
	msg := models.Message{
		From:       s.self,
		To:         out.To,
		IsGroup:    out.IsGroup,
		Text:       text,
		Attachment: attachment,
		Timestamp:  now,
		ClientID:   out.ClientID,
	}
	if replyTo != "" {
		msg.ReplyTo = &models.ReplyRef{ID: replyTo}
	}
	s.timeline(conv).append(Entry{Message: msg, Status: Pending, SentAt: now})
	s.pending[out.ClientID] = conv
	return out
}

// Receive applies a server message and reports whether it was not seen before.
// An echo of a local send replaces its pending entry.
func (s *Store) Receive(msg models.Message) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcile(rooms.ConversationOf(msg, s.self), msg)
}

func (s *Store) reconcile(conv rooms.Conversation, msg models.Message) (Entry, bool) {
	t := s.timeline(conv)

	if msg.ClientID != "" {
		if idx, ok := t.byClientID[msg.ClientID]; ok {
			sentAt := t.entries[idx].SentAt
			delete(s.pending, msg.ClientID)
			t.entries[idx] = Entry{Message: msg, Status: Confirmed, SentAt: sentAt}
			t.index(idx)
			s.located[msg.ID] = conv
			return t.entries[idx], false
		}
	}
	if idx, ok := t.byID[msg.ID]; ok {
		if msg.ClientID == "" {
			msg.ClientID = t.entries[idx].Message.ClientID
		}
		t.entries[idx].Message = msg
		t.entries[idx].Status = Confirmed
		return t.entries[idx], false
	}
	// a history page carries no clientId, so an echo lost to a reconnect
	// still has to settle the local send it confirms
	if msg.ClientID == "" && msg.From == s.self {
		if idx, ok := t.unconfirmed(msg, s.ackTimeout); ok {
			e := &t.entries[idx]
			delete(s.pending, e.Message.ClientID)
			msg.ClientID = e.Message.ClientID
			e.Message = msg
			e.Status = Confirmed
			t.index(idx)
			s.located[msg.ID] = conv
			return *e, false
		}
	}

	idx := t.append(Entry{Message: msg, Status: Confirmed})
	s.located[msg.ID] = conv
	return t.entries[idx], true
}

// LoadHistory merges a history page into conv and returns the genuinely new messages.
func (s *Store) LoadHistory(conv rooms.Conversation, msgs []models.Message) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh []models.Message
	for _, msg := range msgs {
		if _, isNew := s.reconcile(conv, msg); isNew {
			fresh = append(fresh, msg)
		}
	}

	t := s.timeline(conv)
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].Message.Timestamp.Before(t.entries[j].Message.Timestamp)
	})
	t.reindex()
	return fresh
}

// ExpirePending marks sends older than the ack timeout as failed and returns them.
func (s *Store) ExpirePending(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Entry
	for clientID, conv := range s.pending {
		t := s.timeline(conv)
		idx, ok := t.byClientID[clientID]
		if !ok {
			delete(s.pending, clientID)
			continue
		}
		e := &t.entries[idx]
		if e.Status == Pending && now.Sub(e.SentAt) >= s.ackTimeout {
			e.Status = Failed
			delete(s.pending, clientID)
			expired = append(expired, *e)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].SentAt.Before(expired[j].SentAt) })
	return expired
}

// Fail marks a pending send as failed, e.g. on a server error frame.
func (s *Store) Fail(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.pending[clientID]
	if !ok {
		return false
	}
	delete(s.pending, clientID)
	t := s.timeline(conv)
	idx, ok := t.byClientID[clientID]
	if !ok || t.entries[idx].Status != Pending {
		return false
	}
	t.entries[idx].Status = Failed
	return true
}

// Retry moves a failed send to the end of its timeline under a fresh
// correlation id and returns the frame payload to transmit again.
func (s *Store) Retry(clientID string) (models.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conv, t := range s.timelines {
		idx, ok := t.byClientID[clientID]
		if !ok {
			continue
		}
		e := t.entries[idx]
		if e.Status != Failed {
			return models.OutboundMessage{}, ErrNotFailed
		}
		t.entries = append(t.entries[:idx], t.entries[idx+1:]...)

		now := s.now()
		e.Message.ClientID = s.newID()
		e.Message.Timestamp = now
		e.Status = Pending
		e.SentAt = now
		t.entries = append(t.entries, e)
		t.reindex()
		s.pending[e.Message.ClientID] = conv

		return models.OutboundMessage{
			To:         e.Message.To,
			Text:       e.Message.Text,
			ReplyTo:    e.Message.ReplyID(),
			IsGroup:    e.Message.IsGroup,
			ClientID:   e.Message.ClientID,
			Attachment: e.Message.Attachment,
		}, nil
	}
	return models.OutboundMessage{}, ErrUnknownSend
}

// MarkDeleted applies a message_deleted event. Replies quoting the message lose
// their preview payload too.
func (s *Store) MarkDeleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.located[id]
	if !ok {
		return false
	}
	t := s.timeline(conv)
	idx, ok := t.byID[id]
	if !ok {
		return false
	}
	t.entries[idx].Message.Scrub()
	for i := range t.entries {
		ref := t.entries[i].Message.ReplyTo
		if ref != nil && ref.ID == id && ref.Preview != nil {
			preview := *ref.Preview
			preview.Deleted = true
			preview.Text = ""
			preview.Attachment = nil
			t.entries[i].Message.ReplyTo = &models.ReplyRef{ID: id, Preview: &preview}
		}
	}
	return true
}

// Messages returns a copy of the timeline of conv.
func (s *Store) Messages(conv rooms.Conversation) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timelines[conv]
	if !ok {
		return nil
	}
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Conversations lists every conversation with at least one entry, most recent first.
func (s *Store) Conversations() []rooms.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	type recent struct {
		conv rooms.Conversation
		last time.Time
	}
	var list []recent
	for conv, t := range s.timelines {
		if len(t.entries) == 0 {
			continue
		}
		list = append(list, recent{conv: conv, last: t.entries[len(t.entries)-1].Message.Timestamp})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].last.Equal(list[j].last) {
			return list[i].conv.String() < list[j].conv.String()
		}
		return list[i].last.After(list[j].last)
	})
	out := make([]rooms.Conversation, len(list))
	for i, r := range list {
		out[i] = r.conv
	}
	return out
}
