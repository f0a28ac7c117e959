package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chat-relay/internal/models"
	"chat-relay/internal/payload"
	"chat-relay/internal/rooms"
)

const (
	writeWait      = 10 * time.Second
	expireInterval = time.Second
	eventBuffer    = 256
)

var (
	ErrNotSignedIn  = errors.New("client: not signed in")
	ErrNotConnected = errors.New("client: not connected")
)

// EventKind tells the UI what changed.
type EventKind int

const (
	EventOnline EventKind = iota
	EventMessage
	EventHistory
	EventDeleted
	EventFailed
	EventServerError
	EventConnected
	EventDisconnected
)

// Event is emitted on Session.Events for every change the UI should render.
type Event struct {
	Kind         EventKind
	Conversation rooms.Conversation
	Entry        Entry
	Online       []string
	MessageID    string
	Err          *models.ErrorData
}

// Config configures a Session.
type Config struct {
	BaseURL    string
	Cipher     *payload.Cipher
	AckTimeout time.Duration
	HTTPClient *http.Client
	Notifier   Notifier
}

// Session is a signed-in chat client: HTTP calls plus one websocket with
// automatic reconnect.
type Session struct {
	baseURL    string
	cipher     *payload.Cipher
	ackTimeout time.Duration
	http       *http.Client
	notifier   Notifier
	dialer     *websocket.Dialer

	store  *Store
	unread *Unread
	events chan Event

	mu     sync.Mutex
	token  string
	self   string
	conn   *websocket.Conn
	online []string
	cancel context.CancelFunc

	writeMu sync.Mutex
}

// NewSession creates a session against the server at cfg.BaseURL.
func NewSession(cfg Config) *Session {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Session{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		cipher:     cfg.Cipher,
		ackTimeout: cfg.AckTimeout,
		http:       httpClient,
		notifier:   cfg.Notifier,
		dialer:     websocket.DefaultDialer,
		events:     make(chan Event, eventBuffer),
	}
}

// Events streams changes. It is never closed.
func (s *Session) Events() <-chan Event { return s.events }

// Store returns the timelines of the signed-in user.
func (s *Session) Store() *Store { return s.store }

// Unread returns the unread tracker of the signed-in user.
func (s *Session) Unread() *Unread { return s.unread }

// Token returns the bearer token, empty before sign in.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Self returns the signed-in username.
func (s *Session) Self() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Online returns the last presence snapshot.
func (s *Session) Online() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.online...)
}

// Decrypt renders a stored payload for display.
func (s *Session) Decrypt(text string) (string, error) {
	if s.cipher == nil {
		return text, nil
	}
	return s.cipher.Decrypt(text)
}

// Connect dials the websocket and keeps it alive until ctx ends or Close is called.
func (s *Session) Connect(ctx context.Context) error {
	if s.Token() == "" {
		return ErrNotSignedIn
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx, conn)
	go s.expireLoop(ctx)
	s.emit(ctx, Event{Kind: EventConnected})
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": {s.Token()}}.Encode()

	conn, _, err := s.dialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

func (s *Session) run(ctx context.Context, conn *websocket.Conn) {
	for {
		s.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		s.emit(ctx, Event{Kind: EventDisconnected})

		next, err := s.reconnect(ctx)
		if err != nil {
			return
		}
		conn = next
		s.emit(ctx, Event{Kind: EventConnected})
		if open := s.unread.Current(); !open.IsZero() {
			if err := s.join(open); err != nil {
				log.Warn().Err(err).Str("conversation", open.String()).Msg("rejoin failed")
			}
		}
	}
}

func (s *Session) reconnect(ctx context.Context) (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		c, err := s.dial(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("reconnect attempt failed")
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	s.conn = conn
	return conn, nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Msg("malformed frame")
			continue
		}
		s.handleFrame(ctx, frame)
	}
}

func (s *Session) handleFrame(ctx context.Context, frame models.Frame) {
	switch frame.Type {
	case models.EventOnlineUsers:
		var data models.OnlineUsersData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return
		}
		s.mu.Lock()
		s.online = data.Users
		s.mu.Unlock()
		s.emit(ctx, Event{Kind: EventOnline, Online: data.Users})

	case models.EventMessage:
		var msg models.Message
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			return
		}
		entry, isNew := s.store.Receive(msg)
		conv := rooms.ConversationOf(msg, s.store.Self())
		if isNew {
			s.unread.Observe(conv, msg)
		}
		s.emit(ctx, Event{Kind: EventMessage, Conversation: conv, Entry: entry})

	case models.EventJoined:
		var data models.JoinedData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return
		}
		conv := rooms.Direct(data.With)
		if data.GroupID != "" {
			conv = rooms.Group(data.GroupID)
		}
		s.store.LoadHistory(conv, data.History)
		s.emit(ctx, Event{Kind: EventHistory, Conversation: conv})

	case models.EventMessageDeleted:
		var data models.MessageDeletedData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return
		}
		s.store.MarkDeleted(data.ID)
		s.emit(ctx, Event{Kind: EventDeleted, MessageID: data.ID})

	case models.EventError:
		var data models.ErrorData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return
		}
		if data.ClientID != "" {
			s.store.Fail(data.ClientID)
		}
		s.emit(ctx, Event{Kind: EventServerError, Err: &data})
	}
}

func (s *Session) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(expireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, e := range s.store.ExpirePending(now) {
				s.emit(ctx, Event{Kind: EventFailed, Conversation: rooms.ConversationOf(e.Message, s.store.Self()), Entry: e})
			}
		}
	}
}

func (s *Session) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Session) writeFrame(eventType string, data any) error {
	raw, err := models.EncodeFrame(eventType, data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *Session) join(conv rooms.Conversation) error {
	if conv.IsGroup() {
		return s.writeFrame(models.EventJoinGroup, models.JoinGroupData{GroupID: conv.GroupID()})
	}
	return s.writeFrame(models.EventJoinRoom, models.JoinRoomData{WithUser: conv.Peer()})
}

// Open makes conv the visible conversation: its unread counter resets and the
// server sends its recent history.
func (s *Session) Open(conv rooms.Conversation) error {
	prev := s.unread.Current()
	s.unread.Open(conv)
	if !prev.IsZero() && prev != conv {
		leave := models.LeaveRoomData{WithUser: prev.Peer(), GroupID: prev.GroupID()}
		if err := s.writeFrame(models.EventLeaveRoom, leave); err != nil {
			return err
		}
	}
	return s.join(conv)
}

// Send composes a message optimistically and transmits it. The returned
// correlation id identifies the pending entry.
func (s *Session) Send(conv rooms.Conversation, text, replyTo string, attachment *models.Attachment) (string, error) {
	if s.cipher != nil && text != "" {
		sealed, err := s.cipher.Encrypt(text)
		if err != nil {
			return "", err
		}
		text = sealed
	}
	out := s.store.Compose(conv, text, replyTo, attachment)
	if err := s.writeFrame(models.EventMessage, out); err != nil {
		s.store.Fail(out.ClientID)
		return out.ClientID, err
	}
	return out.ClientID, nil
}

// Retry re-sends a failed message and returns its new correlation id.
func (s *Session) Retry(clientID string) (string, error) {
	out, err := s.store.Retry(clientID)
	if err != nil {
		return "", err
	}
	if err := s.writeFrame(models.EventMessage, out); err != nil {
		s.store.Fail(out.ClientID)
		return out.ClientID, err
	}
	return out.ClientID, nil
}

// Close stops reconnecting and closes the websocket.
func (s *Session) Close() error {
	s.mu.Lock()
	conn, cancel := s.conn, s.cancel
	s.conn, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	s.writeMu.Unlock()
	return conn.Close()
}
