package ws

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"chat-relay/internal/blob"
	"chat-relay/internal/models"
	"chat-relay/internal/observability"
	"chat-relay/internal/repositories"
	"chat-relay/internal/rooms"
)

var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrUpstreamFailure = errors.New("upstream failure")
)

const roomStripes = 64

// AvatarSource resolves a user's avatar, usually through a cache.
type AvatarSource interface {
	Avatar(ctx context.Context, username string) (string, error)
}

// Relay validates, persists and broadcasts messages. Persistence and
// broadcast for one room run under that room's stripe lock, so broadcast
// order within a room equals processing order.
type Relay struct {
	hub      *Hub
	messages repositories.MessageRepository
	groups   repositories.GroupRepository
	users    repositories.UserRepository
	avatars  AvatarSource
	blobs    blob.Store

	stripes [roomStripes]sync.Mutex

	clockMu sync.Mutex
	last    time.Time
	now     func() time.Time
}

// NewRelay builds a Relay. avatars and blobs may be nil.
func NewRelay(hub *Hub, messages repositories.MessageRepository, groups repositories.GroupRepository, users repositories.UserRepository, avatars AvatarSource, blobs blob.Store) *Relay {
	return &Relay{
		hub:      hub,
		messages: messages,
		groups:   groups,
		users:    users,
		avatars:  avatars,
		blobs:    blobs,
		now:      time.Now,
	}
}

// Send relays out on behalf of sender and returns the persisted message as
// broadcast to its room.
func (r *Relay) Send(ctx context.Context, sender string, out models.OutboundMessage) (models.Message, error) {
	ctx, span := otel.Tracer("chat-relay/ws").Start(ctx, "relay.send")
	defer span.End()

	to := strings.TrimSpace(out.To)
	hasAttachment := out.Attachment != nil && out.Attachment.Name != ""
	if to == "" || (out.Text == "" && !hasAttachment) {
		return r.reject(ErrInvalidMessage)
	}

	var (
		room       string
		recipients []string
	)
	if out.IsGroup {
		group, err := r.groups.GetGroup(ctx, to)
		if errors.Is(err, repositories.ErrGroupNotFound) {
			return r.reject(ErrNotFound)
		}
		if err != nil {
			return r.reject(fmt.Errorf("%w: load group: %v", ErrUpstreamFailure, err))
		}
		if !group.HasMember(sender) {
			return r.reject(ErrForbidden)
		}
		room = rooms.GroupRoom(group.ID)
		recipients = group.Members
	} else {
		if !rooms.ValidUsername(to) {
			return r.reject(ErrInvalidMessage)
		}
		if _, err := r.users.GetUser(ctx, to); err != nil {
			if errors.Is(err, repositories.ErrUserNotFound) {
				return r.reject(ErrNotFound)
			}
			return r.reject(fmt.Errorf("%w: load recipient: %v", ErrUpstreamFailure, err))
		}
		room = rooms.DirectRoom(sender, to)
		recipients = []string{sender, to}
	}
	span.SetAttributes(attribute.String("chat.room", room), attribute.Bool("chat.group", out.IsGroup))

	msg := models.Message{
		From:    sender,
		To:      to,
		IsGroup: out.IsGroup,
		Text:    out.Text,
	}
	if hasAttachment {
		msg.Attachment = &models.Attachment{
			Name:         out.Attachment.Name,
			MimeType:     out.Attachment.MimeType,
			Size:         out.Attachment.Size,
			OriginalName: out.Attachment.OriginalName,
		}
	}

	var referent *models.Message
	if out.ReplyTo != "" {
		found, err := r.messages.GetMessage(ctx, out.ReplyTo)
		switch {
		case err != nil:
			log.Debug().Err(err).Str("reply_to", out.ReplyTo).Msg("reply target not resolved, storing without reply")
		case rooms.RoomOf(found) != room:
			log.Debug().Str("reply_to", out.ReplyTo).Str("room", room).Msg("reply target belongs to another room, storing without reply")
		default:
			referent = &found
			msg.ReplyTo = &models.ReplyRef{ID: found.ID}
		}
	}

	lock := r.stripe(room)
	lock.Lock()
	defer lock.Unlock()

	msg.Timestamp = r.timestamp()
	saved, err := r.messages.CreateMessage(ctx, msg)
	if err != nil {
		log.Error().Err(err).Str("from", sender).Str("room", room).Msg("failed to persist message")
		return r.reject(fmt.Errorf("%w: persist message: %v", ErrUpstreamFailure, err))
	}
	saved.ClientID = out.ClientID
	if referent != nil {
		saved.ReplyTo = &models.ReplyRef{ID: referent.ID, Preview: referent.Preview()}
	}
	r.decorate(ctx, &saved)

	payload, err := models.EncodeFrame(models.EventMessage, saved)
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: encode message: %v", ErrUpstreamFailure, err)
	}
	delivered := r.hub.Deliver(room, recipients, payload)
	observability.IncMessageRelayed(saved.IsGroup)
	log.Debug().Str("id", saved.ID).Str("room", room).Int("delivered", delivered).Msg("message relayed")
	return saved, nil
}

// Delete soft-deletes a message sent by sender and announces it to its room.
func (r *Relay) Delete(ctx context.Context, sender, messageID string) (models.Message, error) {
	msg, err := r.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: load message: %v", ErrUpstreamFailure, err)
	}
	if msg.From != sender {
		return models.Message{}, ErrForbidden
	}
	if msg.Deleted {
		return msg, nil
	}

	room := rooms.RoomOf(msg)
	lock := r.stripe(room)
	lock.Lock()
	defer lock.Unlock()

	if err := r.messages.SoftDeleteMessage(ctx, messageID, sender); err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("%w: delete message: %v", ErrUpstreamFailure, err)
	}
	msg.Scrub()

	payload, err := models.EncodeFrame(models.EventMessageDeleted, models.MessageDeletedData{ID: msg.ID, Room: room})
	if err == nil {
		r.hub.Deliver(room, r.participants(ctx, msg), payload)
	}
	return msg, nil
}

// participants lists the users a message of msg's conversation is delivered to.
func (r *Relay) participants(ctx context.Context, msg models.Message) []string {
	if !msg.IsGroup {
		return []string{msg.From, msg.To}
	}
	group, err := r.groups.GetGroup(ctx, msg.To)
	if err != nil {
		log.Debug().Err(err).Str("group_id", msg.To).Msg("group not loaded, delivering to room only")
		return nil
	}
	return group.Members
}

// History returns up to limit messages of conv as seen by self, oldest first,
// with reply previews expanded and attachment URLs issued.
func (r *Relay) History(ctx context.Context, self string, conv rooms.Conversation, limit int) ([]models.Message, error) {
	var (
		msgs []models.Message
		err  error
	)
	switch {
	case conv.IsZero():
		return nil, ErrInvalidMessage
	case conv.IsGroup():
		group, gerr := r.member(ctx, self, conv.GroupID())
		if gerr != nil {
			return nil, gerr
		}
		msgs, err = r.messages.ListGroupMessages(ctx, group.ID, limit)
	default:
		if !rooms.ValidUsername(conv.Peer()) {
			return nil, ErrInvalidMessage
		}
		msgs, err = r.messages.ListDirectMessages(ctx, self, conv.Peer(), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", ErrUpstreamFailure, err)
	}
	return r.Expand(ctx, msgs), nil
}

// Authorize reports whether self may subscribe to conv. Direct conversations
// only need a well-formed peer name.
func (r *Relay) Authorize(ctx context.Context, self string, conv rooms.Conversation) error {
	switch {
	case conv.IsZero():
		return ErrInvalidMessage
	case conv.IsGroup():
		_, err := r.member(ctx, self, conv.GroupID())
		return err
	case !rooms.ValidUsername(conv.Peer()):
		return ErrInvalidMessage
	default:
		return nil
	}
}

func (r *Relay) member(ctx context.Context, self, groupID string) (models.Group, error) {
	group, err := r.groups.GetGroup(ctx, groupID)
	if errors.Is(err, repositories.ErrGroupNotFound) {
		return models.Group{}, ErrNotFound
	}
	if err != nil {
		return models.Group{}, fmt.Errorf("%w: load group: %v", ErrUpstreamFailure, err)
	}
	if !group.HasMember(self) {
		return models.Group{}, ErrForbidden
	}
	return group, nil
}

// Expand resolves reply previews in one batch lookup and decorates every message.
// Unresolved replies keep their bare id. A referent from another room never
// yields a preview.
func (r *Relay) Expand(ctx context.Context, msgs []models.Message) []models.Message {
	known := make(map[string]models.Message, len(msgs))
	for _, m := range msgs {
		known[m.ID] = m
	}

	var missing []string
	for _, m := range msgs {
		if id := m.ReplyID(); id != "" {
			if _, ok := known[id]; !ok {
				missing = append(missing, id)
			}
		}
	}
	if len(missing) > 0 {
		found, err := r.messages.GetMessages(ctx, missing)
		if err != nil {
			log.Warn().Err(err).Int("count", len(missing)).Msg("failed to load reply targets")
		}
		for _, m := range found {
			known[m.ID] = m
		}
	}

	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		if id := m.ReplyID(); id != "" {
			if ref, ok := known[id]; ok && rooms.RoomOf(ref) == rooms.RoomOf(m) {
				m.ReplyTo = &models.ReplyRef{ID: id, Preview: ref.Preview()}
			}
		}
		r.decorate(ctx, &m)
		out[i] = m
	}
	return out
}

func (r *Relay) decorate(ctx context.Context, m *models.Message) {
	if r.avatars != nil {
		avatar, err := r.avatars.Avatar(ctx, m.From)
		if err != nil {
			log.Debug().Err(err).Str("username", m.From).Msg("avatar lookup failed")
		}
		m.SenderAvatar = avatar
	}
	if r.blobs == nil {
		return
	}
	if m.Attachment != nil {
		a := *m.Attachment
		blob.Sign(ctx, r.blobs, &a)
		m.Attachment = &a
	}
	if m.ReplyTo != nil && m.ReplyTo.Preview != nil && m.ReplyTo.Preview.Attachment != nil {
		p := *m.ReplyTo.Preview
		a := *p.Attachment
		blob.Sign(ctx, r.blobs, &a)
		p.Attachment = &a
		m.ReplyTo = &models.ReplyRef{ID: m.ReplyTo.ID, Preview: &p}
	}
}

// timestamp returns the server clock at millisecond resolution, strictly
// increasing across calls.
func (r *Relay) timestamp() time.Time {
	r.clockMu.Lock()
	defer r.clockMu.Unlock()

	t := r.now().UTC().Truncate(time.Millisecond)
	if !t.After(r.last) {
		t = r.last.Add(time.Millisecond)
	}
	r.last = t
	return t
}

func (r *Relay) stripe(room string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(room))
	return &r.stripes[h.Sum32()%roomStripes]
}

func (r *Relay) reject(err error) (models.Message, error) {
	observability.IncRelayRejected(ErrorCode(err))
	return models.Message{}, err
}

// ErrorCode maps relay errors to the codes carried by error frames.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUpstreamFailure):
		return "upstream_failure"
	default:
		return "internal"
	}
}
