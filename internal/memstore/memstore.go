// Package memstore is a process-local implementation of the repositories,
// used for development runs (STORE_DRIVER=memory) and tests.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
)

// Store keeps users, groups and messages in memory.
type Store struct {
	mu       sync.RWMutex
	users    map[string]models.User
	contacts map[string]map[string]struct{}
	groups   map[string]models.Group
	messages []models.Message
	byID     map[string]int
	seq      int64
	now      func() time.Time
}

var (
	_ repositories.UserRepository    = (*Store)(nil)
	_ repositories.GroupRepository   = (*Store)(nil)
	_ repositories.MessageRepository = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:    map[string]models.User{},
		contacts: map[string]map[string]struct{}{},
		groups:   map[string]models.Group{},
		byID:     map[string]int{},
		now:      time.Now,
	}
}

func (s *Store) nextID() string {
	s.seq++
	return strconv.FormatInt(s.seq, 10)
}

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return models.User{}, repositories.ErrUserExists
	}
	user := models.User{Username: username, PasswordHash: passwordHash, CreatedAt: s.now().UTC()}
	s.users[username] = user
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, username string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[username]
	if !ok {
		return models.User{}, repositories.ErrUserNotFound
	}
	return user, nil
}

func (s *Store) ListUsers(ctx context.Context, exclude string) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := []models.User{}
	for name, user := range s.users {
		if name != exclude {
			users = append(users, user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateAvatar(ctx context.Context, username, avatar string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return repositories.ErrUserNotFound
	}
	user.Avatar = avatar
	s.users[username] = user
	return nil
}

func (s *Store) TouchLastSeen(ctx context.Context, username string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return repositories.ErrUserNotFound
	}
	user.LastSeen = &at
	s.users[username] = user
	return nil
}

func (s *Store) AddContact(ctx context.Context, owner, contact string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[owner]; !ok {
		return repositories.ErrUserNotFound
	}
	if _, ok := s.users[contact]; !ok {
		return repositories.ErrUserNotFound
	}
	if s.contacts[owner] == nil {
		s.contacts[owner] = map[string]struct{}{}
	}
	s.contacts[owner][contact] = struct{}{}
	return nil
}

func (s *Store) RemoveContact(ctx context.Context, owner, contact string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[owner][contact]; !ok {
		return repositories.ErrUserNotFound
	}
	delete(s.contacts[owner], contact)
	return nil
}

func (s *Store) ListContacts(ctx context.Context, owner string) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := []models.User{}
	for name := range s.contacts[owner] {
		users = append(users, s.users[name])
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) CreateGroup(ctx context.Context, creator, name, avatar string, members []string) (models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := repositories.MemberSet(creator, members)
	for _, m := range set {
		if _, ok := s.users[m]; !ok {
			return models.Group{}, repositories.ErrUserNotFound
		}
	}
	group := models.Group{
		ID:        s.nextID(),
		Name:      name,
		Creator:   creator,
		Members:   set,
		Avatar:    avatar,
		CreatedAt: s.now().UTC(),
	}
	s.groups[group.ID] = group
	return copyGroup(group), nil
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[groupID]
	if !ok {
		return models.Group{}, repositories.ErrGroupNotFound
	}
	return copyGroup(group), nil
}

func (s *Store) ListGroupsForUser(ctx context.Context, username string) ([]models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := []models.Group{}
	for _, g := range s.groups {
		if g.HasMember(username) {
			groups = append(groups, copyGroup(g))
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].CreatedAt.After(groups[j].CreatedAt) })
	return groups, nil
}

func (s *Store) IsMember(ctx context.Context, groupID string, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups[groupID].HasMember(username), nil
}

func (s *Store) AddMember(ctx context.Context, groupID string, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return repositories.ErrGroupNotFound
	}
	if _, ok := s.users[username]; !ok {
		return repositories.ErrUserNotFound
	}
	group.Members = repositories.MemberSet(group.Creator, append(group.Members, username))
	s.groups[groupID] = group
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, groupID string, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return repositories.ErrGroupNotFound
	}
	members := make([]string, 0, len(group.Members))
	for _, m := range group.Members {
		if m != username {
			members = append(members, m)
		}
	}
	if len(members) == len(group.Members) {
		return repositories.ErrUserNotFound
	}
	group.Members = members
	s.groups[groupID] = group
	return nil
}

func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return repositories.ErrGroupNotFound
	}
	delete(s.groups, groupID)
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = s.nextID()
	msg.ClientID = ""
	msg.SenderAvatar = ""
	if msg.ReplyTo != nil {
		msg.ReplyTo = &models.ReplyRef{ID: msg.ReplyTo.ID}
	}
	if msg.Attachment != nil {
		a := *msg.Attachment
		a.URL, a.URLExpiresAt = "", nil
		msg.Attachment = &a
	}
	s.byID[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return s.messages[idx], nil
}

func (s *Store) GetMessages(ctx context.Context, messageIDs []string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := []models.Message{}
	for _, id := range messageIDs {
		if idx, ok := s.byID[id]; ok {
			msgs = append(msgs, s.messages[idx])
		}
	}
	return msgs, nil
}

func (s *Store) ListDirectMessages(ctx context.Context, userA, userB string, limit int) ([]models.Message, error) {
	return s.list(limit, func(m models.Message) bool { return isPair(m, userA, userB) }), nil
}

func (s *Store) ListGroupMessages(ctx context.Context, groupID string, limit int) ([]models.Message, error) {
	return s.list(limit, func(m models.Message) bool { return m.IsGroup && m.To == groupID }), nil
}

func (s *Store) ClearDirectMessages(ctx context.Context, userA, userB string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	var removed int64
	for _, m := range s.messages {
		if isPair(m, userA, userB) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	s.byID = make(map[string]int, len(kept))
	for i, m := range kept {
		s.byID[m.ID] = i
	}
	return removed, nil
}

func (s *Store) SoftDeleteMessage(ctx context.Context, messageID string, sender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[messageID]
	if !ok || s.messages[idx].From != sender {
		return repositories.ErrMessageNotFound
	}
	s.messages[idx].Scrub()
	return nil
}

// list returns the last limit matching messages in insertion order, which is
// timestamp order because the relay assigns increasing timestamps.
func (s *Store) list(limit int, match func(models.Message) bool) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Message{}
	for _, m := range s.messages {
		if match(m) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func isPair(m models.Message, a, b string) bool {
	return !m.IsGroup && ((m.From == a && m.To == b) || (m.From == b && m.To == a))
}

func copyGroup(g models.Group) models.Group {
	g.Members = append([]string(nil), g.Members...)
	return g
}
