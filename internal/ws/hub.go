package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chat-relay/internal/models"
	"chat-relay/internal/observability"
)

// Peer is a connected socket as seen by the hub. Send must not block.
type Peer interface {
	Username() string
	Send(payload []byte) error
}

// LastSeenRecorder persists the time a user was last connected.
type LastSeenRecorder interface {
	TouchLastSeen(ctx context.Context, username string, at time.Time) error
}

// Hub owns presence and room membership. Every mutation runs under one mutex.
// Peer.Send never blocks, so fan-out under the lock only enqueues.
type Hub struct {
	mu       sync.Mutex
	peers    map[Peer]struct{}
	presence map[string]Peer
	rooms    map[string]map[Peer]struct{}
	joined   map[Peer]map[string]struct{}

	lastSeen LastSeenRecorder
	now      func() time.Time
}

// NewHub creates an empty hub. lastSeen may be nil.
func NewHub(lastSeen LastSeenRecorder) *Hub {
	return &Hub{
		peers:    make(map[Peer]struct{}),
		presence: make(map[string]Peer),
		rooms:    make(map[string]map[Peer]struct{}),
		joined:   make(map[Peer]map[string]struct{}),
		lastSeen: lastSeen,
		now:      time.Now,
	}
}

// Connect registers peer as the current handle of its user. A previous handle
// loses presence but stays open and keeps its rooms until it disconnects.
func (h *Hub) Connect(peer Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.peers[peer] = struct{}{}
	if _, ok := h.joined[peer]; !ok {
		h.joined[peer] = make(map[string]struct{})
	}
	if prev, ok := h.presence[peer.Username()]; ok && prev != peer {
		log.Info().Str("username", peer.Username()).Msg("presence handle superseded")
	}
	h.presence[peer.Username()] = peer
	h.broadcastPresenceLocked()
}

// Disconnect drops peer from every room and, if it is still the current handle
// of its user, from presence. Last-seen is recorded for the user in that case.
func (h *Hub) Disconnect(ctx context.Context, peer Peer) {
	h.mu.Lock()
	if _, ok := h.peers[peer]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, peer)
	for room := range h.joined[peer] {
		h.removeLocked(room, peer)
	}
	delete(h.joined, peer)

	username := peer.Username()
	current := h.presence[username] == peer
	if current {
		delete(h.presence, username)
	}
	h.broadcastPresenceLocked()
	h.mu.Unlock()

	if current && h.lastSeen != nil {
		if err := h.lastSeen.TouchLastSeen(ctx, username, h.now().UTC()); err != nil {
			log.Warn().Err(err).Str("username", username).Msg("failed to record last seen")
		}
	}
}

// Snapshot returns the sorted usernames currently present.
func (h *Hub) Snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// Online reports whether username has a current handle.
func (h *Hub) Online(username string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.presence[username]
	return ok
}

// Join subscribes peer to room. Joining twice is a no-op.
func (h *Hub) Join(room string, peer Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[Peer]struct{})
		h.rooms[room] = members
	}
	members[peer] = struct{}{}
	if _, ok := h.joined[peer]; !ok {
		h.joined[peer] = make(map[string]struct{})
	}
	h.joined[peer][room] = struct{}{}
}

// Leave unsubscribes peer from room.
func (h *Hub) Leave(room string, peer Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(room, peer)
}

// EvictUser unsubscribes every handle of username from room.
func (h *Hub) EvictUser(room, username string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	evicted := 0
	for peer := range h.rooms[room] {
		if peer.Username() == username {
			h.removeLocked(room, peer)
			evicted++
		}
	}
	return evicted
}

// CloseRoom unsubscribes everyone from room.
func (h *Hub) CloseRoom(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for peer := range h.rooms[room] {
		h.removeLocked(room, peer)
	}
}

// Members returns the sorted distinct usernames subscribed to room.
func (h *Hub) Members(room string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := map[string]struct{}{}
	names := make([]string, 0, len(h.rooms[room]))
	for peer := range h.rooms[room] {
		if _, ok := seen[peer.Username()]; ok {
			continue
		}
		seen[peer.Username()] = struct{}{}
		names = append(names, peer.Username())
	}
	sort.Strings(names)
	return names
}

// Broadcast enqueues payload to every peer in room and returns how many accepted it.
func (h *Hub) Broadcast(room string, payload []byte) int {
	return h.Deliver(room, nil, payload)
}

// Deliver enqueues payload to every peer in room and to the current handle of
// each recipient that has not joined it, so a conversation that is not open
// still reaches its participants. It returns how many peers accepted it.
func (h *Hub) Deliver(room string, recipients []string, payload []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	members := h.rooms[room]
	reached := make(map[Peer]struct{}, len(members)+len(recipients))
	for peer := range members {
		reached[peer] = struct{}{}
		if err := peer.Send(payload); err != nil {
			log.Debug().Err(err).Str("room", room).Str("username", peer.Username()).Msg("delivery skipped peer")
			continue
		}
		delivered++
	}
	for _, username := range recipients {
		peer, ok := h.presence[username]
		if !ok {
			continue
		}
		if _, done := reached[peer]; done {
			continue
		}
		reached[peer] = struct{}{}
		if err := peer.Send(payload); err != nil {
			log.Debug().Err(err).Str("room", room).Str("username", username).Msg("delivery skipped user")
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) removeLocked(room string, peer Peer) {
	if members, ok := h.rooms[room]; ok {
		delete(members, peer)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.joined[peer]; ok {
		delete(rooms, room)
	}
}

func (h *Hub) snapshotLocked() []string {
	users := make([]string, 0, len(h.presence))
	for username := range h.presence {
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}

func (h *Hub) broadcastPresenceLocked() {
	users := h.snapshotLocked()
	observability.SetOnlineUsers(len(users))

	payload, err := models.EncodeFrame(models.EventOnlineUsers, models.OnlineUsersData{Users: users})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode presence snapshot")
		return
	}
	for peer := range h.peers {
		_ = peer.Send(payload)
	}
}
