package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/mocks"
	"chat-relay/internal/models"
)

type fakePeer struct {
	name   string
	mu     sync.Mutex
	frames []models.Frame
	fail   bool
}

func newPeer(name string) *fakePeer {
	return &fakePeer{name: name}
}

func (p *fakePeer) Username() string { return p.name }

func (p *fakePeer) Send(payload []byte) error {
	if p.fail {
		return errors.New("closed")
	}
	var frame models.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}
	p.mu.Lock()
	p.frames = append(p.frames, frame)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) ofType(eventType string) []models.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Frame
	for _, f := range p.frames {
		if f.Type == eventType {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePeer) messages(t *testing.T) []models.Message {
	t.Helper()
	var out []models.Message
	for _, f := range p.ofType(models.EventMessage) {
		var msg models.Message
		require.NoError(t, json.Unmarshal(f.Data, &msg))
		out = append(out, msg)
	}
	return out
}

func (p *fakePeer) lastPresence(t *testing.T) []string {
	t.Helper()
	frames := p.ofType(models.EventOnlineUsers)
	require.NotEmpty(t, frames)
	var data models.OnlineUsersData
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Data, &data))
	return data.Users
}

func TestHubConnectBroadcastsSnapshot(t *testing.T) {
	hub := NewHub(nil)
	alice, bob := newPeer("alice"), newPeer("bob")

	hub.Connect(alice)
	assert.Equal(t, []string{"alice"}, alice.lastPresence(t))

	hub.Connect(bob)
	assert.Equal(t, []string{"alice", "bob"}, alice.lastPresence(t))
	assert.Equal(t, []string{"alice", "bob"}, bob.lastPresence(t))
	assert.Equal(t, []string{"alice", "bob"}, hub.Snapshot())
}

func TestHubDisconnectRecordsLastSeen(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	users.On("TouchLastSeen", mock.Anything, "bob", mock.AnythingOfType("time.Time")).Return(nil).Once()

	hub := NewHub(users)
	alice, bob := newPeer("alice"), newPeer("bob")
	hub.Connect(alice)
	hub.Connect(bob)
	hub.Join("alice:bob", bob)

	hub.Disconnect(context.Background(), bob)

	assert.Equal(t, []string{"alice"}, alice.lastPresence(t))
	assert.Empty(t, hub.Members("alice:bob"))
	users.AssertExpectations(t)
}

func TestHubSupersededHandleKeepsPresence(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	hub := NewHub(users)
	first, second := newPeer("alice"), newPeer("alice")

	hub.Connect(first)
	hub.Connect(second)
	hub.Join("room", first)

	// the stale handle going away must not drop the live one
	hub.Disconnect(context.Background(), first)
	assert.True(t, hub.Online("alice"))
	assert.Equal(t, []string{"alice"}, hub.Snapshot())
	users.AssertNotCalled(t, "TouchLastSeen", mock.Anything, mock.Anything, mock.Anything)

	payload, err := models.EncodeFrame(models.EventMessage, models.Message{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Deliver("alice:bob", []string{"alice"}, payload))
	assert.Len(t, second.ofType(models.EventMessage), 1)
	assert.Empty(t, first.ofType(models.EventMessage))
}

func TestHubBroadcastIsScopedToRoom(t *testing.T) {
	hub := NewHub(nil)
	alice, bob, carol := newPeer("alice"), newPeer("bob"), newPeer("carol")
	for _, p := range []*fakePeer{alice, bob, carol} {
		hub.Connect(p)
	}
	hub.Join("alice:bob", alice)
	hub.Join("alice:bob", bob)
	hub.Join("alice:bob", bob)
	hub.Join("g1", carol)

	payload, err := models.EncodeFrame(models.EventMessage, models.Message{ID: "7", From: "alice", To: "bob"})
	require.NoError(t, err)

	assert.Equal(t, 2, hub.Broadcast("alice:bob", payload))
	assert.Len(t, alice.messages(t), 1)
	assert.Len(t, bob.messages(t), 1)
	assert.Empty(t, carol.messages(t))
}

func TestHubBroadcastSkipsFailingPeer(t *testing.T) {
	hub := NewHub(nil)
	alice, bob := newPeer("alice"), newPeer("bob")
	bob.fail = true
	hub.Join("alice:bob", alice)
	hub.Join("alice:bob", bob)

	payload, err := models.EncodeFrame(models.EventMessage, models.Message{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Broadcast("alice:bob", payload))
}

func TestHubEvictAndCloseRoom(t *testing.T) {
	hub := NewHub(nil)
	alice, bob, bobPhone := newPeer("alice"), newPeer("bob"), newPeer("bob")
	hub.Join("g1", alice)
	hub.Join("g1", bob)
	hub.Join("g1", bobPhone)

	assert.Equal(t, 2, hub.EvictUser("g1", "bob"))
	assert.Equal(t, []string{"alice"}, hub.Members("g1"))

	hub.CloseRoom("g1")
	assert.Empty(t, hub.Members("g1"))

	hub.Leave("g1", alice)
	assert.Empty(t, hub.Members("g1"))
}

func TestHubDisconnectUnknownPeerIsNoop(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	hub := NewHub(users)
	hub.now = func() time.Time { return time.Unix(0, 0) }

	hub.Disconnect(context.Background(), newPeer("ghost"))
	users.AssertNotCalled(t, "TouchLastSeen", mock.Anything, mock.Anything, mock.Anything)
}

func TestHubDeliverReachesRecipientsOutsideRoom(t *testing.T) {
	hub := NewHub(nil)
	alice, bob, carol := newPeer("alice"), newPeer("bob"), newPeer("carol")
	for _, p := range []*fakePeer{alice, bob, carol} {
		hub.Connect(p)
	}
	hub.Join("alice:bob", alice)
	hub.Join("bob:carol", bob)

	payload, err := models.EncodeFrame(models.EventMessage, models.Message{ID: "3", From: "alice", To: "bob"})
	require.NoError(t, err)

	// alice is both in the room and a recipient: one copy only
	assert.Equal(t, 2, hub.Deliver("alice:bob", []string{"alice", "bob"}, payload))
	assert.Len(t, alice.messages(t), 1)
	assert.Len(t, bob.messages(t), 1)
	assert.Empty(t, carol.messages(t))
}
