package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/memstore"
	"chat-relay/internal/mocks"
	"chat-relay/internal/models"
	"chat-relay/internal/rooms"
)

func newTestRelay(t *testing.T, users ...string) (*Relay, *Hub, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	for _, u := range users {
		_, err := store.CreateUser(context.Background(), u, "hash")
		require.NoError(t, err)
	}
	hub := NewHub(store)
	return NewRelay(hub, store, store, store, nil, nil), hub, store
}

func TestRelaySendEchoesToRoom(t *testing.T) {
	relay, hub, _ := newTestRelay(t, "alice", "bob", "carol")
	alice, bob, carol := newPeer("alice"), newPeer("bob"), newPeer("carol")
	hub.Join(rooms.DirectRoom("alice", "bob"), alice)
	hub.Join(rooms.DirectRoom("bob", "alice"), bob)
	hub.Join(rooms.DirectRoom("alice", "carol"), carol)

	sent, err := relay.Send(context.Background(), "alice", models.OutboundMessage{To: "bob", Text: "hi", ClientID: "c1"})
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	assert.False(t, sent.Timestamp.IsZero())

	for _, p := range []*fakePeer{alice, bob} {
		got := p.messages(t)
		require.Len(t, got, 1)
		assert.Equal(t, "c1", got[0].ClientID)
		assert.Equal(t, "alice", got[0].From)
		assert.Equal(t, "bob", got[0].To)
		assert.Equal(t, "hi", got[0].Text)
	}
	assert.Empty(t, carol.messages(t))
}

func TestRelayOfflineRecipientGetsHistoryOnJoin(t *testing.T) {
	relay, hub, _ := newTestRelay(t, "alice", "bob")
	alice := newPeer("alice")
	hub.Connect(alice)
	hub.Join(rooms.DirectRoom("alice", "bob"), alice)

	_, err := relay.Send(context.Background(), "alice", models.OutboundMessage{To: "bob", Text: "hi", ClientID: "c1"})
	require.NoError(t, err)
	require.Len(t, alice.messages(t), 1)

	bob := newPeer("bob")
	hub.Connect(bob)
	history, err := relay.History(context.Background(), "bob", rooms.Direct("alice"), HistoryLimit)
	require.NoError(t, err)
	hub.Join(rooms.DirectRoom("bob", "alice"), bob)

	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Text)
	assert.Equal(t, "alice", history[0].From)
}

func TestRelayRejectsInvalidMessages(t *testing.T) {
	relay, hub, store := newTestRelay(t, "alice", "bob")
	bob := newPeer("bob")
	hub.Join(rooms.DirectRoom("alice", "bob"), bob)

	cases := []struct {
		name string
		out  models.OutboundMessage
		want error
	}{
		{"missing recipient", models.OutboundMessage{Text: "hi"}, ErrInvalidMessage},
		{"empty payload", models.OutboundMessage{To: "bob"}, ErrInvalidMessage},
		{"attachment without name", models.OutboundMessage{To: "bob", Attachment: &models.Attachment{}}, ErrInvalidMessage},
		{"malformed recipient", models.OutboundMessage{To: "a:b", Text: "hi"}, ErrInvalidMessage},
		{"unknown recipient", models.OutboundMessage{To: "nobody", Text: "hi"}, ErrNotFound},
		{"unknown group", models.OutboundMessage{To: "404", Text: "hi", IsGroup: true}, ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := relay.Send(context.Background(), "alice", tc.out)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	assert.Empty(t, bob.messages(t))
	history, err := store.ListDirectMessages(context.Background(), "alice", "bob", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRelayAttachmentOnlyMessage(t *testing.T) {
	relay, _, _ := newTestRelay(t, "alice", "bob")

	sent, err := relay.Send(context.Background(), "alice", models.OutboundMessage{
		To:         "bob",
		Attachment: &models.Attachment{Name: "x.png", MimeType: "image/png", Size: 3, URL: "http://stale"},
	})
	require.NoError(t, err)
	require.NotNil(t, sent.Attachment)
	assert.Equal(t, "x.png", sent.Attachment.Name)
	assert.Empty(t, sent.Attachment.URL)
}

func TestRelayGroupRequiresMembership(t *testing.T) {
	relay, hub, store := newTestRelay(t, "alice", "bob", "mallory")
	group, err := store.CreateGroup(context.Background(), "alice", "team", "", []string{"bob"})
	require.NoError(t, err)

	bob := newPeer("bob")
	hub.Join(rooms.GroupRoom(group.ID), bob)

	_, err = relay.Send(context.Background(), "mallory", models.OutboundMessage{To: group.ID, IsGroup: true, Text: "hi"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = relay.Send(context.Background(), "alice", models.OutboundMessage{To: group.ID, IsGroup: true, Text: "welcome"})
	require.NoError(t, err)
	require.Len(t, bob.messages(t), 1)
	assert.True(t, bob.messages(t)[0].IsGroup)

	_, err = relay.History(context.Background(), "mallory", rooms.Group(group.ID), 10)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRelayStorageFailureAbortsBroadcast(t *testing.T) {
	store := memstore.New()
	for _, u := range []string{"alice", "bob"} {
		_, err := store.CreateUser(context.Background(), u, "hash")
		require.NoError(t, err)
	}
	messages := new(mocks.MessageRepositoryMock)
	messages.On("CreateMessage", mock.Anything, mock.AnythingOfType("models.Message")).Return(nil, errors.New("db down"))

	hub := NewHub(nil)
	relay := NewRelay(hub, messages, store, store, nil, nil)
	bob := newPeer("bob")
	hub.Join(rooms.DirectRoom("alice", "bob"), bob)

	_, err := relay.Send(context.Background(), "alice", models.OutboundMessage{To: "bob", Text: "hi", ClientID: "c1"})
	assert.ErrorIs(t, err, ErrUpstreamFailure)
	assert.Equal(t, "upstream_failure", ErrorCode(err))
	assert.Empty(t, bob.messages(t))
	messages.AssertExpectations(t)
}

func TestRelayReplyIsLenient(t *testing.T) {
	relay, _, _ := newTestRelay(t, "alice", "bob")
	ctx := context.Background()

	first, err := relay.Send(ctx, "alice", models.OutboundMessage{To: "bob", Text: "question"})
	require.NoError(t, err)

	reply, err := relay.Send(ctx, "bob", models.OutboundMessage{To: "alice", Text: "answer", ReplyTo: first.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	require.NotNil(t, reply.ReplyTo.Preview)
	assert.Equal(t, "question", reply.ReplyTo.Preview.Text)
	assert.Equal(t, "alice", reply.ReplyTo.Preview.From)

	orphan, err := relay.Send(ctx, "bob", models.OutboundMessage{To: "alice", Text: "huh", ReplyTo: "999"})
	require.NoError(t, err)
	assert.Nil(t, orphan.ReplyTo)
}

func TestRelayReplyToAnotherRoomIsDropped(t *testing.T) {
	relay, hub, _ := newTestRelay(t, "alice", "bob", "carol", "dave")
	ctx := context.Background()
	dave := newPeer("dave")
	hub.Connect(dave)

	private, err := relay.Send(ctx, "alice", models.OutboundMessage{To: "bob", Text: "between us"})
	require.NoError(t, err)

	sent, err := relay.Send(ctx, "carol", models.OutboundMessage{To: "dave", Text: "what did alice say?", ReplyTo: private.ID})
	require.NoError(t, err)
	assert.Nil(t, sent.ReplyTo)

	got := dave.messages(t)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].ReplyTo)

	history, err := relay.History(ctx, "dave", rooms.Direct("carol"), 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].ReplyTo)
}

func TestRelayExpandIgnoresReferentFromAnotherRoom(t *testing.T) {
	relay, _, store := newTestRelay(t, "alice", "bob", "carol")
	ctx := context.Background()

	private, err := relay.Send(ctx, "alice", models.OutboundMessage{To: "bob", Text: "between us"})
	require.NoError(t, err)
	// a row written before replies were room checked
	_, err = store.CreateMessage(ctx, models.Message{From: "carol", To: "alice", Text: "re", ReplyTo: &models.ReplyRef{ID: private.ID}, Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	history, err := relay.History(ctx, "alice", rooms.Direct("carol"), 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ReplyTo)
	assert.Nil(t, history[0].ReplyTo.Preview)
}

func TestRelayReachesRecipientWithoutOpenRoom(t *testing.T) {
	relay, hub, store := newTestRelay(t, "alice", "bob", "carol")
	ctx := context.Background()
	group, err := store.CreateGroup(ctx, "alice", "team", "", []string{"bob"})
	require.NoError(t, err)

	bob, carol := newPeer("bob"), newPeer("carol")
	hub.Connect(bob)
	hub.Connect(carol)
	hub.Join(rooms.DirectRoom("bob", "carol"), bob)

	_, err = relay.Send(ctx, "alice", models.OutboundMessage{To: "bob", Text: "direct"})
	require.NoError(t, err)
	_, err = relay.Send(ctx, "alice", models.OutboundMessage{To: group.ID, IsGroup: true, Text: "group"})
	require.NoError(t, err)

	got := bob.messages(t)
	require.Len(t, got, 2)
	assert.Equal(t, "direct", got[0].Text)
	assert.Equal(t, "group", got[1].Text)
	assert.Empty(t, carol.messages(t))
}

func TestRelayTimestampsStrictlyIncrease(t *testing.T) {
	relay, _, _ := newTestRelay(t, "alice", "bob")
	frozen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	relay.now = func() time.Time { return frozen }

	var prev time.Time
	for i := 0; i < 5; i++ {
		msg, err := relay.Send(context.Background(), "alice", models.OutboundMessage{To: "bob", Text: "x"})
		require.NoError(t, err)
		assert.True(t, msg.Timestamp.After(prev))
		prev = msg.Timestamp
	}
}

func TestRelayPreservesPerRoomOrder(t *testing.T) {
	relay, hub, store := newTestRelay(t, "alice", "bob")
	bob := newPeer("bob")
	hub.Join(rooms.DirectRoom("alice", "bob"), bob)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := relay.Send(context.Background(), "alice", models.OutboundMessage{To: "bob", Text: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got := bob.messages(t)
	stored, err := store.ListDirectMessages(context.Background(), "alice", "bob", 0)
	require.NoError(t, err)
	require.Len(t, got, len(stored))
	for i := range got {
		assert.Equal(t, stored[i].ID, got[i].ID)
		if i > 0 {
			assert.True(t, got[i].Timestamp.After(got[i-1].Timestamp))
		}
	}
}

func TestRelayDeleteIsSenderOnly(t *testing.T) {
	relay, hub, _ := newTestRelay(t, "alice", "bob")
	ctx := context.Background()
	bob := newPeer("bob")
	hub.Join(rooms.DirectRoom("alice", "bob"), bob)

	original, err := relay.Send(ctx, "alice", models.OutboundMessage{To: "bob", Text: "oops"})
	require.NoError(t, err)
	_, err = relay.Send(ctx, "bob", models.OutboundMessage{To: "alice", Text: "what?", ReplyTo: original.ID})
	require.NoError(t, err)

	_, err = relay.Delete(ctx, "bob", original.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = relay.Delete(ctx, "alice", "12345")
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err := relay.Delete(ctx, "alice", original.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Empty(t, deleted.Text)

	frames := bob.ofType(models.EventMessageDeleted)
	require.Len(t, frames, 1)
	var data models.MessageDeletedData
	require.NoError(t, json.Unmarshal(frames[0].Data, &data))
	assert.Equal(t, original.ID, data.ID)
	assert.Equal(t, "alice:bob", data.Room)

	history, err := relay.History(ctx, "bob", rooms.Direct("alice"), 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Deleted)
	assert.Equal(t, "alice", history[0].From)
	require.NotNil(t, history[1].ReplyTo.Preview)
	assert.True(t, history[1].ReplyTo.Preview.Deleted)
	assert.Empty(t, history[1].ReplyTo.Preview.Text)
}
