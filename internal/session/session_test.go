// ABOUTME: Tests for the session lifecycle, feed-driven refetches and reconnect repair
// ABOUTME: Runs the real store, reconciler, manager and tracker against in-memory fakes

package session

import (
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/orbit-sync/internal/api"
	"github.com/2389/orbit-sync/internal/feed"
	"github.com/2389/orbit-sync/internal/journal"
	"github.com/2389/orbit-sync/internal/model"
	"github.com/2389/orbit-sync/internal/preload"
	"github.com/2389/orbit-sync/internal/presence"
	"github.com/2389/orbit-sync/internal/subscription"
)

var (
	base  = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	convA = model.DirectRef("A")
	convB = model.DirectRef("B")
)

func testSnapshot() model.Snapshot {
	return model.Snapshot{
		Profile: model.Profile{ID: "me", DisplayName: "Me", AvatarURL: "https://img/old.png"},
		Friends: model.Friends{
			Friends: []model.Friendship{
				{ID: "f1", RequesterID: "me", AddresseeID: "ann", Status: model.FriendshipAccepted},
			},
			Requests: []model.Friendship{
				{ID: "f2", RequesterID: "bob", AddresseeID: "me", Status: model.FriendshipPending},
				{ID: "f3", RequesterID: "cy", AddresseeID: "me", Status: model.FriendshipPending},
			},
		},
		Messages: model.MessagesDomain{
			Threads: []model.Conversation{
				{ID: "A", Kind: model.KindDirect, UnreadCount: 3, LastMessageAt: base},
				{ID: "B", Kind: model.KindDirect, UnreadCount: 2, LastMessageAt: base.Add(-time.Hour)},
			},
			ThreadMessages: map[string][]model.Message{
				"A": {
					{ID: "a1", SenderID: "ann", Content: model.StringPtr("hi"), CreatedAt: base.Add(-time.Minute)},
					{ID: "mine", SenderID: "me", Content: model.StringPtr("hey"), CreatedAt: base},
				},
			},
			TotalUnread: 5,
		},
	}
}

type harness struct {
	backend *fakeBackend
	feed    *fakeFeed
	journal *memJournal
	session *Session
	unauth  atomic.Int32
	now     atomic.Int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: newFakeBackend(testSnapshot()),
		feed:    newFakeFeed(),
		journal: &memJournal{},
	}
	h.session = New(Deps{
		API:     h.backend,
		Feed:    h.feed,
		Journal: h.journal,
		Settings: Settings{
			RefetchDebounce:      10 * time.Millisecond,
			ReconnectBackoff:     10 * time.Millisecond,
			MaxReconnectAttempts: 3,
			MessageWindow:        50,
		},
		OnUnauthorized: func() { h.unauth.Add(1) },
		Now:            func() time.Time { return time.Unix(0, h.now.Load()).UTC() },
	})
	h.setNow(base.Add(5 * time.Minute))
	t.Cleanup(func() { _ = h.session.Close(t.Context()) })
	return h
}

func (h *harness) setNow(at time.Time) { h.now.Store(at.UnixNano()) }

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Start(t.Context()))
}

func (h *harness) push(t *testing.T, topic string, ev feed.Event) {
	t.Helper()
	handler, ok := h.feed.handler(topic)
	require.True(t, ok, "no subscription for %s", topic)
	handler.OnEvent(ev)
}

func (h *harness) unread(t *testing.T, ref model.ConversationRef) int {
	t.Helper()
	c, ok := h.session.Store().Conversation(ref)
	require.True(t, ok)
	return c.UnreadCount
}

func TestStartAttachesAfterPreload(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.start(t)

	store := h.session.Store()
	assert.True(t, store.PreloadComplete())
	assert.Equal(t, preload.StateReady, h.session.PreloadState())
	assert.Equal(t, 1, h.backend.count("preload"))
	assert.ElementsMatch(t, []string{"dm:me", "friendships:me", "profile:me", "online-users"}, h.feed.topics())
	assert.Equal(t, 1, h.feed.subscribeCount("dm:me"))
	assert.Equal(t, presence.StateTracking, h.session.Presence())
	assert.Equal(t, []string{"track"}, h.feed.opList())
	assert.Equal(t, journal.OutcomeConfirmed, h.journal.last().Outcome)

	health := h.session.Health()
	require.Len(t, health, 4)
	assert.Equal(t, "online-users", health[3].Topic.Name)
	assert.Equal(t, subscription.StateLive, health[3].State)
}

func TestStartUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.backend.set(func(b *fakeBackend) { b.preloadErr = api.ErrUnauthorized })

	err := h.session.Start(t.Context())
	assert.ErrorIs(t, err, api.ErrUnauthorized)
	assert.Equal(t, preload.StateUnauthorized, h.session.PreloadState())
	assert.Equal(t, int32(1), h.unauth.Load())
	assert.Empty(t, h.feed.topics())
	assert.ErrorIs(t, h.session.Retry(t.Context()), preload.ErrNotFailed)
}

func TestFailedPreloadThenRetry(t *testing.T) {
	h := newHarness(t)
	h.backend.set(func(b *fakeBackend) { b.preloadErr = &api.StatusError{Code: http.StatusServiceUnavailable} })

	require.Error(t, h.session.Start(t.Context()))
	assert.Equal(t, preload.StateFailed, h.session.PreloadState())
	assert.Empty(t, h.feed.topics(), "no subscriptions before the snapshot exists")

	h.backend.set(func(b *fakeBackend) { b.preloadErr = nil })
	require.NoError(t, h.session.Retry(t.Context()))
	assert.Len(t, h.feed.topics(), 4)
	assert.Zero(t, h.unauth.Load())
}

func TestBurstOfInsertsCoalescesIntoOneRefetch(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	// The server has the final word on counts.
	h.backend.set(func(b *fakeBackend) {
		b.threads = model.ThreadList{Threads: []model.Conversation{
			{ID: "A", Kind: model.KindDirect, UnreadCount: 3},
			{ID: "B", Kind: model.KindDirect, UnreadCount: 11},
		}}
	})

	for i := range 10 {
		h.push(t, "dm:me", feed.MessageInserted{
			Conversation: convB,
			Message:      model.Message{ID: "b" + string(rune('0'+i)), SenderID: "ann", CreatedAt: base.Add(time.Duration(i) * time.Second)},
		})
	}
	assert.Equal(t, 12, h.unread(t, convB))

	require.Eventually(t, func() bool { return h.session.Store().TotalUnread() == 14 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 11, h.unread(t, convB))

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, h.backend.count("threads"))
}

func TestOpenConversationReadsOnServerFirst(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.backend.set(func(b *fakeBackend) { b.markErr = errors.New("offline") })
	require.Error(t, h.session.OpenConversation(t.Context(), convA))
	assert.Equal(t, 3, h.unread(t, convA))
	assert.Equal(t, convA, h.session.Store().ActiveConversation())

	h.backend.set(func(b *fakeBackend) { b.markErr = nil })
	require.NoError(t, h.session.OpenConversation(t.Context(), convA))
	assert.Equal(t, 0, h.unread(t, convA))
	assert.Equal(t, 2, h.session.Store().TotalUnread())

	// Incoming while open: read on the server, never counted for long.
	h.push(t, "dm:me", feed.MessageInserted{Conversation: convA, Message: model.Message{ID: "a9", SenderID: "ann", CreatedAt: base.Add(time.Hour)}})
	require.Eventually(t, func() bool { return h.backend.count("mark_read") == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.unread(t, convA) == 0 }, time.Second, 5*time.Millisecond)

	h.session.CloseConversation()
	assert.True(t, h.session.Store().ActiveConversation().IsZero())
}

func TestFriendshipEventRefetchesFriends(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	newFriends := model.Friends{Friends: []model.Friendship{
		{ID: "f1", RequesterID: "me", AddresseeID: "ann", Status: model.FriendshipAccepted},
		{ID: "f9", RequesterID: "dee", AddresseeID: "me", Status: model.FriendshipAccepted},
	}}
	h.backend.set(func(b *fakeBackend) { b.friends = newFriends })

	h.push(t, "friendships:me", feed.FriendshipChanged{Op: feed.OpUpdate, Friendship: model.Friendship{ID: "f9"}})
	require.Eventually(t, func() bool { return len(h.session.Store().Friends().Friends) == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.session.Store().Friends().Requests)
}

func TestStaleFriendsRefetchDoesNotOverwriteNewer(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	// The first refetch reads the server while both requests are pending,
	// then stalls in flight.
	gate := make(chan struct{})
	h.backend.set(func(b *fakeBackend) { b.friendsGate = gate })
	h.push(t, "friendships:me", feed.FriendshipChanged{Op: feed.OpInsert, Friendship: model.Friendship{ID: "f2"}})
	require.Eventually(t, func() bool { return h.backend.count("friends") == 1 }, time.Second, 5*time.Millisecond)

	// Both requests are declined; a later refetch observes that and lands first.
	h.backend.set(func(b *fakeBackend) { b.friends.Requests = nil })
	require.NoError(t, h.session.Repair(t.Context(), feed.KindFriendships))
	assert.Empty(t, h.session.Store().Friends().Requests)

	close(gate)
	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, h.session.Store().Friends().Requests)
	assert.Len(t, h.session.Store().Friends().Friends, 1)
}

func TestReconnectRepairMatchesUninterruptedState(t *testing.T) {
	// Reference: a session that saw every event.
	ref := newHarness(t)
	ref.start(t)
	missed := []feed.MessageInserted{
		{Conversation: convA, Message: model.Message{ID: "a2", SenderID: "ann", Content: model.StringPtr("one"), CreatedAt: base.Add(time.Minute)}},
		{Conversation: convA, Message: model.Message{ID: "a3", SenderID: "ann", Content: model.StringPtr("two"), CreatedAt: base.Add(2 * time.Minute)}},
	}
	authoritative := model.ThreadList{Threads: []model.Conversation{
		{ID: "A", Kind: model.KindDirect, UnreadCount: 5, LastMessageAt: base.Add(2 * time.Minute), LastMessagePreview: "two"},
		{ID: "B", Kind: model.KindDirect, UnreadCount: 2, LastMessageAt: base.Add(-time.Hour)},
	}}
	serverMessages := append(testSnapshot().Messages.ThreadMessages["A"], missed[0].Message, missed[1].Message)
	ref.backend.set(func(b *fakeBackend) { b.threads = authoritative })
	for _, ev := range missed {
		ref.push(t, "dm:me", ev)
	}
	require.Eventually(t, func() bool { return ref.backend.count("threads") >= 1 }, time.Second, 5*time.Millisecond)

	// Subject: drops the connection and misses both events.
	h := newHarness(t)
	h.start(t)
	h.backend.set(func(b *fakeBackend) {
		b.threads = authoritative
		b.messages["A"] = serverMessages
	})
	dm, _ := h.feed.handler("dm:me")
	dm.OnStatus(feed.StatusClosed, errors.New("connection reset"))

	require.Eventually(t, func() bool { return h.feed.subscribeCount("dm:me") == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.backend.count("messages") == 1 && h.backend.count("threads") == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.session.Store().Messages(convA)) == 4 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return h.session.Store().TotalUnread() == ref.session.Store().TotalUnread()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, ref.session.Store().Conversations(), h.session.Store().Conversations())
	assert.Equal(t, ref.session.Store().Messages(convA), h.session.Store().Messages(convA))

	for _, th := range h.session.Health() {
		assert.Equal(t, subscription.StateLive, th.State, th.Topic.Name)
	}
	require.Eventually(t, func() bool { return h.journal.last().Action == journal.ActionRepair }, time.Second, 5*time.Millisecond)
}

func TestUnauthorizedFiresAgainAfterRestart(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.backend.set(func(b *fakeBackend) { b.mutateErr = api.ErrUnauthorized })
	require.ErrorIs(t, h.session.AcceptFriendRequest(t.Context(), "f2"), api.ErrUnauthorized)
	assert.Equal(t, int32(1), h.unauth.Load())

	require.NoError(t, h.session.Close(t.Context()))
	h.backend.set(func(b *fakeBackend) { b.mutateErr = nil })
	h.start(t)
	require.True(t, h.session.Store().PreloadComplete())

	h.backend.set(func(b *fakeBackend) { b.mutateErr = api.ErrUnauthorized })
	require.ErrorIs(t, h.session.AcceptFriendRequest(t.Context(), "f3"), api.ErrUnauthorized)
	assert.Equal(t, int32(2), h.unauth.Load())
	assert.False(t, h.session.Store().PreloadComplete())
}

func TestCloseTearsDownAndClears(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	require.NoError(t, h.session.SetVisible(t.Context(), false))
	require.NoError(t, h.session.SetVisible(t.Context(), true))

	require.NoError(t, h.session.Close(t.Context()))
	assert.False(t, h.session.Store().PreloadComplete())
	assert.Empty(t, h.session.Store().Conversations())
	assert.Empty(t, h.feed.topics())
	assert.Equal(t, []string{"track", "untrack", "track", "untrack"}, h.feed.opList())
	assert.Equal(t, presence.StateInactive, h.session.Presence())

	// A new session can start on the same engine.
	h.start(t)
	assert.Equal(t, 2, h.backend.count("preload"))
}
