// ABOUTME: In-memory fakes of the backend, change feed and journal for session tests
// ABOUTME: The fake backend holds authoritative state that tests can mutate behind the feed's back

package session

import (
	"context"
	"sync"
	"time"

	"github.com/2389/orbit-sync/internal/api"
	"github.com/2389/orbit-sync/internal/feed"
	"github.com/2389/orbit-sync/internal/journal"
	"github.com/2389/orbit-sync/internal/model"
)

type fakeBackend struct {
	mu       sync.Mutex
	snap     model.Snapshot
	threads  model.ThreadList
	messages map[string][]model.Message
	friends  model.Friends
	profile  model.Profile

	preloadErr error
	mutateErr  error
	markErr    error

	// friendsGate, when set, holds the next Friends call after it has read
	// the state it will return.
	friendsGate chan struct{}

	calls map[string]int
	sent  int
}

func newFakeBackend(snap model.Snapshot) *fakeBackend {
	return &fakeBackend{
		snap:     snap,
		threads:  model.ThreadList{Threads: snap.Messages.Threads, TotalUnread: snap.Messages.TotalUnread},
		messages: map[string][]model.Message{},
		friends:  snap.Friends,
		profile:  snap.Profile,
		calls:    map[string]int{},
	}
}

func (b *fakeBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBackend) Preload(context.Context) (model.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["preload"]++
	return b.snap, b.preloadErr
}

func (b *fakeBackend) Profile(context.Context) (model.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["profile"]++
	return b.profile, nil
}

func (b *fakeBackend) Friends(ctx context.Context) (model.Friends, error) {
	b.mu.Lock()
	b.calls["friends"]++
	f := b.friends.Clone()
	gate := b.friendsGate
	b.friendsGate = nil
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Friends{}, ctx.Err()
		}
	}
	return f, nil
}

func (b *fakeBackend) Threads(context.Context) (model.ThreadList, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["threads"]++
	return b.threads, nil
}

func (b *fakeBackend) Messages(_ context.Context, ref model.ConversationRef, _ int) ([]model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["messages"]++
	return append([]model.Message(nil), b.messages[ref.ID]...), nil
}

func (b *fakeBackend) MarkRead(context.Context, model.ConversationRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["mark_read"]++
	return b.markErr
}

func (b *fakeBackend) SendMessage(_ context.Context, ref model.ConversationRef, content string) (model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["send"]++
	if b.mutateErr != nil {
		return model.Message{}, b.mutateErr
	}
	b.sent++
	return model.Message{
		ID:             "srv-" + string(rune('0'+b.sent)),
		ConversationID: ref.ID,
		SenderID:       b.profile.ID,
		Content:        model.StringPtr(content),
		CreatedAt:      time.Date(2026, 5, 1, 12, 0, b.sent, 0, time.UTC),
	}, nil
}

func (b *fakeBackend) EditMessage(_ context.Context, id, content string) (model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["edit"]++
	if b.mutateErr != nil {
		return model.Message{}, b.mutateErr
	}
	return model.Message{ID: id, SenderID: b.profile.ID, Content: model.StringPtr(content), Edited: true}, nil
}

func (b *fakeBackend) DeleteMessage(context.Context, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["delete"]++
	return b.mutateErr
}

func (b *fakeBackend) AcceptFriendRequest(_ context.Context, id string) (model.Friendship, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["accept"]++
	if b.mutateErr != nil {
		return model.Friendship{}, b.mutateErr
	}
	return model.Friendship{ID: id, Status: model.FriendshipAccepted}, nil
}

func (b *fakeBackend) UpdateProfile(_ context.Context, patch model.ProfilePatch) (model.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["update_profile"]++
	if b.mutateErr != nil {
		return model.Profile{}, b.mutateErr
	}
	b.profile = patch.Apply(b.profile)
	return b.profile, nil
}

var _ Backend = (*fakeBackend)(nil)
var _ Backend = (*api.Client)(nil)

type fakeSub struct {
	topic feed.Topic
	feed  *fakeFeed
}

func (s *fakeSub) Topic() feed.Topic { return s.topic }

func (s *fakeSub) Unsubscribe() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	delete(s.feed.handlers, s.topic.Name)
}

type fakeFeed struct {
	mu         sync.Mutex
	handlers   map[string]feed.Handler
	subscribes map[string]int
	ops        []string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{handlers: map[string]feed.Handler{}, subscribes: map[string]int{}}
}

func (f *fakeFeed) Subscribe(_ context.Context, topic feed.Topic, h feed.Handler) (feed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic.Name] = h
	f.subscribes[topic.Name]++
	return &fakeSub{topic: topic, feed: f}, nil
}

func (f *fakeFeed) Track(context.Context, feed.Topic, feed.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "track")
	return nil
}

func (f *fakeFeed) Untrack(context.Context, feed.Topic) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "untrack")
	return nil
}

func (f *fakeFeed) handler(topic string) (feed.Handler, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handlers[topic]
	return h, ok
}

func (f *fakeFeed) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.handlers))
	for name := range f.handlers {
		out = append(out, name)
	}
	return out
}

func (f *fakeFeed) subscribeCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes[topic]
}

func (f *fakeFeed) opList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Record(e journal.Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

func (j *memJournal) Recent(context.Context, int) ([]journal.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Entry(nil), j.entries...), nil
}

func (j *memJournal) Close() error { return nil }

func (j *memJournal) last() journal.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) == 0 {
		return journal.Entry{}
	}
	return j.entries[len(j.entries)-1]
}
