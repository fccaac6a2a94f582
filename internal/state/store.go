// ABOUTME: Unified state store: the single owned cache for profile, friends, conversations, presence
// ABOUTME: All writes go through transition methods that run under one lock and notify watchers

package state

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/orbit-sync/internal/model"
)

// Loaded reports which snapshot domains hold data.
type Loaded struct {
	Profile  bool
	Friends  bool
	Messages bool
}

// All reports whether every domain is loaded.
func (l Loaded) All() bool {
	return l.Profile && l.Friends && l.Messages
}

// Options configures a Store.
type Options struct {
	// MessageWindow caps how many messages per conversation are kept from a
	// snapshot. Zero keeps everything the server sent.
	MessageWindow int
	Logger        *slog.Logger
}

// Store is the unified state container. Create one per session with New.
type Store struct {
	mu sync.RWMutex

	viewerID      string
	profiles      map[string]model.Profile
	friends       []model.Friendship
	requests      []model.Friendship
	conversations map[string]model.Conversation // ref key -> conversation
	messages      map[string][]model.Message    // ref key -> oldest..newest
	totalUnread   int
	currentPlace  *model.Place
	active        model.ConversationRef
	online        map[string]struct{}
	loaded        Loaded

	window int
	watch  *watchers
	logger *slog.Logger
}

// New creates an empty store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "state")
	s := &Store{
		window: opts.MessageWindow,
		watch:  newWatchers(logger),
		logger: logger,
	}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.viewerID = ""
	s.profiles = make(map[string]model.Profile)
	s.friends = nil
	s.requests = nil
	s.conversations = make(map[string]model.Conversation)
	s.messages = make(map[string][]model.Message)
	s.totalUnread = 0
	s.currentPlace = nil
	s.active = model.ConversationRef{}
	s.online = make(map[string]struct{})
	s.loaded = Loaded{}
}

// ClearStore resets every collection to empty and every loaded flag to false.
func (s *Store) ClearStore() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()

	s.logger.Debug("store cleared")
	s.watch.publish(allSlices()...)
}

// ReplaceSnapshot installs a preload snapshot. Every domain is replaced, not
// merged, and marked loaded in the same transition. Presence and the active
// conversation belong to other owners and are kept.
func (s *Store) ReplaceSnapshot(snap model.Snapshot) {
	profiles := make(map[string]model.Profile, len(snap.Friends.Profiles)+1)
	for _, p := range snap.Friends.Profiles {
		profiles[p.ID] = p
	}
	profiles[snap.Profile.ID] = snap.Profile

	conversations := make(map[string]model.Conversation, len(snap.Messages.Threads))
	kinds := make(map[string]model.ConversationKind, len(snap.Messages.Threads))
	for _, c := range snap.Messages.Threads {
		c = c.Clone()
		c.Kind = c.Ref().Kind
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		conversations[c.Ref().Key()] = c
		if _, seen := kinds[c.ID]; !seen {
			kinds[c.ID] = c.Kind
		}
	}

	messages := make(map[string][]model.Message, len(snap.Messages.ThreadMessages))
	for convID, list := range snap.Messages.ThreadMessages {
		kind, ok := kinds[convID]
		if !ok {
			kind = model.KindDirect
		}
		ref := model.ConversationRef{Kind: kind, ID: convID}
		messages[ref.Key()] = s.windowed(ref, list)
	}

	friends := model.Friends{Friends: snap.Friends.Friends, Requests: snap.Friends.Requests}.Clone()

	var place *model.Place
	if snap.Messages.CurrentPlace != nil {
		p := *snap.Messages.CurrentPlace
		place = &p
	}

	total := sumUnread(conversations)
	if snap.Messages.TotalUnread != total {
		s.logger.Debug("snapshot total disagrees with thread counts",
			"reported", snap.Messages.TotalUnread,
			"derived", total)
	}

	s.mu.Lock()
	s.viewerID = snap.Profile.ID
	s.profiles = profiles
	s.friends = friends.Friends
	s.requests = friends.Requests
	s.conversations = conversations
	s.messages = messages
	s.totalUnread = total
	s.currentPlace = place
	s.loaded = Loaded{Profile: true, Friends: true, Messages: true}
	s.mu.Unlock()

	s.logger.Debug("snapshot installed",
		"viewer", snap.Profile.ID,
		"conversations", len(conversations),
		"friends", len(friends.Friends),
		"requests", len(friends.Requests))
	s.watch.publish(SliceSession, SliceProfile, SliceFriends, SliceConversations, SliceMessages)
}

// windowed orders a snapshot message list oldest to newest, drops repeated
// ids and keeps the newest window entries.
func (s *Store) windowed(ref model.ConversationRef, list []model.Message) []model.Message {
	out := make([]model.Message, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, m := range list {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m = m.Clone()
		m.ConversationID = ref.ID
		m.Kind = ref.Kind
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if s.window > 0 && len(out) > s.window {
		out = append([]model.Message(nil), out[len(out)-s.window:]...)
	}
	return out
}

// SetConversations replaces the conversation collection with an
// authoritative list. The global unread total is re-derived from the list,
// overwriting anything accumulated locally.
func (s *Store) SetConversations(list []model.Conversation) {
	conversations := make(map[string]model.Conversation, len(list))
	for _, c := range list {
		c = c.Clone()
		c.Kind = c.Ref().Kind
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		conversations[c.Ref().Key()] = c
	}

	s.mu.Lock()
	s.conversations = conversations
	s.totalUnread = sumUnread(conversations)
	s.loaded.Messages = true
	s.mu.Unlock()

	s.watch.publish(SliceConversations)
}

func sumUnread(conversations map[string]model.Conversation) int {
	total := 0
	for _, c := range conversations {
		total += c.UnreadCount
	}
	return total
}

// MarkConversationRead zeroes the conversation's unread count and subtracts
// the same amount from the global total. It returns the amount cleared.
func (s *Store) MarkConversationRead(ref model.ConversationRef) int {
	s.mu.Lock()
	c, ok := s.conversations[ref.Key()]
	if !ok || c.UnreadCount == 0 {
		s.mu.Unlock()
		return 0
	}
	cleared := c.UnreadCount
	c.UnreadCount = 0
	s.conversations[ref.Key()] = c
	s.totalUnread -= cleared
	if s.totalUnread < 0 {
		s.totalUnread = 0
	}
	s.mu.Unlock()

	s.watch.publish(SliceConversations)
	return cleared
}

// SetActiveConversation records which conversation the view is showing. The
// zero ref means none.
func (s *Store) SetActiveConversation(ref model.ConversationRef) {
	s.mu.Lock()
	changed := s.active != ref
	s.active = ref
	s.mu.Unlock()

	if changed {
		s.watch.publish(SliceSession)
	}
}

// ActiveConversation returns the conversation the view is showing.
func (s *Store) ActiveConversation() model.ConversationRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Conversations returns the conversation list ordered by last activity.
func (s *Store) Conversations() []model.Conversation {
	s.mu.RLock()
	list := make([]model.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		list = append(list, c)
	}
	s.mu.RUnlock()
	return model.SortConversations(list)
}

// Conversation returns one conversation.
func (s *Store) Conversation(ref model.ConversationRef) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[ref.Key()]
	return c.Clone(), ok
}

// TotalUnread returns the global unread total.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalUnread
}

// CurrentPlace returns the place the viewer is checked into, if any.
func (s *Store) CurrentPlace() (model.Place, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentPlace == nil {
		return model.Place{}, false
	}
	return *s.currentPlace, true
}

// Loaded returns the loaded flags.
func (s *Store) Loaded() Loaded {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// PreloadComplete reports whether a full snapshot has been installed.
func (s *Store) PreloadComplete() bool {
	return s.Loaded().All()
}

// ViewerID returns the id of the signed-in user, or "" before preload.
func (s *Store) ViewerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewerID
}
