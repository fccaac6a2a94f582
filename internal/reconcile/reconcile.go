// ABOUTME: Reconciler: maps each decoded feed event onto unified store transitions
// ABOUTME: Implements the per-event policies for messages, friendships, profile and presence

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/orbit-sync/internal/feed"
	"github.com/2389/orbit-sync/internal/model"
	"github.com/2389/orbit-sync/internal/preview"
	"github.com/2389/orbit-sync/internal/state"
)

// Effects are the network side effects the reconciler triggers.
type Effects interface {
	// ScheduleRefetch asks for a debounced refetch of conversations and totals.
	ScheduleRefetch()
	// ScheduleFriendsRefetch asks for a debounced authoritative reload of
	// the friends domain.
	ScheduleFriendsRefetch()
	// MarkRead acknowledges a conversation as read on the server and, only
	// once the server has confirmed, clears its unread count locally.
	MarkRead(ctx context.Context, ref model.ConversationRef) error
}

// OnlineSink receives presence snapshots.
type OnlineSink interface {
	ReplaceOnline(ids []string)
}

// Options configures a Reconciler.
type Options struct {
	Store   *state.Store
	Effects Effects
	// Presence receives presence snapshots. Defaults to Store.
	Presence OnlineSink
	Logger   *slog.Logger
}

// Reconciler applies feed events to the store. Apply never blocks on the
// network; side effects run on goroutines tracked for Wait.
type Reconciler struct {
	store    *state.Store
	effects  Effects
	presence OnlineSink
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a reconciler.
func New(opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	presence := opts.Presence
	if presence == nil {
		presence = opts.Store
	}
	return &Reconciler{
		store:    opts.Store,
		effects:  opts.Effects,
		presence: presence,
		logger:   logger.With("component", "reconcile"),
	}
}

// Apply merges one event into the store. Problems are logged, never returned.
func (r *Reconciler) Apply(ctx context.Context, ev feed.Event) {
	switch ev := ev.(type) {
	case feed.MessageInserted:
		r.messageInserted(ctx, ev)
	case feed.MessageUpdated:
		r.messageUpdated(ev)
	case feed.FriendshipChanged:
		r.friendshipChanged(ev)
	case feed.ProfileUpdated:
		r.profileUpdated(ev)
	case feed.PresenceSynced:
		r.presence.ReplaceOnline(ev.Online)
	default:
		r.logger.Warn("unhandled event", "type", fmt.Sprintf("%T", ev))
	}
}

// Wait blocks until side effects started by Apply have finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) messageInserted(ctx context.Context, ev feed.MessageInserted) {
	ref := ev.Conversation
	self := ev.Message.SenderID != "" && ev.Message.SenderID == r.store.ViewerID()
	active := r.store.ActiveConversation() == ref

	appended := r.store.RecordIncoming(state.Incoming{
		Ref:         ref,
		Message:     ev.Message,
		Preview:     preview.Message(ev.Message),
		CountUnread: !self,
	})
	if !appended {
		r.logger.Debug("duplicate message ignored", "conversation", ref, "message_id", ev.Message.ID)
		return
	}

	if !active || self {
		r.effects.ScheduleRefetch()
		return
	}

	// The viewer is looking at this conversation. MarkRead clears the local
	// count itself after the server has recorded the read.
	r.async(func() {
		if err := r.effects.MarkRead(ctx, ref); err != nil {
			r.logger.Warn("mark read failed", "conversation", ref, "error", err)
			r.effects.ScheduleRefetch()
		}
	})
}

func (r *Reconciler) messageUpdated(ev feed.MessageUpdated) {
	if !r.store.PatchMessage(ev.Conversation, ev.Message.ID, model.PatchFrom(ev.Message)) {
		r.logger.Debug("update for message outside window", "conversation", ev.Conversation, "message_id", ev.Message.ID)
	}
}

func (r *Reconciler) friendshipChanged(ev feed.FriendshipChanged) {
	r.logger.Debug("friendship changed", "op", ev.Op, "friendship_id", ev.Friendship.ID)
	r.effects.ScheduleFriendsRefetch()
}

func (r *Reconciler) profileUpdated(ev feed.ProfileUpdated) {
	viewer := r.store.ViewerID()
	if viewer == "" || ev.Profile.ID != viewer {
		r.logger.Debug("ignoring profile push for another user", "profile_id", ev.Profile.ID)
		return
	}
	r.store.SetProfile(ev.Profile)
}

func (r *Reconciler) async(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}
