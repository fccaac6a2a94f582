// ABOUTME: Session lifecycle: start, retry, close and view-layer hooks
// ABOUTME: Also implements the reconciler's effects and the post-reconnect repair

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/orbit-sync/internal/api"
	"github.com/2389/orbit-sync/internal/debounce"
	"github.com/2389/orbit-sync/internal/feed"
	"github.com/2389/orbit-sync/internal/journal"
	"github.com/2389/orbit-sync/internal/metrics"
	"github.com/2389/orbit-sync/internal/model"
	"github.com/2389/orbit-sync/internal/preload"
	"github.com/2389/orbit-sync/internal/presence"
	"github.com/2389/orbit-sync/internal/reconcile"
	"github.com/2389/orbit-sync/internal/state"
	"github.com/2389/orbit-sync/internal/subscription"
)

// Session errors
var (
	ErrNotStarted        = errors.New("session not started")
	ErrEditWindowExpired = errors.New("edit window has expired")
	ErrNotSender         = errors.New("only the sender can change this message")
	ErrMessageDeleted    = errors.New("message has been deleted")
	ErrMessageNotFound   = errors.New("message not in local window")
	ErrRequestNotFound   = errors.New("no pending friend request with that id")
	ErrEmptyMessage      = errors.New("message is empty")
	ErrMessagePending    = errors.New("message is still sending")
)

// repairLimit bounds concurrent per-conversation message refetches.
const repairLimit = 4

// Backend is the REST surface a session calls. *api.Client implements it.
type Backend interface {
	preload.Source
	MarkRead(ctx context.Context, ref model.ConversationRef) error
	SendMessage(ctx context.Context, ref model.ConversationRef, content string) (model.Message, error)
	EditMessage(ctx context.Context, id, content string) (model.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	AcceptFriendRequest(ctx context.Context, friendshipID string) (model.Friendship, error)
	UpdateProfile(ctx context.Context, patch model.ProfilePatch) (model.Profile, error)
}

// Settings holds the engine timing.
type Settings struct {
	RefetchDebounce      time.Duration
	ReconnectBackoff     time.Duration
	MaxReconnectAttempts int
	MessageWindow        int
	PresenceTopic        string
	HeartbeatInterval    time.Duration
}

// DefaultSettings returns the timing used when none is configured.
func DefaultSettings() Settings {
	return Settings{
		RefetchDebounce:      300 * time.Millisecond,
		ReconnectBackoff:     3 * time.Second,
		MaxReconnectAttempts: 5,
		MessageWindow:        50,
		PresenceTopic:        "online-users",
		HeartbeatInterval:    30 * time.Second,
	}
}

// Deps are a session's collaborators.
type Deps struct {
	API      Backend
	Feed     presence.Feed
	Store    *state.Store // created when nil
	Journal  journal.Journal
	Metrics  *metrics.Metrics
	Settings Settings
	// OnUnauthorized is called once when the backend rejects the session.
	OnUnauthorized func()
	Now            func() time.Time
	Logger         *slog.Logger
}

// Session is one viewer's sync engine.
type Session struct {
	api      Backend
	store    *state.Store
	journal  journal.Journal
	metrics  *metrics.Metrics
	settings Settings
	now      func() time.Time
	logger   *slog.Logger

	loader     *preload.Loader
	reconciler *reconcile.Reconciler
	manager    *subscription.Manager
	tracker    *presence.Tracker

	onUnauthorized func()
	unauthMu       sync.Mutex
	unauthorized   bool // latched by the first 401, cleared by Close

	order refetchOrder

	mu       sync.Mutex
	attached bool
	refetch  *debounce.Scheduler
	friends  *debounce.Scheduler
	cancel   context.CancelFunc
}

// New builds a session. Nothing touches the network until Start.
func New(deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settings := deps.Settings
	defaults := DefaultSettings()
	if settings.RefetchDebounce <= 0 {
		settings.RefetchDebounce = defaults.RefetchDebounce
	}
	if settings.ReconnectBackoff <= 0 {
		settings.ReconnectBackoff = defaults.ReconnectBackoff
	}
	if settings.MaxReconnectAttempts <= 0 {
		settings.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if settings.PresenceTopic == "" {
		settings.PresenceTopic = defaults.PresenceTopic
	}
	store := deps.Store
	if store == nil {
		store = state.New(state.Options{MessageWindow: settings.MessageWindow, Logger: logger})
	}
	j := deps.Journal
	if j == nil {
		j = journal.Nop{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	s := &Session{
		api:            deps.API,
		store:          store,
		journal:        j,
		metrics:        deps.Metrics,
		settings:       settings,
		now:            now,
		logger:         logger.With("component", "session"),
		onUnauthorized: deps.OnUnauthorized,
	}
	s.loader = preload.New(preload.Options{
		Source: deps.API,
		Store:  store,
		Window: settings.MessageWindow,
		Logger: logger,
	})
	s.reconciler = reconcile.New(reconcile.Options{
		Store:   store,
		Effects: s,
		Logger:  logger,
	})
	s.manager = subscription.New(subscription.Options{
		Feed:        deps.Feed,
		Store:       store,
		Applier:     s.reconciler,
		Repairer:    s,
		Backoff:     settings.ReconnectBackoff,
		MaxAttempts: settings.MaxReconnectAttempts,
		Metrics:     deps.Metrics,
		Logger:      logger,
	})
	s.tracker = presence.New(presence.Options{
		Feed:        deps.Feed,
		Sink:        store,
		Topic:       settings.PresenceTopic,
		Interval:    settings.HeartbeatInterval,
		Backoff:     settings.ReconnectBackoff,
		MaxAttempts: settings.MaxReconnectAttempts,
		Now:         now,
		Logger:      logger,
	})
	return s
}

// Store returns the session's state store for selectors and watches.
func (s *Session) Store() *state.Store { return s.store }

// PreloadState returns the loader's state.
func (s *Session) PreloadState() preload.State { return s.loader.State() }

// Health reports the managed feed topics followed by the presence topic
// while presence is active.
func (s *Session) Health() []subscription.TopicHealth {
	out := s.manager.Health()
	ph := s.tracker.Health()
	if ph.Link == "" {
		return out
	}
	th := subscription.TopicHealth{Topic: ph.Topic, Attempts: ph.Attempts}
	switch ph.Link {
	case presence.LinkLive:
		th.State = subscription.StateLive
	case presence.LinkReconnecting:
		th.State = subscription.StateReconnecting
	case presence.LinkFailed:
		th.State = subscription.StateFailed
	}
	return append(out, th)
}

// Presence returns the presence tracker's state.
func (s *Session) Presence() presence.State { return s.tracker.State() }

// Start preloads and then attaches subscriptions and presence. ctx bounds the
// whole session, not only the call. Calling Start again is a no-op once
// attached and returns the settled preload error otherwise.
func (s *Session) Start(ctx context.Context) error {
	if err := s.loader.Load(ctx); err != nil {
		s.preloadFailed(err)
		return err
	}
	return s.attach(ctx)
}

// Retry re-runs a failed preload and attaches on success.
func (s *Session) Retry(ctx context.Context) error {
	if err := s.loader.Retry(ctx); err != nil {
		if !errors.Is(err, preload.ErrNotFailed) {
			s.preloadFailed(err)
		}
		return err
	}
	return s.attach(ctx)
}

// Resubscribe retries feed topics, presence included, that gave up
// reconnecting.
func (s *Session) Resubscribe(ctx context.Context) error {
	return errors.Join(s.manager.Resubscribe(ctx), s.tracker.Resubscribe(ctx))
}

func (s *Session) preloadFailed(err error) {
	s.journal.Record(journal.Entry{Action: journal.ActionPreload, Outcome: journal.OutcomeFailed, Error: err.Error()})
	s.checkUnauthorized(err)
}

func (s *Session) attach(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.refetch = debounce.New(s.settings.RefetchDebounce, s.refetchConversations, s.logger)
	s.friends = debounce.New(s.settings.RefetchDebounce, s.refetchFriends, s.logger)

	if err := s.manager.Start(runCtx); err != nil {
		cancel()
		s.refetch.Stop()
		s.friends.Stop()
		return fmt.Errorf("starting subscriptions: %w", err)
	}
	if err := s.tracker.Start(runCtx, s.store.ViewerID()); err != nil {
		// Presence is not worth failing the session for.
		s.logger.Warn("presence not started", "error", err)
	}

	s.attached = true
	s.cancel = cancel
	s.journal.Record(journal.Entry{Action: journal.ActionPreload, Outcome: journal.OutcomeConfirmed, Target: s.store.ViewerID()})
	s.logger.Info("session started", "viewer", s.store.ViewerID())
	return nil
}

// Close tears the session down and clears the store, as on logout. The
// session can be started again afterwards.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	attached := s.attached
	refetch := s.refetch
	friends := s.friends
	cancel := s.cancel
	s.attached = false
	s.refetch = nil
	s.friends = nil
	s.cancel = nil
	s.mu.Unlock()

	var err error
	if attached {
		err = s.tracker.Stop(ctx)
		s.manager.Stop()
		refetch.Stop()
		friends.Stop()
		cancel()
	}
	s.reconciler.Wait()
	s.loader.Reset()
	s.store.ClearStore()

	s.unauthMu.Lock()
	s.unauthorized = false
	s.unauthMu.Unlock()
	s.logger.Info("session closed")
	return err
}

// OpenConversation marks ref as the conversation on screen and, when it has
// unread messages, reads it on the server before clearing the local count.
func (s *Session) OpenConversation(ctx context.Context, ref model.ConversationRef) error {
	s.store.SetActiveConversation(ref)

	conv, ok := s.store.Conversation(ref)
	if !ok || conv.UnreadCount == 0 {
		return nil
	}
	return s.MarkRead(ctx, ref)
}

// CloseConversation clears the on-screen conversation.
func (s *Session) CloseConversation() {
	s.store.SetActiveConversation(model.ConversationRef{})
}

// SetVisible forwards page visibility to the presence tracker.
func (s *Session) SetVisible(ctx context.Context, visible bool) error {
	return s.tracker.SetVisible(ctx, visible)
}

// ScheduleRefetch queues a debounced conversations refetch.
func (s *Session) ScheduleRefetch() {
	s.mu.Lock()
	refetch := s.refetch
	s.mu.Unlock()
	if refetch != nil {
		refetch.Trigger()
	}
}

// ScheduleFriendsRefetch queues a debounced friends refetch.
func (s *Session) ScheduleFriendsRefetch() {
	s.mu.Lock()
	friends := s.friends
	s.mu.Unlock()
	if friends != nil {
		friends.Trigger()
	}
}

// MarkRead reads ref on the server, then zeroes its unread count locally.
func (s *Session) MarkRead(ctx context.Context, ref model.ConversationRef) error {
	if err := s.api.MarkRead(ctx, ref); err != nil {
		s.journal.Record(journal.Entry{Action: journal.ActionMarkRead, Outcome: journal.OutcomeFailed, Target: ref.Key(), Error: err.Error()})
		s.checkUnauthorized(err)
		return fmt.Errorf("marking %s read: %w", ref, err)
	}
	cleared := s.store.MarkConversationRead(ref)
	s.logger.Debug("conversation read", "conversation", ref, "cleared", cleared)
	return nil
}

func (s *Session) refetchFriends(ctx context.Context) error {
	seq := s.order.begin(aggregateFriends)
	f, err := s.api.Friends(ctx)
	s.metrics.Refetch("friends", err == nil)
	if err != nil {
		s.checkUnauthorized(err)
		return fmt.Errorf("refetching friends: %w", err)
	}
	s.order.install(aggregateFriends, seq, func() { s.store.SetFriends(f) })
	return nil
}

func (s *Session) refetchConversations(ctx context.Context) error {
	seq := s.order.begin(aggregateConversations)
	list, err := s.api.Threads(ctx)
	s.metrics.Refetch("conversations", err == nil)
	if err != nil {
		s.checkUnauthorized(err)
		return fmt.Errorf("refetching conversations: %w", err)
	}
	if !s.order.install(aggregateConversations, seq, func() { s.store.SetConversations(list.Threads) }) {
		return nil
	}
	if derived := model.SumUnread(list.Threads); derived != list.TotalUnread {
		s.logger.Debug("server total disagrees with thread counts", "reported", list.TotalUnread, "derived", derived)
	}
	return nil
}

func (s *Session) refetchProfile(ctx context.Context) error {
	seq := s.order.begin(aggregateProfile)
	p, err := s.api.Profile(ctx)
	s.metrics.Refetch("profile", err == nil)
	if err != nil {
		s.checkUnauthorized(err)
		return fmt.Errorf("refetching profile: %w", err)
	}
	s.order.install(aggregateProfile, seq, func() { s.store.SetProfile(p) })
	return nil
}

// Repair refetches the aggregates a resubscribed topic feeds, in parallel.
func (s *Session) Repair(ctx context.Context, kind feed.Kind) error {
	g, gctx := errgroup.WithContext(ctx)

	switch kind {
	case feed.KindDirectMessages, feed.KindPlaceMessages:
		want := model.KindDirect
		if kind == feed.KindPlaceMessages {
			want = model.KindPlace
		}
		g.SetLimit(repairLimit + 1)
		g.Go(func() error { return s.refetchConversations(gctx) })
		for _, ref := range s.store.MessageRefs() {
			if ref.Kind != want {
				continue
			}
			g.Go(func() error {
				key := aggregateMessages + ref.Key()
				seq := s.order.begin(key)
				msgs, err := s.api.Messages(gctx, ref, s.settings.MessageWindow)
				if err != nil {
					return fmt.Errorf("refetching messages of %s: %w", ref, err)
				}
				s.order.install(key, seq, func() { s.store.ReplaceMessages(ref, msgs) })
				return nil
			})
		}
	case feed.KindFriendships:
		g.Go(func() error { return s.refetchFriends(gctx) })
	case feed.KindProfiles:
		g.Go(func() error { return s.refetchProfile(gctx) })
	default:
		return nil
	}

	err := g.Wait()
	entry := journal.Entry{Action: journal.ActionRepair, Outcome: journal.OutcomeConfirmed, Target: string(kind)}
	if err != nil {
		entry.Outcome = journal.OutcomeFailed
		entry.Error = err.Error()
	}
	s.journal.Record(entry)
	return err
}

// checkUnauthorized clears the store and fires OnUnauthorized the first time
// the backend rejects the session. Close re-arms it for the next session.
func (s *Session) checkUnauthorized(err error) bool {
	if !errors.Is(err, api.ErrUnauthorized) {
		return false
	}
	s.unauthMu.Lock()
	first := !s.unauthorized
	s.unauthorized = true
	s.unauthMu.Unlock()
	if !first {
		return true
	}

	s.logger.Warn("session rejected by backend; re-authentication required")
	s.store.ClearStore()
	if s.onUnauthorized != nil {
		s.onUnauthorized()
	}
	return true
}
