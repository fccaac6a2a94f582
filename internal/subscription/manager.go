// ABOUTME: Subscription manager: owns the change feed subscriptions of one session
// ABOUTME: Gated on preload, one subscription per topic, reconnect with backoff then repair

package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/orbit-sync/internal/feed"
	"github.com/2389/orbit-sync/internal/metrics"
	"github.com/2389/orbit-sync/internal/state"
)

// Manager errors
var (
	ErrPreloadIncomplete = errors.New("preload not complete")
	ErrNotStarted        = errors.New("subscriptions not started")
)

// Subscriber opens feed subscriptions. *feed.Client implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, topic feed.Topic, h feed.Handler) (feed.Subscription, error)
}

// Applier consumes decoded events.
type Applier interface {
	Apply(ctx context.Context, ev feed.Event)
}

// Repairer refetches the aggregate a topic feeds after a resubscribe, since
// events missed while disconnected are not replayed.
type Repairer interface {
	Repair(ctx context.Context, kind feed.Kind) error
}

// State is a topic's connection state.
type State string

const (
	StateLive         State = "live"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// TopicHealth describes one managed topic.
type TopicHealth struct {
	Topic    feed.Topic
	State    State
	Attempts int
}

// Options configures a Manager.
type Options struct {
	Feed     Subscriber
	Store    *state.Store
	Applier  Applier
	Repairer Repairer
	// Backoff is the fixed delay before a reconnect attempt.
	Backoff time.Duration
	// MaxAttempts is how many consecutive reconnects fail before the topic is
	// marked failed. Zero means 5.
	MaxAttempts int
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type topicState struct {
	topic    feed.Topic
	sub      feed.Subscription
	state    State
	attempts int
	timer    *time.Timer
	gen      uint64 // current subscribe attempt
	closed   uint64 // last attempt reported disconnected
}

// Manager owns the session's non-presence subscriptions.
type Manager struct {
	feed        Subscriber
	store       *state.Store
	applier     Applier
	repairer    Repairer
	backoff     time.Duration
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	topics  map[string]*topicState
	wg      sync.WaitGroup
}

// New creates a manager.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Manager{
		feed:        opts.Feed,
		store:       opts.Store,
		applier:     opts.Applier,
		repairer:    opts.Repairer,
		backoff:     opts.Backoff,
		maxAttempts: maxAttempts,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "subscription"),
		topics:      make(map[string]*topicState),
	}
}

// Topics lists the topics the manager opens for the current store contents.
func Topics(viewerID string, place string) []feed.Topic {
	topics := []feed.Topic{feed.DirectMessagesTopic(viewerID)}
	if place != "" {
		topics = append(topics, feed.PlaceMessagesTopic(place))
	}
	return append(topics, feed.FriendshipsTopic(viewerID), feed.ProfileTopic(viewerID))
}

// Start opens every topic. It is a no-op when already started. A topic whose
// first subscribe fails goes through the reconnect path.
func (m *Manager) Start(ctx context.Context) error {
	if !m.store.PreloadComplete() {
		return ErrPreloadIncomplete
	}
	viewer := m.store.ViewerID()
	if viewer == "" {
		return fmt.Errorf("%w: no viewer", ErrPreloadIncomplete)
	}
	placeID := ""
	if place, ok := m.store.CurrentPlace(); ok {
		placeID = place.ID
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	for _, t := range Topics(viewer, placeID) {
		m.topics[t.Name] = &topicState{topic: t, state: StateReconnecting}
	}
	names := m.sortedNamesLocked()
	m.mu.Unlock()

	for _, name := range names {
		if err := m.attempt(name, false); err != nil {
			m.logger.Warn("initial subscribe failed", "topic", name, "error", err)
		}
	}
	m.logger.Info("subscriptions started", "topics", len(names))
	return nil
}

// Stop releases every subscription and pending reconnect. It is safe to call
// more than once, and Start may be called again afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.cancel()
	var subs []feed.Subscription
	for _, ts := range m.topics {
		if ts.timer != nil && ts.timer.Stop() {
			m.wg.Done()
		}
		ts.timer = nil
		if ts.sub != nil {
			subs = append(subs, ts.sub)
		}
	}
	m.topics = make(map[string]*topicState)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	m.wg.Wait()
	m.logger.Info("subscriptions stopped", "released", len(subs))
}

// Resubscribe retries every topic marked failed, once, right away.
func (m *Manager) Resubscribe(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	var failed []string
	for _, name := range m.sortedNamesLocked() {
		ts := m.topics[name]
		if ts.state == StateFailed {
			ts.attempts = 0
			ts.state = StateReconnecting
			failed = append(failed, name)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, name := range failed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.attempt(name, true); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Health reports every managed topic, ordered by name.
func (m *Manager) Health() []TopicHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TopicHealth, 0, len(m.topics))
	for _, name := range m.sortedNamesLocked() {
		ts := m.topics[name]
		out = append(out, TopicHealth{Topic: ts.topic, State: ts.state, Attempts: ts.attempts})
	}
	return out
}

// attempt subscribes one topic. repair runs the authoritative refetch after
// a successful subscribe. On failure another reconnect is scheduled unless
// the attempts are exhausted.
func (m *Manager) attempt(name string, repair bool) error {
	m.mu.Lock()
	ts, ok := m.topics[name]
	if !m.started || !ok {
		m.mu.Unlock()
		return nil
	}
	ts.gen++
	gen := ts.gen
	ctx := m.ctx
	topic := ts.topic
	m.mu.Unlock()

	sub, err := m.feed.Subscribe(ctx, topic, m.handler(ctx, name, gen))

	m.mu.Lock()
	if !m.started || m.topics[name] != ts {
		m.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		return nil
	}
	if err == nil && ts.closed == gen {
		err = errors.New("subscription closed during setup")
	}
	if err != nil {
		ts.attempts++
		if ts.attempts >= m.maxAttempts {
			ts.state = StateFailed
			m.logger.Error("topic failed", "topic", name, "attempts", ts.attempts, "error", err)
		} else {
			ts.state = StateReconnecting
			m.scheduleLocked(name, ts)
		}
		m.mu.Unlock()
		if repair {
			m.metrics.Reconnect(string(topic.Kind), false)
		}
		return err
	}
	ts.sub = sub
	ts.state = StateLive
	ts.attempts = 0
	m.mu.Unlock()

	if !repair {
		return nil
	}
	m.metrics.Reconnect(string(topic.Kind), true)
	m.logger.Info("topic resubscribed", "topic", name)
	if m.repairer != nil {
		if err := m.repairer.Repair(ctx, topic.Kind); err != nil {
			m.logger.Warn("repair after reconnect failed", "topic", name, "error", err)
		}
	}
	return nil
}

func (m *Manager) handler(ctx context.Context, name string, gen uint64) feed.Handler {
	return feed.Handler{
		OnEvent: func(ev feed.Event) {
			m.applier.Apply(ctx, ev)
		},
		OnStatus: func(s feed.Status, err error) {
			if s.Disconnected() {
				m.disconnected(name, gen, s, err)
			}
		},
	}
}

func (m *Manager) disconnected(name string, gen uint64, s feed.Status, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.topics[name]
	if !m.started || !ok || gen != ts.gen {
		return
	}
	ts.closed = gen
	ts.sub = nil
	ts.state = StateReconnecting
	m.logger.Warn("topic disconnected", "topic", name, "status", s, "error", cause)
	m.scheduleLocked(name, ts)
}

// scheduleLocked arms the topic's reconnect timer unless one is pending.
func (m *Manager) scheduleLocked(name string, ts *topicState) {
	if ts.timer != nil {
		return
	}
	m.wg.Add(1)
	ts.timer = time.AfterFunc(m.backoff, func() {
		defer m.wg.Done()

		m.mu.Lock()
		if m.topics[name] != ts || ts.timer == nil {
			m.mu.Unlock()
			return
		}
		ts.timer = nil
		m.mu.Unlock()

		if err := m.attempt(name, true); err != nil {
			m.logger.Warn("reconnect failed", "topic", name, "error", err)
		}
	})
}

func (m *Manager) sortedNamesLocked() []string {
	names := make([]string, 0, len(m.topics))
	for name := range m.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
