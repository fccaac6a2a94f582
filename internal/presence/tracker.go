// ABOUTME: Presence tracker: publishes this viewer's heartbeat and derives the online set
// ABOUTME: State machine inactive -> tracking <-> paused -> inactive, driven by visibility

package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/orbit-sync/internal/feed"
)

// ErrNoViewer is returned by Start without a viewer id.
var ErrNoViewer = errors.New("no viewer id")

// Feed is the part of the change feed the tracker needs. *feed.Client
// implements it.
type Feed interface {
	Subscribe(ctx context.Context, topic feed.Topic, h feed.Handler) (feed.Subscription, error)
	Track(ctx context.Context, topic feed.Topic, hb feed.Heartbeat) error
	Untrack(ctx context.Context, topic feed.Topic) error
}

// Sink receives the online set, rebuilt wholesale on every sync.
type Sink interface {
	ReplaceOnline(ids []string)
}

// State is the tracker's lifecycle state.
type State string

const (
	StateInactive State = "inactive"
	StateTracking State = "tracking"
	StatePaused   State = "paused"
)

// Link is the health of the presence topic subscription.
type Link string

const (
	LinkLive         Link = "live"
	LinkReconnecting Link = "reconnecting"
	LinkFailed       Link = "failed"
)

// Health describes the presence topic. Link is empty while inactive.
type Health struct {
	Topic    feed.Topic
	Link     Link
	Attempts int
}

// Options configures a Tracker.
type Options struct {
	Feed  Feed
	Sink  Sink
	Topic string
	// Interval re-asserts the heartbeat while tracking. Zero disables it.
	Interval time.Duration
	// Backoff is the delay before resubscribing a dropped presence topic.
	Backoff time.Duration
	// MaxAttempts bounds consecutive failed resubscribes before the topic is
	// marked failed. Zero means 5.
	MaxAttempts int
	Now         func() time.Time
	Logger      *slog.Logger
}

// Tracker owns the presence topic.
type Tracker struct {
	feed     Feed
	sink     Sink
	topic    feed.Topic
	interval time.Duration
	backoff  time.Duration
	maxTries int
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	viewer   string
	sub      feed.Subscription
	gen      uint64
	link     Link
	attempts int
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a tracker in the inactive state.
func New(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	name := opts.Topic
	if name == "" {
		name = "online-users"
	}
	maxTries := opts.MaxAttempts
	if maxTries <= 0 {
		maxTries = 5
	}
	return &Tracker{
		feed:     opts.Feed,
		sink:     opts.Sink,
		topic:    feed.PresenceTopic(name),
		interval: opts.Interval,
		backoff:  opts.Backoff,
		maxTries: maxTries,
		now:      now,
		logger:   logger.With("component", "presence"),
		state:    StateInactive,
	}
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Health reports the presence topic subscription.
func (t *Tracker) Health() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Health{Topic: t.topic, Link: t.link, Attempts: t.attempts}
}

// Start subscribes to the presence topic and begins tracking viewerID. A
// tracker that is already started is left as it is.
func (t *Tracker) Start(ctx context.Context, viewerID string) error {
	if viewerID == "" {
		return ErrNoViewer
	}

	t.mu.Lock()
	if t.state != StateInactive {
		t.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.viewer = viewerID
	t.runCtx = runCtx
	t.cancel = cancel
	t.state = StateTracking
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	if err := t.subscribe(runCtx, gen); err != nil {
		t.reset()
		return fmt.Errorf("subscribing presence: %w", err)
	}
	if err := t.track(runCtx); err != nil {
		t.logger.Warn("initial heartbeat failed", "error", err)
	}

	if t.interval > 0 {
		t.wg.Add(1)
		go t.heartbeatLoop(runCtx)
	}
	t.logger.Info("presence tracking started", "viewer", viewerID, "topic", t.topic.Name)
	return nil
}

// SetVisible pauses or resumes the heartbeat. Hiding withdraws the heartbeat
// so other viewers see this user go offline right away.
func (t *Tracker) SetVisible(ctx context.Context, visible bool) error {
	t.mu.Lock()
	switch {
	case visible && t.state == StatePaused:
		t.state = StateTracking
		t.mu.Unlock()
		return t.track(ctx)
	case !visible && t.state == StateTracking:
		t.state = StatePaused
		t.mu.Unlock()
		if err := t.feed.Untrack(ctx, t.topic); err != nil {
			return fmt.Errorf("withdrawing heartbeat: %w", err)
		}
		return nil
	}
	t.mu.Unlock()
	return nil
}

// Stop withdraws the heartbeat, releases the topic and returns to inactive.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateInactive {
		t.mu.Unlock()
		return nil
	}
	wasTracking := t.state == StateTracking
	t.mu.Unlock()

	var err error
	if wasTracking {
		if uerr := t.feed.Untrack(ctx, t.topic); uerr != nil {
			err = fmt.Errorf("withdrawing heartbeat: %w", uerr)
		}
	}
	t.reset()
	t.wg.Wait()
	t.logger.Info("presence tracking stopped")
	return err
}

func (t *Tracker) reset() {
	t.mu.Lock()
	sub := t.sub
	cancel := t.cancel
	t.sub = nil
	t.cancel = nil
	t.viewer = ""
	t.state = StateInactive
	t.link = ""
	t.attempts = 0
	t.runCtx = nil
	t.gen++
	t.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
}

func (t *Tracker) subscribe(ctx context.Context, gen uint64) error {
	sub, err := t.feed.Subscribe(ctx, t.topic, feed.Handler{
		OnEvent: func(ev feed.Event) {
			if synced, ok := ev.(feed.PresenceSynced); ok {
				t.sink.ReplaceOnline(synced.Online)
			}
		},
		OnStatus: func(s feed.Status, err error) {
			if s.Disconnected() {
				t.dropped(ctx, gen, s, err)
			}
		},
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		sub.Unsubscribe()
		return nil
	}
	t.sub = sub
	t.link = LinkLive
	t.attempts = 0
	return nil
}

// Resubscribe retries a presence topic that gave up reconnecting. It is a
// no-op unless the topic is marked failed.
func (t *Tracker) Resubscribe(ctx context.Context) error {
	t.mu.Lock()
	if t.link != LinkFailed || t.runCtx == nil {
		t.mu.Unlock()
		return nil
	}
	t.gen++
	gen := t.gen
	runCtx := t.runCtx
	t.link = LinkReconnecting
	t.attempts = 0
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.subscribe(runCtx, gen); err != nil {
		t.mu.Lock()
		if t.gen == gen {
			t.link = LinkFailed
			t.attempts = 1
		}
		t.mu.Unlock()
		return fmt.Errorf("resubscribing presence: %w", err)
	}
	t.retrack(runCtx)
	return nil
}

// dropped starts the reconnect loop after a presence topic loss.
func (t *Tracker) dropped(ctx context.Context, gen uint64, s feed.Status, cause error) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.gen++
	next := t.gen
	t.sub = nil
	t.link = LinkReconnecting
	t.attempts = 0
	t.wg.Add(1)
	t.mu.Unlock()

	t.logger.Warn("presence topic dropped", "status", s, "error", cause)
	go t.reconnect(ctx, next)
}

// reconnect resubscribes after a fixed backoff, up to maxTries times in a
// row, then marks the topic failed until Resubscribe.
func (t *Tracker) reconnect(ctx context.Context, gen uint64) {
	defer t.wg.Done()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.backoff):
		}

		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.attempts = attempt
		t.mu.Unlock()

		err := t.subscribe(ctx, gen)
		if err == nil {
			t.retrack(ctx)
			return
		}
		t.logger.Warn("presence resubscribe failed", "attempt", attempt, "error", err)

		if attempt >= t.maxTries {
			t.mu.Lock()
			if t.gen == gen {
				t.link = LinkFailed
			}
			t.mu.Unlock()
			t.logger.Error("presence topic failed", "attempts", attempt)
			return
		}
	}
}

// retrack re-asserts the heartbeat after a resubscribe. The server forgets
// heartbeats with the connection.
func (t *Tracker) retrack(ctx context.Context) {
	if t.State() != StateTracking {
		return
	}
	if err := t.track(ctx); err != nil {
		t.logger.Warn("heartbeat after resubscribe failed", "error", err)
	}
}

func (t *Tracker) track(ctx context.Context) error {
	t.mu.Lock()
	viewer := t.viewer
	t.mu.Unlock()
	if viewer == "" {
		return ErrNoViewer
	}
	if err := t.feed.Track(ctx, t.topic, feed.Heartbeat{UserID: viewer, OnlineAt: t.now().UTC()}); err != nil {
		return fmt.Errorf("publishing heartbeat: %w", err)
	}
	return nil
}

func (t *Tracker) heartbeatLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.State() != StateTracking {
				continue
			}
			if err := t.track(ctx); err != nil {
				t.logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}
