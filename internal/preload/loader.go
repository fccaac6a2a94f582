// ABOUTME: Preload loader: one guarded bulk fetch that installs the initial snapshot
// ABOUTME: Exactly once per session, manual retry from failed, split fetch when /preload is missing

package preload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/2389/orbit-sync/internal/api"
	"github.com/2389/orbit-sync/internal/model"
	"github.com/2389/orbit-sync/internal/state"
)

// Loader errors
var (
	ErrNotFailed  = errors.New("preload has not failed")
	ErrSuperseded = errors.New("preload superseded by reset")
)

// Source is the backend the loader reads. *api.Client implements it.
type Source interface {
	Preload(ctx context.Context) (model.Snapshot, error)
	Profile(ctx context.Context) (model.Profile, error)
	Friends(ctx context.Context) (model.Friends, error)
	Threads(ctx context.Context) (model.ThreadList, error)
	Messages(ctx context.Context, ref model.ConversationRef, limit int) ([]model.Message, error)
}

// State is the loader's lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateLoading      State = "loading"
	StateReady        State = "ready"
	StateFailed       State = "failed"
	StateUnauthorized State = "unauthorized"
)

// splitFetchLimit bounds concurrent per-conversation message fetches.
const splitFetchLimit = 4

// Options configures a Loader.
type Options struct {
	Source Source
	Store  *state.Store
	// Window is how many messages per conversation a split fetch asks for.
	Window int
	Logger *slog.Logger
}

// Loader runs the preload for one session.
type Loader struct {
	source Source
	store  *state.Store
	window int
	logger *slog.Logger

	mu    sync.Mutex
	state State
	err   error
	done  chan struct{}
	gen   uint64
}

// New creates an idle loader.
func New(opts Options) *Loader {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		source: opts.Source,
		store:  opts.Store,
		window: opts.Window,
		logger: logger.With("component", "preload"),
		state:  StateIdle,
	}
}

// State returns the current state.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the error of the last failed run.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Load runs the preload once. Calls while it is in flight wait for it; calls
// after it settled return the settled result without fetching again.
func (l *Loader) Load(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case StateReady:
		l.mu.Unlock()
		return nil
	case StateFailed, StateUnauthorized:
		err := l.err
		l.mu.Unlock()
		return err
	case StateLoading:
		done := l.done
		l.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return l.settled()
	}

	l.state = StateLoading
	l.err = nil
	l.done = make(chan struct{})
	l.gen++
	gen := l.gen
	done := l.done
	l.mu.Unlock()

	snap, err := l.fetch(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.gen {
		return ErrSuperseded
	}
	defer close(done)

	switch {
	case err == nil:
		l.store.ReplaceSnapshot(snap)
		l.state = StateReady
		l.logger.Info("preload complete",
			"viewer", snap.Profile.ID,
			"conversations", len(snap.Messages.Threads),
			"friends", len(snap.Friends.Friends))
		return nil
	case errors.Is(err, api.ErrUnauthorized):
		l.state = StateUnauthorized
	default:
		l.state = StateFailed
	}
	l.err = fmt.Errorf("preload: %w", err)
	l.store.ClearStore()
	l.logger.Warn("preload failed", "state", l.state, "error", err)
	return l.err
}

func (l *Loader) settled() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateReady:
		return nil
	case StateFailed, StateUnauthorized:
		return l.err
	}
	return ErrSuperseded
}

// Retry re-runs the identical loader after a failure.
func (l *Loader) Retry(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateFailed {
		l.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotFailed, l.state)
	}
	l.state = StateIdle
	l.mu.Unlock()
	return l.Load(ctx)
}

// Reset returns the loader to idle for a new session. An in-flight run is
// discarded when it finishes.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateLoading {
		// Waiters are released; the in-flight run sees the new gen and
		// leaves the channel alone.
		close(l.done)
	}
	l.state = StateIdle
	l.err = nil
	l.gen++
}

func (l *Loader) fetch(ctx context.Context) (model.Snapshot, error) {
	snap, err := l.source.Preload(ctx)
	if err == nil {
		return snap, nil
	}
	if !api.IsNotFound(err) {
		return model.Snapshot{}, err
	}
	l.logger.Info("bulk preload unavailable, fetching domains separately")
	return l.splitFetch(ctx)
}

// splitFetch builds the same snapshot from the per-domain endpoints.
func (l *Loader) splitFetch(ctx context.Context) (model.Snapshot, error) {
	var (
		snap    model.Snapshot
		threads model.ThreadList
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := l.source.Profile(gctx)
		if err != nil {
			return fmt.Errorf("profile: %w", err)
		}
		snap.Profile = p
		return nil
	})
	g.Go(func() error {
		f, err := l.source.Friends(gctx)
		if err != nil {
			return fmt.Errorf("friends: %w", err)
		}
		snap.Friends = f
		return nil
	})
	g.Go(func() error {
		t, err := l.source.Threads(gctx)
		if err != nil {
			return fmt.Errorf("threads: %w", err)
		}
		threads = t
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.Snapshot{}, err
	}

	lists := make([][]model.Message, len(threads.Threads))
	mg, mctx := errgroup.WithContext(ctx)
	mg.SetLimit(splitFetchLimit)
	for i, c := range threads.Threads {
		mg.Go(func() error {
			msgs, err := l.source.Messages(mctx, c.Ref(), l.window)
			if err != nil {
				return fmt.Errorf("messages %s: %w", c.Ref(), err)
			}
			lists[i] = msgs
			return nil
		})
	}
	if err := mg.Wait(); err != nil {
		return model.Snapshot{}, err
	}

	snap.Messages = model.MessagesDomain{
		Threads:        threads.Threads,
		ThreadMessages: make(map[string][]model.Message, len(threads.Threads)),
		TotalUnread:    threads.TotalUnread,
	}
	for i, c := range threads.Threads {
		snap.Messages.ThreadMessages[c.ID] = lists[i]
	}
	return snap, nil
}
