// ABOUTME: Fan-out of store change notifications to view watchers
// ABOUTME: Non-blocking publish; watchers are removed when their context ends

package state

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/orbit-sync/internal/model"
)

// Slice names a part of the store a view can watch.
type Slice string

const (
	SliceSession       Slice = "session"
	SliceProfile       Slice = "profile"
	SliceFriends       Slice = "friends"
	SliceConversations Slice = "conversations"
	SliceMessages      Slice = "messages"
	SlicePresence      Slice = "presence"
)

func allSlices() []Slice {
	return []Slice{SliceSession, SliceProfile, SliceFriends, SliceConversations, SliceMessages, SlicePresence}
}

// Change is one notification. Conversation is set for SliceMessages.
type Change struct {
	Slice        Slice
	Conversation model.ConversationRef
}

// watcherBufferSize is the channel buffer of each watcher.
const watcherBufferSize = 64

type watcher struct {
	ch     chan Change
	slices map[Slice]bool // empty means every slice
}

type watchers struct {
	mu     sync.RWMutex
	subs   map[string]*watcher
	logger *slog.Logger
}

func newWatchers(logger *slog.Logger) *watchers {
	return &watchers{
		subs:   make(map[string]*watcher),
		logger: logger,
	}
}

// Watch returns a channel of changes to the given slices (all slices when
// none are given). The channel is closed when ctx ends.
func (s *Store) Watch(ctx context.Context, slices ...Slice) <-chan Change {
	return s.watch.add(ctx, slices)
}

func (w *watchers) add(ctx context.Context, slices []Slice) <-chan Change {
	id := uuid.New().String()
	sub := &watcher{
		ch:     make(chan Change, watcherBufferSize),
		slices: make(map[Slice]bool, len(slices)),
	}
	for _, sl := range slices {
		sub.slices[sl] = true
	}

	w.mu.Lock()
	w.subs[id] = sub
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.remove(id)
	}()
	return sub.ch
}

func (w *watchers) remove(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sub, ok := w.subs[id]
	if !ok {
		return
	}
	delete(w.subs, id)
	close(sub.ch)
}

func (w *watchers) publish(slices ...Slice) {
	for _, sl := range slices {
		w.send(Change{Slice: sl})
	}
}

func (w *watchers) publishRef(sl Slice, ref model.ConversationRef) {
	w.send(Change{Slice: sl, Conversation: ref})
}

func (w *watchers) send(c Change) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for id, sub := range w.subs {
		if len(sub.slices) > 0 && !sub.slices[c.Slice] {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			w.logger.Debug("dropped change for slow watcher", "watcher", id, "slice", c.Slice)
		}
	}
}
