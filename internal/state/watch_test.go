// ABOUTME: Tests for store change notifications
// ABOUTME: Covers slice filtering, per-conversation message changes and context cleanup

package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/orbit-sync/internal/model"
)

func TestWatch_FiltersBySlice(t *testing.T) {
	s := New(Options{})
	ch := s.Watch(t.Context(), SlicePresence)

	s.AppendMessage(model.DirectRef("A"), msg("m1", "ann", 0))
	s.ReplaceOnline([]string{"ann"})

	select {
	case c := <-ch:
		assert.Equal(t, SlicePresence, c.Slice)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
	select {
	case c := <-ch:
		t.Fatalf("unexpected change %v", c)
	default:
	}
}

func TestWatch_MessageChangeCarriesConversation(t *testing.T) {
	s := New(Options{})
	ch := s.Watch(t.Context(), SliceMessages)

	s.AppendMessage(model.PlaceRef("p1"), msg("m1", "ann", 0))

	select {
	case c := <-ch:
		assert.Equal(t, model.PlaceRef("p1"), c.Conversation)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
}

func TestWatch_ClosedWhenContextEnds(t *testing.T) {
	s := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Watch(ctx)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
