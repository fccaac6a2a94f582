// ABOUTME: Tests for optimistic mutations and their explicit rollbacks
// ABOUTME: Rejections must leave the store exactly as it was before the mutation

package session

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/orbit-sync/internal/api"
	"github.com/2389/orbit-sync/internal/feed"
	"github.com/2389/orbit-sync/internal/journal"
	"github.com/2389/orbit-sync/internal/model"
)

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestSendMessageConfirmed(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	sent, err := h.session.SendMessage(t.Context(), convA, "hello")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", sent.ID)

	msgs := h.session.Store().Messages(convA)
	assert.Equal(t, []string{"a1", "mine", "srv-1"}, ids(msgs))
	assert.False(t, msgs[2].Pending)

	// The feed echo of the same row is absorbed.
	h.push(t, "dm:me", feed.MessageInserted{Conversation: convA, Message: sent})
	assert.Len(t, h.session.Store().Messages(convA), 3)
	assert.Equal(t, 3, h.unread(t, convA), "own messages never count as unread")
	assert.Equal(t, journal.OutcomeConfirmed, h.journal.last().Outcome)
}

func TestSendMessageEchoBeforeResponse(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	store := h.session.Store()

	local := model.Message{ID: model.LocalIDPrefix + "x", SenderID: "me", Content: model.StringPtr("yo"), Pending: true}
	store.AppendMessage(convA, local)
	echo := model.Message{ID: "srv-9", SenderID: "me", Content: model.StringPtr("yo")}
	h.push(t, "dm:me", feed.MessageInserted{Conversation: convA, Message: echo})
	store.ReplaceMessage(convA, local.ID, echo)

	assert.Equal(t, []string{"a1", "mine", "srv-9"}, ids(store.Messages(convA)))
}

func TestSendMessageRejectedRemovesLocalEntry(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	before := h.session.Store().Messages(convA)
	h.backend.set(func(b *fakeBackend) { b.mutateErr = &api.StatusError{Code: http.StatusForbidden, Message: "blocked"} })

	_, err := h.session.SendMessage(t.Context(), convA, "hello")
	var se *api.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "blocked", se.Message)

	assert.Equal(t, before, h.session.Store().Messages(convA))
	last := h.journal.last()
	assert.Equal(t, journal.ActionSendMessage, last.Action)
	assert.Equal(t, journal.OutcomeRolledBack, last.Outcome)
	assert.Equal(t, map[string]any{"status": http.StatusForbidden}, last.Detail)
}

func TestSendMessageValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.session.SendMessage(t.Context(), convA, "hi")
	assert.ErrorIs(t, err, ErrNotStarted)

	h.start(t)
	_, err = h.session.SendMessage(t.Context(), convA, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Zero(t, h.backend.count("send"))
}

func TestEditMessageLocalChecks(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	store := h.session.Store()

	assert.ErrorIs(t, h.session.EditMessage(t.Context(), convA, "a1", "x"), ErrNotSender)
	assert.ErrorIs(t, h.session.EditMessage(t.Context(), convA, "nope", "x"), ErrMessageNotFound)

	h.setNow(base.Add(model.EditWindow))
	assert.ErrorIs(t, h.session.EditMessage(t.Context(), convA, "mine", "x"), ErrEditWindowExpired)
	h.setNow(base.Add(time.Minute))

	store.PatchMessage(convA, "mine", model.MessagePatch{Deleted: model.BoolPtr(true)})
	assert.ErrorIs(t, h.session.EditMessage(t.Context(), convA, "mine", "x"), ErrMessageDeleted)
	assert.Zero(t, h.backend.count("edit"))
}

func TestEditMessageConfirmedAndRolledBack(t *testing.T) {
	h := newHarness(t)
	h.setNow(base.Add(time.Minute))
	h.start(t)
	store := h.session.Store()

	require.NoError(t, h.session.EditMessage(t.Context(), convA, "mine", "fixed"))
	got, _ := store.Message(convA, "mine")
	assert.Equal(t, "fixed", got.Text())
	assert.True(t, got.Edited)

	before, _ := store.Message(convA, "mine")
	h.backend.set(func(b *fakeBackend) {
		b.mutateErr = &api.StatusError{Code: http.StatusForbidden, Message: "edit window has passed"}
	})
	err := h.session.EditMessage(t.Context(), convA, "mine", "again")
	assert.ErrorContains(t, err, "edit window has passed")

	after, _ := store.Message(convA, "mine")
	assert.Equal(t, before, after)
}

func TestDeleteMessage(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	store := h.session.Store()
	before, _ := store.Message(convA, "mine")

	h.backend.set(func(b *fakeBackend) { b.mutateErr = errors.New("timeout") })
	require.Error(t, h.session.DeleteMessage(t.Context(), convA, "mine"))
	after, _ := store.Message(convA, "mine")
	assert.Equal(t, before, after)

	h.backend.set(func(b *fakeBackend) { b.mutateErr = nil })
	require.NoError(t, h.session.DeleteMessage(t.Context(), convA, "mine"))
	deleted, _ := store.Message(convA, "mine")
	assert.True(t, deleted.Deleted)
	assert.Nil(t, deleted.Content)

	require.NoError(t, h.session.DeleteMessage(t.Context(), convA, "mine"))
	assert.Equal(t, 2, h.backend.count("delete"))

	assert.ErrorIs(t, h.session.DeleteMessage(t.Context(), convA, "a1"), ErrNotSender)
}

func TestAcceptFriendRequestRollbackIsBitIdentical(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	store := h.session.Store()
	before := store.Friends()

	h.backend.set(func(b *fakeBackend) {
		b.mutateErr = &api.StatusError{Code: http.StatusConflict, Message: "friend limit reached"}
	})
	require.Error(t, h.session.AcceptFriendRequest(t.Context(), "f2"))
	assert.Equal(t, before, store.Friends())
	assert.Equal(t, journal.OutcomeRolledBack, h.journal.last().Outcome)

	h.backend.set(func(b *fakeBackend) { b.mutateErr = nil })
	require.NoError(t, h.session.AcceptFriendRequest(t.Context(), "f2"))
	after := store.Friends()
	require.Len(t, after.Friends, 2)
	assert.Equal(t, model.FriendshipAccepted, after.Friends[1].Status)
	require.Len(t, after.Requests, 1)
	assert.Equal(t, "f3", after.Requests[0].ID)

	assert.ErrorIs(t, h.session.AcceptFriendRequest(t.Context(), "f2"), ErrRequestNotFound)
}

func TestUpdateAvatar(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	store := h.session.Store()

	h.backend.set(func(b *fakeBackend) { b.mutateErr = errors.New("upload failed") })
	require.Error(t, h.session.UpdateAvatar(t.Context(), "https://img/new.png"))
	viewer, _ := store.Viewer()
	assert.Equal(t, "https://img/old.png", viewer.AvatarURL)

	h.backend.set(func(b *fakeBackend) { b.mutateErr = nil })
	require.NoError(t, h.session.UpdateAvatar(t.Context(), "https://img/new.png"))
	viewer, _ = store.Viewer()
	assert.Equal(t, "https://img/new.png", viewer.AvatarURL)
}

func TestMutationUnauthorizedClearsSession(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.backend.set(func(b *fakeBackend) { b.mutateErr = api.ErrUnauthorized })

	err := h.session.AcceptFriendRequest(t.Context(), "f2")
	assert.ErrorIs(t, err, api.ErrUnauthorized)
	assert.Equal(t, int32(1), h.unauth.Load())
	assert.False(t, h.session.Store().PreloadComplete())
}
