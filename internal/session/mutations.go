// ABOUTME: Optimistic mutations: applied to the store first, rolled back on rejection
// ABOUTME: Every outcome is journaled; rollbacks restore the exact pre-mutation values

package session

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/orbit-sync/internal/api"
	"github.com/2389/orbit-sync/internal/journal"
	"github.com/2389/orbit-sync/internal/model"
)

// SendMessage shows the message immediately under a local id and swaps in
// the server row when the send is confirmed.
func (s *Session) SendMessage(ctx context.Context, ref model.ConversationRef, content string) (model.Message, error) {
	viewer := s.store.ViewerID()
	if viewer == "" {
		return model.Message{}, ErrNotStarted
	}
	if strings.TrimSpace(content) == "" {
		return model.Message{}, ErrEmptyMessage
	}

	local := model.Message{
		ID:        model.LocalIDPrefix + uuid.New().String(),
		SenderID:  viewer,
		Content:   model.StringPtr(content),
		CreatedAt: s.now().UTC(),
		Pending:   true,
	}
	s.store.AppendMessage(ref, local)

	sent, err := s.api.SendMessage(ctx, ref, content)
	if err != nil {
		s.store.RemoveMessage(ref, local.ID)
		s.rolledBack(journal.ActionSendMessage, ref.Key(), err)
		return model.Message{}, err
	}

	s.store.ReplaceMessage(ref, local.ID, sent)
	s.ScheduleRefetch()
	s.confirmed(journal.ActionSendMessage, ref.Key(), map[string]any{"message_id": sent.ID})
	return sent, nil
}

// EditMessage replaces a message's content. The local checks only decide
// whether to try; the server has the final say on ownership and the window.
func (s *Session) EditMessage(ctx context.Context, ref model.ConversationRef, id, content string) error {
	prev, err := s.ownMessage(ref, id)
	if err != nil {
		return err
	}
	if prev.Pending {
		return ErrMessagePending
	}
	if !prev.EditableBy(s.store.ViewerID(), s.now()) {
		return ErrEditWindowExpired
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}

	s.store.PatchMessage(ref, id, model.MessagePatch{Content: model.StringPtr(content), Edited: model.BoolPtr(true)})

	edited, err := s.api.EditMessage(ctx, id, content)
	if err != nil {
		s.store.RestoreMessage(ref, prev)
		s.rolledBack(journal.ActionEditMessage, id, err)
		return err
	}

	s.store.PatchMessage(ref, id, model.PatchFrom(edited))
	s.confirmed(journal.ActionEditMessage, id, nil)
	return nil
}

// DeleteMessage soft-deletes a message. Deleting twice is a no-op.
func (s *Session) DeleteMessage(ctx context.Context, ref model.ConversationRef, id string) error {
	prev, err := s.ownMessage(ref, id)
	if errors.Is(err, ErrMessageDeleted) {
		return nil
	}
	if err != nil {
		return err
	}

	s.store.PatchMessage(ref, id, model.MessagePatch{Deleted: model.BoolPtr(true)})

	if err := s.api.DeleteMessage(ctx, id); err != nil {
		s.store.RestoreMessage(ref, prev)
		s.rolledBack(journal.ActionDeleteMessage, id, err)
		return err
	}
	s.confirmed(journal.ActionDeleteMessage, id, nil)
	return nil
}

// AcceptFriendRequest moves the request into the friends list right away.
// On rejection both lists are put back exactly as they were.
func (s *Session) AcceptFriendRequest(ctx context.Context, friendshipID string) error {
	before := s.store.Friends()
	if !s.store.AcceptRequest(friendshipID) {
		return ErrRequestNotFound
	}

	if _, err := s.api.AcceptFriendRequest(ctx, friendshipID); err != nil {
		s.store.RestoreFriends(before)
		s.rolledBack(journal.ActionAcceptFriend, friendshipID, err)
		return err
	}
	s.confirmed(journal.ActionAcceptFriend, friendshipID, nil)
	return nil
}

// UpdateAvatar switches the viewer's photo optimistically.
func (s *Session) UpdateAvatar(ctx context.Context, avatarURL string) error {
	prev, ok := s.store.Viewer()
	if !ok {
		return ErrNotStarted
	}

	patch := model.ProfilePatch{AvatarURL: model.StringPtr(avatarURL)}
	s.store.SetProfile(patch.Apply(prev))

	updated, err := s.api.UpdateProfile(ctx, patch)
	if err != nil {
		s.store.SetProfile(prev)
		s.rolledBack(journal.ActionUpdateAvatar, prev.ID, err)
		return err
	}
	s.store.SetProfile(updated)
	s.confirmed(journal.ActionUpdateAvatar, prev.ID, map[string]any{"avatar_url": updated.AvatarURL})
	return nil
}

// ownMessage returns the viewer's own, undeleted message from the window.
func (s *Session) ownMessage(ref model.ConversationRef, id string) (model.Message, error) {
	viewer := s.store.ViewerID()
	if viewer == "" {
		return model.Message{}, ErrNotStarted
	}
	m, ok := s.store.Message(ref, id)
	if !ok {
		return model.Message{}, ErrMessageNotFound
	}
	if m.SenderID != viewer {
		return model.Message{}, ErrNotSender
	}
	if m.Deleted {
		return m, ErrMessageDeleted
	}
	return m, nil
}

func (s *Session) rolledBack(action journal.Action, target string, err error) {
	s.metrics.Rollback(string(action))
	s.logger.Warn("mutation rolled back", "action", action, "target", target, "error", err)

	entry := journal.Entry{Action: action, Outcome: journal.OutcomeRolledBack, Target: target, Error: err.Error()}
	var se *api.StatusError
	if errors.As(err, &se) {
		entry.Detail = map[string]any{"status": se.Code}
	}
	s.journal.Record(entry)
	s.checkUnauthorized(err)
}

func (s *Session) confirmed(action journal.Action, target string, detail map[string]any) {
	s.journal.Record(journal.Entry{Action: action, Outcome: journal.OutcomeConfirmed, Target: target, Detail: detail})
}
