// ABOUTME: Message transitions of the unified store: idempotent append, patch, confirm, rollback
// ABOUTME: Duplicate deliveries of the same message id are no-ops

package state

import (
	"sort"

	"github.com/2389/orbit-sync/internal/model"
)

// Incoming describes a message that arrived for a conversation.
type Incoming struct {
	Ref     model.ConversationRef
	Message model.Message
	// Preview is the list preview text for the message.
	Preview string
	// CountUnread adds the message to the unread counters when it is new.
	CountUnread bool
}

// AppendMessage appends msg at the tail of the conversation's sequence
// unless a message with the same id is already there. It reports whether the
// message was appended.
func (s *Store) AppendMessage(ref model.ConversationRef, msg model.Message) bool {
	s.mu.Lock()
	appended := s.appendLocked(ref, msg)
	s.mu.Unlock()

	if appended {
		s.watch.publishRef(SliceMessages, ref)
	}
	return appended
}

func (s *Store) appendLocked(ref model.ConversationRef, msg model.Message) bool {
	key := ref.Key()
	for _, m := range s.messages[key] {
		if m.ID == msg.ID {
			return false
		}
	}
	msg = msg.Clone()
	msg.ConversationID = ref.ID
	msg.Kind = ref.Kind
	s.messages[key] = append(s.messages[key], msg)
	return true
}

// RecordIncoming appends the message and, only when it was not already
// present, moves the conversation's last activity forward and counts it as
// unread. Conversation and global counters change in the same transition.
func (s *Store) RecordIncoming(in Incoming) bool {
	key := in.Ref.Key()

	s.mu.Lock()
	if !s.appendLocked(in.Ref, in.Message) {
		s.mu.Unlock()
		return false
	}
	conv, known := s.conversations[key]
	if known {
		if !in.Message.CreatedAt.Before(conv.LastMessageAt) {
			conv.LastMessageAt = in.Message.CreatedAt
			conv.LastMessagePreview = in.Preview
		}
		if in.CountUnread {
			conv.UnreadCount++
			s.totalUnread++
		}
		s.conversations[key] = conv
	}
	s.mu.Unlock()

	s.watch.publishRef(SliceMessages, in.Ref)
	if known {
		s.watch.publish(SliceConversations)
	}
	return true
}

// PatchMessage merges patch into the message with the given id. A message
// outside the local window is ignored. It reports whether a message changed.
func (s *Store) PatchMessage(ref model.ConversationRef, id string, patch model.MessagePatch) bool {
	key := ref.Key()

	s.mu.Lock()
	list := s.messages[key]
	idx := indexOf(list, id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	list[idx] = patch.Apply(list[idx].Clone())
	s.mu.Unlock()

	s.watch.publishRef(SliceMessages, ref)
	return true
}

// ReplaceMessage swaps the entry with oldID for msg, keeping its position.
// When msg.ID is already present (the push feed delivered it first) the old
// entry is dropped instead. When oldID is gone, msg is appended.
func (s *Store) ReplaceMessage(ref model.ConversationRef, oldID string, msg model.Message) {
	key := ref.Key()
	msg = msg.Clone()
	msg.ConversationID = ref.ID
	msg.Kind = ref.Kind

	s.mu.Lock()
	list := s.messages[key]
	oldIdx := indexOf(list, oldID)
	switch {
	case indexOf(list, msg.ID) >= 0:
		if oldIdx >= 0 && oldID != msg.ID {
			list = append(list[:oldIdx:oldIdx], list[oldIdx+1:]...)
		}
	case oldIdx >= 0:
		list[oldIdx] = msg
	default:
		list = append(list, msg)
	}
	s.messages[key] = list
	s.mu.Unlock()

	s.watch.publishRef(SliceMessages, ref)
}

// RestoreMessage overwrites the entry with msg.ID with msg exactly. It is the
// rollback path for optimistic edits and deletes.
func (s *Store) RestoreMessage(ref model.ConversationRef, msg model.Message) bool {
	key := ref.Key()

	s.mu.Lock()
	list := s.messages[key]
	idx := indexOf(list, msg.ID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	list[idx] = msg.Clone()
	s.mu.Unlock()

	s.watch.publishRef(SliceMessages, ref)
	return true
}

// RemoveMessage drops an entry. Only optimistic sends that the server
// rejected are ever removed.
func (s *Store) RemoveMessage(ref model.ConversationRef, id string) bool {
	key := ref.Key()

	s.mu.Lock()
	list := s.messages[key]
	idx := indexOf(list, id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages[key] = append(list[:idx:idx], list[idx+1:]...)
	s.mu.Unlock()

	s.watch.publishRef(SliceMessages, ref)
	return true
}

// ReplaceMessages installs an authoritative refetch of a conversation's
// recent messages. Unconfirmed optimistic sends are kept at the tail.
func (s *Store) ReplaceMessages(ref model.ConversationRef, list []model.Message) {
	key := ref.Key()
	fresh := s.windowed(ref, list)

	s.mu.Lock()
	for _, m := range s.messages[key] {
		if m.Pending && indexOf(fresh, m.ID) < 0 {
			fresh = append(fresh, m)
		}
	}
	s.messages[key] = fresh
	s.mu.Unlock()

	s.watch.publishRef(SliceMessages, ref)
}

// MessageRefs lists the conversations that hold cached messages.
func (s *Store) MessageRefs() []model.ConversationRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]model.ConversationRef, 0, len(s.messages))
	for _, list := range s.messages {
		if len(list) > 0 {
			refs = append(refs, model.ConversationRef{Kind: list[0].Kind, ID: list[0].ConversationID})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key() < refs[j].Key() })
	return refs
}

// Messages returns the conversation's sequence, oldest first.
func (s *Store) Messages(ref model.ConversationRef) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.messages[ref.Key()]
	out := make([]model.Message, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}

// Message returns one message from the local window.
func (s *Store) Message(ref model.ConversationRef, id string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.messages[ref.Key()]
	idx := indexOf(list, id)
	if idx < 0 {
		return model.Message{}, false
	}
	return list[idx].Clone(), true
}

func indexOf(list []model.Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}
