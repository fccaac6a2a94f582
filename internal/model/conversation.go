// ABOUTME: Conversation entities (direct threads and place threads) and their ordering
// ABOUTME: Ordering is a pure function of last_message_at so it can be re-derived at any time

package model

import (
	"sort"
	"time"
)

// ConversationKind distinguishes direct threads from place (group) threads.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindPlace  ConversationKind = "place"
)

// Valid reports whether k is a known conversation kind.
func (k ConversationKind) Valid() bool {
	return k == KindDirect || k == KindPlace
}

// ConversationRef identifies a conversation across both kinds. Thread ids and
// place ids live in different tables, so the kind is part of the identity.
type ConversationRef struct {
	Kind ConversationKind `json:"kind"`
	ID   string           `json:"id"`
}

// DirectRef returns the ref of a direct thread.
func DirectRef(id string) ConversationRef { return ConversationRef{Kind: KindDirect, ID: id} }

// PlaceRef returns the ref of a place thread.
func PlaceRef(id string) ConversationRef { return ConversationRef{Kind: KindPlace, ID: id} }

// Key is the map key used by the store.
func (r ConversationRef) Key() string {
	return string(r.Kind) + ":" + r.ID
}

// IsZero reports whether the ref is unset.
func (r ConversationRef) IsZero() bool {
	return r.ID == ""
}

func (r ConversationRef) String() string {
	return r.Key()
}

// Conversation is one entry of the conversation list.
type Conversation struct {
	ID                 string           `json:"id"`
	Kind               ConversationKind `json:"type"`
	ParticipantIDs     []string         `json:"participant_ids,omitempty"`
	PlaceID            string           `json:"place_id,omitempty"`
	Title              string           `json:"title,omitempty"`
	LastMessageAt      time.Time        `json:"last_message_at"`
	LastMessagePreview string           `json:"last_message_preview,omitempty"`
	UnreadCount        int              `json:"unread_count"`
}

// Ref returns the conversation's identity. Conversations decoded without a
// type tag are direct threads.
func (c Conversation) Ref() ConversationRef {
	kind := c.Kind
	if !kind.Valid() {
		kind = KindDirect
	}
	return ConversationRef{Kind: kind, ID: c.ID}
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	if c.ParticipantIDs != nil {
		c.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	}
	return c
}

// SortConversations returns a copy of list ordered by last activity, newest
// first. Ties are broken by id so the order is fully determined by the input.
func SortConversations(list []Conversation) []Conversation {
	out := make([]Conversation, len(list))
	for i := range list {
		out[i] = list[i].Clone()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
