// ABOUTME: Message entity shared by direct and place threads
// ABOUTME: Carries soft-delete and edit flags plus the client-side edit affordance check

package model

import "time"

// EditWindow is how long after creation a sender may edit a message. The
// server enforces it; the client only uses it to decide what to offer.
const EditWindow = 15 * time.Minute

// LocalIDPrefix marks ids generated for optimistic messages that the server
// has not confirmed yet.
const LocalIDPrefix = "local-"

// Message is a direct or place message.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Kind           ConversationKind `json:"kind,omitempty"`
	SenderID       string           `json:"sender_id"`
	Content        *string          `json:"content"`
	Edited         bool             `json:"edited"`
	Deleted        bool             `json:"deleted"`
	CreatedAt      time.Time        `json:"created_at"`

	// Pending is set on optimistic entries until the server confirms them.
	Pending bool `json:"-"`
}

// Text returns the message content, or "" when it has been cleared.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Clone returns a copy that shares no memory with m.
func (m Message) Clone() Message {
	if m.Content != nil {
		c := *m.Content
		m.Content = &c
	}
	return m
}

// EditableBy reports whether viewer may be offered an edit of m at now.
func (m Message) EditableBy(viewer string, now time.Time) bool {
	if m.Deleted || m.Pending || viewer == "" || m.SenderID != viewer {
		return false
	}
	return now.Sub(m.CreatedAt) < EditWindow
}

// MessagePatch is a partial update merged into an existing message.
// Nil fields are left untouched.
type MessagePatch struct {
	Content *string
	Edited  *bool
	Deleted *bool
}

// Apply merges p into m. A deleted message keeps its content cleared and
// ignores further content changes.
func (p MessagePatch) Apply(m Message) Message {
	if p.Deleted != nil && *p.Deleted {
		m.Deleted = true
	}
	if m.Deleted {
		m.Content = nil
		return m
	}
	if p.Content != nil {
		c := *p.Content
		m.Content = &c
	}
	if p.Edited != nil {
		m.Edited = *p.Edited
	}
	return m
}

// PatchFrom builds the patch that turns an existing message into next.
func PatchFrom(next Message) MessagePatch {
	edited := next.Edited
	deleted := next.Deleted
	p := MessagePatch{Edited: &edited, Deleted: &deleted}
	if next.Content != nil {
		c := *next.Content
		p.Content = &c
	}
	return p
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }
