// ABOUTME: Closed union of decoded change feed events and the decoder that builds them
// ABOUTME: Raw per-table payloads are decoded here so consumers never see untyped JSON

package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/2389/orbit-sync/internal/model"
)

// ErrUndecodable is returned for frames that do not map to an Event.
var ErrUndecodable = errors.New("undecodable frame")

// Op is the row operation of a change frame.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Event is one decoded notification. The set of implementations is closed.
type Event interface {
	event()
}

// MessageInserted carries a newly inserted message.
type MessageInserted struct {
	Conversation model.ConversationRef
	Message      model.Message
}

// MessageUpdated carries the new state of an edited or deleted message.
type MessageUpdated struct {
	Conversation model.ConversationRef
	Message      model.Message
}

// FriendshipChanged reports any change to a friendship row.
type FriendshipChanged struct {
	Op         Op
	Friendship model.Friendship
}

// ProfileUpdated carries a changed profile row.
type ProfileUpdated struct {
	Profile model.Profile
}

// PresenceSynced is a full presence snapshot.
type PresenceSynced struct {
	Online []string
}

func (MessageInserted) event()   {}
func (MessageUpdated) event()    {}
func (FriendshipChanged) event() {}
func (ProfileUpdated) event()    {}
func (PresenceSynced) event()    {}

// messageRow is the column layout shared by direct_messages and place_messages.
type messageRow struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	PlaceID   string    `json:"place_id"`
	SenderID  string    `json:"sender_id"`
	Content   *string   `json:"content"`
	Edited    bool      `json:"edited"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
}

// Decode turns a change or presence frame of a topic of the given kind into
// an Event.
func Decode(kind Kind, f Frame) (Event, error) {
	switch kind {
	case KindDirectMessages, KindPlaceMessages:
		return decodeMessage(kind, f)
	case KindFriendships:
		return decodeFriendship(f)
	case KindProfiles:
		return decodeProfile(f)
	case KindPresence:
		return decodePresence(f)
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrUndecodable, kind)
}

func decodeMessage(kind Kind, f Frame) (Event, error) {
	if f.Type != FrameChange {
		return nil, fmt.Errorf("%w: %s frame on message topic", ErrUndecodable, f.Type)
	}

	raw := f.Record
	if f.Op == OpDelete {
		raw = f.OldRecord
	}
	var row messageRow
	if err := unmarshalRecord(raw, &row); err != nil {
		return nil, err
	}

	ref := model.DirectRef(row.ThreadID)
	if kind == KindPlaceMessages {
		ref = model.PlaceRef(row.PlaceID)
	}
	if row.ID == "" || ref.ID == "" {
		return nil, fmt.Errorf("%w: message row without id or conversation", ErrUndecodable)
	}

	m := model.Message{
		ID:             row.ID,
		ConversationID: ref.ID,
		Kind:           ref.Kind,
		SenderID:       row.SenderID,
		Content:        row.Content,
		Edited:         row.Edited,
		Deleted:        row.Deleted,
		CreatedAt:      row.CreatedAt,
	}

	switch f.Op {
	case OpInsert:
		return MessageInserted{Conversation: ref, Message: m}, nil
	case OpUpdate:
		return MessageUpdated{Conversation: ref, Message: m}, nil
	case OpDelete:
		// A hard delete reads the same as a soft delete to the cache.
		m.Deleted = true
		m.Content = nil
		return MessageUpdated{Conversation: ref, Message: m}, nil
	}
	return nil, fmt.Errorf("%w: op %q", ErrUndecodable, f.Op)
}

func decodeFriendship(f Frame) (Event, error) {
	if f.Type != FrameChange {
		return nil, fmt.Errorf("%w: %s frame on friendship topic", ErrUndecodable, f.Type)
	}
	raw := f.Record
	if f.Op == OpDelete {
		raw = f.OldRecord
	}
	var fr model.Friendship
	if err := unmarshalRecord(raw, &fr); err != nil {
		return nil, err
	}
	if fr.ID == "" {
		return nil, fmt.Errorf("%w: friendship row without id", ErrUndecodable)
	}
	switch f.Op {
	case OpInsert, OpUpdate, OpDelete:
		return FriendshipChanged{Op: f.Op, Friendship: fr}, nil
	}
	return nil, fmt.Errorf("%w: op %q", ErrUndecodable, f.Op)
}

func decodeProfile(f Frame) (Event, error) {
	if f.Type != FrameChange || (f.Op != OpInsert && f.Op != OpUpdate) {
		return nil, fmt.Errorf("%w: profile %s %s", ErrUndecodable, f.Type, f.Op)
	}
	var p model.Profile
	if err := unmarshalRecord(f.Record, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: profile row without id", ErrUndecodable)
	}
	return ProfileUpdated{Profile: p}, nil
}

func decodePresence(f Frame) (Event, error) {
	if f.Type != FramePresenceState {
		return nil, fmt.Errorf("%w: %s frame on presence topic", ErrUndecodable, f.Type)
	}
	online := make([]string, 0, len(f.State))
	for userID, metas := range f.State {
		if userID != "" && len(metas) > 0 {
			online = append(online, userID)
		}
	}
	sort.Strings(online)
	return PresenceSynced{Online: online}, nil
}

func unmarshalRecord(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty record", ErrUndecodable)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return nil
}
