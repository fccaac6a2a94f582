// ABOUTME: Change feed topic names, kinds and per-subscription status values
// ABOUTME: Topic constructors build the filtered topics the engine subscribes to

package feed

import "fmt"

// Kind is the table or channel a topic follows.
type Kind string

const (
	KindDirectMessages Kind = "direct_messages"
	KindPlaceMessages  Kind = "place_messages"
	KindFriendships    Kind = "friendships"
	KindProfiles       Kind = "profiles"
	KindPresence       Kind = "presence"
)

// Topic is one named, filtered subscription target.
type Topic struct {
	Name   string
	Kind   Kind
	Filter string
}

func (t Topic) String() string {
	return t.Name
}

// DirectMessagesTopic follows direct messages in threads the viewer is part of.
func DirectMessagesTopic(viewerID string) Topic {
	return Topic{
		Name:   "dm:" + viewerID,
		Kind:   KindDirectMessages,
		Filter: "participant_id=eq." + viewerID,
	}
}

// PlaceMessagesTopic follows messages posted in one place.
func PlaceMessagesTopic(placeID string) Topic {
	return Topic{
		Name:   "place:" + placeID,
		Kind:   KindPlaceMessages,
		Filter: "place_id=eq." + placeID,
	}
}

// FriendshipsTopic follows friendship rows on either side of the viewer.
func FriendshipsTopic(viewerID string) Topic {
	return Topic{
		Name:   "friendships:" + viewerID,
		Kind:   KindFriendships,
		Filter: fmt.Sprintf("or(requester_id.eq.%s,addressee_id.eq.%s)", viewerID, viewerID),
	}
}

// ProfileTopic follows the viewer's own profile row.
func ProfileTopic(viewerID string) Topic {
	return Topic{
		Name:   "profile:" + viewerID,
		Kind:   KindProfiles,
		Filter: "id=eq." + viewerID,
	}
}

// PresenceTopic is the shared heartbeat channel.
func PresenceTopic(name string) Topic {
	return Topic{Name: name, Kind: KindPresence}
}

// Status is a subscription lifecycle notification.
type Status string

const (
	StatusSubscribed Status = "subscribed"
	StatusError      Status = "error"
	StatusTimedOut   Status = "timed_out"
	StatusClosed     Status = "closed"
)

// Disconnected reports whether the status ends the subscription.
func (s Status) Disconnected() bool {
	return s == StatusError || s == StatusTimedOut || s == StatusClosed
}

// Handler receives a subscription's events and status changes. Callbacks run
// on the connection's read goroutine, in delivery order, and must not block.
type Handler struct {
	OnEvent  func(Event)
	OnStatus func(Status, error)
}

// Subscription is a live topic subscription.
type Subscription interface {
	Topic() Topic
	// Unsubscribe stops delivery without a status callback.
	Unsubscribe()
}
