// ABOUTME: Friendship records and their one-directional status transitions
// ABOUTME: Friends groups accepted friendships, incoming requests and counterpart profiles

package model

import "time"

// FriendshipStatus is the lifecycle state of a friendship record.
type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
	FriendshipBlocked  FriendshipStatus = "blocked"
)

// CanTransition reports whether a record may move from s to next. Only
// pending records move, and only forward.
func (s FriendshipStatus) CanTransition(next FriendshipStatus) bool {
	return s == FriendshipPending && (next == FriendshipAccepted || next == FriendshipBlocked)
}

// Friendship links a requester and an addressee. There is one record per
// unordered pair.
type Friendship struct {
	ID          string           `json:"id"`
	RequesterID string           `json:"requester_id"`
	AddresseeID string           `json:"addressee_id"`
	Status      FriendshipStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Counterpart returns the id of the other side of the friendship.
func (f Friendship) Counterpart(viewer string) string {
	if f.RequesterID == viewer {
		return f.AddresseeID
	}
	return f.RequesterID
}

// Friends is the friends domain of the snapshot.
type Friends struct {
	Friends  []Friendship `json:"friends"`
	Requests []Friendship `json:"requests"`
	Profiles []Profile    `json:"profiles,omitempty"`
}

// Clone returns a deep copy. Nil and empty slices are preserved as-is so a
// restored copy compares equal to the original.
func (f Friends) Clone() Friends {
	out := Friends{}
	if f.Friends != nil {
		out.Friends = append(make([]Friendship, 0, len(f.Friends)), f.Friends...)
	}
	if f.Requests != nil {
		out.Requests = append(make([]Friendship, 0, len(f.Requests)), f.Requests...)
	}
	if f.Profiles != nil {
		out.Profiles = append(make([]Profile, 0, len(f.Profiles)), f.Profiles...)
	}
	return out
}
