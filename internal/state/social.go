// ABOUTME: Friends, profile and presence transitions of the unified store
// ABOUTME: Profiles are kept once per user id; the presence set is replaced wholesale

package state

import (
	"sort"

	"github.com/2389/orbit-sync/internal/model"
)

// SetFriends installs an authoritative friends refetch. Counterpart profiles
// are upserted into the shared profile cache.
func (s *Store) SetFriends(f model.Friends) {
	f = f.Clone()

	s.mu.Lock()
	s.friends = f.Friends
	s.requests = f.Requests
	for _, p := range f.Profiles {
		s.profiles[p.ID] = p
	}
	s.loaded.Friends = true
	s.mu.Unlock()

	s.watch.publish(SliceFriends)
	if len(f.Profiles) > 0 {
		s.watch.publish(SliceProfile)
	}
}

// Friends returns the accepted friendships and pending requests. Profiles
// are read separately through Profile.
func (s *Store) Friends() model.Friends {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.Friends{Friends: s.friends, Requests: s.requests}.Clone()
}

// RestoreFriends puts back lists captured with Friends. It is the rollback
// path for optimistic friend actions.
func (s *Store) RestoreFriends(f model.Friends) {
	f = f.Clone()

	s.mu.Lock()
	s.friends = f.Friends
	s.requests = f.Requests
	s.mu.Unlock()

	s.watch.publish(SliceFriends)
}

// AcceptRequest moves a pending request into the friends list as accepted.
// It reports false when the request is unknown or not pending.
func (s *Store) AcceptRequest(friendshipID string) bool {
	s.mu.Lock()
	idx := -1
	for i, r := range s.requests {
		if r.ID == friendshipID {
			idx = i
			break
		}
	}
	if idx < 0 || !s.requests[idx].Status.CanTransition(model.FriendshipAccepted) {
		s.mu.Unlock()
		return false
	}
	accepted := s.requests[idx]
	accepted.Status = model.FriendshipAccepted

	requests := make([]model.Friendship, 0, len(s.requests)-1)
	requests = append(requests, s.requests[:idx]...)
	requests = append(requests, s.requests[idx+1:]...)
	friends := make([]model.Friendship, 0, len(s.friends)+1)
	friends = append(friends, s.friends...)
	friends = append(friends, accepted)

	s.requests = requests
	s.friends = friends
	s.mu.Unlock()

	s.watch.publish(SliceFriends)
	return true
}

// SetProfile stores p as the single copy of that user's profile.
func (s *Store) SetProfile(p model.Profile) {
	s.mu.Lock()
	s.profiles[p.ID] = p
	if p.ID == s.viewerID {
		s.loaded.Profile = true
	}
	s.mu.Unlock()

	s.watch.publish(SliceProfile)
}

// Profile returns the cached profile of a user.
func (s *Store) Profile(id string) (model.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	return p, ok
}

// Viewer returns the signed-in user's profile.
func (s *Store) Viewer() (model.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.viewerID == "" {
		return model.Profile{}, false
	}
	p, ok := s.profiles[s.viewerID]
	return p, ok
}

// ReplaceOnline rebuilds the presence set from a full snapshot.
func (s *Store) ReplaceOnline(ids []string) {
	online := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			online[id] = struct{}{}
		}
	}

	s.mu.Lock()
	s.online = online
	s.mu.Unlock()

	s.watch.publish(SlicePresence)
}

// Online returns the online user ids in sorted order.
func (s *Store) Online() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.online))
	for id := range s.online {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// IsOnline reports whether a user is in the presence set.
func (s *Store) IsOnline(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[id]
	return ok
}
