// ABOUTME: Orders authoritative refetches of the same aggregate
// ABOUTME: A response older than one already installed is dropped instead of overwriting it

package session

import "sync"

const (
	aggregateConversations = "conversations"
	aggregateFriends       = "friends"
	aggregateProfile       = "profile"
	aggregateMessages      = "messages:"
)

// refetchOrder numbers refetches per aggregate as they are issued. A
// response is installed only if no later-issued refetch of the same
// aggregate has been installed already.
type refetchOrder struct {
	mu      sync.Mutex
	issued  map[string]uint64
	applied map[string]uint64
}

func (o *refetchOrder) begin(aggregate string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.issued == nil {
		o.issued = make(map[string]uint64)
		o.applied = make(map[string]uint64)
	}
	o.issued[aggregate]++
	return o.issued[aggregate]
}

// install runs fn when seq is newer than the last installed response and
// reports whether it did. fn runs under the order lock so two installs of one
// aggregate never interleave.
func (o *refetchOrder) install(aggregate string, seq uint64, fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if seq <= o.applied[aggregate] {
		return false
	}
	o.applied[aggregate] = seq
	fn()
	return true
}
