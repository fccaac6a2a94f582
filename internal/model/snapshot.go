// ABOUTME: Wire shapes of the bulk preload response and the thread list refetch
// ABOUTME: Snapshot is applied to the store as a whole, never merged

package model

// Snapshot is the body of GET /preload.
type Snapshot struct {
	Profile  Profile        `json:"profile"`
	Friends  Friends        `json:"friends"`
	Messages MessagesDomain `json:"messages"`
}

// MessagesDomain is the conversation part of the snapshot.
type MessagesDomain struct {
	Threads        []Conversation       `json:"threads"`
	ThreadMessages map[string][]Message `json:"threadMessages"`
	TotalUnread    int                  `json:"totalUnread"`
	CurrentPlace   *Place               `json:"currentPlace"`
}

// ThreadList is the body of GET /threads.
type ThreadList struct {
	Threads     []Conversation `json:"threads"`
	TotalUnread int            `json:"totalUnread"`
}

// SumUnread adds up the per-conversation unread counts.
func SumUnread(list []Conversation) int {
	total := 0
	for _, c := range list {
		if c.UnreadCount > 0 {
			total += c.UnreadCount
		}
	}
	return total
}
