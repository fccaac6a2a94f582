// ABOUTME: Diagnostic journal of local mutations and their outcomes
// ABOUTME: Recording never blocks the mutation; a full buffer drops the entry

package journal

import (
	"context"
	"time"
)

// Action is a journaled operation.
type Action string

const (
	ActionSendMessage   Action = "send_message"
	ActionEditMessage   Action = "edit_message"
	ActionDeleteMessage Action = "delete_message"
	ActionAcceptFriend  Action = "accept_friend_request"
	ActionUpdateAvatar  Action = "update_avatar"
	ActionMarkRead      Action = "mark_read"
	ActionPreload       Action = "preload"
	ActionRepair        Action = "repair"
)

// Outcome is how the operation ended.
type Outcome string

const (
	OutcomeConfirmed  Outcome = "confirmed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeFailed     Outcome = "failed"
)

// Entry is one journal record.
type Entry struct {
	ID        string
	Action    Action
	Outcome   Outcome
	Target    string // conversation, message or friendship the action touched
	Error     string
	Detail    map[string]any
	Timestamp time.Time
}

// Journal records entries for later inspection.
type Journal interface {
	// Record queues e without blocking.
	Record(e Entry)
	// Recent returns the newest entries first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(Entry) {}

func (Nop) Recent(context.Context, int) ([]Entry, error) { return nil, nil }

func (Nop) Close() error { return nil }

// normalizeLimit applies the default (50) and cap (1000).
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
