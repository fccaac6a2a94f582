// ABOUTME: JSON frame layout exchanged with the realtime server
// ABOUTME: One struct covers client and server frames; unused fields are omitted

package feed

import (
	"encoding/json"
	"time"
)

// Frame types.
const (
	FrameSubscribe     = "subscribe"
	FrameUnsubscribe   = "unsubscribe"
	FrameTrack         = "track"
	FrameUntrack       = "untrack"
	FramePing          = "ping"
	FrameAck           = "ack"
	FrameChange        = "change"
	FramePresenceState = "presence_state"
	FrameError         = "error"
	FramePong          = "pong"
)

// Frame is one websocket message.
type Frame struct {
	Type   string `json:"type"`
	Ref    string `json:"ref,omitempty"`
	Topic  string `json:"topic,omitempty"`
	Kind   Kind   `json:"kind,omitempty"`
	Filter string `json:"filter,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	// change
	ID        string          `json:"id,omitempty"`
	Op        Op              `json:"op,omitempty"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`

	// presence
	State   map[string][]PresenceMeta `json:"state,omitempty"`
	Payload *Heartbeat                `json:"payload,omitempty"`
}

// Heartbeat is the presence tuple a client tracks.
type Heartbeat struct {
	UserID   string    `json:"user_id"`
	OnlineAt time.Time `json:"online_at"`
}

// PresenceMeta is one tracked heartbeat in a presence_state frame.
type PresenceMeta struct {
	OnlineAt time.Time `json:"online_at"`
}
