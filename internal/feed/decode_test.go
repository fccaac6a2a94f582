// ABOUTME: Tests for decoding change and presence frames into feed events
// ABOUTME: Covers per-kind record layouts, deletes and undecodable input

package feed

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/orbit-sync/internal/model"
)

func changeFrame(op Op, record, old string) Frame {
	f := Frame{Type: FrameChange, ID: "c1", Op: op}
	if record != "" {
		f.Record = json.RawMessage(record)
	}
	if old != "" {
		f.OldRecord = json.RawMessage(old)
	}
	return f
}

func TestDecodeDirectMessageInsert(t *testing.T) {
	ev, err := Decode(KindDirectMessages, changeFrame(OpInsert,
		`{"id":"m1","thread_id":"t1","sender_id":"u2","content":"hi","created_at":"2026-01-02T03:04:05Z"}`, ""))
	require.NoError(t, err)

	ins, ok := ev.(MessageInserted)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, model.DirectRef("t1"), ins.Conversation)
	assert.Equal(t, "m1", ins.Message.ID)
	assert.Equal(t, "t1", ins.Message.ConversationID)
	assert.Equal(t, model.KindDirect, ins.Message.Kind)
	assert.Equal(t, "hi", ins.Message.Text())
}

func TestDecodePlaceMessageUpdate(t *testing.T) {
	ev, err := Decode(KindPlaceMessages, changeFrame(OpUpdate,
		`{"id":"m1","place_id":"p1","sender_id":"u2","content":"edited","edited":true}`, ""))
	require.NoError(t, err)

	upd, ok := ev.(MessageUpdated)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, model.PlaceRef("p1"), upd.Conversation)
	assert.True(t, upd.Message.Edited)
	assert.Equal(t, "edited", upd.Message.Text())
}

func TestDecodeMessageDeleteUsesOldRecord(t *testing.T) {
	ev, err := Decode(KindDirectMessages, changeFrame(OpDelete, "",
		`{"id":"m1","thread_id":"t1","sender_id":"u2","content":"bye"}`))
	require.NoError(t, err)

	upd, ok := ev.(MessageUpdated)
	require.True(t, ok, "got %T", ev)
	assert.True(t, upd.Message.Deleted)
	assert.Nil(t, upd.Message.Content)
}

func TestDecodeMessageMissingConversation(t *testing.T) {
	_, err := Decode(KindPlaceMessages, changeFrame(OpInsert, `{"id":"m1","thread_id":"t1"}`, ""))
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestDecodeFriendship(t *testing.T) {
	ev, err := Decode(KindFriendships, changeFrame(OpUpdate,
		`{"id":"f1","requester_id":"u2","addressee_id":"u1","status":"accepted"}`, ""))
	require.NoError(t, err)

	fc, ok := ev.(FriendshipChanged)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, OpUpdate, fc.Op)
	assert.Equal(t, model.FriendshipAccepted, fc.Friendship.Status)
}

func TestDecodeProfileRejectsDelete(t *testing.T) {
	_, err := Decode(KindProfiles, changeFrame(OpDelete, "", `{"id":"u1"}`))
	assert.ErrorIs(t, err, ErrUndecodable)

	ev, err := Decode(KindProfiles, changeFrame(OpUpdate, `{"id":"u1","display_name":"Ana","is_premium":true}`, ""))
	require.NoError(t, err)
	assert.Equal(t, ProfileUpdated{Profile: model.Profile{ID: "u1", DisplayName: "Ana", Premium: true}}, ev)
}

func TestDecodePresence(t *testing.T) {
	f := Frame{
		Type: FramePresenceState,
		State: map[string][]PresenceMeta{
			"u3": {{}},
			"u1": {{}, {}},
			"u2": nil,
		},
	}
	ev, err := Decode(KindPresence, f)
	require.NoError(t, err)
	assert.Equal(t, PresenceSynced{Online: []string{"u1", "u3"}}, ev)

	_, err = Decode(KindPresence, Frame{Type: FrameChange})
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestDecodeGarbage(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		frame Frame
	}{
		{"empty record", KindDirectMessages, changeFrame(OpInsert, "", "")},
		{"bad json", KindFriendships, changeFrame(OpInsert, `{"id":`, "")},
		{"unknown op", KindDirectMessages, changeFrame(Op("TRUNCATE"), `{"id":"m1","thread_id":"t1"}`, "")},
		{"unknown kind", Kind("nope"), changeFrame(OpInsert, `{}`, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.kind, tt.frame)
			assert.ErrorIs(t, err, ErrUndecodable)
		})
	}
}
