// Package feed is the client side of the backend's realtime change feed.
//
// # Overview
//
// One websocket connection carries every topic. The client subscribes to
// named, filtered topics and receives change notifications (insert, update,
// delete of a table row) and presence snapshots. Delivery is at least once
// and ordered only within a topic.
//
// Payloads are decoded once, here, into the closed Event union:
//
//   - MessageInserted: a direct or place message row was inserted
//   - MessageUpdated: a message was edited or soft deleted
//   - FriendshipChanged: any change to a friendship row
//   - ProfileUpdated: a profile row changed
//   - PresenceSynced: the full set of users with a live heartbeat
//
// # Wire format
//
// Frames are JSON objects with a "type" field. The client sends subscribe,
// unsubscribe, track, untrack and ping; the server sends ack, change,
// presence_state, error and pong.
//
//	{"type":"subscribe","ref":"<uuid>","topic":"dm:u1","kind":"direct_messages","filter":"participant_id=eq.u1"}
//	{"type":"ack","ref":"<uuid>","topic":"dm:u1","status":"ok"}
//	{"type":"change","topic":"dm:u1","id":"<change id>","op":"INSERT","record":{...}}
//
// # Connection loss
//
// When the connection drops every live subscription receives StatusClosed
// exactly once and is forgotten. Nothing is replayed; re-subscribing and
// repairing the gap is the caller's job.
package feed
