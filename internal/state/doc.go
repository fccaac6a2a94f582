// Package state holds the unified client-side cache: the single source of
// truth for everything a view can read.
//
// # Transitions
//
// The Store is written only through its exported transition methods. Each
// transition runs under one lock, so a reader never observes half of a
// transition (for example a conversation zeroed while the global unread
// total still includes it). Every selector returns copies.
//
// The transitions most callers need:
//
//   - ReplaceSnapshot: install a preload snapshot, replacing every domain
//   - SetConversations: install an authoritative thread list refetch
//   - AppendMessage / RecordIncoming: idempotent append by message id
//   - PatchMessage: merge an edit or soft delete; unknown ids are ignored
//   - MarkConversationRead: zero one conversation and the global total together
//   - ClearStore: back to the empty state on logout
//
// # Watching
//
// Watch returns a channel of Change notifications naming the slice that
// changed, so a view fragment can re-read only what it renders. Delivery is
// best effort: a slow watcher loses notifications, never state.
package state
