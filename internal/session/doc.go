// ABOUTME: Package session wires the sync engine for one signed-in viewer
// ABOUTME: Preload, subscriptions, presence, refetches and optimistic mutations

// Package session owns one signed-in session of the sync engine.
//
// Start runs the preload, then attaches the change feed subscriptions and
// the presence tracker. Feed events flow through the reconciler into the
// store; bursts of message inserts are coalesced into one authoritative
// conversation refetch. Mutations are applied to the store first and rolled
// back explicitly when the backend rejects them.
//
// Authoritative refetches always win: a refetched unread count overwrites
// whatever was accumulated or cleared locally.
package session
