// Package model defines the entities the sync engine caches: conversations,
// messages, friendships, profiles and places, plus the wire shapes of the
// bulk preload snapshot and the thread list refetch.
//
// Entities are plain values. The state package owns the only mutable copy of
// each one and hands out copies from its selectors.
package model
