// ABOUTME: Package api is the HTTP client for the chat backend's REST surface
// ABOUTME: Preload, thread list, read receipts, message mutations, friends and profile

// Package api talks to the backend over HTTP with a bearer session token.
//
// Every non-2xx response becomes an error: 401 is ErrUnauthorized, which
// callers treat as "re-authenticate" and never retry; anything else is a
// *StatusError carrying the server's message unchanged.
package api
