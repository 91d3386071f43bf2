// Package chat implements the real-time room fan-out core.
//
// The package is organized around four cooperating types: the Directory
// tracks which principals are online, the Router owns the live membership of
// every open room and fans events out to it, a Session drives one
// connection through its lifecycle, and the Dispatcher lets request handlers
// that live outside the real-time path reach connected clients.
//
// Durable state (users, rooms, memberships, messages) lives behind the
// Gateway interface; the core only caches what it needs for admission checks.
package chat
