// Package server is the HTTP and WebSocket transport for roomchat.
//
// The implementation is organized into specialized files: configuration,
// origin checks, rate limiting, the client pumps, the connection hub, the
// inbound handler table, REST handlers and routing. Live routing of events
// between connections is delegated to the chat core.
package server
