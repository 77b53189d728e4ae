// Package server implements the GoChat relay: the session registry, the room
// index, the envelope router, and the WebSocket transport that drives them.
//
// The implementation is organized into specialized files for the hub, the
// registry, rooms, routing, clients, and HTTP handlers. The registry, rooms,
// and router only see connections through the Conn interface, so they are
// independent of the WebSocket framing.
package server
