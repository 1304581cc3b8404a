// Package signaling relays WebRTC handshake messages between the two peers
// of a session.
//
// The server never parses SDP or ICE payloads; it routes each message to the
// occupant of the slot the sender does not occupy and forwards the original
// bytes verbatim. Anything it cannot route is dropped without a reply so the
// protocol leaks no session topology to the sender.
package signaling
