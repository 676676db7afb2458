// Package relay implements the signaling relay: authoritative room
// membership, point-to-point forwarding of negotiation envelopes, room
// broadcast of chat and presence, and room lifecycle (immediate delete on
// empty plus a periodic inactivity sweep).
//
// The relay never inspects media; offers, answers and candidates are opaque
// payloads routed between exactly two participants.
package relay
