// Package protocol implements the JSON message envelope exchanged between
// collaboration clients and the server.
//
// Every WebSocket text message carries exactly one envelope:
//
//	{"type": "document" | "operation" | "participant", "payload": <json>}
//
// # Message Types
//
//   - document: full serialized snapshot of the current document state, sent
//     once to a connection right after it attaches to a ready session.
//   - operation: an incremental edit in the replica engine's change format.
//     Outbound operations carry the originating connection id under "id".
//   - participant: presence-only updates. Accepted and ignored by the server.
//
// Unknown types decode successfully so older servers keep working with newer
// clients; routing decides what to do with them.
//
// # Close Codes
//
// Channels that cannot be attached are closed with an application close code
// (4000-4999) describing the reason, see CloseAuthFailed and friends.
package protocol
