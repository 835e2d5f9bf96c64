// Package replica defines the boundary between the collaboration server and
// the replicated document engine.
//
// The server owns exactly one Replica per live document and never inspects
// its internals. It registers peers (one per attached connection), funnels
// inbound operations through ApplyOperation, and relays whatever the engine
// emits through each peer's SendFunc. The engine decides which deltas each
// peer needs.
//
// Replica implementations are not required to be safe for concurrent use.
// The server serializes every call for a given document.
//
// # List Engine
//
// NewList is the reference engine. The document is an ordered list of opaque
// JSON nodes plus a map of per-participant cursor entries. Operations are
// applied in arrival order against the single authoritative replica, and
// every peer keeps an outbound watermark so it receives each change exactly
// once and never its own.
//
// Operation payload:
//
//	{"ops": [{"type": "ins", "pos": 0, "node": {...}},
//	         {"type": "del", "pos": 2},
//	         {"type": "set", "pos": 1, "node": {...}}],
//	 "cursor": {...}}            // optional; null clears the sender's cursor
//
// Outbound delta:
//
//	{"version": 7, "ops": [...], "cursors": {"<peer>": {...} | null}}
package replica
