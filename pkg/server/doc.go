// Package server implements the collaboration core: one live session per
// document, WebSocket connection handling, operation routing, throttled
// persistence, cursor garbage collection and idle-session cleanup.
//
// # Architecture
//
// The server is organized around these components:
//
//   - Server: HTTP entry point (chi router) that authenticates and upgrades
//     connections under /collab/{documentID}
//   - SessionManager: the registry of live sessions, keyed by document id,
//     plus the periodic cleanup sweep
//   - Session: one document's replica, readiness state, participants and
//     idle deadline, guarded by a per-document mutex
//   - Connection: one participant's transport with a queued write pump
//
// # Connection flow
//
//  1. OnAuthRequest is called with the request metadata; a rejection is
//     answered with HTTP 401 before the upgrade.
//  2. SessionManager.GetOrCreate returns the live session or creates one in
//     StateLoading and loads it in the background.
//  3. The connection waits for the session's Ready channel (bounded by
//     LoadTimeout and the connection's own lifetime).
//  4. The participant is registered with the replica and receives a
//     "document" snapshot, then "operation" messages flow both ways.
//  5. On disconnect the participant is removed, a save is requested and
//     stale cursors are collected.
//
// # Thread Safety
//
// Lock order is SessionManager.mu before Session.mu. Replica calls happen
// only while holding the owning Session's mutex; load, save and auth hooks
// run without any lock held.
//
// # Usage
//
//	docs := store.NewMemoryStore(nil)
//	hooks := store.Hooks(docs)
//
//	srv := server.New(&server.Config{
//	    Address:        ":8080",
//	    OnDocumentLoad: hooks.Load,
//	    OnDocumentSave: hooks.Save,
//	})
//	if err := srv.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package server
