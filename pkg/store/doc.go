// Package store provides document persistence backends for the
// collaboration server.
//
// A DocumentStore holds the externally visible content of each document,
// keyed by document id. The server never talks to a store directly: Hooks
// adapts a store into the load and save hooks the server is configured with,
// so any other persistence mechanism can be plugged in the same way.
//
// # Available Stores
//
//   - MemoryStore: in-process map, the default and the test double
//   - RedisStore: github.com/redis/go-redis/v9, optional key TTL
//   - SQLStore: any database/sql driver (PostgreSQL, MySQL, SQLite dialects)
//   - S3Store: github.com/aws/aws-sdk-go-v2 S3 objects, one per document
//
// # Example
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	docs := store.NewRedisStore(rdb, store.WithRedisPrefix("docs:"))
//
//	hooks := store.Hooks(docs)
//	cfg := server.DefaultConfig()
//	cfg.OnDocumentLoad = hooks.Load
//	cfg.OnDocumentSave = hooks.Save
//
// All implementations are safe for concurrent use. Load returns (nil, nil)
// for documents that were never saved.
package store
