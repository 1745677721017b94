// Package store provides the local transcript cache for the chat client.
//
// # Overview
//
// The cache keeps the most recent threads and confirmed messages on disk so a
// restarted client can render a transcript before the gateway answers. It is
// never authoritative: anything fetched from the gateway overwrites what is
// cached, and unconfirmed local messages are never written.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite backed, WAL mode, schema created on open
//   - MemoryStore: in-memory, for tests and for running without a cache path
//
// Both satisfy Cache.
//
// # Ordering
//
// Timestamps are stored in UTC with a fixed-width layout so that the textual
// column sorts the same way as the times it encodes. Messages are returned
// oldest first with the message ID as a tiebreak.
package store
