// Package crdt implements the replicated text store shared by every peer in
// a room.
//
// The document is an arena of character records. Each record is created by
// exactly one insert operation and is identified by that operation's ID.
// Deleting a character only marks its record as a tombstone, so operations
// that reference it stay resolvable forever.
//
// Inserts carry two references: the record immediately to their left when
// they were generated (the origin) and the record immediately to their right
// (the right origin). Concurrent inserts between the same pair are ordered by
// ID ascending, first by peer, then by counter. Every peer integrates the same
// set of operations into the same order no matter how they arrive, as long as
// an operation is only integrated after the records it references. Operations
// that arrive early wait in a causal buffer until their dependency shows up,
// or until the dependency timeout drops them.
//
// A Document is not safe for concurrent use. The agent owns it from a single
// goroutine.
package crdt
