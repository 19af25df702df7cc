// Package docstore provides a concurrent-safe document store backed by one
// JSON file per collection.
//
// # Overview
//
// A [Store] owns a directory. Each collection is a file named
// "<collection>.json" in that directory holding a JSON array of objects. A
// [Document] is a field-to-value mapping; the store manages three fields on
// every document: "id", "createdAt" and "updatedAt".
//
// # Concurrency: Per-Collection Writer Lock
//
// Mutations ([Store.Create], [Store.Update], [Store.Remove]) read the whole
// collection, change it in memory and rewrite the whole file. They hold a
// per-collection writer lock for the entire read-modify-write so concurrent
// writers to the same collection never lose updates. The lock is acquired
// with a context so callers can give up while waiting; once the read has
// started, the mutation runs to completion.
//
// Reads take no lock, except the first access to a collection whose file does
// not exist yet, which creates it as an empty array. Files are replaced atomically (temporary file, fsync,
// rename) so a reader observes either the previous or the next state of the
// collection, never a partial file.
//
// # Queries
//
// [Filter] is an exact-match conjunction over top-level fields. Values are
// compared after a JSON round-trip, so numeric Go types match stored numbers
// but a string never matches a number.
//
// # File Format
//
// Collection files are indented JSON arrays. A missing file is created empty
// on first access; a file that does not decode is reported as a [StorageError]
// wrapping [ErrCorrupt] and is never rewritten implicitly.
package docstore
