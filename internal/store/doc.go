// Package store provides persistent storage for the management server using SQLite.
//
// # Architecture
//
// The store package is interface-driven:
//
//   - StackMaidStore: durable LIFO stacks of cleanup delegates, one per operation context
//   - LockStore: named lease locks shared by every management server on the database
//   - HostStore: agent host records and their connection status
//
// SQLiteStore implements all interfaces in a single struct and satisfies Store.
//
// # StackMaid Rows
//
// Each row of stack_maid is keyed by (msid, context_id, seq). Popping returns the
// highest seq of an operation, so cleanup runs in reverse registration order.
// Leftover listings are ordered by msid, then context_id, then seq descending,
// which lets a drainer process each operation's stack newest first.
//
// Delegates that fail permanently are moved to stack_maid_quarantine so the
// collector stops retrying them.
//
// # SQLite Configuration
//
// Two drivers are supported:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, needs cgo
//
// The database runs in WAL mode with a single pooled connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as fixed-width UTC TEXT so cut-time comparisons are
// plain string comparisons.
//
// # Errors
//
//   - ErrNotFound: requested host does not exist
//   - ErrStackEmpty: pop on an operation with no entries
//
// # Testing
//
// Use NewMockStore() for unit tests. It can inject push and pop failures:
//
//	s := store.NewMockStore()
//	s.PushErr = errors.New("disk full")
//
// Use NewSQLiteStore with a path under t.TempDir() for integration tests.
package store
