// Package lockmgr provides the locks used by the B+Tree: timed shared and
// exclusive locks behind a pluggable factory, and a manager handing out
// per-node latches and per-key lock stripes.
//
// Strategies:
//
//   - IgnoreLocking: no-op locks for single threaded use
//   - ExclusiveLocking: every acquisition is exclusive
//   - ReaderWriterLocking: many shared holders or one exclusive holder
//
// Both blocking strategies are built on golang.org/x/sync/semaphore. An
// uncontended acquisition is a single TryAcquire, a contended one waits on
// a context with the configured timeout and fails with ErrTimeout. Waiters
// are served in arrival order, a queued writer is not starved by readers.
//
// Manager:
//
//	Latch(ref) returns the latch of a tree node. Latches are created on first
//	use and kept in an xsync.MapOf. The tree acquires them in a fixed global
//	order (root first, then top-down, left to right within a level), which
//	keeps acquisition deadlock free.
//
//	KeyLock(hash) returns one of a fixed number of key stripes. Two keys may
//	share a stripe, which only serialises them more than needed.
//
// Thread-safety:
//
//	All types in this package are safe for concurrent use. A lock must be
//	released in the mode it was acquired in.
package lockmgr
