package lockmgr

import (
	"errors"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired within the timeout
var ErrTimeout = errors.New("lock acquisition timed out")

// ILock is a lock with timed shared and exclusive acquisition.
// A timeout <= 0 waits forever.
type ILock interface {
	// Read acquires the lock in shared mode.
	Read(timeout time.Duration) error

	// ReleaseRead releases a shared acquisition.
	ReleaseRead()

	// Write acquires the lock in exclusive mode.
	Write(timeout time.Duration) error

	// ReleaseWrite releases an exclusive acquisition.
	ReleaseWrite()
}

// ILockFactory creates locks of one strategy. Strategies are selected at
// construction time of the tree and never change afterwards.
type ILockFactory interface {
	// New returns a new unlocked lock.
	New() ILock

	// Name identifies the strategy (used in logs and Options.String()).
	Name() string
}

// Ref identifies a lockable node, usually its block reference.
type Ref = uint64

// ILockManager hands out the locks a tree operation needs.
type ILockManager interface {
	// Latch returns the lock guarding the node ref. Calls for the same ref
	// return the same lock until Forget is called.
	Latch(ref Ref) ILock

	// Forget drops the latch of a node that no longer exists. The caller
	// must hold the latch exclusively and release it afterwards.
	Forget(ref Ref)

	// KeyLock returns the lock stripe responsible for the given key hash.
	KeyLock(hash uint64) ILock

	// Stripes returns the number of key lock stripes.
	Stripes() int

	// Latches returns the number of node latches currently allocated.
	Latches() int
}
