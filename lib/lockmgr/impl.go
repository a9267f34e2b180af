package lockmgr

import (
	"context"
	"golang.org/x/sync/semaphore"
	"time"
)

// --------------------------------------------------------------------------
// Factories
// --------------------------------------------------------------------------

type ignoreFactory struct{}

type exclusiveFactory struct{}

type readerWriterFactory struct{}

// IgnoreLocking returns a factory whose locks never block. Only useful when
// the caller guarantees single threaded access.
func IgnoreLocking() ILockFactory { return ignoreFactory{} }

// ExclusiveLocking returns a factory of plain mutual exclusion locks, shared
// acquisitions are exclusive too.
func ExclusiveLocking() ILockFactory { return exclusiveFactory{} }

// ReaderWriterLocking returns a factory of reader/writer locks, any number of
// shared holders or a single exclusive holder.
func ReaderWriterLocking() ILockFactory { return readerWriterFactory{} }

// FactoryByName resolves the strategy names used in configuration files
func FactoryByName(name string) (ILockFactory, bool) {
	switch name {
	case "ignore", "none":
		return IgnoreLocking(), true
	case "exclusive", "mutex":
		return ExclusiveLocking(), true
	case "rw", "reader-writer", "readerwriter":
		return ReaderWriterLocking(), true
	default:
		return nil, false
	}
}

func (ignoreFactory) New() ILock { return ignoreLock{} }

func (ignoreFactory) Name() string { return "ignore" }

func (exclusiveFactory) Name() string { return "exclusive" }

func (readerWriterFactory) Name() string { return "reader-writer" }

func (exclusiveFactory) New() ILock {
	return &semLock{sem: semaphore.NewWeighted(1), shared: 1, exclusive: 1}
}

func (readerWriterFactory) New() ILock {
	return &semLock{sem: semaphore.NewWeighted(maxReaders), shared: 1, exclusive: maxReaders}
}

// --------------------------------------------------------------------------
// Lock implementations
// --------------------------------------------------------------------------

type ignoreLock struct{}

func (ignoreLock) Read(time.Duration) error  { return nil }
func (ignoreLock) ReleaseRead()              {}
func (ignoreLock) Write(time.Duration) error { return nil }
func (ignoreLock) ReleaseWrite()             {}

// maxReaders bounds concurrent shared holders of a reader/writer lock
const maxReaders = 1 << 30

// semLock maps both modes onto a weighted semaphore: a shared holder takes
// weight `shared`, an exclusive holder takes the full weight. The semaphore
// serves waiters in FIFO order, so a waiting writer blocks later readers.
type semLock struct {
	sem       *semaphore.Weighted
	shared    int64
	exclusive int64
}

func (l *semLock) Read(timeout time.Duration) error { return l.acquire(l.shared, timeout) }

func (l *semLock) ReleaseRead() { l.sem.Release(l.shared) }

func (l *semLock) Write(timeout time.Duration) error { return l.acquire(l.exclusive, timeout) }

func (l *semLock) ReleaseWrite() { l.sem.Release(l.exclusive) }

func (l *semLock) acquire(weight int64, timeout time.Duration) error {
	if l.sem.TryAcquire(weight) {
		return nil
	}
	if timeout <= 0 {
		// Acquire only fails when the context is done
		_ = l.sem.Acquire(context.Background(), weight)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := l.sem.Acquire(ctx, weight); err != nil {
		return ErrTimeout
	}
	return nil
}
