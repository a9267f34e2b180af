package bptree

import (
	"github.com/ValentinKolb/bKV/lib/db"
	"sync/atomic"
)

// Locked is a view of a tree whose call level lock is held by the caller.
// Its operations do not take the call level lock again. Release gives the
// lock back, the view must not be used afterwards.
//
// Usage:
//
//	l, err := tree.LockExclusive()
//	if err != nil { ... }
//	defer l.Release()
//	old, err := l.Lookup("a")
//	err = l.Set("b", old)
type Locked[K any, V any] struct {
	t         *Tree[K, V]
	exclusive bool
	released  atomic.Bool
}

var _ db.Ops[string, []byte] = (*Locked[string, []byte])(nil)

// LockExclusive takes the call level lock exclusively. Until Release all
// other calls on the tree wait or fail with ErrLockTimeout.
func (t *Tree[K, V]) LockExclusive() (*Locked[K, V], error) {
	if t.closed.Load() {
		return nil, db.ErrClosed
	}
	if err := t.callLock.Write(t.opts.LockTimeout); err != nil {
		t.metrics.lockTimeouts.Inc()
		return nil, db.WrapError(db.CodeLockTimeout, err, "call level lock")
	}
	return &Locked[K, V]{t: t, exclusive: true}, nil
}

// LockShared takes the call level lock shared. Other calls proceed, only
// LockExclusive waits.
func (t *Tree[K, V]) LockShared() (*Locked[K, V], error) {
	if err := t.lockCall(); err != nil {
		return nil, err
	}
	return &Locked[K, V]{t: t}, nil
}

// Release gives the call level lock back. Calling it twice is a no-op.
func (l *Locked[K, V]) Release() {
	if l.released.Swap(true) {
		return
	}
	if l.exclusive {
		l.t.callLock.ReleaseWrite()
	} else {
		l.t.callLock.ReleaseRead()
	}
}

// Exclusive reports whether the view holds the lock exclusively
func (l *Locked[K, V]) Exclusive() bool { return l.exclusive }

func (l *Locked[K, V]) Insert(key K, value V) error { return l.t.write(key, value, putInsert) }

func (l *Locked[K, V]) Set(key K, value V) error { return l.t.write(key, value, putUpsert) }

func (l *Locked[K, V]) Update(key K, fn func(old V) V) (V, error) { return l.t.update(key, fn) }

func (l *Locked[K, V]) Delete(key K) error { return l.t.delete(key) }

func (l *Locked[K, V]) Lookup(key K) (V, error) { return l.t.lookup(key) }

func (l *Locked[K, V]) Has(key K) (bool, error) { return l.t.has(key) }

func (l *Locked[K, V]) Enumerate(opts db.RangeOptions[K]) db.Iterator[K, V] {
	return l.t.newIterator(opts, false)
}

func (l *Locked[K, V]) Count() int64 { return l.t.count.Value() }
