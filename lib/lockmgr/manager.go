package lockmgr

import (
	"github.com/puzpuzpuz/xsync/v3"
	"math/bits"
)

// lockManager creates node latches lazily and keeps a fixed array of key
// stripes sized from the expected writer parallelism.
//
// Thread-safety: all methods are safe for concurrent use.
type lockManager struct {
	factory ILockFactory
	latches *xsync.MapOf[Ref, ILock]
	stripes []ILock
	mask    uint64
}

// NewLockManager creates a lock manager whose latches and key locks are
// built by factory. concurrentWriters sizes the key stripes, 16 stripes
// per expected writer rounded up to a power of two.
func NewLockManager(factory ILockFactory, concurrentWriters int) ILockManager {
	if concurrentWriters < 1 {
		concurrentWriters = 1
	}
	n := nextPow2(uint64(concurrentWriters) * 16)

	stripes := make([]ILock, n)
	for i := range stripes {
		stripes[i] = factory.New()
	}

	return &lockManager{
		factory: factory,
		latches: xsync.NewMapOf[Ref, ILock](),
		stripes: stripes,
		mask:    n - 1,
	}
}

func (m *lockManager) Latch(ref Ref) ILock {
	l, _ := m.latches.LoadOrCompute(ref, m.factory.New)
	return l
}

func (m *lockManager) Forget(ref Ref) {
	m.latches.Delete(ref)
}

func (m *lockManager) KeyLock(hash uint64) ILock {
	return m.stripes[hash&m.mask]
}

func (m *lockManager) Stripes() int { return len(m.stripes) }

func (m *lockManager) Latches() int { return m.latches.Size() }

func nextPow2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len64(v-1)
}
