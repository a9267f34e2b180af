package storage

import (
	"sort"
	"sync"
)

// allocator tracks which blocks are free. It is shared by the memory and the
// file store, the grow callback extends the medium.
//
// Thread-safety: all methods are safe for concurrent use.
type allocator struct {
	mu       sync.Mutex
	next     BlockRef              // first block never handed out
	capacity BlockRef              // blocks the medium currently holds
	growth   int                   // blocks added per grow
	free     []BlockRef            // reusable blocks (LIFO)
	pending  map[BlockRef]struct{} // freed since last release
	grow     func(capacity BlockRef) error
}

func newAllocator(growth int, grow func(capacity BlockRef) error) allocator {
	if growth < 1 {
		growth = 1
	}
	return allocator{
		next:    MetaBlock + 1,
		growth:  growth,
		pending: make(map[BlockRef]struct{}),
		grow:    grow,
	}
}

// allocate hands out a free block or grows the medium.
func (a *allocator) allocate() (BlockRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		ref := a.free[n-1]
		a.free = a.free[:n-1]
		return ref, nil
	}

	ref := a.next
	if ref >= a.capacity {
		newCapacity := a.capacity + BlockRef(a.growth)
		if newCapacity <= ref {
			newCapacity = ref + 1
		}
		if err := a.grow(newCapacity); err != nil {
			return NoBlock, err
		}
		a.capacity = newCapacity
	}
	a.next++
	return ref, nil
}

func (a *allocator) release(ref BlockRef) {
	if ref == MetaBlock {
		return
	}
	a.mu.Lock()
	a.pending[ref] = struct{}{}
	a.mu.Unlock()
}

func (a *allocator) releasePending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ref := range a.pending {
		a.free = append(a.free, ref)
	}
	clear(a.pending)
}

func (a *allocator) freeBlocks() []BlockRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]BlockRef, 0, len(a.free)+len(a.pending))
	out = append(out, a.free...)
	for ref := range a.pending {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// restore replaces the allocator state. Free blocks are reused lowest first.
func (a *allocator) restore(next BlockRef, free []BlockRef, capacity BlockRef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if next <= MetaBlock {
		next = MetaBlock + 1
	}
	a.next = next
	if capacity < next {
		capacity = next
	}
	a.capacity = capacity

	a.free = a.free[:0]
	for _, ref := range free {
		if ref != MetaBlock && ref < next {
			a.free = append(a.free, ref)
		}
	}
	// highest first, allocate pops from the end
	sort.Slice(a.free, func(i, j int) bool { return a.free[i] > a.free[j] })
	clear(a.pending)
}

func (a *allocator) nextBlock() BlockRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}
