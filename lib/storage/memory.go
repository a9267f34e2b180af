package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// memoryStore keeps all blocks in a slice of byte slices
type memoryStore struct {
	allocator
	blockSize int

	mu     sync.RWMutex // guards the blocks slice header, not the block content
	blocks [][]byte
	closed atomic.Bool
}

// NewMemoryStore creates an empty in-memory block store. growth is the number
// of blocks added whenever the store runs out of free blocks.
func NewMemoryStore(blockSize, growth int) IBlockStore {
	s := &memoryStore{blockSize: blockSize}
	s.allocator = newAllocator(growth, s.grow)
	s.blocks = make([][]byte, 1) // meta block
	s.allocator.capacity = 1
	return s
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage.IBlockStore)
// --------------------------------------------------------------------------

func (s *memoryStore) BlockSize() int { return s.blockSize }

func (s *memoryStore) Allocate() (BlockRef, error) {
	if s.closed.Load() {
		return NoBlock, ErrClosed
	}
	return s.allocator.allocate()
}

func (s *memoryStore) Free(ref BlockRef) { s.allocator.release(ref) }

func (s *memoryStore) ReleasePending() { s.allocator.releasePending() }

func (s *memoryStore) FreeBlocks() []BlockRef { return s.allocator.freeBlocks() }

func (s *memoryStore) Restore(next BlockRef, free []BlockRef) {
	s.mu.RLock()
	capacity := BlockRef(len(s.blocks))
	s.mu.RUnlock()
	s.allocator.restore(next, free, capacity)
}

func (s *memoryStore) NextBlock() BlockRef { return s.allocator.nextBlock() }

func (s *memoryStore) Read(ref BlockRef) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ref >= BlockRef(len(s.blocks)) {
		return nil, fmt.Errorf("%w: block %d of %d", ErrOutOfRange, ref, len(s.blocks))
	}
	out := make([]byte, s.blockSize)
	copy(out, s.blocks[ref])
	return out, nil
}

func (s *memoryStore) Write(ref BlockRef, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(data) > s.blockSize {
		return fmt.Errorf("block %d: %d bytes exceed block size %d", ref, len(data), s.blockSize)
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if ref >= BlockRef(len(s.blocks)) {
		return fmt.Errorf("%w: block %d of %d", ErrOutOfRange, ref, len(s.blocks))
	}
	s.blocks[ref] = buf
	return nil
}

func (s *memoryStore) Flush() error { return nil }

func (s *memoryStore) ReadOnly() bool { return false }

func (s *memoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	s.blocks = nil
	s.mu.Unlock()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// grow is called by the allocator with its mutex held
func (s *memoryStore) grow(capacity BlockRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for BlockRef(len(s.blocks)) < capacity {
		s.blocks = append(s.blocks, nil)
	}
	return nil
}
