package storage

import "sync"

// overlayStore is a copy-on-write view of a store. Reads see the images
// first, writes and allocations stay in memory, the base is never modified.
// It is used to look at a file as it would be after re-applying a checkpoint,
// and to replay a log on top of a file that is opened read-only.
//
// Thread-safety: all methods are safe for concurrent use.
type overlayStore struct {
	IBlockStore
	allocator

	mu     sync.RWMutex
	images map[BlockRef][]byte
}

// NewOverlay returns a copy-on-write view of base in which the given blocks
// are replaced by images.
func NewOverlay(base IBlockStore, images []Block) IBlockStore {
	m := make(map[BlockRef][]byte, len(images))
	for _, img := range images {
		m[img.Ref] = img.Data
	}
	o := &overlayStore{IBlockStore: base, images: m}
	o.allocator = newAllocator(1, func(BlockRef) error { return nil })
	o.allocator.next = base.NextBlock()
	o.allocator.capacity = o.allocator.next
	return o
}

func (o *overlayStore) Read(ref BlockRef) ([]byte, error) {
	o.mu.RLock()
	img, ok := o.images[ref]
	o.mu.RUnlock()
	if ok {
		out := make([]byte, o.BlockSize())
		copy(out, img)
		return out, nil
	}
	return o.IBlockStore.Read(ref)
}

func (o *overlayStore) Write(ref BlockRef, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	o.mu.Lock()
	o.images[ref] = buf
	o.mu.Unlock()
	return nil
}

func (o *overlayStore) Allocate() (BlockRef, error) { return o.allocator.allocate() }

func (o *overlayStore) Free(ref BlockRef) { o.allocator.release(ref) }

func (o *overlayStore) ReleasePending() { o.allocator.releasePending() }

func (o *overlayStore) FreeBlocks() []BlockRef { return o.allocator.freeBlocks() }

func (o *overlayStore) Restore(next BlockRef, free []BlockRef) {
	o.allocator.restore(next, free, next)
}

func (o *overlayStore) NextBlock() BlockRef { return o.allocator.nextBlock() }

func (o *overlayStore) Flush() error { return nil }

func (o *overlayStore) ReadOnly() bool { return true }
