package bptree

import (
	"errors"
	"github.com/ValentinKolb/bKV/lib/db/engines/bptree/internal"
	"github.com/ValentinKolb/bKV/lib/db/util"
	"github.com/ValentinKolb/bKV/lib/storage"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"sync/atomic"
	"time"
)

// errNodeFreed is returned by the cache for a node that was freed by a
// concurrent merge. The operation restarts from the root.
var errNodeFreed = errors.New("node was freed")

// cacheEntry holds one node. ready is closed once the load finished, err is
// set if it failed. chain lists the blocks the node occupies in the data
// file, it is only changed by checkpoints.
type cacheEntry[K any] struct {
	node  *internal.Node[K]
	chain []storage.BlockRef
	err   error
	ready chan struct{}

	pins    atomic.Int32
	dirty   atomic.Bool
	freed   atomic.Bool
	touched atomic.Int64
}

// nodeCache maps block references to decoded nodes. It is the only place
// where nodes are read from the block store, checkpoints write them back.
//
// A dirty node is never evicted, the sweep requests a checkpoint instead.
// Freed nodes stay as tombstones until the next checkpoint, so a stale
// reference can never load the old block content.
//
// Thread-safety: all methods are safe for concurrent use. The node itself is
// guarded by its latch, not by the cache.
type nodeCache[K any] struct {
	entries   *xsync.MapOf[storage.BlockRef, *cacheEntry[K]]
	store     storage.IBlockStore
	decodeKey func([]byte) (K, error)
	versions  *atomic.Uint64

	keepAlive   time.Duration
	minRetained int
	maxRetained int

	hits      *metrics.Counter
	misses    *metrics.Counter
	evictions *metrics.Counter
}

// dirtyNode is a node a checkpoint has to write
type dirtyNode[K any] struct {
	ref   storage.BlockRef
	node  *internal.Node[K]
	chain []storage.BlockRef
}

func newNodeCache[K any](store storage.IBlockStore, decodeKey func([]byte) (K, error), versions *atomic.Uint64,
	keepAlive time.Duration, minRetained, maxRetained int, m *treeMetrics) *nodeCache[K] {
	return &nodeCache[K]{
		entries:     xsync.NewMapOf[storage.BlockRef, *cacheEntry[K]](),
		store:       store,
		decodeKey:   decodeKey,
		versions:    versions,
		keepAlive:   keepAlive,
		minRetained: minRetained,
		maxRetained: maxRetained,
		hits:        m.cacheHits,
		misses:      m.cacheMisses,
		evictions:   m.cacheEvictions,
	}
}

// --------------------------------------------------------------------------
// Access
// --------------------------------------------------------------------------

// Get returns the node stored at ref and pins it. Every successful Get must
// be paired with a Release. Concurrent misses on the same ref share one load.
func (c *nodeCache[K]) Get(ref storage.BlockRef) (*internal.Node[K], error) {
	var created bool
	e, _ := c.entries.Compute(ref, func(old *cacheEntry[K], loaded bool) (*cacheEntry[K], bool) {
		if loaded {
			old.pins.Add(1)
			return old, false
		}
		created = true
		e := &cacheEntry[K]{ready: make(chan struct{})}
		e.pins.Store(1)
		return e, false
	})

	if created {
		c.misses.Inc()
		c.load(ref, e)
	} else {
		c.hits.Inc()
	}

	<-e.ready
	if e.err != nil {
		return nil, e.err
	}
	if e.freed.Load() {
		e.pins.Add(-1)
		return nil, errNodeFreed
	}
	e.touched.Store(time.Now().UnixNano())
	return e.node, nil
}

// load reads the node from the store. A failed load removes the entry again,
// waiters see the error and the next Get retries.
func (c *nodeCache[K]) load(ref storage.BlockRef, e *cacheEntry[K]) {
	defer close(e.ready)

	kind, payload, chain, err := storage.DecodeRecord(c.store.Read, c.store.BlockSize(), ref)
	var node *internal.Node[K]
	if err == nil {
		node, err = internal.Decode(kind, payload, c.decodeKey)
	}
	if err != nil {
		e.err = err
		c.entries.Compute(ref, func(old *cacheEntry[K], loaded bool) (*cacheEntry[K], bool) {
			return old, loaded && old == e
		})
		return
	}

	node.Version = c.versions.Add(1)
	e.node = node
	e.chain = chain
}

// Release unpins a node obtained by Get or Put
func (c *nodeCache[K]) Release(ref storage.BlockRef) {
	if e, ok := c.entries.Load(ref); ok {
		e.pins.Add(-1)
	}
}

// Put adds a newly allocated node. It is dirty and pinned once.
func (c *nodeCache[K]) Put(ref storage.BlockRef, node *internal.Node[K]) {
	e := &cacheEntry[K]{node: node, chain: []storage.BlockRef{ref}, ready: make(chan struct{})}
	close(e.ready)
	node.Version = c.versions.Add(1)
	e.pins.Store(1)
	e.dirty.Store(true)
	e.touched.Store(time.Now().UnixNano())
	c.entries.Store(ref, e)
}

// MarkDirty records a modification of a pinned node
func (c *nodeCache[K]) MarkDirty(ref storage.BlockRef) {
	if e, ok := c.entries.Load(ref); ok {
		e.node.Version = c.versions.Add(1)
		e.dirty.Store(true)
	}
}

// Drop frees a pinned node and all blocks of its record. The entry stays as
// tombstone until PurgeFreed.
func (c *nodeCache[K]) Drop(ref storage.BlockRef) {
	e, ok := c.entries.Load(ref)
	if !ok {
		return
	}
	e.freed.Store(true)
	e.dirty.Store(false)
	for _, b := range e.chain {
		c.store.Free(b)
	}
}

// Evict removes a clean, unpinned node. It reports whether it did.
func (c *nodeCache[K]) Evict(ref storage.BlockRef) bool {
	var evicted bool
	c.entries.Compute(ref, func(e *cacheEntry[K], loaded bool) (*cacheEntry[K], bool) {
		if !loaded {
			return e, true
		}
		evicted = evictable(e)
		return e, evicted
	})
	if evicted {
		c.evictions.Inc()
	}
	return evicted
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

// Sweep evicts nodes not touched within the keep-alive timeout, oldest first,
// but keeps at least minRetained entries. Above maxRetained entries the
// oldest are evicted regardless of their age. Pinned and freed nodes are
// skipped and do not count towards either bound.
// dirty reports that dirty nodes were due and a checkpoint is needed.
func (c *nodeCache[K]) Sweep(now time.Time) (evicted int, dirty bool) {
	candidates := util.NewMapHeap[storage.BlockRef](c.entries.Size())
	total := 0
	c.entries.Range(func(ref storage.BlockRef, e *cacheEntry[K]) bool {
		if e.pins.Load() == 0 && !e.freed.Load() {
			candidates.Set(ref, e.touched.Load())
			total++
		}
		return true
	})

	deadline := now.Add(-c.keepAlive).UnixNano()
	for total > c.minRetained {
		ref, touched, ok := candidates.PopMin()
		if !ok {
			break
		}
		if touched > deadline && total <= c.maxRetained {
			break
		}

		if e, ok := c.entries.Load(ref); ok && e.dirty.Load() {
			dirty = true
			continue
		}
		if c.Evict(ref) {
			evicted++
			total--
		}
	}
	return evicted, dirty
}

// Dirty returns all dirty nodes. Callers must exclude concurrent mutations.
func (c *nodeCache[K]) Dirty() []dirtyNode[K] {
	var out []dirtyNode[K]
	c.entries.Range(func(ref storage.BlockRef, e *cacheEntry[K]) bool {
		if e.dirty.Load() && !e.freed.Load() {
			out = append(out, dirtyNode[K]{ref: ref, node: e.node, chain: e.chain})
		}
		return true
	})
	return out
}

// SetChain records the block chain a checkpoint encoded the node into
func (c *nodeCache[K]) SetChain(ref storage.BlockRef, chain []storage.BlockRef) {
	if e, ok := c.entries.Load(ref); ok {
		e.chain = chain
	}
}

// Clean marks a node as written once its checkpoint is durable
func (c *nodeCache[K]) Clean(ref storage.BlockRef) {
	if e, ok := c.entries.Load(ref); ok {
		e.dirty.Store(false)
	}
}

// PurgeFreed removes all tombstones, called once freed blocks are released
func (c *nodeCache[K]) PurgeFreed() {
	c.entries.Range(func(ref storage.BlockRef, e *cacheEntry[K]) bool {
		if e.freed.Load() {
			c.entries.Delete(ref)
		}
		return true
	})
}

// Len returns the number of cached entries including tombstones
func (c *nodeCache[K]) Len() int {
	return c.entries.Size()
}

// DirtyCount returns the number of dirty nodes
func (c *nodeCache[K]) DirtyCount() int {
	n := 0
	c.entries.Range(func(_ storage.BlockRef, e *cacheEntry[K]) bool {
		if e.dirty.Load() {
			n++
		}
		return true
	})
	return n
}

func evictable[K any](e *cacheEntry[K]) bool {
	select {
	case <-e.ready:
	default:
		return false
	}
	return e.err == nil && e.pins.Load() == 0 && !e.dirty.Load() && !e.freed.Load()
}
