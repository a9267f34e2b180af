package bptree

import (
	"errors"
	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/db/engines/bptree/internal"
	"github.com/ValentinKolb/bKV/lib/lockmgr"
	"github.com/ValentinKolb/bKV/lib/storage"
	"time"
)

// Latches are always taken top down, and left to right within a level. The
// root latch comes before every node. Operations that follow this order
// cannot deadlock each other.

// latched is a pinned node whose latch is held
type latched[K any] struct {
	ref       storage.BlockRef
	node      *internal.Node[K]
	latch     lockmgr.ILock
	exclusive bool
}

// latch acquires the latch of ref and loads the node. errNodeFreed means
// the node was merged away and the operation has to restart.
func (t *Tree[K, V]) latch(ref storage.BlockRef, exclusive bool) (*latched[K], error) {
	l := t.locks.Latch(ref)
	if err := acquire(l, exclusive, t.opts.LockTimeout); err != nil {
		t.metrics.lockTimeouts.Inc()
		return nil, db.WrapError(db.CodeLockTimeout, err, "node %d", ref)
	}

	node, err := t.cache.Get(ref)
	if err != nil {
		release(l, exclusive)
		if errors.Is(err, errNodeFreed) {
			return nil, err
		}
		return nil, storageError(err, "failed to load node %d", ref)
	}
	return &latched[K]{ref: ref, node: node, latch: l, exclusive: exclusive}, nil
}

func (t *Tree[K, V]) unlatch(h *latched[K]) {
	if h == nil {
		return
	}
	t.cache.Release(h.ref)
	release(h.latch, h.exclusive)
}

func acquire(l lockmgr.ILock, exclusive bool, timeout time.Duration) error {
	if exclusive {
		return l.Write(timeout)
	}
	return l.Read(timeout)
}

func release(l lockmgr.ILock, exclusive bool) {
	if exclusive {
		l.ReleaseWrite()
	} else {
		l.ReleaseRead()
	}
}

// lockRoot takes the root latch and returns root reference and height
func (t *Tree[K, V]) lockRoot(exclusive bool) (storage.BlockRef, int, error) {
	if err := acquire(t.rootLatch, exclusive, t.opts.LockTimeout); err != nil {
		t.metrics.lockTimeouts.Inc()
		return storage.NoBlock, 0, db.WrapError(db.CodeLockTimeout, err, "root")
	}
	return t.root.Load(), int(t.height.Load()), nil
}

// --------------------------------------------------------------------------
// Shared descent
// --------------------------------------------------------------------------

// descend walks from the root to a leaf, choosing the child with pick. The
// path is latched shared hand over hand. The leaf is returned latched,
// exclusively if leafExclusive is set.
func (t *Tree[K, V]) descend(pick func(n *internal.Node[K]) int, leafExclusive bool) (*latched[K], error) {
	ref, height, err := t.lockRoot(false)
	if err != nil {
		return nil, err
	}
	level := height - 1
	h, err := t.latch(ref, leafExclusive && level == 0)
	release(t.rootLatch, false)
	if err != nil {
		return nil, err
	}

	for level > 0 {
		child := h.node.Children[pick(h.node)]
		level--
		c, err := t.latch(child, leafExclusive && level == 0)
		t.unlatch(h)
		if err != nil {
			return nil, err
		}
		h = c
	}
	return h, nil
}

// pickKey selects the child whose subtree holds key
func (t *Tree[K, V]) pickKey(key K) func(n *internal.Node[K]) int {
	return func(n *internal.Node[K]) int { return n.ChildIndex(key, t.cmp) }
}

func pickFirst[K any](*internal.Node[K]) int { return 0 }

func pickLast[K any](n *internal.Node[K]) int { return len(n.Children) - 1 }

// --------------------------------------------------------------------------
// Exclusive descent
// --------------------------------------------------------------------------

// pathFrame is one latched node of an exclusive descent. idx is its position
// in the parent, sibling the neighbour a delete may borrow from or merge with.
type pathFrame[K any] struct {
	h       *latched[K]
	idx     int
	sibling *latched[K]
	left    bool // sibling is the left neighbour
}

// writePath holds every latch of a structural modification. frames[0] is
// the highest node that may change, it is the root if rootHeld is set.
type writePath[K any] struct {
	frames   []pathFrame[K]
	rootHeld bool
	next     *latched[K] // right neighbour leaf whose Prev link changes
}

func (p *writePath[K]) leaf() *latched[K] {
	return p.frames[len(p.frames)-1].h
}

// releaseAbove drops all latches held so far, including the root latch
func (t *Tree[K, V]) releaseAbove(p *writePath[K]) {
	for _, f := range p.frames {
		t.unlatch(f.sibling)
		t.unlatch(f.h)
	}
	p.frames = p.frames[:0]
	if p.rootHeld {
		release(t.rootLatch, true)
		p.rootHeld = false
	}
}

func (t *Tree[K, V]) releasePath(p *writePath[K]) {
	t.releaseAbove(p)
	t.unlatch(p.next)
	p.next = nil
}

// descendExclusive latches the path to key exclusively. Latches above a node
// that cannot split (insert) or underflow (delete) are released early. For a
// delete, every node that may underflow is latched together with one
// sibling: the left one is latched before the node if the node is the last
// child, otherwise the right one after it.
func (t *Tree[K, V]) descendExclusive(key K, deleting bool) (*writePath[K], error) {
	ref, height, err := t.lockRoot(true)
	if err != nil {
		return nil, err
	}
	p := &writePath[K]{rootHeld: true}

	h, err := t.latch(ref, true)
	if err != nil {
		t.releasePath(p)
		return nil, err
	}
	p.frames = append(p.frames, pathFrame[K]{h: h, idx: -1})

	for level := height - 1; level > 0; level-- {
		parent := p.leaf().node
		idx := parent.ChildIndex(key, t.cmp)
		last := idx == len(parent.Children)-1

		f := pathFrame[K]{idx: idx}
		if deleting && last {
			if f.sibling, err = t.latch(parent.Children[idx-1], true); err != nil {
				t.releasePath(p)
				return nil, err
			}
			f.left = true
		}
		if f.h, err = t.latch(parent.Children[idx], true); err != nil {
			t.unlatch(f.sibling)
			t.releasePath(p)
			return nil, err
		}

		if t.safe(f.h.node, key, deleting) {
			t.unlatch(f.sibling)
			f.sibling = nil
			t.releaseAbove(p)
			p.frames = append(p.frames, f)
			continue
		}
		if deleting && !last {
			if f.sibling, err = t.latch(parent.Children[idx+1], true); err != nil {
				t.unlatch(f.h)
				t.releasePath(p)
				return nil, err
			}
		}
		p.frames = append(p.frames, f)
	}
	return p, nil
}

// safe reports whether a change below n cannot propagate past it
func (t *Tree[K, V]) safe(n *internal.Node[K], key K, deleting bool) bool {
	if n.Leaf {
		_, found := n.Search(key, t.cmp)
		if deleting {
			return !found || len(n.Keys) > t.leafMin
		}
		return found || len(n.Keys) < t.leafMax
	}
	if deleting {
		return len(n.Children) > t.childMin
	}
	return len(n.Children) < t.childMax
}
