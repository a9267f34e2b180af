package bptree

import (
	"github.com/ValentinKolb/bKV/lib/db/engines/bptree/internal"
	"github.com/ValentinKolb/bKV/lib/storage"
)

// --------------------------------------------------------------------------
// Split
// --------------------------------------------------------------------------

// countSplits returns the number of blocks a put into the full leaf of p
// needs: one per full node from the leaf upwards, plus one for a new root.
func (t *Tree[K, V]) countSplits(p *writePath[K]) int {
	n := 0
	for level := len(p.frames) - 1; level >= 0; level-- {
		node := p.frames[level].h.node
		full := len(node.Children) >= t.childMax
		if node.Leaf {
			full = len(node.Keys) >= t.leafMax
		}
		if !full {
			return n
		}
		n++
	}
	if p.rootHeld {
		n++
	}
	return n
}

// split splits the overfull leaf of p and carries the separators upwards.
// refs are the blocks reserved by countSplits.
func (t *Tree[K, V]) split(p *writePath[K], refs []storage.BlockRef) {
	take := func() storage.BlockRef {
		ref := refs[0]
		refs = refs[1:]
		return ref
	}

	level := len(p.frames) - 1
	leaf := p.frames[level].h
	right := leaf.node.SplitLeaf()
	newRef := take()
	right.Prev = leaf.ref
	right.Next = leaf.node.Next
	leaf.node.Next = newRef
	if p.next != nil {
		p.next.node.Prev = newRef
		t.cache.MarkDirty(p.next.ref)
	}
	t.addNode(newRef, right)
	t.cache.MarkDirty(leaf.ref)
	t.metrics.splits.Inc()
	sep, rawSep := right.Keys[0], right.RawKeys[0]

	for level--; level >= 0; level-- {
		parent := p.frames[level].h
		parent.node.InsertSeparator(p.frames[level+1].idx, sep, rawSep, newRef)
		t.cache.MarkDirty(parent.ref)
		if len(parent.node.Children) <= t.childMax {
			return
		}

		var rightNode *internal.Node[K]
		rightNode, sep, rawSep = parent.node.SplitInternal()
		newRef = take()
		t.addNode(newRef, rightNode)
		t.metrics.splits.Inc()
	}

	// the root split, the tree grows by one level
	rootRef := take()
	t.addNode(rootRef, &internal.Node[K]{
		Keys:     []K{sep},
		RawKeys:  [][]byte{rawSep},
		Children: []storage.BlockRef{p.frames[0].h.ref, newRef},
	})
	t.root.Store(rootRef)
	t.height.Add(1)
}

// addNode caches a new node. It is reachable only through nodes latched by
// the caller, so it needs no latch of its own.
func (t *Tree[K, V]) addNode(ref storage.BlockRef, node *internal.Node[K]) {
	t.cache.Put(ref, node)
	t.cache.Release(ref)
}

// --------------------------------------------------------------------------
// Merge
// --------------------------------------------------------------------------

// rebalance fixes underflows from the leaf of p upwards by borrowing from
// or merging with the latched sibling. The root collapses when it is left
// with a single child.
func (t *Tree[K, V]) rebalance(p *writePath[K]) {
	for level := len(p.frames) - 1; level >= 1; level-- {
		f := p.frames[level]
		if !t.underflow(f.h.node) || f.sibling == nil {
			break
		}
		parent := p.frames[level-1].h

		left, right, sepIdx := f.h, f.sibling, f.idx
		if f.left {
			left, right, sepIdx = f.sibling, f.h, f.idx-1
		}
		sep, rawSep := parent.node.Keys[sepIdx], parent.node.RawKeys[sepIdx]

		if t.canLend(f.sibling.node) {
			var newSep K
			var newRaw []byte
			if f.left {
				newSep, newRaw = internal.ShiftRight(left.node, right.node, sep, rawSep)
			} else {
				newSep, newRaw = internal.ShiftLeft(left.node, right.node, sep, rawSep)
			}
			parent.node.Keys[sepIdx], parent.node.RawKeys[sepIdx] = newSep, newRaw
			t.cache.MarkDirty(left.ref)
			t.cache.MarkDirty(right.ref)
			t.cache.MarkDirty(parent.ref)
			break
		}

		internal.Merge(left.node, right.node, sep, rawSep)
		if left.node.Leaf {
			left.node.Next = right.node.Next
			if p.next != nil {
				p.next.node.Prev = left.ref
				t.cache.MarkDirty(p.next.ref)
			}
		}
		parent.node.RemoveSeparator(sepIdx)
		t.cache.MarkDirty(left.ref)
		t.cache.MarkDirty(parent.ref)
		t.freeNode(right)
		t.metrics.merges.Inc()
	}

	if !p.rootHeld {
		return
	}
	root := p.frames[0].h
	if !root.node.Leaf && len(root.node.Children) == 1 {
		t.root.Store(root.node.Children[0])
		t.height.Add(-1)
		t.freeNode(root)
	}
}

func (t *Tree[K, V]) underflow(n *internal.Node[K]) bool {
	if n.Leaf {
		return len(n.Keys) < t.leafMin
	}
	return len(n.Children) < t.childMin
}

func (t *Tree[K, V]) canLend(n *internal.Node[K]) bool {
	if n.Leaf {
		return len(n.Keys) > t.leafMin
	}
	return len(n.Children) > t.childMin
}

// freeNode releases the blocks of a latched node. Operations that reach it
// through a stale reference see errNodeFreed and restart.
func (t *Tree[K, V]) freeNode(h *latched[K]) {
	t.cache.Drop(h.ref)
	t.locks.Forget(h.ref)
}
