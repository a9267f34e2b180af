package bptree

import (
	"errors"
	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/storage"
)

// iterator walks the leaves through their sibling links and buffers the
// entries of one leaf at a time. No latch is held between calls to Next.
//
// Before it moves on from a leaf it checks that the leaf did not change since
// it was read. If it did, or the leaf was freed, the iterator descends again
// from the root to the last key it returned. Keys are filtered strictly
// against that key, so every key is returned at most once and in order.
//
// Thread-safety: an iterator must not be used by several goroutines at once.
type iterator[K any, V any] struct {
	t        *Tree[K, V]
	opts     db.RangeOptions[K]
	callLock bool // take the call level lock for every refill

	batch []entry
	pos   int

	positioned bool // leaf, version and sibling describe the last leaf read
	leaf       storage.BlockRef
	version    uint64
	sibling    storage.BlockRef // next leaf in walking direction
	exhausted  bool

	hasLast bool
	last    K

	key    K
	value  V
	err    error
	done   bool
	closed bool
}

type entry struct {
	rawKey []byte
	rawVal []byte
}

func (t *Tree[K, V]) newIterator(opts db.RangeOptions[K], callLock bool) *iterator[K, V] {
	return &iterator[K, V]{t: t, opts: opts, callLock: callLock}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see db.Iterator)
// --------------------------------------------------------------------------

func (it *iterator[K, V]) Next() bool {
	if it.closed || it.done || it.err != nil {
		return false
	}
	for {
		if it.pos < len(it.batch) {
			e := it.batch[it.pos]
			it.pos++
			key, err := it.t.opts.KeySerializer.Deserialize(e.rawKey)
			if err != nil {
				it.err = db.WrapError(db.CodeCorruption, err, "cannot deserialize key")
				return false
			}
			value, err := it.t.decodeValue(e.rawVal)
			if err != nil {
				it.err = err
				return false
			}
			it.key, it.value = key, value
			it.last, it.hasLast = key, true
			return true
		}
		if it.exhausted {
			it.done = true
			it.batch = nil
			return false
		}
		if err := it.refill(); err != nil {
			it.err = err
			return false
		}
	}
}

func (it *iterator[K, V]) Key() K { return it.key }

func (it *iterator[K, V]) Value() V { return it.value }

func (it *iterator[K, V]) Err() error { return it.err }

func (it *iterator[K, V]) Reset() {
	var zeroK K
	var zeroV V
	it.batch, it.pos = it.batch[:0], 0
	it.positioned, it.exhausted = false, false
	it.hasLast, it.last = false, zeroK
	it.key, it.value = zeroK, zeroV
	it.err, it.done = nil, false
}

func (it *iterator[K, V]) Close() error {
	it.closed = true
	it.batch = nil
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// refill loads the entries of the next leaf that has any in range
func (it *iterator[K, V]) refill() error {
	t := it.t
	if it.callLock {
		if err := t.lockCall(); err != nil {
			return err
		}
		defer t.callLock.ReleaseRead()
	}
	tok, err := t.enter()
	if err != nil {
		return err
	}
	defer t.leave(tok)

	it.batch, it.pos = it.batch[:0], 0
	for len(it.batch) == 0 && !it.exhausted {
		if it.positioned {
			err = it.step()
		} else {
			err = it.seek()
		}
		if errors.Is(err, errNodeFreed) {
			t.metrics.restarts.Inc()
			it.positioned = false
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// seek descends to the leaf that holds the first key still to return
func (it *iterator[K, V]) seek() error {
	t := it.t
	var pick = pickFirst[K]
	switch {
	case it.hasLast:
		pick = t.pickKey(it.last)
	case !it.opts.Reverse && it.opts.Start != nil:
		pick = t.pickKey(*it.opts.Start)
	case it.opts.Reverse && it.opts.End != nil:
		pick = t.pickKey(*it.opts.End)
	case it.opts.Reverse:
		pick = pickLast[K]
	}

	h, err := t.descend(pick, false)
	if err != nil {
		return err
	}
	it.read(h)
	t.unlatch(h)
	return nil
}

// step moves to the sibling of the last leaf read if that leaf is unchanged
func (it *iterator[K, V]) step() error {
	t := it.t
	if it.sibling == storage.NoBlock {
		it.exhausted = true
		return nil
	}

	if !it.opts.Reverse {
		cur, err := t.latch(it.leaf, false)
		if err != nil {
			return err
		}
		if cur.node.Version != it.version || cur.node.Next != it.sibling {
			t.unlatch(cur)
			it.positioned = false
			return nil
		}
		next, err := t.latch(it.sibling, false)
		t.unlatch(cur)
		if err != nil {
			return err
		}
		it.read(next)
		t.unlatch(next)
		return nil
	}

	// it.sibling is only known to be the left neighbour while the current
	// leaf is unchanged, check that before latching it
	cur, err := t.latch(it.leaf, false)
	if err != nil {
		return err
	}
	valid := cur.node.Version == it.version && cur.node.Prev == it.sibling
	t.unlatch(cur)
	if !valid {
		it.positioned = false
		return nil
	}

	// left to right: the previous leaf first, then the current one. An
	// unchanged version means the link held the whole time.
	prev, err := t.latch(it.sibling, false)
	if err != nil {
		return err
	}
	cur, err = t.latch(it.leaf, false)
	if err != nil {
		t.unlatch(prev)
		return err
	}
	valid = cur.node.Version == it.version && prev.node.Next == it.leaf
	t.unlatch(cur)
	if !valid {
		t.unlatch(prev)
		it.positioned = false
		return nil
	}
	it.read(prev)
	t.unlatch(prev)
	return nil
}

// read buffers the entries of a latched leaf that are in range and not yet
// returned
func (it *iterator[K, V]) read(h *latched[K]) {
	n, cmp := h.node, it.t.cmp
	start, end := it.opts.Start, it.opts.End

	it.leaf, it.version, it.positioned = h.ref, n.Version, true
	if !it.opts.Reverse {
		it.sibling = n.Next
		for i, k := range n.Keys {
			if it.hasLast {
				if cmp(k, it.last) <= 0 {
					continue
				}
			} else if start != nil && cmp(k, *start) < 0 {
				continue
			}
			if end != nil && cmp(k, *end) >= 0 {
				it.exhausted = true
				return
			}
			it.batch = append(it.batch, entry{rawKey: n.RawKeys[i], rawVal: n.Values[i]})
		}
	} else {
		it.sibling = n.Prev
		for i := len(n.Keys) - 1; i >= 0; i-- {
			k := n.Keys[i]
			if it.hasLast {
				if cmp(k, it.last) >= 0 {
					continue
				}
			} else if end != nil && cmp(k, *end) >= 0 {
				continue
			}
			if start != nil && cmp(k, *start) < 0 {
				it.exhausted = true
				return
			}
			it.batch = append(it.batch, entry{rawKey: n.RawKeys[i], rawVal: n.Values[i]})
		}
	}
	if it.sibling == storage.NoBlock {
		it.exhausted = true
	}
}
