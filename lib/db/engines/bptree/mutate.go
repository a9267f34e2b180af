package bptree

import (
	"errors"
	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/storage"
	"github.com/ValentinKolb/bKV/lib/wal"
)

// putMode selects how put treats an existing key
type putMode int

const (
	putUpsert putMode = iota
	putInsert
)

// Every mutation first tries an optimistic descent that latches only the
// leaf exclusively. If the leaf would split or underflow it retries with an
// exclusive descent that latches every node that may change. Lock timeouts
// happen before anything is modified.

// --------------------------------------------------------------------------
// Put
// --------------------------------------------------------------------------

// put stores rawVal under key. The caller holds the key stripe and the
// structure lock shared.
func (t *Tree[K, V]) put(key K, rawKey, rawVal []byte, mode putMode) error {
	for {
		done, err := t.putLeaf(key, rawKey, rawVal, mode)
		if !done && err == nil {
			err = t.putSplit(key, rawKey, rawVal, mode)
		}
		if errors.Is(err, errNodeFreed) {
			t.metrics.restarts.Inc()
			continue
		}
		return err
	}
}

// putLeaf handles puts that fit into the leaf. done is false if the leaf is
// full and has to split.
func (t *Tree[K, V]) putLeaf(key K, rawKey, rawVal []byte, mode putMode) (done bool, err error) {
	leaf, err := t.descend(t.pickKey(key), true)
	if err != nil {
		return false, err
	}
	i, found := leaf.node.Search(key, t.cmp)
	if found && mode == putInsert {
		t.unlatch(leaf)
		return true, db.ErrDuplicateKey
	}
	if !found && len(leaf.node.Keys) >= t.leafMax {
		t.unlatch(leaf)
		return false, nil
	}

	tx, err := t.logBegin(wal.OpPut, rawKey, rawVal)
	if err != nil {
		t.unlatch(leaf)
		return true, err
	}
	t.applyPut(leaf, i, found, key, rawKey, rawVal)
	t.unlatch(leaf)
	return true, t.logCommit(tx)
}

// putSplit handles puts that split the leaf and possibly its ancestors
func (t *Tree[K, V]) putSplit(key K, rawKey, rawVal []byte, mode putMode) error {
	p, err := t.descendExclusive(key, false)
	if err != nil {
		return err
	}
	defer t.releasePath(p)

	leaf := p.leaf()
	i, found := leaf.node.Search(key, t.cmp)
	if found && mode == putInsert {
		return db.ErrDuplicateKey
	}
	if found || len(leaf.node.Keys) < t.leafMax {
		// a concurrent delete made room
		tx, err := t.logBegin(wal.OpPut, rawKey, rawVal)
		if err != nil {
			return err
		}
		t.applyPut(leaf, i, found, key, rawKey, rawVal)
		return t.logCommit(tx)
	}

	if leaf.node.Next != storage.NoBlock {
		if p.next, err = t.latch(leaf.node.Next, true); err != nil {
			return err
		}
	}

	tx, err := t.logBegin(wal.OpPut, rawKey, rawVal)
	if err != nil {
		return err
	}
	refs, err := t.allocate(t.countSplits(p))
	if err != nil {
		t.logAbort(tx)
		return err
	}

	t.applyPut(leaf, i, false, key, rawKey, rawVal)
	t.split(p, refs)
	return t.logCommit(tx)
}

func (t *Tree[K, V]) applyPut(leaf *latched[K], i int, found bool, key K, rawKey, rawVal []byte) {
	if found {
		leaf.node.Values[i] = rawVal
	} else {
		leaf.node.InsertEntry(i, key, rawKey, rawVal)
		t.count.Inc()
	}
	t.cache.MarkDirty(leaf.ref)
	t.valueSizes.AddSample(len(rawVal))
}

// --------------------------------------------------------------------------
// Remove
// --------------------------------------------------------------------------

// remove deletes key. The caller holds the key stripe and the structure
// lock shared.
func (t *Tree[K, V]) remove(key K, rawKey []byte) error {
	for {
		done, err := t.removeLeaf(key, rawKey)
		if !done && err == nil {
			err = t.removeMerge(key, rawKey)
		}
		if errors.Is(err, errNodeFreed) {
			t.metrics.restarts.Inc()
			continue
		}
		return err
	}
}

// removeLeaf handles deletes that leave the leaf at least half full
func (t *Tree[K, V]) removeLeaf(key K, rawKey []byte) (done bool, err error) {
	leaf, err := t.descend(t.pickKey(key), true)
	if err != nil {
		return false, err
	}
	i, found := leaf.node.Search(key, t.cmp)
	if !found {
		t.unlatch(leaf)
		return true, db.ErrKeyNotFound
	}
	if len(leaf.node.Keys) <= t.leafMin && leaf.ref != t.root.Load() {
		t.unlatch(leaf)
		return false, nil
	}

	tx, err := t.logBegin(wal.OpDelete, rawKey, nil)
	if err != nil {
		t.unlatch(leaf)
		return true, err
	}
	t.applyRemove(leaf, i)
	t.unlatch(leaf)
	return true, t.logCommit(tx)
}

// removeMerge handles deletes that make the leaf borrow or merge
func (t *Tree[K, V]) removeMerge(key K, rawKey []byte) error {
	p, err := t.descendExclusive(key, true)
	if err != nil {
		return err
	}
	defer t.releasePath(p)

	leaf := p.leaf()
	i, found := leaf.node.Search(key, t.cmp)
	if !found {
		return db.ErrKeyNotFound
	}

	last := p.frames[len(p.frames)-1]
	if last.sibling != nil && len(leaf.node.Keys) <= t.leafMin && len(last.sibling.node.Keys) <= t.leafMin {
		// the leaf merges, the right one of the pair goes away
		gone := last.sibling
		if last.left {
			gone = leaf
		}
		if gone.node.Next != storage.NoBlock {
			if p.next, err = t.latch(gone.node.Next, true); err != nil {
				return err
			}
		}
	}

	tx, err := t.logBegin(wal.OpDelete, rawKey, nil)
	if err != nil {
		return err
	}
	t.applyRemove(leaf, i)
	t.rebalance(p)
	return t.logCommit(tx)
}

func (t *Tree[K, V]) applyRemove(leaf *latched[K], i int) {
	leaf.node.RemoveEntry(i)
	t.count.Dec()
	t.cache.MarkDirty(leaf.ref)
}

// --------------------------------------------------------------------------
// Read
// --------------------------------------------------------------------------

// get returns the serialized value of key. The slice is never modified in
// place, it stays valid after the latch is released.
func (t *Tree[K, V]) get(key K) ([]byte, bool, error) {
	for {
		leaf, err := t.descend(t.pickKey(key), false)
		if errors.Is(err, errNodeFreed) {
			t.metrics.restarts.Inc()
			continue
		}
		if err != nil {
			return nil, false, err
		}
		i, found := leaf.node.Search(key, t.cmp)
		var raw []byte
		if found {
			raw = leaf.node.Values[i]
		}
		t.unlatch(leaf)
		return raw, found, nil
	}
}

// --------------------------------------------------------------------------
// Log and allocation helpers
// --------------------------------------------------------------------------

func (t *Tree[K, V]) logBegin(kind wal.OpKind, rawKey, rawVal []byte) (wal.Tx, error) {
	if t.wal == nil {
		return 0, nil
	}
	tx, err := t.wal.Begin(wal.Op{Kind: kind, Key: rawKey, Value: rawVal})
	if err != nil {
		return 0, t.fail(err)
	}
	return tx, nil
}

func (t *Tree[K, V]) logCommit(tx wal.Tx) error {
	if t.wal == nil {
		return nil
	}
	if _, err := t.wal.Commit(tx); err != nil {
		return t.fail(err)
	}
	t.metrics.walAppends.Inc()
	t.requestCheckpoint()
	return nil
}

func (t *Tree[K, V]) logAbort(tx wal.Tx) {
	if t.wal == nil {
		return
	}
	if err := t.wal.Abort(tx); err != nil {
		_ = t.fail(err)
	}
}

// allocate reserves n blocks for new nodes. On failure the blocks taken so
// far are handed back.
func (t *Tree[K, V]) allocate(n int) ([]storage.BlockRef, error) {
	refs := make([]storage.BlockRef, 0, n)
	for len(refs) < n {
		ref, err := t.store.Allocate()
		if err != nil {
			for _, r := range refs {
				t.store.Free(r)
			}
			return nil, storageError(err, "failed to allocate node")
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
