package bptree

import (
	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/lockmgr"
)

// --------------------------------------------------------------------------
// Interface Methods - Write Operations (docu see db.Ops)
// --------------------------------------------------------------------------

// The exported operations take the call level lock shared. A holder of
// LockExclusive keeps them out, the operations of a Locked handle skip it.

func (t *Tree[K, V]) Insert(key K, value V) error {
	if err := t.lockCall(); err != nil {
		return err
	}
	defer t.callLock.ReleaseRead()
	return t.write(key, value, putInsert)
}

func (t *Tree[K, V]) Set(key K, value V) error {
	if err := t.lockCall(); err != nil {
		return err
	}
	defer t.callLock.ReleaseRead()
	return t.write(key, value, putUpsert)
}

func (t *Tree[K, V]) Update(key K, fn func(old V) V) (V, error) {
	if err := t.lockCall(); err != nil {
		var zero V
		return zero, err
	}
	defer t.callLock.ReleaseRead()
	return t.update(key, fn)
}

func (t *Tree[K, V]) Delete(key K) error {
	if err := t.lockCall(); err != nil {
		return err
	}
	defer t.callLock.ReleaseRead()
	return t.delete(key)
}

// --------------------------------------------------------------------------
// Interface Methods - Query Operations (docu see db.Ops)
// --------------------------------------------------------------------------

func (t *Tree[K, V]) Lookup(key K) (V, error) {
	if err := t.lockCall(); err != nil {
		var zero V
		return zero, err
	}
	defer t.callLock.ReleaseRead()
	return t.lookup(key)
}

func (t *Tree[K, V]) Has(key K) (bool, error) {
	if err := t.lockCall(); err != nil {
		return false, err
	}
	defer t.callLock.ReleaseRead()
	return t.has(key)
}

func (t *Tree[K, V]) Enumerate(opts db.RangeOptions[K]) db.Iterator[K, V] {
	return t.newIterator(opts, true)
}

// Count returns the number of entries. It never waits for a lock.
func (t *Tree[K, V]) Count() int64 {
	return t.count.Value()
}

// --------------------------------------------------------------------------
// Operation bodies, shared by Tree and Locked
// --------------------------------------------------------------------------

func (t *Tree[K, V]) lockCall() error {
	if t.closed.Load() {
		return db.ErrClosed
	}
	if err := t.callLock.Read(t.opts.LockTimeout); err != nil {
		t.metrics.lockTimeouts.Inc()
		return db.WrapError(db.CodeLockTimeout, err, "call level lock")
	}
	return nil
}

// write serializes key and value and puts them under the key stripe
func (t *Tree[K, V]) write(key K, value V, mode putMode) error {
	if err := t.writable(); err != nil {
		return err
	}
	key, rawKey, err := t.ownKey(key)
	if err != nil {
		return err
	}
	rawVal, err := t.encodeValue(value)
	if err != nil {
		return err
	}

	stripe, err := t.lockKey(rawKey)
	if err != nil {
		return err
	}
	defer stripe.ReleaseWrite()

	tok, err := t.enter()
	if err != nil {
		return err
	}
	defer t.leave(tok)
	return t.put(key, rawKey, rawVal, mode)
}

// update reads, transforms and writes back one value. The key stripe is held
// throughout, fn runs without any node latch.
func (t *Tree[K, V]) update(key K, fn func(old V) V) (V, error) {
	var zero V
	if err := t.writable(); err != nil {
		return zero, err
	}
	key, rawKey, err := t.ownKey(key)
	if err != nil {
		return zero, err
	}

	stripe, err := t.lockKey(rawKey)
	if err != nil {
		return zero, err
	}
	defer stripe.ReleaseWrite()

	tok, err := t.enter()
	if err != nil {
		return zero, err
	}
	raw, found, err := t.get(key)
	t.leave(tok)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, db.ErrKeyNotFound
	}
	old, err := t.decodeValue(raw)
	if err != nil {
		return zero, err
	}

	rawNew, err := t.encodeValue(fn(old))
	if err != nil {
		return old, err
	}

	if tok, err = t.enter(); err != nil {
		return old, err
	}
	defer t.leave(tok)
	return old, t.put(key, rawKey, rawNew, putUpsert)
}

func (t *Tree[K, V]) delete(key K) error {
	if err := t.writable(); err != nil {
		return err
	}
	key, rawKey, err := t.ownKey(key)
	if err != nil {
		return err
	}

	stripe, err := t.lockKey(rawKey)
	if err != nil {
		return err
	}
	defer stripe.ReleaseWrite()

	tok, err := t.enter()
	if err != nil {
		return err
	}
	defer t.leave(tok)
	return t.remove(key, rawKey)
}

func (t *Tree[K, V]) lookup(key K) (V, error) {
	var zero V
	tok, err := t.enter()
	if err != nil {
		return zero, err
	}
	raw, found, err := t.get(key)
	t.leave(tok)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, db.ErrKeyNotFound
	}
	return t.decodeValue(raw)
}

func (t *Tree[K, V]) has(key K) (bool, error) {
	tok, err := t.enter()
	if err != nil {
		return false, err
	}
	defer t.leave(tok)
	_, found, err := t.get(key)
	return found, err
}

// ownKey serializes key and decodes it again, so the tree never shares
// memory with a key owned by the caller
func (t *Tree[K, V]) ownKey(key K) (K, []byte, error) {
	raw, err := t.encodeKey(key)
	if err != nil {
		return key, nil, err
	}
	owned, err := t.opts.KeySerializer.Deserialize(raw)
	if err != nil {
		return key, nil, db.WrapError(db.CodeConfiguration, err, "key does not survive serialization")
	}
	return owned, raw, nil
}

// lockKey takes the stripe of a serialized key exclusively
func (t *Tree[K, V]) lockKey(rawKey []byte) (lockmgr.ILock, error) {
	stripe := t.keyLock(rawKey)
	if err := stripe.Write(t.opts.LockTimeout); err != nil {
		t.metrics.lockTimeouts.Inc()
		return nil, db.WrapError(db.CodeLockTimeout, err, "key lock")
	}
	return stripe, nil
}
