package bptree

import (
	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/storage"
	"time"
)

// Checkpoint writes all dirty nodes and the meta record to the data file and
// resets the log. Operations wait while it runs.
func (t *Tree[K, V]) Checkpoint() error {
	if t.closed.Load() {
		return db.ErrClosed
	}
	if t.readOnly {
		return db.ErrReadOnly
	}
	t.structure.Lock()
	defer t.structure.Unlock()
	if t.closed.Load() {
		return db.ErrClosed
	}
	return t.checkpoint()
}

// checkpoint runs with the structure lock held exclusively. The order of
// the steps keeps the data file recoverable at every point:
//
//  1. encode dirty nodes and the meta record
//  2. append the block images as one batch to the log and sync it
//  3. write the images in place and sync the data file
//  4. reset the log
//  5. release the blocks freed since the last checkpoint
func (t *Tree[K, V]) checkpoint() error {
	if f := t.failure.Load(); f != nil {
		return f
	}

	var lsn uint64
	if t.wal != nil {
		lsn = t.wal.LastLSN()
	}
	dirty := t.cache.Dirty()
	if len(dirty) == 0 && lsn == t.ckptLSN && t.generation > 0 {
		return nil
	}

	start := time.Now()
	bs := t.store.BlockSize()

	images := make([]storage.Block, 0, len(dirty)+1)
	for _, d := range dirty {
		blocks, chain, err := storage.EncodeRecord(bs, d.node.Kind(), d.node.Encode(), d.chain, t.store.Allocate, t.store.Free)
		if err != nil {
			return storageError(err, "checkpoint failed to encode node %d", d.ref)
		}
		t.cache.SetChain(d.ref, chain)
		images = append(images, blocks...)
	}

	metaBlocks, metaChain, err := t.encodeMeta(lsn)
	if err != nil {
		return err
	}
	images = append(images, metaBlocks...)

	if t.wal != nil {
		if err := t.wal.WriteCheckpoint(lsn, images); err != nil {
			return t.fail(err)
		}
	}
	for _, img := range images {
		if err := t.store.Write(img.Ref, img.Data); err != nil {
			return storageError(err, "checkpoint failed to write block %d", img.Ref)
		}
	}
	if err := t.store.Flush(); err != nil {
		return storageError(err, "checkpoint failed to sync data file")
	}
	if t.wal != nil {
		if err := t.wal.Reset(lsn); err != nil {
			return t.fail(err)
		}
	}

	t.store.ReleasePending()
	t.cache.PurgeFreed()
	for _, d := range dirty {
		t.cache.Clean(d.ref)
	}
	t.metaChain = metaChain
	t.ckptLSN = lsn
	t.generation++

	t.metrics.checkpoints.Inc()
	t.metrics.checkpointTime.UpdateDuration(start)
	t.log.Debugf("checkpoint %d of %s: %d nodes, %d blocks, lsn %d, took %s",
		t.generation, t.name, len(dirty), len(images), lsn, time.Since(start))
	return nil
}

// encodeMeta builds the meta record. The record is padded to fill its whole
// chain, so the chain only grows. Allocating a further block changes the
// free list, so encoding repeats until the record fits.
func (t *Tree[K, V]) encodeMeta(lsn uint64) ([]storage.Block, []storage.BlockRef, error) {
	bs := t.store.BlockSize()
	capacity := storage.Capacity(bs)

	m := &meta{
		BlockSize:     bs,
		LeafOrder:     t.leafMax,
		InternalOrder: t.childMax,
		FileID:        t.fileID,
		Root:          t.root.Load(),
		Height:        int(t.height.Load()),
		Count:         t.count.Value(),
		CheckpointLSN: lsn,
		Generation:    t.generation + 1,
	}

	chain := append([]storage.BlockRef(nil), t.metaChain...)
	var payload []byte
	for {
		m.NextBlock = t.store.NextBlock()
		m.Free = t.store.FreeBlocks()
		payload = m.encode(len(chain) * capacity)
		if len(payload) <= len(chain)*capacity {
			break
		}
		needed := (len(payload) + capacity - 1) / capacity
		for len(chain) < needed {
			ref, err := t.store.Allocate()
			if err != nil {
				return nil, nil, storageError(err, "checkpoint failed to grow meta record")
			}
			chain = append(chain, ref)
		}
	}

	blocks, chain, err := storage.EncodeRecord(bs, storage.KindMeta, payload, chain, t.store.Allocate, t.store.Free)
	if err != nil {
		return nil, nil, storageError(err, "checkpoint failed to encode meta record")
	}
	return blocks, chain, nil
}
