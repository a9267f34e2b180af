package bptree

import (
	"errors"
	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/storage"
	"github.com/ValentinKolb/bKV/lib/wal"
)

// recover brings an existing data file up to date with its log:
//
//  1. scan the log, a torn tail is cut off
//  2. re-apply the last complete checkpoint batch of the log
//  3. read the meta record
//  4. replay the committed operations newer than the meta record
//  5. checkpoint (skipped when read-only)
//
// A log that belongs to another data file is ignored and replaced.
func (t *Tree[K, V]) recover(store storage.IBlockStore) error {
	t.store = store
	o := &t.opts
	path := t.walPath()

	if bs, ok := peekBlockSize(store); ok && bs != o.FileBlockSize {
		return db.NewError(db.CodeConfiguration, "%s uses block size %d, configured %d", o.FileName, bs, o.FileBlockSize)
	}

	scan, err := wal.Scan(t.fs, path)
	if err != nil {
		t.log.Warningf("ignoring unreadable log %s: %v", path, err)
		scan = wal.ScanResult{}
	}
	if scan.Truncated {
		t.log.Warningf("discarded torn tail of %s after lsn %d", path, scan.LastLSN)
	}

	images, usable := t.checkpointImages(store, scan)
	if t.readOnly {
		t.store = storage.NewOverlay(store, images)
	} else if len(images) > 0 {
		for _, img := range images {
			if err := store.Write(img.Ref, img.Data); err != nil {
				return storageError(err, "failed to re-apply checkpoint block %d", img.Ref)
			}
		}
		if err := store.Flush(); err != nil {
			return storageError(err, "failed to sync re-applied checkpoint")
		}
	}
	if len(images) > 0 {
		t.log.Infof("re-applied checkpoint at lsn %d of %s (%d blocks)", scan.CheckpointLSN, path, len(images))
	}

	m, chain, err := readMeta(t.store)
	if err != nil {
		return storageError(err, "cannot read meta record of %s", o.FileName)
	}
	if m.BlockSize != o.FileBlockSize {
		return db.NewError(db.CodeConfiguration, "%s uses block size %d, configured %d", o.FileName, m.BlockSize, o.FileBlockSize)
	}
	if usable && m.FileID != scan.FileID {
		t.log.Warningf("log %s belongs to file %s, not %s, ignoring it", path, scan.FileID, m.FileID)
		usable = false
	}
	if m.LeafOrder != o.MaxLeafEntries || m.InternalOrder != o.MaxChildren {
		t.log.Debugf("%s keeps its order %d/%d", o.FileName, m.LeafOrder, m.InternalOrder)
	}

	t.fileID = m.FileID
	t.metaChain = chain
	t.ckptLSN = m.CheckpointLSN
	t.generation = m.Generation
	t.setOrder(m.LeafOrder, m.InternalOrder)
	t.root.Store(m.Root)
	t.height.Store(int32(m.Height))
	t.count.Add(m.Count)
	t.store.Restore(m.NextBlock, m.Free)
	t.initCache()

	if usable {
		replayed, err := t.replay(scan.Committed, m.CheckpointLSN)
		if err != nil {
			return err
		}
		if replayed > 0 || scan.Discarded > 0 {
			t.log.Infof("replayed %d operations of %s, discarded %d uncommitted", replayed, path, scan.Discarded)
		}
	}

	if t.readOnly {
		return nil
	}
	if usable {
		t.wal, err = wal.Resume(t.fs, path, o.Durability, scan)
	} else {
		t.wal, err = wal.Create(t.fs, path, t.fileID, o.Durability, m.CheckpointLSN)
	}
	if err != nil {
		return db.WrapError(db.CodeIOFailure, err, "cannot open log %s", path)
	}
	if t.wal.LastLSN() < t.ckptLSN {
		return db.NewError(db.CodeCorruption, "log %s ends at lsn %d before the data file (%d)", path, t.wal.LastLSN(), t.ckptLSN)
	}
	return t.checkpoint()
}

// checkpointImages returns the checkpoint batch of scan if it belongs to
// store. usable reports whether the log belongs to store at all.
func (t *Tree[K, V]) checkpointImages(store storage.IBlockStore, scan wal.ScanResult) (images []storage.Block, usable bool) {
	if !scan.Exists {
		return nil, false
	}

	current, _, metaErr := readMeta(store)
	if metaErr == nil && current.FileID != scan.FileID {
		t.log.Warningf("log %s belongs to file %s, not %s, ignoring it", t.walPath(), scan.FileID, current.FileID)
		return nil, false
	}
	if !scan.HasCheckpoint {
		return nil, true
	}

	// the batch has to carry the meta record of this file
	m, _, err := readMeta(storage.NewOverlay(store, scan.Images))
	if err != nil || m.FileID != scan.FileID {
		t.log.Warningf("checkpoint batch in %s has no valid meta record, ignoring it", t.walPath())
		return nil, metaErr == nil
	}
	return scan.Images, true
}

// replay re-applies committed operations newer than lsn without logging them
func (t *Tree[K, V]) replay(ops []wal.CommittedOp, lsn uint64) (int, error) {
	n := 0
	for _, c := range ops {
		if c.LSN <= lsn {
			continue
		}
		key, err := t.opts.KeySerializer.Deserialize(c.Op.Key)
		if err != nil {
			return n, db.WrapError(db.CodeCorruption, err, "log record at lsn %d has an invalid key", c.LSN)
		}
		switch c.Op.Kind {
		case wal.OpPut:
			err = t.put(key, c.Op.Key, c.Op.Value, putUpsert)
		case wal.OpDelete:
			err = t.remove(key, c.Op.Key)
			if errors.Is(err, db.ErrKeyNotFound) {
				err = nil
			}
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
