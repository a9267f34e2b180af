// Package bptree implements an embedded, ordered key-value database on a
// B+Tree. It provides a complete implementation of the db.OrderedKV
// interface for arbitrary key and value types, kept in memory or in a single
// data file with a write-ahead log next to it.
//
// The package focuses on:
//   - Concurrent access through per-node latches and per-key locks, writers
//     on different keys do not block each other
//   - Crash safety through a redo log and in-place checkpoints
//   - Bounded memory use through a node cache with keep-alive eviction
//   - Salvaging damaged files with RecoverFile
//
// Key Components:
//
//   - Tree: The database structure implementing db.OrderedKV. It owns the
//     block store, the log, the node cache and the lock manager and runs one
//     maintenance goroutine for cache sweeps and checkpoints.
//
//   - Node cache: Every node is reached through the cache, which decodes it
//     from the block store on first use. Dirty nodes stay cached until the
//     next checkpoint writes them, clean nodes are evicted once they were not
//     touched for CacheKeepAliveTimeout, within the configured history bounds.
//
//   - Locking: A call level lock (LockExclusive, LockShared) encloses every
//     operation. Inside it each mutation holds the stripe of its key, so
//     concurrent updates of one key serialize. Nodes are latched top-down and
//     left to right, an operation never waits for a latch while holding one
//     that is later in this order.
//
//   - Log: Every mutation is appended to FileName + ".wal" as one committed
//     operation before it is applied to a node. A checkpoint appends the full
//     images of the changed blocks, writes them in place and resets the log.
//
// Internal Mechanisms:
//
//   - Optimistic descent: Writers latch the path shared and only the leaf
//     exclusively. If the leaf must split or underflows, the operation starts
//     again with exclusive latches, releasing every ancestor that cannot be
//     affected by the change below it.
//
//   - Rebalancing: An underflowing node borrows from a sibling or merges with
//     it. Merged nodes are dropped from the cache, their blocks are released
//     after the next checkpoint. Operations that reach a dropped node restart.
//
//   - Recovery: Opening a file scans the log, re-applies the last complete
//     checkpoint batch, replays the committed operations newer than the data
//     file and writes a checkpoint. A torn tail of the log is cut off.
//
//   - File Format: Block 0 starts the meta record (magic "BPKVDATA", block
//     size, order, file id, root, height, entry count, checkpoint lsn, free
//     list). Every node is one record of one or more blocks, see
//     storage.EncodeRecord.
//
// Usage:
//
//	opts := bptree.DefaultOptions(serializer.NewStringSerializer(), serializer.NewBytesSerializer(), strings.Compare)
//	opts.StorageType = bptree.StorageDisk
//	opts.FileName = "data.bkv"
//	tree, err := bptree.Open(opts)
//	if err != nil { ... }
//	defer tree.Close()
//	err = tree.Set("a", []byte("1"))
package bptree
