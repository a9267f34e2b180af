// Package wal implements the write-ahead log of the B+Tree.
//
// The log is a single file next to the data file (<data>.wal). It starts
// with a header holding the id of the data file and the base lsn, followed
// by frames:
//
//	crc32(4) | length(4) | type(1) | lsn(8) | tx(8) | body
//
// Frame types:
//
//   - Begin, Put, Delete, Commit, Abort: one transaction per mutation. Scan
//     only returns operations whose commit marker made it to the file.
//   - CheckpointBegin, PageImage, CheckpointEnd: a complete copy of every
//     block a checkpoint is about to write in place. A batch without its end
//     marker is ignored.
//
// Durability:
//
//	SyncMode selects when committed frames reach the file. Buffered leaves
//	them in memory until the next checkpoint (fastest, a crash can lose
//	recently committed operations). WriteThrough writes them at every commit,
//	they survive a process crash. Sync also fsyncs, they survive power loss.
//
// Recovery:
//
//	Scan reads the log up to the first torn or corrupt frame and returns the
//	committed operations plus the last complete checkpoint batch. Resume
//	reopens a scanned log for appending after cutting off the torn tail.
//
// Thread-safety:
//
//	A *WAL is safe for concurrent use, frames of concurrent transactions may
//	interleave. Scan must not run concurrently with a writer on the same file.
package wal
