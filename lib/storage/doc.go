// Package storage implements the block store underneath the B+Tree: a backing
// medium divided into fixed size blocks with allocation, a free list and
// growth in configurable increments.
//
// Key Components:
//
//   - IBlockStore: the contract used by the tree (Allocate, Free, Read, Write,
//     Flush). Two backings exist, NewMemoryStore and OpenFileStore. The file
//     store works on any afero.Fs, the OS file system in production and
//     afero.NewMemMapFs() in tests.
//
//   - Free list: freed blocks first enter a pending set and only become
//     allocatable after ReleasePending. The tree calls it once a checkpoint
//     is durable, so blocks referenced by the last checkpoint are never
//     overwritten before a newer checkpoint exists.
//
//   - Records: EncodeRecord and DecodeRecord store a payload of any size in a
//     chain of blocks. Every block carries a CRC32 over its header and
//     fragment, torn or foreign blocks are reported as ErrCorrupt.
//
//   - Overlay: NewOverlay gives a read-only view of a store with some blocks
//     replaced, used to inspect a file as if a logged checkpoint had been
//     re-applied.
//
// Thread-safety:
//
//	All stores are safe for concurrent use. Concurrent Read/Write calls on
//	different blocks do not block each other in the file store. Writes to the
//	same block are not ordered by the store.
package storage
