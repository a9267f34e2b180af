package storage

import (
	"errors"
)

// BlockRef is the index of a block in the backing medium. Block 0 holds the
// meta record of a tree and is never handed out by Allocate, so 0 doubles as
// the "no block" reference in node links.
type BlockRef = uint64

const (
	// NoBlock marks an absent link (block 0 is reserved for meta data)
	NoBlock BlockRef = 0
	// MetaBlock is the first block of the meta record
	MetaBlock BlockRef = 0
)

var (
	// ErrCorrupt is returned when a block or record fails validation
	ErrCorrupt = errors.New("corrupt block")
	// ErrReadOnly is returned by mutating calls on a read-only store
	ErrReadOnly = errors.New("block store is read-only")
	// ErrOutOfRange is returned for references beyond the end of the medium
	ErrOutOfRange = errors.New("block reference out of range")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("block store is closed")
	// ErrNotExist is returned when OpenExisting or NeverCreate find no file
	ErrNotExist = errors.New("file does not exist")
)

// CreatePolicy selects how a file backed store treats an existing or missing file
type CreatePolicy int

const (
	// CreateAlways truncates an existing file and starts empty
	CreateAlways CreatePolicy = iota
	// CreateIfNeeded opens an existing file or creates a new one
	CreateIfNeeded
	// OpenExisting opens an existing file read-write and fails if it is missing
	OpenExisting
	// NeverCreate opens an existing file read-only (diagnostic mode)
	NeverCreate
)

func (p CreatePolicy) String() string {
	switch p {
	case CreateAlways:
		return "always"
	case CreateIfNeeded:
		return "if-needed"
	case OpenExisting:
		return "existing"
	case NeverCreate:
		return "never"
	default:
		return "unknown"
	}
}

// ParseCreatePolicy converts the textual form used on the command line
func ParseCreatePolicy(s string) (CreatePolicy, error) {
	switch s {
	case "always":
		return CreateAlways, nil
	case "if-needed", "":
		return CreateIfNeeded, nil
	case "existing":
		return OpenExisting, nil
	case "never":
		return NeverCreate, nil
	default:
		return CreateIfNeeded, errors.New("invalid create policy " + s + " (always, if-needed, existing, never)")
	}
}

// Block is a block image ready to be written
type Block struct {
	Ref  BlockRef
	Data []byte
}

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IBlockStore manages fixed size blocks on a backing medium.
//
// Reads and writes of different blocks may be issued concurrently. The store
// does not serialize access to the same block, that is up to the caller.
//
// Freed blocks are not reusable right away: Free parks them in a pending set
// which only becomes allocatable after ReleasePending. This keeps the blocks
// of the last durable image intact until a new image has been written.
type IBlockStore interface {
	// BlockSize returns the fixed size of every block in bytes
	BlockSize() int

	// Allocate returns a reusable free block or grows the medium by the
	// configured number of blocks and returns the first new one
	Allocate() (BlockRef, error)

	// Free marks a block as no longer referenced (see ReleasePending)
	Free(ref BlockRef)

	// ReleasePending makes all blocks freed since the last call allocatable
	ReleasePending()

	// FreeBlocks returns free and pending blocks, the set that is free once
	// the image currently being written is durable
	FreeBlocks() []BlockRef

	// Restore resets the allocator from persisted state
	Restore(next BlockRef, free []BlockRef)

	// NextBlock returns the first block that was never handed out
	NextBlock() BlockRef

	// Read returns a copy of the block content
	Read(ref BlockRef) ([]byte, error)

	// Write stores data (at most BlockSize bytes) into the block
	Write(ref BlockRef, data []byte) error

	// Flush makes all writes durable
	Flush() error

	// ReadOnly reports whether mutating calls are rejected
	ReadOnly() bool

	// Close releases the backing medium
	Close() error
}
