package storage

import (
	"errors"
	"fmt"
	"github.com/spf13/afero"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// FileOptions configures a file backed block store
type FileOptions struct {
	Fs        afero.Fs     // file system (nil = OS file system)
	Path      string       // path of the data file
	BlockSize int          // fixed block size in bytes
	Growth    int          // blocks added per grow
	Policy    CreatePolicy // create / open behaviour
	Flags     int          // extra os.OpenFile flags (e.g. os.O_SYNC)
}

// fileStore maps block n to the byte range [n*BlockSize, (n+1)*BlockSize)
//
// Thread-safety: ReadAt and WriteAt of an *os.File are positioned calls
// (pread/pwrite) and run concurrently. Other afero files (MemMapFs) move a
// shared cursor inside ReadAt/WriteAt, their I/O is serialized by ioMu.
type fileStore struct {
	allocator
	fs         afero.Fs
	path       string
	file       afero.File
	blockSize  int
	readOnly   bool
	positioned bool
	ioMu       sync.Mutex
	closed     atomic.Bool
}

// OpenFileStore opens or creates the data file according to opts.Policy.
// The created flag reports whether the store starts out empty.
func OpenFileStore(opts FileOptions) (store IBlockStore, created bool, err error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if opts.BlockSize <= 0 {
		return nil, false, fmt.Errorf("invalid block size %d", opts.BlockSize)
	}

	exists, err := afero.Exists(fs, opts.Path)
	if err != nil {
		return nil, false, err
	}

	flags := opts.Flags
	switch opts.Policy {
	case CreateAlways:
		flags |= os.O_RDWR | os.O_CREATE | os.O_TRUNC
		created = true
	case CreateIfNeeded:
		flags |= os.O_RDWR | os.O_CREATE
		created = !exists
	case OpenExisting:
		if !exists {
			return nil, false, fmt.Errorf("%w: %s", ErrNotExist, opts.Path)
		}
		flags |= os.O_RDWR
	case NeverCreate:
		if !exists {
			return nil, false, fmt.Errorf("%w: %s", ErrNotExist, opts.Path)
		}
		flags = os.O_RDONLY
	default:
		return nil, false, fmt.Errorf("invalid create policy %d", opts.Policy)
	}

	file, err := fs.OpenFile(opts.Path, flags, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open %s: %w", opts.Path, err)
	}

	s := &fileStore{
		fs:        fs,
		path:      opts.Path,
		file:      file,
		blockSize: opts.BlockSize,
		readOnly:  opts.Policy == NeverCreate,
	}
	_, s.positioned = file.(*os.File)
	s.allocator = newAllocator(opts.Growth, s.grow)

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, false, err
	}
	if !created && info.Size() == 0 {
		// an empty existing file is treated like a new one
		created = true
	}

	capacity := BlockRef(info.Size() / int64(opts.BlockSize))
	if created && !s.readOnly {
		// reserve the meta block plus one growth increment
		capacity = 1 + BlockRef(s.allocator.growth)
		if err := file.Truncate(int64(capacity) * int64(opts.BlockSize)); err != nil {
			_ = file.Close()
			return nil, false, fmt.Errorf("failed to size %s: %w", opts.Path, err)
		}
	}
	s.allocator.capacity = capacity
	if !created && capacity > MetaBlock+1 {
		// refined by Restore once the meta record is read
		s.allocator.next = capacity
	}

	return s, created, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage.IBlockStore)
// --------------------------------------------------------------------------

func (s *fileStore) BlockSize() int { return s.blockSize }

func (s *fileStore) Allocate() (BlockRef, error) {
	if s.closed.Load() {
		return NoBlock, ErrClosed
	}
	if s.readOnly {
		return NoBlock, ErrReadOnly
	}
	return s.allocator.allocate()
}

func (s *fileStore) Free(ref BlockRef) { s.allocator.release(ref) }

func (s *fileStore) ReleasePending() { s.allocator.releasePending() }

func (s *fileStore) FreeBlocks() []BlockRef { return s.allocator.freeBlocks() }

func (s *fileStore) Restore(next BlockRef, free []BlockRef) {
	s.allocator.mu.Lock()
	capacity := s.allocator.capacity
	s.allocator.mu.Unlock()
	s.allocator.restore(next, free, capacity)
}

func (s *fileStore) NextBlock() BlockRef { return s.allocator.nextBlock() }

func (s *fileStore) Read(ref BlockRef) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	buf := make([]byte, s.blockSize)
	s.lockIO()
	n, err := s.file.ReadAt(buf, int64(ref)*int64(s.blockSize))
	s.unlockIO()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read block %d: %w", ref, err)
	}
	if n == 0 && errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: block %d", ErrOutOfRange, ref)
	}
	// a short read at the end of the file leaves the remainder zeroed
	return buf, nil
}

func (s *fileStore) Write(ref BlockRef, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.readOnly {
		return ErrReadOnly
	}
	if len(data) > s.blockSize {
		return fmt.Errorf("block %d: %d bytes exceed block size %d", ref, len(data), s.blockSize)
	}
	s.lockIO()
	_, err := s.file.WriteAt(data, int64(ref)*int64(s.blockSize))
	s.unlockIO()
	if err != nil {
		return fmt.Errorf("failed to write block %d: %w", ref, err)
	}
	return nil
}

func (s *fileStore) Flush() error {
	if s.readOnly || s.closed.Load() {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", s.path, err)
	}
	return nil
}

func (s *fileStore) ReadOnly() bool { return s.readOnly }

func (s *fileStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.file.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// grow extends the file, called by the allocator with its mutex held
func (s *fileStore) grow(capacity BlockRef) error {
	s.lockIO()
	err := s.file.Truncate(int64(capacity) * int64(s.blockSize))
	s.unlockIO()
	if err != nil {
		return fmt.Errorf("failed to grow %s to %d blocks: %w", s.path, capacity, err)
	}
	return nil
}

func (s *fileStore) lockIO() {
	if !s.positioned {
		s.ioMu.Lock()
	}
}

func (s *fileStore) unlockIO() {
	if !s.positioned {
		s.ioMu.Unlock()
	}
}
