package bptree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/ValentinKolb/bKV/lib/common"
	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/db/engines/bptree/internal"
	"github.com/ValentinKolb/bKV/lib/db/util"
	"github.com/ValentinKolb/bKV/lib/lockmgr"
	"github.com/ValentinKolb/bKV/lib/storage"
	"github.com/ValentinKolb/bKV/lib/wal"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
	"math"
	"sync/atomic"
	"time"
)

// --------------------------------------------------------------------------
// Core tree structure
// --------------------------------------------------------------------------

// Tree is a B+Tree mapping keys of type K to values of type V.
//
// All nodes are reached through the node cache, every access holds the latch
// of the node. The root reference and height are guarded by rootLatch, the
// structure lock separates operations (shared) from checkpoints (exclusive).
//
// Thread-safety: all exported methods are safe for concurrent use unless the
// tree was opened with lockmgr.IgnoreLocking().
type Tree[K any, V any] struct {
	opts Options[K, V]
	log  logger.ILogger
	cmp  func(a, b K) int
	name string

	fs    afero.Fs
	store storage.IBlockStore
	wal   *wal.WAL // nil for memory trees, read-only trees and during replay
	cache *nodeCache[K]

	locks     lockmgr.ILockManager
	callLock  lockmgr.ILock
	rootLatch lockmgr.ILock
	structure *xsync.RBMutex

	root   atomic.Uint64 // guarded by rootLatch
	height atomic.Int32  // guarded by rootLatch
	count  *xsync.Counter

	leafMax, leafMin   int
	childMax, childMin int

	// checkpoint state, guarded by the exclusive structure lock
	fileID     uuid.UUID
	metaChain  []storage.BlockRef
	ckptLSN    uint64
	generation uint64

	seed     uint64
	versions atomic.Uint64
	readOnly bool
	closed   atomic.Bool
	failure  atomic.Pointer[db.Error]

	requests    *util.LockFreeMPSC[request]
	ckptPending atomic.Bool
	maintenance conc.WaitGroup

	metrics    *treeMetrics
	valueSizes *util.SizeHistogram
}

// request is a job for the maintenance goroutine
type request int

const (
	requestCheckpoint request = iota + 1
	requestSweep
)

var _ db.OrderedKV[string, []byte] = (*Tree[string, []byte])(nil)

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// Open creates or opens a tree. An existing file is recovered first: the
// last complete checkpoint in the log is re-applied, committed operations
// newer than the data file are replayed and the result is checkpointed.
func Open[K any, V any](opts *Options[K, V]) (*Tree[K, V], error) {
	if opts == nil {
		return nil, db.NewError(db.CodeConfiguration, "options are required")
	}
	o := *opts
	if err := o.Validate(); err != nil {
		return nil, err
	}

	t := &Tree[K, V]{
		opts:       o,
		log:        o.Logger,
		cmp:        o.KeyComparer,
		name:       "memory",
		locks:      lockmgr.NewLockManager(o.LockingFactory, o.ConcurrentWriters),
		callLock:   o.CallLevelLock.New(),
		rootLatch:  o.LockingFactory.New(),
		structure:  xsync.NewRBMutex(),
		count:      xsync.NewCounter(),
		seed:       util.GenerateSeed(),
		readOnly:   o.IsReadOnly(),
		requests:   util.NewLockFreeMPSC[request](),
		valueSizes: util.NewSizeHistogram(),
	}
	if t.log == nil {
		t.log = common.NewLogger("bptree", logger.INFO)
	}
	if o.StorageType == StorageDisk {
		t.name = o.FileName
		t.fs = o.FileSystem
		if t.fs == nil {
			t.fs = afero.NewOsFs()
		}
	}
	t.metrics = newTreeMetrics(t.name)

	var err error
	switch {
	case o.StorageType == StorageMemory:
		err = t.create(storage.NewMemoryStore(o.FileBlockSize, o.FileGrowthRate))
	default:
		err = t.openFile()
	}
	if err != nil {
		if t.wal != nil {
			_ = t.wal.Close()
		}
		if t.store != nil {
			_ = t.store.Close()
		}
		return nil, err
	}

	t.metrics.registerGauges(t.name,
		func() float64 { return float64(t.count.Value()) },
		func() float64 { return float64(t.cache.Len()) },
		func() float64 { return float64(t.walSize()) })

	t.maintenance.Go(t.runMaintenance)
	t.log.Infof("opened %s tree %s (%d entries, height %d, leaf order %d, internal order %d)",
		o.StorageType, t.name, t.count.Value(), t.height.Load(), t.leafMax, t.childMax)
	return t, nil
}

// create initializes an empty tree on store
func (t *Tree[K, V]) create(store storage.IBlockStore) error {
	t.store = store
	t.setOrder(t.opts.MaxLeafEntries, t.opts.MaxChildren)
	t.initCache()
	t.fileID = uuid.New()
	t.metaChain = []storage.BlockRef{storage.MetaBlock}

	ref, err := store.Allocate()
	if err != nil {
		return db.WrapError(db.CodeIOFailure, err, "failed to allocate root")
	}
	t.cache.Put(ref, internal.NewLeaf[K]())
	t.cache.Release(ref)
	t.root.Store(ref)
	t.height.Store(1)
	return nil
}

// openFile opens the data file and its log and recovers the tree
func (t *Tree[K, V]) openFile() error {
	o := &t.opts
	store, created, err := storage.OpenFileStore(storage.FileOptions{
		Fs:        t.fs,
		Path:      o.FileName,
		BlockSize: o.FileBlockSize,
		Growth:    o.FileGrowthRate,
		Policy:    o.CreateFile,
		Flags:     o.FileOpenFlags,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return db.WrapError(db.CodeConfiguration, err, "cannot open %s", o.FileName)
		}
		return db.WrapError(db.CodeIOFailure, err, "cannot open %s", o.FileName)
	}

	if created {
		t.log.Infof("creating %s", o.FileName)
		if err := t.create(store); err != nil {
			return err
		}
		t.wal, err = wal.Create(t.fs, t.walPath(), t.fileID, o.Durability, 0)
		if err != nil {
			return db.WrapError(db.CodeIOFailure, err, "cannot create log")
		}
		return t.checkpoint()
	}
	return t.recover(store)
}

// setOrder sets the node size limits
func (t *Tree[K, V]) setOrder(leafMax, childMax int) {
	t.leafMax, t.leafMin = leafMax, (leafMax+1)/2
	t.childMax, t.childMin = childMax, (childMax+1)/2
}

func (t *Tree[K, V]) initCache() {
	maxRetained := t.opts.CacheKeepAliveMaximumHistory
	if maxRetained == 0 {
		maxRetained = math.MaxInt
	}
	t.cache = newNodeCache(t.store, t.opts.KeySerializer.Deserialize, &t.versions,
		t.opts.CacheKeepAliveTimeout, t.opts.CacheKeepAliveMinimumHistory, maxRetained, t.metrics)
}

func (t *Tree[K, V]) walPath() string {
	return t.opts.FileName + ".wal"
}

func (t *Tree[K, V]) walSize() int64 {
	if t.wal == nil {
		return 0
	}
	return t.wal.Size()
}

// --------------------------------------------------------------------------
// Close and maintenance
// --------------------------------------------------------------------------

// Close stops the maintenance goroutine, writes a final checkpoint and
// releases the files. Operations started afterwards return ErrClosed.
func (t *Tree[K, V]) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.requests.Close()
	t.maintenance.Wait()

	t.structure.Lock()
	defer t.structure.Unlock()

	var errs []error
	if !t.readOnly && t.failure.Load() == nil {
		if err := t.checkpoint(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.wal != nil {
		if err := t.wal.Close(); err != nil {
			errs = append(errs, db.WrapError(db.CodeIOFailure, err, "failed to close log"))
		}
	}
	if err := t.store.Close(); err != nil {
		errs = append(errs, db.WrapError(db.CodeIOFailure, err, "failed to close store"))
	}
	t.log.Infof("closed %s", t.name)
	return errors.Join(errs...)
}

// runMaintenance sweeps the cache and runs requested or periodic checkpoints
// until the request queue is closed
func (t *Tree[K, V]) runMaintenance() {
	sweep := time.NewTicker(t.opts.CacheSweepInterval)
	defer sweep.Stop()

	var ckpt <-chan time.Time
	if t.opts.CheckpointInterval > 0 && !t.readOnly && t.store != nil && t.opts.StorageType == StorageDisk {
		ticker := time.NewTicker(t.opts.CheckpointInterval)
		defer ticker.Stop()
		ckpt = ticker.C
	}

	for {
		select {
		case req, ok := <-t.requests.Recv():
			if !ok {
				return
			}
			switch req {
			case requestCheckpoint:
				t.ckptPending.Store(false)
				t.backgroundCheckpoint("log size")
			case requestSweep:
				t.sweep()
			}
		case <-sweep.C:
			t.sweep()
		case <-ckpt:
			t.backgroundCheckpoint("interval")
		}
	}
}

func (t *Tree[K, V]) sweep() {
	evicted, dirty := t.cache.Sweep(time.Now())
	if evicted > 0 {
		t.log.Debugf("sweep evicted %d nodes, %d cached", evicted, t.cache.Len())
	}
	if dirty && !t.readOnly {
		t.backgroundCheckpoint("cache pressure")
		evicted, _ = t.cache.Sweep(time.Now())
		if evicted > 0 {
			t.log.Debugf("sweep evicted %d nodes after checkpoint", evicted)
		}
	}
}

func (t *Tree[K, V]) backgroundCheckpoint(reason string) {
	if err := t.Checkpoint(); err != nil && !errors.Is(err, db.ErrClosed) {
		t.log.Errorf("%s checkpoint of %s failed: %v", reason, t.name, err)
	}
}

// requestCheckpoint asks the maintenance goroutine for a checkpoint once
// the log outgrew CheckpointLogSize
func (t *Tree[K, V]) requestCheckpoint() {
	if t.wal == nil || t.opts.CheckpointLogSize <= 0 || t.wal.Size() < t.opts.CheckpointLogSize {
		return
	}
	if !t.ckptPending.Swap(true) {
		t.requests.Push(requestCheckpoint)
	}
}

// --------------------------------------------------------------------------
// Operation helpers
// --------------------------------------------------------------------------

// enter takes the structure lock shared for one operation
func (t *Tree[K, V]) enter() (*xsync.RToken, error) {
	if t.closed.Load() {
		return nil, db.ErrClosed
	}
	tok := t.structure.RLock()
	if t.closed.Load() {
		t.structure.RUnlock(tok)
		return nil, db.ErrClosed
	}
	return tok, nil
}

func (t *Tree[K, V]) leave(tok *xsync.RToken) {
	t.structure.RUnlock(tok)
}

// writable returns the error that prevents mutations, if any
func (t *Tree[K, V]) writable() error {
	if t.readOnly {
		return db.ErrReadOnly
	}
	if f := t.failure.Load(); f != nil {
		return f
	}
	return nil
}

// fail poisons the tree after a log append failed
func (t *Tree[K, V]) fail(err error) error {
	e := db.WrapError(db.CodeIOFailure, err, "log append failed, reopen the tree")
	if t.failure.CompareAndSwap(nil, e) {
		t.log.Errorf("%s: %v", t.name, e)
	}
	return e
}

// storageError converts an error of a lower layer into a coded error
func storageError(err error, format string, args ...any) error {
	var dbErr *db.Error
	switch {
	case errors.As(err, &dbErr):
		return err
	case errors.Is(err, storage.ErrCorrupt), errors.Is(err, wal.ErrCorrupt):
		return db.WrapError(db.CodeCorruption, err, format, args...)
	case errors.Is(err, lockmgr.ErrTimeout):
		return db.WrapError(db.CodeLockTimeout, err, format, args...)
	case errors.Is(err, storage.ErrClosed), errors.Is(err, wal.ErrClosed):
		return db.WrapError(db.CodeClosed, err, format, args...)
	default:
		return db.WrapError(db.CodeIOFailure, err, format, args...)
	}
}

// encodeKey serializes a key
func (t *Tree[K, V]) encodeKey(key K) ([]byte, error) {
	raw, err := t.opts.KeySerializer.Serialize(key)
	if err != nil {
		return nil, db.WrapError(db.CodeConfiguration, err, "cannot serialize key")
	}
	return raw, nil
}

func (t *Tree[K, V]) encodeValue(value V) ([]byte, error) {
	raw, err := t.opts.ValueSerializer.Serialize(value)
	if err != nil {
		return nil, db.WrapError(db.CodeConfiguration, err, "cannot serialize value")
	}
	return raw, nil
}

func (t *Tree[K, V]) decodeValue(raw []byte) (V, error) {
	v, err := t.opts.ValueSerializer.Deserialize(raw)
	if err != nil {
		return v, db.WrapError(db.CodeCorruption, err, "cannot deserialize value")
	}
	return v, nil
}

// keyLock returns the stripe of a serialized key
func (t *Tree[K, V]) keyLock(raw []byte) lockmgr.ILock {
	return t.locks.KeyLock(util.HashBytes(raw, t.seed))
}

// peekBlockSize returns the block size recorded in the meta record if its
// first block carries a meta header
func peekBlockSize(store storage.IBlockStore) (int, bool) {
	data, err := store.Read(storage.MetaBlock)
	if err != nil || len(data) < storage.RecordHeaderSize+14 {
		return 0, false
	}
	payload := data[storage.RecordHeaderSize:]
	if string(payload[0:8]) != metaMagic {
		return 0, false
	}
	return int(binary.LittleEndian.Uint32(payload[10:14])), true
}

func (t *Tree[K, V]) String() string {
	return fmt.Sprintf("bptree(%s)", t.name)
}
