package bptree

import (
	"fmt"
	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/db/engines/bptree/internal"
	"github.com/ValentinKolb/bKV/lib/lockmgr"
	"github.com/ValentinKolb/bKV/lib/serializer"
	"github.com/ValentinKolb/bKV/lib/storage"
	"github.com/ValentinKolb/bKV/lib/wal"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/afero"
	"runtime"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultBlockSize         = 4096
	defaultGrowthRate        = 64
	defaultKeySizeEstimate   = 16
	defaultValueSizeEstimate = 64
	defaultKeepAlive         = 30 * time.Second
	defaultMinimumHistory    = 64
	defaultMaximumHistory    = 16384
	defaultSweepInterval     = time.Second
	defaultCheckpointEvery   = time.Minute
	defaultCheckpointLogSize = 64 << 20

	minBlockSize = storage.RecordHeaderSize + 64
	minOrder     = 3
)

// StorageType selects the backing medium
type StorageType int

const (
	// StorageMemory keeps all blocks in memory, nothing survives Close
	StorageMemory StorageType = iota
	// StorageDisk stores blocks in FileName and logs to FileName + ".wal"
	StorageDisk
)

func (s StorageType) String() string {
	switch s {
	case StorageMemory:
		return "memory"
	case StorageDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// ParseStorageType converts the textual form used on the command line
func ParseStorageType(s string) (StorageType, error) {
	switch strings.ToLower(s) {
	case "memory", "mem":
		return StorageMemory, nil
	case "disk", "file":
		return StorageDisk, nil
	default:
		return StorageMemory, fmt.Errorf("invalid storage type %q (memory, disk)", s)
	}
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures a tree. The order (MaxLeafEntries, MaxChildren) and the
// block size are fixed when a file is created, opening an existing file uses
// the values stored in it.
type Options[K any, V any] struct {
	KeySerializer   serializer.ISerializer[K]
	ValueSerializer serializer.ISerializer[V]
	KeyComparer     func(a, b K) int // total order, <0 / 0 / >0

	// Storage
	StorageType    StorageType
	FileName       string
	FileSystem     afero.Fs             // nil = OS file system
	CreateFile     storage.CreatePolicy // NeverCreate opens read-only
	FileBlockSize  int
	FileGrowthRate int // blocks added when the file runs full
	FileOpenFlags  int // extra os.O_* flags for the data file

	// Order, 0 = sized by CalcBTreeOrder from the default estimates
	MaxLeafEntries int
	MaxChildren    int

	// Node cache
	CacheKeepAliveTimeout        time.Duration
	CacheKeepAliveMinimumHistory int // the sweep never shrinks the cache below this
	CacheKeepAliveMaximumHistory int // above this the oldest nodes go regardless of age
	CacheSweepInterval           time.Duration

	// Locking
	LockingFactory    lockmgr.ILockFactory // node latches and key stripes
	CallLevelLock     lockmgr.ILockFactory // whole tree lock (LockExclusive / LockShared)
	LockTimeout       time.Duration        // <= 0 waits forever
	ConcurrentWriters int                  // sizes the key stripes

	// Durability
	Durability         wal.SyncMode
	CheckpointInterval time.Duration // 0 = only on Close and by log size
	CheckpointLogSize  int64         // 0 = no size trigger

	Logger   logger.ILogger // nil = "bptree" logger
	ReadOnly bool           // same as CreateFile == NeverCreate
}

// DefaultOptions returns options for an in-memory tree. Switch StorageType
// and set FileName for a durable one.
func DefaultOptions[K any, V any](keySer serializer.ISerializer[K], valSer serializer.ISerializer[V], cmp func(a, b K) int) *Options[K, V] {
	opts := &Options[K, V]{
		KeySerializer:                keySer,
		ValueSerializer:              valSer,
		KeyComparer:                  cmp,
		StorageType:                  StorageMemory,
		CreateFile:                   storage.CreateIfNeeded,
		FileBlockSize:                defaultBlockSize,
		FileGrowthRate:               defaultGrowthRate,
		CacheKeepAliveTimeout:        defaultKeepAlive,
		CacheKeepAliveMinimumHistory: defaultMinimumHistory,
		CacheKeepAliveMaximumHistory: defaultMaximumHistory,
		CacheSweepInterval:           defaultSweepInterval,
		LockingFactory:               lockmgr.ReaderWriterLocking(),
		CallLevelLock:                lockmgr.ReaderWriterLocking(),
		ConcurrentWriters:            runtime.NumCPU(),
		Durability:                   wal.WriteThrough,
		CheckpointInterval:           defaultCheckpointEvery,
		CheckpointLogSize:            defaultCheckpointLogSize,
	}
	_ = opts.CalcBTreeOrder(defaultKeySizeEstimate, defaultValueSizeEstimate)
	return opts
}

// CalcBTreeOrder sets MaxLeafEntries and MaxChildren so that a node with
// entries of the given average sizes fills one block. Larger entries still
// work, their nodes continue in further blocks.
func (o *Options[K, V]) CalcBTreeOrder(avgKeySize, avgValueSize int) error {
	if avgKeySize < 0 || avgValueSize < 0 {
		return db.NewError(db.CodeConfiguration, "negative size estimate (key %d, value %d)", avgKeySize, avgValueSize)
	}
	capacity := storage.Capacity(o.FileBlockSize)

	leaf := (capacity - internal.LeafHeaderSize) / (internal.LeafEntryOverhead + avgKeySize + avgValueSize)
	children := (capacity-internal.InternalHeaderSize)/(internal.InternalKeyOverhead+avgKeySize) + 1
	if leaf < minOrder || children < minOrder {
		return db.NewError(db.CodeConfiguration,
			"block size %d too small for keys of %d and values of %d bytes (leaf order %d, internal order %d)",
			o.FileBlockSize, avgKeySize, avgValueSize, leaf, children)
	}

	o.MaxLeafEntries = min(leaf, internal.MaxNodeFanout)
	o.MaxChildren = min(children, internal.MaxNodeFanout)
	return nil
}

// IsReadOnly reports whether the options open a tree without write access
func (o *Options[K, V]) IsReadOnly() bool {
	return o.ReadOnly || o.CreateFile == storage.NeverCreate
}

// Validate checks the options and fills in defaults for zero values
func (o *Options[K, V]) Validate() error {
	if o.KeySerializer == nil || o.ValueSerializer == nil {
		return db.NewError(db.CodeConfiguration, "key and value serializer are required")
	}
	if o.KeyComparer == nil {
		return db.NewError(db.CodeConfiguration, "key comparer is required")
	}

	switch o.StorageType {
	case StorageMemory:
		if o.IsReadOnly() {
			return db.NewError(db.CodeConfiguration, "a memory tree cannot be read-only")
		}
	case StorageDisk:
		if o.FileName == "" {
			return db.NewError(db.CodeConfiguration, "disk storage requires a file name")
		}
		if o.ReadOnly {
			o.CreateFile = storage.NeverCreate
		}
	default:
		return db.NewError(db.CodeConfiguration, "invalid storage type %d", o.StorageType)
	}

	if o.FileBlockSize == 0 {
		o.FileBlockSize = defaultBlockSize
	}
	if o.FileBlockSize < minBlockSize {
		return db.NewError(db.CodeConfiguration, "block size %d below minimum %d", o.FileBlockSize, minBlockSize)
	}
	if o.FileGrowthRate <= 0 {
		o.FileGrowthRate = defaultGrowthRate
	}

	if o.MaxLeafEntries == 0 && o.MaxChildren == 0 {
		if err := o.CalcBTreeOrder(defaultKeySizeEstimate, defaultValueSizeEstimate); err != nil {
			return err
		}
	}
	if o.MaxLeafEntries < minOrder || o.MaxLeafEntries > internal.MaxNodeFanout {
		return db.NewError(db.CodeConfiguration, "leaf order %d outside [%d, %d]", o.MaxLeafEntries, minOrder, internal.MaxNodeFanout)
	}
	if o.MaxChildren < minOrder || o.MaxChildren > internal.MaxNodeFanout {
		return db.NewError(db.CodeConfiguration, "internal order %d outside [%d, %d]", o.MaxChildren, minOrder, internal.MaxNodeFanout)
	}

	if o.CacheKeepAliveMinimumHistory < 0 || o.CacheKeepAliveMaximumHistory < 0 {
		return db.NewError(db.CodeConfiguration, "negative cache history bounds")
	}
	if o.CacheKeepAliveMaximumHistory > 0 && o.CacheKeepAliveMaximumHistory < o.CacheKeepAliveMinimumHistory {
		return db.NewError(db.CodeConfiguration, "cache maximum history %d below minimum %d",
			o.CacheKeepAliveMaximumHistory, o.CacheKeepAliveMinimumHistory)
	}
	if o.CacheSweepInterval <= 0 {
		o.CacheSweepInterval = defaultSweepInterval
	}

	if o.LockingFactory == nil {
		o.LockingFactory = lockmgr.ReaderWriterLocking()
	}
	if o.CallLevelLock == nil {
		o.CallLevelLock = lockmgr.ReaderWriterLocking()
	}
	if o.ConcurrentWriters <= 0 {
		o.ConcurrentWriters = runtime.NumCPU()
	}
	if o.CheckpointInterval < 0 || o.CheckpointLogSize < 0 {
		return db.NewError(db.CodeConfiguration, "negative checkpoint trigger")
	}
	return nil
}

// String returns a formatted representation of the options
func (o *Options[K, V]) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	orInf := func(d time.Duration) string {
		if d <= 0 {
			return "infinite"
		}
		return d.String()
	}

	addSection("Storage")
	addField("Type", o.StorageType.String())
	if o.StorageType == StorageDisk {
		addField("File", o.FileName)
		addField("Create Policy", o.CreateFile.String())
		addField("Read Only", fmt.Sprintf("%t", o.IsReadOnly()))
	}
	addField("Block Size", fmt.Sprintf("%d bytes", o.FileBlockSize))
	addField("Growth Rate", fmt.Sprintf("%d blocks", o.FileGrowthRate))

	addSection("Order")
	addField("Max Leaf Entries", fmt.Sprintf("%d", o.MaxLeafEntries))
	addField("Max Children", fmt.Sprintf("%d", o.MaxChildren))

	addSection("Node Cache")
	addField("Keep Alive", o.CacheKeepAliveTimeout.String())
	addField("Minimum History", fmt.Sprintf("%d nodes", o.CacheKeepAliveMinimumHistory))
	addField("Maximum History", fmt.Sprintf("%d nodes", o.CacheKeepAliveMaximumHistory))
	addField("Sweep Interval", o.CacheSweepInterval.String())

	addSection("Locking")
	if o.LockingFactory != nil {
		addField("Node Locks", o.LockingFactory.Name())
	}
	if o.CallLevelLock != nil {
		addField("Call Level Lock", o.CallLevelLock.Name())
	}
	addField("Lock Timeout", orInf(o.LockTimeout))
	addField("Concurrent Writers", fmt.Sprintf("%d", o.ConcurrentWriters))

	if o.StorageType == StorageDisk {
		addSection("Durability")
		addField("WAL Mode", o.Durability.String())
		addField("Checkpoint Interval", orInf(o.CheckpointInterval))
		addField("Checkpoint Log Size", fmt.Sprintf("%d bytes", o.CheckpointLogSize))
	}

	return sb.String()
}
