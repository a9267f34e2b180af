package db

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplBPTree Implementation = "bptree"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureLookup         Feature = 1 << iota // Support for Lookup operations
	FeatureInsert                             // Support for Insert operations
	FeatureSet                                // Support for Set (upsert) operations
	FeatureUpdate                             // Support for atomic Update operations
	FeatureDelete                             // Support for Delete operations
	FeatureHas                                // Support for Has operations
	FeatureEnumerate                          // Support for ordered range enumeration
	FeatureCount                              // Support for an O(1) entry count
	FeatureCheckpoint                         // Support for explicit checkpoints
	FeatureCallLevelLock                      // Support for whole database locks
	FeatureDurable                            // Data survives a process restart
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureLookup, "Lookup"},
	{FeatureInsert, "Insert"},
	{FeatureSet, "Set"},
	{FeatureUpdate, "Update"},
	{FeatureDelete, "Delete"},
	{FeatureHas, "Has"},
	{FeatureEnumerate, "Enumerate"},
	{FeatureCount, "Count"},
	{FeatureCheckpoint, "Checkpoint"},
	{FeatureCallLevelLock, "CallLevelLock"},
	{FeatureDurable, "Durable"},
}

func (f Feature) String() string {
	for _, fn := range featureNames {
		if fn.f == f {
			return fn.name
		}
	}
	return "Unknown"
}

// Features splits a bit set into its single features
func (f Feature) Features() []Feature {
	var out []Feature
	for _, fn := range featureNames {
		if f&fn.f != 0 {
			out = append(out, fn.f)
		}
	}
	return out
}

type DatabaseInfo struct {
	SizeBytes         int64          `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// RangeOptions bounds an enumeration. Start is inclusive, End exclusive, a
// nil bound is open. Reverse walks from the end towards the start.
type RangeOptions[K any] struct {
	Start   *K
	End     *K
	Reverse bool
}

// --------------------------------------------------------------------------
// Iterator Interface
// --------------------------------------------------------------------------

// Iterator is a lazy ordered sequence of entries.
//
// Usage:
//
//	it := database.Enumerate(db.RangeOptions[string]{})
//	defer it.Close()
//	for it.Next() {
//	    fmt.Println(it.Key(), it.Value())
//	}
//	if err := it.Err(); err != nil { ... }
//
// An iterator tolerates concurrent mutation. Every key is returned at most
// once and in order. Entries changed after the iterator passed them are not
// reflected.
type Iterator[K any, V any] interface {
	// Next advances to the next entry and reports whether there is one.
	Next() bool

	// Key returns the key of the current entry.
	Key() K

	// Value returns the value of the current entry.
	Value() V

	// Err returns the error that stopped the iteration, if any.
	Err() error

	// Reset restarts the iteration from the beginning of the range.
	Reset()

	// Close releases the iterator. Next returns false afterwards.
	Close() error
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// Ops are the key level operations of an ordered key-value database.
// Every operation is atomic on its own, there are no multi key transactions.
type Ops[K any, V any] interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Insert adds a new entry. It returns ErrDuplicateKey if the key exists.
	Insert(key K, value V) (err error)

	// Set inserts or overwrites the entry with the given key.
	Set(key K, value V) (err error)

	// Update atomically replaces the value of an existing key by fn(old) and
	// returns the old value. Concurrent updates of the same key serialize, fn
	// is called exactly once per successful call. It returns ErrKeyNotFound
	// if the key does not exist, fn is not called in that case.
	Update(key K, fn func(old V) V) (old V, err error)

	// Delete removes an entry. It returns ErrKeyNotFound if the key does not exist.
	Delete(key K) (err error)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Lookup returns the value of key or ErrKeyNotFound.
	// The returned value is a copy owned by the caller.
	Lookup(key K) (value V, err error)

	// Has reports whether key exists.
	Has(key K) (ok bool, err error)

	// Enumerate returns an iterator over the entries in opts.
	Enumerate(opts RangeOptions[K]) Iterator[K, V]

	// Count returns the number of entries in O(1).
	Count() int64
}

// OrderedKV defines an interface for ordered key-value databases
type OrderedKV[K any, V any] interface {
	Ops[K, V]

	// Checkpoint makes all changes part of the data file and compacts the log.
	Checkpoint() (err error)

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Close flushes all changes and releases the database.
	Close() (err error)
}
