// Package db defines the interface of ordered key-value databases and the
// errors they return.
//
// Key Components:
//
//   - OrderedKV: the contract every engine satisfies. Keys are ordered by a
//     comparer, values are typed, both are stored through serializers.
//     Ops holds the key level operations (Lookup, Has, Insert, Set, Update,
//     Delete, Enumerate, Count), OrderedKV adds maintenance (Checkpoint,
//     GetInfo, Close).
//
//   - Iterator: a lazy, restartable ordered sequence returned by Enumerate.
//
//   - Feature Flags: engines advertise what they support through
//     SupportsFeature, conformance tests skip unsupported operations.
//
//   - Errors: *Error carries an ErrCode. All errors of one code match the
//     exported sentinels with errors.Is, e.g. errors.Is(err, db.ErrLockTimeout).
//     KeyNotFound and DuplicateKey are expected outcomes, LockTimeout is
//     returned to the caller without retry, IOFailure and Corruption report
//     a failing or damaged medium.
//
// Atomicity:
//
//	Every call is its own transaction. Update is the only read-modify-write
//	and it is atomic for its key, there is no atomicity across keys.
//
// Related Packages:
//
// The engines/bptree package (github.com/ValentinKolb/bKV/lib/db/engines/bptree)
// implements OrderedKV as a B+Tree on a memory or file backed block store,
// with a node cache, per-node latches, a write-ahead log and file repair.
//
// The util package (github.com/ValentinKolb/bKV/lib/db/util) provides shared
// helpers: hashing, a keyed min-heap, a lock-free MPSC queue and statistics.
//
// The testing package (github.com/ValentinKolb/bKV/lib/db/testing) provides
// standardized tests and benchmarks for every OrderedKV[string, []byte].
//   - RunOrderedKVTests: runs the conformance suite
//   - RunOrderedKVBenchmarks: benchmarks for comparing configurations
package db
