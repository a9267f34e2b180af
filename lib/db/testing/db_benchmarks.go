package testing

import (
	"fmt"
	"github.com/ValentinKolb/bKV/lib/db"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"
)

// RunOrderedKVBenchmarks runs all benchmarks for an ordered key-value
// database implementation
func RunOrderedKVBenchmarks(b *testing.B, name string, factory DBFactory) {

	b.Run("Set", func(b *testing.B) {
		benchmarkSet(b, factory())
	})

	b.Run("SetExisting", func(b *testing.B) {
		benchmarkSetExisting(b, factory())
	})

	b.Run("SetLargeValue", func(b *testing.B) {
		benchmarkSetLargeValue(b, factory())
	})

	b.Run("Lookup", func(b *testing.B) {
		benchmarkLookup(b, factory())
	})

	b.Run("Update", func(b *testing.B) {
		benchmarkUpdate(b, factory())
	})

	b.Run("Delete", func(b *testing.B) {
		benchmarkDelete(b, factory())
	})

	b.Run("Has", func(b *testing.B) {
		benchmarkHas(b, factory())
	})

	b.Run("Has(not)", func(b *testing.B) {
		benchmarkHasNot(b, factory())
	})

	b.Run("Enumerate", func(b *testing.B) {
		benchmarkEnumerate(b, factory())
	})

	b.Run("Checkpoint", func(b *testing.B) {
		benchmarkCheckpoint(b, factory())
	})

	b.Run("MixedUsage", func(b *testing.B) {
		benchmarkMixedUsage(b, factory())
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// fill sets n keys of the form test-key-<i>
func fill(database db.OrderedKV[string, []byte], n int) []string {
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = fmt.Sprintf("test-key-%d", i)
		_ = database.Set(keys[i], []byte(fmt.Sprintf("test-value-%d", i)))
	}
	return keys
}

// Benchmark for Set operation
func benchmarkSet(b *testing.B, database db.OrderedKV[string, []byte]) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet)

	var seq atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			n := seq.Add(1)
			key := fmt.Sprintf("test-key-%d", n)
			value := []byte(fmt.Sprintf("test-value-%d", n))
			_ = database.Set(key, value)
		}
	})
}

// Benchmark for Set operation with existing keys
func benchmarkSetExisting(b *testing.B, database db.OrderedKV[string, []byte]) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet)

	numKeys := min(b.N, 100000)
	keys := fill(database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			value := []byte(fmt.Sprintf("test-value-%d", counter))
			_ = database.Set(keys[counter%numKeys], value)
			counter++
		}
	})
}

// Benchmark for Set operation with values spanning several blocks
func benchmarkSetLargeValue(b *testing.B, database db.OrderedKV[string, []byte]) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet)

	largeValue := make([]byte, 64*1024)
	var seq atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", seq.Add(1))
			_ = database.Set(key, largeValue)
		}
	})
}

// Parallel benchmarking for Lookup operation
func benchmarkLookup(b *testing.B, database db.OrderedKV[string, []byte]) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet|db.FeatureLookup)

	numKeys := 10000
	keys := fill(database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			_, _ = database.Lookup(keys[counter%numKeys])
			counter++
		}
	})
}

// Parallel benchmarking for Update operation on a few hot keys
func benchmarkUpdate(b *testing.B, database db.OrderedKV[string, []byte]) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet|db.FeatureUpdate)

	numKeys := 64
	keys := fill(database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			_, _ = database.Update(keys[counter%numKeys], func(old []byte) []byte {
				return old
			})
			counter++
		}
	})
}

// Parallel benchmarking for Delete operation
func benchmarkDelete(b *testing.B, database db.OrderedKV[string, []byte]) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet|db.FeatureDelete)

	numKeys := min(b.N, 100000)
	keys := fill(database, numKeys)

	var counter int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			idx := int(atomic.AddInt64(&counter, 1)-1) % numKeys
			_ = database.Delete(keys[idx])
		}
	})
}

// Parallel benchmarking for Has operation (with key miss)
func benchmarkHasNot(b *testing.B, database db.OrderedKV[string, []byte]) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureHas)
	const key = "test-key"

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = database.Has(key)
		}
	})
}

// Parallel benchmarking for Has operation
func benchmarkHas(b *testing.B, database db.OrderedKV[string, []byte]) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet|db.FeatureHas)

	numKeys := 10000
	keys := fill(database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			_, _ = database.Has(keys[counter%numKeys])
			counter++
		}
	})
}

// Benchmark for a full enumeration, one op is one entry
func benchmarkEnumerate(b *testing.B, database db.OrderedKV[string, []byte]) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet|db.FeatureEnumerate)

	fill(database, 10000)

	b.ResetTimer()
	it := database.Enumerate(db.RangeOptions[string]{})
	defer it.Close()
	for i := 0; i < b.N; i++ {
		if !it.Next() {
			it.Reset()
		}
	}
}

// Benchmark for Checkpoint after a batch of changes.
// Parallelization is not meaningful as a checkpoint blocks all operations
func benchmarkCheckpoint(b *testing.B, database db.OrderedKV[string, []byte]) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet|db.FeatureCheckpoint)

	keys := fill(database, 10000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		for j := 0; j < 100; j++ {
			_ = database.Set(keys[(i*100+j)%len(keys)], []byte("changed"))
		}
		b.StartTimer()
		_ = database.Checkpoint()
	}
}

// Benchmark for mixed usage patterns
func benchmarkMixedUsage(b *testing.B, database db.OrderedKV[string, []byte]) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet|db.FeatureLookup|db.FeatureDelete|db.FeatureHas)

	numKeys := min(b.N, 100000)
	keys := fill(database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		localCounter := 0

		for pb.Next() {
			// For every 10th operation, use a completely new key
			var key string
			if localCounter%10 == 0 {
				key = fmt.Sprintf("new-key-%d", rnd.Int63())
			} else {
				key = keys[rnd.Intn(numKeys)]
			}

			switch rnd.Intn(4) {
			case 0:
				_, _ = database.Lookup(key)
			case 1:
				_ = database.Set(key, []byte(fmt.Sprintf("mixed-value-%d", localCounter)))
			case 2:
				_ = database.Delete(key)
			case 3:
				_, _ = database.Has(key)
			}

			localCounter++
		}
	})
}
