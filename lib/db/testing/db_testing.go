package testing

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/ValentinKolb/bKV/lib/db"
)

// DBFactory is a function that creates a new, empty instance of an OrderedKV
// implementation
type DBFactory func() db.OrderedKV[string, []byte]

// RunOrderedKVTests runs a comprehensive test suite for an OrderedKV
// implementation.
func RunOrderedKVTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Lookup", func(t *testing.T) {
			testSetLookup(t, factory())
		})

		t.Run("Insert", func(t *testing.T) {
			testInsert(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("Has", func(t *testing.T) {
			testHas(t, factory())
		})

		t.Run("Update", func(t *testing.T) {
			testUpdate(t, factory())
		})

		t.Run("ConcurrentUpdate", func(t *testing.T) {
			testConcurrentUpdate(t, factory())
		})

		t.Run("Enumerate", func(t *testing.T) {
			testEnumerate(t, factory())
		})

		t.Run("EnumerateRanges", func(t *testing.T) {
			testEnumerateRanges(t, factory())
		})

		t.Run("EnumerateWhileWriting", func(t *testing.T) {
			testEnumerateWhileWriting(t, factory())
		})

		t.Run("Count", func(t *testing.T) {
			testCount(t, factory())
		})

		t.Run("Checkpoint", func(t *testing.T) {
			testCheckpoint(t, factory())
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})

		t.Run("ConcurrentDisjoint", func(t *testing.T) {
			testConcurrentDisjoint(t, factory())
		})

		t.Run("RealisticUsage", func(t *testing.T) {
			testRealisticUsage(t, factory())
		})

		t.Run("Closed", func(t *testing.T) {
			testClosed(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.OrderedKV[string, []byte], feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

// collect drains an iterator into its keys
func collect(t testing.TB, it db.Iterator[string, []byte]) []string {
	t.Helper()
	defer it.Close()
	var keys []string
	for it.Next() {
		keys = append(keys, it.Key())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Iteration failed: %v", err)
	}
	return keys
}

func key(i int) string {
	return fmt.Sprintf("key-%06d", i)
}

func ptr(s string) *string {
	return &s
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetLookup(t *testing.T, database db.OrderedKV[string, []byte]) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureLookup)

	testKey := "test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	if err := database.Set(testKey, testValue1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	result, err := database.Lookup(testKey)
	if err != nil {
		t.Errorf("Expected key %s to exist after Set: %v", testKey, err)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	if err := database.Set(testKey, testValue2); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	result, _ = database.Lookup(testKey)
	if !bytes.Equal(result, testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, result)
	}

	if _, err := database.Lookup("nonexistent-key"); !errors.Is(err, db.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound for nonexistent key, got %v", err)
	}

	retrievedValue, _ := database.Lookup(testKey)
	retrievedValue[0] = 'X'

	originalValue, _ := database.Lookup(testKey)
	if bytes.Equal(retrievedValue, originalValue) {
		t.Errorf("Lookup should return a copy, not a reference to the stored value")
	}

	input := []byte("mutable")
	_ = database.Set("mutable-key", input)
	input[0] = 'X'
	stored, _ := database.Lookup("mutable-key")
	if !bytes.Equal(stored, []byte("mutable")) {
		t.Errorf("Set should copy the value, got %s", stored)
	}
}

func testInsert(t *testing.T, database db.OrderedKV[string, []byte]) {
	defer database.Close()

	requireFeature(t, database, db.FeatureInsert|db.FeatureLookup)

	if err := database.Insert("a", []byte("1")); err != nil {
		t.Fatalf("Insert of a new key failed: %v", err)
	}
	if err := database.Insert("a", []byte("2")); !errors.Is(err, db.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}

	value, _ := database.Lookup("a")
	if !bytes.Equal(value, []byte("1")) {
		t.Errorf("A failed insert must not change the value, got %s", value)
	}
	if database.Count() != 1 {
		t.Errorf("Expected count 1, got %d", database.Count())
	}
}

func testDelete(t *testing.T, database db.OrderedKV[string, []byte]) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureDelete|db.FeatureLookup)

	testKey := "delete-key"
	_ = database.Set(testKey, []byte("delete-value"))

	if err := database.Delete(testKey); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := database.Lookup(testKey); !errors.Is(err, db.ErrKeyNotFound) {
		t.Errorf("Key %s should not exist after Delete", testKey)
	}

	if err := database.Delete("nonexistent-key"); !errors.Is(err, db.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound for nonexistent key, got %v", err)
	}
	if err := database.Delete(testKey); !errors.Is(err, db.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound for second delete, got %v", err)
	}

	// delete enough keys to shrink the tree again
	for i := 0; i < 2000; i++ {
		_ = database.Set(key(i), []byte(strconv.Itoa(i)))
	}
	for i := 0; i < 2000; i += 2 {
		if err := database.Delete(key(i)); err != nil {
			t.Fatalf("Delete of %s failed: %v", key(i), err)
		}
	}
	for i := 0; i < 2000; i++ {
		_, err := database.Lookup(key(i))
		if i%2 == 0 && !errors.Is(err, db.ErrKeyNotFound) {
			t.Errorf("Key %s should be deleted", key(i))
		}
		if i%2 == 1 && err != nil {
			t.Errorf("Key %s should still exist: %v", key(i), err)
		}
	}
	for i := 1; i < 2000; i += 2 {
		_ = database.Delete(key(i))
	}
	if database.Count() != 0 {
		t.Errorf("Expected empty database, count is %d", database.Count())
	}
	if keys := collect(t, database.Enumerate(db.RangeOptions[string]{})); len(keys) != 0 {
		t.Errorf("Expected no keys after deleting all, got %d", len(keys))
	}
}

func testHas(t *testing.T, database db.OrderedKV[string, []byte]) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureHas|db.FeatureDelete)

	testKey := "has-key"
	if ok, _ := database.Has(testKey); ok {
		t.Errorf("Key %s should not exist before Set", testKey)
	}

	_ = database.Set(testKey, []byte("has-value"))
	if ok, err := database.Has(testKey); !ok || err != nil {
		t.Errorf("Key %s should exist after Set (err %v)", testKey, err)
	}

	_ = database.Delete(testKey)
	if ok, _ := database.Has(testKey); ok {
		t.Errorf("Key %s should not exist after Delete", testKey)
	}
}

func testUpdate(t *testing.T, database db.OrderedKV[string, []byte]) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureUpdate|db.FeatureLookup)

	called := 0
	_, err := database.Update("missing", func(old []byte) []byte {
		called++
		return old
	})
	if !errors.Is(err, db.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
	if called != 0 {
		t.Errorf("Update must not call fn for a missing key")
	}

	_ = database.Set("k", []byte("old"))
	old, err := database.Update("k", func(old []byte) []byte {
		called++
		return append(old, "-new"...)
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if called != 1 {
		t.Errorf("Expected fn to be called once, got %d", called)
	}
	if !bytes.Equal(old, []byte("old")) {
		t.Errorf("Expected old value 'old', got %s", old)
	}
	value, _ := database.Lookup("k")
	if !bytes.Equal(value, []byte("old-new")) {
		t.Errorf("Expected 'old-new', got %s", value)
	}
}

func testConcurrentUpdate(t *testing.T, database db.OrderedKV[string, []byte]) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureUpdate|db.FeatureLookup)

	const goroutines = 8
	const increments = 500

	_ = database.Set("counter", []byte("0"))

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				_, err := database.Update("counter", func(old []byte) []byte {
					n, _ := strconv.Atoi(string(old))
					return []byte(strconv.Itoa(n + 1))
				})
				if err != nil {
					t.Errorf("Update failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	value, _ := database.Lookup("counter")
	if string(value) != strconv.Itoa(goroutines*increments) {
		t.Errorf("Expected counter %d, got %s", goroutines*increments, value)
	}
}

func testEnumerate(t *testing.T, database db.OrderedKV[string, []byte]) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureEnumerate)

	const n = 3000
	perm := rand.Perm(n)
	for _, i := range perm {
		_ = database.Set(key(i), []byte(strconv.Itoa(i)))
	}

	it := database.Enumerate(db.RangeOptions[string]{})
	i := 0
	for it.Next() {
		if it.Key() != key(i) {
			t.Fatalf("Expected key %s at position %d, got %s", key(i), i, it.Key())
		}
		if string(it.Value()) != strconv.Itoa(i) {
			t.Fatalf("Expected value %d for %s, got %s", i, it.Key(), it.Value())
		}
		i++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Iteration failed: %v", err)
	}
	if i != n {
		t.Errorf("Expected %d entries, got %d", n, i)
	}

	it.Reset()
	if !it.Next() || it.Key() != key(0) {
		t.Errorf("Reset should restart at the first key")
	}
	_ = it.Close()
	if it.Next() {
		t.Errorf("Next must return false after Close")
	}

	reverse := collect(t, database.Enumerate(db.RangeOptions[string]{Reverse: true}))
	if len(reverse) != n || reverse[0] != key(n-1) || reverse[n-1] != key(0) {
		t.Errorf("Reverse enumeration returned %d keys, first %v", len(reverse), reverse[:min(1, len(reverse))])
	}
	if !slices.IsSortedFunc(reverse, func(a, b string) int { return strings.Compare(b, a) }) {
		t.Errorf("Reverse enumeration is not in descending order")
	}
}

func testEnumerateRanges(t *testing.T, database db.OrderedKV[string, []byte]) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureEnumerate)

	for i := 0; i < 500; i += 2 {
		_ = database.Set(key(i), nil)
	}

	tests := []struct {
		name  string
		opts  db.RangeOptions[string]
		first string
		last  string
		count int
	}{
		{"Closed", db.RangeOptions[string]{Start: ptr(key(10)), End: ptr(key(20))}, key(10), key(18), 5},
		{"StartBetweenKeys", db.RangeOptions[string]{Start: ptr(key(11)), End: ptr(key(20))}, key(12), key(18), 4},
		{"OpenEnd", db.RangeOptions[string]{Start: ptr(key(490))}, key(490), key(498), 5},
		{"OpenStart", db.RangeOptions[string]{End: ptr(key(6))}, key(0), key(4), 3},
		{"Reverse", db.RangeOptions[string]{Start: ptr(key(10)), End: ptr(key(20)), Reverse: true}, key(18), key(10), 5},
		{"ReverseOpenEnd", db.RangeOptions[string]{Start: ptr(key(495)), Reverse: true}, key(498), key(496), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := collect(t, database.Enumerate(tt.opts))
			if len(keys) != tt.count {
				t.Fatalf("Expected %d keys, got %d: %v", tt.count, len(keys), keys)
			}
			if keys[0] != tt.first || keys[len(keys)-1] != tt.last {
				t.Errorf("Expected range %s..%s, got %s..%s", tt.first, tt.last, keys[0], keys[len(keys)-1])
			}
		})
	}

	t.Run("Empty", func(t *testing.T) {
		if keys := collect(t, database.Enumerate(db.RangeOptions[string]{Start: ptr(key(20)), End: ptr(key(10))})); len(keys) != 0 {
			t.Errorf("Expected no keys for an inverted range, got %v", keys)
		}
		if keys := collect(t, database.Enumerate(db.RangeOptions[string]{Start: ptr("zzz")})); len(keys) != 0 {
			t.Errorf("Expected no keys after the last key, got %v", keys)
		}
	})
}

func testEnumerateWhileWriting(t *testing.T, database db.OrderedKV[string, []byte]) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureDelete|db.FeatureEnumerate)

	const n = 2000
	for i := 0; i < n; i += 2 {
		_ = database.Set(key(i), nil)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i < n; i += 2 {
			_ = database.Set(key(i), nil)
			if i%3 == 0 {
				_ = database.Delete(key(i))
			}
		}
	}()

	for round := 0; round < 5; round++ {
		keys := collect(t, database.Enumerate(db.RangeOptions[string]{}))
		if !slices.IsSorted(keys) {
			t.Fatalf("Keys are not in order during concurrent writes")
		}
		if len(slices.Compact(slices.Clone(keys))) != len(keys) {
			t.Fatalf("A key was returned twice during concurrent writes")
		}
		// keys that are never touched by the writer must always be seen
		seen := 0
		for _, k := range keys {
			var i int
			_, _ = fmt.Sscanf(k, "key-%d", &i)
			if i%2 == 0 {
				seen++
			}
		}
		if seen != n/2 {
			t.Errorf("Expected all %d stable keys, saw %d", n/2, seen)
		}
	}
	wg.Wait()
}

func testCount(t *testing.T, database db.OrderedKV[string, []byte]) {
	defer database.Close()

	requireFeature(t, database, db.FeatureCount|db.FeatureSet|db.FeatureInsert|db.FeatureDelete)

	if database.Count() != 0 {
		t.Errorf("Expected count 0 for a new database, got %d", database.Count())
	}
	for i := 0; i < 100; i++ {
		_ = database.Set(key(i), nil)
	}
	_ = database.Set(key(5), []byte("overwrite"))
	_ = database.Insert(key(6), nil)
	_ = database.Delete(key(7))
	_ = database.Delete("missing")

	if database.Count() != 99 {
		t.Errorf("Expected count 99, got %d", database.Count())
	}
	if n := len(collect(t, database.Enumerate(db.RangeOptions[string]{}))); int64(n) != database.Count() {
		t.Errorf("Count %d differs from enumeration %d", database.Count(), n)
	}
}

func testCheckpoint(t *testing.T, database db.OrderedKV[string, []byte]) {
	defer database.Close()

	requireFeature(t, database, db.FeatureCheckpoint|db.FeatureSet|db.FeatureLookup)

	for i := 0; i < 1000; i++ {
		_ = database.Set(key(i), []byte(strconv.Itoa(i)))
	}
	if err := database.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if err := database.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint without changes failed: %v", err)
	}
	for i := 0; i < 1000; i += 100 {
		value, err := database.Lookup(key(i))
		if err != nil || string(value) != strconv.Itoa(i) {
			t.Errorf("Expected %d for %s after checkpoint, got %s (%v)", i, key(i), value, err)
		}
	}
}

func testEdgeCases(t *testing.T, database db.OrderedKV[string, []byte]) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureLookup)

	t.Run("EmptyKey", func(t *testing.T) {
		if err := database.Set("", []byte("empty-key-value")); err != nil {
			t.Fatalf("Set with empty key failed: %v", err)
		}
		value, err := database.Lookup("")
		if err != nil || !bytes.Equal(value, []byte("empty-key-value")) {
			t.Errorf("Expected value for empty key, got %s (%v)", value, err)
		}
	})

	t.Run("EmptyValue", func(t *testing.T) {
		_ = database.Set("empty-value-key", []byte{})
		value, err := database.Lookup("empty-value-key")
		if err != nil || len(value) != 0 {
			t.Errorf("Expected empty value, got %v (%v)", value, err)
		}
	})

	t.Run("LargeValue", func(t *testing.T) {
		large := make([]byte, 64*1024)
		for i := range large {
			large[i] = byte(i % 251)
		}
		if err := database.Set("large-key", large); err != nil {
			t.Fatalf("Set with large value failed: %v", err)
		}
		value, err := database.Lookup("large-key")
		if err != nil || !bytes.Equal(value, large) {
			t.Errorf("Large value did not survive (len %d, err %v)", len(value), err)
		}
	})

	t.Run("LongKey", func(t *testing.T) {
		long := string(bytes.Repeat([]byte("k"), 8*1024))
		_ = database.Set(long, []byte("long"))
		if value, err := database.Lookup(long); err != nil || string(value) != "long" {
			t.Errorf("Long key did not survive (%v)", err)
		}
	})

	t.Run("BinaryKeys", func(t *testing.T) {
		keys := []string{"\x00", "\x00\x00", "\xff", "a\x00b"}
		for _, k := range keys {
			_ = database.Set(k, []byte(k))
		}
		for _, k := range keys {
			if value, err := database.Lookup(k); err != nil || string(value) != k {
				t.Errorf("Binary key %q did not survive (%v)", k, err)
			}
		}
	})
}

func testConcurrentDisjoint(t *testing.T, database db.OrderedKV[string, []byte]) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureDelete|db.FeatureLookup)

	const goroutines = 8
	const perGoroutine = 1000

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				k := fmt.Sprintf("g%d-%05d", g, i)
				if err := database.Set(k, []byte(k)); err != nil {
					t.Errorf("Set %s failed: %v", k, err)
					return
				}
			}
			for i := 0; i < perGoroutine; i += 2 {
				k := fmt.Sprintf("g%d-%05d", g, i)
				if err := database.Delete(k); err != nil {
					t.Errorf("Delete %s failed: %v", k, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	if database.Count() != goroutines*perGoroutine/2 {
		t.Errorf("Expected count %d, got %d", goroutines*perGoroutine/2, database.Count())
	}
	for g := 0; g < goroutines; g++ {
		for i := 1; i < perGoroutine; i += 2 {
			k := fmt.Sprintf("g%d-%05d", g, i)
			if value, err := database.Lookup(k); err != nil || string(value) != k {
				t.Fatalf("Key %s lost (%v)", k, err)
			}
		}
	}
}

func testRealisticUsage(t *testing.T, database db.OrderedKV[string, []byte]) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureDelete|db.FeatureLookup|db.FeatureEnumerate)

	rng := rand.New(rand.NewSource(42))
	model := make(map[string][]byte)

	for step := 0; step < 20000; step++ {
		k := key(rng.Intn(3000))
		switch op := rng.Intn(10); {
		case op < 5:
			v := []byte(strconv.Itoa(step))
			if err := database.Set(k, v); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			model[k] = v
		case op < 8:
			err := database.Delete(k)
			_, existed := model[k]
			if existed != (err == nil) {
				t.Fatalf("Delete %s: existed %t, err %v", k, existed, err)
			}
			delete(model, k)
		default:
			value, err := database.Lookup(k)
			expected, exists := model[k]
			if exists != (err == nil) || (exists && !bytes.Equal(value, expected)) {
				t.Fatalf("Lookup %s: expected %s (exists %t), got %s (%v)", k, expected, exists, value, err)
			}
		}
	}

	if database.Count() != int64(len(model)) {
		t.Errorf("Expected count %d, got %d", len(model), database.Count())
	}
	expected := make([]string, 0, len(model))
	for k := range model {
		expected = append(expected, k)
	}
	slices.Sort(expected)
	if keys := collect(t, database.Enumerate(db.RangeOptions[string]{})); !slices.Equal(keys, expected) {
		t.Errorf("Enumeration differs from the model (%d vs %d keys)", len(keys), len(expected))
	}
}

func testClosed(t *testing.T, database db.OrderedKV[string, []byte]) {
	_ = database.Set("k", nil)
	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
	if err := database.Set("k", nil); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	if _, err := database.Lookup("k"); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Expected ErrClosed for Lookup after Close, got %v", err)
	}
}
