package bptree

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/ValentinKolb/bKV/lib/common"
	"github.com/ValentinKolb/bKV/lib/db"
	dbtesting "github.com/ValentinKolb/bKV/lib/db/testing"
	"github.com/ValentinKolb/bKV/lib/lockmgr"
	"github.com/ValentinKolb/bKV/lib/serializer"
	"github.com/ValentinKolb/bKV/lib/storage"
	"github.com/ValentinKolb/bKV/lib/wal"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testFile = "/data.bkv"

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func testOptions(fs afero.Fs) *Options[string, []byte] {
	opts := DefaultOptions(serializer.NewStringSerializer(), serializer.NewBytesSerializer(), strings.Compare)
	opts.Logger = common.NopLogger()
	if fs != nil {
		opts.StorageType = StorageDisk
		opts.FileSystem = fs
		opts.FileName = testFile
		opts.Durability = wal.Buffered
	}
	return opts
}

// smallOrder forces many splits and merges with few entries
func smallOrder(opts *Options[string, []byte]) *Options[string, []byte] {
	opts.FileBlockSize = 256
	opts.MaxLeafEntries = 4
	opts.MaxChildren = 4
	return opts
}

func openTree(t testing.TB, opts *Options[string, []byte]) *Tree[string, []byte] {
	t.Helper()
	tree, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return tree
}

func key(i int) string {
	return fmt.Sprintf("key-%06d", i)
}

// contents returns all entries in key order
func contents(t testing.TB, tree *Tree[string, []byte]) map[string]string {
	t.Helper()
	out := make(map[string]string)
	it := tree.Enumerate(db.RangeOptions[string]{})
	defer it.Close()
	for it.Next() {
		out[it.Key()] = string(it.Value())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Enumeration failed: %v", err)
	}
	return out
}

// checkInvariants walks the whole tree and verifies its shape. The tree
// must not be modified concurrently.
func checkInvariants[V any](t testing.TB, tree *Tree[string, V]) {
	t.Helper()

	var leaves []storage.BlockRef
	entries := int64(0)
	height := int(tree.height.Load())

	var visit func(ref storage.BlockRef, depth int, lo, hi *string)
	visit = func(ref storage.BlockRef, depth int, lo, hi *string) {
		node, err := tree.cache.Get(ref)
		if err != nil {
			t.Fatalf("Node %d unreadable: %v", ref, err)
		}
		defer tree.cache.Release(ref)

		isRoot := depth == 1
		if node.Leaf != (depth == height) {
			t.Fatalf("Node %d at depth %d of %d has leaf=%t", ref, depth, height, node.Leaf)
		}
		for i, k := range node.Keys {
			if i > 0 && node.Keys[i-1] >= k {
				t.Fatalf("Keys of node %d out of order: %q >= %q", ref, node.Keys[i-1], k)
			}
			if (lo != nil && k < *lo) || (hi != nil && k >= *hi) {
				t.Fatalf("Key %q of node %d outside its separators", k, ref)
			}
		}

		if node.Leaf {
			if !isRoot && node.Size() < tree.leafMin {
				t.Errorf("Leaf %d underflows: %d < %d", ref, node.Size(), tree.leafMin)
			}
			if node.Size() > tree.leafMax {
				t.Errorf("Leaf %d overflows: %d > %d", ref, node.Size(), tree.leafMax)
			}
			entries += int64(node.Size())
			leaves = append(leaves, ref)
			return
		}

		if len(node.Children) != len(node.Keys)+1 {
			t.Fatalf("Node %d has %d keys and %d children", ref, len(node.Keys), len(node.Children))
		}
		if isRoot && node.Size() < 2 {
			t.Errorf("Internal root with a single child")
		}
		if !isRoot && node.Size() < tree.childMin {
			t.Errorf("Internal node %d underflows: %d < %d", ref, node.Size(), tree.childMin)
		}
		if node.Size() > tree.childMax {
			t.Errorf("Internal node %d overflows: %d > %d", ref, node.Size(), tree.childMax)
		}
		for i, child := range node.Children {
			clo, chi := lo, hi
			if i > 0 {
				clo = &node.Keys[i-1]
			}
			if i < len(node.Keys) {
				chi = &node.Keys[i]
			}
			visit(child, depth+1, clo, chi)
		}
	}
	visit(tree.root.Load(), 1, nil, nil)

	for i, ref := range leaves {
		node, _ := tree.cache.Get(ref)
		prev, next := storage.NoBlock, storage.NoBlock
		if i > 0 {
			prev = leaves[i-1]
		}
		if i < len(leaves)-1 {
			next = leaves[i+1]
		}
		if node.Prev != prev || node.Next != next {
			t.Errorf("Leaf %d links %d/%d, expected %d/%d", ref, node.Prev, node.Next, prev, next)
		}
		tree.cache.Release(ref)
	}

	if entries != tree.Count() {
		t.Errorf("Count is %d, leaves hold %d entries", tree.Count(), entries)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func TestOrderedKV(t *testing.T) {
	factories := map[string]dbtesting.DBFactory{
		"Memory": func() db.OrderedKV[string, []byte] {
			return openTree(t, testOptions(nil))
		},
		"Disk": func() db.OrderedKV[string, []byte] {
			return openTree(t, testOptions(afero.NewMemMapFs()))
		},
		"MemorySmallOrder": func() db.OrderedKV[string, []byte] {
			return openTree(t, smallOrder(testOptions(nil)))
		},
		"DiskSmallOrder": func() db.OrderedKV[string, []byte] {
			opts := smallOrder(testOptions(afero.NewMemMapFs()))
			opts.CheckpointLogSize = 64 << 10 // checkpoints while the tests run
			return openTree(t, opts)
		},
	}
	for name, factory := range factories {
		dbtesting.RunOrderedKVTests(t, name, factory)
	}
}

func BenchmarkOrderedKV(b *testing.B) {
	dbtesting.RunOrderedKVBenchmarks(b, "Memory", func() db.OrderedKV[string, []byte] {
		return openTree(b, testOptions(nil))
	})
}

func TestConcurrentUpdate(t *testing.T) {
	opts := DefaultOptions(serializer.NewStringSerializer(), serializer.NewInt64Serializer(), strings.Compare)
	opts.Logger = common.NopLogger()
	tree, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer tree.Close()

	const goroutines = 8
	const increments = 10000

	if err := tree.Insert("counter", 0); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// every task reports the number of increments it applied
	p := pool.NewWithResults[int]().WithErrors()
	for g := 0; g < goroutines; g++ {
		p.Go(func() (int, error) {
			for i := 0; i < increments; i++ {
				if _, err := tree.Update("counter", func(old int64) int64 { return old + 1 }); err != nil {
					return i, err
				}
			}
			return increments, nil
		})
	}
	applied, err := p.Wait()
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	total := 0
	for _, n := range applied {
		total += n
	}
	if total != goroutines*increments {
		t.Errorf("Expected %d applied increments, got %d", goroutines*increments, total)
	}

	value, err := tree.Lookup("counter")
	if err != nil || value != goroutines*increments {
		t.Errorf("Expected counter %d, got %d (%v)", goroutines*increments, value, err)
	}
}

func TestReverseEnumerateConcurrent(t *testing.T) {
	opts := smallOrder(testOptions(nil))
	opts.LockingFactory = lockmgr.ExclusiveLocking()
	opts.LockTimeout = 5 * time.Second
	tree := openTree(t, opts)
	defer tree.Close()

	// even keys stay, odd keys come and go and keep splitting and merging
	// the leaves under the readers
	const n = 2000
	for i := 0; i < n; i += 2 {
		_ = tree.Set(key(i), []byte("v"))
	}

	var stopped atomic.Bool
	var writers conc.WaitGroup
	for w := 0; w < 4; w++ {
		seed := int64(w)
		writers.Go(func() {
			rng := rand.New(rand.NewSource(seed))
			for !stopped.Load() {
				k := key(rng.Intn(n/2)*2 + 1)
				if rng.Intn(2) == 0 {
					_ = tree.Delete(k)
				} else if err := tree.Set(k, []byte("v")); err != nil {
					t.Errorf("Set failed: %v", err)
					return
				}
			}
		})
	}
	writers.Go(func() {
		for !stopped.Load() {
			_ = tree.Checkpoint()
			time.Sleep(time.Millisecond)
		}
	})

	p := pool.New().WithErrors()
	for r := 0; r < 4; r++ {
		p.Go(func() error {
			for round := 0; round < 20; round++ {
				it := tree.Enumerate(db.RangeOptions[string]{Reverse: true})
				prev, stable := "", 0
				for it.Next() {
					k := it.Key()
					if prev != "" && k >= prev {
						return fmt.Errorf("key %s after %s in reverse order", k, prev)
					}
					prev = k
					var i int
					if _, err := fmt.Sscanf(k, "key-%d", &i); err == nil && i%2 == 0 {
						stable++
					}
				}
				if err := it.Err(); err != nil {
					return err
				}
				_ = it.Close()
				if stable != n/2 {
					return fmt.Errorf("expected %d stable keys, saw %d", n/2, stable)
				}
			}
			return nil
		})
	}
	err := p.Wait()
	stopped.Store(true)
	writers.Wait()
	if err != nil {
		t.Fatalf("Reverse enumeration failed: %v", err)
	}
	checkInvariants(t, tree)
}

func TestStructure(t *testing.T) {
	for name, factory := range map[string]func() *Options[string, []byte]{
		"Memory": func() *Options[string, []byte] { return smallOrder(testOptions(nil)) },
		"Disk":   func() *Options[string, []byte] { return smallOrder(testOptions(afero.NewMemMapFs())) },
	} {
		t.Run(name, func(t *testing.T) {
			t.Run("Sequential", func(t *testing.T) {
				tree := openTree(t, factory())
				defer tree.Close()

				for i := 0; i < 2000; i++ {
					_ = tree.Set(key(i), []byte{byte(i)})
				}
				checkInvariants(t, tree)
				if tree.height.Load() < 4 {
					t.Errorf("Expected a deep tree with order 4, height is %d", tree.height.Load())
				}

				for i := 0; i < 2000; i++ {
					if err := tree.Delete(key(i)); err != nil {
						t.Fatalf("Delete %s failed: %v", key(i), err)
					}
					if i%250 == 0 {
						checkInvariants(t, tree)
					}
				}
				checkInvariants(t, tree)
				if tree.height.Load() != 1 {
					t.Errorf("Expected the tree to collapse to a single leaf, height %d", tree.height.Load())
				}
			})

			t.Run("Random", func(t *testing.T) {
				tree := openTree(t, factory())
				defer tree.Close()

				rng := rand.New(rand.NewSource(7))
				model := make(map[string]bool)
				for step := 0; step < 20000; step++ {
					k := key(rng.Intn(1500))
					if rng.Intn(3) == 0 {
						err := tree.Delete(k)
						if model[k] != (err == nil) {
							t.Fatalf("Delete %s: expected existing=%t, got %v", k, model[k], err)
						}
						delete(model, k)
					} else {
						_ = tree.Set(k, nil)
						model[k] = true
					}
					if step%5000 == 0 {
						checkInvariants(t, tree)
					}
				}
				checkInvariants(t, tree)
				if tree.Count() != int64(len(model)) {
					t.Errorf("Expected count %d, got %d", len(model), tree.Count())
				}
			})

			t.Run("ConcurrentMixed", func(t *testing.T) {
				tree := openTree(t, factory())
				defer tree.Close()

				const goroutines = 8
				models := make([]map[string]bool, goroutines)
				var wg conc.WaitGroup
				for g := 0; g < goroutines; g++ {
					models[g] = make(map[string]bool)
					model := models[g]
					seed := int64(g)
					wg.Go(func() {
						rng := rand.New(rand.NewSource(seed))
						for step := 0; step < 3000; step++ {
							// interleaved key ranges, neighbours share leaves
							k := key(rng.Intn(400)*goroutines + int(seed))
							if rng.Intn(3) == 0 {
								_ = tree.Delete(k)
								delete(model, k)
							} else {
								if err := tree.Set(k, []byte(k)); err != nil {
									t.Errorf("Set failed: %v", err)
									return
								}
								model[k] = true
							}
						}
					})
				}
				wg.Wait()
				checkInvariants(t, tree)

				total := 0
				for _, model := range models {
					total += len(model)
					for k := range model {
						if v, err := tree.Lookup(k); err != nil || string(v) != k {
							t.Fatalf("Key %s lost (%v)", k, err)
						}
					}
				}
				if tree.Count() != int64(total) {
					t.Errorf("Expected count %d, got %d", total, tree.Count())
				}
			})
		})
	}
}

func TestCallLevelLock(t *testing.T) {
	t.Run("ExclusiveBlocksOthers", func(t *testing.T) {
		tree := openTree(t, testOptions(nil))
		defer tree.Close()

		l, err := tree.LockExclusive()
		if err != nil {
			t.Fatalf("LockExclusive failed: %v", err)
		}
		if !l.Exclusive() {
			t.Errorf("Expected an exclusive view")
		}

		done := make(chan error, 1)
		go func() { done <- tree.Set("other", []byte("1")) }()

		select {
		case <-done:
			t.Fatal("Set must wait while the call level lock is held")
		case <-time.After(50 * time.Millisecond):
		}

		// the holder itself is not blocked
		if err := l.Set("mine", []byte("2")); err != nil {
			t.Fatalf("Set through the lock failed: %v", err)
		}
		if v, err := l.Lookup("mine"); err != nil || string(v) != "2" {
			t.Errorf("Lookup through the lock failed: %s (%v)", v, err)
		}
		it := l.Enumerate(db.RangeOptions[string]{})
		if !it.Next() || it.Key() != "mine" {
			t.Errorf("Enumerate through the lock must not wait")
		}
		_ = it.Close()

		l.Release()
		l.Release()

		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Set after Release failed: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Set did not continue after Release")
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		opts := testOptions(nil)
		opts.LockTimeout = 100 * time.Millisecond
		tree := openTree(t, opts)
		defer tree.Close()

		l, err := tree.LockExclusive()
		if err != nil {
			t.Fatalf("LockExclusive failed: %v", err)
		}
		defer l.Release()

		start := time.Now()
		err = tree.Set("k", nil)
		if !errors.Is(err, db.ErrLockTimeout) {
			t.Fatalf("Expected ErrLockTimeout, got %v", err)
		}
		if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
			t.Errorf("Timed out after %s, expected at least 100ms", elapsed)
		}
		if _, err := tree.Lookup("k"); !errors.Is(err, db.ErrLockTimeout) {
			t.Errorf("Expected ErrLockTimeout for Lookup, got %v", err)
		}
		it := tree.Enumerate(db.RangeOptions[string]{})
		if it.Next() || !errors.Is(it.Err(), db.ErrLockTimeout) {
			t.Errorf("Expected the iterator to time out, got %v", it.Err())
		}
	})

	t.Run("SharedAdmitsOthers", func(t *testing.T) {
		opts := testOptions(nil)
		opts.LockTimeout = 100 * time.Millisecond
		tree := openTree(t, opts)
		defer tree.Close()

		l, err := tree.LockShared()
		if err != nil {
			t.Fatalf("LockShared failed: %v", err)
		}
		if err := tree.Set("k", []byte("v")); err != nil {
			t.Errorf("Set must proceed under a shared lock: %v", err)
		}
		if _, err := tree.LockExclusive(); !errors.Is(err, db.ErrLockTimeout) {
			t.Errorf("LockExclusive must time out under a shared lock, got %v", err)
		}
		l.Release()

		excl, err := tree.LockExclusive()
		if err != nil {
			t.Fatalf("LockExclusive after Release failed: %v", err)
		}
		excl.Release()
	})
}

func TestReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	tree := openTree(t, smallOrder(testOptions(fs)))

	for i := 0; i < 3000; i++ {
		_ = tree.Set(key(i), []byte(fmt.Sprintf("v%d", i)))
	}
	for i := 0; i < 3000; i++ {
		if i%5 != 0 {
			_ = tree.Delete(key(i))
		}
	}
	if tree.metrics.merges.Get() == 0 {
		t.Fatal("Expected the deletes to merge nodes")
	}
	expected := contents(t, tree)
	infoBefore := tree.GetInfo().Metadata.(Info)
	if err := tree.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// the order of the file wins over the options
	opts := testOptions(fs)
	opts.FileBlockSize = 256
	reopened := openTree(t, opts)
	defer reopened.Close()

	info := reopened.GetInfo().Metadata.(Info)
	if info.LeafOrder != 4 || info.InternalOrder != 4 {
		t.Errorf("Expected the stored order 4/4, got %d/%d", info.LeafOrder, info.InternalOrder)
	}
	if info.Checkpoints <= infoBefore.Checkpoints {
		t.Errorf("Expected the checkpoint generation to survive, %d after %d", info.Checkpoints, infoBefore.Checkpoints)
	}
	if reopened.Count() != int64(len(expected)) {
		t.Errorf("Expected count %d, got %d", len(expected), reopened.Count())
	}
	got := contents(t, reopened)
	for k, v := range expected {
		if got[k] != v {
			t.Fatalf("Key %s: expected %q, got %q", k, v, got[k])
		}
	}
	checkInvariants(t, reopened)

	// blocks freed by merges are reused instead of growing the file
	free := len(reopened.store.FreeBlocks())
	if free == 0 {
		t.Fatal("Expected free blocks after deleting most of the keys")
	}
	for i := 0; i < 3000; i++ {
		if i%5 != 0 {
			_ = reopened.Set(key(i), nil)
		}
	}
	if left := len(reopened.store.FreeBlocks()); left >= free {
		t.Errorf("Free blocks were not reused, %d before and %d after", free, left)
	}
}

func TestReadOnly(t *testing.T) {
	fs := afero.NewMemMapFs()
	tree := openTree(t, testOptions(fs))
	for i := 0; i < 100; i++ {
		_ = tree.Set(key(i), []byte("v"))
	}
	_ = tree.Close()
	before, _ := afero.ReadFile(fs, testFile)

	for name, mod := range map[string]func(o *Options[string, []byte]){
		"ReadOnly":    func(o *Options[string, []byte]) { o.ReadOnly = true },
		"NeverCreate": func(o *Options[string, []byte]) { o.CreateFile = storage.NeverCreate },
	} {
		t.Run(name, func(t *testing.T) {
			opts := testOptions(fs)
			mod(opts)
			ro := openTree(t, opts)

			if v, err := ro.Lookup(key(5)); err != nil || string(v) != "v" {
				t.Errorf("Lookup failed: %s (%v)", v, err)
			}
			if ro.Count() != 100 {
				t.Errorf("Expected count 100, got %d", ro.Count())
			}
			if err := ro.Set("new", nil); !errors.Is(err, db.ErrReadOnly) {
				t.Errorf("Expected ErrReadOnly for Set, got %v", err)
			}
			if err := ro.Delete(key(1)); !errors.Is(err, db.ErrReadOnly) {
				t.Errorf("Expected ErrReadOnly for Delete, got %v", err)
			}
			if _, err := ro.Update(key(1), func(v []byte) []byte { return v }); !errors.Is(err, db.ErrReadOnly) {
				t.Errorf("Expected ErrReadOnly for Update, got %v", err)
			}
			if err := ro.Checkpoint(); !errors.Is(err, db.ErrReadOnly) {
				t.Errorf("Expected ErrReadOnly for Checkpoint, got %v", err)
			}
			if err := ro.Close(); err != nil {
				t.Errorf("Close failed: %v", err)
			}

			after, _ := afero.ReadFile(fs, testFile)
			if !bytes.Equal(before, after) {
				t.Errorf("A read-only tree changed the data file")
			}
		})
	}

	t.Run("MissingFile", func(t *testing.T) {
		opts := testOptions(afero.NewMemMapFs())
		opts.CreateFile = storage.NeverCreate
		if _, err := Open(opts); !errors.Is(err, db.ErrConfiguration) {
			t.Errorf("Expected ErrConfiguration for a missing file, got %v", err)
		}
	})

	t.Run("Memory", func(t *testing.T) {
		opts := testOptions(nil)
		opts.ReadOnly = true
		if _, err := Open(opts); !errors.Is(err, db.ErrConfiguration) {
			t.Errorf("Expected ErrConfiguration for a read-only memory tree, got %v", err)
		}
	})
}

func TestBlockSizeMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	tree := openTree(t, testOptions(fs))
	_ = tree.Set("k", nil)
	_ = tree.Close()

	opts := testOptions(fs)
	opts.FileBlockSize = 1024
	if _, err := Open(opts); !errors.Is(err, db.ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for a different block size, got %v", err)
	}
}

func TestKeyOwnership(t *testing.T) {
	opts := DefaultOptions(serializer.NewBytesSerializer(), serializer.NewBytesSerializer(), bytes.Compare)
	opts.Logger = common.NopLogger()
	tree, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer tree.Close()

	k := []byte("key-b")
	_ = tree.Set(k, []byte("b"))
	k[4] = 'a'

	if ok, _ := tree.Has([]byte("key-b")); !ok {
		t.Errorf("Changing the caller's key must not change the stored key")
	}
	if ok, _ := tree.Has([]byte("key-a")); ok {
		t.Errorf("The changed key must not be found")
	}
}

func TestInfo(t *testing.T) {
	disk := openTree(t, smallOrder(testOptions(afero.NewMemMapFs())))
	defer disk.Close()
	mem := openTree(t, testOptions(nil))
	defer mem.Close()

	for i := 0; i < 500; i++ {
		_ = disk.Set(key(i), bytes.Repeat([]byte{'x'}, i%100))
	}

	info := disk.GetInfo()
	if info.DbType != db.ImplBPTree {
		t.Errorf("Unexpected db type %s", info.DbType)
	}
	if info.SizeBytes <= 0 {
		t.Errorf("Expected a positive size, got %d", info.SizeBytes)
	}
	md, ok := info.Metadata.(Info)
	if !ok {
		t.Fatalf("Unexpected metadata type %T", info.Metadata)
	}
	if md.Entries != 500 || md.Height < 3 || md.LeafNodes < 500/4 || md.InternalNodes == 0 {
		t.Errorf("Unexpected shape %+v", md)
	}
	if md.LeafFill.Max > 1 || md.LeafFill.Min < 0.5 {
		t.Errorf("Leaf fill outside [0.5, 1]: %+v", md.LeafFill)
	}
	if md.ValueSizes.Samples != 500 {
		t.Errorf("Expected 500 value size samples, got %d", md.ValueSizes.Samples)
	}

	if !disk.SupportsFeature(db.FeatureDurable | db.FeatureEnumerate) {
		t.Errorf("A disk tree must be durable")
	}
	if mem.SupportsFeature(db.FeatureDurable) {
		t.Errorf("A memory tree must not claim durability")
	}
	if !mem.SupportsFeature(db.FeatureCallLevelLock | db.FeatureCount) {
		t.Errorf("Missing basic features")
	}

	var buf bytes.Buffer
	disk.WriteMetrics(&buf)
	for _, name := range []string{"bptree_entries", "bptree_splits_total", "bptree_wal_transactions_total"} {
		if !strings.Contains(buf.String(), name) {
			t.Errorf("Metric %s missing from output", name)
		}
	}
}
