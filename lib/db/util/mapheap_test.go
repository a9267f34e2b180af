package util

import (
	"math/rand"
	"sort"
	"testing"
)

func TestMapHeapOrder(t *testing.T) {
	mh := NewMapHeap[uint64](0)
	mh.Set(5, 50)
	mh.Set(3, 30)
	mh.Set(1, 10)
	mh.Set(4, 40)
	mh.Set(2, 20)

	if mh.Len() != 5 {
		t.Fatalf("Expected 5 items, got %d", mh.Len())
	}
	if key, prio, ok := mh.PeekMin(); !ok || key != 1 || prio != 10 {
		t.Errorf("Expected min (1,10), got (%d,%d,%v)", key, prio, ok)
	}

	for want := uint64(1); want <= 5; want++ {
		key, prio, ok := mh.PopMin()
		if !ok || key != want || prio != int64(want*10) {
			t.Errorf("Pop: expected (%d,%d), got (%d,%d)", want, want*10, key, prio)
		}
	}
	if _, _, ok := mh.PopMin(); ok {
		t.Error("PopMin on empty heap should fail")
	}
}

func TestMapHeapUpdateAndRemove(t *testing.T) {
	mh := NewMapHeap[string](4)
	mh.Set("a", 100)
	mh.Set("b", 200)
	mh.Set("a", 300)

	if key, _, _ := mh.PeekMin(); key != "b" {
		t.Errorf("Expected b to be min after update, got %s", key)
	}
	if prio, ok := mh.Priority("a"); !ok || prio != 300 {
		t.Errorf("Expected priority 300, got %d", prio)
	}

	if prio, ok := mh.Remove("b"); !ok || prio != 200 {
		t.Errorf("Remove returned (%d,%v)", prio, ok)
	}
	if mh.Contains("b") {
		t.Error("Removed key still contained")
	}
	if _, ok := mh.Remove("missing"); ok {
		t.Error("Remove of missing key should fail")
	}
	if mh.Len() != 1 {
		t.Errorf("Expected 1 item, got %d", mh.Len())
	}
}

func TestMapHeapRandom(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	mh := NewMapHeap[int](1000)
	prios := make([]int64, 0, 1000)
	for i := 0; i < 1000; i++ {
		p := r.Int63n(1 << 20)
		mh.Set(i, p)
		prios = append(prios, p)
	}
	sort.Slice(prios, func(i, j int) bool { return prios[i] < prios[j] })

	for i, want := range prios {
		_, got, _ := mh.PopMin()
		if got != want {
			t.Fatalf("Pop %d: expected priority %d, got %d", i, want, got)
		}
	}
}
