// Package util
//
// This file provides a keyed min-heap. It combines a binary heap with a map
// from key to heap position, so priorities can be changed and items removed
// by key in O(log n) while the minimum stays available in O(1).
//
// The node cache builds one per sweep from the touch timestamps of its
// entries and pops the least recently used candidates first.
//
// Concurrency: MapHeap is not thread-safe, callers synchronize externally.
package util

import (
	"container/heap"
)

// heapItem is a key with its priority and position in the heap
type heapItem[K comparable] struct {
	key      K
	priority int64
	index    int
}

// itemHeap implements heap.Interface over heapItems
type itemHeap[K comparable] []*heapItem[K]

func (h itemHeap[K]) Len() int { return len(h) }

func (h itemHeap[K]) Less(i, j int) bool { return h[i].priority < h[j].priority }

func (h itemHeap[K]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap[K]) Push(x any) {
	it := x.(*heapItem[K])
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap[K]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// MapHeap is a min-heap of keys ordered by priority
type MapHeap[K comparable] struct {
	heap  itemHeap[K]
	index map[K]*heapItem[K]
}

// NewMapHeap creates an empty heap with room for capacity items
func NewMapHeap[K comparable](capacity int) *MapHeap[K] {
	return &MapHeap[K]{
		heap:  make(itemHeap[K], 0, capacity),
		index: make(map[K]*heapItem[K], capacity),
	}
}

// Len returns the number of items
func (m *MapHeap[K]) Len() int { return len(m.heap) }

// Set adds key or changes its priority
func (m *MapHeap[K]) Set(key K, priority int64) {
	if it, ok := m.index[key]; ok {
		it.priority = priority
		heap.Fix(&m.heap, it.index)
		return
	}
	it := &heapItem[K]{key: key, priority: priority}
	heap.Push(&m.heap, it)
	m.index[key] = it
}

// Remove deletes key and returns its priority
func (m *MapHeap[K]) Remove(key K) (int64, bool) {
	it, ok := m.index[key]
	if !ok {
		return 0, false
	}
	heap.Remove(&m.heap, it.index)
	delete(m.index, key)
	return it.priority, true
}

// PeekMin returns the item with the lowest priority without removing it
func (m *MapHeap[K]) PeekMin() (key K, priority int64, ok bool) {
	if len(m.heap) == 0 {
		return key, 0, false
	}
	return m.heap[0].key, m.heap[0].priority, true
}

// PopMin removes and returns the item with the lowest priority
func (m *MapHeap[K]) PopMin() (key K, priority int64, ok bool) {
	if len(m.heap) == 0 {
		return key, 0, false
	}
	it := heap.Pop(&m.heap).(*heapItem[K])
	delete(m.index, it.key)
	return it.key, it.priority, true
}

// Priority returns the priority of key
func (m *MapHeap[K]) Priority(key K) (int64, bool) {
	it, ok := m.index[key]
	if !ok {
		return 0, false
	}
	return it.priority, true
}

// Contains reports whether key is in the heap
func (m *MapHeap[K]) Contains(key K) bool {
	_, ok := m.index[key]
	return ok
}
