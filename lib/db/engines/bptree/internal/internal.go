package internal

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/bKV/lib/storage"
)

// --------------------------------------------------------------------------
// Node layout
// --------------------------------------------------------------------------

// Payload layouts (little endian) inside a storage record:
//
//	leaf:     [u16 count][u64 prev][u64 next] then count x ([u32 klen][key][u32 vlen][value])
//	internal: [u16 children][u64 child0]      then (children-1) x ([u32 klen][key][u64 child])
const (
	LeafHeaderSize      = 2 + 8 + 8
	InternalHeaderSize  = 2 + 8
	LeafEntryOverhead   = 4 + 4
	InternalKeyOverhead = 4 + 8
	MaxNodeFanout       = 0xFFFF
)

// --------------------------------------------------------------------------
// Node model
// --------------------------------------------------------------------------

// Node is a decoded tree node. Keys are kept decoded for comparison and raw
// for encoding, values of leaves stay serialized.
//
// Separator convention for internal nodes: every key in Children[i] is less
// than Keys[i], every key in Children[i+1] is greater or equal.
//
// Thread-safety: a Node is guarded by the latch of its block, it must only be
// read with the latch held shared and changed with the latch held exclusive.
type Node[K any] struct {
	Leaf     bool
	Keys     []K
	RawKeys  [][]byte
	Values   [][]byte           // leaf only
	Children []storage.BlockRef // internal only, len(Keys)+1
	Prev     storage.BlockRef   // leaf only
	Next     storage.BlockRef   // leaf only

	// Version changes with every modification and every load, it is never
	// persisted. Iterators use it to detect that a leaf changed.
	Version uint64
}

// NewLeaf creates an empty leaf
func NewLeaf[K any]() *Node[K] {
	return &Node[K]{Leaf: true}
}

// Size is the number of entries of a leaf or children of an internal node
func (n *Node[K]) Size() int {
	if n.Leaf {
		return len(n.Keys)
	}
	return len(n.Children)
}

// Search returns the position of the first key >= key and whether it is equal
func (n *Node[K]) Search(key K, cmp func(a, b K) int) (int, bool) {
	lo, hi := 0, len(n.Keys)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if cmp(n.Keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(n.Keys) && cmp(n.Keys[lo], key) == 0
}

// ChildIndex returns the index of the child whose subtree may contain key
func (n *Node[K]) ChildIndex(key K, cmp func(a, b K) int) int {
	lo, hi := 0, len(n.Keys)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if cmp(n.Keys[mid], key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// InsertEntry inserts a leaf entry at position i
func (n *Node[K]) InsertEntry(i int, key K, raw, value []byte) {
	n.Keys = insertAt(n.Keys, i, key)
	n.RawKeys = insertAt(n.RawKeys, i, raw)
	n.Values = insertAt(n.Values, i, value)
}

// RemoveEntry removes the leaf entry at position i
func (n *Node[K]) RemoveEntry(i int) {
	n.Keys = removeAt(n.Keys, i)
	n.RawKeys = removeAt(n.RawKeys, i)
	n.Values = removeAt(n.Values, i)
}

// InsertSeparator inserts key at position i and child to its right
func (n *Node[K]) InsertSeparator(i int, key K, raw []byte, child storage.BlockRef) {
	n.Keys = insertAt(n.Keys, i, key)
	n.RawKeys = insertAt(n.RawKeys, i, raw)
	n.Children = insertAt(n.Children, i+1, child)
}

// RemoveSeparator removes key i and the child to its right
func (n *Node[K]) RemoveSeparator(i int) {
	n.Keys = removeAt(n.Keys, i)
	n.RawKeys = removeAt(n.RawKeys, i)
	n.Children = removeAt(n.Children, i+1)
}

// SplitLeaf moves the upper half of the entries into a new leaf and returns
// it. Sibling links are left to the caller.
func (n *Node[K]) SplitLeaf() *Node[K] {
	mid := len(n.Keys) - len(n.Keys)/2
	right := &Node[K]{
		Leaf:    true,
		Keys:    append([]K(nil), n.Keys[mid:]...),
		RawKeys: append([][]byte(nil), n.RawKeys[mid:]...),
		Values:  append([][]byte(nil), n.Values[mid:]...),
	}
	n.Keys = clip(n.Keys, mid)
	n.RawKeys = clip(n.RawKeys, mid)
	n.Values = clip(n.Values, mid)
	return right
}

// SplitInternal moves the upper half of the children into a new node and
// returns it together with the separator that moves up to the parent
func (n *Node[K]) SplitInternal() (right *Node[K], sep K, rawSep []byte) {
	lc := len(n.Children) - len(n.Children)/2
	sep, rawSep = n.Keys[lc-1], n.RawKeys[lc-1]
	right = &Node[K]{
		Keys:     append([]K(nil), n.Keys[lc:]...),
		RawKeys:  append([][]byte(nil), n.RawKeys[lc:]...),
		Children: append([]storage.BlockRef(nil), n.Children[lc:]...),
	}
	n.Keys = clip(n.Keys, lc-1)
	n.RawKeys = clip(n.RawKeys, lc-1)
	n.Children = clip(n.Children, lc)
	return right, sep, rawSep
}

// Merge appends right to left. sep is the parent separator between them, it
// moves down into an internal node. Sibling links are left to the caller.
func Merge[K any](left, right *Node[K], sep K, rawSep []byte) {
	if left.Leaf {
		left.Keys = append(left.Keys, right.Keys...)
		left.RawKeys = append(left.RawKeys, right.RawKeys...)
		left.Values = append(left.Values, right.Values...)
		return
	}
	left.Keys = append(append(left.Keys, sep), right.Keys...)
	left.RawKeys = append(append(left.RawKeys, rawSep), right.RawKeys...)
	left.Children = append(left.Children, right.Children...)
}

// ShiftLeft moves the first entry (or child) of right to the end of left
// and returns the new separator between them
func ShiftLeft[K any](left, right *Node[K], sep K, rawSep []byte) (K, []byte) {
	if left.Leaf {
		left.Keys = append(left.Keys, right.Keys[0])
		left.RawKeys = append(left.RawKeys, right.RawKeys[0])
		left.Values = append(left.Values, right.Values[0])
		right.RemoveEntry(0)
		return right.Keys[0], right.RawKeys[0]
	}
	left.Keys = append(left.Keys, sep)
	left.RawKeys = append(left.RawKeys, rawSep)
	left.Children = append(left.Children, right.Children[0])
	newSep, newRaw := right.Keys[0], right.RawKeys[0]
	right.Keys = removeAt(right.Keys, 0)
	right.RawKeys = removeAt(right.RawKeys, 0)
	right.Children = removeAt(right.Children, 0)
	return newSep, newRaw
}

// ShiftRight moves the last entry (or child) of left to the front of right
// and returns the new separator between them
func ShiftRight[K any](left, right *Node[K], sep K, rawSep []byte) (K, []byte) {
	if left.Leaf {
		last := len(left.Keys) - 1
		right.InsertEntry(0, left.Keys[last], left.RawKeys[last], left.Values[last])
		left.RemoveEntry(last)
		return right.Keys[0], right.RawKeys[0]
	}
	lastKey, lastChild := len(left.Keys)-1, len(left.Children)-1
	right.Keys = insertAt(right.Keys, 0, sep)
	right.RawKeys = insertAt(right.RawKeys, 0, rawSep)
	right.Children = insertAt(right.Children, 0, left.Children[lastChild])
	newSep, newRaw := left.Keys[lastKey], left.RawKeys[lastKey]
	left.Keys = removeAt(left.Keys, lastKey)
	left.RawKeys = removeAt(left.RawKeys, lastKey)
	left.Children = removeAt(left.Children, lastChild)
	return newSep, newRaw
}

// --------------------------------------------------------------------------
// Codec
// --------------------------------------------------------------------------

// Kind returns the record kind the node is stored as
func (n *Node[K]) Kind() storage.RecordKind {
	if n.Leaf {
		return storage.KindLeaf
	}
	return storage.KindInternal
}

// EncodedSize returns the payload size of the node
func (n *Node[K]) EncodedSize() int {
	if n.Leaf {
		size := LeafHeaderSize
		for i := range n.RawKeys {
			size += LeafEntryOverhead + len(n.RawKeys[i]) + len(n.Values[i])
		}
		return size
	}
	size := InternalHeaderSize
	for i := range n.RawKeys {
		size += InternalKeyOverhead + len(n.RawKeys[i])
	}
	return size
}

// Encode serializes the node into a record payload
func (n *Node[K]) Encode() []byte {
	buf := make([]byte, n.EncodedSize())
	if n.Leaf {
		binary.LittleEndian.PutUint16(buf[0:2], uint16(len(n.Keys)))
		binary.LittleEndian.PutUint64(buf[2:10], n.Prev)
		binary.LittleEndian.PutUint64(buf[10:18], n.Next)
		off := LeafHeaderSize
		for i := range n.RawKeys {
			off = putBytes(buf, off, n.RawKeys[i])
			off = putBytes(buf, off, n.Values[i])
		}
		return buf
	}

	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(n.Children)))
	binary.LittleEndian.PutUint64(buf[2:10], n.Children[0])
	off := InternalHeaderSize
	for i := range n.RawKeys {
		off = putBytes(buf, off, n.RawKeys[i])
		binary.LittleEndian.PutUint64(buf[off:off+8], n.Children[i+1])
		off += 8
	}
	return buf
}

// Decode parses a record payload. decodeKey turns raw key bytes back into K.
func Decode[K any](kind storage.RecordKind, payload []byte, decodeKey func([]byte) (K, error)) (*Node[K], error) {
	switch kind {
	case storage.KindLeaf:
		return decodeLeaf(payload, decodeKey)
	case storage.KindInternal:
		return decodeInternal(payload, decodeKey)
	default:
		return nil, fmt.Errorf("%w: record of kind %s is not a node", storage.ErrCorrupt, kind)
	}
}

func decodeLeaf[K any](payload []byte, decodeKey func([]byte) (K, error)) (*Node[K], error) {
	if len(payload) < LeafHeaderSize {
		return nil, fmt.Errorf("%w: leaf header truncated", storage.ErrCorrupt)
	}
	count := int(binary.LittleEndian.Uint16(payload[0:2]))
	n := &Node[K]{
		Leaf:    true,
		Prev:    binary.LittleEndian.Uint64(payload[2:10]),
		Next:    binary.LittleEndian.Uint64(payload[10:18]),
		Keys:    make([]K, 0, count),
		RawKeys: make([][]byte, 0, count),
		Values:  make([][]byte, 0, count),
	}

	off := LeafHeaderSize
	for i := 0; i < count; i++ {
		raw, next, ok := getBytes(payload, off)
		if !ok {
			return nil, fmt.Errorf("%w: leaf key %d truncated", storage.ErrCorrupt, i)
		}
		value, next, ok := getBytes(payload, next)
		if !ok {
			return nil, fmt.Errorf("%w: leaf value %d truncated", storage.ErrCorrupt, i)
		}
		key, err := decodeKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: leaf key %d: %v", storage.ErrCorrupt, i, err)
		}
		n.Keys = append(n.Keys, key)
		n.RawKeys = append(n.RawKeys, raw)
		n.Values = append(n.Values, value)
		off = next
	}
	return n, nil
}

func decodeInternal[K any](payload []byte, decodeKey func([]byte) (K, error)) (*Node[K], error) {
	if len(payload) < InternalHeaderSize {
		return nil, fmt.Errorf("%w: internal header truncated", storage.ErrCorrupt)
	}
	children := int(binary.LittleEndian.Uint16(payload[0:2]))
	if children < 1 {
		return nil, fmt.Errorf("%w: internal node without children", storage.ErrCorrupt)
	}
	n := &Node[K]{
		Keys:     make([]K, 0, children-1),
		RawKeys:  make([][]byte, 0, children-1),
		Children: make([]storage.BlockRef, 0, children),
	}
	n.Children = append(n.Children, binary.LittleEndian.Uint64(payload[2:10]))

	off := InternalHeaderSize
	for i := 1; i < children; i++ {
		raw, next, ok := getBytes(payload, off)
		if !ok || next+8 > len(payload) {
			return nil, fmt.Errorf("%w: separator %d truncated", storage.ErrCorrupt, i)
		}
		key, err := decodeKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: separator %d: %v", storage.ErrCorrupt, i, err)
		}
		n.Keys = append(n.Keys, key)
		n.RawKeys = append(n.RawKeys, raw)
		n.Children = append(n.Children, binary.LittleEndian.Uint64(payload[next:next+8]))
		off = next + 8
	}
	return n, nil
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func putBytes(buf []byte, off int, b []byte) int {
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(b)))
	copy(buf[off+4:], b)
	return off + 4 + len(b)
}

// getBytes returns a copy of the length prefixed slice at off
func getBytes(buf []byte, off int) ([]byte, int, bool) {
	if off+4 > len(buf) {
		return nil, 0, false
	}
	n := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	if n < 0 || off+4+n > len(buf) {
		return nil, 0, false
	}
	out := make([]byte, n)
	copy(out, buf[off+4:off+4+n])
	return out, off + 4 + n, true
}

func insertAt[T any](s []T, i int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	var zero T
	copy(s[i:], s[i+1:])
	s[len(s)-1] = zero
	return s[:len(s)-1]
}

// clip truncates s to n elements and clears the tail for the garbage collector
func clip[T any](s []T, n int) []T {
	var zero T
	for i := n; i < len(s); i++ {
		s[i] = zero
	}
	return s[:n:n]
}
