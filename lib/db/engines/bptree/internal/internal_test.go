package internal

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/ValentinKolb/bKV/lib/storage"
	"slices"
	"strings"
	"testing"
)

func decodeString(b []byte) (string, error) { return string(b), nil }

func leafOf(keys ...string) *Node[string] {
	n := NewLeaf[string]()
	for i, k := range keys {
		n.InsertEntry(i, k, []byte(k), []byte("v"+k))
	}
	return n
}

func internalOf(keys []string, children ...storage.BlockRef) *Node[string] {
	n := &Node[string]{Children: []storage.BlockRef{children[0]}}
	for i, k := range keys {
		n.InsertSeparator(i, k, []byte(k), children[i+1])
	}
	return n
}

func TestSearch(t *testing.T) {
	n := leafOf("b", "d", "f")

	tests := []struct {
		key   string
		pos   int
		found bool
	}{
		{"a", 0, false},
		{"b", 0, true},
		{"c", 1, false},
		{"f", 2, true},
		{"g", 3, false},
	}
	for _, tt := range tests {
		pos, found := n.Search(tt.key, strings.Compare)
		if pos != tt.pos || found != tt.found {
			t.Errorf("Search(%q) = %d, %t, expected %d, %t", tt.key, pos, found, tt.pos, tt.found)
		}
	}
}

func TestChildIndex(t *testing.T) {
	n := internalOf([]string{"c", "f"}, 1, 2, 3)

	tests := []struct {
		key   string
		child int
	}{
		{"a", 0},
		{"b", 0},
		{"c", 1}, // a separator belongs to the right child
		{"e", 1},
		{"f", 2},
		{"z", 2},
	}
	for _, tt := range tests {
		if got := n.ChildIndex(tt.key, strings.Compare); got != tt.child {
			t.Errorf("ChildIndex(%q) = %d, expected %d", tt.key, got, tt.child)
		}
	}
}

func TestSplit(t *testing.T) {
	t.Run("Leaf", func(t *testing.T) {
		n := leafOf("a", "b", "c", "d", "e")
		right := n.SplitLeaf()
		if !slices.Equal(n.Keys, []string{"a", "b", "c"}) || !slices.Equal(right.Keys, []string{"d", "e"}) {
			t.Errorf("Unexpected split %v | %v", n.Keys, right.Keys)
		}
		if !right.Leaf || len(right.Values) != 2 || string(right.Values[0]) != "vd" {
			t.Errorf("Right half lost its values: %v", right.Values)
		}

		// the halves must not share backing arrays
		n.InsertEntry(3, "c2", []byte("c2"), nil)
		if right.Keys[0] != "d" {
			t.Errorf("Appending to the left half changed the right half")
		}
	})

	t.Run("Internal", func(t *testing.T) {
		n := internalOf([]string{"b", "c", "d", "e"}, 1, 2, 3, 4, 5)
		right, sep, raw := n.SplitInternal()
		if sep != "d" || string(raw) != "d" {
			t.Errorf("Expected separator d, got %s", sep)
		}
		if !slices.Equal(n.Keys, []string{"b", "c"}) || !slices.Equal(n.Children, []storage.BlockRef{1, 2, 3}) {
			t.Errorf("Unexpected left half %v %v", n.Keys, n.Children)
		}
		if !slices.Equal(right.Keys, []string{"e"}) || !slices.Equal(right.Children, []storage.BlockRef{4, 5}) {
			t.Errorf("Unexpected right half %v %v", right.Keys, right.Children)
		}
	})
}

func TestMerge(t *testing.T) {
	t.Run("Leaf", func(t *testing.T) {
		left, right := leafOf("a", "b"), leafOf("c", "d")
		Merge(left, right, "c", []byte("c"))
		if !slices.Equal(left.Keys, []string{"a", "b", "c", "d"}) || len(left.Values) != 4 {
			t.Errorf("Unexpected merge result %v", left.Keys)
		}
	})

	t.Run("Internal", func(t *testing.T) {
		left := internalOf([]string{"b"}, 1, 2)
		right := internalOf([]string{"f"}, 3, 4)
		Merge(left, right, "d", []byte("d"))
		if !slices.Equal(left.Keys, []string{"b", "d", "f"}) {
			t.Errorf("The separator must move down, got %v", left.Keys)
		}
		if !slices.Equal(left.Children, []storage.BlockRef{1, 2, 3, 4}) {
			t.Errorf("Unexpected children %v", left.Children)
		}
	})
}

func TestShift(t *testing.T) {
	t.Run("LeafLeft", func(t *testing.T) {
		left, right := leafOf("a"), leafOf("c", "d", "e")
		sep, raw := ShiftLeft(left, right, "c", []byte("c"))
		if sep != "d" || string(raw) != "d" {
			t.Errorf("Expected new separator d, got %s", sep)
		}
		if !slices.Equal(left.Keys, []string{"a", "c"}) || !slices.Equal(right.Keys, []string{"d", "e"}) {
			t.Errorf("Unexpected shift %v | %v", left.Keys, right.Keys)
		}
	})

	t.Run("LeafRight", func(t *testing.T) {
		left, right := leafOf("a", "b", "c"), leafOf("e")
		sep, _ := ShiftRight(left, right, "e", []byte("e"))
		if sep != "c" {
			t.Errorf("Expected new separator c, got %s", sep)
		}
		if !slices.Equal(left.Keys, []string{"a", "b"}) || !slices.Equal(right.Keys, []string{"c", "e"}) {
			t.Errorf("Unexpected shift %v | %v", left.Keys, right.Keys)
		}
		if string(right.Values[0]) != "vc" {
			t.Errorf("Value did not move with its key")
		}
	})

	t.Run("InternalLeft", func(t *testing.T) {
		left := internalOf([]string{"b"}, 1, 2)
		right := internalOf([]string{"f", "h"}, 3, 4, 5)
		sep, _ := ShiftLeft(left, right, "d", []byte("d"))
		if sep != "f" {
			t.Errorf("Expected new separator f, got %s", sep)
		}
		if !slices.Equal(left.Keys, []string{"b", "d"}) || !slices.Equal(left.Children, []storage.BlockRef{1, 2, 3}) {
			t.Errorf("Unexpected left %v %v", left.Keys, left.Children)
		}
		if !slices.Equal(right.Keys, []string{"h"}) || !slices.Equal(right.Children, []storage.BlockRef{4, 5}) {
			t.Errorf("Unexpected right %v %v", right.Keys, right.Children)
		}
	})

	t.Run("InternalRight", func(t *testing.T) {
		left := internalOf([]string{"b", "c"}, 1, 2, 3)
		right := internalOf([]string{"f"}, 4, 5)
		sep, _ := ShiftRight(left, right, "d", []byte("d"))
		if sep != "c" {
			t.Errorf("Expected new separator c, got %s", sep)
		}
		if !slices.Equal(left.Keys, []string{"b"}) || !slices.Equal(left.Children, []storage.BlockRef{1, 2}) {
			t.Errorf("Unexpected left %v %v", left.Keys, left.Children)
		}
		if !slices.Equal(right.Keys, []string{"d", "f"}) || !slices.Equal(right.Children, []storage.BlockRef{3, 4, 5}) {
			t.Errorf("Unexpected right %v %v", right.Keys, right.Children)
		}
	})
}

func TestCodec(t *testing.T) {
	t.Run("Leaf", func(t *testing.T) {
		n := leafOf("alpha", "beta", "", "gamma")
		n.Prev, n.Next = 7, 9
		payload := n.Encode()
		if len(payload) != n.EncodedSize() {
			t.Fatalf("Encoded %d bytes, EncodedSize is %d", len(payload), n.EncodedSize())
		}

		got, err := Decode(storage.KindLeaf, payload, decodeString)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if !got.Leaf || got.Prev != 7 || got.Next != 9 || !slices.Equal(got.Keys, n.Keys) {
			t.Errorf("Decoded leaf differs: %+v", got)
		}
		for i := range n.Values {
			if !bytes.Equal(got.Values[i], n.Values[i]) {
				t.Errorf("Value %d differs", i)
			}
		}

		// decoded slices own their memory
		payload[LeafHeaderSize+4] = 'X'
		if got.Keys[0] != "alpha" || string(got.RawKeys[0]) != "alpha" {
			t.Errorf("Decoded node shares memory with the payload")
		}
	})

	t.Run("Internal", func(t *testing.T) {
		n := internalOf([]string{"m", "t"}, 10, 20, 30)
		got, err := Decode(storage.KindInternal, n.Encode(), decodeString)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if got.Leaf || !slices.Equal(got.Keys, n.Keys) || !slices.Equal(got.Children, n.Children) {
			t.Errorf("Decoded internal node differs: %+v", got)
		}
	})

	t.Run("Corrupt", func(t *testing.T) {
		payload := leafOf("a", "b").Encode()
		tests := map[string]func() error{
			"Truncated": func() error { _, err := Decode(storage.KindLeaf, payload[:len(payload)-1], decodeString); return err },
			"Header":    func() error { _, err := Decode(storage.KindLeaf, payload[:4], decodeString); return err },
			"Kind":      func() error { _, err := Decode(storage.KindMeta, payload, decodeString); return err },
			"NoChildren": func() error {
				_, err := Decode(storage.KindInternal, make([]byte, InternalHeaderSize), decodeString)
				return err
			},
			"BadKey": func() error {
				_, err := Decode(storage.KindLeaf, payload, func([]byte) (string, error) { return "", fmt.Errorf("bad") })
				return err
			},
		}
		for name, decode := range tests {
			if err := decode(); !errors.Is(err, storage.ErrCorrupt) {
				t.Errorf("%s: expected ErrCorrupt, got %v", name, err)
			}
		}
	})
}
