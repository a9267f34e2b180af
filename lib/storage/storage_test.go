package storage

import (
	"bytes"
	"errors"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
	"sync/atomic"
	"testing"
)

// storeFactories returns both backings, the file store on an in-memory fs
func storeFactories(t *testing.T) map[string]func() IBlockStore {
	return map[string]func() IBlockStore{
		"Memory": func() IBlockStore {
			return NewMemoryStore(256, 4)
		},
		"File": func() IBlockStore {
			s, created, err := OpenFileStore(FileOptions{
				Fs:        afero.NewMemMapFs(),
				Path:      "/data.db",
				BlockSize: 256,
				Growth:    4,
				Policy:    CreateAlways,
			})
			if err != nil {
				t.Fatalf("Failed to open file store: %v", err)
			}
			if !created {
				t.Fatal("Expected a new file to be created")
			}
			return s
		},
	}
}

func TestBlockStore(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("AllocateNeverReturnsMeta", func(t *testing.T) {
				s := factory()
				defer s.Close()

				seen := make(map[BlockRef]bool)
				for i := 0; i < 10; i++ {
					ref, err := s.Allocate()
					if err != nil {
						t.Fatalf("Allocate failed: %v", err)
					}
					if ref == MetaBlock {
						t.Fatal("Allocate returned the meta block")
					}
					if seen[ref] {
						t.Fatalf("Block %d allocated twice", ref)
					}
					seen[ref] = true
				}
				if s.NextBlock() != 11 {
					t.Errorf("Expected next block 11, got %d", s.NextBlock())
				}
			})

			t.Run("ReadWrite", func(t *testing.T) {
				s := factory()
				defer s.Close()

				ref, _ := s.Allocate()
				if err := s.Write(ref, []byte("hello")); err != nil {
					t.Fatalf("Write failed: %v", err)
				}
				data, err := s.Read(ref)
				if err != nil {
					t.Fatalf("Read failed: %v", err)
				}
				if len(data) != 256 {
					t.Errorf("Expected a full block, got %d bytes", len(data))
				}
				if !bytes.HasPrefix(data, []byte("hello")) {
					t.Errorf("Unexpected content %q", data[:5])
				}

				if err := s.Write(ref, make([]byte, 257)); err == nil {
					t.Error("Expected error for oversized write")
				}
			})

			t.Run("PendingFreeIsNotReused", func(t *testing.T) {
				s := factory()
				defer s.Close()

				a, _ := s.Allocate()
				s.Free(a)

				b, _ := s.Allocate()
				if b == a {
					t.Fatal("Pending block was reused before release")
				}

				free := s.FreeBlocks()
				if len(free) != 1 || free[0] != a {
					t.Errorf("Expected free blocks [%d], got %v", a, free)
				}

				s.ReleasePending()
				c, _ := s.Allocate()
				if c != a {
					t.Errorf("Expected released block %d to be reused, got %d", a, c)
				}
			})

			t.Run("Restore", func(t *testing.T) {
				s := factory()
				defer s.Close()

				for i := 0; i < 8; i++ {
					_, _ = s.Allocate()
				}
				s.Restore(9, []BlockRef{5, 3})

				first, _ := s.Allocate()
				second, _ := s.Allocate()
				third, _ := s.Allocate()
				if first != 3 || second != 5 || third != 9 {
					t.Errorf("Expected 3, 5, 9 got %d, %d, %d", first, second, third)
				}
			})
		})
	}
}

func TestFileStorePolicies(t *testing.T) {
	fs := afero.NewMemMapFs()
	open := func(policy CreatePolicy) (IBlockStore, bool, error) {
		return OpenFileStore(FileOptions{Fs: fs, Path: "/p.db", BlockSize: 128, Growth: 2, Policy: policy})
	}

	if _, _, err := open(OpenExisting); !errors.Is(err, ErrNotExist) {
		t.Errorf("Expected ErrNotExist for OpenExisting, got %v", err)
	}
	if _, _, err := open(NeverCreate); !errors.Is(err, ErrNotExist) {
		t.Errorf("Expected ErrNotExist for NeverCreate, got %v", err)
	}

	s, created, err := open(CreateIfNeeded)
	if err != nil || !created {
		t.Fatalf("Expected file to be created, err: %v", err)
	}
	ref, _ := s.Allocate()
	_ = s.Write(ref, []byte("persisted"))
	_ = s.Flush()
	_ = s.Close()

	s, created, err = open(CreateIfNeeded)
	if err != nil || created {
		t.Fatalf("Expected existing file to be opened, created=%v err=%v", created, err)
	}
	data, _ := s.Read(ref)
	if !bytes.HasPrefix(data, []byte("persisted")) {
		t.Errorf("Content lost after reopen: %q", data[:9])
	}
	_ = s.Close()

	s, _, err = open(NeverCreate)
	if err != nil {
		t.Fatalf("NeverCreate failed: %v", err)
	}
	if !s.ReadOnly() {
		t.Error("NeverCreate store should be read-only")
	}
	if err := s.Write(ref, []byte("x")); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Expected ErrReadOnly, got %v", err)
	}
	if _, err := s.Allocate(); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Expected ErrReadOnly from Allocate, got %v", err)
	}
	_ = s.Close()

	s, created, err = open(CreateAlways)
	if err != nil || !created {
		t.Fatalf("CreateAlways should truncate, created=%v err=%v", created, err)
	}
	data, _ = s.Read(ref)
	if bytes.HasPrefix(data, []byte("persisted")) {
		t.Error("CreateAlways kept old content")
	}
	_ = s.Close()
}

func TestFileStoreGrowsInIncrements(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, _, err := OpenFileStore(FileOptions{Fs: fs, Path: "/g.db", BlockSize: 64, Growth: 10, Policy: CreateAlways})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	info, _ := fs.Stat("/g.db")
	if info.Size() != 11*64 {
		t.Errorf("Expected initial size of 11 blocks, got %d bytes", info.Size())
	}

	for i := 0; i < 11; i++ {
		if _, err := s.Allocate(); err != nil {
			t.Fatal(err)
		}
	}
	info, _ = fs.Stat("/g.db")
	if info.Size() != 21*64 {
		t.Errorf("Expected growth by 10 blocks, got %d bytes", info.Size())
	}
}

func TestFileStoreConcurrentRead(t *testing.T) {
	const blocks = 64
	s, _, err := OpenFileStore(FileOptions{Fs: afero.NewMemMapFs(), Path: "/c.db", BlockSize: 64, Growth: blocks, Policy: CreateAlways})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < blocks; i++ {
		ref, err := s.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Write(ref, bytes.Repeat([]byte{byte(ref)}, 64)); err != nil {
			t.Fatal(err)
		}
	}

	var wrong atomic.Int64
	var wg conc.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Go(func() {
			for i := 0; i < 2000; i++ {
				ref := BlockRef((g*7 + i) % blocks)
				data, err := s.Read(ref)
				if err != nil || !bytes.Equal(data, bytes.Repeat([]byte{byte(ref)}, 64)) {
					wrong.Add(1)
				}
			}
		})
	}
	wg.Wait()
	if n := wrong.Load(); n != 0 {
		t.Errorf("%d reads returned another block's content", n)
	}
}

func TestOverlay(t *testing.T) {
	base := NewMemoryStore(64, 4)
	ref, _ := base.Allocate()
	_ = base.Write(ref, []byte("base"))

	view := NewOverlay(base, []Block{{Ref: ref, Data: []byte("image")}})
	data, _ := view.Read(ref)
	if !bytes.HasPrefix(data, []byte("image")) {
		t.Errorf("Overlay did not replace block: %q", data[:5])
	}
	if !view.ReadOnly() {
		t.Error("Overlay should report read-only")
	}

	t.Run("CopyOnWrite", func(t *testing.T) {
		if err := view.Write(ref, []byte("written")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		data, _ := view.Read(ref)
		if !bytes.HasPrefix(data, []byte("written")) {
			t.Errorf("Overlay did not keep write: %q", data[:7])
		}
		data, _ = base.Read(ref)
		if !bytes.HasPrefix(data, []byte("base")) {
			t.Error("Overlay modified the base store")
		}
	})

	t.Run("AllocateBeyondBase", func(t *testing.T) {
		next := base.NextBlock()
		got, err := view.Allocate()
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		if got != next {
			t.Errorf("Expected block %d, got %d", next, got)
		}
		if base.NextBlock() != next {
			t.Error("Overlay allocation changed the base allocator")
		}
	})
}
