package lockmgr

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestReaderWriterLocking(t *testing.T) {
	t.Run("SharedHoldersDoNotBlock", func(t *testing.T) {
		l := ReaderWriterLocking().New()
		for i := 0; i < 10; i++ {
			if err := l.Read(10 * time.Millisecond); err != nil {
				t.Fatalf("Read %d failed: %v", i, err)
			}
		}
		for i := 0; i < 10; i++ {
			l.ReleaseRead()
		}
	})

	t.Run("WriterExcludesReaders", func(t *testing.T) {
		l := ReaderWriterLocking().New()
		if err := l.Write(0); err != nil {
			t.Fatal(err)
		}
		if err := l.Read(50 * time.Millisecond); !errors.Is(err, ErrTimeout) {
			t.Errorf("Expected ErrTimeout for reader, got %v", err)
		}
		if err := l.Write(50 * time.Millisecond); !errors.Is(err, ErrTimeout) {
			t.Errorf("Expected ErrTimeout for writer, got %v", err)
		}
		l.ReleaseWrite()

		if err := l.Read(50 * time.Millisecond); err != nil {
			t.Errorf("Expected Read to succeed after release, got %v", err)
		}
		l.ReleaseRead()
	})

	t.Run("ReaderExcludesWriter", func(t *testing.T) {
		l := ReaderWriterLocking().New()
		_ = l.Read(0)
		if err := l.Write(50 * time.Millisecond); !errors.Is(err, ErrTimeout) {
			t.Errorf("Expected ErrTimeout, got %v", err)
		}
		l.ReleaseRead()
		if err := l.Write(50 * time.Millisecond); err != nil {
			t.Errorf("Expected Write to succeed, got %v", err)
		}
		l.ReleaseWrite()
	})

	t.Run("InfiniteWaitUnblocksOnRelease", func(t *testing.T) {
		l := ReaderWriterLocking().New()
		_ = l.Write(0)

		done := make(chan struct{})
		go func() {
			_ = l.Write(0)
			close(done)
		}()

		select {
		case <-done:
			t.Fatal("Writer acquired a held lock")
		case <-time.After(100 * time.Millisecond):
		}

		l.ReleaseWrite()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Writer not unblocked after release")
		}
		l.ReleaseWrite()
	})
}

func TestExclusiveLocking(t *testing.T) {
	l := ExclusiveLocking().New()
	_ = l.Read(0)
	if err := l.Read(20 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected shared acquisitions to be exclusive, got %v", err)
	}
	l.ReleaseRead()

	var counter int64
	var wg sync.WaitGroup
	var inside atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = l.Write(0)
				if inside.Add(1) != 1 {
					t.Error("Two holders inside the critical section")
				}
				counter++
				inside.Add(-1)
				l.ReleaseWrite()
			}
		}()
	}
	wg.Wait()
	if counter != 8000 {
		t.Errorf("Expected 8000, got %d", counter)
	}
}

func TestIgnoreLocking(t *testing.T) {
	l := IgnoreLocking().New()
	_ = l.Write(0)
	if err := l.Write(time.Millisecond); err != nil {
		t.Errorf("Ignore lock should never block, got %v", err)
	}
}

func TestFactoryByName(t *testing.T) {
	for name, want := range map[string]string{
		"ignore":    "ignore",
		"exclusive": "exclusive",
		"rw":        "reader-writer",
	} {
		f, ok := FactoryByName(name)
		if !ok || f.Name() != want {
			t.Errorf("FactoryByName(%q) = %v, %v", name, f, ok)
		}
	}
	if _, ok := FactoryByName("unknown"); ok {
		t.Error("Expected unknown strategy to fail")
	}
}

func TestLockManager(t *testing.T) {
	m := NewLockManager(ReaderWriterLocking(), 3)

	if m.Stripes() != 64 {
		t.Errorf("Expected 64 stripes for 3 writers, got %d", m.Stripes())
	}

	a := m.Latch(7)
	if m.Latch(7) != a {
		t.Error("Expected the same latch for the same ref")
	}
	if m.Latches() != 1 {
		t.Errorf("Expected 1 latch, got %d", m.Latches())
	}

	m.Forget(7)
	if m.Latches() != 0 {
		t.Errorf("Expected latch to be forgotten, got %d", m.Latches())
	}

	if m.KeyLock(1) != m.KeyLock(65) {
		t.Error("Hashes with equal low bits should share a stripe")
	}
	if m.KeyLock(1) == m.KeyLock(2) {
		t.Error("Different stripes expected")
	}
}

func TestNextPow2(t *testing.T) {
	for in, want := range map[uint64]uint64{0: 1, 1: 1, 2: 2, 3: 4, 16: 16, 17: 32} {
		if got := nextPow2(in); got != want {
			t.Errorf("nextPow2(%d) = %d, want %d", in, got, want)
		}
	}
}
