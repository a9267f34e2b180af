package wal

import (
	"bytes"
	"errors"
	"github.com/ValentinKolb/bKV/lib/storage"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"os"
	"testing"
)

const testPath = "/data.db.wal"

func createTestWAL(t *testing.T, fs afero.Fs, mode SyncMode) (*WAL, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	w, err := Create(fs, testPath, id, mode, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return w, id
}

func truncateFile(t *testing.T, fs afero.Fs, size int64) {
	t.Helper()
	f, err := fs.OpenFile(testPath, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
}

func commitOp(t *testing.T, w *WAL, op Op) uint64 {
	t.Helper()
	tx, err := w.Begin(op)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	lsn, err := w.Commit(tx)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return lsn
}

func TestScanCommitted(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, id := createTestWAL(t, fs, WriteThrough)

	commitOp(t, w, Op{Kind: OpPut, Key: []byte("a"), Value: []byte("1")})
	commitOp(t, w, Op{Kind: OpDelete, Key: []byte("b")})

	aborted, _ := w.Begin(Op{Kind: OpPut, Key: []byte("c"), Value: []byte("3")})
	_ = w.Abort(aborted)

	// never committed
	_, _ = w.Begin(Op{Kind: OpPut, Key: []byte("d"), Value: []byte("4")})
	_ = w.Sync()

	res, err := Scan(fs, testPath)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if !res.Exists || res.FileID != id {
		t.Fatalf("Unexpected header: exists=%v id=%v", res.Exists, res.FileID)
	}
	if len(res.Committed) != 2 {
		t.Fatalf("Expected 2 committed ops, got %d", len(res.Committed))
	}
	if put := res.Committed[0].Op; put.Kind != OpPut || string(put.Key) != "a" || string(put.Value) != "1" {
		t.Errorf("Unexpected first op %+v", put)
	}
	if del := res.Committed[1].Op; del.Kind != OpDelete || string(del.Key) != "b" || del.Value != nil {
		t.Errorf("Unexpected second op %+v", del)
	}
	if res.Committed[0].LSN >= res.Committed[1].LSN {
		t.Error("Commit lsns not increasing")
	}
	if res.Discarded != 2 {
		t.Errorf("Expected 2 discarded transactions, got %d", res.Discarded)
	}
	if res.Truncated {
		t.Error("Clean log reported as truncated")
	}
	_ = w.Close()
}

func TestScanTornTail(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, _ := createTestWAL(t, fs, WriteThrough)
	commitOp(t, w, Op{Kind: OpPut, Key: []byte("k1"), Value: []byte("v1")})
	commitOp(t, w, Op{Kind: OpPut, Key: []byte("k2"), Value: []byte("v2")})
	_ = w.Close()

	info, _ := fs.Stat(testPath)
	truncateFile(t, fs, info.Size()-3)

	res, err := Scan(fs, testPath)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if !res.Truncated {
		t.Error("Expected torn tail to be reported")
	}
	if len(res.Committed) != 1 || string(res.Committed[0].Op.Key) != "k1" {
		t.Errorf("Expected only k1 to survive, got %+v", res.Committed)
	}

	// resume cuts the tail and continues after the last valid frame
	w, err = Resume(fs, testPath, WriteThrough, res)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	commitOp(t, w, Op{Kind: OpPut, Key: []byte("k3"), Value: []byte("v3")})
	_ = w.Close()

	res, _ = Scan(fs, testPath)
	if res.Truncated || len(res.Committed) != 2 || string(res.Committed[1].Op.Key) != "k3" {
		t.Errorf("Unexpected scan after resume: truncated=%v ops=%+v", res.Truncated, res.Committed)
	}
}

func TestScanCorruptFrame(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, _ := createTestWAL(t, fs, WriteThrough)
	commitOp(t, w, Op{Kind: OpPut, Key: []byte("k1"), Value: []byte("v1")})
	size := w.Size()
	commitOp(t, w, Op{Kind: OpPut, Key: []byte("k2"), Value: []byte("v2")})
	_ = w.Close()

	data, _ := afero.ReadFile(fs, testPath)
	data[size+frameHeader+1] ^= 0xff
	_ = afero.WriteFile(fs, testPath, data, 0o644)

	res, _ := Scan(fs, testPath)
	if !res.Truncated || len(res.Committed) != 1 {
		t.Errorf("Expected scan to stop at corrupt frame, got truncated=%v ops=%d", res.Truncated, len(res.Committed))
	}
}

func TestCheckpointBatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, _ := createTestWAL(t, fs, Buffered)
	lsn := commitOp(t, w, Op{Kind: OpPut, Key: []byte("a"), Value: []byte("1")})

	images := []storage.Block{{Ref: 0, Data: []byte("meta")}, {Ref: 3, Data: []byte("leaf")}}
	if err := w.WriteCheckpoint(lsn, images); err != nil {
		t.Fatalf("WriteCheckpoint failed: %v", err)
	}

	res, _ := Scan(fs, testPath)
	if !res.HasCheckpoint || res.CheckpointLSN != lsn {
		t.Fatalf("Expected checkpoint at %d, got %v/%d", lsn, res.HasCheckpoint, res.CheckpointLSN)
	}
	if len(res.Images) != 2 || res.Images[1].Ref != 3 || !bytes.Equal(res.Images[1].Data, []byte("leaf")) {
		t.Errorf("Unexpected images %+v", res.Images)
	}

	if err := w.Reset(lsn); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	res, _ = Scan(fs, testPath)
	if res.HasCheckpoint || len(res.Committed) != 0 || res.BaseLSN != lsn {
		t.Errorf("Expected empty log at base %d, got %+v", lsn, res)
	}

	next := commitOp(t, w, Op{Kind: OpDelete, Key: []byte("a")})
	if next <= lsn {
		t.Errorf("Lsn went backwards after reset: %d <= %d", next, lsn)
	}
	_ = w.Close()
}

func TestIncompleteCheckpointIgnored(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, _ := createTestWAL(t, fs, WriteThrough)
	_ = w.WriteCheckpoint(1, []storage.Block{{Ref: 1, Data: []byte("first")}})
	_ = w.WriteCheckpoint(2, []storage.Block{{Ref: 1, Data: []byte("second")}})
	size := w.Size()
	_ = w.Close()

	// drop the end marker of the second batch
	truncateFile(t, fs, size-1)

	res, _ := Scan(fs, testPath)
	if !res.HasCheckpoint || res.CheckpointLSN != 1 || string(res.Images[0].Data) != "first" {
		t.Errorf("Expected the first batch to be used, got %+v", res)
	}
}

func TestBufferedModeKeepsFramesInMemory(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, _ := createTestWAL(t, fs, Buffered)
	commitOp(t, w, Op{Kind: OpPut, Key: []byte("a"), Value: []byte("1")})

	res, _ := Scan(fs, testPath)
	if len(res.Committed) != 0 {
		t.Errorf("Buffered commit reached the file before Sync")
	}
	_ = w.Sync()
	res, _ = Scan(fs, testPath)
	if len(res.Committed) != 1 {
		t.Errorf("Expected commit after Sync, got %d", len(res.Committed))
	}
	_ = w.Close()
}

func TestScanMissingAndForeign(t *testing.T) {
	fs := afero.NewMemMapFs()
	res, err := Scan(fs, "/missing.wal")
	if err != nil || res.Exists {
		t.Errorf("Expected missing log to scan empty, got %v %v", res.Exists, err)
	}

	_ = afero.WriteFile(fs, "/garbage.wal", []byte("definitely not a log header at all....."), 0o644)
	if _, err := Scan(fs, "/garbage.wal"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt, got %v", err)
	}
}

func TestClosedLog(t *testing.T) {
	w, _ := createTestWAL(t, afero.NewMemMapFs(), Sync)
	_ = w.Close()
	if _, err := w.Begin(Op{Kind: OpDelete, Key: []byte("x")}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

func TestParseSyncMode(t *testing.T) {
	for _, m := range []SyncMode{Buffered, WriteThrough, Sync} {
		got, err := ParseSyncMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseSyncMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseSyncMode("later"); err == nil {
		t.Error("Expected error for unknown mode")
	}
}
