package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/bKV/lib/storage"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"io"
	"os"
	"sync"
)

// Tx identifies an open transaction
type Tx uint64

// WAL is an append-only log of transactions and checkpoint page images.
//
// Every mutation is one transaction: Begin appends the begin marker and the
// operation, Commit appends the commit marker and makes it durable according
// to the SyncMode. A failed append poisons the log, every later call returns
// the same error.
//
// Thread-safety: all methods are safe for concurrent use.
type WAL struct {
	mu     sync.Mutex
	fs     afero.Fs
	path   string
	file   afero.File
	writer *bufio.Writer
	mode   SyncMode
	fileID uuid.UUID

	lsn    uint64 // last assigned lsn
	nextTx uint64
	size   int64
	err    error
	closed bool
}

// Create truncates (or creates) the log at path and writes a fresh header.
func Create(fs afero.Fs, path string, fileID uuid.UUID, mode SyncMode, baseLSN uint64) (*WAL, error) {
	file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create wal %s: %w", path, err)
	}
	w := newWAL(fs, path, file, fileID, mode, baseLSN)
	if err := w.writeHeader(baseLSN); err != nil {
		_ = file.Close()
		return nil, err
	}
	return w, nil
}

// Resume reopens an existing log for appending after it was scanned. A torn
// tail found by the scan is cut off first.
func Resume(fs afero.Fs, path string, mode SyncMode, scan ScanResult) (*WAL, error) {
	if !scan.Exists {
		return nil, fmt.Errorf("cannot resume wal %s: %w", path, os.ErrNotExist)
	}
	file, err := fs.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal %s: %w", path, err)
	}
	if err := file.Truncate(scan.ValidSize); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to cut wal %s: %w", path, err)
	}
	if _, err := file.Seek(scan.ValidSize, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to seek wal %s: %w", path, err)
	}

	w := newWAL(fs, path, file, scan.FileID, mode, max(scan.LastLSN, scan.BaseLSN))
	w.size = scan.ValidSize
	w.nextTx = scan.LastTx
	return w, nil
}

func newWAL(fs afero.Fs, path string, file afero.File, fileID uuid.UUID, mode SyncMode, lsn uint64) *WAL {
	return &WAL{
		fs:     fs,
		path:   path,
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		mode:   mode,
		fileID: fileID,
		lsn:    lsn,
	}
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// Begin opens a transaction for op and appends it to the log
func (w *WAL) Begin(op Op) (Tx, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return 0, err
	}

	w.nextTx++
	tx := w.nextTx
	w.lsn++
	if err := w.append(encodeFrame(TypeBegin, w.lsn, tx, nil)); err != nil {
		return 0, err
	}
	w.lsn++
	if err := w.append(encodeFrame(RecordType(op.Kind), w.lsn, tx, encodeOp(op))); err != nil {
		return 0, err
	}
	return Tx(tx), nil
}

// Commit appends the commit marker of tx and returns its lsn
func (w *WAL) Commit(tx Tx) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return 0, err
	}

	w.lsn++
	lsn := w.lsn
	if err := w.append(encodeFrame(TypeCommit, lsn, uint64(tx), nil)); err != nil {
		return 0, err
	}

	switch w.mode {
	case WriteThrough:
		if err := w.writer.Flush(); err != nil {
			return 0, w.fail(err)
		}
	case Sync:
		if err := w.sync(); err != nil {
			return 0, w.fail(err)
		}
	}
	return lsn, nil
}

// Abort appends the abort marker of tx. Scans drop aborted transactions.
func (w *WAL) Abort(tx Tx) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	w.lsn++
	return w.append(encodeFrame(TypeAbort, w.lsn, uint64(tx), nil))
}

// --------------------------------------------------------------------------
// Checkpoints
// --------------------------------------------------------------------------

// WriteCheckpoint appends a complete batch of block images tagged with lsn
// and syncs the log. Once it returns the images can be written in place, a
// crash in between is repaired by re-applying them.
func (w *WAL) WriteCheckpoint(lsn uint64, images []storage.Block) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}

	if err := w.append(encodeFrame(TypeCheckpointBegin, lsn, 0, nil)); err != nil {
		return err
	}
	for _, img := range images {
		if err := w.append(encodeFrame(TypePageImage, lsn, 0, encodeImage(img.Ref, img.Data))); err != nil {
			return err
		}
	}
	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, uint32(len(images)))
	if err := w.append(encodeFrame(TypeCheckpointEnd, lsn, 0, count)); err != nil {
		return err
	}
	if err := w.sync(); err != nil {
		return w.fail(err)
	}
	return nil
}

// Reset truncates the log to a fresh header. Transactions committed before
// baseLSN must be contained in the data file.
func (w *WAL) Reset(baseLSN uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}

	if err := w.writer.Flush(); err != nil {
		return w.fail(err)
	}
	if err := w.file.Truncate(0); err != nil {
		return w.fail(fmt.Errorf("failed to truncate wal %s: %w", w.path, err))
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return w.fail(err)
	}
	w.writer.Reset(w.file)
	w.size = 0
	w.lsn = max(w.lsn, baseLSN)
	return w.writeHeader(baseLSN)
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// LastLSN returns the last assigned lsn
func (w *WAL) LastLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lsn
}

// Size returns the log size in bytes including buffered frames
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the location of the log
func (w *WAL) Path() string { return w.path }

// FileID returns the id of the data file this log belongs to
func (w *WAL) FileID() uuid.UUID { return w.fileID }

// Mode returns the configured sync mode
func (w *WAL) Mode() SyncMode { return w.mode }

// Err returns the error that poisoned the log, if any
func (w *WAL) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Sync flushes buffered frames and fsyncs the log
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	if err := w.sync(); err != nil {
		return w.fail(err)
	}
	return nil
}

// Close flushes and closes the log. It is safe to call Close twice.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var flushErr error
	if w.err == nil {
		flushErr = w.sync()
	}
	if err := w.file.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	return flushErr
}

// --------------------------------------------------------------------------
// Helper Methods (callers hold w.mu)
// --------------------------------------------------------------------------

func (w *WAL) usable() error {
	if w.closed {
		return ErrClosed
	}
	return w.err
}

func (w *WAL) append(data []byte) error {
	if _, err := w.writer.Write(data); err != nil {
		return w.fail(err)
	}
	w.size += int64(len(data))
	return nil
}

func (w *WAL) sync() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *WAL) fail(err error) error {
	if w.err == nil {
		w.err = fmt.Errorf("wal %s: %w", w.path, err)
	}
	return w.err
}

func (w *WAL) writeHeader(baseLSN uint64) error {
	hdr := make([]byte, headerSize)
	copy(hdr[0:8], magic[:])
	binary.LittleEndian.PutUint32(hdr[8:12], formatVersion)
	copy(hdr[16:32], w.fileID[:])
	binary.LittleEndian.PutUint64(hdr[32:40], baseLSN)
	if err := w.append(hdr); err != nil {
		return err
	}
	if err := w.sync(); err != nil {
		return w.fail(err)
	}
	return nil
}
