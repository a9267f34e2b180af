package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/ValentinKolb/bKV/lib/storage"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"hash/crc32"
	"io"
	"os"
)

// CommittedOp is an operation whose transaction committed at LSN
type CommittedOp struct {
	LSN uint64
	Op  Op
}

// ScanResult is everything a scan of a log recovered
type ScanResult struct {
	Exists  bool      // the log file exists and has a valid header
	FileID  uuid.UUID // id of the data file the log belongs to
	BaseLSN uint64    // lsn the log was last reset to

	// Committed holds operations of committed transactions in commit order.
	// Uncommitted and aborted transactions are not included.
	Committed []CommittedOp

	// Images is the last complete checkpoint batch, CheckpointLSN its lsn.
	// HasCheckpoint is false if the log holds no complete batch.
	Images        []storage.Block
	CheckpointLSN uint64
	HasCheckpoint bool

	LastLSN   uint64 // highest lsn of any valid frame
	LastTx    uint64 // highest transaction id seen
	ValidSize int64  // offset after the last valid frame
	Truncated bool   // the scan stopped at a torn or corrupt frame
	Discarded int    // transactions dropped as uncommitted or aborted
}

// Scan reads the log at path. A missing log is not an error, the result has
// Exists == false. A bad header returns ErrCorrupt. Frames are read until the
// first torn or corrupt one, everything after it is ignored.
func Scan(fs afero.Fs, path string) (ScanResult, error) {
	var res ScanResult

	file, err := fs.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to open wal %s: %w", path, err)
	}
	defer file.Close()

	r := bufio.NewReaderSize(file, 64*1024)

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return res, fmt.Errorf("%w: %s has a truncated header", ErrCorrupt, path)
		}
		return res, fmt.Errorf("failed to read wal %s: %w", path, err)
	}
	if !bytes.Equal(hdr[0:8], magic[:]) {
		return res, fmt.Errorf("%w: %s has a bad magic", ErrCorrupt, path)
	}
	if v := binary.LittleEndian.Uint32(hdr[8:12]); v != formatVersion {
		return res, fmt.Errorf("%w: %s has unsupported version %d", ErrCorrupt, path, v)
	}

	res.Exists = true
	copy(res.FileID[:], hdr[16:32])
	res.BaseLSN = binary.LittleEndian.Uint64(hdr[32:40])
	res.LastLSN = res.BaseLSN
	res.ValidSize = headerSize

	s := scanState{res: &res, pending: make(map[uint64][]Op)}
	for {
		f, n, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Truncated = true
			break
		}
		if err := s.apply(f); err != nil {
			res.Truncated = true
			break
		}
		res.ValidSize += int64(n)
		res.LastLSN = max(res.LastLSN, f.lsn)
	}

	res.Discarded += len(s.pending)
	return res, nil
}

// scanState tracks open transactions and checkpoint batches during a scan
type scanState struct {
	res     *ScanResult
	pending map[uint64][]Op

	inBatch  bool
	batchLSN uint64
	batch    []storage.Block
}

func (s *scanState) apply(f frame) error {
	s.res.LastTx = max(s.res.LastTx, f.tx)

	switch f.typ {
	case TypeBegin:
		s.pending[f.tx] = nil
	case TypePut, TypeDelete:
		ops, ok := s.pending[f.tx]
		if !ok {
			return fmt.Errorf("%w: %s for unknown transaction %d", ErrCorrupt, f.typ, f.tx)
		}
		op, err := decodeOp(OpKind(f.typ), f.body)
		if err != nil {
			return err
		}
		s.pending[f.tx] = append(ops, op)
	case TypeCommit:
		ops, ok := s.pending[f.tx]
		if !ok {
			return fmt.Errorf("%w: commit for unknown transaction %d", ErrCorrupt, f.tx)
		}
		for _, op := range ops {
			s.res.Committed = append(s.res.Committed, CommittedOp{LSN: f.lsn, Op: op})
		}
		delete(s.pending, f.tx)
	case TypeAbort:
		delete(s.pending, f.tx)
		s.res.Discarded++
	case TypeCheckpointBegin:
		s.inBatch = true
		s.batchLSN = f.lsn
		s.batch = nil
	case TypePageImage:
		if !s.inBatch || f.lsn != s.batchLSN {
			return fmt.Errorf("%w: page image outside of a checkpoint", ErrCorrupt)
		}
		ref, data, err := decodeImage(f.body)
		if err != nil {
			return err
		}
		s.batch = append(s.batch, storage.Block{Ref: ref, Data: data})
	case TypeCheckpointEnd:
		if !s.inBatch || f.lsn != s.batchLSN || len(f.body) < 4 {
			return fmt.Errorf("%w: unmatched checkpoint end", ErrCorrupt)
		}
		if int(binary.LittleEndian.Uint32(f.body[0:4])) != len(s.batch) {
			return fmt.Errorf("%w: checkpoint %d misses images", ErrCorrupt, f.lsn)
		}
		s.res.Images = s.batch
		s.res.CheckpointLSN = s.batchLSN
		s.res.HasCheckpoint = true
		s.inBatch = false
		s.batch = nil
	default:
		return fmt.Errorf("%w: unknown frame type %d", ErrCorrupt, f.typ)
	}
	return nil
}

// readFrame returns io.EOF only at a clean frame boundary
func readFrame(r io.Reader) (frame, int, error) {
	var head [frameHeader]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return frame{}, 0, io.EOF
		}
		return frame{}, 0, fmt.Errorf("%w: torn frame header", ErrCorrupt)
	}
	sum := binary.LittleEndian.Uint32(head[0:4])
	length := binary.LittleEndian.Uint32(head[4:8])
	if length < payloadHeader || length > maxFrameLength {
		if sum == 0 && length == 0 {
			// zero filled tail, e.g. preallocated space
			return frame{}, 0, fmt.Errorf("%w: zero frame", ErrCorrupt)
		}
		return frame{}, 0, fmt.Errorf("%w: frame length %d", ErrCorrupt, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, 0, fmt.Errorf("%w: torn frame payload", ErrCorrupt)
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return frame{}, 0, fmt.Errorf("%w: frame checksum mismatch", ErrCorrupt)
	}
	f, err := decodePayload(payload)
	return f, frameHeader + int(length), err
}
