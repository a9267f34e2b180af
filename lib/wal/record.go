package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

// ErrCorrupt is returned for a malformed header or frame
var ErrCorrupt = errors.New("wal: corrupt log")

// ErrClosed is returned by operations on a closed log
var ErrClosed = errors.New("wal: log closed")

// RecordType tags a frame
type RecordType uint8

const (
	TypeBegin RecordType = iota + 1
	TypePut
	TypeDelete
	TypeCommit
	TypeAbort
	TypeCheckpointBegin
	TypePageImage
	TypeCheckpointEnd
)

func (t RecordType) String() string {
	switch t {
	case TypeBegin:
		return "begin"
	case TypePut:
		return "put"
	case TypeDelete:
		return "delete"
	case TypeCommit:
		return "commit"
	case TypeAbort:
		return "abort"
	case TypeCheckpointBegin:
		return "checkpoint-begin"
	case TypePageImage:
		return "page-image"
	case TypeCheckpointEnd:
		return "checkpoint-end"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// OpKind is the logical operation of a transaction
type OpKind uint8

const (
	OpPut    = OpKind(TypePut)
	OpDelete = OpKind(TypeDelete)
)

// Op is one logical mutation, key and value in serialized form
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte // nil for OpDelete
}

// SyncMode controls when appended frames reach the file
type SyncMode int

const (
	// Buffered keeps frames in memory until a checkpoint, Sync or Close
	Buffered SyncMode = iota
	// WriteThrough hands frames to the OS at every commit
	WriteThrough
	// Sync additionally fsyncs at every commit
	Sync
)

func (m SyncMode) String() string {
	switch m {
	case Buffered:
		return "buffered"
	case WriteThrough:
		return "write-through"
	case Sync:
		return "sync"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// ParseSyncMode parses the names returned by SyncMode.String
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(s) {
	case "buffered":
		return Buffered, nil
	case "write-through", "writethrough":
		return WriteThrough, nil
	case "sync":
		return Sync, nil
	default:
		return WriteThrough, fmt.Errorf("invalid durability mode: %s. must be one of buffered, write-through, sync", s)
	}
}

// --------------------------------------------------------------------------
// Layout
// --------------------------------------------------------------------------

// Header layout (little endian):
//
//	[0:8]   magic
//	[8:12]  version
//	[12:16] reserved
//	[16:32] file id
//	[32:40] base lsn
const (
	headerSize     = 40
	formatVersion  = 1
	frameHeader    = 8  // crc32 + payload length
	payloadHeader  = 17 // type + lsn + tx
	maxFrameLength = 1 << 30
)

var magic = [8]byte{'B', 'P', 'K', 'V', 'W', 'A', 'L', 0}

// frame is a decoded log frame
type frame struct {
	typ  RecordType
	lsn  uint64
	tx   uint64
	body []byte
}

// encodeFrame builds crc | len | type | lsn | tx | body
func encodeFrame(typ RecordType, lsn, tx uint64, body []byte) []byte {
	buf := make([]byte, frameHeader+payloadHeader+len(body))
	payload := buf[frameHeader:]
	payload[0] = byte(typ)
	binary.LittleEndian.PutUint64(payload[1:9], lsn)
	binary.LittleEndian.PutUint64(payload[9:17], tx)
	copy(payload[payloadHeader:], body)

	binary.LittleEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	return buf
}

func decodePayload(payload []byte) (frame, error) {
	if len(payload) < payloadHeader {
		return frame{}, fmt.Errorf("%w: payload of %d bytes", ErrCorrupt, len(payload))
	}
	return frame{
		typ:  RecordType(payload[0]),
		lsn:  binary.LittleEndian.Uint64(payload[1:9]),
		tx:   binary.LittleEndian.Uint64(payload[9:17]),
		body: payload[payloadHeader:],
	}, nil
}

func encodeOp(op Op) []byte {
	size := 4 + len(op.Key)
	if op.Kind == OpPut {
		size += 4 + len(op.Value)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(op.Key)))
	copy(buf[4:], op.Key)
	if op.Kind == OpPut {
		off := 4 + len(op.Key)
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(op.Value)))
		copy(buf[off+4:], op.Value)
	}
	return buf
}

func decodeOp(kind OpKind, body []byte) (Op, error) {
	key, rest, ok := readBytes(body)
	if !ok {
		return Op{}, fmt.Errorf("%w: truncated %s key", ErrCorrupt, RecordType(kind))
	}
	op := Op{Kind: kind, Key: key}
	if kind == OpPut {
		value, _, ok := readBytes(rest)
		if !ok {
			return Op{}, fmt.Errorf("%w: truncated put value", ErrCorrupt)
		}
		op.Value = value
	}
	return op, nil
}

// readBytes reads a u32 length prefixed slice, the result is a copy
func readBytes(b []byte) (out, rest []byte, ok bool) {
	if len(b) < 4 {
		return nil, nil, false
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	if uint64(n) > uint64(len(b)-4) {
		return nil, nil, false
	}
	out = make([]byte, n)
	copy(out, b[4:4+n])
	return out, b[4+n:], true
}

func encodeImage(ref uint64, data []byte) []byte {
	buf := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint64(buf[0:8], ref)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(data)))
	copy(buf[12:], data)
	return buf
}

func decodeImage(body []byte) (uint64, []byte, error) {
	if len(body) < 12 {
		return 0, nil, fmt.Errorf("%w: truncated page image", ErrCorrupt)
	}
	ref := binary.LittleEndian.Uint64(body[0:8])
	data, _, ok := readBytes(body[8:])
	if !ok {
		return 0, nil, fmt.Errorf("%w: truncated page image of block %d", ErrCorrupt, ref)
	}
	return ref, data, nil
}
