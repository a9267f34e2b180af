package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordKind tags the content of the first block of a record
type RecordKind uint8

const (
	KindFree         RecordKind = 0 // never written
	KindMeta         RecordKind = 1
	KindLeaf         RecordKind = 2
	KindInternal     RecordKind = 3
	KindContinuation RecordKind = 4
)

func (k RecordKind) String() string {
	switch k {
	case KindFree:
		return "free"
	case KindMeta:
		return "meta"
	case KindLeaf:
		return "leaf"
	case KindInternal:
		return "internal"
	case KindContinuation:
		return "continuation"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Block header layout (little endian):
//
//	[0:4]   crc32 of bytes [4 : RecordHeaderSize+fragment length]
//	[4]     kind
//	[5:8]   reserved
//	[8:16]  next block of the chain (NoBlock = last)
//	[16:20] fragment length in this block
//	[20:24] total payload length (first block) or fragment index (continuation)
//	[24:32] block the image was encoded for
const RecordHeaderSize = 32

// Capacity returns the payload bytes that fit into a single block
func Capacity(blockSize int) int {
	return blockSize - RecordHeaderSize
}

// EncodeRecord splits payload into block images. chain holds the blocks the
// record occupied before (chain[0] is its identity and must be set). Missing
// blocks are taken from alloc, surplus blocks are handed to free. It returns
// the block images and the new chain.
func EncodeRecord(blockSize int, kind RecordKind, payload []byte, chain []BlockRef,
	alloc func() (BlockRef, error), free func(BlockRef)) ([]Block, []BlockRef, error) {

	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("record without first block")
	}
	capacity := Capacity(blockSize)
	if capacity <= 0 {
		return nil, nil, fmt.Errorf("block size %d too small for record header", blockSize)
	}

	needed := (len(payload) + capacity - 1) / capacity
	if needed == 0 {
		needed = 1
	}

	newChain := make([]BlockRef, 0, needed)
	newChain = append(newChain, chain[:min(len(chain), needed)]...)
	for len(newChain) < needed {
		ref, err := alloc()
		if err != nil {
			// give back what was taken for this record
			for _, r := range newChain[min(len(chain), needed):] {
				free(r)
			}
			return nil, nil, err
		}
		newChain = append(newChain, ref)
	}
	for _, ref := range chain[min(len(chain), needed):] {
		free(ref)
	}

	blocks := make([]Block, needed)
	for i := 0; i < needed; i++ {
		start := i * capacity
		end := min(start+capacity, len(payload))
		fragment := payload[start:end]

		buf := make([]byte, RecordHeaderSize+len(fragment))
		if i == 0 {
			buf[4] = byte(kind)
			binary.LittleEndian.PutUint32(buf[20:24], uint32(len(payload)))
		} else {
			buf[4] = byte(KindContinuation)
			binary.LittleEndian.PutUint32(buf[20:24], uint32(i))
		}
		next := NoBlock
		if i+1 < needed {
			next = newChain[i+1]
		}
		binary.LittleEndian.PutUint64(buf[8:16], next)
		binary.LittleEndian.PutUint32(buf[16:20], uint32(len(fragment)))
		binary.LittleEndian.PutUint64(buf[24:32], newChain[i])
		copy(buf[RecordHeaderSize:], fragment)
		binary.LittleEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(buf[4:]))

		blocks[i] = Block{Ref: newChain[i], Data: buf}
	}

	return blocks, newChain, nil
}

// DecodeRecord reads the record starting at first. Any validation failure is
// reported as ErrCorrupt.
func DecodeRecord(read func(BlockRef) ([]byte, error), blockSize int, first BlockRef) (RecordKind, []byte, []BlockRef, error) {
	data, err := read(first)
	if err != nil {
		return KindFree, nil, nil, err
	}
	kind, next, fragment, total, err := parseBlock(data, blockSize, first)
	if err != nil {
		return KindFree, nil, nil, err
	}
	if kind == KindFree || kind == KindContinuation {
		return kind, nil, nil, fmt.Errorf("%w: block %d holds %s, not a record start", ErrCorrupt, first, kind)
	}

	capacity := Capacity(blockSize)
	maxBlocks := int(total)/capacity + 1
	payload := make([]byte, 0, min(int(total), 1<<20))
	payload = append(payload, fragment...)
	chain := []BlockRef{first}

	for index := uint32(1); next != NoBlock; index++ {
		if len(chain) >= maxBlocks {
			return kind, nil, nil, fmt.Errorf("%w: record at block %d has a chain longer than its length", ErrCorrupt, first)
		}
		ref := next
		data, err = read(ref)
		if err != nil {
			return kind, nil, nil, err
		}
		var k RecordKind
		var idx uint32
		k, next, fragment, idx, err = parseBlock(data, blockSize, ref)
		if err != nil {
			return kind, nil, nil, err
		}
		if k != KindContinuation || idx != index {
			return kind, nil, nil, fmt.Errorf("%w: block %d is not continuation %d of block %d", ErrCorrupt, ref, index, first)
		}
		payload = append(payload, fragment...)
		chain = append(chain, ref)
	}

	if uint32(len(payload)) != total {
		return kind, nil, nil, fmt.Errorf("%w: record at block %d has %d of %d bytes", ErrCorrupt, first, len(payload), total)
	}
	return kind, payload, chain, nil
}

// PeekKind returns the kind of block ref if its header is valid
func PeekKind(data []byte, blockSize int, ref BlockRef) (RecordKind, bool) {
	kind, _, _, _, err := parseBlock(data, blockSize, ref)
	return kind, err == nil
}

// parseBlock validates a single block. For a block that was never written
// (all zero header) it returns KindFree without error.
func parseBlock(data []byte, blockSize int, ref BlockRef) (kind RecordKind, next BlockRef, fragment []byte, extra uint32, err error) {
	if len(data) < RecordHeaderSize {
		return KindFree, NoBlock, nil, 0, fmt.Errorf("%w: block %d is truncated", ErrCorrupt, ref)
	}
	if isZero(data[:RecordHeaderSize]) {
		return KindFree, NoBlock, nil, 0, nil
	}
	length := binary.LittleEndian.Uint32(data[16:20])
	if int(length) > Capacity(blockSize) || RecordHeaderSize+int(length) > len(data) {
		return KindFree, NoBlock, nil, 0, fmt.Errorf("%w: block %d fragment length %d", ErrCorrupt, ref, length)
	}
	sum := binary.LittleEndian.Uint32(data[0:4])
	if crc32.ChecksumIEEE(data[4:RecordHeaderSize+int(length)]) != sum {
		return KindFree, NoBlock, nil, 0, fmt.Errorf("%w: block %d checksum mismatch", ErrCorrupt, ref)
	}
	if owner := binary.LittleEndian.Uint64(data[24:32]); owner != ref {
		return KindFree, NoBlock, nil, 0, fmt.Errorf("%w: block %d holds the image of block %d", ErrCorrupt, ref, owner)
	}
	kind = RecordKind(data[4])
	next = binary.LittleEndian.Uint64(data[8:16])
	extra = binary.LittleEndian.Uint32(data[20:24])
	fragment = data[RecordHeaderSize : RecordHeaderSize+int(length)]
	return kind, next, fragment, extra, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
