package bptree

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/bKV/lib/storage"
	"github.com/google/uuid"
)

const (
	metaMagic   = "BPKVDATA"
	metaVersion = 1
	// magic, version, block size, orders, uuid, root, height, count,
	// checkpoint lsn, next block, generation, free count
	metaFixedSize = 8 + 2 + 4 + 2 + 2 + 16 + 8 + 4 + 8 + 8 + 8 + 8 + 4
)

// meta is the content of the meta record starting at block 0
type meta struct {
	BlockSize     int
	LeafOrder     int
	InternalOrder int
	FileID        uuid.UUID
	Root          storage.BlockRef
	Height        int
	Count         int64
	CheckpointLSN uint64
	NextBlock     storage.BlockRef
	Generation    uint64
	Free          []storage.BlockRef
}

// encode serializes m padded with zeros to at least size bytes
func (m *meta) encode(size int) []byte {
	n := metaFixedSize + 8*len(m.Free)
	buf := make([]byte, max(n, size))

	copy(buf[0:8], metaMagic)
	binary.LittleEndian.PutUint16(buf[8:10], metaVersion)
	binary.LittleEndian.PutUint32(buf[10:14], uint32(m.BlockSize))
	binary.LittleEndian.PutUint16(buf[14:16], uint16(m.LeafOrder))
	binary.LittleEndian.PutUint16(buf[16:18], uint16(m.InternalOrder))
	copy(buf[18:34], m.FileID[:])
	binary.LittleEndian.PutUint64(buf[34:42], m.Root)
	binary.LittleEndian.PutUint32(buf[42:46], uint32(m.Height))
	binary.LittleEndian.PutUint64(buf[46:54], uint64(m.Count))
	binary.LittleEndian.PutUint64(buf[54:62], m.CheckpointLSN)
	binary.LittleEndian.PutUint64(buf[62:70], m.NextBlock)
	binary.LittleEndian.PutUint64(buf[70:78], m.Generation)
	binary.LittleEndian.PutUint32(buf[78:82], uint32(len(m.Free)))
	off := metaFixedSize
	for _, ref := range m.Free {
		binary.LittleEndian.PutUint64(buf[off:off+8], ref)
		off += 8
	}
	return buf
}

func decodeMeta(payload []byte) (*meta, error) {
	if len(payload) < metaFixedSize || string(payload[0:8]) != metaMagic {
		return nil, fmt.Errorf("%w: meta record has no valid header", storage.ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(payload[8:10]); v != metaVersion {
		return nil, fmt.Errorf("%w: unsupported file version %d", storage.ErrCorrupt, v)
	}

	m := &meta{
		BlockSize:     int(binary.LittleEndian.Uint32(payload[10:14])),
		LeafOrder:     int(binary.LittleEndian.Uint16(payload[14:16])),
		InternalOrder: int(binary.LittleEndian.Uint16(payload[16:18])),
		Root:          binary.LittleEndian.Uint64(payload[34:42]),
		Height:        int(binary.LittleEndian.Uint32(payload[42:46])),
		Count:         int64(binary.LittleEndian.Uint64(payload[46:54])),
		CheckpointLSN: binary.LittleEndian.Uint64(payload[54:62]),
		NextBlock:     binary.LittleEndian.Uint64(payload[62:70]),
		Generation:    binary.LittleEndian.Uint64(payload[70:78]),
	}
	copy(m.FileID[:], payload[18:34])

	free := int(binary.LittleEndian.Uint32(payload[78:82]))
	if metaFixedSize+8*free > len(payload) {
		return nil, fmt.Errorf("%w: meta record lists %d free blocks in %d bytes", storage.ErrCorrupt, free, len(payload))
	}
	m.Free = make([]storage.BlockRef, free)
	off := metaFixedSize
	for i := range m.Free {
		m.Free[i] = binary.LittleEndian.Uint64(payload[off : off+8])
		off += 8
	}

	if m.LeafOrder < 3 || m.InternalOrder < 3 {
		return nil, fmt.Errorf("%w: meta record has order %d/%d", storage.ErrCorrupt, m.LeafOrder, m.InternalOrder)
	}
	if m.Root == storage.NoBlock || m.Height < 1 || m.Root >= m.NextBlock {
		return nil, fmt.Errorf("%w: meta record has root %d, height %d, next block %d", storage.ErrCorrupt, m.Root, m.Height, m.NextBlock)
	}
	return m, nil
}

// readMeta reads the meta record of store and returns it with its chain
func readMeta(store storage.IBlockStore) (*meta, []storage.BlockRef, error) {
	kind, payload, chain, err := storage.DecodeRecord(store.Read, store.BlockSize(), storage.MetaBlock)
	if err != nil {
		return nil, nil, err
	}
	if kind != storage.KindMeta {
		return nil, nil, fmt.Errorf("%w: block 0 holds %s, not meta", storage.ErrCorrupt, kind)
	}
	m, err := decodeMeta(payload)
	if err != nil {
		return nil, nil, err
	}
	return m, chain, nil
}
