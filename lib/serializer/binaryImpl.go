package serializer

import (
	"encoding/binary"
	"fmt"
)

// --------------------------------------------------------------------------
// Constructors
// --------------------------------------------------------------------------

// NewStringSerializer stores strings as their raw UTF-8 bytes
func NewStringSerializer() ISerializer[string] {
	return stringSerializerImpl{}
}

// NewBytesSerializer stores byte slices verbatim. Both directions copy, so the
// caller may reuse its buffers.
func NewBytesSerializer() ISerializer[[]byte] {
	return bytesSerializerImpl{}
}

// NewInt64Serializer encodes int64 values as 8 big endian bytes
func NewInt64Serializer() ISerializer[int64] {
	return int64SerializerImpl{}
}

// NewInt32Serializer encodes int32 values as 4 big endian bytes
func NewInt32Serializer() ISerializer[int32] {
	return int32SerializerImpl{}
}

// NewUint64Serializer encodes uint64 values as 8 big endian bytes
func NewUint64Serializer() ISerializer[uint64] {
	return uint64SerializerImpl{}
}

// --------------------------------------------------------------------------
// Implementations (docu see serializer.ISerializer)
// --------------------------------------------------------------------------

type stringSerializerImpl struct{}

func (stringSerializerImpl) Serialize(v string) ([]byte, error) {
	return []byte(v), nil
}

func (stringSerializerImpl) Deserialize(b []byte) (string, error) {
	return string(b), nil
}

type bytesSerializerImpl struct{}

func (bytesSerializerImpl) Serialize(v []byte) ([]byte, error) {
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (bytesSerializerImpl) Deserialize(b []byte) ([]byte, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

type int64SerializerImpl struct{}

func (int64SerializerImpl) Serialize(v int64) ([]byte, error) {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(v))
	return out, nil
}

func (int64SerializerImpl) Deserialize(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("int64 needs 8 bytes, got %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

type int32SerializerImpl struct{}

func (int32SerializerImpl) Serialize(v int32) ([]byte, error) {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(v))
	return out, nil
}

func (int32SerializerImpl) Deserialize(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("int32 needs 4 bytes, got %d", len(b))
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

type uint64SerializerImpl struct{}

func (uint64SerializerImpl) Serialize(v uint64) ([]byte, error) {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out, nil
}

func (uint64SerializerImpl) Deserialize(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("uint64 needs 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
