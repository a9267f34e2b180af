// Package serializer provides the key and value serialization capability
// consumed by the B+Tree engine. The tree keeps decoded keys for comparisons
// and the encoded form for storage, every byte sequence written to a block or
// to the write-ahead log comes from one of these serializers.
//
// Key Components:
//
//   - ISerializer[T]: Core interface that all serializer implementations must satisfy.
//
//   - Binary primitives: string, []byte, int32, int64 and uint64 serializers with
//     a fixed, minimal encoding. These are the recommended choice for keys since
//     their size is exact and makes the order sizing helper precise.
//
//   - jsonSerializerImpl: JSON encoding for arbitrary structs. Useful for
//     debugging since stored values stay human-readable.
//
//   - gobSerializerImpl: Go's gob encoding. Every encoded value carries its type
//     description, so payloads are considerably larger than JSON for small
//     structs.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	keys := serializer.NewStringSerializer()
//	values := serializer.NewJSONSerializer[Record]()
//	data, err := values.Serialize(record)
//	// ... store data ...
//	record, err = values.Deserialize(data)
package serializer
