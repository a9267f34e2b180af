package serializer

// ISerializer converts values of type T to and from byte sequences.
// The tree stores whatever Serialize returns and hands the same bytes back to
// Deserialize, implementations do not need to preserve ordering.
type ISerializer[T any] interface {
	// Serialize encodes v into a newly allocated byte slice.
	// It returns the encoded bytes and an error if any
	Serialize(v T) ([]byte, error)
	// Deserialize decodes b into a value of type T.
	// Implementations must not retain b after returning.
	Deserialize(b []byte) (T, error)
}
