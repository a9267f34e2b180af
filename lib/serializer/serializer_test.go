package serializer

import (
	"bytes"
	"reflect"
	"testing"
)

// testRecord is a struct value as it would be stored by an application
type testRecord struct {
	ID    string
	Seq   int64
	Tags  []string
	Bytes []byte
}

// testRecordSerializers is a map of serializer name to factory function
var testRecordSerializers = map[string]func() ISerializer[testRecord]{
	"JSON": NewJSONSerializer[testRecord],
	"GOB":  NewGOBSerializer[testRecord],
}

// TestRecordRoundTrip tests that struct values survive serialization
func TestRecordRoundTrip(t *testing.T) {
	record := testRecord{
		ID:    "2f1c5f8e",
		Seq:   42,
		Tags:  []string{"a", "b"},
		Bytes: []byte{0, 1, 2, 255},
	}

	for name, factory := range testRecordSerializers {
		t.Run(name, func(t *testing.T) {
			s := factory()

			data, err := s.Serialize(record)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			result, err := s.Deserialize(data)
			if err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}

			if !reflect.DeepEqual(record, result) {
				t.Errorf("Record doesn't match after round trip:\nOriginal: %+v\nResult: %+v", record, result)
			}
		})
	}
}

// TestBytesSerializerCopies verifies that neither direction aliases the input
func TestBytesSerializerCopies(t *testing.T) {
	s := NewBytesSerializer()

	in := []byte("value")
	data, _ := s.Serialize(in)
	in[0] = 'X'
	if !bytes.Equal(data, []byte("value")) {
		t.Errorf("Serialize aliased its input: %q", data)
	}

	out, _ := s.Deserialize(data)
	data[0] = 'Y'
	if !bytes.Equal(out, []byte("value")) {
		t.Errorf("Deserialize aliased its input: %q", out)
	}
}

// TestFixedWidthSerializers checks the encoded width and the length validation
func TestFixedWidthSerializers(t *testing.T) {
	i64 := NewInt64Serializer()
	data, _ := i64.Serialize(-7)
	if len(data) != 8 {
		t.Errorf("Expected 8 bytes for int64, got %d", len(data))
	}
	if v, err := i64.Deserialize(data); err != nil || v != -7 {
		t.Errorf("Expected -7, got %d (err: %v)", v, err)
	}
	if _, err := i64.Deserialize(data[:7]); err == nil {
		t.Error("Expected error for truncated int64")
	}

	i32 := NewInt32Serializer()
	data, _ = i32.Serialize(1 << 30)
	if len(data) != 4 {
		t.Errorf("Expected 4 bytes for int32, got %d", len(data))
	}
	if _, err := i32.Deserialize([]byte{1, 2, 3, 4, 5}); err == nil {
		t.Error("Expected error for oversized int32")
	}

	u64 := NewUint64Serializer()
	data, _ = u64.Serialize(^uint64(0))
	if v, err := u64.Deserialize(data); err != nil || v != ^uint64(0) {
		t.Errorf("Expected max uint64, got %d (err: %v)", v, err)
	}
}

// TestStringSerializerEmpty checks that the empty string is a valid key
func TestStringSerializerEmpty(t *testing.T) {
	s := NewStringSerializer()
	data, err := s.Serialize("")
	if err != nil {
		t.Fatalf("Failed to serialize empty string: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("Expected no bytes, got %d", len(data))
	}
	v, err := s.Deserialize(data)
	if err != nil || v != "" {
		t.Errorf("Expected empty string, got %q (err: %v)", v, err)
	}
}
