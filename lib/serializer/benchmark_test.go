package serializer

import (
	"testing"
)

// BenchmarkSerializers compares the struct serializers on a typical record
func BenchmarkSerializers(b *testing.B) {
	record := testRecord{
		ID:    "7b3c0a4e-9d11-4a4e-8f5b-2c0c6f1d3e21",
		Seq:   1234567,
		Tags:  []string{"alpha", "beta", "gamma"},
		Bytes: make([]byte, 256),
	}

	for name, factory := range testRecordSerializers {
		s := factory()

		b.Run(name+"/Serialize", func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := s.Serialize(record); err != nil {
					b.Fatal(err)
				}
			}
		})

		data, err := s.Serialize(record)
		if err != nil {
			b.Fatal(err)
		}
		b.SetBytes(int64(len(data)))

		b.Run(name+"/Deserialize", func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := s.Deserialize(data); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
