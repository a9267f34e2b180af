package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// --------------------------------------------------------------------------
// General Utility Functions
// --------------------------------------------------------------------------

// GenerateSeed returns a random seed for hashing, falling back to the clock
// if the system random source fails
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// HashBytes hashes b with FNV-1a, the seed is mixed into the offset basis.
// Equal input and seed always give the same hash.
func HashBytes(b []byte, seed uint64) uint64 {
	hash := uint64(fnvOffset64) ^ seed
	for _, c := range b {
		hash ^= uint64(c)
		hash *= fnvPrime64
	}
	// fold the high bits down, stripes are selected by the low bits
	return hash ^ (hash >> 32)
}
