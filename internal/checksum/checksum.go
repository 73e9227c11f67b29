// Package checksum provides the block-checksum and hash primitives used
// across the storage engine: CellStore block integrity, and the hash
// function behind the Bloom filter in internal/bloom.
//
// Checksums are XXH3-64, computed with github.com/zeebo/xxh3.
package checksum

import "github.com/zeebo/xxh3"

// Type identifies a checksum algorithm. The CellStore trailer does not
// record a checksum type; block.Open always verifies with TypeXXH3.
type Type uint8

const (
	// TypeNone disables checksum verification.
	TypeNone Type = 0
	// TypeXXH3 is the default and only implemented checksum.
	TypeXXH3 Type = 1
)

// Value returns the XXH3-64 checksum of data.
func Value(data []byte) uint64 {
	return xxh3.Hash(data)
}

// Verify returns true if data's checksum matches want under the given type.
// TypeNone always verifies.
func Verify(t Type, data []byte, want uint64) bool {
	switch t {
	case TypeNone:
		return true
	case TypeXXH3:
		return Value(data) == want
	default:
		return false
	}
}

// Hash64 is the keyed hash used to derive independent probe positions for
// the Bloom filter (see internal/bloom). Using a seed lets the filter draw
// several uncorrelated hash values from one key without re-hashing it from
// scratch per probe.
func Hash64(data []byte, seed uint64) uint64 {
	return xxh3.HashSeed(data, seed)
}
