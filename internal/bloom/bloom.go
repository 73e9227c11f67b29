// Package bloom implements the CellStore Bloom filter described in
// spec.md §4.1: a per-file filter with four modes (DISABLED, ROWS,
// ROWS_COLS, ROWS_COLS_APPROX) that CellStore.MayContain consults before
// scanning a file.
//
// Grounded on internal/filter/bloom.go's cache-line-local probe layout,
// rehomed onto internal/checksum's XXH3 (github.com/zeebo/xxh3) hash
// instead of a hand-rolled one.
package bloom

import (
	"fmt"

	"github.com/elq/hypertable/internal/checksum"
)

// Mode controls what a Bloom filter key is built from.
type Mode uint8

const (
	// Disabled means no Bloom filter is built for the store.
	Disabled Mode = 0
	// Rows keys the filter by row alone.
	Rows Mode = 1
	// RowsCols keys the filter by (row, column_family, qualifier).
	RowsCols Mode = 2
	// RowsColsApprox is recorded as a distinct mode but is keyed and
	// sized exactly like RowsCols (defaultBitsPerKey); no smaller filter
	// is built for it.
	RowsColsApprox Mode = 3
)

func (m Mode) String() string {
	switch m {
	case Disabled:
		return "DISABLED"
	case Rows:
		return "ROWS"
	case RowsCols:
		return "ROWS_COLS"
	case RowsColsApprox:
		return "ROWS_COLS_APPROX"
	default:
		return fmt.Sprintf("Mode(%d)", m)
	}
}

const bitsPerByte = 8

// defaultBitsPerKey controls the filter's false-positive rate; 10 bits
// per key gives roughly 1%.
const defaultBitsPerKey = 10

// numProbes returns the number of hash probes per key for a filter with
// the given bits-per-key, following the standard ln(2)*bitsPerKey rule,
// clamped to a sane range.
func numProbes(bitsPerKey int) int {
	n := int(float64(bitsPerKey) * 0.69)
	if n < 1 {
		n = 1
	}
	if n > 30 {
		n = 30
	}
	return n
}

// Builder accumulates keys and produces the on-disk filter bytes.
type Builder struct {
	mode       Mode
	bitsPerKey int
	hashes     []uint64
}

// NewBuilder returns a Builder for the given mode. A Disabled builder
// accepts Add calls (ignored) and Finish returns nil.
func NewBuilder(mode Mode) *Builder {
	return &Builder{mode: mode, bitsPerKey: defaultBitsPerKey}
}

// Mode returns the builder's configured mode.
func (b *Builder) Mode() Mode { return b.mode }

// NumProbes returns the number of hash probes Finish will use per key,
// for callers that want to record it (e.g. in a CellStore trailer).
func (b *Builder) NumProbes() int { return numProbes(b.bitsPerKey) }

// Add offers a key to the filter. Callers pass the row alone for Rows
// mode, or row+cf+qualifier concatenated for RowsCols/RowsColsApprox;
// CellStore.Add decides which bytes to pass based on b.Mode().
func (b *Builder) Add(key []byte) {
	if b.mode == Disabled {
		return
	}
	b.hashes = append(b.hashes, checksum.Value(key))
}

// Finish builds the filter bytes. Format (cache-line-local probing):
//
//	data[0 : len-5]  bit array, in 64-byte (cache-line) chunks
//	data[len-5]      num probes
//	data[len-4]      bits-per-key (informational)
//	data[len-3..len-1] reserved
func (b *Builder) Finish() []byte {
	if b.mode == Disabled || len(b.hashes) == 0 {
		return nil
	}
	probes := numProbes(b.bitsPerKey)
	numBits := len(b.hashes) * b.bitsPerKey
	numLines := (numBits + 511) / 512 // 512 bits = 64-byte cache line
	if numLines == 0 {
		numLines = 1
	}
	data := make([]byte, numLines*64+5)
	for _, h := range b.hashes {
		line := (h % uint64(numLines)) * 64
		for i := 0; i < probes; i++ {
			bitInLine := checksum.Hash64(nil, h+uint64(i)*0x9E3779B97F4A7C15) % 512
			byteIdx := line + bitInLine/8
			data[byteIdx] |= 1 << (bitInLine % 8)
		}
	}
	data[len(data)-5] = byte(probes)
	data[len(data)-4] = byte(b.bitsPerKey)
	return data
}

// Filter is a read-only, queryable Bloom filter loaded from disk.
type Filter struct {
	mode     Mode
	data     []byte
	numLines int
	probes   int
}

// Load wraps previously-built filter bytes for querying.
func Load(mode Mode, data []byte) (*Filter, error) {
	if mode == Disabled || len(data) == 0 {
		return &Filter{mode: Disabled}, nil
	}
	if len(data) < 5 {
		return nil, fmt.Errorf("bloom: truncated filter (%d bytes)", len(data))
	}
	probes := int(data[len(data)-5])
	bits := data[:len(data)-5]
	numLines := len(bits) / 64
	if numLines == 0 {
		return nil, fmt.Errorf("bloom: empty filter bit array")
	}
	return &Filter{mode: mode, data: bits, numLines: numLines, probes: probes}, nil
}

// Mode returns the filter's mode.
func (f *Filter) Mode() Mode { return f.mode }

// MayContain returns false only if key is definitely absent. A true
// result means "maybe present" (subject to the filter's false-positive
// rate). Safe for concurrent use: Filter is read-only after Load.
func (f *Filter) MayContain(key []byte) bool {
	if f.mode == Disabled {
		return true
	}
	h := checksum.Value(key)
	line := int(h%uint64(f.numLines)) * 64
	for i := 0; i < f.probes; i++ {
		bitInLine := checksum.Hash64(nil, h+uint64(i)*0x9E3779B97F4A7C15) % 512
		byteIdx := line + int(bitInLine)/8
		if f.data[byteIdx]&(1<<(bitInLine%8)) == 0 {
			return false
		}
	}
	return true
}
