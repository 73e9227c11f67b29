// Package cellstore implements CellStore: the immutable, on-disk sorted
// file that holds cells for one row interval within one access group
// (spec.md §4.1). A CellStore is written once by Writer (create/add/
// finalize) and thereafter opened read-only, any number of times, by
// Reader.
//
// File layout (spec.md §6):
//
//	[ data block | data block | ... | variable index block
//	  | fixed index block | optional bloom filter bytes | trailer (512B) ]
//
// Grounded on internal/table/builder.go (block sealing, index buffering,
// async-append accounting) and internal/table/reader.go (trailer read,
// index decode, lazy block decompression) from the teacher repo.
package cellstore

import (
	"github.com/elq/hypertable/internal/bloom"
	"github.com/elq/hypertable/internal/codec"
)

// Options configures a new CellStore file.
type Options struct {
	// BlockSize is the target uncompressed size of a sealed data block.
	BlockSize int
	// Compression is the codec applied to every block.
	Compression codec.Type
	// BloomMode selects the Bloom filter's key shape, or Disabled.
	BloomMode bloom.Mode
	// Revision is recorded in the trailer: the maximum cell revision
	// written to this store.
	Revision uint64
}

// DefaultBlockSize matches the teacher's default data block target size.
const DefaultBlockSize = 64 * 1024

// DefaultOptions returns sane defaults: 64KiB blocks, Snappy compression,
// ROWS Bloom filter.
func DefaultOptions() Options {
	return Options{
		BlockSize:   DefaultBlockSize,
		Compression: codec.Snappy,
		BloomMode:   bloom.Rows,
	}
}

// IndexEntry is one (first key of block) -> (offset, length) mapping, the
// in-memory form of spec.md §4.1's "sorted mapping from SerializedKey to
// (offset, length)" — on disk this is split into a fixed (offsets-only)
// block and a variable (key+offset) block for storage economy, but once
// loaded we keep a single consolidated slice.
type IndexEntry struct {
	FirstKey []byte
	Offset   int64
	Length   int64
}
