// Package commitlog implements CommitLog and CommitLogReader: the
// append-only, crash-safe log backing durability of writes, and the
// per-range transfer log used during split (spec.md §4.6).
//
// Logical records (a table identifier plus a packed batch of (Key, value)
// pairs) are framed as one or more physical records within fixed-size
// blocks, fragmented across block boundaries exactly as a classic LSM
// write-ahead log does. Grounded on internal/wal/format.go +
// internal/wal/writer.go + internal/wal/reader.go, generalized in two
// ways: the logical payload is a TableIdentifier + packed cells instead
// of a WriteBatch, and the physical-record checksum is XXH3-64 (via
// internal/checksum, already used by CellStore blocks) in place of the
// teacher's masked CRC32C, trading the 4-byte legacy CRC field for an
// 8-byte checksum field. The teacher's "recyclable" record types exist to let
// RocksDB reuse preallocated log file slots across log rotations; this
// engine always creates a fresh DFS file per log (spec.md's DFS model has
// no preallocation concept), so recyclable framing is dropped — see
// DESIGN.md.
package commitlog

// BlockSize is the size of each physical block a log is divided into.
const BlockSize = 32768

// HeaderSize is checksum(8) + length(2) + type(1).
const HeaderSize = 11

// MaxRecordPayload is the largest payload a single physical record can
// carry within one block.
const MaxRecordPayload = BlockSize - HeaderSize

// RecordType identifies a physical record's role in reassembling a
// logical record that may span multiple blocks.
type RecordType uint8

const (
	// zeroType marks preallocated/padding bytes; never a real record.
	zeroType RecordType = 0
	// FullType is a complete logical record in a single physical record.
	FullType RecordType = 1
	// FirstType begins a logical record that continues into later blocks.
	FirstType RecordType = 2
	// MiddleType continues a logical record begun by FirstType.
	MiddleType RecordType = 3
	// LastType ends a logical record begun by FirstType.
	LastType RecordType = 4
)

func (t RecordType) String() string {
	switch t {
	case zeroType:
		return "zero"
	case FullType:
		return "full"
	case FirstType:
		return "first"
	case MiddleType:
		return "middle"
	case LastType:
		return "last"
	default:
		return "unknown"
	}
}
