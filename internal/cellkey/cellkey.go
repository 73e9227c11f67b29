// Package cellkey implements the sort-key tuple from which every on-disk
// and in-memory ordering in this engine derives:
//
//	(row, column_family, column_qualifier, flag, timestamp desc, revision desc)
//
// Sort order within a row/cf/qualifier group is timestamp descending (newer
// first) then revision descending (server tiebreak for same-microsecond
// writes). This mirrors the approach in a classic LSM "internal key" format
// (user key plus a descending-sorting trailer): decode both keys and
// compare field by field, rather than relying on raw byte-lexicographic
// order across the whole encoded blob (which breaks once any field is
// length-prefixed, as row and qualifier are here).
package cellkey

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/elq/hypertable/internal/varint"
)

// Flag is the cell's operation kind. Values are persisted on disk and in
// the commit log; they must not change.
//
// DeleteRow, DeleteColumnFamily, and DeleteCell sort before Insert for a
// given (row, cf, qualifier, timestamp) so that, when a delete and an
// insert race at the same timestamp, the delete is seen first by the
// merge scanner and masks the insert — ties are resolved in favor of the
// delete.
type Flag uint8

const (
	FlagDeleteRow           Flag = 0
	FlagDeleteColumnFamily  Flag = 1
	FlagDeleteCell          Flag = 2
	flagReservedMax         Flag = 2
	FlagInsert              Flag = 255
)

// String returns the flag's name.
func (f Flag) String() string {
	switch f {
	case FlagDeleteRow:
		return "DELETE_ROW"
	case FlagDeleteColumnFamily:
		return "DELETE_COLUMN_FAMILY"
	case FlagDeleteCell:
		return "DELETE_CELL"
	case FlagInsert:
		return "INSERT"
	default:
		return fmt.Sprintf("Flag(%d)", uint8(f))
	}
}

// IsDelete returns true for any of the three delete flags.
func (f Flag) IsDelete() bool { return f <= flagReservedMax }

// DeletionIndex maps a delete flag to its bookkeeping array slot, fixed by
// spec: DELETE_ROW->0, DELETE_COLUMN_FAMILY->1, DELETE_CELL->2. Panics if f
// is not a delete flag — callers must check IsDelete first.
func DeletionIndex(f Flag) int {
	if !f.IsDelete() {
		panic(fmt.Sprintf("cellkey: DeletionIndex called on non-delete flag %v", f))
	}
	return int(f)
}

// RootColumnFamily is the reserved column-family code meaning "row-level
// tombstone", i.e. paired with FlagDeleteRow.
const RootColumnFamily uint8 = 0

// Key is the decoded cell key tuple.
type Key struct {
	Row             []byte
	ColumnFamily    uint8
	ColumnQualifier []byte
	Flag            Flag
	Timestamp       int64 // microseconds since epoch
	Revision        uint64
}

// Clone returns a deep copy of k, safe to retain past the lifetime of any
// buffer k's slices may have pointed into.
func (k *Key) Clone() *Key {
	c := *k
	c.Row = append([]byte(nil), k.Row...)
	c.ColumnQualifier = append([]byte(nil), k.ColumnQualifier...)
	return &c
}

// orderPreservingDescending maps a signed descending-sort field to an
// unsigned value where ascending byte order corresponds to descending
// field order. ts is first mapped to an order-preserving unsigned
// representation (flip the sign bit), then complemented so the natural
// ascending byte order of the encoding corresponds to descending ts.
func orderPreservingDescending(ts int64) uint64 {
	ux := uint64(ts) ^ 0x8000000000000000
	return ^ux
}

func undoOrderPreservingDescending(enc uint64) int64 {
	ux := ^enc
	return int64(ux ^ 0x8000000000000000)
}

// descendingUint64 complements an already-unsigned, naturally-ascending
// field (revision) so ascending byte order corresponds to descending
// field order.
func descendingUint64(v uint64) uint64 { return ^v }

// Encode serializes k into a canonical form:
//
//	varint32(len(Row))  Row
//	ColumnFamily (1 byte)
//	varint32(len(ColumnQualifier))  ColumnQualifier
//	Flag (1 byte)
//	timestamp-descending (8 bytes BE)
//	revision-descending (8 bytes BE)
//
// The trailing 17 bytes (flag + 2x8) are fixed width and themselves
// byte-comparable in the correct (descending) order; the variable-length
// prefix is not raw-byte-comparable across differing row/qualifier lengths,
// which is why Compare decodes rather than calling bytes.Compare on the
// whole blob.
func Encode(dst []byte, k *Key) []byte {
	dst = varint.AppendVarint32(dst, uint32(len(k.Row)))
	dst = append(dst, k.Row...)
	dst = append(dst, k.ColumnFamily)
	dst = varint.AppendVarint32(dst, uint32(len(k.ColumnQualifier)))
	dst = append(dst, k.ColumnQualifier...)
	dst = append(dst, byte(k.Flag))
	var trailer [16]byte
	binary.BigEndian.PutUint64(trailer[0:8], orderPreservingDescending(k.Timestamp))
	binary.BigEndian.PutUint64(trailer[8:16], descendingUint64(k.Revision))
	return append(dst, trailer[:]...)
}

// Decode parses a Key previously produced by Encode. The returned Key's
// slices alias src.
func Decode(src []byte) (*Key, int, error) {
	rowLen, n := varint.GetVarint32(src)
	if n <= 0 || len(src) < n+int(rowLen)+1 {
		return nil, 0, fmt.Errorf("cellkey: truncated key (row)")
	}
	off := n
	row := src[off : off+int(rowLen)]
	off += int(rowLen)

	cf := src[off]
	off++

	if len(src) < off+1 {
		return nil, 0, fmt.Errorf("cellkey: truncated key (qualifier length)")
	}
	qualLen, qn := varint.GetVarint32(src[off:])
	if qn <= 0 {
		return nil, 0, fmt.Errorf("cellkey: truncated key (qualifier length)")
	}
	off += qn
	if len(src) < off+int(qualLen)+1+16 {
		return nil, 0, fmt.Errorf("cellkey: truncated key (qualifier/trailer)")
	}
	qual := src[off : off+int(qualLen)]
	off += int(qualLen)

	flag := Flag(src[off])
	off++

	tsBits := binary.BigEndian.Uint64(src[off : off+8])
	off += 8
	revBits := binary.BigEndian.Uint64(src[off : off+8])
	off += 8

	k := &Key{
		Row:             row,
		ColumnFamily:    cf,
		ColumnQualifier: qual,
		Flag:            flag,
		Timestamp:       undoOrderPreservingDescending(tsBits),
		Revision:        descendingUint64(revBits),
	}
	return k, off, nil
}

// Compare returns <0, 0, >0 as a < b, a == b, a > b over the full tuple
// order: row asc, column_family asc, column_qualifier asc, flag asc,
// timestamp desc, revision desc.
func Compare(a, b []byte) int {
	ka, na, err := Decode(a)
	if err != nil {
		return bytes.Compare(a, b)
	}
	kb, nb, err := Decode(b)
	if err != nil {
		return bytes.Compare(a, b)
	}
	_ = na
	_ = nb
	return CompareKeys(ka, kb)
}

// CompareKeys compares two decoded keys by the tuple order described on
// Compare.
func CompareKeys(a, b *Key) int {
	if c := bytes.Compare(a.Row, b.Row); c != 0 {
		return c
	}
	if a.ColumnFamily != b.ColumnFamily {
		if a.ColumnFamily < b.ColumnFamily {
			return -1
		}
		return 1
	}
	if c := bytes.Compare(a.ColumnQualifier, b.ColumnQualifier); c != 0 {
		return c
	}
	if a.Flag != b.Flag {
		if a.Flag < b.Flag {
			return -1
		}
		return 1
	}
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return -1 // higher timestamp sorts earlier
		}
		return 1
	}
	if a.Revision != b.Revision {
		if a.Revision > b.Revision {
			return -1 // higher revision sorts earlier
		}
		return 1
	}
	return 0
}

// SameCell returns true if a and b address the same (row, column_family,
// column_qualifier) — i.e. are versions of the same logical cell.
func SameCell(a, b *Key) bool {
	return a.ColumnFamily == b.ColumnFamily &&
		bytes.Equal(a.Row, b.Row) &&
		bytes.Equal(a.ColumnQualifier, b.ColumnQualifier)
}
