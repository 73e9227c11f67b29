// Package varint provides the binary encoding primitives shared by every
// on-disk format in this module: CellStore blocks and indexes, the commit
// log, and the range metadata journal.
//
// All multi-byte fixed-width integers are little-endian. Variable-length
// integers use standard 7-bit/MSB-continuation encoding.
package varint

import (
	"encoding/binary"
	"errors"
)

// MaxLen32 is the maximum number of bytes a varint32 can occupy.
const MaxLen32 = 5

// MaxLen64 is the maximum number of bytes a varint64 can occupy.
const MaxLen64 = 10

var (
	// ErrBufferTooSmall is returned when the destination buffer is too small.
	ErrBufferTooSmall = errors.New("varint: buffer too small")
	// ErrOverflow is returned when a varint is malformed or too large.
	ErrOverflow = errors.New("varint: overflow")
)

// PutFixed32 writes v into dst as 4 little-endian bytes.
// REQUIRES: len(dst) >= 4.
func PutFixed32(dst []byte, v uint32) { binary.LittleEndian.PutUint32(dst, v) }

// Fixed32 reads a 4-byte little-endian uint32 from src.
// REQUIRES: len(src) >= 4.
func Fixed32(src []byte) uint32 { return binary.LittleEndian.Uint32(src) }

// PutFixed64 writes v into dst as 8 little-endian bytes.
// REQUIRES: len(dst) >= 8.
func PutFixed64(dst []byte, v uint64) { binary.LittleEndian.PutUint64(dst, v) }

// Fixed64 reads an 8-byte little-endian uint64 from src.
// REQUIRES: len(src) >= 8.
func Fixed64(src []byte) uint64 { return binary.LittleEndian.Uint64(src) }

// AppendFixed32 appends v to dst as 4 little-endian bytes.
func AppendFixed32(dst []byte, v uint32) []byte {
	var buf [4]byte
	PutFixed32(buf[:], v)
	return append(dst, buf[:]...)
}

// AppendFixed64 appends v to dst as 8 little-endian bytes.
func AppendFixed64(dst []byte, v uint64) []byte {
	var buf [8]byte
	PutFixed64(buf[:], v)
	return append(dst, buf[:]...)
}

// AppendVarint32 appends v to dst using varint encoding.
func AppendVarint32(dst []byte, v uint32) []byte {
	return AppendVarint64(dst, uint64(v))
}

// AppendVarint64 appends v to dst using varint encoding.
func AppendVarint64(dst []byte, v uint64) []byte {
	var buf [MaxLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

// GetVarint32 decodes a varint32 from src, returning the value and the
// number of bytes consumed, or 0 on malformed input.
func GetVarint32(src []byte) (uint32, int) {
	v, n := GetVarint64(src)
	if n <= 0 || v > 0xFFFFFFFF {
		return 0, 0
	}
	return uint32(v), n
}

// GetVarint64 decodes a varint64 from src, returning the value and the
// number of bytes consumed, or 0 on malformed input.
func GetVarint64(src []byte) (uint64, int) {
	v, n := binary.Uvarint(src)
	if n <= 0 {
		return 0, 0
	}
	return v, n
}
