// Package block implements the CellStore block envelope and file trailer
// described in spec.md §6:
//
//	[ data block | data block | ... | variable index block
//	  | fixed index block | optional bloom filter bytes | trailer (last 512 bytes) ]
//
// Each block is `magic[10] + header + compressed payload`. This mirrors the
// magic-number-plus-fixed-trailer idiom of a classic SST file format, kept
// deliberately simpler than a full block-based table: no restart-point key
// prefix compression, since spec.md does not require it (see DESIGN.md).
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/elq/hypertable/internal/checksum"
	"github.com/elq/hypertable/internal/codec"
)

// MagicLen is the length in bytes of every block's leading magic number.
const MagicLen = 10

// Block type magics. Fixed by spec.md §6; must not change.
var (
	DataBlockMagic           = [MagicLen]byte{'C', 'e', 'l', 'l', 'S', 't', 'D', 'A', 'T', 'A'}
	IndexFixedBlockMagic     = [MagicLen]byte{'C', 'e', 'l', 'l', 'S', 't', 'I', 'D', 'X', 'F'}
	IndexVariableBlockMagic  = [MagicLen]byte{'C', 'e', 'l', 'l', 'S', 't', 'I', 'D', 'X', 'V'}
)

// HeaderLen is the size of the per-block header that follows the magic:
// codec (1 byte) + uncompressed length (4 bytes) + compressed length
// (4 bytes) + checksum (8 bytes).
const HeaderLen = 1 + 4 + 4 + 8

// ErrBadMagic signals that a block's magic number didn't match what the
// caller expected — spec.md §7's RANGESERVER_BAD_CELLSTORE_FILENAME class.
type ErrBadMagic struct {
	Want, Got [MagicLen]byte
}

func (e *ErrBadMagic) Error() string {
	return fmt.Sprintf("block: bad magic: want %q got %q", e.Want[:], e.Got[:])
}

// ErrChecksumMismatch signals a corrupt block.
type ErrChecksumMismatch struct{ Offset int64 }

func (e *ErrChecksumMismatch) Error() string {
	return fmt.Sprintf("block: checksum mismatch at offset %d", e.Offset)
}

// Seal compresses payload with c and wraps it with magic + header, ready
// to append to a CellStore file. Returns the sealed bytes.
func Seal(magic [MagicLen]byte, c codec.Type, payload []byte) ([]byte, error) {
	compressed, err := codec.Compress(c, nil, payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, MagicLen+HeaderLen+len(compressed))
	out = append(out, magic[:]...)
	out = append(out, byte(c))
	var lenBuf [8]byte
	binary.LittleEndian.PutUint32(lenBuf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(lenBuf[4:8], uint32(len(compressed)))
	out = append(out, lenBuf[:]...)
	var sumBuf [8]byte
	binary.LittleEndian.PutUint64(sumBuf[:], checksum.Value(compressed))
	out = append(out, sumBuf[:]...)
	out = append(out, compressed...)
	return out, nil
}

// SealedLen returns the total on-disk length of a block sealed from a
// payload that compresses to compressedLen bytes.
func SealedLen(compressedLen int) int { return MagicLen + HeaderLen + compressedLen }

// Open validates and decompresses a sealed block (magic+header+compressed
// payload, as produced by Seal), checking its magic against want.
func Open(want [MagicLen]byte, raw []byte) ([]byte, error) {
	if len(raw) < MagicLen+HeaderLen {
		return nil, fmt.Errorf("block: truncated block (%d bytes)", len(raw))
	}
	var got [MagicLen]byte
	copy(got[:], raw[:MagicLen])
	if got != want {
		return nil, &ErrBadMagic{Want: want, Got: got}
	}
	c := codec.Type(raw[MagicLen])
	uncompressedLen := binary.LittleEndian.Uint32(raw[MagicLen+1 : MagicLen+5])
	compressedLen := binary.LittleEndian.Uint32(raw[MagicLen+5 : MagicLen+9])
	wantSum := binary.LittleEndian.Uint64(raw[MagicLen+9 : MagicLen+17])
	payloadStart := MagicLen + HeaderLen
	if len(raw) < payloadStart+int(compressedLen) {
		return nil, fmt.Errorf("block: truncated payload (have %d, want %d)", len(raw)-payloadStart, compressedLen)
	}
	compressed := raw[payloadStart : payloadStart+int(compressedLen)]
	if !checksum.Verify(checksum.TypeXXH3, compressed, wantSum) {
		return nil, &ErrChecksumMismatch{}
	}
	return codec.Decompress(c, nil, compressed, int(uncompressedLen))
}
