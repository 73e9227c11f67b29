// Package codec provides the block compression envelope used by CellStore
// data and index blocks (the Bloom filter bytes are stored uncompressed).
// The spec fixes the trailer field
// that records which codec was used per file; this package supplies the
// actual algorithms behind that field.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies the compression algorithm applied to a block. Values are
// persisted in the CellStore trailer and must not change.
type Type uint8

const (
	// None stores blocks uncompressed.
	None Type = 0
	// Snappy uses Google Snappy.
	Snappy Type = 1
	// Zstd uses Zstandard.
	Zstd Type = 2
	// LZ4 uses LZ4 (frame format).
	LZ4 Type = 3
)

// String returns the human-readable codec name.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// Compress compresses src using codec t, appending the result to dst.
func Compress(t Type, dst, src []byte) ([]byte, error) {
	switch t {
	case None:
		return append(dst, src...), nil
	case Snappy:
		return append(dst, snappy.Encode(nil, src)...), nil
	case Zstd:
		return zstdEncoder.EncodeAll(src, dst), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, fmt.Errorf("codec: lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: lz4 compress: %w", err)
		}
		return append(dst, buf.Bytes()...), nil
	default:
		return nil, fmt.Errorf("codec: unknown compression type %d", t)
	}
}

// Decompress decompresses src (compressed with codec t) into a buffer of
// the given uncompressed size, appending to dst.
func Decompress(t Type, dst, src []byte, uncompressedSize int) ([]byte, error) {
	switch t {
	case None:
		return append(dst, src...), nil
	case Snappy:
		out := make([]byte, uncompressedSize)
		n, err := snappy.Decode(out, src)
		if err != nil {
			return nil, fmt.Errorf("codec: snappy decompress: %w", err)
		}
		return append(dst, n...), nil
	case Zstd:
		out, err := zstdDecoder.DecodeAll(src, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("codec: zstd decompress: %w", err)
		}
		return append(dst, out...), nil
	case LZ4:
		r := lz4.NewReader(bytes.NewReader(src))
		out := make([]byte, uncompressedSize)
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, fmt.Errorf("codec: lz4 decompress: %w", err)
		}
		return append(dst, out...), nil
	default:
		return nil, fmt.Errorf("codec: unknown compression type %d", t)
	}
}
