package block

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/elq/hypertable/internal/codec"
)

// TrailerLen is the fixed size of the trailer at the end of every
// CellStore file (spec.md §4.1/§6).
const TrailerLen = 512

// TrailerVersion is the current trailer format version.
const TrailerVersion byte = 1

// Trailer carries the fields spec.md §6 requires: offsets to the two
// index blocks and the optional bloom filter, block size, total entry
// count, compression codec, bloom filter parameters, compression ratio,
// the file's revision, and a version byte.
type Trailer struct {
	FixedIndexOffset    int64
	VariableIndexOffset int64
	BloomFilterOffset   int64
	BloomFilterLength   int64
	TotalEntries        uint32
	BlockSize           uint32
	CompressionCodec    codec.Type
	BloomMode           uint8
	BloomHashCount      uint8
	CompressionRatio    float32
	Revision            uint64
	Version             byte
}

const (
	offFixedIndex    = 0
	offVariableIndex = 8
	offBloomOffset   = 16
	offBloomLength   = 24
	offTotalEntries  = 32
	offBlockSize     = 36
	offCompression   = 40
	offBloomMode     = 41
	offBloomHashes   = 42
	offRatio         = 44
	offRevision      = 48
	offVersion       = TrailerLen - 1
)

// Encode serializes t into a fixed TrailerLen-byte buffer.
func (t *Trailer) Encode() []byte {
	buf := make([]byte, TrailerLen)
	binary.LittleEndian.PutUint64(buf[offFixedIndex:], uint64(t.FixedIndexOffset))
	binary.LittleEndian.PutUint64(buf[offVariableIndex:], uint64(t.VariableIndexOffset))
	binary.LittleEndian.PutUint64(buf[offBloomOffset:], uint64(t.BloomFilterOffset))
	binary.LittleEndian.PutUint64(buf[offBloomLength:], uint64(t.BloomFilterLength))
	binary.LittleEndian.PutUint32(buf[offTotalEntries:], t.TotalEntries)
	binary.LittleEndian.PutUint32(buf[offBlockSize:], t.BlockSize)
	buf[offCompression] = byte(t.CompressionCodec)
	buf[offBloomMode] = t.BloomMode
	buf[offBloomHashes] = t.BloomHashCount
	binary.LittleEndian.PutUint32(buf[offRatio:], float32bits(t.CompressionRatio))
	binary.LittleEndian.PutUint64(buf[offRevision:], t.Revision)
	buf[offVersion] = t.Version
	return buf
}

// DecodeTrailer parses a TrailerLen-byte buffer produced by Encode.
func DecodeTrailer(buf []byte) (*Trailer, error) {
	if len(buf) != TrailerLen {
		return nil, fmt.Errorf("block: trailer must be %d bytes, got %d", TrailerLen, len(buf))
	}
	t := &Trailer{
		FixedIndexOffset:    int64(binary.LittleEndian.Uint64(buf[offFixedIndex:])),
		VariableIndexOffset: int64(binary.LittleEndian.Uint64(buf[offVariableIndex:])),
		BloomFilterOffset:   int64(binary.LittleEndian.Uint64(buf[offBloomOffset:])),
		BloomFilterLength:   int64(binary.LittleEndian.Uint64(buf[offBloomLength:])),
		TotalEntries:        binary.LittleEndian.Uint32(buf[offTotalEntries:]),
		BlockSize:           binary.LittleEndian.Uint32(buf[offBlockSize:]),
		CompressionCodec:    codec.Type(buf[offCompression]),
		BloomMode:           buf[offBloomMode],
		BloomHashCount:      buf[offBloomHashes],
		CompressionRatio:    float32frombits(binary.LittleEndian.Uint32(buf[offRatio:])),
		Revision:            binary.LittleEndian.Uint64(buf[offRevision:]),
		Version:             buf[offVersion],
	}
	return t, nil
}

func float32bits(f float32) uint32 { return math.Float32bits(f) }

func float32frombits(b uint32) float32 { return math.Float32frombits(b) }
