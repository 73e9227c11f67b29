package block

import (
	"bytes"
	"testing"

	"github.com/elq/hypertable/internal/codec"
)

func TestSealOpenRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("cell-data-"), 100)
	sealed, err := Seal(DataBlockMagic, codec.Snappy, payload)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := Open(DataBlockMagic, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestOpenRejectsWrongMagic(t *testing.T) {
	sealed, err := Seal(DataBlockMagic, codec.None, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = Open(IndexFixedBlockMagic, sealed)
	if err == nil {
		t.Fatalf("expected magic mismatch error")
	}
	var magicErr *ErrBadMagic
	if !asBadMagic(err, &magicErr) {
		t.Fatalf("expected ErrBadMagic, got %T: %v", err, err)
	}
}

func asBadMagic(err error, target **ErrBadMagic) bool {
	if e, ok := err.(*ErrBadMagic); ok {
		*target = e
		return true
	}
	return false
}

func TestOpenDetectsCorruption(t *testing.T) {
	sealed, err := Seal(DataBlockMagic, codec.None, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	corrupted := append([]byte(nil), sealed...)
	corrupted[len(corrupted)-1] ^= 0xFF
	if _, err := Open(DataBlockMagic, corrupted); err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
}

func TestTrailerEncodeDecodeRoundTrip(t *testing.T) {
	tr := &Trailer{
		FixedIndexOffset:    1024,
		VariableIndexOffset: 2048,
		BloomFilterOffset:   4096,
		BloomFilterLength:   256,
		TotalEntries:        12345,
		BlockSize:           65536,
		CompressionCodec:    codec.Zstd,
		BloomMode:           2,
		BloomHashCount:      7,
		CompressionRatio:    0.42,
		Revision:            987654321,
		Version:             TrailerVersion,
	}
	buf := tr.Encode()
	if len(buf) != TrailerLen {
		t.Fatalf("trailer length = %d, want %d", len(buf), TrailerLen)
	}
	got, err := DecodeTrailer(buf)
	if err != nil {
		t.Fatalf("DecodeTrailer: %v", err)
	}
	if *got != *tr {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, tr)
	}
}
