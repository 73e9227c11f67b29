package cellstore

import (
	"bytes"
	"fmt"

	"github.com/elq/hypertable/internal/block"
	"github.com/elq/hypertable/internal/cellkey"
	"github.com/elq/hypertable/internal/varint"
)

// Scanner iterates the (key, value) pairs of a CellStore in key order,
// restricted to the reader's [startRow, endRow] clipping, by lazily
// decompressing one data block at a time. It is the leaf iterator that
// internal/mergescan fans out over.
type Scanner struct {
	r *Reader

	blockIdx  int
	cur       []byte // decompressed current block payload
	off       int    // read offset within cur
	key       *cellkey.Key
	value     []byte
	exhausted bool
	err       error
}

// CreateScanner returns a Scanner positioned before the first cell. Call
// Next to advance to the first cell.
func (r *Reader) CreateScanner() (*Scanner, error) {
	if r.index == nil {
		return nil, fmt.Errorf("cellstore: CreateScanner called before LoadIndex on %s", r.path)
	}
	return &Scanner{r: r, blockIdx: -1}, nil
}

// Next advances to the next cell within the reader's [startRow, endRow]
// clipping, returning false at end of store or on error (retrievable via
// Err). clipToRowInterval only drops whole blocks that fall entirely
// outside that interval (spec.md §4.1); a kept block can still straddle
// the boundary, so every cell is also checked individually here — this
// is what actually enforces start_row < row ≤ end_row (spec.md §8
// invariant 1) rather than just narrowing which blocks get decompressed.
func (s *Scanner) Next() bool {
	if s.exhausted {
		return false
	}
	for {
		for s.cur == nil || s.off >= len(s.cur) {
			s.blockIdx++
			if s.blockIdx >= len(s.r.index) {
				s.exhausted = true
				return false
			}
			e := s.r.index[s.blockIdx]
			payload, err := s.r.readBlockAt(block.DataBlockMagic, e.Offset, e.Length)
			if err != nil {
				s.exhausted = true
				s.err = err
				return false
			}
			s.cur = payload
			s.off = 0
		}

		keyLen, n := varint.GetVarint32(s.cur[s.off:])
		if n <= 0 {
			s.exhausted = true
			s.err = fmt.Errorf("cellstore: corrupt data block in %s", s.r.path)
			return false
		}
		s.off += n
		encKey := s.cur[s.off : s.off+int(keyLen)]
		s.off += int(keyLen)

		valLen, n := varint.GetVarint32(s.cur[s.off:])
		if n <= 0 {
			s.exhausted = true
			s.err = fmt.Errorf("cellstore: corrupt data block in %s", s.r.path)
			return false
		}
		s.off += n
		val := s.cur[s.off : s.off+int(valLen)]
		s.off += int(valLen)

		key, _, err := cellkey.Decode(encKey)
		if err != nil {
			s.exhausted = true
			s.err = err
			return false
		}
		if s.r.startRow != nil && bytes.Compare(key.Row, s.r.startRow) <= 0 {
			continue
		}
		if s.r.endRow != nil && bytes.Compare(key.Row, s.r.endRow) > 0 {
			continue
		}
		s.key = key
		s.value = val
		return true
	}
}

// Key returns the current cell's key. Valid only after Next returns true.
func (s *Scanner) Key() *cellkey.Key { return s.key }

// Value returns the current cell's value. Valid only after Next returns
// true. The returned slice aliases the scanner's internal block buffer and
// must be copied if retained past the next Next call.
func (s *Scanner) Value() []byte { return s.value }

// Err returns the first error encountered during iteration, if any.
func (s *Scanner) Err() error { return s.err }
