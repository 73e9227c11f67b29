package cellstore

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/elq/hypertable/internal/block"
	"github.com/elq/hypertable/internal/bloom"
	"github.com/elq/hypertable/internal/cellkey"
	"github.com/elq/hypertable/internal/dfs"
	"github.com/elq/hypertable/internal/varint"
)

// Reader opens a previously-written CellStore file for scanning. A Reader
// is safe for concurrent use once LoadIndex has returned: all state after
// that point is read-only.
type Reader struct {
	path string
	file dfs.RandomAccessFile
	size int64

	trailer *block.Trailer
	index   []IndexEntry // loaded, trimmed to [startRow, endRow]
	filter  *bloom.Filter

	startRow, endRow []byte
}

// Open opens path and reads its trailer. Call LoadIndex before scanning.
// startRow/endRow (both may be nil, meaning unbounded) let the Reader drop
// index entries for blocks entirely outside the requested row interval, per
// spec.md §4.1.
func Open(fs dfs.FS, path string, startRow, endRow []byte) (*Reader, error) {
	f, err := fs.OpenRandomAccess(path)
	if err != nil {
		return nil, fmt.Errorf("cellstore: open %s: %w", path, err)
	}
	size := f.Size()
	if size < int64(block.TrailerLen) {
		_ = f.Close()
		return nil, fmt.Errorf("cellstore: %s too small to contain a trailer (%d bytes)", path, size)
	}
	buf := make([]byte, block.TrailerLen)
	if _, err := f.ReadAt(buf, size-int64(block.TrailerLen)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("cellstore: read trailer of %s: %w", path, err)
	}
	trailer, err := block.DecodeTrailer(buf)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("cellstore: decode trailer of %s: %w", path, err)
	}
	return &Reader{
		path:     path,
		file:     f,
		size:     size,
		trailer:  trailer,
		startRow: startRow,
		endRow:   endRow,
	}, nil
}

// Trailer returns the store's trailer.
func (r *Reader) Trailer() *block.Trailer { return r.trailer }

// Size returns the total on-disk size of the file in bytes, used by
// AccessGroup.SpaceUsage for disk-usage reporting.
func (r *Reader) Size() int64 { return r.size }

// readBlockAt reads and opens (validates + decompresses) the sealed block
// at [offset, offset+length).
func (r *Reader) readBlockAt(magic [block.MagicLen]byte, offset, length int64) ([]byte, error) {
	raw := make([]byte, length)
	if _, err := r.file.ReadAt(raw, offset); err != nil {
		return nil, fmt.Errorf("cellstore: read block at %d: %w", offset, err)
	}
	return block.Open(magic, raw)
}

// LoadIndex reads and decodes the fixed and variable index blocks, builds
// the consolidated in-memory index, and drops any block entirely outside
// [startRow, endRow].
func (r *Reader) LoadIndex() error {
	variableLen := r.trailer.FixedIndexOffset - r.trailer.VariableIndexOffset
	varPayload, err := r.readBlockAt(block.IndexVariableBlockMagic, r.trailer.VariableIndexOffset, variableLen)
	if err != nil {
		return err
	}

	fixedLen := r.bloomOrRevisionBoundary() - r.trailer.FixedIndexOffset
	fixedPayload, err := r.readBlockAt(block.IndexFixedBlockMagic, r.trailer.FixedIndexOffset, fixedLen)
	if err != nil {
		return err
	}

	var offsets []int64
	for off := 0; off < len(fixedPayload); off += 8 {
		offsets = append(offsets, int64(varint.Fixed64(fixedPayload[off:off+8])))
	}

	var entries []IndexEntry
	off := 0
	for off < len(varPayload) {
		keyLen, n := varint.GetVarint32(varPayload[off:])
		if n <= 0 {
			return fmt.Errorf("cellstore: corrupt variable index in %s", r.path)
		}
		off += n
		firstKey := varPayload[off : off+int(keyLen)]
		off += int(keyLen)
		blockOffset := int64(varint.Fixed64(varPayload[off : off+8]))
		off += 8
		blockLength := int64(varint.Fixed64(varPayload[off : off+8]))
		off += 8
		entries = append(entries, IndexEntry{FirstKey: firstKey, Offset: blockOffset, Length: blockLength})
	}
	_ = offsets // the fixed (offsets-only) index is redundant with the
	// variable index's Offset field once both are loaded; kept on disk for
	// a reader that wants offsets without paying for keys (not needed here).

	r.index = r.clipToRowInterval(entries)

	if r.trailer.BloomFilterLength > 0 {
		raw := make([]byte, r.trailer.BloomFilterLength)
		if _, err := r.file.ReadAt(raw, r.trailer.BloomFilterOffset); err != nil {
			return fmt.Errorf("cellstore: read bloom filter of %s: %w", r.path, err)
		}
		f, err := bloom.Load(bloom.Mode(r.trailer.BloomMode), raw)
		if err != nil {
			return err
		}
		r.filter = f
	} else {
		f, _ := bloom.Load(bloom.Disabled, nil)
		r.filter = f
	}
	return nil
}

// bloomOrRevisionBoundary returns the offset at which the fixed index
// block's sealed bytes end: the start of the Bloom filter if present,
// otherwise the start of the trailer.
func (r *Reader) bloomOrRevisionBoundary() int64 {
	if r.trailer.BloomFilterLength > 0 {
		return r.trailer.BloomFilterOffset
	}
	return r.size - int64(block.TrailerLen)
}

func (r *Reader) clipToRowInterval(entries []IndexEntry) []IndexEntry {
	if r.startRow == nil && r.endRow == nil {
		return entries
	}
	var out []IndexEntry
	for i, e := range entries {
		// A block's row range runs from its first key's row to the row of
		// the next block's first key (exclusive), or to the end of the
		// file for the last block. Drop it only if that whole range falls
		// outside [startRow, endRow].
		if r.endRow != nil && rowCompare(e.FirstKey, r.endRow) > 0 {
			break
		}
		if r.startRow != nil && i+1 < len(entries) && rowCompare(entries[i+1].FirstKey, r.startRow) < 0 {
			continue
		}
		out = append(out, e)
	}
	return out
}

// rowCompare compares the row of an encoded key against a raw row slice.
func rowCompare(encodedKey []byte, row []byte) int {
	k, _, err := cellkey.Decode(encodedKey)
	if err != nil {
		return 0
	}
	return bytes.Compare(k.Row, row)
}

// MayContain consults the loaded Bloom filter. Callers still must scan to
// confirm a true result; a false result means the key is definitely absent
// from this store.
func (r *Reader) MayContain(key *cellkey.Key) bool {
	if r.filter == nil {
		return true
	}
	return r.filter.MayContain(bloomKey(bloom.Mode(r.trailer.BloomMode), key))
}

// GetSplitRow returns the first-key row of the first index entry whose
// block offset is at or past the midpoint between the first and last
// block offsets, used by AccessGroup.get_split_rows (spec.md §4.4).
func (r *Reader) GetSplitRow() ([]byte, error) {
	if len(r.index) == 0 {
		return nil, fmt.Errorf("cellstore: %s has no index entries to split on", r.path)
	}
	mid := r.index[0].Offset + (r.index[len(r.index)-1].Offset-r.index[0].Offset)/2
	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].Offset >= mid })
	if i >= len(r.index) {
		i = len(r.index) - 1
	}
	k, _, err := cellkey.Decode(r.index[i].FirstKey)
	if err != nil {
		return nil, err
	}
	return k.Row, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.file.Close() }
