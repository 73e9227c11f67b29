package cellstore

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/elq/hypertable/internal/block"
	"github.com/elq/hypertable/internal/bloom"
	"github.com/elq/hypertable/internal/cellkey"
	"github.com/elq/hypertable/internal/dfs"
	"github.com/elq/hypertable/internal/varint"
)

// Writer builds one CellStore file. Keys must be presented to Add in
// non-decreasing cellkey.Compare order; Writer asserts this.
type Writer struct {
	fs   dfs.FS
	path string
	file dfs.WritableFile
	opts Options

	offset        int64
	curBlock      []byte
	curBlockCount int
	firstInBlock  []byte

	fixedIndex    []int64      // offsets, parallel to variableIndex
	variableIndex []IndexEntry // first key of each block -> (offset, length)

	bloomBuilder *bloom.Builder
	totalEntries uint32

	lastKeyEnc []byte

	wg          sync.WaitGroup
	appendErrMu sync.Mutex
	appendErr   error
}

// Create opens path for writing and returns a Writer.
func Create(fs dfs.FS, path string, opts Options) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("cellstore: create %s: %w", path, err)
	}
	return &Writer{
		fs:           fs,
		path:         path,
		file:         f,
		opts:         opts,
		bloomBuilder: bloom.NewBuilder(opts.BloomMode),
	}, nil
}

// bloomKey returns the bytes offered to the Bloom filter builder for a
// given cell key, shaped by the configured BloomMode.
func bloomKey(mode bloom.Mode, k *cellkey.Key) []byte {
	switch mode {
	case bloom.Rows:
		return k.Row
	case bloom.RowsCols, bloom.RowsColsApprox:
		buf := make([]byte, 0, len(k.Row)+1+len(k.ColumnQualifier))
		buf = append(buf, k.Row...)
		buf = append(buf, k.ColumnFamily)
		buf = append(buf, k.ColumnQualifier...)
		return buf
	default:
		return nil
	}
}

// Add appends one cell. Keys must arrive in non-decreasing order
// (cellkey.Compare).
func (w *Writer) Add(key *cellkey.Key, value []byte) error {
	enc := cellkey.Encode(nil, key)
	if w.lastKeyEnc != nil && cellkey.Compare(enc, w.lastKeyEnc) < 0 {
		return fmt.Errorf("cellstore: keys out of order: %v after %v", key, w.lastKeyEnc)
	}
	w.lastKeyEnc = enc

	if w.firstInBlock == nil {
		w.firstInBlock = append([]byte(nil), enc...)
	}

	w.curBlock = varint.AppendVarint32(w.curBlock, uint32(len(enc)))
	w.curBlock = append(w.curBlock, enc...)
	w.curBlock = varint.AppendVarint32(w.curBlock, uint32(len(value)))
	w.curBlock = append(w.curBlock, value...)
	w.curBlockCount++
	w.totalEntries++

	w.bloomBuilder.Add(bloomKey(w.opts.BloomMode, key))

	if len(w.curBlock) >= w.opts.BlockSize {
		if err := w.sealCurrentBlock(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) sealCurrentBlock() error {
	if w.curBlockCount == 0 {
		return nil
	}
	sealed, err := block.Seal(block.DataBlockMagic, w.opts.Compression, w.curBlock)
	if err != nil {
		return err
	}
	entryOffset := w.offset
	w.variableIndex = append(w.variableIndex, IndexEntry{
		FirstKey: w.firstInBlock,
		Offset:   entryOffset,
		Length:   int64(len(sealed)),
	})
	w.fixedIndex = append(w.fixedIndex, entryOffset)

	w.wg.Add(1)
	w.file.AppendAsync(sealed, func(err error) {
		if err != nil {
			w.appendErrMu.Lock()
			if w.appendErr == nil {
				w.appendErr = err
			}
			w.appendErrMu.Unlock()
		}
		w.wg.Done()
	})

	w.offset += int64(len(sealed))
	w.curBlock = nil
	w.curBlockCount = 0
	w.firstInBlock = nil
	return nil
}

// Finalize flushes the last data block, waits for every outstanding
// asynchronous append (spec.md §4.1's "m_outstanding_appends"
// discipline), then writes the two index blocks, the Bloom filter, and
// the trailer, and closes the file.
func (w *Writer) Finalize() (*block.Trailer, error) {
	if err := w.sealCurrentBlock(); err != nil {
		return nil, err
	}

	// Every data block so far was appended asynchronously (sealCurrentBlock);
	// join on them before issuing any synchronous Append below. dfs.Local's
	// synchronous Append bypasses the async queue's ordered drain goroutine
	// entirely, so without this wait a sync index/trailer write can land in
	// the file ahead of a not-yet-drained data block and corrupt the
	// absolute offsets recorded in the index and trailer.
	w.wg.Wait()
	w.appendErrMu.Lock()
	aerr := w.appendErr
	w.appendErrMu.Unlock()
	if aerr != nil {
		return nil, fmt.Errorf("cellstore: async append failed: %w", aerr)
	}

	var varBuf bytes.Buffer
	for _, e := range w.variableIndex {
		b := varint.AppendVarint32(nil, uint32(len(e.FirstKey)))
		b = append(b, e.FirstKey...)
		b = varint.AppendFixed64(b, uint64(e.Offset))
		b = varint.AppendFixed64(b, uint64(e.Length))
		varBuf.Write(b)
	}
	variableIndexOffset := w.offset
	if err := w.writeBlock(block.IndexVariableBlockMagic, varBuf.Bytes()); err != nil {
		return nil, err
	}

	var fixedBuf bytes.Buffer
	for _, off := range w.fixedIndex {
		fixedBuf.Write(varint.AppendFixed64(nil, uint64(off)))
	}
	fixedIndexOffset := w.offset
	if err := w.writeBlock(block.IndexFixedBlockMagic, fixedBuf.Bytes()); err != nil {
		return nil, err
	}

	bloomBytes := w.bloomBuilder.Finish()
	bloomOffset := int64(0)
	bloomLen := int64(0)
	if bloomBytes != nil {
		bloomOffset = w.offset
		if err := w.file.Append(bloomBytes); err != nil {
			return nil, err
		}
		w.offset += int64(len(bloomBytes))
		bloomLen = int64(len(bloomBytes))
	}

	ratio := float32(1.0)

	trailer := &block.Trailer{
		FixedIndexOffset:    fixedIndexOffset,
		VariableIndexOffset: variableIndexOffset,
		BloomFilterOffset:   bloomOffset,
		BloomFilterLength:   bloomLen,
		TotalEntries:        w.totalEntries,
		BlockSize:           uint32(w.opts.BlockSize),
		CompressionCodec:    w.opts.Compression,
		BloomMode:           uint8(w.opts.BloomMode),
		BloomHashCount:      uint8(w.bloomBuilder.NumProbes()),
		CompressionRatio:    ratio,
		Revision:            w.opts.Revision,
		Version:             block.TrailerVersion,
	}
	if err := w.file.Append(trailer.Encode()); err != nil {
		return nil, err
	}

	if err := w.file.Sync(); err != nil {
		return nil, err
	}
	if err := w.file.Close(); err != nil {
		return nil, err
	}
	return trailer, nil
}

func (w *Writer) writeBlock(magic [block.MagicLen]byte, payload []byte) error {
	sealed, err := block.Seal(magic, w.opts.Compression, payload)
	if err != nil {
		return err
	}
	if err := w.file.Append(sealed); err != nil {
		return err
	}
	w.offset += int64(len(sealed))
	return nil
}

// Entries returns the number of cells written so far.
func (w *Writer) Entries() uint32 { return w.totalEntries }

// SetRevision overrides the revision recorded in the trailer at Finalize
// time. Callers that don't know the maximum cell revision up front (e.g.
// a compaction merge-scanning its source in a single pass) track it while
// calling Add and set it here just before Finalize.
func (w *Writer) SetRevision(rev uint64) { w.opts.Revision = rev }
