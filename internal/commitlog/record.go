package commitlog

import (
	"errors"
	"fmt"
	"io"

	"github.com/elq/hypertable/internal/checksum"
	"github.com/elq/hypertable/internal/dfs"
	"github.com/elq/hypertable/internal/varint"
)

// ErrCorrupt indicates a physical record with a bad checksum or an
// out-of-sequence fragment type.
var ErrCorrupt = errors.New("commitlog: corrupted record")

// recordWriter fragments logical records across BlockSize-aligned
// physical records, synchronously appending each to a dfs.WritableFile.
// Grounded on internal/wal/writer.go's Writer/AddRecord/emitPhysicalRecord.
type recordWriter struct {
	file        dfs.WritableFile
	blockOffset int
	headerBuf   [HeaderSize]byte
}

func newRecordWriter(file dfs.WritableFile) *recordWriter {
	return &recordWriter{file: file}
}

// newRecordWriterAt resumes writing an existing log whose file already
// holds size bytes, so that block-boundary padding lines up with the
// physical records already on disk instead of restarting at offset 0.
func newRecordWriterAt(file dfs.WritableFile, size int64) *recordWriter {
	return &recordWriter{file: file, blockOffset: int(size % BlockSize)}
}

// addRecord writes data as one or more physical records, splitting at
// block boundaries exactly as internal/wal/writer.go's AddRecord does.
func (w *recordWriter) addRecord(data []byte) error {
	ptr := data
	left := len(data)
	begin := true

	for {
		leftover := BlockSize - w.blockOffset
		if leftover < HeaderSize {
			if leftover > 0 {
				if err := w.file.Append(make([]byte, leftover)); err != nil {
					return err
				}
			}
			w.blockOffset = 0
		}

		avail := BlockSize - w.blockOffset - HeaderSize
		fragLen := min(left, avail)
		end := left == fragLen

		var rt RecordType
		switch {
		case begin && end:
			rt = FullType
		case begin:
			rt = FirstType
		case end:
			rt = LastType
		default:
			rt = MiddleType
		}

		if err := w.emitPhysicalRecord(rt, ptr[:fragLen]); err != nil {
			return err
		}

		ptr = ptr[fragLen:]
		left -= fragLen
		begin = false
		if left == 0 {
			break
		}
	}
	return nil
}

func (w *recordWriter) emitPhysicalRecord(t RecordType, payload []byte) error {
	n := len(payload)
	if n > 0xFFFF {
		panic("commitlog: record payload too large")
	}

	scratch := make([]byte, 0, n+1)
	scratch = append(scratch, byte(t))
	scratch = append(scratch, payload...)
	sum := checksum.Value(scratch)

	varint.PutFixed64(w.headerBuf[0:8], sum)
	w.headerBuf[8] = byte(n)
	w.headerBuf[9] = byte(n >> 8)
	w.headerBuf[10] = byte(t)

	if err := w.file.Append(w.headerBuf[:HeaderSize]); err != nil {
		return err
	}
	if err := w.file.Append(payload); err != nil {
		return err
	}
	w.blockOffset += HeaderSize + n
	return nil
}

// raReader adapts a dfs.RandomAccessFile to io.Reader for sequential
// consumption by recordReader.
type raReader struct {
	ra  dfs.RandomAccessFile
	off int64
}

func (r *raReader) Read(p []byte) (int, error) {
	n, err := r.ra.ReadAt(p, r.off)
	r.off += int64(n)
	return n, err
}

// recordReader reassembles logical records from a stream of physical
// records. Grounded on internal/wal/reader.go's Reader/ReadRecord/
// readPhysicalRecord, simplified to drop recyclable-log-number checking
// (no log recycling in this engine's DFS model).
type recordReader struct {
	src          io.Reader
	verify       bool
	backingStore []byte
	buffer       []byte
	eof          bool
}

func newRecordReader(src io.Reader, verify bool) *recordReader {
	return &recordReader{src: src, verify: verify, backingStore: make([]byte, BlockSize)}
}

// ReadRecord returns the next logical record, or io.EOF when the log is
// exhausted.
func (r *recordReader) ReadRecord() ([]byte, error) {
	var fragments []byte
	inFragment := false

	for {
		rt, frag, err := r.readPhysicalRecord()
		if err != nil {
			if errors.Is(err, io.EOF) && inFragment {
				return nil, fmt.Errorf("%w: truncated at EOF mid-record", ErrCorrupt)
			}
			return nil, err
		}

		switch rt {
		case FullType:
			if inFragment {
				return nil, fmt.Errorf("%w: unexpected full record mid-fragment", ErrCorrupt)
			}
			return frag, nil
		case FirstType:
			fragments = append(fragments[:0], frag...)
			inFragment = true
		case MiddleType:
			if !inFragment {
				return nil, fmt.Errorf("%w: unexpected middle record", ErrCorrupt)
			}
			fragments = append(fragments, frag...)
		case LastType:
			if !inFragment {
				return nil, fmt.Errorf("%w: unexpected last record", ErrCorrupt)
			}
			fragments = append(fragments, frag...)
			result := make([]byte, len(fragments))
			copy(result, fragments)
			return result, nil
		}
	}
}

func (r *recordReader) readPhysicalRecord() (RecordType, []byte, error) {
	for {
		if len(r.buffer) < HeaderSize {
			if r.eof {
				return 0, nil, io.EOF
			}
			n, err := io.ReadFull(r.src, r.backingStore)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					r.eof = true
					if n == 0 {
						return 0, nil, io.EOF
					}
				} else {
					return 0, nil, err
				}
			}
			r.buffer = r.backingStore[:n]
		}

		if len(r.buffer) < HeaderSize {
			return 0, nil, io.EOF
		}

		header := r.buffer[:HeaderSize]
		crcStored := varint.Fixed64(header[0:8])
		length := int(header[8]) | int(header[9])<<8
		rt := RecordType(header[10])

		if len(r.buffer) < HeaderSize+length {
			return 0, nil, io.EOF
		}

		if rt == zeroType && length == 0 {
			r.buffer = r.buffer[HeaderSize:]
			continue
		}

		payload := r.buffer[HeaderSize : HeaderSize+length]
		if r.verify {
			scratch := make([]byte, 0, length+1)
			scratch = append(scratch, byte(rt))
			scratch = append(scratch, payload...)
			if checksum.Value(scratch) != crcStored {
				return 0, nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
			}
		}

		result := make([]byte, length)
		copy(result, payload)
		r.buffer = r.buffer[HeaderSize+length:]
		return rt, result, nil
	}
}
