package commitlog

import (
	"fmt"
	"io"

	"github.com/elq/hypertable/internal/cellkey"
	"github.com/elq/hypertable/internal/dfs"
	"github.com/elq/hypertable/internal/schema"
	"github.com/elq/hypertable/internal/varint"
)

// Cell is one (Key, value) pair as carried in a commit-log batch.
type Cell struct {
	Key   *cellkey.Key
	Value []byte
}

// encodeBatch packs a logical record: TableIdentifier followed by a
// length-prefixed sequence of (Key, value) pairs (spec.md §4.6).
func encodeBatch(table schema.TableIdentifier, cells []Cell) []byte {
	out := varint.AppendVarint32(nil, uint32(len(table.ID)))
	out = append(out, table.ID...)
	out = varint.AppendFixed64(out, table.Generation)
	out = varint.AppendVarint32(out, uint32(len(table.Name)))
	out = append(out, table.Name...)
	out = varint.AppendVarint32(out, uint32(len(cells)))
	for _, c := range cells {
		enc := cellkey.Encode(nil, c.Key)
		out = varint.AppendVarint32(out, uint32(len(enc)))
		out = append(out, enc...)
		out = varint.AppendVarint32(out, uint32(len(c.Value)))
		out = append(out, c.Value...)
	}
	return out
}

func decodeBatch(data []byte) (schema.TableIdentifier, []Cell, error) {
	var table schema.TableIdentifier

	idLen, n := varint.GetVarint32(data)
	if n <= 0 || len(data) < n+int(idLen)+8 {
		return table, nil, fmt.Errorf("%w: truncated table id", ErrCorrupt)
	}
	off := n
	table.ID = string(data[off : off+int(idLen)])
	off += int(idLen)

	table.Generation = varint.Fixed64(data[off : off+8])
	off += 8

	nameLen, n2 := varint.GetVarint32(data[off:])
	if n2 <= 0 {
		return table, nil, fmt.Errorf("%w: truncated table name", ErrCorrupt)
	}
	off += n2
	if len(data) < off+int(nameLen) {
		return table, nil, fmt.Errorf("%w: truncated table name", ErrCorrupt)
	}
	table.Name = string(data[off : off+int(nameLen)])
	off += int(nameLen)

	count, n3 := varint.GetVarint32(data[off:])
	if n3 <= 0 {
		return table, nil, fmt.Errorf("%w: truncated cell count", ErrCorrupt)
	}
	off += n3

	cells := make([]Cell, 0, count)
	for i := uint32(0); i < count; i++ {
		keyLen, kn := varint.GetVarint32(data[off:])
		if kn <= 0 {
			return table, nil, fmt.Errorf("%w: truncated cell key length", ErrCorrupt)
		}
		off += kn
		if len(data) < off+int(keyLen) {
			return table, nil, fmt.Errorf("%w: truncated cell key", ErrCorrupt)
		}
		key, _, err := cellkey.Decode(data[off : off+int(keyLen)])
		if err != nil {
			return table, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		off += int(keyLen)

		valLen, vn := varint.GetVarint32(data[off:])
		if vn <= 0 {
			return table, nil, fmt.Errorf("%w: truncated cell value length", ErrCorrupt)
		}
		off += vn
		if len(data) < off+int(valLen) {
			return table, nil, fmt.Errorf("%w: truncated cell value", ErrCorrupt)
		}
		value := append([]byte(nil), data[off:off+int(valLen)]...)
		off += int(valLen)

		cells = append(cells, Cell{Key: key, Value: value})
	}

	return table, cells, nil
}

// CommitLog is an append-only, crash-safe log of write batches. One
// instance backs the range's primary commit log; a second instance backs
// the per-split transfer log (m_split_log in spec.md §4.5/§4.6) — both
// use the same format and API.
type CommitLog struct {
	fs   dfs.FS
	path string
	file dfs.WritableFile
	w    *recordWriter
}

// Create opens a new CommitLog at path, truncating any existing file.
func Create(fs dfs.FS, path string) (*CommitLog, error) {
	file, err := fs.Create(path)
	if err != nil {
		return nil, err
	}
	return &CommitLog{fs: fs, path: path, file: file, w: newRecordWriter(file)}, nil
}

// Append writes one batch as a logical record, fragmenting across
// physical records as needed. Durability is only guaranteed after Sync.
func (c *CommitLog) Append(table schema.TableIdentifier, cells []Cell) error {
	return c.w.addRecord(encodeBatch(table, cells))
}

// OpenAppend reopens an existing log at path for further appends,
// preserving its contents — used to resume a transfer log across a
// SPLIT_LOG_INSTALLED crash recovery (spec.md §4.7), where the log's
// pre-crash records remain the authoritative history a sibling range
// will later replay.
func OpenAppend(fs dfs.FS, path string) (*CommitLog, error) {
	file, err := fs.OpenAppend(path)
	if err != nil {
		return nil, err
	}
	size, err := file.Size()
	if err != nil {
		return nil, err
	}
	return &CommitLog{fs: fs, path: path, file: file, w: newRecordWriterAt(file, size)}, nil
}

// Sync flushes the log to stable storage.
func (c *CommitLog) Sync() error { return c.file.Sync() }

// Close closes the underlying file. Callers must Sync first if durability
// of the final batch is required.
func (c *CommitLog) Close() error { return c.file.Close() }

// Path returns the DFS path this log was created at.
func (c *CommitLog) Path() string { return c.path }

// CommitLogReader replays a CommitLog's batches in append order, used both
// for recovery and for transfer-log replay during split (spec.md §4.6,
// §4.7's SPLIT_LOG_INSTALLED recovery path).
type CommitLogReader struct {
	r    *recordReader
	file dfs.RandomAccessFile
}

// OpenReader opens path for sequential replay.
func OpenReader(fs dfs.FS, path string) (*CommitLogReader, error) {
	file, err := fs.OpenRandomAccess(path)
	if err != nil {
		return nil, err
	}
	return &CommitLogReader{r: newRecordReader(&raReader{ra: file}, true), file: file}, nil
}

// Next returns the next batch, or io.EOF when the log is exhausted.
func (r *CommitLogReader) Next() (schema.TableIdentifier, []Cell, error) {
	data, err := r.r.ReadRecord()
	if err != nil {
		if err == io.EOF {
			return schema.TableIdentifier{}, nil, io.EOF
		}
		return schema.TableIdentifier{}, nil, err
	}
	return decodeBatch(data)
}

// Close closes the underlying file.
func (r *CommitLogReader) Close() error { return r.file.Close() }

// Replay reads every batch in path and invokes apply for each, stopping
// at the first error other than io.EOF. Nothing in this module calls it;
// rangeengine's recovery reads logs through OpenReader directly.
// Replaying the same log twice adds nothing visible: every cell keeps
// its revision, and MergeScanner drops exact duplicate keys.
func Replay(fsys dfs.FS, path string, apply func(schema.TableIdentifier, []Cell) error) error {
	r, err := OpenReader(fsys, path)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		table, cells, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := apply(table, cells); err != nil {
			return err
		}
	}
}
