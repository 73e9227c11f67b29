// Package rangemetalog implements RangeMetaLog (spec.md §4.7): the
// per-server append-only journal of range lifecycle transitions
// (log_split_start, log_split_shrunk, log_split_done, log_range_loaded,
// log_range_removed). On startup the server reads the entire journal,
// folds it per range, and uses the resulting RangeState to drive
// Range.recovery_finalize.
//
// Grounded on internal/manifest/version_edit.go's tagged-field
// encode/decode of an "edit" record applied to reconstruct state, and
// internal/version/version_set.go's fold-the-log-on-open recovery
// pattern, generalized from SST-file version edits to range split-state
// transitions.
package rangemetalog

import (
	"fmt"
	"io"
	"sync"

	"github.com/elq/hypertable/internal/checksum"
	"github.com/elq/hypertable/internal/dfs"
	"github.com/elq/hypertable/internal/schema"
	"github.com/elq/hypertable/internal/varint"
)

// RecordType identifies the lifecycle transition one journal record
// describes.
type RecordType uint8

const (
	Load RecordType = iota
	Remove
	SplitStart
	SplitShrunk
	SplitDone
)

func (t RecordType) String() string {
	switch t {
	case Load:
		return "LOAD"
	case Remove:
		return "REMOVE"
	case SplitStart:
		return "SPLIT_START"
	case SplitShrunk:
		return "SPLIT_SHRUNK"
	case SplitDone:
		return "SPLIT_DONE"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// State is the persisted split-state machine value (spec.md §3's
// RangeState.state). Steady is implicit on disk: a range with no
// outstanding SplitStart/SplitShrunk record is in Steady.
type State uint8

const (
	Steady State = iota
	SplitLogInstalled
	SplitShrunkState
)

func (s State) String() string {
	switch s {
	case Steady:
		return "STEADY"
	case SplitLogInstalled:
		return "SPLIT_LOG_INSTALLED"
	case SplitShrunkState:
		return "SPLIT_SHRUNK"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// RangeState is spec.md §3's persisted split state.
type RangeState struct {
	State           State
	SplitPoint      []byte
	OldBoundaryRow  []byte
	TransferLogPath string
	SoftLimit       int64
}

// magic identifies a rangemetalog journal file; unrelated files opened by
// mistake fail fast instead of being silently misparsed.
var magic = [8]byte{'H', 'T', 'R', 'M', 'L', 'O', 'G', '1'}

// RangeMetaLog is the append-only journal. One instance is shared by
// every range the server hosts.
type RangeMetaLog struct {
	fs   dfs.FS
	path string

	mu   sync.Mutex
	file dfs.WritableFile
}

// Open opens (creating if absent) the journal at path for appending.
// Existing contents are preserved — the journal must survive process
// restarts for recovery to work.
func Open(fsys dfs.FS, path string) (*RangeMetaLog, error) {
	f, err := fsys.OpenAppend(path)
	if err != nil {
		return nil, fmt.Errorf("rangemetalog: open %s: %w", path, err)
	}
	size, err := f.Size()
	if err != nil {
		return nil, fmt.Errorf("rangemetalog: stat %s: %w", path, err)
	}
	if size == 0 {
		if err := f.Append(magic[:]); err != nil {
			return nil, fmt.Errorf("rangemetalog: write magic %s: %w", path, err)
		}
	}
	return &RangeMetaLog{fs: fsys, path: path, file: f}, nil
}

// rangeKey is the folding key of one record: table identity plus the row
// interval the record carries. A split changes a
// range's EndRow/StartRow, which is why Log* callers always pass the
// range's *current* spec — the fold in Load walks records in order and
// keys each one by the spec it carries at the time it was written.
func rangeKey(id schema.TableIdentifier, spec schema.RangeSpec) string {
	return fmt.Sprintf("%s/%d|%s|%s", id.ID, id.Generation, spec.StartRow, spec.EndRow)
}

func encodeBytes(dst []byte, b []byte) []byte {
	dst = varint.AppendVarint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func decodeBytes(src []byte) ([]byte, []byte, error) {
	n, k := varint.GetVarint32(src)
	if k <= 0 || len(src) < k+int(n) {
		return nil, nil, fmt.Errorf("rangemetalog: truncated length-prefixed field")
	}
	return src[k : k+int(n)], src[k+int(n):], nil
}

func encodeRecord(t RecordType, id schema.TableIdentifier, spec schema.RangeSpec, st RangeState) []byte {
	var buf []byte
	buf = append(buf, byte(t))
	buf = encodeBytes(buf, []byte(id.ID))
	buf = varint.AppendFixed64(buf, id.Generation)
	buf = encodeBytes(buf, []byte(id.Name))
	buf = encodeBytes(buf, spec.StartRow)
	buf = encodeBytes(buf, spec.EndRow)
	buf = append(buf, byte(st.State))
	buf = encodeBytes(buf, st.SplitPoint)
	buf = encodeBytes(buf, st.OldBoundaryRow)
	buf = encodeBytes(buf, []byte(st.TransferLogPath))
	buf = varint.AppendFixed64(buf, uint64(st.SoftLimit))
	return buf
}

type record struct {
	typ   RecordType
	id    schema.TableIdentifier
	spec  schema.RangeSpec
	state RangeState
}

func decodeRecord(buf []byte) (record, error) {
	var rec record
	if len(buf) < 1 {
		return rec, fmt.Errorf("rangemetalog: empty record")
	}
	rec.typ = RecordType(buf[0])
	rest := buf[1:]

	idBytes, rest, err := decodeBytes(rest)
	if err != nil {
		return rec, err
	}
	rec.id.ID = string(idBytes)

	if len(rest) < 8 {
		return rec, fmt.Errorf("rangemetalog: truncated generation")
	}
	rec.id.Generation = varint.Fixed64(rest[:8])
	rest = rest[8:]

	nameBytes, rest, err := decodeBytes(rest)
	if err != nil {
		return rec, err
	}
	rec.id.Name = string(nameBytes)

	start, rest, err := decodeBytes(rest)
	if err != nil {
		return rec, err
	}
	rec.spec.StartRow = start

	end, rest, err := decodeBytes(rest)
	if err != nil {
		return rec, err
	}
	rec.spec.EndRow = end

	if len(rest) < 1 {
		return rec, fmt.Errorf("rangemetalog: truncated state")
	}
	rec.state.State = State(rest[0])
	rest = rest[1:]

	splitPoint, rest, err := decodeBytes(rest)
	if err != nil {
		return rec, err
	}
	rec.state.SplitPoint = splitPoint

	oldBoundary, rest, err := decodeBytes(rest)
	if err != nil {
		return rec, err
	}
	rec.state.OldBoundaryRow = oldBoundary

	transferLog, rest, err := decodeBytes(rest)
	if err != nil {
		return rec, err
	}
	rec.state.TransferLogPath = string(transferLog)

	if len(rest) < 8 {
		return rec, fmt.Errorf("rangemetalog: truncated soft limit")
	}
	rec.state.SoftLimit = int64(varint.Fixed64(rest[:8]))

	return rec, nil
}

func (l *RangeMetaLog) appendRecord(buf []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var framed []byte
	framed = varint.AppendFixed64(framed, checksum.Value(buf))
	framed = varint.AppendFixed32(framed, uint32(len(buf)))
	framed = append(framed, buf...)
	if err := l.file.Append(framed); err != nil {
		return err
	}
	return l.file.Sync()
}

// LogRangeLoaded records that a range has been loaded onto this server.
func (l *RangeMetaLog) LogRangeLoaded(id schema.TableIdentifier, spec schema.RangeSpec) error {
	return l.appendRecord(encodeRecord(Load, id, spec, RangeState{}))
}

// LogRangeRemoved records that a range has been unloaded from this
// server (master-confirmed unload, spec.md §3's Range lifecycle).
func (l *RangeMetaLog) LogRangeRemoved(id schema.TableIdentifier, spec schema.RangeSpec) error {
	return l.appendRecord(encodeRecord(Remove, id, spec, RangeState{}))
}

// LogSplitStart records the SPLIT_LOG_INSTALLED transition (spec.md
// §4.5 phase 1, step 7).
func (l *RangeMetaLog) LogSplitStart(id schema.TableIdentifier, spec schema.RangeSpec, st RangeState) error {
	st.State = SplitLogInstalled
	return l.appendRecord(encodeRecord(SplitStart, id, spec, st))
}

// LogSplitShrunk records the SPLIT_SHRUNK transition (spec.md §4.5 phase
// 2, step 4). spec is the range's *new*, post-shrink interval.
func (l *RangeMetaLog) LogSplitShrunk(id schema.TableIdentifier, spec schema.RangeSpec, st RangeState) error {
	st.State = SplitShrunkState
	return l.appendRecord(encodeRecord(SplitShrunk, id, spec, st))
}

// LogSplitDone records SPLIT_DONE, clearing the state record and
// returning the range to STEADY (spec.md §4.5 phase 3, step 3).
func (l *RangeMetaLog) LogSplitDone(id schema.TableIdentifier, spec schema.RangeSpec) error {
	return l.appendRecord(encodeRecord(SplitDone, id, spec, RangeState{State: Steady}))
}

// Close closes the underlying file.
func (l *RangeMetaLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// LoadedRange is one range's identity plus its folded state, as returned
// by Load.
type LoadedRange struct {
	ID    schema.TableIdentifier
	Spec  schema.RangeSpec
	State RangeState
	// Removed is true if the most recent record for this range was a
	// Remove — callers should not load it.
	Removed bool
}

// Load reads the entire journal at path and folds it per key (see
// rangeKey), returning the latest RangeState and spec recorded under each
// key; a key whose latest record is a Remove is returned with Removed
// set. A range that split mid-journal appears under two keys: the
// pre-split key keeps its SPLIT_LOG_INSTALLED record, and the post-split
// key holds the later records, since rangeengine.Range journals those
// under its narrower spec. Callers look a range up by its current spec.
func Load(fsys dfs.FS, path string) (map[string]*LoadedRange, error) {
	if !fsys.Exists(path) {
		return map[string]*LoadedRange{}, nil
	}
	f, err := fsys.OpenRandomAccess(path)
	if err != nil {
		return nil, fmt.Errorf("rangemetalog: open %s: %w", path, err)
	}
	defer f.Close()

	size := f.Size()
	if size < int64(len(magic)) {
		return map[string]*LoadedRange{}, nil
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("rangemetalog: read %s: %w", path, err)
	}
	if string(buf[:len(magic)]) != string(magic[:]) {
		return nil, fmt.Errorf("rangemetalog: %s: bad magic", path)
	}
	off := len(magic)

	out := map[string]*LoadedRange{}
	for off < len(buf) {
		if len(buf)-off < 12 {
			break // trailing partial write from a crash mid-append; ignore.
		}
		sum := varint.Fixed64(buf[off : off+8])
		length := varint.Fixed32(buf[off+8 : off+12])
		recStart := off + 12
		if len(buf) < recStart+int(length) {
			break
		}
		payload := buf[recStart : recStart+int(length)]
		if checksum.Value(payload) != sum {
			return nil, fmt.Errorf("rangemetalog: %s: checksum mismatch at offset %d", path, off)
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, fmt.Errorf("rangemetalog: %s: %w", path, err)
		}
		off = recStart + int(length)

		key := rangeKey(rec.id, rec.spec)
		switch rec.typ {
		case Remove:
			if lr, ok := out[key]; ok {
				lr.Removed = true
			} else {
				out[key] = &LoadedRange{ID: rec.id, Spec: rec.spec, Removed: true}
			}
		default:
			out[key] = &LoadedRange{ID: rec.id, Spec: rec.spec, State: rec.state}
		}
	}
	return out, nil
}
