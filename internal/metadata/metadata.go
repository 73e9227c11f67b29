// Package metadata implements the METADATA table collaborator described
// in spec.md §6: "a regular Hypertable table (id = 0) whose rows are
// '<table_id>:<end_row>'", with columns StartRow, Files:<ag_name>, and
// Location read and written by the range lifecycle engine during split
// (spec.md §4.5 phase 2, step 2) and range load.
//
// spec.md §9's design note on "Dynamic dispatch across Metadata variants"
// is followed: the capability set {reset_files_scan, get_next_files,
// write_files} is expressed as a sum type (Variant) with two cases, a
// RootVariant and a NormalVariant, differing only in where they source a
// range's file list — the root range's own bootstrap file on DFS versus
// a row of the shared in-memory Table below.
package metadata

import (
	"fmt"
	"sort"
	"sync"
)

// Entry is one row of the METADATA table: one range's boundaries and
// per-access-group file lists.
type Entry struct {
	StartRow []byte
	EndRow   []byte
	// Files maps access-group name to its ordered CellStore file paths,
	// the Files:<ag_name> column family in spec.md §6.
	Files map[string][]string
	// Location is the server this range is assigned to; written only for
	// a high-split sibling per spec.md §4.5 phase 2, step 2.
	Location string
}

func rowKey(tableID string, endRow []byte) string {
	return fmt.Sprintf("%s:%s", tableID, endRow)
}

// Table is the shared, process-wide METADATA table handle (spec.md §5's
// "MetadataTable handle — process-wide, reference-counted"; here a plain
// mutex-guarded map, since this module's scope is the range engine, not a
// full recursive Hypertable table implementation of the metadata table
// itself).
type Table struct {
	mu   sync.Mutex
	rows map[string]*Entry
}

// NewTable returns an empty METADATA table.
func NewTable() *Table { return &Table{rows: make(map[string]*Entry)} }

// Get returns the entry for (tableID, endRow), if present.
func (t *Table) Get(tableID string, endRow []byte) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.rows[rowKey(tableID, endRow)]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(e), true
}

func cloneEntry(e *Entry) Entry {
	out := Entry{
		StartRow: append([]byte(nil), e.StartRow...),
		EndRow:   append([]byte(nil), e.EndRow...),
		Location: e.Location,
		Files:    make(map[string][]string, len(e.Files)),
	}
	for ag, files := range e.Files {
		out.Files[ag] = append([]string(nil), files...)
	}
	return out
}

// InsertEntry inserts or replaces the row for (tableID, entry.EndRow).
// Used by split phase 2 to create the new sibling's metadata row (spec.md
// §4.5 phase 2, step 2b).
func (t *Table) InsertEntry(tableID string, entry Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	stored := cloneEntry(&entry)
	t.rows[rowKey(tableID, entry.EndRow)] = &stored
	return nil
}

// PutStartRow updates the StartRow column of an existing row (spec.md
// §4.5 phase 2, step 2a: "change StartRow of the existing row's metadata
// entry").
func (t *Table) PutStartRow(tableID string, endRow, newStartRow []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.rows[rowKey(tableID, endRow)]
	if !ok {
		return fmt.Errorf("metadata: no row for %s:%s", tableID, endRow)
	}
	e.StartRow = append([]byte(nil), newStartRow...)
	return nil
}

// PutFiles replaces the Files:<agName> column of a row. Used after every
// flush/compaction to keep the metadata table in sync with an access
// group's current CellStore list (spec.md §4.4's run_compaction: "updates
// the metadata table's Files column for this range").
func (t *Table) PutFiles(tableID string, endRow []byte, agName string, paths []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.rows[rowKey(tableID, endRow)]
	if !ok {
		return fmt.Errorf("metadata: no row for %s:%s", tableID, endRow)
	}
	if e.Files == nil {
		e.Files = make(map[string][]string)
	}
	e.Files[agName] = append([]string(nil), paths...)
	return nil
}

// PutLocation sets the Location column, written for a high-split
// sibling (spec.md §4.5 phase 2, step 2b).
func (t *Table) PutLocation(tableID string, endRow []byte, location string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.rows[rowKey(tableID, endRow)]
	if !ok {
		return fmt.Errorf("metadata: no row for %s:%s", tableID, endRow)
	}
	e.Location = location
	return nil
}

// Variant is the capability set a range needs from its own metadata row:
// resetting and iterating its per-access-group file list on load. Root
// and normal ranges source this differently (see package doc).
type Variant interface {
	ResetFilesScan() error
	GetNextFiles() (agName string, paths []string, ok bool)
	WriteFiles(agName string, paths []string) error
}

// NormalVariant sources a range's Files columns from a row of the shared
// Table, keyed by (tableID, endRow).
type NormalVariant struct {
	table   *Table
	tableID string
	endRow  []byte

	cursor   []string // sorted ag names remaining to iterate
	snapshot map[string][]string
}

// NewNormalVariant returns a Variant over the METADATA table row for
// (tableID, endRow).
func NewNormalVariant(table *Table, tableID string, endRow []byte) *NormalVariant {
	return &NormalVariant{table: table, tableID: tableID, endRow: endRow}
}

func (v *NormalVariant) ResetFilesScan() error {
	e, ok := v.table.Get(v.tableID, v.endRow)
	if !ok {
		v.snapshot = nil
		v.cursor = nil
		return nil
	}
	v.snapshot = e.Files
	names := make([]string, 0, len(e.Files))
	for ag := range e.Files {
		names = append(names, ag)
	}
	sort.Strings(names)
	v.cursor = names
	return nil
}

func (v *NormalVariant) GetNextFiles() (string, []string, bool) {
	if len(v.cursor) == 0 {
		return "", nil, false
	}
	ag := v.cursor[0]
	v.cursor = v.cursor[1:]
	return ag, v.snapshot[ag], true
}

func (v *NormalVariant) WriteFiles(agName string, paths []string) error {
	return v.table.PutFiles(v.tableID, v.endRow, agName, paths)
}

// RootVariant sources the root range's file list from its own bootstrap
// state rather than a row of the METADATA table — the root range *is*
// table id 0, so it cannot describe itself recursively. It is backed by
// the same in-process Table keyed under a fixed sentinel row, modeling
// the root range's dedicated bootstrap file on DFS without introducing a
// second storage mechanism.
type RootVariant struct {
	inner *NormalVariant
}

// rootSentinelTableID is the key the root range's own file list is
// stored under, distinct from any real table id.
const rootSentinelTableID = "\x00root"

// NewRootVariant returns a Variant for the root range.
func NewRootVariant(table *Table) *RootVariant {
	return &RootVariant{inner: NewNormalVariant(table, rootSentinelTableID, []byte("root"))}
}

func (v *RootVariant) ResetFilesScan() error                                { return v.inner.ResetFilesScan() }
func (v *RootVariant) GetNextFiles() (string, []string, bool)               { return v.inner.GetNextFiles() }
func (v *RootVariant) WriteFiles(agName string, paths []string) error       { return v.inner.WriteFiles(agName, paths) }
func (v *RootVariant) ensureRow() error {
	if _, ok := v.inner.table.Get(rootSentinelTableID, []byte("root")); ok {
		return nil
	}
	return v.inner.table.InsertEntry(rootSentinelTableID, Entry{EndRow: []byte("root")})
}

// NewVariant returns a RootVariant if isRoot, otherwise a NormalVariant,
// and ensures backing storage exists for either case.
func NewVariant(table *Table, tableID string, endRow []byte, isRoot bool) (Variant, error) {
	if isRoot {
		v := NewRootVariant(table)
		if err := v.ensureRow(); err != nil {
			return nil, err
		}
		return v, nil
	}
	if _, ok := table.Get(tableID, endRow); !ok {
		if err := table.InsertEntry(tableID, Entry{EndRow: endRow}); err != nil {
			return nil, err
		}
	}
	return NewNormalVariant(table, tableID, endRow), nil
}
