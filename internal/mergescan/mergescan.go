// Package mergescan implements MergeScanner: the k-way merge over a
// CellCache scanner and zero or more CellStore scanners that backs every
// read against an access group (spec.md §4.3).
//
// Leaf scanners produce cells in the canonical tuple order (row,
// column_family, column_qualifier, flag, timestamp desc, revision desc).
// Because delete flags (0, 1, 2) sort before FlagInsert (255) at a fixed
// (row, column_family, column_qualifier) prefix, a tombstone is always
// observed by the merge before any insert it might mask, as long as the
// tombstone's key uses the convention that makes its prefix sort first:
// DELETE_ROW keys carry cellkey.RootColumnFamily as their column family,
// and DELETE_COLUMN_FAMILY keys carry an empty column qualifier. Given
// that, a single forward pass tracks one active delete timestamp per
// scope (row, column-family, cell) and masks any insert whose timestamp
// is at or below it — the classic Bigtable/Hypertable tombstone algorithm.
//
// Grounded on internal/iterator/merging_iterator.go for the heap-merge
// mechanics (container/heap over child iterators, advance-and-refill),
// and on internal/rangedel/aggregator.go for the "track the active
// tombstone, mask on timestamp, not on arrival order" pattern, generalized
// from range deletions to the three point-tombstone flags here.
package mergescan

import (
	"bytes"
	"container/heap"

	"github.com/elq/hypertable/internal/cellkey"
)

// LeafScanner is satisfied by cellcache.Scanner and cellstore.Scanner.
type LeafScanner interface {
	Next() bool
	Key() *cellkey.Key
	Value() []byte
	Err() error
}

// ScanContext carries the per-scan parameters that shape masking and
// filtering, analogous to a Hypertable ScanSpec.
type ScanContext struct {
	// MaxVersions caps the number of INSERT versions returned per cell.
	// Zero means unlimited.
	MaxVersions int

	// TTLMicros, if non-zero, expires any cell older than Now-TTLMicros.
	TTLMicros int64
	// Now is the scan's reference timestamp (microseconds since epoch),
	// required when TTLMicros is non-zero. Passed explicitly rather than
	// read from the wall clock so scans are deterministic and testable.
	Now int64

	// ReturnDeletes, if true, surfaces delete markers themselves as
	// scan results instead of only using them to mask. Set by
	// AccessGroup's major compaction, which carries tombstones forward
	// into the compacted CellStore.
	ReturnDeletes bool

	// Families, if non-empty, restricts results to these column
	// families. Nil or empty means no filtering.
	Families map[uint8]bool
}

func (c *ScanContext) includesFamily(cf uint8) bool {
	if len(c.Families) == 0 {
		return true
	}
	return c.Families[cf]
}

// MergeScanner is the merged, masked, filtered stream of cells across a
// CellCache and any number of CellStore scanners.
type MergeScanner struct {
	leaves []LeafScanner
	h      *scanHeap
	ctx    ScanContext
	err    error

	key *cellkey.Key
	val []byte

	haveRow      bool
	row          []byte
	rowDelete    bool
	rowDeleteTS  int64
	haveCF       bool
	cf           uint8
	cfDelete     bool
	cfDeleteTS   int64
	haveQual     bool
	qualifier    []byte
	cellDelete   bool
	cellDeleteTS int64
	versions     int
}

// New returns a MergeScanner over leaves. Every leaf must already be
// positioned to yield its first cell on its first Next() call (i.e. a
// freshly created cellcache.Scanner or cellstore.Scanner).
func New(leaves []LeafScanner, ctx ScanContext) *MergeScanner {
	m := &MergeScanner{leaves: leaves, ctx: ctx, h: &scanHeap{}}
	for i, l := range leaves {
		if l.Next() {
			heap.Push(m.h, heapItem{idx: i, key: l.Key()})
		} else if err := l.Err(); err != nil {
			m.err = err
		}
	}
	return m
}

// Key returns the current cell's key. Valid only after Next returns true.
func (m *MergeScanner) Key() *cellkey.Key { return m.key }

// Value returns the current cell's value. Valid only after Next returns
// true.
func (m *MergeScanner) Value() []byte { return m.val }

// Err returns the first error encountered among the leaf scanners.
func (m *MergeScanner) Err() error { return m.err }

// Next advances to the next visible cell, applying version/TTL/family
// filtering and tombstone masking, and skipping exact duplicate keys
// (same revision included) that several leaves hold. Returns false at end
// of scan or error.
func (m *MergeScanner) Next() bool {
	if m.err != nil {
		return false
	}
	for m.h.Len() > 0 {
		top := m.h.items[0]
		key := top.key
		val := m.leaves[top.idx].Value()

		if m.leaves[top.idx].Next() {
			m.h.items[0].key = m.leaves[top.idx].Key()
			heap.Fix(m.h, 0)
		} else {
			heap.Pop(m.h)
			if err := m.leaves[top.idx].Err(); err != nil {
				m.err = err
				return false
			}
		}

		// Equal keys are adjacent in merge order, so a key equal to the
		// last one returned is a second copy (e.g. from a replayed log).
		if m.key != nil && cellkey.CompareKeys(key, m.key) == 0 {
			continue
		}

		m.updateScope(key)

		if key.Flag.IsDelete() {
			m.applyDelete(key)
			if m.ctx.ReturnDeletes {
				m.key, m.val = key, val
				return true
			}
			continue
		}

		if !m.ctx.includesFamily(key.ColumnFamily) {
			continue
		}
		if m.masked(key) {
			continue
		}
		if m.ctx.TTLMicros > 0 && key.Timestamp < m.ctx.Now-m.ctx.TTLMicros {
			continue
		}
		if m.ctx.MaxVersions > 0 && m.versions >= m.ctx.MaxVersions {
			continue
		}
		m.versions++
		m.key, m.val = key, val
		return true
	}
	return false
}

// updateScope resets the per-scope delete/version state whenever the
// current key crosses into a new row, column family, or cell.
func (m *MergeScanner) updateScope(k *cellkey.Key) {
	sameCF := m.haveCF && m.cf == k.ColumnFamily && bytes.Equal(m.row, k.Row)
	sameRow := m.haveRow && bytes.Equal(m.row, k.Row)
	sameCell := m.haveQual && sameCF && bytes.Equal(m.qualifier, k.ColumnQualifier)

	if !sameRow {
		m.row = k.Row
		m.haveRow = true
		m.rowDelete = false
		m.haveCF = false
	}
	if !sameCF {
		m.cf = k.ColumnFamily
		m.haveCF = true
		m.cfDelete = false
		m.haveQual = false
	}
	if !sameCell {
		m.qualifier = k.ColumnQualifier
		m.haveQual = true
		m.cellDelete = false
		m.versions = 0
	}
}

// applyDelete records the active delete timestamp for the scope implied
// by k.Flag. Only the first delete seen in a scope is recorded: because
// same-flag entries within a scope arrive timestamp-descending, the first
// one is already the newest.
func (m *MergeScanner) applyDelete(k *cellkey.Key) {
	switch k.Flag {
	case cellkey.FlagDeleteRow:
		if !m.rowDelete {
			m.rowDelete = true
			m.rowDeleteTS = k.Timestamp
		}
	case cellkey.FlagDeleteColumnFamily:
		if !m.cfDelete {
			m.cfDelete = true
			m.cfDeleteTS = k.Timestamp
		}
	case cellkey.FlagDeleteCell:
		if !m.cellDelete {
			m.cellDelete = true
			m.cellDeleteTS = k.Timestamp
		}
	}
}

// masked reports whether k is covered by an active row, column-family, or
// cell tombstone.
func (m *MergeScanner) masked(k *cellkey.Key) bool {
	if m.rowDelete && k.Timestamp <= m.rowDeleteTS {
		return true
	}
	if m.cfDelete && k.Timestamp <= m.cfDeleteTS {
		return true
	}
	if m.cellDelete && k.Timestamp <= m.cellDeleteTS {
		return true
	}
	return false
}

type heapItem struct {
	idx int
	key *cellkey.Key
}

// scanHeap is a min-heap over heapItem ordered by cellkey.CompareKeys,
// mirroring internal/iterator/merging_iterator.go's iterHeap.
type scanHeap struct{ items []heapItem }

func (h *scanHeap) Len() int { return len(h.items) }

func (h *scanHeap) Less(i, j int) bool {
	return cellkey.CompareKeys(h.items[i].key, h.items[j].key) < 0
}

func (h *scanHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *scanHeap) Push(x any) { h.items = append(h.items, x.(heapItem)) }

func (h *scanHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
