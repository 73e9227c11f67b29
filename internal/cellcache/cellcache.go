// Package cellcache implements CellCache: the in-memory, mutable, sorted
// holding area for cells written to an access group since its last flush
// (spec.md §4.2). Writes accumulate under CellCache.Add until Freeze is
// called (at which point the access group hands the frozen cache to a
// flush and starts a fresh one). A Scanner over a frozen cache is stable;
// one over a live cache may race with concurrent Adds (see Scanner).
//
// Grounded on internal/memtable/memtable.go + internal/memtable/skiplist.go:
// same "ordered skip list of length-prefixed entries" shape, generalized
// from RocksDB's (user_key, seq, type) internal key to cellkey.Key, and
// from "immutable flag flips atomically, in-flight writers finish under
// the owning mutex" to the same discipline here.
package cellcache

import (
	"sync"
	"sync/atomic"

	"github.com/elq/hypertable/internal/cellkey"
	"github.com/elq/hypertable/internal/varint"
)

// CellCache holds cells for one access group in (row, cf, qualifier,
// flag, timestamp desc, revision desc) order.
type CellCache struct {
	mu    sync.Mutex
	list  *skipList
	frozen atomic.Bool

	memoryUsage int64
	cellCount   int64

	rows      map[string]struct{}
	collisions int64 // cells added for a row already present in rows
}

// New returns an empty CellCache.
func New() *CellCache {
	c := &CellCache{rows: make(map[string]struct{})}
	c.list = newSkipList(func(a, b []byte) int {
		return cellkey.Compare(extractKey(a), extractKey(b))
	})
	return c
}

// entry wire format: varint32(keyLen) encodedKey varint32(valueLen) value.
func encodeEntry(encKey, value []byte) []byte {
	out := make([]byte, 0, len(encKey)+len(value)+10)
	out = varint.AppendVarint32(out, uint32(len(encKey)))
	out = append(out, encKey...)
	out = varint.AppendVarint32(out, uint32(len(value)))
	out = append(out, value...)
	return out
}

func extractKey(entry []byte) []byte {
	keyLen, n := varint.GetVarint32(entry)
	if n <= 0 {
		return nil
	}
	return entry[n : n+int(keyLen)]
}

func decodeEntry(entry []byte) (key []byte, value []byte) {
	keyLen, n := varint.GetVarint32(entry)
	off := n
	key = entry[off : off+int(keyLen)]
	off += int(keyLen)
	valLen, n2 := varint.GetVarint32(entry[off:])
	off += n2
	value = entry[off : off+int(valLen)]
	return key, value
}

// Add inserts one cell. Panics if the cache has been frozen: callers must
// route writes to a fresh CellCache once an access group freezes the
// active one for flush.
func (c *CellCache) Add(key *cellkey.Key, value []byte) {
	if c.frozen.Load() {
		panic("cellcache: Add called on a frozen CellCache")
	}
	encKey := cellkey.Encode(nil, key)
	entry := encodeEntry(encKey, value)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.insert(entry)
	c.cellCount++
	atomic.AddInt64(&c.memoryUsage, int64(len(entry)+64)) // +64: node/pointer overhead estimate

	rowKey := string(key.Row)
	if _, ok := c.rows[rowKey]; ok {
		c.collisions++
	} else {
		c.rows[rowKey] = struct{}{}
	}
}

// Freeze marks the cache read-only. Safe to call more than once.
func (c *CellCache) Freeze() { c.frozen.Store(true) }

// Frozen reports whether Freeze has been called.
func (c *CellCache) Frozen() bool { return c.frozen.Load() }

// MemoryUsage returns the approximate memory footprint in bytes, used by
// AccessGroup.space_usage and the maintenance scheduler's flush trigger.
func (c *CellCache) MemoryUsage() int64 { return atomic.LoadInt64(&c.memoryUsage) }

// CellCount returns the number of cells added so far.
func (c *CellCache) CellCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cellCount
}

// RowCount returns the number of distinct rows with at least one cell.
func (c *CellCache) RowCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.rows))
}

// RowCollisionCount returns the number of cells added for a row that
// already had at least one cell — a proxy for write hot-spotting used by
// the maintenance scheduler's split-priority scoring.
func (c *CellCache) RowCollisionCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collisions
}

// Scanner iterates a CellCache's cells in key order. A Scanner over a
// frozen CellCache is stable: Freeze is the access group's copy-on-freeze
// point, after which no further Add can occur, so every Scanner created
// from that point on sees exactly the same cells. A Scanner created over a
// still-mutable CellCache may or may not observe a concurrent Add that
// races with its traversal. Range.CreateScanner holds the range's scan
// barrier only while it builds its scanners, not while they are read.
type Scanner struct {
	it  *iterator
	key *cellkey.Key
	val []byte
	err error
}

// CreateScanner returns a Scanner positioned before the first cell.
func (c *CellCache) CreateScanner() *Scanner {
	it := c.list.newIterator()
	it.seekToFirst()
	return &Scanner{it: it}
}

// Next advances to the next cell, returning false at end of cache.
func (s *Scanner) Next() bool {
	if !s.it.valid() {
		return false
	}
	k, v := decodeEntry(s.it.entry())
	key, _, err := cellkey.Decode(k)
	if err != nil {
		s.err = err
		return false
	}
	s.key = key
	s.val = v
	s.it.next()
	return true
}

// Key returns the current cell's key. Valid only after Next returns true.
func (s *Scanner) Key() *cellkey.Key { return s.key }

// Value returns the current cell's value. Valid only after Next returns
// true.
func (s *Scanner) Value() []byte { return s.val }

// Err returns the first error encountered during iteration, if any.
func (s *Scanner) Err() error { return s.err }
