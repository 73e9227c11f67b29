// Package accessgroup implements AccessGroup (spec.md §4.4): one
// CellCache plus an ordered list of CellStore files for a single column-
// family group inside a range. An AccessGroup accepts writes into its
// cache, reports memory/disk usage, flushes (minor compaction) when its
// cache crosses a configured threshold, merge-compacts its stores (major
// compaction) on request, and participates in split via Shrink and
// GetSplitRows.
//
// Grounded on internal/compaction/job.go's "compaction is a merge-scan
// into a new output file" shape, simplified from leveled/universal/FIFO
// multi-level picking (internal/compaction/picker.go) down to the spec's
// flat per-access-group file list — there is no level concept in
// spec.md's data model, so the picker's scoring logic has no analogue
// here (see DESIGN.md).
package accessgroup

import (
	"fmt"
	"path"
	"sync"
	"sync/atomic"

	"github.com/elq/hypertable/internal/cellcache"
	"github.com/elq/hypertable/internal/cellkey"
	"github.com/elq/hypertable/internal/cellstore"
	"github.com/elq/hypertable/internal/dfs"
	"github.com/elq/hypertable/internal/mergescan"
)

// Config holds the per-access-group tunables supplied at construction.
type Config struct {
	// Dir is the DFS directory this access group's CellStore files live
	// under.
	Dir string
	// CellStoreOptions configures every CellStore this access group
	// writes (block size, compression, Bloom mode).
	CellStoreOptions cellstore.Options
	// CacheLimit is the CellCache memory threshold (bytes) past which
	// NeedsCompaction reports true, used by the maintenance scheduler's
	// flush trigger (spec.md §4.4, §4.8).
	CacheLimit int64
	// MaxVersions caps INSERT versions per cell surviving a major
	// compaction (spec.md §4.3's "top-N versions per column"). Zero
	// means unlimited. Applied uniformly across the access group, since
	// this module's Schema type carries no per-column MAX_VERSIONS.
	MaxVersions int
	// TTLMicros, if non-zero, drops INSERT cells older than Now-TTLMicros
	// during a major compaction, applied uniformly across the group for
	// the same reason as MaxVersions.
	TTLMicros int64
}

// storeEntry pairs an open Reader with the path it was opened from, so
// Shrink can close and reopen it with new row bounds.
type storeEntry struct {
	path   string
	reader *cellstore.Reader
}

// AccessGroup owns one CellCache and an ordered list of CellStores.
type AccessGroup struct {
	Name string
	fs   dfs.FS
	cfg  Config

	mu     sync.Mutex // guards stores and frozen below
	stores []*storeEntry

	cache  *cellcache.CellCache
	frozen *cellcache.CellCache // set by InitiateCompaction, cleared by RunCompaction

	fileSeq atomic.Int64
}

// New returns an empty AccessGroup with a fresh CellCache.
func New(name string, fs dfs.FS, cfg Config) *AccessGroup {
	return &AccessGroup{Name: name, fs: fs, cfg: cfg, cache: cellcache.New()}
}

// OpenExisting returns an AccessGroup over a previously-written set of
// CellStore files, used when a range is reloaded or recovered. storeFiles
// must be in oldest-to-newest order, matching the metadata table's
// Files:<ag_name> column contents.
func OpenExisting(name string, fs dfs.FS, cfg Config, storeFiles []string, startRow, endRow []byte) (*AccessGroup, error) {
	ag := New(name, fs, cfg)
	for _, p := range storeFiles {
		r, err := cellstore.Open(fs, p, startRow, endRow)
		if err != nil {
			return nil, fmt.Errorf("accessgroup %s: open %s: %w", name, p, err)
		}
		if err := r.LoadIndex(); err != nil {
			return nil, fmt.Errorf("accessgroup %s: load index %s: %w", name, p, err)
		}
		ag.stores = append(ag.stores, &storeEntry{path: p, reader: r})
	}
	return ag, nil
}

// Add inserts one cell into the active CellCache. The caller must hold
// the owning range's write lock for the duration of the call (spec.md
// §4.4).
func (ag *AccessGroup) Add(key *cellkey.Key, value []byte) {
	ag.mu.Lock()
	cache := ag.cache
	ag.mu.Unlock()
	cache.Add(key, value)
}

// SpaceUsage returns (cache bytes, sum of CellStore disk usage).
func (ag *AccessGroup) SpaceUsage() (mem, disk int64) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	mem = ag.cache.MemoryUsage()
	if ag.frozen != nil {
		mem += ag.frozen.MemoryUsage()
	}
	for _, s := range ag.stores {
		disk += s.reader.Size()
	}
	return mem, disk
}

// NeedsCompaction reports whether the active cache's memory usage has
// reached the configured CacheLimit.
func (ag *AccessGroup) NeedsCompaction() bool {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	return ag.cache.MemoryUsage() >= ag.cfg.CacheLimit
}

// StoreCount returns the number of live CellStores.
func (ag *AccessGroup) StoreCount() int {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	return len(ag.stores)
}

// InitiateCompaction freezes the current CellCache and swaps in a fresh
// empty one, atomically under the caller's write barrier (spec.md §4.4).
// Readers already holding a reference to the frozen cache (an in-flight
// scanner) continue using it; new writes land in the fresh cache. Returns
// false if a compaction is already in flight (the frozen slot is
// occupied) — the caller must finish that one with RunCompaction first.
func (ag *AccessGroup) InitiateCompaction() bool {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	if ag.frozen != nil {
		return false
	}
	ag.cache.Freeze()
	ag.frozen = ag.cache
	ag.cache = cellcache.New()
	return true
}

// FrozenCacheScanner returns a scanner over the frozen cache set by
// InitiateCompaction, or nil if none is frozen.
func (ag *AccessGroup) FrozenCacheScanner() *cellcache.Scanner {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	if ag.frozen == nil {
		return nil
	}
	return ag.frozen.CreateScanner()
}

// MaxStoreRevision returns the largest Revision recorded across every
// live CellStore, or 0 if the access group has none. Recovery uses this
// as the cutoff below which a commit-log cell is already durable and
// should not be replayed into the cache again.
func (ag *AccessGroup) MaxStoreRevision() uint64 {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	var max uint64
	for _, s := range ag.stores {
		if r := s.reader.Trailer().Revision; r > max {
			max = r
		}
	}
	return max
}

// RestoreFrozen installs cache as the frozen cache slot, freezing it in
// the process. Used only during SPLIT_LOG_INSTALLED recovery to rebuild
// the pre-split snapshot that would otherwise have been produced by
// InitiateCompaction before the crash. Panics if a frozen cache is
// already present, since recovery runs before any other compaction can
// be initiated.
func (ag *AccessGroup) RestoreFrozen(cache *cellcache.CellCache) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	if ag.frozen != nil {
		panic(fmt.Sprintf("accessgroup %s: RestoreFrozen called with a compaction already in flight", ag.Name))
	}
	cache.Freeze()
	ag.frozen = cache
}

// CreateCacheAndStoreScanners returns one mergescan.LeafScanner per live
// source this access group currently holds — the active cache, the
// frozen cache if a compaction is in flight, and every CellStore — for
// Range.CreateScanner to fold into one MergeScanner (spec.md §4.5).
func (ag *AccessGroup) CreateCacheAndStoreScanners() ([]mergescan.LeafScanner, error) {
	ag.mu.Lock()
	cache := ag.cache
	frozen := ag.frozen
	stores := append([]*storeEntry(nil), ag.stores...)
	ag.mu.Unlock()

	leaves := make([]mergescan.LeafScanner, 0, len(stores)+2)
	leaves = append(leaves, cache.CreateScanner())
	if frozen != nil {
		leaves = append(leaves, frozen.CreateScanner())
	}
	for _, s := range stores {
		sc, err := s.reader.CreateScanner()
		if err != nil {
			return nil, fmt.Errorf("accessgroup %s: scan %s: %w", ag.Name, s.path, err)
		}
		leaves = append(leaves, sc)
	}
	return leaves, nil
}

func (ag *AccessGroup) newStorePath() string {
	return path.Join(ag.cfg.Dir, fmt.Sprintf("cs-%d", ag.fileSeq.Add(1)))
}

// RunCompaction runs outside any barrier. For a minor compaction it
// drains the frozen cache (set by a prior InitiateCompaction) into a new
// CellStore and appends it to the store list. For a major compaction it
// merge-scans the frozen cache (if any) plus every current CellStore,
// applying version/TTL limits and tombstone masking (the tombstones
// themselves are carried into the result), and replaces the entire
// store list with the single result. now is the reference timestamp
// (microseconds since epoch) TTL expiry is computed against; ignored for
// a minor compaction, which never drops cells.
func (ag *AccessGroup) RunCompaction(major bool, now int64) error {
	ag.mu.Lock()
	frozen := ag.frozen
	stores := append([]*storeEntry(nil), ag.stores...)
	ag.mu.Unlock()

	if !major && frozen == nil {
		return fmt.Errorf("accessgroup %s: minor compaction requested with no frozen cache", ag.Name)
	}

	var leaves []mergescan.LeafScanner
	if frozen != nil {
		leaves = append(leaves, frozen.CreateScanner())
	}
	if major {
		for _, s := range stores {
			sc, err := s.reader.CreateScanner()
			if err != nil {
				return fmt.Errorf("accessgroup %s: scan %s: %w", ag.Name, s.path, err)
			}
			leaves = append(leaves, sc)
		}
	}

	var source mergescan.LeafScanner
	if major {
		source = mergescan.New(leaves, mergescan.ScanContext{
			MaxVersions:   ag.cfg.MaxVersions,
			TTLMicros:     ag.cfg.TTLMicros,
			Now:           now,
			ReturnDeletes: true,
		})
	} else if len(leaves) == 1 {
		source = leaves[0]
	} else {
		source = mergescan.New(leaves, mergescan.ScanContext{})
	}

	newPath := ag.newStorePath()
	w, err := cellstore.Create(ag.fs, newPath, ag.cfg.CellStoreOptions)
	if err != nil {
		return fmt.Errorf("accessgroup %s: create %s: %w", ag.Name, newPath, err)
	}

	var maxRevision uint64
	for source.Next() {
		k := source.Key()
		if k.Revision > maxRevision {
			maxRevision = k.Revision
		}
		if err := w.Add(k, source.Value()); err != nil {
			return fmt.Errorf("accessgroup %s: write %s: %w", ag.Name, newPath, err)
		}
	}
	if err := source.Err(); err != nil {
		return fmt.Errorf("accessgroup %s: merge scan: %w", ag.Name, err)
	}
	w.SetRevision(maxRevision)
	if _, err := w.Finalize(); err != nil {
		return fmt.Errorf("accessgroup %s: finalize %s: %w", ag.Name, newPath, err)
	}

	if w.Entries() == 0 {
		// Nothing survived (every cell was TTL'd or version-trimmed); drop
		// the empty file rather than leaving a zero-cell store around.
		_ = ag.fs.Remove(newPath)
		return ag.replaceStores(major, stores, nil)
	}

	r, err := cellstore.Open(ag.fs, newPath, nil, nil)
	if err != nil {
		return fmt.Errorf("accessgroup %s: reopen %s: %w", ag.Name, newPath, err)
	}
	if err := r.LoadIndex(); err != nil {
		return fmt.Errorf("accessgroup %s: load index %s: %w", ag.Name, newPath, err)
	}

	return ag.replaceStores(major, stores, &storeEntry{path: newPath, reader: r})
}

// replaceStores commits the compaction's output under the lock: a major
// compaction replaces the whole list with the single new store (or an
// empty list if everything was dropped); a minor compaction appends the
// new store and discards the frozen cache.
func (ag *AccessGroup) replaceStores(major bool, consumed []*storeEntry, result *storeEntry) error {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	if major {
		for _, s := range consumed {
			_ = s.reader.Close()
		}
		if result != nil {
			ag.stores = []*storeEntry{result}
		} else {
			ag.stores = nil
		}
	} else if result != nil {
		ag.stores = append(ag.stores, result)
	}
	ag.frozen = nil
	return nil
}

// FilePaths returns the current CellStore file paths, oldest first, for
// persisting to the metadata table's Files:<ag_name> column.
func (ag *AccessGroup) FilePaths() []string {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	out := make([]string, len(ag.stores))
	for i, s := range ag.stores {
		out[i] = s.path
	}
	return out
}

// Shrink is called during split phase 2 (spec.md §4.5): re-opens every
// CellStore with the new, narrower row interval so that scans clip to it.
// The caches are left untouched: writes destined for the departing side
// never reached this access group's live cache (they were diverted to
// the transfer log in phase 1).
func (ag *AccessGroup) Shrink(startRow, endRow []byte) error {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	for i, s := range ag.stores {
		path := s.path
		if err := s.reader.Close(); err != nil {
			return fmt.Errorf("accessgroup %s: close %s during shrink: %w", ag.Name, path, err)
		}
		r, err := cellstore.Open(ag.fs, path, startRow, endRow)
		if err != nil {
			return fmt.Errorf("accessgroup %s: reopen %s during shrink: %w", ag.Name, path, err)
		}
		if err := r.LoadIndex(); err != nil {
			return fmt.Errorf("accessgroup %s: load index %s during shrink: %w", ag.Name, path, err)
		}
		ag.stores[i] = &storeEntry{path: path, reader: r}
	}
	return nil
}

// GetSplitRows appends candidate split-row suggestions to out (spec.md
// §4.4). In the easy path (hard=false) it suggests the row that the
// largest CellStore's GetSplitRow returns (the first key of the block at
// or past its block-offset midpoint). In the hard path it instead scans
// the CellCache's sorted keys and returns the median row, used when some
// access group yielded no easy-path candidate or the easy-path median
// fell outside the range's row interval (spec.md §4.5 phase 1, step 2).
func (ag *AccessGroup) GetSplitRows(hard bool) ([][]byte, error) {
	if hard {
		return ag.hardSplitCandidates()
	}
	return ag.easySplitCandidates()
}

func (ag *AccessGroup) easySplitCandidates() ([][]byte, error) {
	ag.mu.Lock()
	stores := append([]*storeEntry(nil), ag.stores...)
	ag.mu.Unlock()

	if len(stores) == 0 {
		return nil, nil
	}
	var largest *storeEntry
	var largestSize int64
	for _, s := range stores {
		sz := s.reader.Size()
		if largest == nil || sz > largestSize {
			largest, largestSize = s, sz
		}
	}
	row, err := largest.reader.GetSplitRow()
	if err != nil {
		return nil, nil
	}
	return [][]byte{row}, nil
}

func (ag *AccessGroup) hardSplitCandidates() ([][]byte, error) {
	ag.mu.Lock()
	cache := ag.cache
	ag.mu.Unlock()

	sc := cache.CreateScanner()
	var rows [][]byte
	seen := make(map[string]bool)
	for sc.Next() {
		row := sc.Key().Row
		key := string(row)
		if !seen[key] {
			seen[key] = true
			rows = append(rows, append([]byte(nil), row...))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return [][]byte{rows[len(rows)/2]}, nil
}
