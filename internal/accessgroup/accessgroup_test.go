package accessgroup

import (
	"testing"

	"github.com/elq/hypertable/internal/cellkey"
	"github.com/elq/hypertable/internal/cellstore"
	"github.com/elq/hypertable/internal/testutil"
)

func testConfig(dir string) Config {
	return Config{
		Dir:              dir,
		CellStoreOptions: cellstore.DefaultOptions(),
		CacheLimit:       1 << 20,
	}
}

func key(row string, rev uint64) *cellkey.Key {
	return &cellkey.Key{Row: []byte(row), ColumnFamily: 1, Flag: cellkey.FlagInsert, Timestamp: 1000, Revision: rev}
}

func scanAll(t *testing.T, ag *AccessGroup) int {
	t.Helper()
	leaves, err := ag.CreateCacheAndStoreScanners()
	if err != nil {
		t.Fatalf("CreateCacheAndStoreScanners: %v", err)
	}
	n := 0
	for _, sc := range leaves {
		for sc.Next() {
			n++
		}
		if err := sc.Err(); err != nil {
			t.Fatalf("leaf scan: %v", err)
		}
	}
	return n
}

// TestMinorCompactionDrainsCache exercises S4: write cells, freeze and
// flush them into a CellStore, and confirm the cache empties while the
// store's cells remain scannable.
func TestMinorCompactionDrainsCache(t *testing.T) {
	fs := testutil.NewMemFS()
	ag := New("ag1", fs, testConfig("/ag1"))

	for i, row := range []string{"a", "b", "c"} {
		ag.Add(key(row, uint64(i+1)), []byte(row))
	}

	if ag.NeedsCompaction() {
		t.Fatalf("NeedsCompaction: want false before cache fills, got true")
	}
	if !ag.InitiateCompaction() {
		t.Fatalf("InitiateCompaction: want true")
	}
	// A second InitiateCompaction must fail: a compaction is already in
	// flight until RunCompaction clears the frozen slot.
	if ag.InitiateCompaction() {
		t.Fatalf("InitiateCompaction: want false while a freeze is already pending")
	}

	if err := ag.RunCompaction(false, 0); err != nil {
		t.Fatalf("RunCompaction: %v", err)
	}
	if ag.StoreCount() != 1 {
		t.Fatalf("StoreCount = %d, want 1", ag.StoreCount())
	}
	mem, disk := ag.SpaceUsage()
	if mem != 0 {
		t.Fatalf("cache memory after flush = %d, want 0", mem)
	}
	if disk == 0 {
		t.Fatalf("disk usage after flush = 0, want > 0")
	}

	if n := scanAll(t, ag); n != 3 {
		t.Fatalf("scanned %d cells after flush, want 3", n)
	}
}

// TestMajorCompactionMergesStores writes two generations of CellStores
// (via two minor compactions) for the same row at different revisions,
// then major-compacts and confirms only the newest version survives.
func TestMajorCompactionMergesStores(t *testing.T) {
	fs := testutil.NewMemFS()
	cfg := testConfig("/ag1")
	cfg.MaxVersions = 1
	ag := New("ag1", fs, cfg)

	ag.Add(key("r", 1), []byte("v1"))
	ag.InitiateCompaction()
	if err := ag.RunCompaction(false, 0); err != nil {
		t.Fatalf("RunCompaction (first minor): %v", err)
	}

	ag.Add(&cellkey.Key{Row: []byte("r"), ColumnFamily: 1, Flag: cellkey.FlagInsert, Timestamp: 2000, Revision: 2}, []byte("v2"))
	ag.InitiateCompaction()
	if err := ag.RunCompaction(false, 0); err != nil {
		t.Fatalf("RunCompaction (second minor): %v", err)
	}
	if ag.StoreCount() != 2 {
		t.Fatalf("StoreCount before major = %d, want 2", ag.StoreCount())
	}

	if err := ag.RunCompaction(true, 0); err != nil {
		t.Fatalf("RunCompaction (major): %v", err)
	}
	if ag.StoreCount() != 1 {
		t.Fatalf("StoreCount after major = %d, want 1", ag.StoreCount())
	}
	if n := scanAll(t, ag); n != 1 {
		t.Fatalf("scanned %d cells after major compaction with MaxVersions=1, want 1", n)
	}
}

// TestShrinkClipsStoreBounds confirms Shrink re-opens CellStores with a
// narrower row interval so a subsequent scan only sees the retained side.
func TestShrinkClipsStoreBounds(t *testing.T) {
	fs := testutil.NewMemFS()
	ag := New("ag1", fs, testConfig("/ag1"))

	for i, row := range []string{"a", "b", "c", "d", "e"} {
		ag.Add(key(row, uint64(i+1)), []byte(row))
	}
	ag.InitiateCompaction()
	if err := ag.RunCompaction(false, 0); err != nil {
		t.Fatalf("RunCompaction: %v", err)
	}

	if err := ag.Shrink([]byte("c"), []byte("e")); err != nil {
		t.Fatalf("Shrink: %v", err)
	}
	n := scanAll(t, ag)
	if n == 0 || n == 5 {
		t.Fatalf("scanned %d cells after shrink, want a strict subset of 5", n)
	}
}

// TestGetSplitRowsHardFallsBackToCacheMedian confirms the hard path
// returns a row drawn from the live cache when no CellStore exists yet.
func TestGetSplitRowsHardFallsBackToCacheMedian(t *testing.T) {
	fs := testutil.NewMemFS()
	ag := New("ag1", fs, testConfig("/ag1"))

	rows, err := ag.GetSplitRows(false)
	if err != nil {
		t.Fatalf("GetSplitRows(easy): %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("GetSplitRows(easy) with no stores: want none, got %v", rows)
	}

	for i, row := range []string{"a", "b", "c", "d", "e"} {
		ag.Add(key(row, uint64(i+1)), []byte(row))
	}
	rows, err = ag.GetSplitRows(true)
	if err != nil {
		t.Fatalf("GetSplitRows(hard): %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("GetSplitRows(hard): want 1 candidate, got %d", len(rows))
	}
	if string(rows[0]) != "c" {
		t.Fatalf("GetSplitRows(hard) median = %q, want %q", rows[0], "c")
	}
}

// TestFilePathsTracksCompactionOutput confirms FilePaths reflects the
// store list after a minor compaction, for the metadata Files column.
func TestFilePathsTracksCompactionOutput(t *testing.T) {
	fs := testutil.NewMemFS()
	ag := New("ag1", fs, testConfig("/ag1"))
	if len(ag.FilePaths()) != 0 {
		t.Fatalf("FilePaths before any flush: want empty, got %v", ag.FilePaths())
	}
	ag.Add(key("a", 1), []byte("x"))
	ag.InitiateCompaction()
	if err := ag.RunCompaction(false, 0); err != nil {
		t.Fatalf("RunCompaction: %v", err)
	}
	paths := ag.FilePaths()
	if len(paths) != 1 {
		t.Fatalf("FilePaths after flush: want 1 entry, got %v", paths)
	}
}
